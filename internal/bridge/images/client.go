package images

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

// Config holds the image service connection settings.
type Config struct {
	ServerURL      string
	Retries        int
	RequestTimeout time.Duration
}

// Client fetches image properties from the image service. Enrollment treats
// image lookups as advisory: a failure here must not block a host from
// getting registered, so callers log and continue on error.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	logger     *logger.Logger
}

// NewClient creates an image service client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDevelopment("images")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	return &Client{
		baseURL: cfg.ServerURL,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		retries: cfg.Retries,
		logger:  log,
	}
}

// Metadata returns the string properties of an image. An empty imageID
// yields an empty map without a lookup.
func (c *Client) Metadata(ctx context.Context, imageID string) (map[string]string, error) {
	if imageID == "" || c.baseURL == "" {
		return map[string]string{}, nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			waitTime := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(waitTime):
			case <-ctx.Done():
				return nil, apperrors.NewEnrollmentError(apperrors.ErrCodeImageMetadata,
					"image lookup cancelled", false, ctx.Err())
			}
		}

		props, err := c.fetchOnce(ctx, imageID)
		if err == nil {
			return props, nil
		}
		lastErr = err
		c.logger.Warn("image metadata fetch failed",
			"image_id", imageID, "attempt", attempt+1, "error", err)
	}

	return nil, apperrors.NewEnrollmentError(apperrors.ErrCodeImageMetadata,
		fmt.Sprintf("failed to fetch metadata for image %s", imageID), true, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, imageID string) (map[string]string, error) {
	url := fmt.Sprintf("%s/v2/images/%s", c.baseURL, imageID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("fetching image metadata", "url", url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// Image properties sit at the top level of the document alongside
		// the fixed fields; only string values carry enrollment hints.
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode image document: %w", err)
		}

		props := make(map[string]string, len(doc))
		for key, value := range doc {
			if s, ok := value.(string); ok {
				props[key] = s
			}
		}
		return props, nil

	case http.StatusNotFound:
		return nil, fmt.Errorf("image %s not found", imageID)

	default:
		c.logger.Error("unexpected image service response", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("image service returned unexpected status %d", resp.StatusCode)
	}
}
