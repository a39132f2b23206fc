package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

// maxBackoff caps the doubling reconnect backoff.
const maxBackoff = 1024 * time.Second

// Config holds the directory server connection settings.
type Config struct {
	ServerURL      string
	ConnectRetries int
	Backoff        time.Duration
	RequestTimeout time.Duration
}

// Client speaks JSON-RPC to the directory server over an authenticated
// session. All exported methods are safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
	auth       Authenticator

	connectRetries int
	baseBackoff    time.Duration

	mu      sync.Mutex
	session string
	nextID  int
}

// NewClient creates a directory server client. Connect must be called
// before issuing RPCs.
func NewClient(cfg Config, auth Authenticator, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDevelopment("registry")
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 2
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	return &Client{
		baseURL: cfg.ServerURL,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger:         log,
		auth:           auth,
		connectRetries: cfg.ConnectRetries,
		baseBackoff:    cfg.Backoff,
	}
}

// Connect authenticates and verifies the server responds to ping. Each
// failed attempt doubles the wait, capped at 1024s, for at most
// connect_retries+1 attempts.
func (c *Client) Connect(ctx context.Context) error {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.connectRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("directory server connect failed, backing off",
				"attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return apperrors.NewRegistryError(apperrors.ErrCodeTimeout,
					"connect cancelled", false, ctx.Err())
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		session, err := c.auth.Login(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.session = session
		c.mu.Unlock()

		if err := c.Ping(ctx); err != nil {
			lastErr = err
			continue
		}

		c.logger.Info("connected to directory server", "url", c.baseURL)
		return nil
	}

	return apperrors.NewRegistryError(apperrors.ErrCodeConnectivity,
		fmt.Sprintf("directory server unreachable after %d attempts", c.connectRetries+1),
		true, lastErr)
}

// Ping issues the server's no-op liveness command.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", nil, nil)
	return err
}

// Call issues a single JSON-RPC command. Server faults come back as *Fault
// so callers can treat specific codes as benign; transport and auth
// problems come back as domain errors.
func (c *Client) Call(ctx context.Context, method string, args []string, options map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	session := c.session
	c.mu.Unlock()

	rpcReq := newRPCRequest(id, method, args, options)
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	resp, status, err := c.post(ctx, body, session)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		// Session expired: re-authenticate once and replay. A second 401
		// means our credentials are no good and retrying cannot help.
		c.logger.Debug("session rejected, re-authenticating", "method", method)
		session, err = c.auth.Login(ctx)
		if err != nil {
			return nil, apperrors.NewRegistryError(apperrors.ErrCodeAuthExpired,
				"re-authentication failed", false, err)
		}
		c.mu.Lock()
		c.session = session
		c.mu.Unlock()

		resp, status, err = c.post(ctx, body, session)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, apperrors.NewRegistryError(apperrors.ErrCodeAuthExpired,
				"directory server rejected refreshed session", false, nil)
		}
	}

	if status != http.StatusOK {
		return nil, apperrors.NewRegistryError(apperrors.ErrCodeRPCFault,
			fmt.Sprintf("%s returned unexpected status %d", method, status), true, nil)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(resp, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}

	if rpcResp.Error != nil {
		c.logger.Debug("directory server fault",
			"method", method, "code", rpcResp.Error.Code, "name", rpcResp.Error.Name)
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// post sends one HTTP round trip, retrying transport failures with the same
// doubling backoff as Connect.
func (c *Client) post(ctx context.Context, body []byte, session string) ([]byte, int, error) {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.connectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, 0, apperrors.NewRegistryError(apperrors.ErrCodeTimeout,
					"request cancelled", false, ctx.Err())
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/ipa/session/json", bytes.NewReader(body))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Referer", c.baseURL+"/ipa")
		if session != "" {
			req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: session})
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("directory server request failed, will retry",
				"attempt", attempt+1, "error", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		return respBody, resp.StatusCode, nil
	}

	return nil, 0, apperrors.NewRegistryError(apperrors.ErrCodeConnectivity,
		fmt.Sprintf("directory server unreachable after %d attempts", c.connectRetries+1),
		true, lastErr)
}

// FaultCode extracts the server fault code from err, or 0 when err is not a
// server fault.
func FaultCode(err error) int {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.Code
	}
	return 0
}
