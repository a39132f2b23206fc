package images

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

func TestMetadata(t *testing.T) {
	ctx := context.Background()

	t.Run("string properties are extracted", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v2/images/img-1", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"id":         "img-1",
				"os_distro":  "fedora",
				"os_version": "40",
				"ipa_enroll": "True",
				"size":       123456,
			})
		}))
		defer server.Close()

		client := NewClient(Config{ServerURL: server.URL}, logger.NewDevelopment("images-test"))
		props, err := client.Metadata(ctx, "img-1")
		require.NoError(t, err)
		assert.Equal(t, "fedora", props["os_distro"])
		assert.Equal(t, "True", props["ipa_enroll"])
		assert.NotContains(t, props, "size", "non-string properties are dropped")
	})

	t.Run("empty image id skips the lookup", func(t *testing.T) {
		client := NewClient(Config{ServerURL: "http://127.0.0.1:1"}, logger.NewDevelopment("images-test"))
		props, err := client.Metadata(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, props)
	})

	t.Run("retries then reports image metadata error", func(t *testing.T) {
		var hits int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client := NewClient(Config{
			ServerURL:      server.URL,
			Retries:        1,
			RequestTimeout: time.Second,
		}, logger.NewDevelopment("images-test"))

		_, err := client.Metadata(ctx, "img-2")
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeImageMetadata))
		assert.Equal(t, 2, hits)
	})

	t.Run("not found is an error for the caller to tolerate", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := NewClient(Config{ServerURL: server.URL}, logger.NewDevelopment("images-test"))
		_, err := client.Metadata(ctx, "gone")
		assert.Error(t, err)
	})
}
