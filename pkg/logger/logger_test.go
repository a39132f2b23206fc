package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/cloudkeep/ipabridge/internal/shared/errors"
)

func newBufferLogger(buf *bytes.Buffer) *Logger {
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Component = "test-component"

	handler := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)})
	return &Logger{Logger: slog.New(handler), config: cfg}
}

func TestErrorCtxEnrichesDomainErrors(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithInstanceID(ctx, "inst-42")

	domainErr := errors.NewRegistryError(errors.ErrCodeConnectivity, "server unreachable", true, nil)
	l.ErrorCtx(ctx, "registry call failed", domainErr)

	var entry map[string]any
	if err := json.NewDecoder(&buf).Decode(&entry); err != nil {
		t.Fatalf("failed to decode log output: %v", err)
	}

	wantKeys := []string{"error", "error_domain", "error_code", "retryable", "request_id", "instance_id", "component", "msg"}
	for _, k := range wantKeys {
		if _, ok := entry[k]; !ok {
			t.Errorf("expected key %q in log entry, got %v", k, entry)
		}
	}

	if entry["error_code"] != errors.ErrCodeConnectivity {
		t.Errorf("expected error_code %q, got %v", errors.ErrCodeConnectivity, entry["error_code"])
	}
	if entry["retryable"] != true {
		t.Errorf("expected retryable true, got %v", entry["retryable"])
	}
}

func TestHTTPRequestLevelSelection(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.HTTPRequest(context.Background(), "POST", "/v1/", 500, 10*time.Millisecond)

	var entry map[string]any
	if err := json.NewDecoder(&buf).Decode(&entry); err != nil {
		t.Fatalf("failed to decode log output: %v", err)
	}

	if entry["level"] != "ERROR" {
		t.Errorf("expected ERROR level for 500 status, got %v", entry["level"])
	}
	if entry["http_status"] != float64(500) {
		t.Errorf("expected http_status 500, got %v", entry["http_status"])
	}
}

func TestWithComponentDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	scoped := l.WithComponent("listener")
	if scoped.config.Component != "listener" {
		t.Errorf("expected scoped component listener, got %s", scoped.config.Component)
	}
	if l.config.Component != "test-component" {
		t.Errorf("parent component mutated to %s", l.config.Component)
	}
}
