package registry

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

// fakeDirectory is a scriptable JSON-RPC endpoint. Handlers are keyed by
// method name and return either a result or a fault.
type fakeDirectory struct {
	t        *testing.T
	handlers map[string]func(args []string, options map[string]any) (any, *Fault)
	calls    map[string]int
	reject   bool // respond 401 until cleared
}

func newFakeDirectory(t *testing.T) *fakeDirectory {
	return &fakeDirectory{
		t:        t,
		handlers: make(map[string]func([]string, map[string]any) (any, *Fault)),
		calls:    make(map[string]int),
	}
}

func (f *fakeDirectory) handle(method string, fn func([]string, map[string]any) (any, *Fault)) {
	f.handlers[method] = fn
}

func (f *fakeDirectory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.reject {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req struct {
		Method string             `json:"method"`
		Params [2]json.RawMessage `json:"params"`
	}
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	var args []string
	var options map[string]any
	require.NoError(f.t, json.Unmarshal(req.Params[0], &args))
	require.NoError(f.t, json.Unmarshal(req.Params[1], &options))

	f.calls[req.Method]++

	fn, ok := f.handlers[req.Method]
	if !ok {
		f.t.Errorf("unexpected method %s", req.Method)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	result, fault := fn(args, options)
	resp := map[string]any{"result": result, "error": fault, "id": 1}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(f.t, json.NewEncoder(w).Encode(resp))
}

func newTestClient(t *testing.T, fake *fakeDirectory) *Client {
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	return NewClient(Config{
		ServerURL:      server.URL,
		ConnectRetries: 1,
		Backoff:        time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}, &StaticAuthenticator{Session: "test-session"}, logger.NewDevelopment("registry-test"))
}

func TestAddHost(t *testing.T) {
	ctx := context.Background()

	t.Run("existing host gets new password", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("host_mod", func(args []string, options map[string]any) (any, *Fault) {
			assert.Equal(t, []string{"test.example.com"}, args)
			assert.Equal(t, "otp1", options["userpassword"])
			return map[string]any{}, nil
		})

		client := newTestClient(t, fake)
		issued, err := client.AddHost(ctx, "test.example.com", "otp1", HostOptions{})
		require.NoError(t, err)
		assert.True(t, issued)
		assert.Zero(t, fake.calls["host_add"])
	})

	t.Run("new host is added with attributes", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("host_mod", func([]string, map[string]any) (any, *Fault) {
			return nil, &Fault{Code: FaultNotFound, Name: "NotFound"}
		})
		fake.handle("host_add", func(args []string, options map[string]any) (any, *Fault) {
			assert.Equal(t, []string{"test.example.com"}, args)
			assert.Equal(t, true, options["force"])
			assert.Equal(t, "webserver", options["userclass"])
			assert.Equal(t, "fedora 40", options["nsosversion"])
			return map[string]any{}, nil
		})

		client := newTestClient(t, fake)
		issued, err := client.AddHost(ctx, "test.example.com", "otp1", HostOptions{
			HostClass: "webserver",
			OSDistro:  "fedora",
			OSVersion: "40",
		})
		require.NoError(t, err)
		assert.True(t, issued)
	})

	t.Run("enrolled host refuses password change", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("host_mod", func([]string, map[string]any) (any, *Fault) {
			return nil, &Fault{Code: FaultValidationError, Name: "ValidationError"}
		})

		client := newTestClient(t, fake)
		issued, err := client.AddHost(ctx, "test.example.com", "otp1", HostOptions{})
		require.NoError(t, err)
		assert.False(t, issued)
	})

	t.Run("concurrent add is benign", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("host_mod", func([]string, map[string]any) (any, *Fault) {
			return nil, &Fault{Code: FaultNotFound, Name: "NotFound"}
		})
		fake.handle("host_add", func([]string, map[string]any) (any, *Fault) {
			return nil, &Fault{Code: FaultDuplicateEntry, Name: "DuplicateEntry"}
		})

		client := newTestClient(t, fake)
		issued, err := client.AddHost(ctx, "test.example.com", "otp1", HostOptions{})
		require.NoError(t, err)
		assert.False(t, issued)
	})
}

func TestDeleteHost(t *testing.T) {
	ctx := context.Background()

	t.Run("missing host counts as success", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("host_del", func([]string, map[string]any) (any, *Fault) {
			return nil, &Fault{Code: FaultNotFound, Name: "NotFound"}
		})
		fake.handle("dnsrecord_del", func([]string, map[string]any) (any, *Fault) {
			return nil, &Fault{Code: FaultNotFound, Name: "NotFound"}
		})

		client := newTestClient(t, fake)
		assert.NoError(t, client.DeleteHost(ctx, "test.example.com"))
	})

	t.Run("dns cleanup failure is ignored", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("host_del", func(args []string, options map[string]any) (any, *Fault) {
			assert.Equal(t, false, options["updatedns"])
			return map[string]any{}, nil
		})
		fake.handle("dnsrecord_del", func(args []string, options map[string]any) (any, *Fault) {
			assert.Equal(t, []string{"example.com.", "test"}, args)
			return nil, &Fault{Code: FaultACIError, Name: "ACIError"}
		})

		client := newTestClient(t, fake)
		assert.NoError(t, client.DeleteHost(ctx, "test.example.com"))
		assert.Equal(t, 1, fake.calls["dnsrecord_del"])
	})
}

func TestFloatingIPRecords(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate record is benign", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("dnsrecord_add", func(args []string, options map[string]any) (any, *Fault) {
			assert.Equal(t, []string{"example.com.", "test"}, args)
			assert.Equal(t, []any{"203.0.113.10"}, options["arecord"])
			return nil, &Fault{Code: FaultDuplicateEntry, Name: "DuplicateEntry"}
		})

		client := newTestClient(t, fake)
		assert.NoError(t, client.AddFloatingIP(ctx, "test.example.com", "203.0.113.10"))
	})

	t.Run("ipv6 uses aaaa records", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("dnsrecord_add", func(args []string, options map[string]any) (any, *Fault) {
			assert.Contains(t, options, "aaaarecord")
			return map[string]any{}, nil
		})

		client := newTestClient(t, fake)
		assert.NoError(t, client.AddFloatingIP(ctx, "test.example.com", "2001:db8::10"))
	})

	t.Run("removing an absent record succeeds", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("dnsrecord_del", func([]string, map[string]any) (any, *Fault) {
			return nil, &Fault{Code: FaultNotFound, Name: "NotFound"}
		})

		client := newTestClient(t, fake)
		assert.NoError(t, client.RemoveFloatingIP(ctx, "test.example.com", "203.0.113.10"))
	})

	t.Run("invalid address is rejected", func(t *testing.T) {
		client := newTestClient(t, newFakeDirectory(t))
		err := client.AddFloatingIP(ctx, "test.example.com", "not-an-ip")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDNSRecord))
	})

	t.Run("set replaces the forward record", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("dnsrecord_mod", func(args []string, options map[string]any) (any, *Fault) {
			assert.Equal(t, []string{"example.com.", "test"}, args)
			assert.Equal(t, []any{"203.0.113.20"}, options["arecord"])
			return map[string]any{}, nil
		})

		client := newTestClient(t, fake)
		assert.NoError(t, client.SetFloatingIP(ctx, "test.example.com", "203.0.113.20"))
	})

	t.Run("set falls back to add when no record exists", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("dnsrecord_mod", func([]string, map[string]any) (any, *Fault) {
			return nil, &Fault{Code: FaultNotFound, Name: "NotFound"}
		})
		added := false
		fake.handle("dnsrecord_add", func(args []string, options map[string]any) (any, *Fault) {
			added = true
			assert.Equal(t, []any{"2001:db8::20"}, options["aaaarecord"])
			return map[string]any{}, nil
		})

		client := newTestClient(t, fake)
		assert.NoError(t, client.SetFloatingIP(ctx, "test.example.com", "2001:db8::20"))
		assert.True(t, added)
	})
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("persistent 401 maps to auth expired", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.reject = true

		client := newTestClient(t, fake)
		err := client.Ping(ctx)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAuthExpired))
		assert.False(t, apperrors.IsRetryable(err))
	})
}

func TestConnectRetryExhaustion(t *testing.T) {
	client := NewClient(Config{
		ServerURL:      "http://127.0.0.1:1", // nothing listens here
		ConnectRetries: 1,
		Backoff:        time.Millisecond,
		RequestTimeout: time.Second,
	}, &StaticAuthenticator{Session: "s"}, logger.NewDevelopment("registry-test"))

	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConnectivity))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestSplitPrincipal(t *testing.T) {
	tests := []struct {
		name      string
		principal string
		service   string
		host      string
		realm     string
		wantErr   bool
	}{
		{name: "full", principal: "HTTP/web.example.com@EXAMPLE.COM", service: "HTTP", host: "web.example.com", realm: "EXAMPLE.COM"},
		{name: "no realm", principal: "ldap/dir.example.com", service: "ldap", host: "dir.example.com"},
		{name: "no service", principal: "web.example.com", wantErr: true},
		{name: "empty host", principal: "HTTP/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, host, realm, err := SplitPrincipal(tt.principal)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.service, service)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.realm, realm)
		})
	}
}

func TestServiceManagement(t *testing.T) {
	ctx := context.Background()

	t.Run("service with foreign manager", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("service_show", func([]string, map[string]any) (any, *Fault) {
			return map[string]any{
				"result": map[string]any{
					"managedby_host": []string{"web.example.com", "other.example.com"},
				},
			}, nil
		})

		client := newTestClient(t, fake)
		has, err := client.ServiceHasHosts(ctx, "HTTP/web.example.com@EXAMPLE.COM")
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("service managed only by itself", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("service_show", func([]string, map[string]any) (any, *Fault) {
			return map[string]any{
				"result": map[string]any{
					"managedby_host": []string{"web.example.com"},
				},
			}, nil
		})

		client := newTestClient(t, fake)
		has, err := client.ServiceHasHosts(ctx, "HTTP/web.example.com@EXAMPLE.COM")
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("host with no services", func(t *testing.T) {
		fake := newFakeDirectory(t)
		fake.handle("service_find", func(args []string, options map[string]any) (any, *Fault) {
			assert.Equal(t, "web.example.com", options["man_by_host"])
			return map[string]any{"count": 0}, nil
		})

		client := newTestClient(t, fake)
		has, err := client.HostHasServices(ctx, "web.example.com")
		require.NoError(t, err)
		assert.False(t, has)
	})
}

func TestBatchFlush(t *testing.T) {
	ctx := context.Background()

	fake := newFakeDirectory(t)
	fake.handle("batch", func(args []string, options map[string]any) (any, *Fault) {
		methods, ok := options["methods"].([]any)
		require.True(t, ok)
		require.Len(t, methods, 2)
		return map[string]any{
			"count": 2,
			"results": []map[string]any{
				{"result": map[string]any{}},
				{"error": "no such entry", "error_code": FaultNotFound, "error_name": "NotFound"},
			},
		}, nil
	})

	client := newTestClient(t, fake)
	batch := client.NewBatch()
	batch.Add("host_add", []string{"a.example.com"}, map[string]any{"force": true})
	batch.Add("host_del", []string{"b.example.com"}, map[string]any{"updatedns": false})
	require.Equal(t, 2, batch.Len())

	require.NoError(t, batch.Flush(ctx))
	assert.Zero(t, batch.Len(), "flush must clear the batch")
	assert.Equal(t, 1, fake.calls["batch"])
}
