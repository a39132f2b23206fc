package listener

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudkeep/ipabridge/internal/bridge/config"
	"github.com/cloudkeep/ipabridge/internal/bridge/db"
	"github.com/cloudkeep/ipabridge/internal/bridge/events"
	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
	"github.com/cloudkeep/ipabridge/pkg/api"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

type fakeRegistry struct {
	mu               sync.Mutex
	deleteHostErr    error
	deletedHosts     []string
	removedSubhosts  []string
	deletedServices  []string
	revoked          []string
	setIPErr         error
	setIPs           map[string]string
	removedIPs       map[string]string
	tornDownSubhosts []string
	serviceHasHosts  map[string]bool
	hostHasServices  map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		setIPs:          make(map[string]string),
		removedIPs:      make(map[string]string),
		serviceHasHosts: make(map[string]bool),
		hostHasServices: make(map[string]bool),
	}
}

func (f *fakeRegistry) DeleteHost(ctx context.Context, fqdn string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteHostErr; err != nil {
		f.deleteHostErr = nil
		return err
	}
	f.deletedHosts = append(f.deletedHosts, fqdn)
	return nil
}

func (f *fakeRegistry) RemoveSubhost(ctx context.Context, fqdn string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedSubhosts = append(f.removedSubhosts, fqdn)
	return nil
}

func (f *fakeRegistry) DeleteService(ctx context.Context, principal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedServices = append(f.deletedServices, principal)
	return nil
}

func (f *fakeRegistry) ServiceHasHosts(ctx context.Context, principal string) (bool, error) {
	return f.serviceHasHosts[principal], nil
}

func (f *fakeRegistry) HostHasServices(ctx context.Context, fqdn string) (bool, error) {
	return f.hostHasServices[fqdn], nil
}

func (f *fakeRegistry) SetFloatingIP(ctx context.Context, fqdn, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.setIPErr; err != nil {
		f.setIPErr = nil
		return err
	}
	f.setIPs[fqdn] = address
	return nil
}

func (f *fakeRegistry) RemoveFloatingIP(ctx context.Context, fqdn, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedIPs[fqdn] = address
	return nil
}

func (f *fakeRegistry) RevokeCertificates(ctx context.Context, fqdn string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, fqdn)
	return nil
}

func (f *fakeRegistry) BatchTeardown(ctx context.Context, subhosts, services []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDownSubhosts = append(f.tornDownSubhosts, subhosts...)
	return nil
}

type memStore struct {
	mu          sync.Mutex
	sequences   map[string]int64
	enrollments map[string]db.Enrollment
}

func newMemStore() *memStore {
	return &memStore{
		sequences:   make(map[string]int64),
		enrollments: make(map[string]db.Enrollment),
	}
}

func (m *memStore) ApplySequence(ctx context.Context, instanceID string, seq int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.sequences[instanceID]
	if ok && seq <= last {
		return false, nil
	}
	m.sequences[instanceID] = seq
	return true, nil
}

func (m *memStore) LastSequence(ctx context.Context, instanceID string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.sequences[instanceID]
	return last, ok, nil
}

func (m *memStore) GetEnrollment(ctx context.Context, instanceID string) (*db.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[instanceID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &e, nil
}

func (m *memStore) DeleteEnrollment(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.enrollments, instanceID)
	return nil
}

func newTestListener(reg *fakeRegistry, store *memStore) *Listener {
	return New(reg, store, config.EnrollConfig{Domain: "example.com"},
		logger.NewDevelopment("listener-test"))
}

func notification(t *testing.T, eventType string, seq int, mutate func(*api.Notification)) *events.Notification {
	t.Helper()
	body := api.Notification{
		EventType:  eventType,
		InstanceID: "inst-1",
		Hostname:   "test",
		Sequence:   seq,
		Metadata:   map[string]string{api.MetaEnroll: "true"},
	}
	if mutate != nil {
		mutate(&body)
	}
	n, err := events.NewNotification(body)
	require.NoError(t, err)
	return n
}

func TestHandleInstanceDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("enrolled instance is fully removed", func(t *testing.T) {
		reg := newFakeRegistry()
		store := newMemStore()
		store.enrollments["inst-1"] = db.Enrollment{
			InstanceID: "inst-1", FQDN: "test.example.com", OTP: "x",
		}
		l := newTestListener(reg, store)

		require.NoError(t, l.HandleInstanceDelete(ctx, notification(t, api.EventInstanceDelete, 5, nil)))

		assert.Equal(t, []string{"test.example.com"}, reg.deletedHosts)
		assert.Equal(t, []string{"test.example.com"}, reg.revoked)
		_, err := store.GetEnrollment(ctx, "inst-1")
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("non-enrolled instance is a no-op", func(t *testing.T) {
		reg := newFakeRegistry()
		l := newTestListener(reg, newMemStore())

		n := notification(t, api.EventInstanceDelete, 5, func(b *api.Notification) {
			b.Metadata = nil
		})
		require.NoError(t, l.HandleInstanceDelete(ctx, n))
		assert.Empty(t, reg.deletedHosts)
		assert.Empty(t, reg.revoked)
	})

	t.Run("duplicate delivery is discarded", func(t *testing.T) {
		reg := newFakeRegistry()
		l := newTestListener(reg, newMemStore())

		require.NoError(t, l.HandleInstanceDelete(ctx, notification(t, api.EventInstanceDelete, 5, nil)))
		require.NoError(t, l.HandleInstanceDelete(ctx, notification(t, api.EventInstanceDelete, 5, nil)))

		assert.Len(t, reg.deletedHosts, 1)
	})

	t.Run("failed delete can be redelivered", func(t *testing.T) {
		reg := newFakeRegistry()
		reg.deleteHostErr = apperrors.NewRegistryError(apperrors.ErrCodeConnectivity,
			"registry unreachable", true, nil)
		l := newTestListener(reg, newMemStore())

		require.Error(t, l.HandleInstanceDelete(ctx, notification(t, api.EventInstanceDelete, 5, nil)))
		assert.Empty(t, reg.deletedHosts)

		// The platform redelivers the identical event; the failed attempt
		// must not have consumed its sequence.
		require.NoError(t, l.HandleInstanceDelete(ctx, notification(t, api.EventInstanceDelete, 5, nil)))
		assert.Equal(t, []string{"test.example.com"}, reg.deletedHosts)
	})

	t.Run("compact services subhosts are torn down", func(t *testing.T) {
		reg := newFakeRegistry()
		l := newTestListener(reg, newMemStore())

		n := notification(t, api.EventInstanceDelete, 5, func(b *api.Notification) {
			b.Metadata[api.MetaCompactServices] = `{"http": ["internalapi"], "rabbitmq": ["internalapi", "ctlplane"]}`
		})
		require.NoError(t, l.HandleInstanceDelete(ctx, n))

		assert.ElementsMatch(t, []string{
			"test.internalapi.example.com",
			"test.ctlplane.example.com",
		}, reg.tornDownSubhosts)
	})

	t.Run("managed services are removed only when orphaned", func(t *testing.T) {
		reg := newFakeRegistry()
		reg.serviceHasHosts["HTTP/shared.example.com"] = true
		reg.hostHasServices["lonely.example.com"] = false
		l := newTestListener(reg, newMemStore())

		n := notification(t, api.EventInstanceDelete, 5, func(b *api.Notification) {
			b.Metadata["managed_service_a"] = "HTTP/shared.example.com"
			b.Metadata["managed_service_b"] = "ldap/lonely.example.com"
		})
		require.NoError(t, l.HandleInstanceDelete(ctx, n))

		assert.Equal(t, []string{"ldap/lonely.example.com"}, reg.deletedServices)
		assert.Equal(t, []string{"lonely.example.com"}, reg.removedSubhosts)
	})
}

func TestFloatingIPOrdering(t *testing.T) {
	ctx := context.Background()

	t.Run("associate then disassociate", func(t *testing.T) {
		reg := newFakeRegistry()
		l := newTestListener(reg, newMemStore())

		assoc := notification(t, api.EventFloatingIPAssociate, 5, func(b *api.Notification) {
			b.Address = "203.0.113.10"
		})
		require.NoError(t, l.HandleFloatingIPAssociate(ctx, assoc))
		assert.Equal(t, "203.0.113.10", reg.setIPs["test.example.com"])

		disassoc := notification(t, api.EventFloatingIPDisassociate, 6, func(b *api.Notification) {
			b.Address = "203.0.113.10"
		})
		require.NoError(t, l.HandleFloatingIPDisassociate(ctx, disassoc))
		assert.Equal(t, "203.0.113.10", reg.removedIPs["test.example.com"])
	})

	t.Run("late disassociate loses to newer associate", func(t *testing.T) {
		reg := newFakeRegistry()
		l := newTestListener(reg, newMemStore())

		assoc := notification(t, api.EventFloatingIPAssociate, 10, func(b *api.Notification) {
			b.Address = "203.0.113.20"
		})
		require.NoError(t, l.HandleFloatingIPAssociate(ctx, assoc))

		late := notification(t, api.EventFloatingIPDisassociate, 5, func(b *api.Notification) {
			b.Address = "203.0.113.20"
		})
		require.NoError(t, l.HandleFloatingIPDisassociate(ctx, late))

		assert.Equal(t, "203.0.113.20", reg.setIPs["test.example.com"], "record stays published")
		assert.Empty(t, reg.removedIPs, "stale disassociate must not remove the record")
	})

	t.Run("failed associate can be redelivered", func(t *testing.T) {
		reg := newFakeRegistry()
		reg.setIPErr = apperrors.NewRegistryError(apperrors.ErrCodeConnectivity,
			"registry unreachable", true, nil)
		l := newTestListener(reg, newMemStore())

		assoc := notification(t, api.EventFloatingIPAssociate, 5, func(b *api.Notification) {
			b.Address = "203.0.113.10"
		})
		require.Error(t, l.HandleFloatingIPAssociate(ctx, assoc))
		assert.Empty(t, reg.setIPs)

		retry := notification(t, api.EventFloatingIPAssociate, 5, func(b *api.Notification) {
			b.Address = "203.0.113.10"
		})
		require.NoError(t, l.HandleFloatingIPAssociate(ctx, retry))
		assert.Equal(t, "203.0.113.10", reg.setIPs["test.example.com"])
	})

	t.Run("stored enrollment name wins over derivation", func(t *testing.T) {
		reg := newFakeRegistry()
		store := newMemStore()
		store.enrollments["inst-1"] = db.Enrollment{
			InstanceID: "inst-1", FQDN: "test.dev-team.example.com",
		}
		l := newTestListener(reg, store)

		assoc := notification(t, api.EventFloatingIPAssociate, 3, func(b *api.Notification) {
			b.Address = "203.0.113.30"
		})
		require.NoError(t, l.HandleFloatingIPAssociate(ctx, assoc))
		assert.Equal(t, "203.0.113.30", reg.setIPs["test.dev-team.example.com"])
	})
}

func TestRegisterSubscribesHandlers(t *testing.T) {
	bus := events.NewBus(logger.NewDevelopment("listener-test"))
	defer bus.Close()

	l := newTestListener(newFakeRegistry(), newMemStore())
	require.NoError(t, l.Register(bus))

	_, subscribers := bus.Health()
	assert.Equal(t, 3, subscribers)
}
