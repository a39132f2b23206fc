// Package listener reacts to compute platform lifecycle events: tearing
// down directory state when instances die and keeping DNS in step with
// floating IP moves.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudkeep/ipabridge/internal/bridge/config"
	"github.com/cloudkeep/ipabridge/internal/bridge/db"
	"github.com/cloudkeep/ipabridge/internal/bridge/events"
	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
	"github.com/cloudkeep/ipabridge/internal/shared/hostname"
	"github.com/cloudkeep/ipabridge/internal/shared/locks"
	"github.com/cloudkeep/ipabridge/pkg/api"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

// Registry is the slice of the directory client the listener needs.
type Registry interface {
	DeleteHost(ctx context.Context, fqdn string) error
	RemoveSubhost(ctx context.Context, fqdn string) error
	DeleteService(ctx context.Context, principal string) error
	ServiceHasHosts(ctx context.Context, principal string) (bool, error)
	HostHasServices(ctx context.Context, fqdn string) (bool, error)
	SetFloatingIP(ctx context.Context, fqdn, address string) error
	RemoveFloatingIP(ctx context.Context, fqdn, address string) error
	RevokeCertificates(ctx context.Context, fqdn string) error
	BatchTeardown(ctx context.Context, subhosts, services []string) error
}

// Store is the slice of the state store the listener needs.
type Store interface {
	ApplySequence(ctx context.Context, instanceID string, seq int64) (bool, error)
	LastSequence(ctx context.Context, instanceID string) (int64, bool, error)
	GetEnrollment(ctx context.Context, instanceID string) (*db.Enrollment, error)
	DeleteEnrollment(ctx context.Context, instanceID string) error
}

// Listener applies lifecycle notifications to the directory server.
type Listener struct {
	registry Registry
	store    Store
	fqdnOpts hostname.Options
	locks    *locks.KeyedMutex
	logger   *logger.Logger
}

// New creates a listener.
func New(reg Registry, store Store, enroll config.EnrollConfig, log *logger.Logger) *Listener {
	if log == nil {
		log = logger.NewDevelopment("listener")
	}
	return &Listener{
		registry: reg,
		store:    store,
		fqdnOpts: hostname.Options{
			Domain:           enroll.Domain,
			ProjectSubdomain: enroll.ProjectSubdomain,
			NormalizeProject: enroll.NormalizeProject,
		},
		locks:  locks.NewKeyedMutex(),
		logger: log,
	}
}

// Register subscribes the lifecycle handlers on the bus.
func (l *Listener) Register(bus *events.Bus) error {
	if err := bus.Subscribe(api.EventInstanceDelete, l.HandleInstanceDelete); err != nil {
		return err
	}
	if err := bus.Subscribe(api.EventFloatingIPAssociate, l.HandleFloatingIPAssociate); err != nil {
		return err
	}
	return bus.Subscribe(api.EventFloatingIPDisassociate, l.HandleFloatingIPDisassociate)
}

// begin serializes the instance and checks its sequence cursor without
// moving it. The returned bool reports whether the event is current; stale
// and duplicate deliveries are discarded here. The cursor itself only
// advances in commit, after the handler's mutations have succeeded, so a
// failed delivery keeps its sequence available for the sender's redelivery.
// The unlock func must be called either way.
func (l *Listener) begin(ctx context.Context, n *events.Notification) (bool, func(), error) {
	l.locks.Lock(n.Body.InstanceID)
	unlock := func() { l.locks.Unlock(n.Body.InstanceID) }

	last, found, err := l.store.LastSequence(ctx, n.Body.InstanceID)
	if err != nil {
		return false, unlock, apperrors.NewDatabaseError(apperrors.ErrCodeDatabase,
			"failed to read event cursor", true, err)
	}
	if found && n.Sequence <= last {
		l.logger.InfoContext(ctx, "discarding stale or duplicate event",
			"type", n.Type(), "instance_id", n.Body.InstanceID, "sequence", n.Sequence)
		return false, unlock, nil
	}
	return true, unlock, nil
}

// commit records the event as applied. Only called once the handler is done
// with the directory, still under the instance lock taken by begin.
func (l *Listener) commit(ctx context.Context, n *events.Notification) error {
	if _, err := l.store.ApplySequence(ctx, n.Body.InstanceID, n.Sequence); err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabase,
			"failed to advance event cursor", true, err)
	}
	return nil
}

// fqdn resolves the instance's enrolled name, preferring what we recorded
// at enrollment over re-deriving it from the notification.
func (l *Listener) fqdn(ctx context.Context, n *events.Notification) (string, error) {
	e, err := l.store.GetEnrollment(ctx, n.Body.InstanceID)
	if err == nil {
		return e.FQDN, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return "", apperrors.NewDatabaseError(apperrors.ErrCodeDatabase,
			"failed to read enrollment state", true, err)
	}
	if n.Body.Hostname == "" {
		return "", nil
	}
	return hostname.FQDN(n.Body.Hostname, n.Body.ProjectID, l.fqdnOpts), nil
}

// HandleInstanceDelete removes the host, its aliases and services, revokes
// its certificates, and clears the local state.
func (l *Listener) HandleInstanceDelete(ctx context.Context, n *events.Notification) error {
	applied, unlock, err := l.begin(ctx, n)
	defer unlock()
	if err != nil || !applied {
		return err
	}

	ctx = logger.WithInstanceID(ctx, n.Body.InstanceID)

	// Only instances that asked for enrollment get their directory state
	// touched; everything else never had any.
	if !api.EnrollRequested(n.Body.Metadata) && !api.EnrollRequested(n.Body.ImageMeta) {
		l.logger.DebugContext(ctx, "instance was not enrolled, skipping delete")
		return l.commit(ctx, n)
	}

	fqdn, err := l.fqdn(ctx, n)
	if err != nil {
		return err
	}
	if fqdn == "" {
		l.logger.WarnContext(ctx, "cannot resolve host for deleted instance")
		return l.commit(ctx, n)
	}

	l.logger.InfoContext(ctx, "removing enrolled host", "fqdn", fqdn)

	if err := l.registry.RevokeCertificates(ctx, fqdn); err != nil {
		l.logger.WarnContext(ctx, "certificate revocation failed", "fqdn", fqdn, "error", err)
	}

	if err := l.registry.DeleteHost(ctx, fqdn); err != nil {
		return err
	}

	if subhosts := l.compactSubhosts(ctx, n.Body.Hostname, n.Body.Metadata); len(subhosts) > 0 {
		if err := l.registry.BatchTeardown(ctx, subhosts, nil); err != nil {
			l.logger.WarnContext(ctx, "subhost teardown failed", "error", err)
		}
	}

	l.teardownManagedServices(ctx, n.Body.Metadata)

	if err := l.store.DeleteEnrollment(ctx, n.Body.InstanceID); err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabase,
			"failed to clear enrollment state", true, err)
	}
	return l.commit(ctx, n)
}

// HandleFloatingIPAssociate publishes the address on the instance's name.
func (l *Listener) HandleFloatingIPAssociate(ctx context.Context, n *events.Notification) error {
	applied, unlock, err := l.begin(ctx, n)
	defer unlock()
	if err != nil || !applied {
		return err
	}

	if err := l.updateFloatingIP(ctx, n, l.registry.SetFloatingIP); err != nil {
		return err
	}
	return l.commit(ctx, n)
}

// HandleFloatingIPDisassociate withdraws the address from the instance's
// name.
func (l *Listener) HandleFloatingIPDisassociate(ctx context.Context, n *events.Notification) error {
	applied, unlock, err := l.begin(ctx, n)
	defer unlock()
	if err != nil || !applied {
		return err
	}

	if err := l.updateFloatingIP(ctx, n, l.registry.RemoveFloatingIP); err != nil {
		return err
	}
	return l.commit(ctx, n)
}

func (l *Listener) updateFloatingIP(ctx context.Context, n *events.Notification, apply func(context.Context, string, string) error) error {
	ctx = logger.WithInstanceID(ctx, n.Body.InstanceID)

	if n.Body.Address == "" {
		return apperrors.NewNotificationError(apperrors.ErrCodeValidation,
			fmt.Sprintf("%s notification missing address", n.Type()), false, nil)
	}

	fqdn, err := l.fqdn(ctx, n)
	if err != nil {
		return err
	}
	if fqdn == "" {
		l.logger.WarnContext(ctx, "cannot resolve host for floating ip update",
			"address", n.Body.Address)
		return nil
	}

	return apply(ctx, fqdn, n.Body.Address)
}

// compactSubhosts reconstructs the per-network alias hosts recorded in the
// compact services metadata. Their service principals disappear with the
// entries through the server's referential integrity.
func (l *Listener) compactSubhosts(ctx context.Context, shortHost string, metadata map[string]string) []string {
	compact := metadata[api.MetaCompactServices]
	if compact == "" || shortHost == "" {
		return nil
	}

	var services map[string][]string
	if err := json.Unmarshal([]byte(compact), &services); err != nil {
		l.logger.WarnContext(ctx, "skipping malformed compact services", "error", err)
		return nil
	}

	seen := make(map[string]bool)
	var subhosts []string
	for _, networks := range services {
		for _, network := range networks {
			subhost := hostname.FQDN(shortHost+"."+network, "", l.fqdnOpts)
			if !seen[subhost] {
				seen[subhost] = true
				subhosts = append(subhosts, subhost)
			}
		}
	}
	return subhosts
}

// teardownManagedServices deletes the managed service principals and their
// alias hosts, but only once nothing else manages them.
func (l *Listener) teardownManagedServices(ctx context.Context, metadata map[string]string) {
	servicesDone := make(map[string]bool)
	hostsDone := make(map[string]bool)

	for key, principal := range metadata {
		if !strings.HasPrefix(key, api.MetaManagedServicePrefix) {
			continue
		}
		slash := strings.IndexByte(principal, '/')
		if slash <= 0 || slash == len(principal)-1 {
			continue
		}

		if !servicesDone[principal] {
			servicesDone[principal] = true
			hasHosts, err := l.registry.ServiceHasHosts(ctx, principal)
			if err != nil {
				l.logger.WarnContext(ctx, "skipping managed service check",
					"principal", principal, "error", err)
				continue
			}
			if hasHosts {
				// Someone else still manages it; leave it alone.
				continue
			}
			if err := l.registry.DeleteService(ctx, principal); err != nil {
				l.logger.WarnContext(ctx, "managed service delete failed",
					"principal", principal, "error", err)
				continue
			}
		}

		principalHost := principal[slash+1:]
		if hostsDone[principalHost] {
			continue
		}
		hostsDone[principalHost] = true

		hasServices, err := l.registry.HostHasServices(ctx, principalHost)
		if err != nil || hasServices {
			continue
		}
		if err := l.registry.RemoveSubhost(ctx, principalHost); err != nil {
			l.logger.WarnContext(ctx, "managed subhost delete failed",
				"host", principalHost, "error", err)
		}
	}
}
