// Package events carries compute platform notifications from the intake
// endpoint to the lifecycle handlers over an in-process bus.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gookitEvent "github.com/gookit/event"
	"github.com/gookit/goutil"

	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
	"github.com/cloudkeep/ipabridge/pkg/api"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

// Notification is one platform event with its delivery order resolved. The
// sequence is what lets handlers discard stale deliveries.
type Notification struct {
	ID         string
	ReceivedAt time.Time
	Sequence   int64
	Body       api.Notification
}

// Type returns the platform event type.
func (n *Notification) Type() string {
	return n.Body.EventType
}

// NewNotification validates a raw payload and coerces its sequence field,
// which arrives as a number or string depending on the sender.
func NewNotification(body api.Notification) (*Notification, error) {
	switch body.EventType {
	case api.EventInstanceDelete, api.EventFloatingIPAssociate, api.EventFloatingIPDisassociate:
	default:
		return nil, apperrors.NewNotificationError(apperrors.ErrCodeUnknownEvent,
			fmt.Sprintf("unknown event type %q", body.EventType), false, nil)
	}

	if body.InstanceID == "" {
		return nil, apperrors.NewNotificationError(apperrors.ErrCodeValidation,
			"notification missing instance-id", false, nil)
	}

	seq, err := goutil.ToInt(body.Sequence)
	if err != nil {
		return nil, apperrors.NewNotificationError(apperrors.ErrCodeValidation,
			fmt.Sprintf("notification carries unusable sequence %v", body.Sequence), false, err)
	}

	return &Notification{
		ID:         uuid.New().String(),
		ReceivedAt: time.Now().UTC(),
		Sequence:   int64(seq),
		Body:       body,
	}, nil
}

// Handler processes notifications of one event type.
type Handler func(ctx context.Context, n *Notification) error

// Bus is a thin wrapper over a gookit event manager that moves typed
// notifications between the intake endpoint and the lifecycle handlers.
type Bus struct {
	manager *gookitEvent.Manager
	logger  *logger.Logger

	mu          sync.RWMutex
	subscribers map[string]int
	lastError   string
	closed      bool
}

// NewBus creates an event bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDevelopment("events")
	}
	return &Bus{
		manager:     gookitEvent.NewManager("ipabridge"),
		logger:      log,
		subscribers: make(map[string]int),
	}
}

// Publish delivers a notification to every handler subscribed to its type.
// Handler errors surface to the publisher so intake can report delivery
// problems.
func (b *Bus) Publish(ctx context.Context, n *Notification) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	b.mu.RUnlock()

	b.logger.DebugContext(ctx, "publishing notification",
		"type", n.Type(), "id", n.ID, "instance_id", n.Body.InstanceID, "sequence", n.Sequence)

	err, _ := b.manager.Fire(n.Type(), gookitEvent.M{"payload": n, "ctx": ctx})
	if err != nil {
		b.mu.Lock()
		b.lastError = err.Error()
		b.mu.Unlock()

		b.logger.ErrorCtx(ctx, "failed to deliver notification", err,
			"type", n.Type(), "id", n.ID)
		return fmt.Errorf("failed to deliver notification: %w", err)
	}

	return nil
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	listener := gookitEvent.ListenerFunc(func(e gookitEvent.Event) error {
		n, ok := e.Get("payload").(*Notification)
		if !ok {
			return fmt.Errorf("invalid payload type %T", e.Get("payload"))
		}
		ctx, ok := e.Get("ctx").(context.Context)
		if !ok {
			ctx = context.Background()
		}
		return handler(ctx, n)
	})

	b.manager.On(eventType, listener, gookitEvent.Normal)
	b.subscribers[eventType]++

	b.logger.Debug("subscribed to event type", "type", eventType)
	return nil
}

// Close shuts the bus down; further publishes fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.manager.Clear()
	b.subscribers = make(map[string]int)
	b.closed = true
	return nil
}

// Health reports the bus state for the health endpoint.
func (b *Bus) Health() (status string, subscribers int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, count := range b.subscribers {
		subscribers += count
	}

	switch {
	case b.closed:
		return "unhealthy", subscribers
	case b.lastError != "":
		return "degraded", subscribers
	default:
		return "healthy", subscribers
	}
}
