package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
	"github.com/cloudkeep/ipabridge/pkg/api"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

func TestNewNotification(t *testing.T) {
	t.Run("numeric sequence", func(t *testing.T) {
		n, err := NewNotification(api.Notification{
			EventType:  api.EventInstanceDelete,
			InstanceID: "inst-1",
			Sequence:   float64(10), // decoded JSON numbers arrive as float64
		})
		require.NoError(t, err)
		assert.Equal(t, int64(10), n.Sequence)
		assert.NotEmpty(t, n.ID)
	})

	t.Run("string sequence", func(t *testing.T) {
		n, err := NewNotification(api.Notification{
			EventType:  api.EventFloatingIPAssociate,
			InstanceID: "inst-1",
			Sequence:   "42",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(42), n.Sequence)
	})

	t.Run("unknown event type", func(t *testing.T) {
		_, err := NewNotification(api.Notification{
			EventType:  "instance.resize",
			InstanceID: "inst-1",
			Sequence:   1,
		})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnknownEvent))
	})

	t.Run("missing instance id", func(t *testing.T) {
		_, err := NewNotification(api.Notification{
			EventType: api.EventInstanceDelete,
			Sequence:  1,
		})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
	})

	t.Run("unusable sequence", func(t *testing.T) {
		_, err := NewNotification(api.Notification{
			EventType:  api.EventInstanceDelete,
			InstanceID: "inst-1",
			Sequence:   "soon",
		})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
	})
}

func TestBusDelivery(t *testing.T) {
	bus := NewBus(logger.NewDevelopment("events-test"))
	defer bus.Close()

	var seen []*Notification
	require.NoError(t, bus.Subscribe(api.EventInstanceDelete, func(ctx context.Context, n *Notification) error {
		seen = append(seen, n)
		return nil
	}))

	n, err := NewNotification(api.Notification{
		EventType:  api.EventInstanceDelete,
		InstanceID: "inst-1",
		Sequence:   3,
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), n))

	require.Len(t, seen, 1)
	assert.Equal(t, "inst-1", seen[0].Body.InstanceID)

	status, subscribers := bus.Health()
	assert.Equal(t, "healthy", status)
	assert.Equal(t, 1, subscribers)
}

func TestBusClosed(t *testing.T) {
	bus := NewBus(logger.NewDevelopment("events-test"))
	require.NoError(t, bus.Close())

	n, err := NewNotification(api.Notification{
		EventType:  api.EventInstanceDelete,
		InstanceID: "inst-1",
		Sequence:   1,
	})
	require.NoError(t, err)

	assert.Error(t, bus.Publish(context.Background(), n))
	assert.Error(t, bus.Subscribe(api.EventInstanceDelete, func(context.Context, *Notification) error { return nil }))
}
