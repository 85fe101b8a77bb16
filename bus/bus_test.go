package bus

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	codexbridge "github.com/wolfeidau/codex-bridge"
)

func TestPublishInvokesHandlersInSubscriptionOrder(t *testing.T) {
	b := New()

	var order []string
	b.Subscribe(codexbridge.TypeExportCompleted, func(codexbridge.Message) error {
		order = append(order, "first")
		return nil
	})
	b.Subscribe(codexbridge.TypeExportCompleted, func(codexbridge.Message) error {
		order = append(order, "second")
		return nil
	})

	b.Publish(codexbridge.Message{Type: codexbridge.TypeExportCompleted})
	require.Equal(t, []string{"first", "second"}, order)
}

func TestPublishAssignsUniqueIDs(t *testing.T) {
	b := New()

	seen := make(map[string]bool)
	b.Subscribe(codexbridge.TypeStatusUpdate, func(msg codexbridge.Message) error {
		require.NotEmpty(t, msg.ID)
		require.False(t, seen[msg.ID], "duplicate message id %s", msg.ID)
		seen[msg.ID] = true
		require.False(t, msg.Timestamp.IsZero())
		require.Equal(t, codexbridge.SourceLocal, msg.Source)
		return nil
	})

	for range 100 {
		b.Publish(codexbridge.Message{Type: codexbridge.TypeStatusUpdate})
	}
	require.Len(t, seen, 100)
}

func TestHandlerErrorDoesNotAbortDelivery(t *testing.T) {
	b := New()

	var delivered int
	b.Subscribe(codexbridge.TypeSyncError, func(codexbridge.Message) error {
		return errors.New("boom")
	})
	b.Subscribe(codexbridge.TypeSyncError, func(codexbridge.Message) error {
		panic("worse")
	})
	b.Subscribe(codexbridge.TypeSyncError, func(codexbridge.Message) error {
		delivered++
		return nil
	})

	b.Publish(codexbridge.Message{Type: codexbridge.TypeSyncError})
	require.Equal(t, 1, delivered)
	require.Equal(t, 1, b.Depth())
}

func TestQueueIsBounded(t *testing.T) {
	b := New(WithQueueSize(3))

	for i := range 5 {
		b.Publish(codexbridge.Message{Type: codexbridge.TypeStatusUpdate, ID: fmt.Sprintf("m%d", i)})
	}

	require.Equal(t, 3, b.Depth())
	require.Equal(t, int64(2), b.Dropped())

	recent := b.Recent()
	require.Equal(t, "m2", recent[0].ID)
	require.Equal(t, "m4", recent[2].ID)
}

func TestDrainEmptiesQueueInOrder(t *testing.T) {
	b := New()
	b.Publish(codexbridge.Message{Type: codexbridge.TypeStatusUpdate, ID: "a"})
	b.Publish(codexbridge.Message{Type: codexbridge.TypeImportCompleted, ID: "b"})

	drained := b.Drain()
	require.Len(t, drained, 2)
	require.Equal(t, "a", drained[0].ID)
	require.Equal(t, "b", drained[1].ID)
	require.Zero(t, b.Depth())
	require.Empty(t, b.Drain())
}
