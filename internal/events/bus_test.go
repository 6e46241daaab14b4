package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/loom/internal/types"
)

func receiveOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()
	ch, cleanup := bus.Subscribe(ctx, Filter{}, 10)
	defer cleanup()

	executionID := types.NewID()
	require.NoError(t, bus.Publish(ctx, NewEvent(EventNodeStarted, executionID, "tenant-1", "node-1", nil)))

	event := receiveOne(t, ch)
	assert.Equal(t, EventNodeStarted, event.Type)
	assert.Equal(t, executionID, event.ExecutionID)
	assert.Equal(t, "node-1", event.NodeID)
}

func TestBus_FilterByTypeAndExecution(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()
	wantID := types.NewID()
	otherID := types.NewID()

	ch, cleanup := bus.Subscribe(ctx, Filter{
		Types:       []EventType{EventNodeCompleted},
		ExecutionID: wantID,
	}, 10)
	defer cleanup()

	require.NoError(t, bus.Publish(ctx, NewEvent(EventNodeStarted, wantID, "tenant-1", "n", nil)))
	require.NoError(t, bus.Publish(ctx, NewEvent(EventNodeCompleted, otherID, "tenant-1", "n", nil)))
	require.NoError(t, bus.Publish(ctx, NewEvent(EventNodeCompleted, wantID, "tenant-1", "n", nil)))

	event := receiveOne(t, ch)
	assert.Equal(t, EventNodeCompleted, event.Type)
	assert.Equal(t, wantID, event.ExecutionID)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestBus_FilterByTenant(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()
	ch, cleanup := bus.Subscribe(ctx, Filter{TenantID: "tenant-1"}, 10)
	defer cleanup()

	require.NoError(t, bus.Publish(ctx, NewEvent(EventExecutionStarted, types.NewID(), "tenant-2", "", nil)))
	require.NoError(t, bus.Publish(ctx, NewEvent(EventExecutionStarted, types.NewID(), "tenant-1", "", nil)))

	event := receiveOne(t, ch)
	assert.Equal(t, "tenant-1", event.TenantID)
}

func TestBus_SlowSubscriberDropsEvents(t *testing.T) {
	var dropped int
	bus := NewBus(WithDropHandler(func(Event, string) { dropped++ }))
	defer bus.Close()

	ctx := context.Background()
	ch, cleanup := bus.Subscribe(ctx, Filter{}, 1)
	defer cleanup()

	// The buffer holds one event; the second must be dropped without
	// blocking the publisher.
	require.NoError(t, bus.Publish(ctx, NewEvent(EventNodeStarted, types.NewID(), "t", "n", nil)))
	require.NoError(t, bus.Publish(ctx, NewEvent(EventNodeStarted, types.NewID(), "t", "n", nil)))

	assert.Equal(t, 1, dropped)
	receiveOne(t, ch)
}

func TestBus_ClosedBusRejectsPublish(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), NewEvent(EventNodeStarted, types.NewID(), "t", "n", nil))
	assert.Error(t, err)

	// Close is idempotent.
	assert.NoError(t, bus.Close())
}

func TestBus_UnsubscribeRemovesSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cleanup := bus.Subscribe(context.Background(), Filter{}, 1)
	assert.Equal(t, 1, bus.SubscriberCount())

	cleanup()
	assert.Equal(t, 0, bus.SubscriberCount())
}
