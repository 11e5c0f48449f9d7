package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"corci.pub/agent/internal/events"
	"corci.pub/agent/internal/protocol"
)

func TestBus(t *testing.T) {
	bus := events.NewBus(context.Background())

	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(func(ctx context.Context, event events.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event)
	}, events.TaskHiredEvent, events.TaskFailedEvent)

	bus.Subscribe(func(ctx context.Context, event events.Event) {
		panic("subscriber bug")
	}, events.TaskHiredEvent)

	bus.Publish(events.Event{Type: events.TaskHiredEvent, BID: "b1"})
	bus.Publish(events.Event{Type: events.TaskBuildingEvent, BID: "b1"})
	bus.Publish(events.Event{Type: events.TaskFailedEvent, BID: "b1", Error: "boom"})
	require.NoError(t, bus.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	for _, event := range got {
		assert.Equal(t, "b1", event.BID)
		assert.False(t, event.Time.IsZero())
		assert.NotEqual(t, events.TaskBuildingEvent, event.Type)
	}
}

func TestBus_NilPublish(t *testing.T) {
	var bus *events.Bus
	assert.NotPanics(t, func() {
		bus.Publish(events.Event{Type: events.TaskHiredEvent})
	})
}

func TestLogSink(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const url = "mem://corci-log-sink-test"
	sink, err := events.OpenLogSink(ctx, url, "a1b2c3d4")
	require.NoError(t, err)

	// Opening a mem subscription on the same name attaches to the sink's topic.
	sub, err := pubsub.OpenSubscription(ctx, url)
	require.NoError(t, err)
	defer sub.Shutdown(ctx)

	bus := events.NewBus(ctx)
	sink.Attach(bus)

	bus.Publish(events.Event{
		Type:     events.TaskLogEvent,
		BID:      "b1",
		Platform: "android",
		Level:    "INFO",
		Message:  "extracting input.zip",
	})

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	msg.Ack()

	assert.Equal(t, "b1", msg.Metadata["bid"])
	assert.Equal(t, "a1b2c3d4", msg.Metadata["aid"])

	var entry protocol.Log
	require.NoError(t, protocol.Unmarshal(msg.Body, &entry))
	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "extracting input.zip", entry.Message)
	assert.Equal(t, "a1b2c3d4", entry.Source)

	require.NoError(t, bus.Close())
	require.NoError(t, sink.Close(ctx))
}
