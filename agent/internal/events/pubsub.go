package events

import (
	"context"
	"fmt"
	"log/slog"

	"gocloud.dev/pubsub"

	"corci.pub/agent/internal/protocol"
)

// LogSink forwards task log events to a pubsub topic, one message per entry.
// The message body is a CBOR encoded protocol.Log and the metadata carries the BID.
type LogSink struct {
	topic *pubsub.Topic
	aid   string
}

// OpenLogSink opens the topic at url (e.g. "mem://corci-logs").
func OpenLogSink(ctx context.Context, url, aid string) (*LogSink, error) {
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open log topic %q: %w", url, err)
	}
	return &LogSink{topic: topic, aid: aid}, nil
}

// Attach subscribes the sink to task log events of the bus.
func (s *LogSink) Attach(bus *Bus) {
	bus.Subscribe(s.handle, TaskLogEvent)
}

func (s *LogSink) handle(ctx context.Context, event Event) {
	body, err := protocol.Marshal(protocol.Log{
		Time:    event.Time.UnixMilli(),
		Level:   event.Level,
		Message: event.Message,
		Source:  s.aid,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode log entry", "bid", event.BID, "error", err)
		return
	}

	err = s.topic.Send(ctx, &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"bid":      event.BID,
			"aid":      s.aid,
			"platform": event.Platform,
			"level":    event.Level,
		},
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to publish log entry", "bid", event.BID, "error", err)
	}
}

// Close flushes and closes the topic.
func (s *LogSink) Close(ctx context.Context) error {
	return s.topic.Shutdown(ctx)
}
