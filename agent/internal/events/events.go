package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType names a build lifecycle event.
type EventType string

const (
	TaskHiredEvent     EventType = "task.hired"
	TaskBuildingEvent  EventType = "task.building"
	TaskConcludedEvent EventType = "task.concluded"
	TaskFailedEvent    EventType = "task.failed"
	TaskCancelledEvent EventType = "task.cancelled"
	TaskLogEvent       EventType = "task.log"
	TransferEvent      EventType = "transfer"
)

// Transfer directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Event is published on the Bus whenever a task changes state, logs, or moves a file.
type Event struct {
	Type     EventType
	BID      string
	Platform string
	Time     time.Time

	// Duration of the build sequence, set on concluded and failed events.
	Duration time.Duration

	// Error is set on failed events.
	Error string

	// Level and Message are set on log events.
	Level   string
	Message string

	// Direction and OK are set on transfer events.
	Direction string
	OK        bool
}

// Subscriber receives the events it subscribed to. It runs on its own goroutine.
type Subscriber func(ctx context.Context, event Event)

// Bus fans task events out to the metrics and the log sink.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewBus returns a Bus whose subscribers run with a context derived from ctx.
func NewBus(ctx context.Context) *Bus {
	ctx, cancel := context.WithCancel(ctx)
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (b *Bus) Subscribe(subscriber Subscriber, eventTypes ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, eventType := range eventTypes {
		b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
	}
}

// Publish publishes an event to all subscribers. It is safe to call on a nil Bus.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	subscribers := b.subscribers[event.Type]
	b.mu.RUnlock()

	// Never block the dispatcher on a slow subscriber
	for _, sub := range subscribers {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.ErrorContext(b.ctx, "event subscriber panicked", "event", event.Type, "panic", r)
				}
			}()
			sub(b.ctx, event)
		}()
	}
}

// Close waits for in-flight subscribers, then cancels their context.
func (b *Bus) Close() error {
	b.wg.Wait()
	b.cancel()
	return nil
}
