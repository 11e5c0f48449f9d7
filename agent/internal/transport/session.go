// Package transport maintains the agent's persistent websocket session with its coordinator.
//
// A Session dials the coordinator, reconnects forever with exponential backoff when the
// connection drops, and owns every write to the socket. Outbound messages are queued and
// survive reconnects; file data goes through a separate bulk queue written only when no other
// message is waiting. Inbound messages are dispatched to a Handler one at a time, in order, on
// a goroutine that outlives connections, so a handler blocked on a full queue never keeps the
// session from reconnecting.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"corci.pub/agent/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer: one full data frame plus envelope overhead.
	maxMessageSize = 4 * protocol.MaxFrameSize

	// DefaultOutboxSize is the number of outbound messages queued before Send blocks.
	DefaultOutboxSize = 256

	// DefaultBulkSize is the number of file data frames queued before SendBulk blocks.
	DefaultBulkSize = 8
)

// ErrClosed is returned by Send once the session has stopped.
var ErrClosed = errors.New("session closed")

// Error is a connection level failure. It never fails a build: the session reconnects.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Handler consumes the session's connection lifecycle and inbound messages.
type Handler interface {
	// Connected is called after every successful dial, with reconnect set for all but the
	// first one. The returned messages are written before any queued message. It may run
	// while HandleMessage is still busy with a message of the previous connection.
	Connected(ctx context.Context, reconnect bool) ([]*protocol.Envelope, error)

	// HandleMessage is called for every inbound message, never concurrently.
	HandleMessage(ctx context.Context, env *protocol.Envelope)
}

// Option configures a Session.
type Option func(*Session)

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithBackOff overrides the reconnect policy. The factory is called once per Run.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Session) { s.newBackOff = newBackOff }
}

// WithOutboxSize sets the capacity of the outbound queue.
func WithOutboxSize(n int) Option {
	return func(s *Session) { s.outbox = make(chan *protocol.Envelope, n) }
}

// WithBulkSize sets the capacity of the file data queue.
func WithBulkSize(n int) Option {
	return func(s *Session) { s.bulk = make(chan *protocol.Envelope, n) }
}

// WithOnReconnecting registers an observer called before every reconnect attempt.
func WithOnReconnecting(fn func(attempt int, delay time.Duration)) Option {
	return func(s *Session) { s.onReconnecting = fn }
}

// Session is a reconnecting websocket connection to one coordinator.
type Session struct {
	url            string
	dialer         *websocket.Dialer
	newBackOff     func() backoff.BackOff
	outbox         chan *protocol.Envelope
	bulk           chan *protocol.Envelope
	onReconnecting func(attempt int, delay time.Duration)
	done           chan struct{}
}

// DefaultBackOff reconnects quickly at first and settles at one attempt every 30 seconds.
// It never gives up.
func DefaultBackOff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
}

// New creates a session for the coordinator at url (ws:// or wss://).
func New(url string, opts ...Option) *Session {
	s := &Session{
		url:        url,
		dialer:     websocket.DefaultDialer,
		newBackOff: DefaultBackOff,
		outbox:     make(chan *protocol.Envelope, DefaultOutboxSize),
		bulk:       make(chan *protocol.Envelope, DefaultBulkSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the coordinator address.
func (s *Session) URL() string {
	return s.url
}

// Send queues a message for the coordinator. It blocks while the queue is full.
// Messages queued while disconnected are written after the next successful connect.
func (s *Session) Send(ctx context.Context, env *protocol.Envelope) error {
	return s.enqueue(ctx, s.outbox, env)
}

// SendBulk queues a file data frame. Bulk frames are written only while no message queued
// by Send is waiting, and block the caller while the bulk queue is full.
func (s *Session) SendBulk(ctx context.Context, env *protocol.Envelope) error {
	return s.enqueue(ctx, s.bulk, env)
}

// TrySend queues a message unless the queue is full. It reports whether env was queued.
func (s *Session) TrySend(env *protocol.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbox <- env:
		return true
	default:
		return false
	}
}

func (s *Session) enqueue(ctx context.Context, queue chan<- *protocol.Envelope, env *protocol.Envelope) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case queue <- env:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects to the coordinator and serves the connection until ctx is done, reconnecting
// whenever it is lost. It returns ctx.Err() on shutdown, or an error once the backoff policy
// gives up.
func (s *Session) Run(ctx context.Context, h Handler) error {
	dispatch := make(chan *protocol.Envelope)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for env := range dispatch {
			h.HandleMessage(ctx, env)
		}
	}()
	defer func() {
		// Release handlers blocked on Send before waiting for them.
		close(s.done)
		close(dispatch)
		<-dispatched
	}()

	b := backoff.WithContext(s.newBackOff(), ctx)
	var pending, undispatched *protocol.Envelope
	attempt := 0
	reconnect := false

	for {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			delay := b.NextBackOff()
			if delay == backoff.Stop {
				return fmt.Errorf("giving up on coordinator %q: %w", s.url, &Error{Op: "dial", Err: err})
			}
			slog.WarnContext(ctx, "reconnecting to coordinator", "url", s.url, "attempt", attempt, "delay", delay, "error", err)
			if s.onReconnecting != nil {
				s.onReconnecting(attempt, delay)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		b.Reset()
		slog.InfoContext(ctx, "connected to coordinator", "url", s.url, "reconnect", reconnect, "failed_attempts", attempt)
		attempt = 0

		pending, undispatched, err = s.serve(ctx, conn, h, dispatch, reconnect, pending, undispatched)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reconnect = true
		slog.WarnContext(ctx, "lost connection to coordinator", "url", s.url, "error", err)
	}
}

// serve runs the read and write pumps of one connection until either fails. It returns the
// message that was dequeued but could not be written and the message that was read but not
// yet dispatched, so both carry over to the next connection.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn, h Handler, dispatch chan<- *protocol.Envelope, reconnect bool, pending, received *protocol.Envelope) (*protocol.Envelope, *protocol.Envelope, error) {
	hello, err := h.Connected(ctx, reconnect)
	if err != nil {
		conn.Close()
		return pending, received, &Error{Op: "handshake", Err: err}
	}

	g, gctx := errgroup.WithContext(ctx)
	unsent, undispatched := pending, received
	g.Go(func() error {
		var err error
		undispatched, err = s.readPump(gctx, conn, dispatch, received)
		return err
	})
	g.Go(func() error {
		var err error
		unsent, err = s.writePump(gctx, conn, hello, pending)
		return err
	})
	err = g.Wait()
	return unsent, undispatched, err
}

func (s *Session) write(conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		// Unencodable messages are dropped, never retried.
		slog.Error("dropping outbound message", "message", env.String(), "error", err)
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

// writePump owns all writes to conn. It returns the message it failed to write, if any.
func (s *Session) writePump(ctx context.Context, conn *websocket.Conn, hello []*protocol.Envelope, pending *protocol.Envelope) (*protocol.Envelope, error) {
	defer conn.Close()

	for _, env := range hello {
		if err := s.write(conn, env); err != nil {
			return pending, err
		}
	}
	if pending != nil {
		if err := s.write(conn, pending); err != nil {
			return pending, err
		}
	}

	// Keep Alive
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-s.outbox:
			if err := s.write(conn, env); err != nil {
				return env, err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil, nil
		case env := <-s.outbox:
			if err := s.write(conn, env); err != nil {
				return env, err
			}
		case env := <-s.bulk:
			if err := s.write(conn, env); err != nil {
				return env, err
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil, &Error{Op: "ping", Err: err}
			}
		}
	}
}

// readPump decodes inbound messages and hands them to the dispatcher, first the one left
// over from the previous connection. It returns the message it could not hand over before
// the connection ended.
func (s *Session) readPump(ctx context.Context, conn *websocket.Conn, dispatch chan<- *protocol.Envelope, received *protocol.Envelope) (*protocol.Envelope, error) {
	defer conn.Close()

	if received != nil {
		select {
		case dispatch <- received:
		case <-ctx.Done():
			return received, nil
		}
	}

	// Configure connection info
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, &Error{Op: "read", Err: err}
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.BinaryMessage {
			slog.DebugContext(ctx, "ignoring non-binary websocket message", "type", msgType)
			continue
		}
		env, err := protocol.Decode(data)
		if err != nil {
			slog.WarnContext(ctx, "ignoring malformed message from coordinator", "error", err)
			continue
		}
		select {
		case dispatch <- env:
		case <-ctx.Done():
			return env, nil
		}
	}
}
