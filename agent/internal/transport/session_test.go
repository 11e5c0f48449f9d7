package transport_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corci.pub/agent/internal/builder/buildertest"
	"corci.pub/agent/internal/protocol"
	"corci.pub/agent/internal/transport"
)

type fakeHandler struct {
	mu         sync.Mutex
	reconnects []bool
	received   []*protocol.Envelope
}

func (h *fakeHandler) Connected(ctx context.Context, reconnect bool) ([]*protocol.Envelope, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnects = append(h.reconnects, reconnect)
	env, err := protocol.New(protocol.KindRegister, "", protocol.Register{AID: "a1b2c3d4", Platform: "android"})
	return []*protocol.Envelope{env}, err
}

func (h *fakeHandler) HandleMessage(ctx context.Context, env *protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, env)
}

func (h *fakeHandler) Reconnects() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.reconnects...)
}

func (h *fakeHandler) Received() []*protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*protocol.Envelope(nil), h.received...)
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(5 * time.Millisecond)
}

// start runs s until the test ends and returns a channel receiving the result of Run.
func start(t *testing.T, s *transport.Session, h transport.Handler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- s.Run(ctx, h)
	}()
	t.Cleanup(cancel)
	return cancel, errc
}

func TestSession_QueuedWhileDisconnected(t *testing.T) {
	coord := buildertest.New(t)
	s := transport.New(coord.URL(), transport.WithBackOff(fastBackOff))

	env, err := protocol.New(protocol.KindLog, "b1", protocol.Log{Message: "queued while offline"})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), env))

	h := &fakeHandler{}
	start(t, s, h)

	coord.WaitFor(protocol.KindLog, "b1", 1)
	register := coord.Messages(protocol.KindRegister, "")
	require.Len(t, register, 1)
	assert.Equal(t, []protocol.Kind{protocol.KindLog}, coord.Kinds("b1"))
	assert.Equal(t, []bool{false}, h.Reconnects())
}

func TestSession_DispatchesInOrder(t *testing.T) {
	coord := buildertest.New(t)
	h := &fakeHandler{}
	start(t, transport.New(coord.URL(), transport.WithBackOff(fastBackOff)), h)

	coord.WaitConnections(1)
	coord.Hire("b1", 1, nil)
	coord.Accept("b1")
	coord.Cancel("b1")

	require.Eventually(t, func() bool { return len(h.Received()) == 3 }, buildertest.DefaultTimeout, 5*time.Millisecond)
	var kinds []protocol.Kind
	for _, env := range h.Received() {
		kinds = append(kinds, env.Kind)
	}
	assert.Equal(t, []protocol.Kind{protocol.KindHire, protocol.KindAccept, protocol.KindCancel}, kinds)
}

func TestSession_Reconnect(t *testing.T) {
	coord := buildertest.New(t)
	h := &fakeHandler{}
	s := transport.New(coord.URL(), transport.WithBackOff(fastBackOff))
	start(t, s, h)
	coord.WaitFor(protocol.KindRegister, "", 1)

	coord.Drop()
	coord.WaitConnections(2)
	coord.WaitFor(protocol.KindRegister, "", 2)
	assert.Equal(t, []bool{false, true}, h.Reconnects())

	// The session keeps working on the new connection.
	env, err := protocol.New(protocol.KindBuilding, "b1", nil)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), env))
	coord.WaitFor(protocol.KindBuilding, "b1", 1)
}

// blockingHandler holds its first hire until release is closed, then queues replies.
type blockingHandler struct {
	fakeHandler
	session *transport.Session
	held    chan struct{}
	release chan struct{}
	replies int
	once    sync.Once
	sent    chan error
}

func (h *blockingHandler) HandleMessage(ctx context.Context, env *protocol.Envelope) {
	h.fakeHandler.HandleMessage(ctx, env)
	if env.Kind != protocol.KindHire {
		return
	}
	first := false
	h.once.Do(func() { first = true })
	if !first {
		return
	}
	close(h.held)
	<-h.release
	for i := 0; i < h.replies; i++ {
		reply, err := protocol.New(protocol.KindLog, env.BID, protocol.Log{Message: "reply"})
		if err == nil {
			err = h.session.Send(ctx, reply)
		}
		if err != nil {
			h.sent <- err
			return
		}
	}
	h.sent <- nil
}

func TestSession_ReconnectsWhileHandlerBlocked(t *testing.T) {
	coord := buildertest.New(t)
	s := transport.New(coord.URL(), transport.WithBackOff(fastBackOff), transport.WithOutboxSize(1))
	h := &blockingHandler{
		session: s,
		held:    make(chan struct{}),
		release: make(chan struct{}),
		replies: 3,
		sent:    make(chan error, 1),
	}
	start(t, s, h)
	coord.WaitFor(protocol.KindRegister, "", 1)

	coord.Hire("b1", 1, nil)
	select {
	case <-h.held:
	case <-time.After(buildertest.DefaultTimeout):
		t.Fatal("hire was not dispatched")
	}

	// The connection is replaced while the handler is still busy.
	coord.Drop()
	coord.WaitConnections(2)
	coord.WaitFor(protocol.KindRegister, "", 2)

	close(h.release)
	select {
	case err := <-h.sent:
		require.NoError(t, err)
	case <-time.After(buildertest.DefaultTimeout):
		t.Fatal("handler stayed blocked on the outbound queue")
	}
	coord.WaitFor(protocol.KindLog, "b1", 3)

	// Dispatching continues in order on the new connection.
	coord.Accept("b1")
	require.Eventually(t, func() bool { return len(h.Received()) == 2 }, buildertest.DefaultTimeout, 5*time.Millisecond)
	assert.Equal(t, protocol.KindAccept, h.Received()[1].Kind)
}

func TestSession_ControlBeforeBulk(t *testing.T) {
	coord := buildertest.New(t)
	s := transport.New(coord.URL(), transport.WithBackOff(fastBackOff))

	// Queued before the first connection, so the writer sees both queues full.
	for i := 0; i < 3; i++ {
		env, err := protocol.New(protocol.KindServe, "b1", protocol.Frame{StreamID: "s1", Seq: uint64(i)})
		require.NoError(t, err)
		require.NoError(t, s.SendBulk(context.Background(), env))
	}
	env, err := protocol.New(protocol.KindConclude, "b1", protocol.Conclude{ArtifactCount: 1})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), env))

	start(t, s, &fakeHandler{})
	coord.WaitFor(protocol.KindServe, "b1", 3)
	assert.Equal(t, []protocol.Kind{protocol.KindConclude, protocol.KindServe, protocol.KindServe, protocol.KindServe}, coord.Kinds("b1"))
}

func TestSession_TrySend(t *testing.T) {
	coord := buildertest.New(t)
	s := transport.New(coord.URL(), transport.WithBackOff(fastBackOff), transport.WithOutboxSize(1))

	env, err := protocol.New(protocol.KindLog, "b1", protocol.Log{Message: "first"})
	require.NoError(t, err)
	assert.True(t, s.TrySend(env))
	assert.False(t, s.TrySend(env), "queue is full while disconnected")

	start(t, s, &fakeHandler{})
	coord.WaitFor(protocol.KindLog, "b1", 1)
}

func TestSession_GivesUp(t *testing.T) {
	coord := buildertest.New(t)
	url := coord.URL()
	coord.Close()

	var attempts []int
	s := transport.New(url,
		transport.WithBackOff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		}),
		transport.WithOnReconnecting(func(attempt int, delay time.Duration) {
			attempts = append(attempts, attempt)
		}),
	)

	_, errc := start(t, s, &fakeHandler{})
	select {
	case err := <-errc:
		var terr *transport.Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "dial", terr.Op)
	case <-time.After(buildertest.DefaultTimeout):
		t.Fatal("session did not give up")
	}
	assert.Equal(t, []int{1, 2}, attempts)

	env, err := protocol.New(protocol.KindBuilding, "b1", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Send(context.Background(), env), transport.ErrClosed)
}

func TestSession_Shutdown(t *testing.T) {
	coord := buildertest.New(t)
	s := transport.New(coord.URL(), transport.WithBackOff(fastBackOff), transport.WithOutboxSize(1))
	cancel, errc := start(t, s, &fakeHandler{})
	coord.WaitConnections(1)

	cancel()
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(buildertest.DefaultTimeout):
		t.Fatal("session did not stop")
	}

	env, err := protocol.New(protocol.KindBuilding, "b1", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Send(context.Background(), env), transport.ErrClosed)
}
