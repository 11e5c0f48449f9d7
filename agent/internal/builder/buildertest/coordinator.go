// Package buildertest provides an in-process coordinator for testing build agents.
package buildertest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"corci.pub/agent/internal/protocol"
)

// DefaultTimeout bounds every wait of the coordinator helpers.
const DefaultTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Coordinator is a websocket coordinator that records every message it receives.
// Only one agent connection is served at a time.
type Coordinator struct {
	t      testing.TB
	server *httptest.Server

	// FrameSize is the data size of the transfer frames sent by Transfer.
	FrameSize int

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	connections int
	received    []*protocol.Envelope
	changed     chan struct{}
}

// New starts a coordinator that is shut down when the test ends.
func New(t testing.TB) *Coordinator {
	t.Helper()
	c := &Coordinator{
		t:         t,
		FrameSize: protocol.MaxFrameSize,
		changed:   make(chan struct{}),
	}
	c.server = httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.Close)
	return c
}

// URL returns the websocket address of the coordinator.
func (c *Coordinator) URL() string {
	return "ws" + strings.TrimPrefix(c.server.URL, "http")
}

// Close drops the current connection and stops the server.
func (c *Coordinator) Close() {
	c.Drop()
	c.server.Close()
}

// notifyLocked wakes up every waiter. c.mu must be held.
func (c *Coordinator) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Coordinator) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = ws
	c.connections++
	c.notifyLocked()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == ws {
			c.conn = nil
		}
		c.notifyLocked()
		c.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.received = append(c.received, env)
		c.notifyLocked()
		c.mu.Unlock()
	}
}

// Drop abruptly closes the current agent connection, if any.
func (c *Coordinator) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.notifyLocked()
	}
}

// Connections returns the number of agent connections accepted so far.
func (c *Coordinator) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// WaitConnections blocks until at least n agent connections were accepted.
func (c *Coordinator) WaitConnections(n int) {
	c.t.Helper()
	c.waitUntil("connections", func() bool { return c.connections >= n })
}

// waitUntil blocks until cond, evaluated with c.mu held, returns true.
func (c *Coordinator) waitUntil(what string, cond func() bool) {
	c.t.Helper()
	deadline := time.NewTimer(DefaultTimeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		ok := cond()
		changed := c.changed
		c.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-changed:
		case <-deadline.C:
			c.t.Fatalf("timed out waiting for %s", what)
			return
		}
	}
}

// Send writes a message to the connected agent.
func (c *Coordinator) Send(env *protocol.Envelope) {
	c.t.Helper()
	c.waitUntil("agent connection", func() bool { return c.conn != nil })

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	data, err := protocol.Encode(env)
	if err != nil {
		c.t.Fatalf("failed to encode %s: %v", env, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.t.Fatalf("failed to send %s: %v", env, err)
	}
}

// SendKind encodes payload into a message of the given kind and sends it.
func (c *Coordinator) SendKind(kind protocol.Kind, bid string, payload any) {
	c.t.Helper()
	env, err := protocol.New(kind, bid, payload)
	if err != nil {
		c.t.Fatalf("failed to build %s message: %v", kind, err)
	}
	c.Send(env)
}

// Hire assigns a build to the agent.
func (c *Coordinator) Hire(bid string, fileCount int, conf map[string]string) {
	c.t.Helper()
	c.SendKind(protocol.KindHire, bid, protocol.Hire{FileCount: fileCount, Conf: conf})
}

// Transfer streams one input file to the agent.
func (c *Coordinator) Transfer(bid, name string, data []byte) {
	c.t.Helper()
	for _, frame := range SplitFrames(name, data, c.FrameSize) {
		c.SendKind(protocol.KindTransfer, bid, frame)
	}
}

// Accept signals readiness to receive the artifacts of a build.
func (c *Coordinator) Accept(bid string) {
	c.t.Helper()
	c.SendKind(protocol.KindAccept, bid, nil)
}

// Confirm acknowledges one received artifact.
func (c *Coordinator) Confirm(bid string) {
	c.t.Helper()
	c.SendKind(protocol.KindConfirm, bid, nil)
}

// Cancel cancels a build.
func (c *Coordinator) Cancel(bid string) {
	c.t.Helper()
	c.SendKind(protocol.KindCancel, bid, nil)
}

// SplitFrames cuts a file into frames of at most size data bytes. The last frame carries
// the total size and checksum.
func SplitFrames(name string, data []byte, size int) []protocol.Frame {
	streamID := uuid.NewString()
	var frames []protocol.Frame
	for seq := uint64(0); ; seq++ {
		n := min(size, len(data))
		frame := protocol.Frame{StreamID: streamID, Seq: seq, Data: data[:n]}
		if seq == 0 {
			frame.Name = name
		}
		data = data[n:]
		if len(data) == 0 {
			frame.EOF = true
			frames = append(frames, frame)
			break
		}
		frames = append(frames, frame)
	}

	var total []byte
	for _, f := range frames {
		total = append(total, f.Data...)
	}
	last := &frames[len(frames)-1]
	last.Size = int64(len(total))
	last.Checksum = protocol.Checksum(total)
	return frames
}

func matches(env *protocol.Envelope, kind protocol.Kind, bid string) bool {
	return env.Kind == kind && (bid == "" || env.BID == bid)
}

// Messages returns the received messages of a kind, optionally filtered by BID.
func (c *Coordinator) Messages(kind protocol.Kind, bid string) []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range c.received {
		if matches(env, kind, bid) {
			out = append(out, env)
		}
	}
	return out
}

// Kinds returns the kinds of all messages received for a BID, in arrival order.
func (c *Coordinator) Kinds(bid string) []protocol.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Kind
	for _, env := range c.received {
		if env.BID == bid {
			out = append(out, env.Kind)
		}
	}
	return out
}

// WaitFor blocks until at least n messages of a kind were received for bid and returns them.
func (c *Coordinator) WaitFor(kind protocol.Kind, bid string, n int) []*protocol.Envelope {
	c.t.Helper()
	c.waitUntil(string(kind)+" messages", func() bool {
		count := 0
		for _, env := range c.received {
			if matches(env, kind, bid) {
				count++
			}
		}
		return count >= n
	})
	return c.Messages(kind, bid)
}

// Artifact is a file reassembled from serve frames.
type Artifact struct {
	Name     string
	Data     []byte
	Checksum string
	Complete bool
}

// Artifacts reassembles the serve frames received for bid, in stream order.
func (c *Coordinator) Artifacts(bid string) []Artifact {
	c.t.Helper()
	var order []string
	streams := make(map[string]*Artifact)
	for _, env := range c.Messages(protocol.KindServe, bid) {
		var frame protocol.Frame
		if err := env.Decode(&frame); err != nil {
			c.t.Fatalf("invalid serve frame: %v", err)
		}
		a, ok := streams[frame.StreamID]
		if !ok {
			a = &Artifact{}
			streams[frame.StreamID] = a
			order = append(order, frame.StreamID)
		}
		if frame.Seq == 0 {
			a.Name = frame.Name
		}
		a.Data = append(a.Data, frame.Data...)
		if frame.EOF {
			a.Complete = true
			a.Checksum = frame.Checksum
		}
	}

	out := make([]Artifact, 0, len(order))
	for _, id := range order {
		out = append(out, *streams[id])
	}
	return out
}

// WaitArtifacts blocks until n complete artifacts were received for bid and returns them.
func (c *Coordinator) WaitArtifacts(bid string, n int) []Artifact {
	c.t.Helper()
	c.waitUntil("artifacts", func() bool {
		count := 0
		for _, env := range c.received {
			if !matches(env, protocol.KindServe, bid) {
				continue
			}
			var frame protocol.Frame
			if env.Decode(&frame) == nil && frame.EOF {
				count++
			}
		}
		return count >= n
	})
	return c.Artifacts(bid)
}
