package builder

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"corci.pub/agent/internal/events"
	"corci.pub/agent/internal/protocol"
)

// incomingFile is an input file being reassembled from transfer frames.
type incomingFile struct {
	name   string
	path   string
	file   *os.File
	hash   hash.Hash
	size   int64
	next   uint64
	failed bool
}

func (in *incomingFile) partPath() string {
	return in.path + ".part"
}

// abort discards the partial file and swallows the rest of the stream.
func (in *incomingFile) abort() {
	if in.file != nil {
		in.file.Close()
		os.Remove(in.partPath())
		in.file = nil
	}
	in.failed = true
}

// fileName reduces a coordinator supplied file name to a single path element.
func fileName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "" || base == "." || base == ".." || base == "/" || strings.HasSuffix(base, ".part") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return base, nil
}

// receiveFiles saves transfer frames until every expected file arrived. It returns false if the
// task stopped first. Files that fail to save are logged and do not count as received.
func (a *Agent) receiveFiles(t *Task) bool {
	streams := make(map[string]*incomingFile)
	defer func() {
		for _, in := range streams {
			in.abort()
		}
	}()

	for !t.filesComplete() {
		select {
		case <-t.ctx.Done():
			return false
		case frame := <-t.inbox:
			path, done, err := a.receiveFrame(t, streams, frame)
			if !done {
				continue
			}
			if err == nil {
				err = t.addFile(path)
				if err != nil {
					os.Remove(path)
				}
			}
			if err != nil {
				t.Errorf("%v", err)
				a.bus.Publish(events.Event{Type: events.TransferEvent, BID: t.BID, Platform: t.Platform, Direction: events.DirectionInbound})
				continue
			}
			t.Logf("received %s (%d/%d)", filepath.Base(path), len(t.Files()), t.Expected)
			a.bus.Publish(events.Event{Type: events.TransferEvent, BID: t.BID, Platform: t.Platform, Direction: events.DirectionInbound, OK: true})
		}
	}
	return true
}

// receiveFrame appends one frame to its stream. done is set once the stream finished, with the
// saved path or the reason it failed.
func (a *Agent) receiveFrame(t *Task, streams map[string]*incomingFile, frame protocol.Frame) (path string, done bool, err error) {
	in, ok := streams[frame.StreamID]
	if !ok {
		if frame.Seq != 0 {
			return "", false, nil
		}
		in, err = openIncoming(t.Workspace, frame.Name)
		if err != nil {
			streams[frame.StreamID] = &incomingFile{name: frame.Name, failed: true}
			if frame.EOF {
				delete(streams, frame.StreamID)
			}
			return "", true, &TransferError{Name: frame.Name, Err: err}
		}
		streams[frame.StreamID] = in
	}
	if in.failed {
		if frame.EOF {
			delete(streams, frame.StreamID)
		}
		return "", false, nil
	}

	fail := func(err error) (string, bool, error) {
		in.abort()
		if frame.EOF {
			delete(streams, frame.StreamID)
		}
		return "", true, &TransferError{Name: in.name, Err: err}
	}

	if frame.Seq != in.next {
		return fail(fmt.Errorf("frame %d out of order, expected %d", frame.Seq, in.next))
	}
	in.next++
	if _, err := in.file.Write(frame.Data); err != nil {
		return fail(err)
	}
	in.hash.Write(frame.Data)
	in.size += int64(len(frame.Data))
	if !frame.EOF {
		return "", false, nil
	}

	if frame.Size > 0 && frame.Size != in.size {
		return fail(fmt.Errorf("received %d bytes, expected %d", in.size, frame.Size))
	}
	if sum := fmt.Sprintf("%x", in.hash.Sum(nil)); frame.Checksum != "" && frame.Checksum != sum {
		return fail(fmt.Errorf("checksum mismatch"))
	}
	if err := in.file.Close(); err != nil {
		in.file = nil
		return fail(err)
	}
	in.file = nil
	if err := os.Rename(in.partPath(), in.path); err != nil {
		return fail(err)
	}
	delete(streams, frame.StreamID)
	return in.path, true, nil
}

func openIncoming(workspace, name string) (*incomingFile, error) {
	base, err := fileName(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, err
	}
	in := &incomingFile{
		name: base,
		path: filepath.Join(workspace, base),
		hash: sha3.New256(),
	}
	in.file, err = os.Create(in.partPath())
	if err != nil {
		return nil, err
	}
	return in, nil
}

// deliver serves the artifacts of t after the coordinator accepted them.
func (a *Agent) deliver(t *Task, artifacts []Artifact) {
	defer a.wg.Done()
	for _, artifact := range artifacts {
		if err := a.serve(t, artifact); err != nil {
			if errors.Is(err, ErrCancelled) || t.Context().Err() != nil {
				return
			}
			a.failTask(t, fmt.Errorf("failed to serve %s: %w", artifact.Name, err))
			return
		}
		a.bus.Publish(events.Event{Type: events.TransferEvent, BID: t.BID, Platform: t.Platform, Direction: events.DirectionOutbound, OK: true})
	}
	t.Logf("served %d artifact(s)", len(artifacts))
}

// serve streams one artifact as serve frames of at most protocol.MaxFrameSize bytes. The
// final frame carries the total size and checksum.
func (a *Agent) serve(t *Task, artifact Artifact) error {
	f, err := os.Open(artifact.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	stream := uuid.NewString()
	h := sha3.New256()
	buf := make([]byte, protocol.MaxFrameSize)
	var size int64
	for seq := uint64(0); ; seq++ {
		n, err := io.ReadFull(f, buf)
		eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !eof {
			return err
		}
		h.Write(buf[:n])
		size += int64(n)

		frame := protocol.Frame{StreamID: stream, Seq: seq, Data: buf[:n]}
		if seq == 0 {
			frame.Name = artifact.Name
		}
		if eof {
			frame.EOF = true
			frame.Size = size
			frame.Checksum = fmt.Sprintf("%x", h.Sum(nil))
		}
		if err := a.sendTaskData(t, frame); err != nil {
			return err
		}
		if eof {
			return nil
		}
	}
}
