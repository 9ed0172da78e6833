// Package bpipe implements the broadcast pipe: a one-writer,
// many-reader byte stream with a monotonically growing buffer, late-join
// semantics (every reader starts at offset 0), and explicit close.
//
// The bookkeeping style — append-then-notify, track each reader's own
// cursor, propagate failure by flagging rather than unwinding — is grounded
// in the DAGScheduler/Executor examples' producer/consumer accounting
// (other_examples/...dag-executor.go.go, .../dag_scheduler.go.go) adapted
// from a one-shot task result to a streaming byte buffer.
package bpipe

import (
	"context"
	"sync"

	"github.com/ailets-dev/ailets-go/errs"
	"github.com/ailets-dev/ailets-go/handle"
	"github.com/ailets-dev/ailets-go/notify"
)

// Pipe is a broadcast byte stream with one writer and any number of
// readers. The zero value is not usable; construct with New.
type Pipe struct {
	queue *notify.Queue

	// WriterID identifies the node that owns this pipe's output. Every
	// Write and the final Close notify this handle, which is what wakes a
	// reader blocked in Read waiting for more bytes or end-of-stream.
	// actorio.Runtime.Write additionally calls dag.Store.MarkProgressed on
	// every successful write, which is the node's actual "progressed"
	// trigger seen by the scheduler's awaker.
	WriterID handle.Handle
	// spaceID is notified whenever a reader advances, waking a writer
	// blocked on a soft cap.
	spaceID handle.Handle

	explain string
	softCap int // 0 disables the cap

	mu         sync.Mutex
	buffer     []byte
	closed     bool
	poisoned   bool
	writerOpen bool
	readers    map[*Reader]struct{}
}

// Reader is one open reader end of a Pipe. Each Reader tracks its own read
// position independently; readers never share mutable state.
type Reader struct {
	pipe   *Pipe
	id     handle.Handle
	pos    int
	closed bool
}

// New constructs a Pipe whose writer is writerID (typically the producing
// node's stdout handle) and registers its progress and space handles with
// queue. explain is a free-text label surfaced in dependency-tree dumps.
// softCap of 0 means unbounded buffering, the default (pipes are
// unbounded unless configuration imposes a cap).
func New(queue *notify.Queue, writerID handle.Handle, spaceID handle.Handle, explain string, softCap int) *Pipe {
	queue.Register(writerID, explain+".progress")
	queue.Register(spaceID, explain+".space")
	return &Pipe{
		queue:      queue,
		WriterID:   writerID,
		spaceID:    spaceID,
		explain:    explain,
		softCap:    softCap,
		writerOpen: true,
		readers:    make(map[*Reader]struct{}),
	}
}

// Write appends p to the pipe's buffer and notifies the writer handle so
// suspended readers and the scheduler's awaker observe progress. If a soft
// cap is configured and the slowest reader lags too far behind, Write
// blocks until a reader advances or ctx is canceled. Returns an error if
// the pipe is already closed: write-after-close is never a silent no-op.
func (p *Pipe) Write(ctx context.Context, data []byte) (int, error) {
	total := 0
	// A single Write call may exceed the soft cap outright; rather than
	// deadlock against a reader that cannot make progress until some
	// bytes exist to read, Write appends as much as currently fits and
	// waits for the remainder, so it always makes forward progress
	// chunk-by-chunk as readers advance.
	for len(data) > 0 {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return total, errs.NewIoError(errs.EPIPE, "write", p.explain+": write after close")
		}
		chunk := data
		if p.softCap > 0 {
			used := len(p.buffer) - p.minReaderPosLocked()
			free := p.softCap - used
			if free <= 0 {
				in, err := p.queue.NewInterest(p.spaceID)
				p.mu.Unlock()
				if err != nil {
					return total, errs.NewIoError(errs.ENOSPC, "write", "soft cap exceeded and wait registration failed")
				}
				if _, err := in.Wait(ctx); err != nil {
					return total, err
				}
				continue
			}
			if free < len(chunk) {
				chunk = chunk[:free]
			}
		}
		p.buffer = append(p.buffer, chunk...)
		n := len(chunk)
		p.mu.Unlock()

		if _, err := p.queue.Notify(p.WriterID, int32(n)); err != nil {
			return total + n, err
		}
		total += n
		data = data[n:]
	}
	if total == 0 {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return 0, errs.NewIoError(errs.EPIPE, "write", p.explain+": write after close")
		}
		// A zero-byte write must still notify: downstream code may use it
		// as a liveness signal even when it carries no bytes.
		if _, err := p.queue.Notify(p.WriterID, 0); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Close marks the pipe closed: no further Write calls succeed, and
// readers that drain the remaining buffer observe end-of-stream. Close
// notifies the writer handle once more so suspended readers wake and
// re-check the closed buffer. Calling Close twice is an error.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errs.NewIoError(errs.EPIPE, "close", p.explain+": already closed")
	}
	p.closed = true
	p.writerOpen = false
	p.mu.Unlock()
	_, err := p.queue.Notify(p.WriterID, 0)
	return err
}

// Poison closes the pipe (if not already closed) and marks it poisoned,
// so readers observe end-of-stream plus a readable poison flag. Used by
// the scheduler when an actor body fails: downstream IoError(EIO) is
// surfaced by the node runtime facade, not by Pipe itself, which only
// carries the fact.
func (p *Pipe) Poison() {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.writerOpen = false
	p.poisoned = true
	p.mu.Unlock()
	if !already {
		_, _ = p.queue.Notify(p.WriterID, 0)
	}
}

// Poisoned reports whether the pipe's writer node failed. Callers decide
// whether to surface this as a failure; Pipe itself never does.
func (p *Pipe) Poisoned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.poisoned
}

// Len returns the number of bytes written so far. Useful for tests and for
// dependency-tree dumps that report byte counts.
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Closed reports whether the writer has closed the pipe.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Bytes returns a copy of everything written so far, for snapshot() taking
// a finished node's full output without going through a Reader.
func (p *Pipe) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.buffer))
	copy(out, p.buffer)
	return out
}

// Open returns a new Reader positioned at offset 0. Late-join readers
// always start from the beginning, by design, so a reader that attaches
// after the writer has produced (or even closed) still observes the full
// buffer — the message-with-streaming-body semantics callers depend on.
func (p *Pipe) Open(id handle.Handle) *Reader {
	r := &Reader{pipe: p, id: id}
	p.mu.Lock()
	p.readers[r] = struct{}{}
	p.mu.Unlock()
	return r
}

// minReaderPosLocked returns the slowest reader's position, or the end of
// the buffer if there are no readers (so an unread pipe with no
// subscribers never blocks a capped writer). Callers must hold p.mu.
func (p *Pipe) minReaderPosLocked() int {
	if len(p.readers) == 0 {
		return len(p.buffer)
	}
	min := -1
	for r := range p.readers {
		if min == -1 || r.pos < min {
			min = r.pos
		}
	}
	return min
}

// Read copies up to len(buf) unread bytes into buf. It returns (n>0, nil)
// when bytes are available, (0, nil) at end-of-stream (the writer closed
// and this reader has consumed the entire buffer), or suspends until more
// bytes arrive or the pipe closes. Read never returns bytes out of order
// and never skips bytes: successive calls return contiguous, non-
// overlapping slices of the buffer.
func (r *Reader) Read(ctx context.Context, buf []byte) (int, error) {
	if r.closed {
		return 0, errs.NewIoError(errs.EBADF, "read", "reader is closed")
	}
	p := r.pipe
	for {
		p.mu.Lock()
		if r.pos < len(p.buffer) {
			n := copy(buf, p.buffer[r.pos:])
			r.pos += n
			p.mu.Unlock()
			p.bumpSpace()
			return n, nil
		}
		if p.closed {
			p.mu.Unlock()
			return 0, nil
		}
		// Register interest while still holding p.mu so a concurrent
		// Write (which also takes p.mu to append) cannot slip a new byte
		// in between our "nothing to read" check and our registration —
		// that ordering is what keeps this suspension point free of lost
		// wakeups.
		in, err := p.queue.NewInterest(p.WriterID)
		p.mu.Unlock()
		if err != nil {
			return 0, err
		}
		if _, err := in.Wait(ctx); err != nil {
			return 0, err
		}
	}
}

// bumpSpace notifies the pipe's space handle so a writer blocked on a soft
// cap re-checks whether it can proceed. Best-effort: a QueueError here
// (e.g. the pipe was already torn down) is not actionable for a reader.
func (p *Pipe) bumpSpace() {
	_, _ = p.queue.Notify(p.spaceID, 0)
}

// Close releases this reader's position tracking. It does not affect the
// pipe's buffer or other readers. Idempotent.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	p := r.pipe
	p.mu.Lock()
	delete(p.readers, r)
	p.mu.Unlock()
	p.bumpSpace()
	return nil
}

// Position returns the reader's current offset into the pipe's buffer.
func (r *Reader) Position() int {
	return r.pos
}

// Poisoned reports whether this reader's pipe was poisoned, so a caller
// observing (0, nil) at end-of-stream can tell a clean close from an
// upstream failure.
func (r *Reader) Poisoned() bool {
	return r.pipe.Poisoned()
}
