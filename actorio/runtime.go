// Package actorio implements the per-actor I/O facade: the POSIX-like file
// descriptor table that binds one running node's parameter namespace to the
// DAG store, the broadcast pipes it depends on and produces, and the
// key-stream store. This is the only way an actor body touches the
// orchestration core; it never sees dag.Store, bpipe.Pipe, or kv.Store
// directly.
package actorio

import (
	"context"
	"fmt"
	"sync"

	"github.com/ailets-dev/ailets-go/bpipe"
	"github.com/ailets-dev/ailets-go/dag"
	"github.com/ailets-dev/ailets-go/errs"
	"github.com/ailets-dev/ailets-go/handle"
	"github.com/ailets-dev/ailets-go/kv"
	"github.com/ailets-dev/ailets-go/notify"
)

// Standard file descriptors every actor sees pre-opened, matching the
// stable ABI surface.
const (
	Stdin   = 0
	Stdout  = 1
	Log     = 2
	Env     = 3
	Metrics = 4
	Trace   = 5

	firstDynamicFD = 6
)

type fd struct {
	reader *bpipe.Reader
	writer *bpipe.Pipe
	// writeNodeID is set when writer came from OpenWritePipe: closing this
	// fd finishes the backing node (transitions it to Finished) rather than
	// merely closing the pipe out from under a still-NotStarted node.
	writeNodeID handle.Handle
	// readNodeID is set when reader was opened over a known dependency
	// node's stdout (via OpenRead or the stdin default), so AliasFD can
	// bind an alias to the node that produced the bytes this fd reads.
	readNodeID handle.Handle
	closed     bool
}

// Runtime is the fd table and DAG-ops sub-facade bound to one running node.
// The zero value is not usable; construct with New.
type Runtime struct {
	dagStore *dag.Store
	kvStore  *kv.Store
	queue    *notify.Queue
	alloc    *handle.Allocator
	nodeID   handle.Handle
	nodeName string

	mu     sync.Mutex
	fds    map[int]*fd
	nextFD int
	errno  errs.Errno
}

// New constructs a Runtime bound to nodeID, wiring standard fds 0-5. stdout
// is the node's own output pipe (already opened by the scheduler via
// dag.Store.MarkRunning before the actor body starts). fd 0 (stdin) is
// wired to the default-parameter ("") dependency at index 0, if the node
// declares one; otherwise it is left unopened and any read returns EBADF.
func New(dagStore *dag.Store, kvStore *kv.Store, queue *notify.Queue, alloc *handle.Allocator, nodeID handle.Handle, stdout *bpipe.Pipe) (*Runtime, error) {
	n := dagStore.NodeByID(nodeID)
	if n == nil {
		return nil, errs.NewGraphError("actorio.new", fmt.Sprintf("unknown node %d", nodeID))
	}
	rt := &Runtime{
		dagStore: dagStore,
		kvStore:  kvStore,
		queue:    queue,
		alloc:    alloc,
		nodeID:   nodeID,
		nodeName: n.Name,
		fds:      make(map[int]*fd),
		nextFD:   firstDynamicFD,
	}

	rt.fds[Stdout] = &fd{writer: stdout}

	if r, depID, err := rt.openDependencyLocked("", 0); err == nil {
		rt.fds[Stdin] = &fd{reader: r, readNodeID: depID}
	}

	rt.fds[Log] = &fd{writer: rt.openAuxPipe(".log")}
	rt.fds[Metrics] = &fd{writer: rt.openAuxPipe(".metrics")}
	rt.fds[Trace] = &fd{writer: rt.openAuxPipe(".trace")}

	if r, err := kvStore.OpenRead(n.Name + ".env"); err == nil {
		rt.fds[Env] = &fd{reader: r}
	}

	return rt, nil
}

// openAuxPipe creates an always-open auxiliary output pipe (log, metrics,
// trace) and publishes it into the KV store under "<node-name><suffix>" so
// it can be inspected independently of the node's primary stdout, e.g. by a
// driver dumping trace output after a run.
func (rt *Runtime) openAuxPipe(suffix string) *bpipe.Pipe {
	writerID := rt.alloc.Next()
	spaceID := rt.alloc.Next()
	key := rt.nodeName + suffix
	p := bpipe.New(rt.queue, writerID, spaceID, key, 0)
	rt.kvStore.PutPipe(key, p)
	return p
}

// GetErrno returns the errno set by the most recently failing call.
func (rt *Runtime) GetErrno() errs.Errno {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.errno
}

func (rt *Runtime) fail(errno errs.Errno, op, msg string) error {
	rt.mu.Lock()
	rt.errno = errno
	rt.mu.Unlock()
	return errs.NewIoError(errno, op, msg)
}

// flattenedDeps returns, for param, the ordered list of node ids obtained by
// walking each Dependency entry bound to param and expanding alias Refs via
// dag.Store.Resolve, concatenated in declaration order. This is the single
// sequence open_read(param, idx) addresses.
func (rt *Runtime) flattenedDeps(param string) ([]handle.Handle, error) {
	n := rt.dagStore.NodeByID(rt.nodeID)
	if n == nil {
		return nil, errs.NewGraphError("open_read", fmt.Sprintf("unknown node %d", rt.nodeID))
	}
	var out []handle.Handle
	for _, d := range n.Dependencies {
		if d.Param != param {
			continue
		}
		ids, err := rt.dagStore.Resolve(d.Ref)
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	return out, nil
}

func (rt *Runtime) openDependencyLocked(param string, idx int) (*bpipe.Reader, handle.Handle, error) {
	ids, err := rt.flattenedDeps(param)
	if err != nil {
		return nil, handle.Zero, err
	}
	if idx < 0 || idx >= len(ids) {
		return nil, handle.Zero, errs.NewIoError(errs.EINVAL, "open_read", fmt.Sprintf("param %q has no dependency at index %d", param, idx))
	}
	depNode := rt.dagStore.NodeByID(ids[idx])
	if depNode == nil || depNode.StdoutPipe == nil {
		return nil, handle.Zero, errs.NewIoError(errs.EINVAL, "open_read", fmt.Sprintf("dependency %d has no output pipe yet", ids[idx]))
	}
	return depNode.StdoutPipe.Open(rt.alloc.Next()), ids[idx], nil
}

// OpenRead opens a reader over the idx-th node bound to param and returns
// its fd. Per the resolved open question, a param whose dependencies span
// several nodes (multiple Dependency entries, or one alias resolving to
// several ids) is addressed as one flattened, index-ordered sequence;
// concatenation across indices is left to the caller.
func (rt *Runtime) OpenRead(param string, idx int) (int, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, depID, err := rt.openDependencyLocked(param, idx)
	if err != nil {
		rt.errno = errnoOf(err)
		return -1, err
	}
	fdNum := rt.nextFD
	rt.nextFD++
	rt.fds[fdNum] = &fd{reader: r, readNodeID: depID}
	return fdNum, nil
}

// OpenWrite returns the fd for param. Only the default/stdout output is
// writable through this call; any other param fails EINVAL, matching the
// facade's "open_write typically refers to stdout only" contract. Actors
// that need an additional writable stream use OpenWritePipe instead.
func (rt *Runtime) OpenWrite(param string) (int, error) {
	if param != "" && param != "stdout" {
		rt.mu.Lock()
		rt.errno = errs.EINVAL
		rt.mu.Unlock()
		return -1, errs.NewIoError(errs.EINVAL, "open_write", fmt.Sprintf("param %q is not writable", param))
	}
	return Stdout, nil
}

// Read copies up to len(buf) bytes from fd. See bpipe.Reader.Read for the
// exact (n, err) contract; a bad or write-only fd fails EBADF. End-of-stream
// on a pipe whose writer node failed is reported as IoError{Errno: EIO}
// rather than a clean (0, nil), so a downstream actor can tell an upstream
// failure from a normal close.
func (rt *Runtime) Read(ctx context.Context, fdNum int, buf []byte) (int, error) {
	rt.mu.Lock()
	f, ok := rt.fds[fdNum]
	rt.mu.Unlock()
	if !ok || f.closed || f.reader == nil {
		return 0, rt.fail(errs.EBADF, "read", fmt.Sprintf("fd %d is not open for reading", fdNum))
	}
	n, err := f.reader.Read(ctx, buf)
	if err == nil && n == 0 && f.reader.Poisoned() {
		return 0, rt.fail(errs.EIO, "read", fmt.Sprintf("fd %d: upstream producer failed", fdNum))
	}
	if err != nil {
		rt.mu.Lock()
		rt.errno = errnoOf(err)
		rt.mu.Unlock()
	}
	return n, err
}

// Write appends data to fd's pipe. A bad or read-only fd fails EBADF; a
// write to a closed pipe fails EPIPE (propagated from bpipe.Pipe.Write).
func (rt *Runtime) Write(ctx context.Context, fdNum int, data []byte) (int, error) {
	rt.mu.Lock()
	f, ok := rt.fds[fdNum]
	rt.mu.Unlock()
	if !ok || f.closed || f.writer == nil {
		return 0, rt.fail(errs.EBADF, "write", fmt.Sprintf("fd %d is not open for writing", fdNum))
	}
	n, err := f.writer.Write(ctx, data)
	if err != nil {
		rt.mu.Lock()
		rt.errno = errnoOf(err)
		rt.mu.Unlock()
	}
	if err == nil {
		if fdNum == Stdout {
			rt.dagStore.MarkProgressed(rt.nodeID)
		} else if f.writeNodeID != handle.Zero {
			rt.dagStore.MarkProgressed(f.writeNodeID)
		}
	}
	return n, err
}

// Close closes fd. Closing a write fd created by OpenWritePipe finishes the
// backing node in addition to closing its pipe. Closing fd 1 (stdout) is
// rejected: the scheduler owns that pipe's lifecycle via MarkFinished.
// Double-close is EBADF.
func (rt *Runtime) Close(fdNum int) error {
	if fdNum == Stdout {
		return rt.fail(errs.EBADF, "close", "stdout is closed by the scheduler, not the actor")
	}
	rt.mu.Lock()
	f, ok := rt.fds[fdNum]
	if !ok || f.closed {
		rt.mu.Unlock()
		return rt.fail(errs.EBADF, "close", fmt.Sprintf("fd %d is not open", fdNum))
	}
	f.closed = true
	rt.mu.Unlock()

	if f.reader != nil {
		return f.reader.Close()
	}
	if f.writer != nil {
		if f.writeNodeID != handle.Zero {
			return rt.dagStore.MarkFinished(f.writeNodeID)
		}
		return f.writer.Close()
	}
	return nil
}

// ValueNode creates a finished value node with data as its fixed output and
// returns its id, for actors injecting literal messages (e.g. tool
// specifications, feedback messages during loop unrolling).
func (rt *Runtime) ValueNode(data []byte, explain string) (handle.Handle, error) {
	id, err := rt.dagStore.AddValueNode(data, explain)
	if err != nil {
		rt.mu.Lock()
		rt.errno = errnoOf(err)
		rt.mu.Unlock()
	}
	return id, err
}

// Alias appends target to aliasName (creating it if new). A nil target
// creates an empty alias.
func (rt *Runtime) Alias(aliasName string, target *dag.Ref) error {
	return rt.dagStore.Alias(aliasName, target)
}

// DetachFromAlias snapshots aliasName's current resolution into every node
// that depends on it.
func (rt *Runtime) DetachFromAlias(aliasName string) error {
	return rt.dagStore.DetachFromAlias(aliasName)
}

// InstantiateWithDeps grafts workflowName's template into the graph, wiring
// deps to its external inputs, and returns its sink node id.
func (rt *Runtime) InstantiateWithDeps(workflowName string, deps map[string]dag.Ref) (handle.Handle, error) {
	id, err := rt.dagStore.InstantiateWithDeps(workflowName, deps)
	if err != nil {
		rt.mu.Lock()
		rt.errno = errnoOf(err)
		rt.mu.Unlock()
	}
	return id, err
}

// OpenWritePipe creates a new not-yet-started node with no dependencies,
// immediately marks it running (opening its stdout pipe), and returns a
// writable fd over that pipe. Closing the fd finishes the node. This is
// the "value-like node that can be written to over an fd" the DAG-ops
// sub-facade exposes, distinct from ValueNode's fixed buffer.
func (rt *Runtime) OpenWritePipe(explain string) (int, error) {
	n, err := rt.dagStore.AddNode("pipe", dag.KindValue, nil, explain)
	if err != nil {
		return -1, err
	}
	p, err := rt.dagStore.MarkRunning(n.ID)
	if err != nil {
		return -1, err
	}
	rt.mu.Lock()
	fdNum := rt.nextFD
	rt.nextFD++
	rt.fds[fdNum] = &fd{writer: p, writeNodeID: n.ID}
	rt.mu.Unlock()
	return fdNum, nil
}

// AliasFD binds fd's underlying node to aliasName, so the node's output
// feeds a new branch of the graph. fd must be a read or write fd opened by
// this Runtime over a known node (stdin, an OpenRead dependency fd, or an
// OpenWritePipe fd); binding a plain log/metrics/trace fd is rejected since
// those pipes are not DAG nodes.
func (rt *Runtime) AliasFD(aliasName string, fdNum int) error {
	rt.mu.Lock()
	f, ok := rt.fds[fdNum]
	rt.mu.Unlock()
	if !ok {
		return rt.fail(errs.EBADF, "alias_fd", fmt.Sprintf("fd %d is not open", fdNum))
	}
	switch {
	case f.writeNodeID != handle.Zero:
		return rt.dagStore.Alias(aliasName, refPtr(dag.NodeRef(f.writeNodeID)))
	case f.readNodeID != handle.Zero:
		return rt.dagStore.Alias(aliasName, refPtr(dag.NodeRef(f.readNodeID)))
	default:
		return rt.fail(errs.EINVAL, "alias_fd", fmt.Sprintf("fd %d is not bound to a node", fdNum))
	}
}

func refPtr(r dag.Ref) *dag.Ref { return &r }

// errnoOf maps a returned error to its canonical errno, defaulting to EIO
// for anything that is not already one of this module's typed errors (an
// actor body's own panic, surfaced by the scheduler as ActorFailure,
// reaches readers as EIO regardless of its original cause).
func errnoOf(err error) errs.Errno {
	if err == nil {
		return 0
	}
	if io, ok := err.(*errs.IoError); ok {
		return io.Errno
	}
	if _, ok := err.(*errs.GraphError); ok {
		return errs.EINVAL
	}
	return errs.EIO
}
