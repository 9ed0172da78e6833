package scheduler_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailets-dev/ailets-go/actorio"
	"github.com/ailets-dev/ailets-go/dag"
	"github.com/ailets-dev/ailets-go/dag/plugin"
	"github.com/ailets-dev/ailets-go/errs"
	"github.com/ailets-dev/ailets-go/handle"
	"github.com/ailets-dev/ailets-go/kv"
	"github.com/ailets-dev/ailets-go/notify"
	"github.com/ailets-dev/ailets-go/scheduler"
)

type harness struct {
	dagStore *dag.Store
	kvStore  *kv.Store
	queue    *notify.Queue
	alloc    *handle.Allocator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	queue := notify.New()
	alloc := handle.NewAllocator()
	kvStore := kv.New(queue, alloc)
	dagStore := dag.New(queue, alloc, kvStore, plugin.StaticRegistry{})
	return &harness{dagStore: dagStore, kvStore: kvStore, queue: queue, alloc: alloc}
}

func (h *harness) addAlias(t *testing.T, name string, target handle.Handle) {
	t.Helper()
	ref := dag.NodeRef(target)
	require.NoError(t, h.dagStore.Alias(name, &ref))
}

// copyBody reads everything from its default dependency and writes it to
// stdout, closing once the upstream is exhausted. Stands in for a passthrough
// actor kind across tests that just need a node to complete successfully.
func copyBody(ctx context.Context, rt *actorio.Runtime) error {
	buf := make([]byte, 64)
	for {
		n, err := rt.Read(ctx, actorio.Stdin, buf)
		if n > 0 {
			if _, werr := rt.Write(ctx, actorio.Stdout, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil || n == 0 {
			return nil
		}
	}
}

func failBody(ctx context.Context, rt *actorio.Runtime) error {
	return assert.AnError
}

// streamBody writes first to stdout, blocks until resume fires (or ctx is
// canceled), then writes second and returns. Stands in for a producer whose
// tolerant dependent must be spawned once it has progressed, not only once
// it finishes.
func streamBody(first, second []byte, resume <-chan struct{}) scheduler.ActorBody {
	return func(ctx context.Context, rt *actorio.Runtime) error {
		if _, err := rt.Write(ctx, actorio.Stdout, first); err != nil {
			return err
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
		_, err := rt.Write(ctx, actorio.Stdout, second)
		return err
	}
}

func withTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func TestRunCompletesLinearChain(t *testing.T) {
	h := newHarness(t)
	srcID, err := h.dagStore.AddValueNode([]byte("hello"), "source")
	require.NoError(t, err)

	n, err := h.dagStore.AddNode("copy", "copy", []dag.Dependency{{Param: "", Ref: dag.NodeRef(srcID)}}, "")
	require.NoError(t, err)
	h.addAlias(t, scheduler.EndAlias, n.ID)

	bodies := scheduler.StaticBodyRegistry{"copy": copyBody}
	sched := scheduler.New(h.dagStore, h.kvStore, h.queue, h.alloc, bodies, 2, nil)

	ctx, cancel := withTimeout(t)
	defer cancel()
	require.NoError(t, sched.Run(ctx))

	got := h.dagStore.NodeByID(n.ID)
	assert.Equal(t, dag.Finished, got.State)
}

func TestRunPropagatesActorFailure(t *testing.T) {
	h := newHarness(t)
	n, err := h.dagStore.AddNode("boom", "fail", nil, "")
	require.NoError(t, err)
	h.addAlias(t, scheduler.EndAlias, n.ID)

	bodies := scheduler.StaticBodyRegistry{"fail": failBody}
	sched := scheduler.New(h.dagStore, h.kvStore, h.queue, h.alloc, bodies, 2, nil)

	ctx, cancel := withTimeout(t)
	defer cancel()
	runErr := sched.Run(ctx)
	require.Error(t, runErr)

	got := h.dagStore.NodeByID(n.ID)
	assert.Equal(t, dag.Failed, got.State)

	var af *errs.ActorFailure
	assert.ErrorAs(t, runErr, &af)
}

func TestOneStepAdvancesSingleTransition(t *testing.T) {
	h := newHarness(t)
	srcID, err := h.dagStore.AddValueNode([]byte("x"), "source")
	require.NoError(t, err)
	n, err := h.dagStore.AddNode("copy", "copy", []dag.Dependency{{Param: "", Ref: dag.NodeRef(srcID)}}, "")
	require.NoError(t, err)
	h.addAlias(t, scheduler.EndAlias, n.ID)

	bodies := scheduler.StaticBodyRegistry{"copy": copyBody}
	sched := scheduler.New(h.dagStore, h.kvStore, h.queue, h.alloc, bodies, 2, nil)

	ctx, cancel := withTimeout(t)
	defer cancel()

	for i := 0; i < 10; i++ {
		finished, err := sched.OneStep(ctx)
		require.NoError(t, err)
		if finished {
			break
		}
	}
	assert.Equal(t, dag.Finished, h.dagStore.NodeByID(n.ID).State)
}

func TestStopBeforeHaltsWithoutSpawning(t *testing.T) {
	h := newHarness(t)
	srcID, err := h.dagStore.AddValueNode([]byte("x"), "source")
	require.NoError(t, err)
	n, err := h.dagStore.AddNode("target", "copy", []dag.Dependency{{Param: "", Ref: dag.NodeRef(srcID)}}, "")
	require.NoError(t, err)
	h.addAlias(t, scheduler.EndAlias, n.ID)

	bodies := scheduler.StaticBodyRegistry{"copy": copyBody}
	sched := scheduler.New(h.dagStore, h.kvStore, h.queue, h.alloc, bodies, 2, nil)

	ctx, cancel := withTimeout(t)
	defer cancel()
	require.NoError(t, sched.StopBefore(ctx, "target"))

	assert.Equal(t, dag.Runnable, h.dagStore.NodeByID(n.ID).State)
}

func TestStopAfterHaltsOnceTargetTerminal(t *testing.T) {
	h := newHarness(t)
	srcID, err := h.dagStore.AddValueNode([]byte("x"), "source")
	require.NoError(t, err)
	n, err := h.dagStore.AddNode("target", "copy", []dag.Dependency{{Param: "", Ref: dag.NodeRef(srcID)}}, "")
	require.NoError(t, err)
	h.addAlias(t, scheduler.EndAlias, n.ID)

	bodies := scheduler.StaticBodyRegistry{"copy": copyBody}
	sched := scheduler.New(h.dagStore, h.kvStore, h.queue, h.alloc, bodies, 2, nil)

	ctx, cancel := withTimeout(t)
	defer cancel()
	require.NoError(t, sched.StopAfter(ctx, "target"))

	assert.True(t, h.dagStore.NodeByID(n.ID).State.Terminal())
}

func TestDryRunReportsBuiltReadyAndPending(t *testing.T) {
	h := newHarness(t)
	srcID, err := h.dagStore.AddValueNode([]byte("x"), "built-source")
	require.NoError(t, err)
	ready, err := h.dagStore.AddNode("ready-node", "copy", []dag.Dependency{{Param: "", Ref: dag.NodeRef(srcID)}}, "ready step")
	require.NoError(t, err)
	_, err = h.dagStore.AddNode("pending-node", "copy", []dag.Dependency{{Param: "", Ref: dag.NodeRef(ready.ID)}}, "waits on ready")
	require.NoError(t, err)

	bodies := scheduler.StaticBodyRegistry{"copy": copyBody}
	sched := scheduler.New(h.dagStore, h.kvStore, h.queue, h.alloc, bodies, 2, nil)

	out := sched.DryRun()
	assert.True(t, strings.Contains(out, "(built):"))
	assert.True(t, strings.Contains(out, "(ready):"))
	assert.True(t, strings.Contains(out, "(pending):"))
}

func TestRunFansOutIndependentBranches(t *testing.T) {
	h := newHarness(t)
	a, err := h.dagStore.AddValueNode([]byte("a"), "a")
	require.NoError(t, err)
	b, err := h.dagStore.AddValueNode([]byte("b"), "b")
	require.NoError(t, err)

	copyA, err := h.dagStore.AddNode("copy-a", "copy", []dag.Dependency{{Param: "", Ref: dag.NodeRef(a)}}, "")
	require.NoError(t, err)
	copyB, err := h.dagStore.AddNode("copy-b", "copy", []dag.Dependency{{Param: "", Ref: dag.NodeRef(b)}}, "")
	require.NoError(t, err)

	h.addAlias(t, scheduler.EndAlias, copyA.ID)
	require.NoError(t, h.dagStore.Alias(scheduler.EndAlias, refTo(copyB.ID)))

	bodies := scheduler.StaticBodyRegistry{"copy": copyBody}
	sched := scheduler.New(h.dagStore, h.kvStore, h.queue, h.alloc, bodies, 4, nil)

	ctx, cancel := withTimeout(t)
	defer cancel()
	require.NoError(t, sched.Run(ctx))

	assert.Equal(t, dag.Finished, h.dagStore.NodeByID(copyA.ID).State)
	assert.Equal(t, dag.Finished, h.dagStore.NodeByID(copyB.ID).State)
}

// TestTolerantDependentSpawnsOnFirstProgressNotOnlyFinish guards the
// awaker's wakeup on dag.Store.MarkProgressed: a tolerant dependent must
// become runnable (and get spawned) the moment its producer emits its
// first chunk, without waiting for the producer to finish, finish also.
func TestTolerantDependentSpawnsOnFirstProgressNotOnlyFinish(t *testing.T) {
	h := newHarness(t)
	resume := make(chan struct{})

	producer, err := h.dagStore.AddNode("producer", "stream", nil, "")
	require.NoError(t, err)
	consumer, err := h.dagStore.AddNode("consumer", "copy", []dag.Dependency{{Param: "", Ref: dag.NodeRef(producer.ID)}}, "")
	require.NoError(t, err)
	h.addAlias(t, scheduler.EndAlias, consumer.ID)

	bodies := scheduler.StaticBodyRegistry{
		"stream": streamBody([]byte("abc"), []byte("def"), resume),
		"copy":   copyBody,
	}
	sched := scheduler.New(h.dagStore, h.kvStore, h.queue, h.alloc, bodies, 2, nil)

	ctx, cancel := withTimeout(t)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		got := h.dagStore.NodeByID(consumer.ID)
		return got != nil && got.State != dag.NotStarted && got.State != dag.Runnable
	}, 2*time.Second, 10*time.Millisecond, "consumer was never spawned while the producer was still mid-stream")
	assert.Equal(t, dag.Progressed, h.dagStore.NodeByID(producer.ID).State)

	close(resume)
	require.NoError(t, <-errCh)
	assert.Equal(t, "abcdef", string(h.dagStore.NodeByID(consumer.ID).StdoutPipe.Bytes()))
}

func refTo(id handle.Handle) *dag.Ref {
	r := dag.NodeRef(id)
	return &r
}
