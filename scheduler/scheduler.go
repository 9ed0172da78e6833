// Package scheduler implements the cooperative main loop: it decides which
// nodes are runnable, spawns their actor bodies, propagates progress and
// completion, and terminates once the node aliased ".end" settles.
//
// Grounded on the DAGScheduler example's dispatch loop (other_examples/
// ...dag_scheduler.go.go): a semaphore-bounded worker pool (package
// workerpool here, the same sem <- struct{}{} / <-sem pattern), a
// completion channel fed by each spawned goroutine, and panic recovery
// around the body call that fails the node rather than crashing the loop.
// Where the example tracks a static task list with Kahn's-algorithm
// in-degrees, this scheduler instead re-polls dag.Store.ReadyNodes() after
// every observed change, since the graph here grows while it runs.
package scheduler

import (
	"context"
	"fmt"

	"github.com/ailets-dev/ailets-go/actorio"
	"github.com/ailets-dev/ailets-go/dag"
	"github.com/ailets-dev/ailets-go/errs"
	"github.com/ailets-dev/ailets-go/handle"
	"github.com/ailets-dev/ailets-go/kv"
	"github.com/ailets-dev/ailets-go/notify"
	"github.com/ailets-dev/ailets-go/telemetry"
	"github.com/ailets-dev/ailets-go/workerpool"
)

// ActorBody is the capability every actor conforms to: given a Runtime
// bound to its own node, it runs to completion (or suspends internally on
// Runtime.Read/Write) and returns nil on success.
type ActorBody func(ctx context.Context, rt *actorio.Runtime) error

// BodyRegistry resolves a node's Kind to the ActorBody that implements it.
type BodyRegistry interface {
	Lookup(kind string) (ActorBody, bool)
}

// StaticBodyRegistry is an in-memory BodyRegistry, primarily for tests and
// small fixed deployments.
type StaticBodyRegistry map[string]ActorBody

// Lookup implements BodyRegistry.
func (r StaticBodyRegistry) Lookup(kind string) (ActorBody, bool) {
	b, ok := r[kind]
	return b, ok
}

// EndAlias is the alias the Environment seeds and the scheduler watches for
// termination: the run is done once the node it resolves to is Finished or
// Failed and no runnable node remains.
const EndAlias = ".end"

type doneMsg struct {
	id  handle.Handle
	err error
}

// Scheduler is the cooperative driver over one dag.Store/kv.Store/
// notify.Queue triple. The zero value is not usable; construct with New.
type Scheduler struct {
	dagStore *dag.Store
	kvStore  *kv.Store
	queue    *notify.Queue
	alloc    *handle.Allocator
	bodies   BodyRegistry
	pool     *workerpool.Pool
	logger   telemetry.Logger

	running map[handle.Handle]struct{}
	doneCh  chan doneMsg
}

// New constructs a Scheduler. maxWorkers bounds concurrent actor bodies.
func New(dagStore *dag.Store, kvStore *kv.Store, queue *notify.Queue, alloc *handle.Allocator, bodies BodyRegistry, maxWorkers int, logger telemetry.Logger) *Scheduler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Scheduler{
		dagStore: dagStore,
		kvStore:  kvStore,
		queue:    queue,
		alloc:    alloc,
		bodies:   bodies,
		pool:     workerpool.New(maxWorkers),
		logger:   logger,
		running:  make(map[handle.Handle]struct{}),
		doneCh:   make(chan doneMsg, 64),
	}
}

// Run drives the main loop to completion: spawn every ready node, wait for
// progress or completion, re-evaluate, and stop once EndAlias settles and
// nothing remains runnable. Returns the error recorded on the terminal
// .end node, if it failed, or nil on success or if .end was never aliased
// (a driver that wants a result must ensure it is).
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		done, err := s.step(ctx)
		if err != nil {
			return err
		}
		if done {
			return s.endResult()
		}
	}
}

// OneStep executes a single iteration: spawn every currently ready node,
// then block until the first observable transition (a node progressing,
// finishing, failing, or the graph changing) completes, then returns.
// Matches the driver's one_step() control for interactive/test stepping.
func (s *Scheduler) OneStep(ctx context.Context) (finished bool, err error) {
	return s.step(ctx)
}

// StopBefore runs the scheduler until the named node or alias is about to
// become runnable, i.e. until it first appears in a ReadyNodes() scan, then
// returns without spawning it.
func (s *Scheduler) StopBefore(ctx context.Context, nameOrAlias string) error {
	for {
		ready := s.dagStore.ReadyNodes()
		for _, n := range ready {
			if s.matchesTarget(n, nameOrAlias) {
				return nil
			}
		}
		s.spawnReady(ctx, ready)
		if s.quiescent() {
			return nil
		}
		if err := s.awaitOne(ctx); err != nil {
			return err
		}
	}
}

// StopAfter runs the scheduler until the named node or alias reaches a
// terminal state (Finished or Failed), then returns.
func (s *Scheduler) StopAfter(ctx context.Context, nameOrAlias string) error {
	for {
		if n := s.resolveTargetNode(nameOrAlias); n != nil && n.State.Terminal() {
			return nil
		}
		done, err := s.step(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// DryRun renders the dependency tree without spawning any actor body: every
// node ReadyNodes() would currently return is marked "ready", every node
// already Finished is marked "built", every Failed node "failed", everything
// else "pending".
func (s *Scheduler) DryRun() string {
	ready := make(map[handle.Handle]struct{})
	for _, n := range s.dagStore.ReadyNodes() {
		ready[n.ID] = struct{}{}
	}
	var lines []string
	ids := s.dagStore.AllNodeIDs()
	for _, id := range ids {
		n := s.dagStore.NodeByID(id)
		if n == nil {
			continue
		}
		status := "pending"
		switch {
		case n.State == dag.Finished:
			status = "built"
		case n.State == dag.Failed:
			status = "failed"
		case func() bool { _, ok := ready[id]; return ok }():
			status = "ready"
		}
		lines = append(lines, fmt.Sprintf("%s [%s] (%s): %s", n.Name, n.Kind, status, n.Explain))
	}
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}

// step spawns every ready node not already running, then blocks for one
// wake-up (a completion or a graph change), applying its effect. It reports
// done=true once EndAlias resolves to a terminal node (or to no node) and
// nothing remains runnable or running.
func (s *Scheduler) step(ctx context.Context) (done bool, err error) {
	ready := s.dagStore.ReadyNodes()
	s.spawnReady(ctx, ready)

	if s.quiescent() {
		return true, nil
	}

	if err := s.awaitOne(ctx); err != nil {
		return false, err
	}
	return s.quiescent(), nil
}

// quiescent reports whether the run is over: .end is terminal (or resolves
// to no node at all) and no node remains runnable or running.
func (s *Scheduler) quiescent() bool {
	end := s.resolveTargetNode(EndAlias)
	if end != nil && !end.State.Terminal() {
		return false
	}
	if len(s.running) > 0 {
		return false
	}
	for _, n := range s.dagStore.ReadyNodes() {
		if !n.State.Terminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) spawnReady(ctx context.Context, ready []*dag.Node) {
	for _, n := range ready {
		if _, already := s.running[n.ID]; already {
			continue
		}
		s.running[n.ID] = struct{}{}
		go s.runActor(ctx, n)
	}
}

func (s *Scheduler) runActor(ctx context.Context, n *dag.Node) {
	release, err := s.pool.Acquire(ctx)
	if err != nil {
		s.finishNode(ctx, n.ID, err)
		return
	}
	defer release()

	stdout, err := s.dagStore.MarkRunning(n.ID)
	if err != nil {
		s.finishNode(ctx, n.ID, err)
		return
	}
	rt, err := actorio.New(s.dagStore, s.kvStore, s.queue, s.alloc, n.ID, stdout)
	if err != nil {
		s.finishNode(ctx, n.ID, err)
		return
	}
	body, ok := s.bodies.Lookup(n.Kind)
	if !ok {
		s.finishNode(ctx, n.ID, fmt.Errorf("no actor body registered for kind %q", n.Kind))
		return
	}

	s.logger.Debug(ctx, "actor starting", "node", n.Name, "kind", n.Kind)
	runErr := func() (runErr error) {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic in actor %q: %v", n.Name, r)
			}
		}()
		return body(ctx, rt)
	}()
	s.finishNode(ctx, n.ID, runErr)
}

func (s *Scheduler) finishNode(ctx context.Context, id handle.Handle, runErr error) {
	if runErr != nil {
		s.logger.Error(ctx, "actor failed", "node", s.nodeName(id), "error", runErr)
		s.dagStore.MarkFailed(id, errs.NewActorFailure(s.nodeName(id), runErr))
	} else {
		s.logger.Debug(ctx, "actor finished", "node", s.nodeName(id))
		_ = s.dagStore.MarkFinished(id)
	}
	s.doneCh <- doneMsg{id: id, err: runErr}
}

func (s *Scheduler) nodeName(id handle.Handle) string {
	if n := s.dagStore.NodeByID(id); n != nil {
		return n.Name
	}
	return fmt.Sprintf("node-%d", id)
}

// awaitOne blocks until either a spawned actor body completes or the graph
// changes (a new node became ready, a new dependency was added, or a
// running node progressed — dag.Store.MarkProgressed notifies the same
// handle), whichever comes first, applying the completion's bookkeeping
// effect.
func (s *Scheduler) awaitOne(ctx context.Context) error {
	sub, err := s.queue.Subscribe(s.dagStore.GraphChanged, 1, "scheduler-awaker")
	if err != nil {
		return err
	}
	defer sub.Close()

	select {
	case msg := <-s.doneCh:
		delete(s.running, msg.id)
		return nil
	case <-sub.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) resolveTargetNode(nameOrAlias string) *dag.Node {
	ids, err := s.dagStore.Resolve(dag.AliasRef(nameOrAlias))
	if err != nil || len(ids) == 0 {
		return nil
	}
	return s.dagStore.NodeByID(ids[len(ids)-1])
}

func (s *Scheduler) matchesTarget(n *dag.Node, nameOrAlias string) bool {
	if n.Name == nameOrAlias {
		return true
	}
	target := s.resolveTargetNode(nameOrAlias)
	return target != nil && target.ID == n.ID
}

func (s *Scheduler) endResult() error {
	end := s.resolveTargetNode(EndAlias)
	if end == nil {
		return nil
	}
	if end.State == dag.Failed {
		return end.Err
	}
	return nil
}
