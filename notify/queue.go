// Package notify implements the process-wide, handle-keyed notification
// queue: the wake-up primitive that bridges worker threads performing
// blocking I/O to cooperative actor bodies suspended in the scheduler.
//
// The design follows the hooks.Bus fan-out registry (snapshot subscribers
// under a lock, then deliver outside it) combined with the gaio async-IO
// watcher's split between a locked pending-work table and an unlocked
// completion-delivery path, so a slow or absent receiver can never block
// Notify.
package notify

import (
	"context"
	"sync"

	"github.com/ailets-dev/ailets-go/errs"
	"github.com/ailets-dev/ailets-go/handle"
)

// DefaultMaxWaiters bounds the number of concurrent one-shot Wait/Interest
// registrations per handle. Exceeding it fails the call rather than
// blocking it.
const DefaultMaxWaiters = 1024

// DefaultMaxSubscribers bounds the number of long-lived Subscribe
// registrations per handle.
const DefaultMaxSubscribers = 256

type (
	// Queue is the thread-safe, handle-keyed wake-up primitive every
	// suspension point in this module waits on. All methods are safe to
	// call concurrently, including from OS threads performing blocking
	// syscalls on behalf of actor bodies.
	Queue struct {
		mu   sync.Mutex
		regs map[handle.Handle]*registration
		// known tracks every handle ever registered, so Notify can
		// distinguish "unregistered" (a no-op) from "never registered" (a
		// QueueError); NewInterest and Subscribe fail on both.
		known map[handle.Handle]struct{}

		maxWaiters     int
		maxSubscribers int
	}

	registration struct {
		hint    string
		waiters map[*Interest]struct{}
		subs    map[*Subscription]struct{}
	}

	// Interest is a one-shot registration of intent to wait on a handle.
	// Splitting registration (NewInterest) from blocking (Wait) lets a
	// caller register interest before sampling the state it is about to
	// wait on, which is what makes the wait race-free: a Notify that
	// happens after registration but before the caller calls Wait is not
	// lost.
	Interest struct {
		q *Queue
		h handle.Handle
		c chan int32
	}

	// Subscription is a long-lived channel receiver that is delivered every
	// Notify for its handle via try-send, dropping on overflow.
	Subscription struct {
		q            *Queue
		h            handle.Handle
		c            chan int32
		overflowed   chan struct{}
		overflowOnce sync.Once
	}
)

// New constructs a Queue with the default waiter/subscriber caps.
func New() *Queue {
	return NewWithLimits(DefaultMaxWaiters, DefaultMaxSubscribers)
}

// NewWithLimits constructs a Queue with explicit per-handle caps, primarily
// for tests that exercise the cap-exceeded error path.
func NewWithLimits(maxWaiters, maxSubscribers int) *Queue {
	return &Queue{
		regs:           make(map[handle.Handle]*registration),
		known:          make(map[handle.Handle]struct{}),
		maxWaiters:     maxWaiters,
		maxSubscribers: maxSubscribers,
	}
}

// Register mints interest bookkeeping for h, which must already have been
// allocated by a handle.Allocator. debugHint is attached to the
// registration for diagnostics (dependency-tree dumps, log lines) and is
// never interpreted.
func (q *Queue) Register(h handle.Handle, debugHint string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.known[h] = struct{}{}
	q.regs[h] = &registration{
		hint:    debugHint,
		waiters: make(map[*Interest]struct{}),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Unregister retires h: subsequent Notify calls targeting h become no-ops
// rather than errors, matching the "after which further notify is a no-op"
// contract. Any waiters still registered are woken with a zero payload so
// they do not hang forever, and subscriptions are closed.
func (q *Queue) Unregister(h handle.Handle) {
	q.mu.Lock()
	reg, ok := q.regs[h]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.regs, h)
	waiters := snapshotWaiters(reg)
	q.mu.Unlock()

	for _, w := range waiters {
		trySend(w.c, 0)
	}
}

// Notify wakes every current waiter and delivers to every current
// subscriber of h, in call order with respect to a single handle. Safe to
// call from any goroutine, including one performing a blocking syscall on
// behalf of an actor body; Notify never blocks on a slow or absent
// consumer. Returns the number of waiters woken (subscriber deliveries are
// not counted, since subscriptions are long-lived and may be delivered to
// many times).
//
// Notifying a handle that was never registered is a QueueError. Notifying a
// handle that was registered and later unregistered is a no-op returning
// (0, nil).
func (q *Queue) Notify(h handle.Handle, payload int32) (int, error) {
	q.mu.Lock()
	if _, known := q.known[h]; !known {
		q.mu.Unlock()
		return 0, errs.NewQueueError("notify", "handle was never registered")
	}
	reg, ok := q.regs[h]
	if !ok {
		q.mu.Unlock()
		return 0, nil
	}
	waiters := snapshotWaiters(reg)
	subs := snapshotSubs(reg)
	// Wait is one-shot: once a waiter has been handed a payload, it is
	// retired. Subscriptions are not retired; they keep receiving.
	for w := range reg.waiters {
		delete(reg.waiters, w)
	}
	q.mu.Unlock()

	count := 0
	for _, w := range waiters {
		if trySend(w.c, payload) {
			count++
		}
	}
	for _, s := range subs {
		if !trySend(s.c, payload) {
			s.markOverflowed()
		}
	}
	return count, nil
}

// NewInterest registers a one-shot waiter on h and returns it without
// blocking. Call Wait on the result to suspend until the next Notify (or
// cancel via Cancel if the caller decides not to wait after all). Register
// interest before checking any state the wait depends on: that ordering is
// what prevents a Notify from being lost between the check and the wait.
func (q *Queue) NewInterest(h handle.Handle) (*Interest, error) {
	q.mu.Lock()
	if _, known := q.known[h]; !known {
		q.mu.Unlock()
		return nil, errs.NewQueueError("wait", "handle was never registered")
	}
	reg, ok := q.regs[h]
	if !ok {
		q.mu.Unlock()
		return nil, errs.NewQueueError("wait", "handle was unregistered")
	}
	if len(reg.waiters) >= q.maxWaiters {
		q.mu.Unlock()
		return nil, errs.NewQueueError("wait", "per-handle waiter limit exceeded")
	}
	w := &Interest{q: q, h: h, c: make(chan int32, 1)}
	reg.waiters[w] = struct{}{}
	q.mu.Unlock()
	return w, nil
}

// Wait blocks until the Interest's handle is notified (or ctx is canceled)
// and returns the delivered payload. Wait consumes the Interest: calling it
// twice on the same Interest is not supported.
func (w *Interest) Wait(ctx context.Context) (int32, error) {
	select {
	case payload := <-w.c:
		return payload, nil
	case <-ctx.Done():
		w.Cancel()
		return 0, ctx.Err()
	}
}

// Cancel removes the Interest from its handle's waiter set without leaking
// storage, for callers that register interest but decide not to wait (or
// whose context is canceled). Safe to call after the Interest has already
// fired; a no-op in that case.
func (w *Interest) Cancel() {
	w.q.mu.Lock()
	defer w.q.mu.Unlock()
	if reg, ok := w.q.regs[w.h]; ok {
		delete(reg.waiters, w)
	}
}

// Wait is a convenience wrapper equivalent to NewInterest followed
// immediately by Wait. It is race-prone by construction (there is no
// opportunity to sample state between registration and blocking) and is
// intended for call sites with no state to race against, such as tests.
// Production suspension points (pipe read,
// pipe write) use NewInterest directly so they can recheck buffer state
// after registering.
func (q *Queue) Wait(ctx context.Context, h handle.Handle) (int32, error) {
	in, err := q.NewInterest(h)
	if err != nil {
		return 0, err
	}
	return in.Wait(ctx)
}

// Subscribe registers a long-lived receiver on h with the given buffered
// capacity. Every Notify for h is try-sent to the subscription's channel;
// if the channel is full the delivery is dropped and Overflowed() becomes
// readable, surfacing the drop as a first-class signal rather than a
// silent loss.
func (q *Queue) Subscribe(h handle.Handle, capacity int, debugHint string) (*Subscription, error) {
	q.mu.Lock()
	if _, known := q.known[h]; !known {
		q.mu.Unlock()
		return nil, errs.NewQueueError("subscribe", "handle was never registered")
	}
	reg, ok := q.regs[h]
	if !ok {
		q.mu.Unlock()
		return nil, errs.NewQueueError("subscribe", "handle was unregistered")
	}
	if len(reg.subs) >= q.maxSubscribers {
		q.mu.Unlock()
		return nil, errs.NewQueueError("subscribe", "per-handle subscriber limit exceeded")
	}
	if capacity < 1 {
		capacity = 1
	}
	s := &Subscription{
		q:          q,
		h:          h,
		c:          make(chan int32, capacity),
		overflowed: make(chan struct{}, 1),
	}
	_ = debugHint
	reg.subs[s] = struct{}{}
	q.mu.Unlock()
	return s, nil
}

// C returns the channel deliveries arrive on.
func (s *Subscription) C() <-chan int32 { return s.c }

// Overflowed returns a channel that becomes readable the first time a
// delivery is dropped because the subscription's buffer was full. It is
// closed (not just sent-to) so a single read unblocks every observer.
func (s *Subscription) Overflowed() <-chan struct{} { return s.overflowed }

// Close unregisters the subscription, so it stops receiving future
// deliveries. Idempotent; safe to call concurrently with Notify.
func (s *Subscription) Close() {
	s.q.mu.Lock()
	if reg, ok := s.q.regs[s.h]; ok {
		delete(reg.subs, s)
	}
	s.q.mu.Unlock()
}

// markOverflowed records a dropped delivery by closing the overflow
// channel exactly once, so every observer of Overflowed() unblocks on a
// single read regardless of how many times overflow recurs afterward.
func (s *Subscription) markOverflowed() {
	s.overflowOnce.Do(func() { close(s.overflowed) })
}

func snapshotWaiters(reg *registration) []*Interest {
	out := make([]*Interest, 0, len(reg.waiters))
	for w := range reg.waiters {
		out = append(out, w)
	}
	return out
}

func snapshotSubs(reg *registration) []*Subscription {
	out := make([]*Subscription, 0, len(reg.subs))
	for s := range reg.subs {
		out = append(out, s)
	}
	return out
}

func trySend(c chan int32, payload int32) bool {
	select {
	case c <- payload:
		return true
	default:
		return false
	}
}
