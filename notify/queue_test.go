package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailets-dev/ailets-go/handle"
	"github.com/ailets-dev/ailets-go/notify"
)

func TestNotifyWakesRegisteredWaiter(t *testing.T) {
	q := notify.New()
	h := handle.Handle(1)
	q.Register(h, "test")

	in, err := q.NewInterest(h)
	require.NoError(t, err)

	done := make(chan int32, 1)
	go func() {
		payload, err := in.Wait(context.Background())
		require.NoError(t, err)
		done <- payload
	}()

	time.Sleep(10 * time.Millisecond) // give the waiter time to block
	n, err := q.Notify(h, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case payload := <-done:
		assert.EqualValues(t, 42, payload)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

// TestNoLostWakeup checks that registering interest happens-before any
// sampled state check, so a Notify racing with registration is never lost.
func TestNoLostWakeup(t *testing.T) {
	q := notify.New()
	h := handle.Handle(7)
	q.Register(h, "wakeup")

	const iterations = 200
	var wg sync.WaitGroup
	for i := 0; i < iterations; i++ {
		in, err := q.NewInterest(h)
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Notify(h, 1)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err = in.Wait(ctx)
		cancel()
		require.NoError(t, err, "iteration %d: wakeup must not be lost", i)
	}
	wg.Wait()
}

func TestNotifyUnregisteredHandleIsError(t *testing.T) {
	q := notify.New()
	_, err := q.Notify(handle.Handle(99), 1)
	require.Error(t, err)
}

func TestNotifyAfterUnregisterIsNoop(t *testing.T) {
	q := notify.New()
	h := handle.Handle(3)
	q.Register(h, "t")
	q.Unregister(h)

	n, err := q.Notify(h, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWaiterCapExceeded(t *testing.T) {
	q := notify.NewWithLimits(1, 8)
	h := handle.Handle(5)
	q.Register(h, "cap")

	_, err := q.NewInterest(h)
	require.NoError(t, err)
	_, err = q.NewInterest(h)
	require.Error(t, err)
}

func TestCancelDoesNotLeak(t *testing.T) {
	q := notify.New()
	h := handle.Handle(9)
	q.Register(h, "cancel")

	in, err := q.NewInterest(h)
	require.NoError(t, err)
	in.Cancel()

	// Notify should see zero waiters now that Cancel removed the interest.
	n, err := q.Notify(h, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubscriptionOverflow(t *testing.T) {
	q := notify.New()
	h := handle.Handle(11)
	q.Register(h, "sub")

	sub, err := q.Subscribe(h, 1, "overflow-test")
	require.NoError(t, err)
	defer sub.Close()

	_, err = q.Notify(h, 1)
	require.NoError(t, err)
	_, err = q.Notify(h, 2) // channel full: this delivery overflows
	require.NoError(t, err)

	select {
	case <-sub.Overflowed():
	case <-time.After(time.Second):
		t.Fatal("expected overflow signal")
	}
}

func TestSubscriptionReceivesEveryNotifyUntilFull(t *testing.T) {
	q := notify.New()
	h := handle.Handle(13)
	q.Register(h, "sub2")

	sub, err := q.Subscribe(h, 4, "")
	require.NoError(t, err)
	defer sub.Close()

	for i := int32(1); i <= 4; i++ {
		_, err := q.Notify(h, i)
		require.NoError(t, err)
	}

	for i := int32(1); i <= 4; i++ {
		select {
		case got := <-sub.C():
			assert.Equal(t, i, got)
		case <-time.After(time.Second):
			t.Fatalf("missing delivery %d", i)
		}
	}
}
