package bpipe_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailets-dev/ailets-go/bpipe"
	"github.com/ailets-dev/ailets-go/handle"
	"github.com/ailets-dev/ailets-go/notify"
)

func newPipe(t *testing.T) (*bpipe.Pipe, *notify.Queue, *handle.Allocator) {
	t.Helper()
	q := notify.New()
	alloc := handle.NewAllocator()
	p := bpipe.New(q, alloc.Next(), alloc.Next(), "test-pipe", 0)
	return p, q, alloc
}

func TestValueNodeRoundTrip(t *testing.T) {
	p, _, alloc := newPipe(t)
	ctx := context.Background()

	n, err := p.Write(ctx, []byte("Hello!"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	require.NoError(t, p.Close())

	r := p.Open(alloc.Next())
	buf := make([]byte, 64)
	n, err = r.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", string(buf[:n]))

	n, err = r.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n) // end-of-stream
}

func TestZeroByteWriteStillNotifies(t *testing.T) {
	p, q, alloc := newPipe(t)
	ctx := context.Background()
	_ = alloc

	in, err := q.NewInterest(p.WriterID)
	require.NoError(t, err)

	n, err := p.Write(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = in.Wait(waitCtx)
	assert.NoError(t, err, "zero-byte write must still notify")
}

func TestWriteAfterCloseIsError(t *testing.T) {
	p, _, _ := newPipe(t)
	ctx := context.Background()
	require.NoError(t, p.Close())
	_, err := p.Write(ctx, []byte("x"))
	require.Error(t, err)
}

func TestDoubleCloseIsError(t *testing.T) {
	p, _, _ := newPipe(t)
	require.NoError(t, p.Close())
	require.Error(t, p.Close())
}

// TestLateJoinEquivalence checks that readers attached after close drain
// the full buffer, identically regardless of when they attached.
func TestLateJoinEquivalence(t *testing.T) {
	p, _, alloc := newPipe(t)
	ctx := context.Background()

	early := p.Open(alloc.Next())

	_, err := p.Write(ctx, []byte("abc"))
	require.NoError(t, err)
	_, err = p.Write(ctx, []byte("def"))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	late := p.Open(alloc.Next())

	drain := func(r *bpipe.Reader) string {
		var out []byte
		buf := make([]byte, 2)
		for {
			n, err := r.Read(ctx, buf)
			require.NoError(t, err)
			if n == 0 {
				break
			}
			out = append(out, buf[:n]...)
		}
		return string(out)
	}

	assert.Equal(t, "abcdef", drain(early))
	assert.Equal(t, "abcdef", drain(late))
}

// TestStreamingVisibility checks that a reader blocked on an
// empty pipe observes bytes as soon as they are written, without waiting
// for the writer to close.
func TestStreamingVisibility(t *testing.T) {
	p, _, alloc := newPipe(t)
	ctx := context.Background()
	r := p.Open(alloc.Next())

	readDone := make(chan string, 1)
	go func() {
		buf := make([]byte, 4)
		n, err := r.Read(ctx, buf)
		require.NoError(t, err)
		readDone <- string(buf[:n])
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := p.Write(ctx, []byte("abcd"))
	require.NoError(t, err)

	select {
	case got := <-readDone:
		assert.Equal(t, "abcd", got)
	case <-time.After(time.Second):
		t.Fatal("reader never observed the first write")
	}
}

func TestPoisonedReaderSeesEndOfStreamAndFlag(t *testing.T) {
	p, _, alloc := newPipe(t)
	ctx := context.Background()
	r := p.Open(alloc.Next())

	p.Poison()

	buf := make([]byte, 4)
	n, err := r.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, p.Poisoned())
}

func TestSoftCapBlocksWriterUntilReaderAdvances(t *testing.T) {
	q := notify.New()
	alloc := handle.NewAllocator()
	p := bpipe.New(q, alloc.Next(), alloc.Next(), "capped", 4)
	ctx := context.Background()
	r := p.Open(alloc.Next())

	writeDone := make(chan error, 1)
	go func() {
		_, err := p.Write(ctx, []byte("abcdefgh")) // exceeds cap of 4
		writeDone <- err
	}()

	select {
	case <-writeDone:
		t.Fatal("writer should have blocked on the soft cap")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 8)
	n, err := r.Read(ctx, buf)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	select {
	case err := <-writeDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("writer never unblocked after reader advanced")
	}
}
