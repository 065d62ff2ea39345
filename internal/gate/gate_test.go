package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestAcquireRelease(t *testing.T) {
	g := New(2, 0)
	assert.Equal(t, 2, g.Capacity())

	r1, err := g.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, g.InUse())

	_, ok := g.TryAcquire()
	assert.False(t, ok)

	r1()
	r1()
	assert.Equal(t, 1, g.InUse(), "double release must free one slot")

	r3, ok := g.TryAcquire()
	require.True(t, ok)
	r2()
	r3()
	assert.Equal(t, 0, g.InUse())
}

func TestDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0, 0).Capacity())
	assert.Equal(t, time.Duration(0), New(1, -time.Second).WaitCeiling())
}

func TestWaitCeiling(t *testing.T) {
	g := New(1, 30*time.Millisecond)
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = g.Acquire(context.Background())
	assert.True(t, errors.Is(err, ErrResourceExhausted))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestAcquireCanceled(t *testing.T) {
	g := New(1, time.Minute)
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err = g.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrResourceExhausted))
}

func TestAcquireDoneContextTakesNoSlot(t *testing.T) {
	g := New(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, g.InUse())
}

func TestQueuedWaiterGetsSlot(t *testing.T) {
	g := New(1, 0)
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		r, err := g.Acquire(context.Background())
		if err == nil {
			r()
		}
		got <- err
	}()

	time.Sleep(10 * time.Millisecond)
	release()
	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued waiter never acquired the slot")
	}
}

func TestNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	g := New(capacity, 0)

	var (
		mu       sync.Mutex
		observed []int
	)
	g.Observe(func(n int) {
		mu.Lock()
		observed = append(observed, n)
		mu.Unlock()
	})

	var running, peak atomic.Int64
	var eg errgroup.Group
	for i := 0; i < 20; i++ {
		eg.Go(func() error {
			release, err := g.Acquire(context.Background())
			if err != nil {
				return err
			}
			defer release()

			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	assert.LessOrEqual(t, peak.Load(), int64(capacity))
	assert.Equal(t, 0, g.InUse())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, observed, 40)
	for _, n := range observed {
		assert.LessOrEqual(t, n, capacity)
		assert.GreaterOrEqual(t, n, 0)
	}
}
