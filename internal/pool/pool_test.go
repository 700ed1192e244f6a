package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id     int
	closed atomic.Bool
}

func newTestPool(t *testing.T, max int) (*Pool[*fakeClient], *atomic.Int32) {
	t.Helper()
	var created atomic.Int32
	p, err := New(Options[*fakeClient]{
		Max: max,
		New: func(ctx context.Context) (*fakeClient, error) {
			return &fakeClient{id: int(created.Add(1))}, nil
		},
		Close: func(ctx context.Context, c *fakeClient) error {
			c.closed.Store(true)
			return nil
		},
		Healthy: func(c *fakeClient) bool { return !c.closed.Load() },
	})
	require.NoError(t, err)
	return p, &created
}

func TestAcquire_ReusesIdleClient(t *testing.T) {
	p, created := newTestPool(t, 2)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(c1)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.EqualValues(t, 1, created.Load())
}

func TestAcquire_WaitsAtLimitUntilRelease(t *testing.T) {
	p, created := newTestPool(t, 1)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *fakeClient, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err == nil {
			got <- c
		}
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-got:
		t.Fatal("waiter served before release")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(c1)
	select {
	case c := <-got:
		assert.Same(t, c1, c)
	case <-time.After(time.Second):
		t.Fatal("waiter not served after release")
	}
	assert.EqualValues(t, 1, created.Load())
}

func TestRelease_ServesWaitersFIFO(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	order := make(chan int, 2)
	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			c, err := p.Acquire(ctx)
			if err != nil {
				return
			}
			order <- i
			p.Release(c)
		}()
		require.Eventually(t, func() bool { return p.Stats().Waiting == i }, time.Second, 5*time.Millisecond)
	}

	p.Release(held)
	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
}

func TestAcquire_NeverExceedsMax(t *testing.T) {
	const max = 3
	p, created := newTestPool(t, max)

	var inUse, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Execute(context.Background(), func(ctx context.Context, c *fakeClient) error {
				n := inUse.Add(1)
				for {
					cur := peak.Load()
					if n <= cur || peak.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inUse.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(max))
	assert.LessOrEqual(t, created.Load(), int32(max))
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestAcquire_ContextCancelledWhileWaiting(t *testing.T) {
	p, _ := newTestPool(t, 1)
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Stats().Waiting)

	p.Release(held)
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestExecute_ReleasesOnError(t *testing.T) {
	p, _ := newTestPool(t, 1)
	boom := errors.New("boom")

	err := p.Execute(context.Background(), func(ctx context.Context, c *fakeClient) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	st := p.Stats()
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, 0, st.InUse)
}

func TestExecute_DiscardsOnPanic(t *testing.T) {
	p, created := newTestPool(t, 1)

	assert.Panics(t, func() {
		_ = p.Execute(context.Background(), func(ctx context.Context, c *fakeClient) error {
			panic("driver exploded")
		})
	})
	assert.Equal(t, 0, p.Stats().Live)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, c.id)
	assert.EqualValues(t, 2, created.Load())
}

func TestRelease_DiscardsUnhealthy(t *testing.T) {
	p, _ := newTestPool(t, 1)
	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	c.closed.Store(true)
	p.Release(c)
	assert.Equal(t, 0, p.Stats().Live)
}

func TestAcquire_FactoryErrorFreesSlot(t *testing.T) {
	calls := 0
	p, err := New(Options[int]{
		Max: 1,
		New: func(ctx context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, errors.New("refused")
			}
			return calls, nil
		},
	})
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, p.Stats().Live)

	v, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestClose_FailsWaiters(t *testing.T) {
	p, _ := newTestPool(t, 1)
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, <-errCh, ErrClosed)

	p.Release(held)
	assert.True(t, held.closed.Load())
	assert.Equal(t, 0, p.Stats().Live)
}
