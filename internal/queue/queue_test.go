package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roster-sync/internal/source"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func src(id string) source.Source { return source.Source{ID: id} }

func TestQueue_PriorityOrderStable(t *testing.T) {
	q := New()
	require.True(t, q.Enqueue(src("c"), 2))
	require.True(t, q.Enqueue(src("a"), 1))
	require.True(t, q.Enqueue(src("d"), 2))
	require.True(t, q.Enqueue(src("b"), 1))
	require.True(t, q.Enqueue(src("z"), 0))

	assert.Equal(t, []string{"z", "a", "b", "c", "d"}, q.Pending())
}

func TestQueue_DedupesPendingAndInFlight(t *testing.T) {
	q := New()
	require.True(t, q.Enqueue(src("a"), 1))
	assert.False(t, q.Enqueue(src("a"), 0), "already pending")

	jobs := q.takeAll()
	require.Len(t, jobs, 1)
	assert.False(t, q.Enqueue(src("a"), 1), "still in flight")

	q.settle("a")
	assert.True(t, q.Enqueue(src("a"), 1))
}

type trace struct {
	mu     sync.Mutex
	events []string
}

func (tr *trace) add(e string) {
	tr.mu.Lock()
	tr.events = append(tr.events, e)
	tr.mu.Unlock()
}

func (tr *trace) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

func TestScheduler_MaxConcurrentOneSerializesBatches(t *testing.T) {
	q := New()
	tr := &trace{}
	var s *Scheduler
	s = NewScheduler(q, func(ctx context.Context, j Job) error {
		tr.add("start " + j.Source.ID)
		assert.Equal(t, 1, s.ActiveBatches())
		time.Sleep(30 * time.Millisecond)
		tr.add("end " + j.Source.ID)
		return nil
	}, Options{MaxConcurrent: 1, BatchSize: 1}, zerolog.Nop())

	q.Enqueue(src("second"), 2)
	q.Enqueue(src("first"), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Drain(ctx)
	require.NoError(t, s.Wait(ctx))

	assert.Equal(t, []string{"start first", "end first", "start second", "end second"}, tr.get())
	assert.Equal(t, 0, s.ActiveBatches())
	assert.Equal(t, 0, s.ActiveJobs())
}

func TestScheduler_JobsInBatchRunConcurrently(t *testing.T) {
	q := New()
	release := make(chan struct{})
	started := make(chan string, 2)

	s := NewScheduler(q, func(ctx context.Context, j Job) error {
		started <- j.Source.ID
		<-release
		return nil
	}, Options{MaxConcurrent: 1, BatchSize: 2}, zerolog.Nop())

	q.Enqueue(src("a"), 1)
	q.Enqueue(src("b"), 1)
	ctx := context.Background()
	s.Drain(ctx)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-started:
			got[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("batch siblings did not start together")
		}
	}
	assert.Equal(t, 2, s.ActiveJobs())
	close(release)
	require.NoError(t, s.Wait(ctx))
	assert.Len(t, got, 2)
}

func TestScheduler_FailureDoesNotCancelSiblings(t *testing.T) {
	q := New()
	var mu sync.Mutex
	outcome := map[string]string{}

	s := NewScheduler(q, func(ctx context.Context, j Job) error {
		if j.Source.ID == "broken" {
			mu.Lock()
			outcome["broken"] = "error"
			mu.Unlock()
			return errors.New("failed after 3 attempts")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		mu.Lock()
		outcome[j.Source.ID] = "success"
		mu.Unlock()
		return nil
	}, Options{MaxConcurrent: 2, BatchSize: 3}, zerolog.Nop())

	q.Enqueue(src("broken"), 0)
	q.Enqueue(src("ok1"), 1)
	q.Enqueue(src("ok2"), 1)

	ctx := context.Background()
	s.Drain(ctx)
	require.NoError(t, s.Wait(ctx))

	assert.Equal(t, map[string]string{"broken": "error", "ok1": "success", "ok2": "success"}, outcome)
	finished, failed := s.Counts()
	assert.Equal(t, int64(3), finished)
	assert.Equal(t, int64(1), failed)
}

func TestScheduler_PanicIsContained(t *testing.T) {
	q := New()
	s := NewScheduler(q, func(ctx context.Context, j Job) error {
		if j.Source.ID == "bad" {
			panic("nil selector")
		}
		return nil
	}, Options{MaxConcurrent: 1, BatchSize: 2}, zerolog.Nop())

	q.Enqueue(src("bad"), 0)
	q.Enqueue(src("good"), 0)
	s.Drain(context.Background())
	require.NoError(t, s.Wait(context.Background()))

	_, failed := s.Counts()
	assert.Equal(t, int64(1), failed)
	assert.True(t, q.Enqueue(src("bad"), 0), "panicked job releases its source")
}

func TestScheduler_CeilingAndPriorityStartOrder(t *testing.T) {
	q := New()
	tr := &trace{}
	var mu sync.Mutex
	peak := 0
	var s *Scheduler
	s = NewScheduler(q, func(ctx context.Context, j Job) error {
		tr.add(j.Source.ID)
		mu.Lock()
		if n := s.ActiveBatches(); n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return nil
	}, Options{MaxConcurrent: 2, BatchSize: 1}, zerolog.Nop())

	for _, id := range []string{"p3", "p0", "p2", "p1", "p4"} {
		q.Enqueue(src(id), int(id[1]-'0'))
	}
	ctx := context.Background()
	s.Drain(ctx)
	require.NoError(t, s.Wait(ctx))

	assert.LessOrEqual(t, peak, 2)
	events := tr.get()
	require.Len(t, events, 5)
	assert.ElementsMatch(t, []string{"p0", "p1"}, events[:2])
}

func TestScheduler_WaitPicksUpLateEnqueues(t *testing.T) {
	q := New()
	var s *Scheduler
	var once sync.Once
	tr := &trace{}
	s = NewScheduler(q, func(ctx context.Context, j Job) error {
		tr.add(j.Source.ID)
		once.Do(func() { q.Enqueue(src("late"), 9) })
		return nil
	}, Options{MaxConcurrent: 1, BatchSize: 1}, zerolog.Nop())

	q.Enqueue(src("early"), 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Drain(ctx)
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, []string{"early", "late"}, tr.get())
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_WaitHonoursContext(t *testing.T) {
	q := New()
	block := make(chan struct{})
	defer close(block)
	s := NewScheduler(q, func(ctx context.Context, j Job) error {
		<-block
		return nil
	}, Options{}, zerolog.Nop())

	q.Enqueue(src("stuck"), 0)
	s.Drain(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}
