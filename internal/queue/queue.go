// Package queue orders per-source jobs by priority and runs them in
// fixed-size batches under a concurrency ceiling.
package queue

import (
	"sort"
	"sync"
	"time"

	"roster-sync/internal/source"
)

// Job is one pending scrape of a source.
type Job struct {
	Source     source.Source
	Priority   int
	EnqueuedAt time.Time
	seq        uint64
}

// Queue keeps jobs ascending by priority, insertion order among equals. A
// source is held at most once, from Enqueue until its job settles.
type Queue struct {
	mu    sync.Mutex
	jobs  []Job
	seq   uint64
	held  map[string]struct{}
	clock func() time.Time
}

func New() *Queue {
	return &Queue{held: make(map[string]struct{}), clock: time.Now}
}

// Enqueue reports false when src is already pending or in flight.
func (q *Queue) Enqueue(src source.Source, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.held[src.ID]; ok {
		return false
	}
	q.held[src.ID] = struct{}{}
	q.seq++
	j := Job{Source: src, Priority: priority, EnqueuedAt: q.clock(), seq: q.seq}

	at := sort.Search(len(q.jobs), func(i int) bool { return q.jobs[i].Priority > priority })
	q.jobs = append(q.jobs, Job{})
	copy(q.jobs[at+1:], q.jobs[at:])
	q.jobs[at] = j
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Pending returns the queued source ids in run order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.jobs))
	for i, j := range q.jobs {
		out[i] = j.Source.ID
	}
	return out
}

// takeAll empties the queue. Taken sources stay held until settle.
func (q *Queue) takeAll() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.jobs
	q.jobs = nil
	return out
}

func (q *Queue) settle(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.held, id)
}
