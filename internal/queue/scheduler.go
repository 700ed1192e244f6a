package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize     = 2
	DefaultMaxConcurrent = 3
)

// RunFunc processes one job. Its error is reported, never propagated to
// other jobs.
type RunFunc func(ctx context.Context, job Job) error

type Options struct {
	MaxConcurrent int
	BatchSize     int
}

type Scheduler struct {
	q    *Queue
	run  RunFunc
	opts Options
	log  zerolog.Logger
	sem  chan struct{}

	mu       sync.Mutex
	draining bool
	active   int
	pending  int
	idle     chan struct{}
	isIdle   bool

	activeJobs atomic.Int64
	finished   atomic.Int64
	failed     atomic.Int64
}

func NewScheduler(q *Queue, run RunFunc, opts Options, log zerolog.Logger) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		q:      q,
		run:    run,
		opts:   opts,
		log:    log,
		sem:    make(chan struct{}, opts.MaxConcurrent),
		idle:   idle,
		isIdle: true,
	}
}

// Drain takes everything queued and dispatches it as batches in priority
// order. It returns at once; batches start as the concurrency ceiling
// allows. Drain is a no-op while a previous drain is still dispatching or
// when every batch slot is busy.
func (s *Scheduler) Drain(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	if s.draining || s.active >= s.opts.MaxConcurrent {
		s.mu.Unlock()
		return
	}
	jobs := s.q.takeAll()
	if len(jobs) == 0 {
		s.mu.Unlock()
		return
	}
	batches := split(jobs, s.opts.BatchSize)
	s.draining = true
	s.pending += len(batches)
	s.markBusy()
	s.mu.Unlock()

	s.log.Debug().Int("jobs", len(jobs)).Int("batches", len(batches)).Msg("draining queue")
	go s.dispatch(ctx, batches)
}

func (s *Scheduler) dispatch(ctx context.Context, batches [][]Job) {
	defer func() {
		s.mu.Lock()
		s.draining = false
		s.markIdleIfDone()
		s.mu.Unlock()
	}()

	for i, b := range batches {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			for _, rest := range batches[i:] {
				s.abandon(rest, ctx.Err())
			}
			return
		}
		s.mu.Lock()
		s.active++
		s.mu.Unlock()
		go s.runBatch(ctx, b)
	}
}

func (s *Scheduler) runBatch(ctx context.Context, batch []Job) {
	defer func() {
		<-s.sem
		s.mu.Lock()
		s.active--
		s.pending--
		s.markIdleIfDone()
		s.mu.Unlock()
		s.Drain(ctx)
	}()

	var g errgroup.Group
	for _, job := range batch {
		g.Go(func() error {
			s.activeJobs.Add(1)
			defer s.activeJobs.Add(-1)
			err := s.safeRun(ctx, job)
			s.q.settle(job.Source.ID)
			s.finished.Add(1)
			if err != nil {
				s.failed.Add(1)
				s.log.Debug().Err(err).Str("source", job.Source.ID).Msg("job failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("source", job.Source.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("job panicked")
			err = fmt.Errorf("job %s panicked: %v", job.Source.ID, r)
		}
	}()
	return s.run(ctx, job)
}

func (s *Scheduler) abandon(batch []Job, cause error) {
	for _, job := range batch {
		s.q.settle(job.Source.ID)
		s.log.Warn().Err(cause).Str("source", job.Source.ID).Msg("job not started")
	}
	s.mu.Lock()
	s.pending--
	s.mu.Unlock()
}

// Wait blocks until the queue is empty and no batch is scheduled or
// running.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.isIdle {
			s.mu.Unlock()
			if s.q.Len() == 0 {
				return nil
			}
			s.Drain(ctx)
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		ch := s.idle
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// markBusy and markIdleIfDone require s.mu.
func (s *Scheduler) markBusy() {
	if s.isIdle {
		s.idle = make(chan struct{})
		s.isIdle = false
	}
}

func (s *Scheduler) markIdleIfDone() {
	if !s.isIdle && !s.draining && s.pending == 0 {
		close(s.idle)
		s.isIdle = true
	}
}

func (s *Scheduler) Len() int { return s.q.Len() }

func (s *Scheduler) ActiveBatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) ActiveJobs() int { return int(s.activeJobs.Load()) }

// Counts returns settled and failed job totals since start.
func (s *Scheduler) Counts() (finished, failed int64) {
	return s.finished.Load(), s.failed.Load()
}

func split(jobs []Job, size int) [][]Job {
	out := make([][]Job, 0, (len(jobs)+size-1)/size)
	for start := 0; start < len(jobs); start += size {
		end := start + size
		if end > len(jobs) {
			end = len(jobs)
		}
		out = append(out, jobs[start:end])
	}
	return out
}
