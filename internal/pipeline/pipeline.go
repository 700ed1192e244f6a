// Package pipeline assembles one worker process's ingestion pipeline: queue,
// scheduler, retry controller, persister, run logger and health monitor.
// Nothing here is shared between worker processes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roster-sync/internal/cache"
	"roster-sync/internal/database"
	"roster-sync/internal/health"
	"roster-sync/internal/logging"
	"roster-sync/internal/queue"
	"roster-sync/internal/retry"
	"roster-sync/internal/runlog"
	"roster-sync/internal/schedule"
	"roster-sync/internal/scraper"
	"roster-sync/internal/source"
	"roster-sync/internal/ws"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Executor lends data-store clients and reports how many are checked out.
type Executor interface {
	Execute(ctx context.Context, fn func(ctx context.Context, c database.Conn) error) error
	ActiveConnections() int
}

type Deps struct {
	Sources func() []source.Source
	Scraper scraper.Scraper
	DB      Executor
	Cache   *cache.Cache
	Events  ws.Publisher
	Log     zerolog.Logger
	// Sleeper overrides the retry controller's waits.
	Sleeper retry.Sleeper
	// Closers run on Close after the scheduler has drained.
	Closers []func(ctx context.Context) error
}

type Options struct {
	WorkerID         int
	MaxConcurrent    int
	BatchSize        int
	PersistBatchSize int
	Retry            retry.Options
	HealthInterval   time.Duration
}

// Summary is the outcome of one pass over the sources.
type Summary struct {
	RunID    uuid.UUID     `json:"run_id"`
	Enqueued int           `json:"enqueued"`
	Success  int           `json:"success"`
	Partial  int           `json:"partial"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

type run struct {
	mu      sync.Mutex
	id      uuid.UUID
	summary Summary
}

func (r *run) record(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch status {
	case runlog.StatusSuccess:
		r.summary.Success++
	case runlog.StatusPartial:
		r.summary.Partial++
	default:
		r.summary.Failed++
	}
}

type Pipeline struct {
	workerID  int
	sources   func() []source.Source
	queue     *queue.Queue
	scheduler *queue.Scheduler
	retry     *retry.Controller
	persister *schedule.Persister
	runlog    *runlog.Logger
	monitor   *health.Monitor
	closers   []func(ctx context.Context) error
	log       zerolog.Logger

	runMu   sync.Mutex
	current *run
	last    Summary
}

func New(d Deps, opts Options) (*Pipeline, error) {
	if d.Sources == nil {
		return nil, fmt.Errorf("nil source list")
	}
	if d.Scraper == nil {
		return nil, fmt.Errorf("nil scraper")
	}
	if d.DB == nil {
		return nil, fmt.Errorf("nil data store")
	}
	if d.Events == nil {
		d.Events = ws.Nop
	}
	log := d.Log.With().Int("worker", opts.WorkerID).Logger()

	rc := retry.New(d.Scraper, d.Cache, opts.Retry, logging.Component(log, "retry"))
	if d.Sleeper != nil {
		rc.WithSleeper(d.Sleeper)
	}

	p := &Pipeline{
		workerID:  opts.WorkerID,
		sources:   d.Sources,
		queue:     queue.New(),
		retry:     rc,
		persister: schedule.NewPersister(d.DB, opts.PersistBatchSize, logging.Component(log, "persister")),
		runlog:    runlog.New(d.DB, d.Events, logging.Component(log, "runlog")),
		closers:   d.Closers,
		log:       logging.Component(log, "pipeline"),
	}
	p.scheduler = queue.NewScheduler(p.queue, p.runJob, queue.Options{
		MaxConcurrent: opts.MaxConcurrent,
		BatchSize:     opts.BatchSize,
	}, logging.Component(log, "scheduler"))
	p.monitor = health.NewMonitor(opts.WorkerID, opts.HealthInterval, health.GaugeFuncs{
		Connections: d.DB.ActiveConnections,
		Queue:       p.queue.Len,
		Jobs:        p.scheduler.ActiveJobs,
	}, d.Events, logging.Component(log, "health"))
	return p, nil
}

// Start runs the health monitor until ctx is done.
func (p *Pipeline) Start(ctx context.Context) {
	go p.monitor.Run(ctx)
}

// RunOnce enqueues every source, drains the queue and waits for all jobs to
// settle. Per-source failures are recorded, not returned; the error is
// non-nil only when ctx ends the pass early.
func (p *Pipeline) RunOnce(ctx context.Context) (Summary, error) {
	start := time.Now()
	r := &run{id: uuid.New()}
	r.summary.RunID = r.id

	p.runMu.Lock()
	if p.current != nil {
		p.runMu.Unlock()
		return Summary{}, errors.New("a run is already in progress")
	}
	p.current = r
	p.runMu.Unlock()
	defer func() {
		p.runMu.Lock()
		p.current = nil
		p.runMu.Unlock()
	}()

	log := p.log.With().Str("run_id", r.id.String()).Logger()

	srcs := p.sources()
	enqueued := 0
	for _, s := range source.ByPriority(srcs) {
		if p.queue.Enqueue(s, s.Priority) {
			enqueued++
		}
	}
	log.Info().Int("sources", len(srcs)).Int("enqueued", enqueued).Msg("run started")

	p.scheduler.Drain(ctx)
	err := p.scheduler.Wait(ctx)

	r.mu.Lock()
	r.summary.Enqueued = enqueued
	r.summary.Duration = time.Since(start)
	sum := r.summary
	r.mu.Unlock()

	p.runMu.Lock()
	p.last = sum
	p.runMu.Unlock()

	log.Info().
		Int("success", sum.Success).
		Int("partial", sum.Partial).
		Int("failed", sum.Failed).
		Dur("duration", sum.Duration).
		Msg("run finished")
	if err != nil {
		return sum, fmt.Errorf("run %s interrupted: %w", r.id, err)
	}
	return sum, nil
}

func (p *Pipeline) runJob(ctx context.Context, job queue.Job) error {
	start := time.Now()
	r := p.currentRun()

	var (
		res  schedule.Result
		hit  bool
		rows []scraper.RawRow
	)
	out, err := p.retry.Run(ctx, job.Source)
	if err == nil {
		rows, hit = out.Rows, out.FromCache
		res, err = p.persister.Persist(ctx, job.Source, rows)
	}

	status := runlog.StatusFor(res, err)
	elapsed := time.Since(start)
	p.monitor.RecordJob(status != runlog.StatusError, elapsed)

	entry := runlog.Entry{
		WorkerID:  p.workerID,
		SourceID:  job.Source.ID,
		Status:    status,
		Processed: res.Processed,
		Inserted:  res.Inserted,
		Failed:    res.Failed,
		Duration:  elapsed,
		FromCache: hit,
	}
	if r != nil {
		entry.RunID = r.id
		r.record(status)
	}
	if err != nil {
		entry.Error = err.Error()
	}

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	p.runlog.Log(logCtx, entry)

	if status == runlog.StatusError {
		if err == nil {
			err = fmt.Errorf("no rows persisted for %s", job.Source.ID)
		}
		return err
	}
	return nil
}

func (p *Pipeline) currentRun() *run {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.current
}

func (p *Pipeline) Health() health.Snapshot { return p.monitor.Snapshot() }

// LastRun returns the summary of the most recently finished pass.
func (p *Pipeline) LastRun() Summary {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.last
}

func (p *Pipeline) Sources() []source.Source { return p.sources() }

func (p *Pipeline) WorkerID() int { return p.workerID }

// Close waits for in-flight jobs, bounded by ctx, then releases resources.
func (p *Pipeline) Close(ctx context.Context) error {
	var errs []error
	if err := p.scheduler.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for jobs: %w", err))
	}
	for _, c := range p.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
