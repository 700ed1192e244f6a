// Package health keeps pipeline counters and periodically samples process
// and pipeline gauges. It never blocks or fails the jobs it observes.
package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"roster-sync/internal/ws"

	"github.com/rs/zerolog"
)

const emaWeight = 0.1

// Gauges reports the live pipeline figures sampled on each tick.
type Gauges interface {
	ActiveConnections() int
	QueueDepth() int
	ActiveJobs() int
}

// GaugeFuncs adapts plain functions to Gauges. Nil funcs report zero.
type GaugeFuncs struct {
	Connections func() int
	Queue       func() int
	Jobs        func() int
}

func (g GaugeFuncs) ActiveConnections() int { return call(g.Connections) }
func (g GaugeFuncs) QueueDepth() int        { return call(g.Queue) }
func (g GaugeFuncs) ActiveJobs() int        { return call(g.Jobs) }

func call(f func() int) int {
	if f == nil {
		return 0
	}
	return f()
}

type Snapshot struct {
	WorkerID          int       `json:"worker_id"`
	TotalJobs         int64     `json:"total_jobs"`
	SuccessfulJobs    int64     `json:"successful_jobs"`
	FailedJobs        int64     `json:"failed_jobs"`
	AvgLatencyMS      float64   `json:"avg_latency_ms"`
	MemoryBytes       uint64    `json:"memory_bytes"`
	ActiveConnections int       `json:"active_connections"`
	QueueDepth        int       `json:"queue_depth"`
	ActiveJobs        int       `json:"active_jobs"`
	SampledAt         time.Time `json:"sampled_at"`
}

type Monitor struct {
	workerID int
	interval time.Duration
	gauges   Gauges
	events   ws.Publisher
	log      zerolog.Logger
	memory   func() uint64

	mu      sync.RWMutex
	total   int64
	success int64
	failed  int64
	avg     float64
	seeded  bool
	last    Snapshot
}

func NewMonitor(workerID int, interval time.Duration, gauges Gauges, events ws.Publisher, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if gauges == nil {
		gauges = GaugeFuncs{}
	}
	if events == nil {
		events = ws.Nop
	}
	return &Monitor{
		workerID: workerID,
		interval: interval,
		gauges:   gauges,
		events:   events,
		log:      log,
		memory:   heapInUse,
	}
}

// RecordJob counts a settled job and folds its latency into the moving
// average. The first sample seeds the average.
func (m *Monitor) RecordJob(success bool, latency time.Duration) {
	if m == nil {
		return
	}
	ms := float64(latency) / float64(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	if success {
		m.success++
	} else {
		m.failed++
	}
	if !m.seeded {
		m.avg = ms
		m.seeded = true
		return
	}
	m.avg = (1-emaWeight)*m.avg + emaWeight*ms
}

// Snapshot returns the counters merged with the most recent gauge sample.
func (m *Monitor) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.last
	s.WorkerID = m.workerID
	s.TotalJobs = m.total
	s.SuccessfulJobs = m.success
	s.FailedJobs = m.failed
	s.AvgLatencyMS = m.avg
	return s
}

// Run samples every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m == nil {
		return
	}
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Tick()
		}
	}
}

// Tick takes one sample, logs it and publishes it.
func (m *Monitor) Tick() {
	snap, err := m.sample()
	if err != nil {
		m.log.Error().Err(err).Msg("health sample failed")
		return
	}
	m.log.Info().
		Int64("total_jobs", snap.TotalJobs).
		Int64("successful_jobs", snap.SuccessfulJobs).
		Int64("failed_jobs", snap.FailedJobs).
		Float64("avg_latency_ms", snap.AvgLatencyMS).
		Uint64("memory_bytes", snap.MemoryBytes).
		Int("active_connections", snap.ActiveConnections).
		Int("queue_depth", snap.QueueDepth).
		Int("active_jobs", snap.ActiveJobs).
		Msg("health")
	m.events.Publish(ws.EventHealth, snap)
}

func (m *Monitor) sample() (snap Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during sample: %v", r)
		}
	}()
	g := Snapshot{
		MemoryBytes:       m.memory(),
		ActiveConnections: m.gauges.ActiveConnections(),
		QueueDepth:        m.gauges.QueueDepth(),
		ActiveJobs:        m.gauges.ActiveJobs(),
		SampledAt:         time.Now().UTC(),
	}
	m.mu.Lock()
	m.last = g
	m.mu.Unlock()
	return m.Snapshot(), nil
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
