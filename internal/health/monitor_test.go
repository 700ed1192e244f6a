package health

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type events struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (e *events) Publish(_ string, d any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := d.(Snapshot); ok {
		e.snaps = append(e.snaps, s)
	}
}

func (e *events) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.snaps)
}

func TestRecordJob_EMA(t *testing.T) {
	m := NewMonitor(1, time.Second, nil, nil, zerolog.Nop())

	m.RecordJob(true, 1000*time.Millisecond)
	assert.InDelta(t, 1000, m.Snapshot().AvgLatencyMS, 0.001, "first sample seeds")

	m.RecordJob(false, 2000*time.Millisecond)
	assert.InDelta(t, 1100, m.Snapshot().AvgLatencyMS, 0.001)

	m.RecordJob(true, 100*time.Millisecond)
	assert.InDelta(t, 1000, m.Snapshot().AvgLatencyMS, 0.001)

	s := m.Snapshot()
	assert.Equal(t, int64(3), s.TotalJobs)
	assert.Equal(t, int64(2), s.SuccessfulJobs)
	assert.Equal(t, int64(1), s.FailedJobs)
	assert.Equal(t, 1, s.WorkerID)
}

func TestTick_SamplesGaugesAndPublishes(t *testing.T) {
	ev := &events{}
	m := NewMonitor(0, time.Second, GaugeFuncs{
		Connections: func() int { return 4 },
		Queue:       func() int { return 7 },
		Jobs:        func() int { return 2 },
	}, ev, zerolog.Nop())
	m.memory = func() uint64 { return 42 << 20 }
	m.RecordJob(true, time.Second)

	m.Tick()

	require.Equal(t, 1, ev.count())
	s := ev.snaps[0]
	assert.Equal(t, 4, s.ActiveConnections)
	assert.Equal(t, 7, s.QueueDepth)
	assert.Equal(t, 2, s.ActiveJobs)
	assert.Equal(t, uint64(42<<20), s.MemoryBytes)
	assert.Equal(t, int64(1), s.TotalJobs)
	assert.Equal(t, s, m.Snapshot())
}

func TestTick_RecoversFromPanickingGauge(t *testing.T) {
	var buf bytes.Buffer
	ev := &events{}
	m := NewMonitor(0, time.Second, GaugeFuncs{
		Queue: func() int { panic("queue gone") },
	}, ev, zerolog.New(&buf))

	assert.NotPanics(t, m.Tick)
	assert.Equal(t, 0, ev.count())
	assert.Contains(t, buf.String(), "health sample failed")

	// counters keep working
	m.RecordJob(true, time.Millisecond)
	assert.Equal(t, int64(1), m.Snapshot().TotalJobs)
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	ev := &events{}
	m := NewMonitor(0, 10*time.Millisecond, nil, ev, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return ev.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
