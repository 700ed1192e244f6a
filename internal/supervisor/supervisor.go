// Package supervisor keeps a fixed set of worker processes alive. Each
// worker slot runs its own state machine:
//
//	starting -> running -> exited -> restarting -> starting ...
//	any state -> shutting-down -> stopped
//
// Any exit, clean or not, is followed by a restart after a jittered
// exponential backoff until the supervisor is shut down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"roster-sync/internal/ws"

	"github.com/rs/zerolog"
)

type State string

const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateExited       State = "exited"
	StateRestarting   State = "restarting"
	StateShuttingDown State = "shutting-down"
	StateStopped      State = "stopped"
)

// Worker is a started worker process.
type Worker interface {
	Pid() int
	// Wait blocks until the worker exits.
	Wait() error
	// Stop asks the worker to exit and forces it once ctx is done. Wait
	// returns after Stop returns.
	Stop(ctx context.Context) error
}

type Launcher interface {
	Start(ctx context.Context, id int) (Worker, error)
}

type Options struct {
	Workers      int
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	HealthyAfter time.Duration
	StopTimeout  time.Duration
	Notifier     Notifier
	Events       ws.Publisher
	Log          zerolog.Logger
}

// WorkerCount returns min(NumCPU, max), at least one.
func WorkerCount(max int) int {
	n := runtime.NumCPU()
	if max > 0 && max < n {
		n = max
	}
	if n < 1 {
		n = 1
	}
	return n
}

type WorkerStatus struct {
	ID         int       `json:"id"`
	State      State     `json:"state"`
	PID        int       `json:"pid,omitempty"`
	Restarts   int       `json:"restarts"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LastExitAt time.Time `json:"last_exit_at,omitempty"`
}

type Supervisor struct {
	launcher Launcher
	opts     Options
	log      zerolog.Logger

	mu    sync.Mutex
	slots []*WorkerStatus
}

func New(l Launcher, opts Options) (*Supervisor, error) {
	if l == nil {
		return nil, fmt.Errorf("nil launcher")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.HealthyAfter <= 0 {
		opts.HealthyAfter = 30 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Events == nil {
		opts.Events = ws.Nop
	}
	s := &Supervisor{launcher: l, opts: opts, log: opts.Log}
	for i := 0; i < opts.Workers; i++ {
		s.slots = append(s.slots, &WorkerStatus{ID: i, State: StateStarting})
	}
	return s, nil
}

// Run supervises every worker until ctx is done, then stops them all and
// returns once each has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, sl := range s.slots {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.supervise(ctx, id)
		}(sl.ID)
	}

	s.opts.Notifier.Notify(NotifyReady)
	s.log.Info().Int("workers", len(s.slots)).Msg("supervisor ready")

	stopWatchdog := s.watchdog(ctx)

	<-ctx.Done()
	s.opts.Notifier.Notify(NotifyStopping)
	s.log.Info().Msg("supervisor shutting down")
	wg.Wait()
	stopWatchdog()
	s.log.Info().Msg("all workers stopped")
	return nil
}

func (s *Supervisor) supervise(ctx context.Context, id int) {
	log := s.log.With().Int("worker", id).Logger()
	backoff := s.opts.MinBackoff

	for {
		if ctx.Err() != nil {
			s.update(id, func(w *WorkerStatus) { w.State = StateStopped })
			return
		}

		s.update(id, func(w *WorkerStatus) { w.State = StateStarting; w.PID = 0 })
		startedAt := time.Now()
		worker, err := s.launcher.Start(ctx, id)
		if err == nil {
			s.update(id, func(w *WorkerStatus) {
				w.State = StateRunning
				w.PID = worker.Pid()
				w.StartedAt = startedAt
			})
			log.Info().Int("pid", worker.Pid()).Msg("worker started")

			exited := make(chan error, 1)
			go func() { exited <- worker.Wait() }()

			select {
			case err = <-exited:
			case <-ctx.Done():
				s.update(id, func(w *WorkerStatus) { w.State = StateShuttingDown })
				stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
				if serr := worker.Stop(stopCtx); serr != nil {
					log.Warn().Err(serr).Msg("worker stop")
				}
				cancel()
				<-exited
				s.update(id, func(w *WorkerStatus) {
					w.State = StateStopped
					w.PID = 0
					w.LastExitAt = time.Now()
				})
				log.Info().Msg("worker stopped")
				return
			}
		}

		if err == nil {
			err = errors.New("exited cleanly")
		}
		s.update(id, func(w *WorkerStatus) {
			w.State = StateExited
			w.PID = 0
			w.LastError = err.Error()
			w.LastExitAt = time.Now()
		})

		if ctx.Err() != nil {
			s.update(id, func(w *WorkerStatus) { w.State = StateStopped })
			return
		}

		if time.Since(startedAt) >= s.opts.HealthyAfter {
			backoff = s.opts.MinBackoff
		}
		wait := jitter(backoff)
		s.update(id, func(w *WorkerStatus) {
			w.State = StateRestarting
			w.Restarts++
		})
		log.Warn().Err(err).Dur("backoff", wait).Msg("worker exited, restarting")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			s.update(id, func(w *WorkerStatus) { w.State = StateStopped })
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > s.opts.MaxBackoff {
			backoff = s.opts.MaxBackoff
		}
	}
}

// jitter adds up to 20%.
func jitter(d time.Duration) time.Duration {
	j := int64(d) / 5
	if j <= 0 {
		return d
	}
	return d + time.Duration(time.Now().UnixNano()%(j+1))
}

func (s *Supervisor) update(id int, fn func(w *WorkerStatus)) {
	s.mu.Lock()
	w := s.slots[id]
	fn(w)
	snap := *w
	s.mu.Unlock()
	s.opts.Events.Publish(ws.EventWorker, snap)
}

// Snapshot returns every worker's status ordered by id.
func (s *Supervisor) Snapshot() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStatus, 0, len(s.slots))
	for _, w := range s.slots {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Supervisor) watchdog(ctx context.Context) func() {
	interval := s.opts.Notifier.WatchdogInterval()
	if interval <= 0 {
		return func() {}
	}
	wctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-t.C:
				s.opts.Notifier.Notify(NotifyWatchdog)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
