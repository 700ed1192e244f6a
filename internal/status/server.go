// Package status serves read-only process state over HTTP: liveness, the
// health snapshot, the source catalog, supervised worker states and a
// websocket stream of live events.
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"roster-sync/internal/health"
	"roster-sync/internal/pipeline"
	"roster-sync/internal/source"
	"roster-sync/internal/supervisor"
	"roster-sync/internal/ws"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

// PipelineView is the part of a worker pipeline the status surface reads.
type PipelineView interface {
	WorkerID() int
	Health() health.Snapshot
	LastRun() pipeline.Summary
	Sources() []source.Source
}

type WorkerView interface {
	Snapshot() []supervisor.WorkerStatus
}

// Options selects which routes are mounted. Nil views leave their routes
// answering 503.
type Options struct {
	Addr     string
	Pipeline PipelineView
	Workers  WorkerView
	Hub      *ws.Hub
	Log      zerolog.Logger
}

type Server struct {
	app     *fiber.App
	addr    string
	started time.Time
	opts    Options
}

func New(opts Options) *Server {
	s := &Server{
		app:     fiber.New(fiber.Config{AppName: "roster-sync"}),
		addr:    opts.Addr,
		started: time.Now(),
		opts:    opts,
	}
	s.app.Use(accessLog(opts.Log))
	s.app.Use(recoverErrors(opts.Log))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.health)
	s.app.Get("/sources", s.sources)
	s.app.Get("/workers", s.workers)
	s.app.Get("/ws", ws.NewHandler(s.opts.Hub, s.opts.Log).HandleEvents)
}

// App exposes the router for in-process requests.
func (s *Server) App() *fiber.App { return s.app }

type healthBody struct {
	Uptime   string                    `json:"uptime"`
	WorkerID *int                      `json:"worker_id,omitempty"`
	Snapshot *health.Snapshot          `json:"snapshot,omitempty"`
	LastRun  *pipeline.Summary         `json:"last_run,omitempty"`
	Workers  []supervisor.WorkerStatus `json:"workers,omitempty"`
}

func (s *Server) health(c fiber.Ctx) error {
	body := healthBody{Uptime: time.Since(s.started).Round(time.Second).String()}
	if p := s.opts.Pipeline; p != nil {
		id := p.WorkerID()
		snap := p.Health()
		last := p.LastRun()
		body.WorkerID = &id
		body.Snapshot = &snap
		body.LastRun = &last
	}
	if w := s.opts.Workers; w != nil {
		body.Workers = w.Snapshot()
	}
	return ok(c, body)
}

func (s *Server) sources(c fiber.Ctx) error {
	if s.opts.Pipeline == nil {
		return fiber.ErrServiceUnavailable
	}
	return ok(c, s.opts.Pipeline.Sources())
}

func (s *Server) workers(c fiber.Ctx) error {
	if s.opts.Workers == nil {
		return fiber.ErrServiceUnavailable
	}
	return ok(c, s.opts.Workers.Snapshot())
}

// Run serves until ctx is done, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	addr, err := ListenAddr(s.addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.opts.Log.Info().Str("addr", addr).Msg("status server listening")
		errCh <- s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.app.ShutdownWithContext(sctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return nil
}

const shutdownTimeout = 10 * time.Second

// ListenAddr accepts "8080", ":8080" or "host:8080".
func ListenAddr(addr string) (string, error) {
	a := strings.TrimSpace(addr)
	if a == "" {
		return "", fmt.Errorf("empty status address")
	}
	if strings.Contains(a, ":") {
		return a, nil
	}
	return ":" + a, nil
}
