// Package runlog appends one scrape_logs row per processed source.
package runlog

import (
	"context"
	"errors"
	"time"

	"roster-sync/internal/database"
	"roster-sync/internal/schedule"
	"roster-sync/internal/ws"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

type Entry struct {
	RunID     uuid.UUID     `json:"run_id"`
	WorkerID  int           `json:"worker_id"`
	SourceID  string        `json:"source_id"`
	Status    string        `json:"status"`
	Processed int           `json:"records_processed"`
	Inserted  int           `json:"records_inserted"`
	Failed    int           `json:"records_failed"`
	Duration  time.Duration `json:"-"`
	Error     string        `json:"error_message,omitempty"`
	// FromCache is reported on the event stream only.
	FromCache bool `json:"from_cache"`
}

type event struct {
	Entry
	ExecutionTimeMS int64 `json:"execution_time_ms"`
}

// StatusFor derives a run status from a persist result and the job error.
func StatusFor(res schedule.Result, err error) string {
	switch {
	case err != nil:
		return StatusError
	case res.Failed == 0:
		return StatusSuccess
	case res.Inserted > 0:
		return StatusPartial
	default:
		return StatusError
	}
}

type Executor interface {
	Execute(ctx context.Context, fn func(ctx context.Context, c database.Conn) error) error
}

type Logger struct {
	exec   Executor
	events ws.Publisher
	log    zerolog.Logger
}

func New(exec Executor, events ws.Publisher, log zerolog.Logger) *Logger {
	if events == nil {
		events = ws.Nop
	}
	return &Logger{exec: exec, events: events, log: log}
}

// Log records e. A failed write is logged and otherwise ignored.
func (l *Logger) Log(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	ms := e.Duration.Milliseconds()

	ev := l.log.Info()
	if e.Status != StatusSuccess {
		ev = l.log.Warn()
	}
	ev.Str("run_id", e.RunID.String()).
		Str("source", e.SourceID).
		Str("status", e.Status).
		Int("processed", e.Processed).
		Int("inserted", e.Inserted).
		Int("failed", e.Failed).
		Int64("execution_time_ms", ms).
		Bool("from_cache", e.FromCache).
		Str("error", e.Error).
		Msg("scrape finished")

	l.events.Publish(ws.EventRunLogged, event{Entry: e, ExecutionTimeMS: ms})

	if l.exec == nil {
		return
	}
	err := l.exec.Execute(ctx, func(ctx context.Context, c database.Conn) error {
		_, err := c.Exec(ctx,
			`INSERT INTO scrape_logs (run_id, worker_id, source_id, status, records_processed, records_inserted, records_failed, execution_time_ms, error_message) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			nullableUUID(e.RunID),
			e.WorkerID,
			e.SourceID,
			e.Status,
			e.Processed,
			e.Inserted,
			e.Failed,
			ms,
			nullableText(e.Error),
		)
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		l.log.Error().Err(err).Str("source", e.SourceID).Msg("write scrape log failed")
	}
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
