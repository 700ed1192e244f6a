package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"roster-sync/internal/database"
	"roster-sync/internal/scraper"
	"roster-sync/internal/source"

	"github.com/rs/zerolog"
)

const DefaultBatchSize = 50

// Executor lends a data-store client for the duration of fn.
type Executor interface {
	Execute(ctx context.Context, fn func(ctx context.Context, c database.Conn) error) error
}

// Result summarises one Persist call. Processed counts rows after repeated
// natural keys collapse, so Processed == Inserted + Failed on success.
type Result struct {
	Processed   int      `json:"processed"`
	Duplicates  int      `json:"duplicates"`
	Inserted    int      `json:"inserted"`
	Failed      int      `json:"failed"`
	Teams       []string `json:"teams"`
	Departments []string `json:"departments"`
}

type Persister struct {
	exec      Executor
	batchSize int
	now       func() time.Time
	log       zerolog.Logger
}

func NewPersister(exec Executor, batchSize int, log zerolog.Logger) *Persister {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Persister{exec: exec, batchSize: batchSize, now: time.Now, log: log}
}

// Persist replaces every stored row of src with rows inside one transaction.
// Each upsert batch runs in its own savepoint; a failed batch is rolled back
// to that savepoint and counted failed while later batches continue.
func (p *Persister) Persist(ctx context.Context, src source.Source, rows []scraper.RawRow) (Result, error) {
	if p == nil || p.exec == nil {
		return Result{Processed: len(rows), Failed: len(rows)}, fmt.Errorf("nil persister")
	}
	log := p.log.With().Str("source", src.ID).Logger()

	records, dropped := Normalize(src, rows, p.now())
	for _, d := range dropped {
		log.Warn().Err(d.Err).Int("row", d.Index).Msg("dropping row")
	}
	res := Result{
		Processed:  len(records) + len(dropped),
		Duplicates: len(rows) - len(records) - len(dropped),
		Failed:     len(dropped),
	}
	if res.Duplicates > 0 {
		log.Debug().Int("duplicates", res.Duplicates).Msg("collapsed repeated rows")
	}

	err := p.exec.Execute(ctx, func(ctx context.Context, conn database.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(ctx)
			}
		}()

		if _, err := tx.Exec(ctx, `DELETE FROM schedules WHERE source_id = $1`, src.ID); err != nil {
			return fmt.Errorf("clear schedules: %w", err)
		}

		res.Teams, res.Departments = Distinct(records)

		inserted, failed := 0, 0
		for start := 0; start < len(records); start += p.batchSize {
			end := start + p.batchSize
			if end > len(records) {
				end = len(records)
			}
			batch := records[start:end]
			n, err := upsertBatch(ctx, tx, batch)
			if err != nil {
				log.Error().Err(err).Int("offset", start).Int("size", len(batch)).Msg("upsert batch failed")
				failed += len(batch)
				continue
			}
			inserted += n
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		committed = true
		res.Inserted = inserted
		res.Failed += failed
		return nil
	})
	if err != nil {
		res.Inserted = 0
		res.Failed = res.Processed
		return res, fmt.Errorf("persist %s: %w", src.ID, err)
	}

	log.Info().
		Int("processed", res.Processed).
		Int("inserted", res.Inserted).
		Int("failed", res.Failed).
		Int("duplicates", res.Duplicates).
		Msg("schedules replaced")
	return res, nil
}

func upsertBatch(ctx context.Context, tx database.Tx, batch []Record) (int, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("savepoint: %w", err)
	}
	query, args := upsertQuery(batch)
	n, err := sp.Exec(ctx, query, args...)
	if err != nil {
		_ = sp.Rollback(ctx)
		return 0, err
	}
	if err := sp.Commit(ctx); err != nil {
		_ = sp.Rollback(ctx)
		return 0, err
	}
	return int(n), nil
}

const upsertColumns = 8

func upsertQuery(batch []Record) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO schedules (source_id, team_name, department, date, shift_type, location, status, scraped_at) VALUES `)

	args := make([]any, 0, len(batch)*upsertColumns)
	for i, r := range batch {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < upsertColumns; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*upsertColumns+c+1)
		}
		b.WriteByte(')')
		args = append(args, r.SourceID, r.TeamName, r.Department, r.Date, r.ShiftType, nullableText(r.Location), r.Status, r.ScrapedAt)
	}
	b.WriteString(` ON CONFLICT (source_id, team_name, department, date) DO UPDATE SET shift_type = EXCLUDED.shift_type, location = EXCLUDED.location, status = EXCLUDED.status, scraped_at = EXCLUDED.scraped_at`)
	return b.String(), args
}

func nullableText(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
