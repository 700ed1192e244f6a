// Package dbtest provides an in-memory database.Conn that understands the
// handful of statements the pipeline issues. Statements are matched by
// lowercase prefix.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"roster-sync/internal/database"
)

var ErrInjected = errors.New("injected failure")

// Schedule is a stored schedules row.
type Schedule struct {
	SourceID   string
	TeamName   string
	Department string
	Date       time.Time
	ShiftType  string
	Location   any
	Status     string
	ScrapedAt  time.Time
}

func (s Schedule) key() string {
	return s.SourceID + "|" + s.TeamName + "|" + s.Department + "|" + s.Date.Format("2006-01-02")
}

// Log is a stored scrape_logs row.
type Log struct {
	RunID            any
	WorkerID         int
	SourceID         string
	Status           string
	RecordsProcessed int
	RecordsInserted  int
	RecordsFailed    int
	ExecutionTimeMS  int64
	ErrorMessage     any
}

// Store is the shared state behind every Conn it hands out.
type Store struct {
	mu        sync.Mutex
	schedules map[string]Schedule
	logs      []Log

	// FailShift makes any schedules insert carrying this shift type fail.
	FailShift string
	// FailDelete makes the schedules delete fail.
	FailDelete bool
	// FailLogs makes scrape_logs inserts fail.
	FailLogs bool
	// ExecDelay is applied to every Exec.
	ExecDelay time.Duration
}

func NewStore() *Store {
	return &Store{schedules: map[string]Schedule{}}
}

// Conn returns a new client bound to the store.
func (s *Store) Conn() *Conn { return &Conn{store: s} }

// Dial matches the pool factory signature.
func (s *Store) Dial(context.Context) (database.Conn, error) { return s.Conn(), nil }

// Schedules returns the rows for sourceID, or all rows when sourceID is
// empty, ordered by natural key.
func (s *Store) Schedules(sourceID string) []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.schedules))
	for _, r := range s.schedules {
		if sourceID == "" || r.SourceID == sourceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

func (s *Store) Logs() []Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Log(nil), s.logs...)
}

// Seed inserts rows directly.
func (s *Store) Seed(rows ...Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.schedules[r.key()] = r
	}
}

func (s *Store) snapshot() map[string]Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRows(s.schedules)
}

func copyRows(in map[string]Schedule) map[string]Schedule {
	out := make(map[string]Schedule, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type Conn struct {
	store  *Store
	closed bool
}

func (c *Conn) Ping(context.Context) error { return nil }

func (c *Conn) Close(context.Context) error {
	c.closed = true
	return nil
}

func (c *Conn) IsClosed() bool { return c.closed }

// Exec outside a transaction autocommits.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tx := &Tx{store: c.store, rows: c.store.snapshot()}
	n, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit(ctx)
}

func (c *Conn) Query(context.Context, string, ...any) (database.Rows, error) {
	return nil, fmt.Errorf("not implemented")
}

func (c *Conn) QueryRow(context.Context, string, ...any) database.Row {
	return errRow{err: fmt.Errorf("not implemented")}
}

func (c *Conn) Begin(context.Context) (database.Tx, error) {
	return &Tx{store: c.store, rows: c.store.snapshot()}, nil
}

// Tx works on a private copy of the schedules and journals its writes;
// Commit replays the journal onto the parent savepoint or the store.
type Tx struct {
	store  *Store
	parent *Tx
	rows   map[string]Schedule
	ops    []func(map[string]Schedule)
	logs   []Log
	done   bool
}

func (t *Tx) apply(op func(map[string]Schedule)) {
	op(t.rows)
	t.ops = append(t.ops, op)
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if t.done {
		return 0, fmt.Errorf("tx closed")
	}
	if d := t.store.ExecDelay; d > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(d):
		}
	}

	q := strings.ToLower(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(q, "delete from schedules"):
		if t.store.FailDelete {
			return 0, ErrInjected
		}
		id := args[0].(string)
		var n int64
		for _, r := range t.rows {
			if r.SourceID == id {
				n++
			}
		}
		t.apply(func(rows map[string]Schedule) {
			for k, r := range rows {
				if r.SourceID == id {
					delete(rows, k)
				}
			}
		})
		return n, nil

	case strings.HasPrefix(q, "insert into schedules"):
		if len(args)%8 != 0 {
			return 0, fmt.Errorf("schedules insert: %d args", len(args))
		}
		staged := make([]Schedule, 0, len(args)/8)
		for i := 0; i < len(args); i += 8 {
			r := Schedule{
				SourceID:   args[i].(string),
				TeamName:   args[i+1].(string),
				Department: args[i+2].(string),
				Date:       args[i+3].(time.Time),
				ShiftType:  args[i+4].(string),
				Location:   args[i+5],
				Status:     args[i+6].(string),
				ScrapedAt:  args[i+7].(time.Time),
			}
			if t.store.FailShift != "" && r.ShiftType == t.store.FailShift {
				return 0, fmt.Errorf("%w: shift %s", ErrInjected, r.ShiftType)
			}
			staged = append(staged, r)
		}
		seen := map[string]bool{}
		for _, r := range staged {
			if seen[r.key()] {
				return 0, fmt.Errorf("ON CONFLICT DO UPDATE command cannot affect row a second time")
			}
			seen[r.key()] = true
		}
		t.apply(func(rows map[string]Schedule) {
			for _, r := range staged {
				rows[r.key()] = r
			}
		})
		return int64(len(staged)), nil

	case strings.HasPrefix(q, "insert into scrape_logs"):
		if t.store.FailLogs {
			return 0, ErrInjected
		}
		l := Log{
			RunID:            args[0],
			WorkerID:         args[1].(int),
			SourceID:         args[2].(string),
			Status:           args[3].(string),
			RecordsProcessed: args[4].(int),
			RecordsInserted:  args[5].(int),
			RecordsFailed:    args[6].(int),
			ExecutionTimeMS:  args[7].(int64),
			ErrorMessage:     args[8],
		}
		t.logs = append(t.logs, l)
		return 1, nil
	}
	return 0, fmt.Errorf("unsupported statement: %s", query)
}

func (t *Tx) Query(context.Context, string, ...any) (database.Rows, error) {
	return nil, fmt.Errorf("not implemented")
}

func (t *Tx) QueryRow(context.Context, string, ...any) database.Row {
	return errRow{err: fmt.Errorf("not implemented")}
}

// Begin opens a savepoint.
func (t *Tx) Begin(context.Context) (database.Tx, error) {
	if t.done {
		return nil, fmt.Errorf("tx closed")
	}
	return &Tx{store: t.store, parent: t, rows: copyRows(t.rows)}, nil
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return fmt.Errorf("tx closed")
	}
	t.done = true
	if t.parent != nil {
		for _, op := range t.ops {
			t.parent.apply(op)
		}
		t.parent.logs = append(t.parent.logs, t.logs...)
		return nil
	}
	t.store.mu.Lock()
	for _, op := range t.ops {
		op(t.store.schedules)
	}
	t.store.logs = append(t.store.logs, t.logs...)
	t.store.mu.Unlock()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.done = true
	return nil
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
