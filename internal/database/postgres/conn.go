package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"roster-sync/internal/config"
	"roster-sync/internal/database"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// Dialer opens single pgx connections for the connection pool.
type Dialer struct {
	cfg     *pgx.ConnConfig
	timeout time.Duration
}

func NewDialer(cfg config.DatabaseConfig) (*Dialer, error) {
	ccfg, err := pgx.ParseConfig(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Password != "" {
		ccfg.Password = cfg.Password
	}
	if cfg.ConnectTimeout > 0 {
		ccfg.ConnectTimeout = cfg.ConnectTimeout
	}
	return &Dialer{cfg: ccfg, timeout: cfg.ConnectTimeout}, nil
}

// Dial opens and pings a new connection.
func (d *Dialer) Dial(ctx context.Context) (database.Conn, error) {
	if d == nil || d.cfg == nil {
		return nil, fmt.Errorf("nil dialer")
	}
	c, err := pgx.ConnectConfig(ctx, d.cfg.Copy())
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	pingCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := c.Ping(pingCtx); err != nil {
		_ = c.Close(context.Background())
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Conn{conn: c}, nil
}

// OpenSQLDB returns a database/sql handle for the migration runner.
func (d *Dialer) OpenSQLDB() *sql.DB {
	if d == nil || d.cfg == nil {
		return nil
	}
	return stdlib.OpenDB(*d.cfg.Copy())
}

type Conn struct {
	conn *pgx.Conn
}

// IsClosed reports whether the server connection is gone.
func (c *Conn) IsClosed() bool {
	return c == nil || c.conn == nil || c.conn.IsClosed()
}

func (c *Conn) Ping(ctx context.Context) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("nil db")
	}
	return c.conn.Ping(ctx)
}

func (c *Conn) Close(ctx context.Context) error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close(ctx)
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if c == nil || c.conn == nil {
		return 0, fmt.Errorf("nil db")
	}
	tag, err := c.conn.Exec(ctx, query, args...)
	return tag.RowsAffected(), err
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) (database.Rows, error) {
	if c == nil || c.conn == nil {
		return nil, fmt.Errorf("nil db")
	}
	r, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows: r}, nil
}

func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) database.Row {
	if c == nil || c.conn == nil {
		return nilRow{}
	}
	return c.conn.QueryRow(ctx, query, args...)
}

func (c *Conn) Begin(ctx context.Context) (database.Tx, error) {
	if c == nil || c.conn == nil {
		return nil, fmt.Errorf("nil db")
	}
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgxTx{tx: tx}, nil
}

type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t pgxTx) Query(ctx context.Context, query string, args ...any) (database.Rows, error) {
	r, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows: r}, nil
}

func (t pgxTx) QueryRow(ctx context.Context, query string, args ...any) database.Row {
	return t.tx.QueryRow(ctx, query, args...)
}

// Begin opens a savepoint inside the transaction.
func (t pgxTx) Begin(ctx context.Context) (database.Tx, error) {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgxTx{tx: sp}, nil
}

func (t pgxTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t pgxTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

type pgxRows struct {
	rows pgx.Rows
}

func (r pgxRows) Close() {
	r.rows.Close()
}

func (r pgxRows) Next() bool {
	return r.rows.Next()
}

func (r pgxRows) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}

func (r pgxRows) Err() error {
	return r.rows.Err()
}

type nilRow struct{}

func (nilRow) Scan(_ ...any) error {
	return fmt.Errorf("nil db")
}
