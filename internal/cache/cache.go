// Package cache keeps the last successful extraction per source per calendar
// day. Entries expire by a TTL check on read; there is no background sweep.
package cache

import (
	"context"
	"time"

	"roster-sync/internal/scraper"

	"github.com/rs/zerolog"
)

type Entry struct {
	Rows       []scraper.RawRow `json:"rows"`
	CapturedAt time.Time        `json:"captured_at"`
}

// Store is the backing key/value store.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger
}

type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

func New(store Store, ttl time.Duration, opts ...Option) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	c := &Cache{store: store, ttl: ttl, now: time.Now, log: zerolog.Nop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key is "<sourceID>:<YYYY-MM-DD>" for the day containing t.
func Key(sourceID string, t time.Time) string {
	return sourceID + ":" + t.Format("2006-01-02")
}

// Get returns today's entry for sourceID when it is younger than the TTL.
// Store errors are logged and treated as a miss.
func (c *Cache) Get(ctx context.Context, sourceID string) (Entry, bool) {
	if c == nil || c.ttl <= 0 {
		return Entry{}, false
	}
	now := c.now()
	key := Key(sourceID, now)

	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	if now.Sub(e.CapturedAt) >= c.ttl {
		_ = c.store.Delete(ctx, key)
		return Entry{}, false
	}
	return e, true
}

// Put stores rows for sourceID stamped with the current time.
func (c *Cache) Put(ctx context.Context, sourceID string, rows []scraper.RawRow) {
	if c == nil || c.ttl <= 0 {
		return
	}
	now := c.now()
	key := Key(sourceID, now)
	e := Entry{Rows: append([]scraper.RawRow(nil), rows...), CapturedAt: now}
	if err := c.store.Set(ctx, key, e, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (c *Cache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}
