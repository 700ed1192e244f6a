// Package retry runs one source's extraction: a cache lookup first, then the
// scrape worker with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roster-sync/internal/cache"
	"roster-sync/internal/scraper"
	"roster-sync/internal/source"

	"github.com/rs/zerolog"
)

type Options struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration
}

// Result is the outcome of a successful Run.
type Result struct {
	Rows      []scraper.RawRow
	FromCache bool
	Attempts  int
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

type Controller struct {
	scraper scraper.Scraper
	cache   *cache.Cache
	opts    Options
	sleep   Sleeper
	log     zerolog.Logger
}

func New(s scraper.Scraper, c *cache.Cache, opts Options, log zerolog.Logger) *Controller {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	return &Controller{
		scraper: s,
		cache:   c,
		opts:    opts,
		sleep:   sleepCtx,
		log:     log,
	}
}

// WithSleeper replaces the wait used for backoff and rate limiting.
func (c *Controller) WithSleeper(s Sleeper) *Controller {
	if s != nil {
		c.sleep = s
	}
	return c
}

func (c *Controller) Run(ctx context.Context, src source.Source) (Result, error) {
	if c == nil || c.scraper == nil {
		return Result{}, fmt.Errorf("nil retry controller")
	}
	if res, ok := c.lookup(ctx, src); ok {
		return res, nil
	}
	return c.fetch(ctx, src)
}

func (c *Controller) lookup(ctx context.Context, src source.Source) (Result, bool) {
	e, ok := c.cache.Get(ctx, src.ID)
	if !ok {
		return Result{}, false
	}
	c.log.Debug().
		Str("source", src.ID).
		Time("captured_at", e.CapturedAt).
		Int("rows", len(e.Rows)).
		Msg("cache hit")
	return Result{Rows: e.Rows, FromCache: true}, true
}

func (c *Controller) fetch(ctx context.Context, src source.Source) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := Backoff(attempt-1, c.opts.BaseDelay, c.opts.MaxDelay)
			c.log.Info().
				Str("source", src.ID).
				Int("attempt", attempt+1).
				Dur("wait", wait).
				Msg("retrying scrape")
			if err := c.sleep(ctx, wait); err != nil {
				return Result{Attempts: attempt}, fmt.Errorf("scrape %s: %w", src.ID, errors.Join(err, lastErr))
			}
		}

		rows, err := c.scraper.Scrape(ctx, src)
		if c.opts.RateLimitDelay > 0 {
			_ = c.sleep(ctx, c.opts.RateLimitDelay)
		}
		if err == nil {
			c.cache.Put(ctx, src.ID, rows)
			return Result{Rows: rows, Attempts: attempt + 1}, nil
		}

		lastErr = err
		c.log.Warn().
			Err(err).
			Str("source", src.ID).
			Int("attempt", attempt+1).
			Int("max_attempts", c.opts.MaxRetries).
			Msg("scrape attempt failed")
		if ctx.Err() != nil {
			return Result{Attempts: attempt + 1}, fmt.Errorf("scrape %s: %w", src.ID, err)
		}
	}
	return Result{Attempts: c.opts.MaxRetries}, fmt.Errorf("scrape %s failed after %d attempts: %w", src.ID, c.opts.MaxRetries, lastErr)
}

// Backoff returns min(base * 2^attempt, max) for a zero-based attempt.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
