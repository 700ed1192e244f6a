// Package scraper renders one source's roster page and extracts its table
// rows. Rendering engines are bounded per call: every session opened by a
// Scrape call is closed before it returns.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"roster-sync/internal/source"
)

// RawRow is one extracted roster table row, untouched text.
type RawRow struct {
	Date       string `json:"date"`
	Shift      string `json:"shift"`
	Team       string `json:"team"`
	Department string `json:"department,omitempty"`
	Location   string `json:"location,omitempty"`
}

type Scraper interface {
	Scrape(ctx context.Context, src source.Source) ([]RawRow, error)
}

type Func func(ctx context.Context, src source.Source) ([]RawRow, error)

func (f Func) Scrape(ctx context.Context, src source.Source) ([]RawRow, error) {
	return f(ctx, src)
}

var (
	ErrNavigationTimeout = errors.New("navigation timed out")
	ErrNavigation        = errors.New("navigation failed")
	ErrReadyMissing      = errors.New("ready marker not found")
	ErrRevealFailed      = errors.New("reveal interaction failed")
	ErrTableMissing      = errors.New("schedule table not found")
	ErrNoRows            = errors.New("no rows extracted")
)

// Error describes a failed scrape. Console carries page console errors and
// uncaught exceptions observed during the session.
type Error struct {
	SourceID string
	Stage    string
	Console  []string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("scrape %s: %s: %v", e.SourceID, e.Stage, e.Err)
	if len(e.Console) > 0 {
		msg += " (console: " + strings.Join(e.Console, "; ") + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Router picks the renderer named by the source.
type Router struct {
	Browser Scraper
	Static  Scraper
}

func (r Router) Scrape(ctx context.Context, src source.Source) ([]RawRow, error) {
	var s Scraper
	switch src.RendererOrDefault() {
	case source.RendererStatic:
		s = r.Static
	default:
		s = r.Browser
	}
	if s == nil {
		return nil, fmt.Errorf("no %s renderer configured", src.RendererOrDefault())
	}
	return s.Scrape(ctx, src)
}

// checkRows applies the empty-roster policy.
func checkRows(src source.Source, rows []RawRow, console []string) ([]RawRow, error) {
	if len(rows) == 0 && !src.AllowEmpty {
		return nil, &Error{SourceID: src.ID, Stage: "extract", Console: console, Err: ErrNoRows}
	}
	return rows, nil
}
