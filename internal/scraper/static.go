package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"roster-sync/internal/source"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog"
)

// Static fetches server-rendered roster pages without a browser.
type Static struct {
	timeout   time.Duration
	userAgent string
	log       zerolog.Logger
}

func NewStatic(timeout time.Duration, userAgent string, log zerolog.Logger) *Static {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Static{timeout: timeout, userAgent: userAgent, log: log}
}

func (s *Static) Scrape(ctx context.Context, src source.Source) ([]RawRow, error) {
	if s == nil {
		return nil, fmt.Errorf("nil static scraper")
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{SourceID: src.ID, Stage: "navigate", Err: err}
	}

	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.UserAgent(s.userAgent),
	)
	c.SetRequestTimeout(s.timeout)

	var body []byte
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})

	if err := c.Visit(src.ScheduleURL); err != nil {
		sentinel := ErrNavigation
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			sentinel = ErrNavigationTimeout
		}
		return nil, &Error{SourceID: src.ID, Stage: "navigate", Err: fmt.Errorf("%w: %v", sentinel, err)}
	}

	sel := src.ResolvedSelectors()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &Error{SourceID: src.ID, Stage: "extract", Err: err}
	}
	if doc.Find(sel.Ready).Length() == 0 {
		return nil, &Error{SourceID: src.ID, Stage: "ready", Err: ErrReadyMissing}
	}

	rows, err := ParseTable(string(body), sel, src.ResolvedColumns())
	if err != nil {
		return nil, &Error{SourceID: src.ID, Stage: "table", Err: err}
	}

	s.log.Debug().Str("source", src.ID).Int("rows", len(rows)).Msg("static roster extracted")
	return checkRows(src, rows, nil)
}
