package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"roster-sync/internal/source"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// blockedResources are never loaded; rosters only need the DOM.
var blockedResources = []network.ResourceType{
	network.ResourceTypeImage,
	network.ResourceTypeStylesheet,
	network.ResourceTypeFont,
	network.ResourceTypeMedia,
}

type BrowserOptions struct {
	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
	ExecPath          string
	UserAgent         string
}

// Browser drives one headless Chrome session per Scrape call.
type Browser struct {
	opts BrowserOptions
	log  zerolog.Logger
}

func NewBrowser(opts BrowserOptions, log zerolog.Logger) *Browser {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.ElementTimeout <= 0 {
		opts.ElementTimeout = 15 * time.Second
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	return &Browser{opts: opts, log: log}
}

func (b *Browser) Scrape(ctx context.Context, src source.Source) ([]RawRow, error) {
	if b == nil {
		return nil, fmt.Errorf("nil browser")
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.UserAgent(b.opts.UserAgent),
	)
	if b.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(b.opts.ExecPath))
	}

	// Cancelling browserCtx closes the tab and kills the browser process, so
	// these two defers release the session on every return path.
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	start := time.Now()
	log := b.log.With().Str("source", src.ID).Logger()
	defer func() {
		log.Debug().Dur("elapsed", time.Since(start)).Msg("browser session closed")
	}()

	console := &consoleLog{}
	chromedp.ListenTarget(browserCtx, func(ev any) {
		switch ev := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				c := chromedp.FromContext(browserCtx)
				if c == nil || c.Target == nil {
					return
				}
				execCtx := cdp.WithExecutor(browserCtx, c.Target)
				_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
			}()
		case *cdpruntime.EventConsoleAPICalled:
			if ev.Type == cdpruntime.APITypeError {
				console.add(consoleArgs(ev.Args))
			}
		case *cdpruntime.EventExceptionThrown:
			if d := ev.ExceptionDetails; d != nil {
				msg := d.Text
				if d.Exception != nil && d.Exception.Description != "" {
					msg += " " + d.Exception.Description
				}
				console.add(msg)
			}
		}
	})

	patterns := make([]*fetch.RequestPattern, 0, len(blockedResources))
	for _, rt := range blockedResources {
		patterns = append(patterns, &fetch.RequestPattern{
			URLPattern:   "*",
			ResourceType: rt,
			RequestStage: fetch.RequestStageRequest,
		})
	}

	// First Run on the un-derived context starts the browser.
	if err := chromedp.Run(browserCtx, fetch.Enable().WithPatterns(patterns)); err != nil {
		return nil, &Error{SourceID: src.ID, Stage: "launch", Err: err}
	}

	sel := src.ResolvedSelectors()

	if err := b.step(browserCtx, b.opts.NavigationTimeout, chromedp.Navigate(src.ScheduleURL)); err != nil {
		return nil, b.fail(ctx, src, "navigate", console, err, ErrNavigationTimeout, ErrNavigation)
	}

	if err := b.step(browserCtx, b.opts.ElementTimeout, chromedp.WaitReady(sel.Ready, chromedp.ByQuery)); err != nil {
		return nil, b.fail(ctx, src, "ready", console, err, ErrReadyMissing, ErrReadyMissing)
	}

	if sel.Reveal != "" {
		err := b.step(browserCtx, b.opts.ElementTimeout, chromedp.Click(sel.Reveal, chromedp.ByQuery, chromedp.NodeVisible))
		if err != nil {
			return nil, b.fail(ctx, src, "reveal", console, err, ErrRevealFailed, ErrRevealFailed)
		}
	}

	var html string
	err := b.step(browserCtx, b.opts.ElementTimeout,
		chromedp.WaitVisible(sel.Table, chromedp.ByQuery),
		chromedp.OuterHTML(sel.Table, &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, b.fail(ctx, src, "table", console, err, ErrTableMissing, ErrTableMissing)
	}

	rows, err := ParseTable(html, sel, src.ResolvedColumns())
	if err != nil {
		return nil, &Error{SourceID: src.ID, Stage: "extract", Console: console.list(), Err: err}
	}

	log.Debug().Int("rows", len(rows)).Int("html_bytes", len(html)).Msg("roster table extracted")
	return checkRows(src, rows, console.list())
}

func (b *Browser) step(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return chromedp.Run(tctx, actions...)
}

// fail maps a step error to a sentinel: onTimeout for deadline hits, other
// for anything else. Caller cancellation is reported as-is.
func (b *Browser) fail(parent context.Context, src source.Source, stage string, console *consoleLog, err, onTimeout, other error) error {
	if perr := parent.Err(); perr != nil {
		return &Error{SourceID: src.ID, Stage: stage, Console: console.list(), Err: perr}
	}
	sentinel := other
	if errors.Is(err, context.DeadlineExceeded) {
		sentinel = onTimeout
	}
	return &Error{SourceID: src.ID, Stage: stage, Console: console.list(), Err: fmt.Errorf("%w: %v", sentinel, err)}
}

type consoleLog struct {
	mu   sync.Mutex
	msgs []string
}

const maxConsoleMessages = 10

func (c *consoleLog) add(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) < maxConsoleMessages {
		c.msgs = append(c.msgs, msg)
	}
}

func (c *consoleLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func consoleArgs(args []*cdpruntime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		switch {
		case len(a.Value) > 0:
			parts = append(parts, strings.Trim(string(a.Value), `"`))
		case a.Description != "":
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
