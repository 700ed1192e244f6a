package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"roster-sync/internal/source"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chromePath finds a local Chrome or skips the test.
func chromePath(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("CHROME_PATH"); p != "" {
		return p
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("chrome not installed")
	return ""
}

type rosterSite struct {
	*httptest.Server
	assetHits atomic.Int32
}

func newRosterSite(t *testing.T) *rosterSite {
	t.Helper()
	site := &rosterSite{}
	mux := http.NewServeMux()
	mux.HandleFunc("/roster", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><link rel="stylesheet" href="/style.css"></head><body>
<img src="/banner.png">` + rosterPage[len("<html><body>"):]))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><div id="app-ready"></div>
<script>console.error("roster api unavailable")</script></body></html>`))
	})
	asset := func(w http.ResponseWriter, r *http.Request) {
		site.assetHits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}
	mux.HandleFunc("/style.css", asset)
	mux.HandleFunc("/banner.png", asset)

	site.Server = httptest.NewServer(mux)
	t.Cleanup(site.Close)
	return site
}

func newTestBrowser(t *testing.T) *Browser {
	t.Helper()
	return NewBrowser(BrowserOptions{
		ExecPath:          chromePath(t),
		NavigationTimeout: 10 * time.Second,
		ElementTimeout:    time.Second,
	}, zerolog.Nop())
}

func TestBrowser_ScrapeExtractsTableAndBlocksAssets(t *testing.T) {
	b := newTestBrowser(t)
	site := newRosterSite(t)

	src := source.Source{
		ID:          "acme",
		ScheduleURL: site.URL + "/roster",
		Selectors:   source.Selectors{Ready: "#app-ready", Table: "#roster"},
	}
	rows, err := b.Scrape(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Dock 4", rows[0].Location)
	assert.Zero(t, site.assetHits.Load())
}

func TestBrowser_MissingReadyMarker(t *testing.T) {
	b := newTestBrowser(t)
	site := newRosterSite(t)

	src := source.Source{
		ID:          "acme",
		ScheduleURL: site.URL + "/roster",
		Selectors:   source.Selectors{Ready: "#never-rendered", Table: "#roster"},
	}
	_, err := b.Scrape(context.Background(), src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadyMissing)

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "ready", se.Stage)
}

func TestBrowser_MissingTableCarriesConsole(t *testing.T) {
	b := newTestBrowser(t)
	site := newRosterSite(t)

	src := source.Source{
		ID:          "acme",
		ScheduleURL: site.URL + "/broken",
		Selectors:   source.Selectors{Ready: "#app-ready", Table: "#roster"},
	}
	_, err := b.Scrape(context.Background(), src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTableMissing)

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "table", se.Stage)
	assert.Contains(t, se.Console, "roster api unavailable")
}

func TestBrowser_CancelledCallerIsNotATimeout(t *testing.T) {
	b := newTestBrowser(t)
	site := newRosterSite(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Scrape(ctx, source.Source{ID: "acme", ScheduleURL: site.URL + "/roster"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNavigationTimeout)
}
