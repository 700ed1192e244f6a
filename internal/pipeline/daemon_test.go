package pipeline

import (
	"context"
	"testing"
	"time"

	"roster-sync/internal/database/dbtest"
	"roster-sync/internal/scraper"
	"roster-sync/internal/source"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 15m", "*/5 * * * *", "0 */10 * * * *", "@hourly"} {
		_, err := ParseSchedule(spec)
		assert.NoError(t, err, spec)
	}
	_, err := ParseSchedule("every now and then")
	assert.Error(t, err)
}

func TestServe_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	store := dbtest.NewStore()
	sc := &fakeScraper{rows: map[string][]scraper.RawRow{"acme": {{Date: "2026-10-19", Shift: "D"}}}}
	p := newTestPipeline(t, store, sc, []source.Source{{ID: "acme", Teams: []string{"A"}}}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, "@every 1h") }()

	require.Eventually(t, func() bool { return len(store.Logs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sc.callCount("acme"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, 1, p.LastRun().Success)
}

func TestServe_RejectsBadSchedule(t *testing.T) {
	p := newTestPipeline(t, dbtest.NewStore(), &fakeScraper{}, []source.Source{{ID: "acme"}}, Options{})
	assert.Error(t, p.Serve(context.Background(), "nope"))
}
