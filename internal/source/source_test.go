package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
sources:
  - id: acme
    name: Acme Logistics
    teams: [A, B]
    departments: [Warehouse]
    scheduleUrl: https://rosters.example.com/acme
    priority: 2
  - id: birch
    name: Birch Care
    teams: [Night]
    departments: []
    scheduleUrl: https://rosters.example.com/birch
    priority: 1
    renderer: static
    selectors:
      table: "#roster"
    columns: {date: 0, shift: 2, team: 1, department: -1, location: -1}
    dateLayouts: ["02.01.2006"]
`

func TestParse_Valid(t *testing.T) {
	srcs, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, srcs, 2)

	assert.Equal(t, "acme", srcs[0].ID)
	assert.Equal(t, []string{"A", "B"}, srcs[0].Teams)
	assert.Equal(t, RendererBrowser, srcs[0].RendererOrDefault())
	assert.Equal(t, DefaultColumns, srcs[0].ResolvedColumns())

	sel := srcs[1].ResolvedSelectors()
	assert.Equal(t, "#roster", sel.Table)
	assert.Equal(t, "body", sel.Ready)
	assert.Equal(t, "tr", sel.Row)
	assert.Equal(t, -1, srcs[1].ResolvedColumns().Department)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":          "sources: []",
		"missing url":    "sources:\n  - {id: a, name: A}\n",
		"bad url":        "sources:\n  - {id: a, name: A, scheduleUrl: not a url}\n",
		"bad renderer":   "sources:\n  - {id: a, name: A, scheduleUrl: 'https://x', renderer: curl}\n",
		"unknown key":    "sources:\n  - {id: a, name: A, scheduleUrl: 'https://x', colour: red}\n",
		"unknown column": "sources:\n  - {id: a, name: A, scheduleUrl: 'https://x', columns: {date: 0, room: 3}}\n",
		"bad column":     "sources:\n  - {id: a, name: A, scheduleUrl: 'https://x', columns: {date: -2}}\n",
		"duplicate id":   "sources:\n  - {id: a, name: A, scheduleUrl: 'https://x'}\n  - {id: a, name: B, scheduleUrl: 'https://y'}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParse_PartialColumnsLeaveTheRestAbsent(t *testing.T) {
	doc := "sources:\n  - {id: a, name: A, scheduleUrl: 'https://x', columns: {date: 0, shift: 1}}\n"
	srcs, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, Columns{Date: 0, Shift: 1, Team: -1, Department: -1, Location: -1}, srcs[0].ResolvedColumns())
}

func TestByPriority_StableForTies(t *testing.T) {
	in := []Source{
		{ID: "c", Priority: 2},
		{ID: "a", Priority: 1},
		{ID: "d", Priority: 2},
		{ID: "b", Priority: 1},
	}
	out := ByPriority(in)
	ids := make([]string, 0, len(out))
	for _, s := range out {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
	assert.Equal(t, "c", in[0].ID, "input must not be reordered")
}

func TestShard(t *testing.T) {
	in := []Source{{ID: "0"}, {ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}}
	assert.Len(t, Shard(in, 0, 1), 5)

	got := Shard(in, 1, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
}

func TestCatalog_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cat, err := NewCatalog(path, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, cat.Snapshot(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cat.Watch(ctx)
	}()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	one := "sources:\n  - {id: solo, name: Solo, scheduleUrl: 'https://solo.example.com'}\n"
	require.NoError(t, os.WriteFile(path, []byte(one), 0o644))

	require.Eventually(t, func() bool {
		s := cat.Snapshot()
		return len(s) == 1 && s[0].ID == "solo"
	}, 2*time.Second, 10*time.Millisecond)

	// An invalid edit keeps the previous catalog.
	require.NoError(t, os.WriteFile(path, []byte("sources: ["), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "solo", cat.Snapshot()[0].ID)

	cancel()
	<-done
}

func TestExampleCatalogLoads(t *testing.T) {
	srcs, err := LoadFile(filepath.Join("..", "..", "configs", "sources.example.yaml"))
	require.NoError(t, err)
	require.Len(t, srcs, 3)
	assert.Equal(t, RendererStatic, srcs[1].RendererOrDefault())
	assert.True(t, srcs[2].AllowEmpty)
}
