package migration

import (
	"testing"
	"testing/fstest"

	"roster-sync/db/migrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_OrdersAndChecksums(t *testing.T) {
	fsys := fstest.MapFS{
		"V10__later.sql":   {Data: []byte("SELECT 10;")},
		"V2__second.sql":   {Data: []byte("SELECT 2;\n")},
		"V1__first.sql":    {Data: []byte("SELECT 1;")},
		"README.md":        {Data: []byte("ignored")},
		"V3_badname.sql":   {Data: []byte("SELECT 3;")},
		"nested/V4__x.sql": {Data: []byte("SELECT 4;")},
	}

	migs, err := Load(fsys)
	require.NoError(t, err)
	require.Len(t, migs, 3)
	assert.Equal(t, []int64{1, 2, 10}, []int64{migs[0].Version, migs[1].Version, migs[2].Version})
	assert.Equal(t, "second", migs[1].Name)
	assert.Equal(t, "SELECT 2;", migs[1].SQL)
	assert.Len(t, migs[0].Checksum, 64)
}

func TestLoad_RejectsDuplicatesAndEmpty(t *testing.T) {
	_, err := Load(fstest.MapFS{
		"V1__a.sql":  {Data: []byte("SELECT 1;")},
		"V01__b.sql": {Data: []byte("SELECT 1;")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate migration version")

	_, err = Load(fstest.MapFS{"V1__empty.sql": {Data: []byte("  \n")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty migration file")
}

func TestLoad_EmbeddedMigrations(t *testing.T) {
	migs, err := Load(migrations.Files)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(migs), 2)
	assert.Contains(t, migs[0].SQL, "schedules_natural_key")
	assert.Contains(t, migs[1].SQL, "scrape_logs")
}

func TestPlan(t *testing.T) {
	migs, err := Load(fstest.MapFS{
		"V1__a.sql": {Data: []byte("SELECT 1;")},
		"V2__b.sql": {Data: []byte("SELECT 2;")},
		"V3__c.sql": {Data: []byte("SELECT 3;")},
	})
	require.NoError(t, err)

	pending, err := Plan(migs, map[int64]string{1: migs[0].Checksum})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(2), pending[0].Version)

	pending, err = Plan(migs, map[int64]string{1: migs[0].Checksum, 2: migs[1].Checksum, 3: migs[2].Checksum})
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = Plan(migs, map[int64]string{2: "edited"})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}
