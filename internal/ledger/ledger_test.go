package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geostash/geostash/internal/geo"
	"github.com/geostash/geostash/internal/model"
	"github.com/geostash/geostash/internal/store"
)

func newTestLedger(t *testing.T, ttl time.Duration) *Ledger {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, ttl)
}

func gridUnits(bbox geo.BoundingBox, step float64) []geo.Tile {
	return geo.Partition(bbox, step)
}

func TestLedger_UnsatisfiedThenMarked(t *testing.T) {
	l := newTestLedger(t, 24*time.Hour)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	units := gridUnits(geo.BoundingBox{South: 47.01, North: 47.39, West: -122.39, East: -122.01}, 0.2)
	require.Len(t, units, 4)
	cats := model.NewCategories("cafe")

	// Nothing cached yet.
	need := l.Unsatisfied(ctx, units, cats, now)
	assert.Len(t, need, 4)

	// Mark half and ask again.
	require.NoError(t, l.MarkFetched(ctx, units[0], cats, now))
	require.NoError(t, l.MarkFetched(ctx, units[1], cats, now))

	need = l.Unsatisfied(ctx, units, cats, now)
	require.Len(t, need, 2)
	assert.Equal(t, units[2].Key, need[0].Key)
	assert.Equal(t, units[3].Key, need[1].Key)
}

func TestLedger_SubsetCategoriesSatisfy(t *testing.T) {
	l := newTestLedger(t, 24*time.Hour)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	tile := geo.Partition(geo.BoundingBox{South: 47.01, North: 47.19, West: -122.19, East: -122.01}, 0.2)[0]
	require.NoError(t, l.MarkFetched(ctx, tile, model.NewCategories("cafe", "park"), now))

	ok, err := l.IsSatisfied(ctx, tile, model.NewCategories("cafe"), now)
	require.NoError(t, err)
	assert.True(t, ok, "subset of cached categories is covered")

	ok, err = l.IsSatisfied(ctx, tile, model.NewCategories("cafe", "fuel"), now)
	require.NoError(t, err)
	assert.False(t, ok, "a single missing category means a refetch")
}

func TestLedger_NarrowFetchDoesNotCoverUnfiltered(t *testing.T) {
	l := newTestLedger(t, 24*time.Hour)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	tile := geo.Partition(geo.BoundingBox{South: 47.01, North: 47.19, West: -122.19, East: -122.01}, 0.2)[0]
	require.NoError(t, l.MarkFetched(ctx, tile, model.NewCategories("cafe"), now))

	// A request with no category filter wants everything; a cafe-only
	// fetch must not short-circuit it.
	ok, err := l.IsSatisfied(ctx, tile, model.NewCategories(), now)
	require.NoError(t, err)
	assert.False(t, ok, "cafe-only cache must not satisfy an unfiltered request")

	// Once the tile has been fetched unfiltered, both kinds of request
	// are covered.
	require.NoError(t, l.MarkFetched(ctx, tile, model.NewCategories(), now))

	ok, err = l.IsSatisfied(ctx, tile, model.NewCategories(), now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.IsSatisfied(ctx, tile, model.NewCategories("park"), now)
	require.NoError(t, err)
	assert.True(t, ok, "an unfiltered fetch covers any named category")
}

func TestLedger_MarkFetched_UnionsCategories(t *testing.T) {
	l := newTestLedger(t, 24*time.Hour)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	tile := geo.Partition(geo.BoundingBox{South: 47.01, North: 47.19, West: -122.19, East: -122.01}, 0.2)[0]
	require.NoError(t, l.MarkFetched(ctx, tile, model.NewCategories("cafe"), now))
	require.NoError(t, l.MarkFetched(ctx, tile, model.NewCategories("fuel"), now.Add(time.Minute)))

	ok, err := l.IsSatisfied(ctx, tile, model.NewCategories("cafe", "fuel"), now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "earlier categories survive a later mark")
}

func TestLedger_ExpiredEntryDoesNotSatisfy(t *testing.T) {
	l := newTestLedger(t, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	tile := geo.Partition(geo.BoundingBox{South: 47.01, North: 47.19, West: -122.19, East: -122.01}, 0.2)[0]
	cats := model.NewCategories("cafe")
	require.NoError(t, l.MarkFetched(ctx, tile, cats, now))

	ok, err := l.IsSatisfied(ctx, tile, cats, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.IsSatisfied(ctx, tile, cats, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "entries past their TTL force a refetch")
}

func TestLedger_Unsatisfied_FailsOpenOnClosedStore(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	l := New(st, time.Hour)

	units := gridUnits(geo.BoundingBox{South: 47.01, North: 47.19, West: -122.19, East: -122.01}, 0.2)
	require.NoError(t, st.Close())

	// All units come back when the lookup errors.
	need := l.Unsatisfied(context.Background(), units, model.NewCategories("cafe"), time.Now())
	assert.Len(t, need, len(units))
}

func TestLedger_EvictExpired(t *testing.T) {
	l := newTestLedger(t, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	tile := geo.Partition(geo.BoundingBox{South: 47.01, North: 47.19, West: -122.19, East: -122.01}, 0.2)[0]
	require.NoError(t, l.MarkFetched(ctx, tile, model.NewCategories("cafe"), now.Add(-2*time.Hour)))

	stats, err := l.EvictExpired(ctx, now, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ledger)

	ok, err := l.IsSatisfied(ctx, tile, model.NewCategories("cafe"), now)
	require.NoError(t, err)
	assert.False(t, ok)
}
