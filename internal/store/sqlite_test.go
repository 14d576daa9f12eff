package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geostash/geostash/internal/geo"
	"github.com/geostash/geostash/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testEntity(id string, downloaded bool) model.Entity {
	now := time.Now().UTC().Truncate(time.Second)
	return model.Entity{
		ID:         id,
		Name:       "Cafe " + id,
		Lat:        47.61,
		Lon:        -122.33,
		Category:   "cafe",
		Attributes: map[string]any{"cuisine": "coffee"},
		Downloaded: downloaded,
		FetchedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
}

// --- Entities ---

func TestSQLite_UpsertEntities_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	e := testEntity("poi-1", false)
	n, err := st.UpsertEntities(ctx, []model.Entity{e})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetEntity(ctx, "poi-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.Name, got.Name)
	assert.Equal(t, e.Category, got.Category)
	assert.Equal(t, "coffee", got.Attributes["cuisine"])
	assert.False(t, got.Downloaded)
	assert.Equal(t, e.ExpiresAt, got.ExpiresAt)
}

func TestSQLite_GetEntity_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetEntity(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_UpsertEntities_TransientNeverDowngradesDownloaded(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	downloaded := testEntity("poi-1", true)
	_, err := st.UpsertEntities(ctx, []model.Entity{downloaded})
	require.NoError(t, err)

	// A later transient fetch of the same POI must not clear the flag or
	// shrink the expiry.
	transient := testEntity("poi-1", false)
	transient.Name = "Cafe renamed"
	_, err = st.UpsertEntities(ctx, []model.Entity{transient})
	require.NoError(t, err)

	got, err := st.GetEntity(ctx, "poi-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Downloaded, "downloaded flag must survive transient re-upsert")
	assert.Equal(t, "Cafe renamed", got.Name, "fresh payload fields still win")
	assert.True(t, got.ExpiresAt.After(time.Now().Add(100*365*24*time.Hour)),
		"downloaded rows keep their permanent expiry")
}

func TestSQLite_UpsertEntities_TransientUpgradesToDownloaded(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.UpsertEntities(ctx, []model.Entity{testEntity("poi-1", false)})
	require.NoError(t, err)

	_, err = st.UpsertEntities(ctx, []model.Entity{testEntity("poi-1", true)})
	require.NoError(t, err)

	got, err := st.GetEntity(ctx, "poi-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Downloaded)
}

func TestSQLite_UpsertEntities_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)

	n, err := st.UpsertEntities(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_QueryEntitiesInBounds(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	inside := testEntity("in-1", false)
	inside.Lat, inside.Lon = 47.5, -122.3

	outside := testEntity("out-1", false)
	outside.Lat, outside.Lon = 40.0, -100.0

	park := testEntity("in-2", false)
	park.Lat, park.Lon = 47.6, -122.2
	park.Category = "park"

	_, err := st.UpsertEntities(ctx, []model.Entity{inside, outside, park})
	require.NoError(t, err)

	bbox := geo.BoundingBox{South: 47.0, North: 48.0, West: -123.0, East: -122.0}

	all, err := st.QueryEntitiesInBounds(ctx, bbox, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	cafes, err := st.QueryEntitiesInBounds(ctx, bbox, []string{"cafe"})
	require.NoError(t, err)
	require.Len(t, cafes, 1)
	assert.Equal(t, "in-1", cafes[0].ID)
}

// --- Tiles ---

func TestSQLite_UpsertTiles_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	tile := model.TileBlob{
		Style: "streets", Z: 12, X: 654, Y: 1431,
		Data:       []byte{0x89, 0x50, 0x4e, 0x47},
		Downloaded: false,
		FetchedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
	n, err := st.UpsertTiles(ctx, []model.TileBlob{tile})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetTile(ctx, "streets", 12, 654, 1431)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tile.Data, got.Data)
	assert.Equal(t, now, got.FetchedAt)
}

func TestSQLite_UpsertTiles_DownloadedWins(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	tile := model.TileBlob{
		Style: "streets", Z: 10, X: 1, Y: 2,
		Data: []byte("v1"), Downloaded: true,
		FetchedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	_, err := st.UpsertTiles(ctx, []model.TileBlob{tile})
	require.NoError(t, err)

	tile.Data = []byte("v2")
	tile.Downloaded = false
	_, err = st.UpsertTiles(ctx, []model.TileBlob{tile})
	require.NoError(t, err)

	got, err := st.GetTile(ctx, "streets", 10, 1, 2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Downloaded)
	assert.Equal(t, []byte("v2"), got.Data)
}

func TestSQLite_GetTile_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetTile(context.Background(), "streets", 1, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// --- Cache ledger ---

func TestSQLite_LedgerEntries_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	entry := model.LedgerEntry{
		TileKey: "g0.2:100:200",
		South:   47.0, North: 47.2, West: -122.4, East: -122.2,
		Categories: model.NewCategories("cafe", "park"),
		FetchedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
	require.NoError(t, st.UpsertLedgerEntry(ctx, entry))

	got, err := st.GetLedgerEntries(ctx, []string{"g0.2:100:200", "g0.2:0:0"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	e := got["g0.2:100:200"]
	assert.Equal(t, entry.ExpiresAt, e.ExpiresAt)
	assert.True(t, e.Categories.Contains(model.NewCategories("cafe")))
	assert.False(t, e.Categories.Contains(model.NewCategories("fuel")))
}

func TestSQLite_LedgerEntries_UpsertReplaces(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	entry := model.LedgerEntry{
		TileKey:    "g1:5:5",
		Categories: model.NewCategories("cafe"),
		FetchedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
	require.NoError(t, st.UpsertLedgerEntry(ctx, entry))

	entry.Categories = model.NewCategories("cafe", "fuel")
	entry.ExpiresAt = now.Add(2 * time.Hour)
	require.NoError(t, st.UpsertLedgerEntry(ctx, entry))

	got, err := st.GetLedgerEntries(ctx, []string{"g1:5:5"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got["g1:5:5"].Categories.Contains(model.NewCategories("cafe", "fuel")))
	assert.Equal(t, now.Add(2*time.Hour), got["g1:5:5"].ExpiresAt)
}

func TestSQLite_GetLedgerEntries_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetLedgerEntries(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// --- Expiry sweep ---

func TestSQLite_DeleteExpired(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)

	expired := testEntity("expired-1", false)
	expired.ExpiresAt = now.Add(-time.Hour)

	fresh := testEntity("fresh-1", false)
	fresh.ExpiresAt = now.Add(time.Hour)

	// Downloaded rows never expire, even with a past timestamp on input.
	kept := testEntity("kept-1", true)
	kept.ExpiresAt = now.Add(-time.Hour)

	preserved := testEntity("preserved-1", false)
	preserved.ExpiresAt = now.Add(-time.Hour)

	_, err := st.UpsertEntities(ctx, []model.Entity{expired, fresh, kept, preserved})
	require.NoError(t, err)

	require.NoError(t, st.UpsertLedgerEntry(ctx, model.LedgerEntry{
		TileKey:    "g1:0:0",
		Categories: model.NewCategories("cafe"),
		FetchedAt:  now.Add(-2 * time.Hour),
		ExpiresAt:  now.Add(-time.Hour),
	}))

	stats, err := st.DeleteExpired(ctx, now, []string{"preserved-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entities)
	assert.Equal(t, int64(1), stats.Ledger)

	for id, want := range map[string]bool{
		"expired-1": false, "fresh-1": true, "kept-1": true, "preserved-1": true,
	} {
		got, err := st.GetEntity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got != nil, "entity %s", id)
	}
}

// --- Regions ---

func testRegion(id string) model.Region {
	return model.Region{
		ID:   id,
		Name: "Downtown",
		Kind: model.RegionKindPOI,
		South: 47.0, North: 48.0, West: -123.0, East: -122.0,
		Categories:  []string{"cafe"},
		EntityCount: 42,
		ByteSize:    1024,
		FailedUnits: 1,
		CompletedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestSQLite_Regions_InsertGetList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r := testRegion("region-1")
	require.NoError(t, st.InsertRegion(ctx, r))

	got, err := st.GetRegion(ctx, "region-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, r.Name, got.Name)
	assert.Equal(t, model.RegionKindPOI, got.Kind)
	assert.Equal(t, []string{"cafe"}, got.Categories)
	assert.Equal(t, int64(42), got.EntityCount)
	assert.Equal(t, 1, got.FailedUnits)

	list, err := st.ListRegions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLite_GetRegion_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetRegion(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_DeleteRegion_RemovesDownloadedRowsInBounds(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	inside := testEntity("in-dl", true)
	inside.Lat, inside.Lon = 47.5, -122.5

	transientInside := testEntity("in-transient", false)
	transientInside.Lat, transientInside.Lon = 47.5, -122.5

	outside := testEntity("out-dl", true)
	outside.Lat, outside.Lon = 40.0, -100.0

	_, err := st.UpsertEntities(ctx, []model.Entity{inside, transientInside, outside})
	require.NoError(t, err)

	require.NoError(t, st.InsertRegion(ctx, testRegion("region-1")))

	stats, err := st.DeleteRegion(ctx, "region-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entities)

	// Downloaded row inside the bounds is gone; the transient duplicate and
	// the row outside the bounds survive.
	got, err := st.GetEntity(ctx, "in-dl")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = st.GetEntity(ctx, "in-transient")
	require.NoError(t, err)
	assert.NotNil(t, got)

	got, err = st.GetEntity(ctx, "out-dl")
	require.NoError(t, err)
	assert.NotNil(t, got)

	region, err := st.GetRegion(ctx, "region-1")
	require.NoError(t, err)
	assert.Nil(t, region)
}

func TestSQLite_DeleteRegion_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.DeleteRegion(context.Background(), "nope")
	assert.Error(t, err)
}

// --- Boundaries ---

func TestSQLite_Boundaries_UpsertAndFind(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.UpsertBoundaries(ctx, []model.Boundary{
		{NameNorm: "seattle", Name: "Seattle", Level: "place",
			South: 47.48, North: 47.73, West: -122.46, East: -122.22},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.FindBoundary(ctx, "seattle")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Seattle", got.Name)
	assert.InDelta(t, 47.48, got.South, 1e-9)

	missing, err := st.FindBoundary(ctx, "atlantis")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
