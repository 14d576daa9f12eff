package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geostash/geostash/internal/model"
	"github.com/geostash/geostash/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func entity(id string) model.Entity {
	now := time.Now().UTC().Truncate(time.Second)
	return model.Entity{
		ID: id, Name: id, Lat: 47.6, Lon: -122.3, Category: "cafe",
		FetchedAt: now, ExpiresAt: now.Add(time.Hour),
	}
}

func TestSaver_DeduplicatesAcrossBatches(t *testing.T) {
	s := NewSaver(newTestStore(t))
	ctx := context.Background()

	n, err := s.SaveBatch(ctx, []model.Entity{entity("a"), entity("b")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Overlapping tiles return "b" again; only "c" is new.
	n, err = s.SaveBatch(ctx, []model.Entity{entity("b"), entity("c")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSaver_DeduplicatesWithinBatch(t *testing.T) {
	rs := &recordingStore{Store: newTestStore(t)}
	s := NewSaver(rs)

	// A batch from overlapping units can carry the same id twice. Only one
	// copy may reach the store: Postgres rejects an upsert that updates the
	// same row twice in a single statement.
	n, err := s.SaveBatch(context.Background(), []model.Entity{entity("a"), entity("a"), entity("b")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []string{"a", "b"}, rs.upserted)

	n, err = s.SaveBatch(context.Background(), []model.Entity{entity("a")})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSaver_SaveTiles_DeduplicatesWithinBatch(t *testing.T) {
	s := NewSaver(newTestStore(t))

	now := time.Now().UTC().Truncate(time.Second)
	tile := model.TileBlob{
		Style: "streets", Z: 5, X: 1, Y: 2, Data: []byte("x"),
		FetchedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	n, err := s.SaveTiles(context.Background(), []model.TileBlob{tile, tile})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// recordingStore notes which entity ids reach the underlying store.
type recordingStore struct {
	store.Store
	upserted []string
}

func (r *recordingStore) UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	for _, e := range entities {
		r.upserted = append(r.upserted, e.ID)
	}
	return r.Store.UpsertEntities(ctx, entities)
}

// flakyStore fails entity upserts on demand while delegating the rest.
type flakyStore struct {
	store.Store
	fail bool
}

func (f *flakyStore) UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	if f.fail {
		return 0, eris.New("disk full")
	}
	return f.Store.UpsertEntities(ctx, entities)
}

func TestSaver_FailedBatchIsRetriable(t *testing.T) {
	fs := &flakyStore{Store: newTestStore(t), fail: true}
	s := NewSaver(fs)
	ctx := context.Background()

	_, err := s.SaveBatch(ctx, []model.Entity{entity("a")})
	require.Error(t, err)

	// Ids from the failed batch were not recorded, so a re-submit writes.
	fs.fail = false
	n, err := s.SaveBatch(ctx, []model.Entity{entity("a")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSaver_SaveTiles_Dedup(t *testing.T) {
	s := NewSaver(newTestStore(t))
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	tile := model.TileBlob{
		Style: "streets", Z: 5, X: 1, Y: 2, Data: []byte("x"),
		FetchedAt: now, ExpiresAt: now.Add(time.Hour),
	}

	n, err := s.SaveTiles(ctx, []model.TileBlob{tile})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.SaveTiles(ctx, []model.TileBlob{tile})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSaver_EmptyBatch(t *testing.T) {
	s := NewSaver(newTestStore(t))

	n, err := s.SaveBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
