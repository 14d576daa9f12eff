package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/geostash/geostash/internal/model"
	"github.com/geostash/geostash/internal/store"
)

// Saver deduplicates within a session and persists progressively. Overlapping
// tiles return the same POI more than once; the seen set makes sure each id
// is written a single time per session, while the store's upsert keeps the
// write idempotent across sessions.
type Saver struct {
	store store.Store

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewSaver creates a Saver with an empty session-scoped seen set.
func NewSaver(st store.Store) *Saver {
	return &Saver{store: st, seen: make(map[string]struct{})}
}

// SaveBatch upserts the entities not yet written this session and returns
// how many were saved. Ids are recorded only after a successful upsert, so a
// failed batch is retried in full if the caller re-submits it. Duplicate ids
// within one batch collapse to a single row; Postgres rejects an upsert that
// touches the same row twice.
func (s *Saver) SaveBatch(ctx context.Context, entities []model.Entity) (int64, error) {
	fresh := make([]model.Entity, 0, len(entities))
	inBatch := make(map[string]struct{}, len(entities))
	s.mu.Lock()
	for _, e := range entities {
		if _, ok := s.seen[e.ID]; ok {
			continue
		}
		if _, ok := inBatch[e.ID]; ok {
			continue
		}
		inBatch[e.ID] = struct{}{}
		fresh = append(fresh, e)
	}
	s.mu.Unlock()

	if len(fresh) == 0 {
		return 0, nil
	}

	n, err := s.store.UpsertEntities(ctx, fresh)
	if err != nil {
		return 0, eris.Wrap(err, "engine: save entity batch")
	}

	s.mu.Lock()
	for _, e := range fresh {
		s.seen[e.ID] = struct{}{}
	}
	s.mu.Unlock()
	return n, nil
}

// SaveTiles is SaveBatch for raster tiles, keyed by style and coordinates.
func (s *Saver) SaveTiles(ctx context.Context, tiles []model.TileBlob) (int64, error) {
	fresh := make([]model.TileBlob, 0, len(tiles))
	inBatch := make(map[string]struct{}, len(tiles))
	s.mu.Lock()
	for _, t := range tiles {
		key := fmt.Sprintf("%s/%d/%d/%d", t.Style, t.Z, t.X, t.Y)
		if _, ok := s.seen[key]; ok {
			continue
		}
		if _, ok := inBatch[key]; ok {
			continue
		}
		inBatch[key] = struct{}{}
		fresh = append(fresh, t)
	}
	s.mu.Unlock()

	if len(fresh) == 0 {
		return 0, nil
	}

	n, err := s.store.UpsertTiles(ctx, fresh)
	if err != nil {
		return 0, eris.Wrap(err, "engine: save tile batch")
	}

	s.mu.Lock()
	for _, t := range fresh {
		s.seen[fmt.Sprintf("%s/%d/%d/%d", t.Style, t.Z, t.X, t.Y)] = struct{}{}
	}
	s.mu.Unlock()
	return n, nil
}
