// Package store persists entities, raster tiles, the cache ledger, and
// completed-region summaries. Two backends implement the same interface:
// an embedded sqlite database (default) and postgres.
package store

import (
	"context"
	"time"

	"github.com/geostash/geostash/internal/geo"
	"github.com/geostash/geostash/internal/model"
)

// EvictStats reports what an expiry sweep removed.
type EvictStats struct {
	Entities int64 `json:"entities"`
	Tiles    int64 `json:"tiles"`
	Ledger   int64 `json:"ledger"`
}

// DeleteStats reports what a region deletion removed.
type DeleteStats struct {
	Entities int64 `json:"entities"`
	Tiles    int64 `json:"tiles"`
}

// Store is the durable key-indexed store the engine persists into. Each call
// is atomic on its own; cross-call consistency (dedup, ledger bookkeeping)
// is the engine's responsibility.
type Store interface {
	// Entities and tiles. Upserts are idempotent by id; a downloaded row is
	// never downgraded by a transient duplicate, and its expiry never shrinks.
	UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error)
	UpsertTiles(ctx context.Context, tiles []model.TileBlob) (int64, error)
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	GetTile(ctx context.Context, style string, z, x, y int) (*model.TileBlob, error)
	QueryEntitiesInBounds(ctx context.Context, bbox geo.BoundingBox, categories []string) ([]model.Entity, error)

	// Cache ledger.
	GetLedgerEntries(ctx context.Context, keys []string) (map[string]model.LedgerEntry, error)
	UpsertLedgerEntry(ctx context.Context, entry model.LedgerEntry) error

	// Expiry cleanup. Rows with downloaded=true and ids in preserveIDs are
	// always kept regardless of expiry.
	DeleteExpired(ctx context.Context, now time.Time, preserveIDs []string) (EvictStats, error)

	// Completed-region summaries.
	InsertRegion(ctx context.Context, region model.Region) error
	GetRegion(ctx context.Context, id string) (*model.Region, error)
	ListRegions(ctx context.Context) ([]model.Region, error)
	// DeleteRegion removes the summary and every downloaded row inside its
	// bounds in one transaction.
	DeleteRegion(ctx context.Context, id string) (DeleteStats, error)

	// Administrative boundaries.
	UpsertBoundaries(ctx context.Context, areas []model.Boundary) (int64, error)
	FindBoundary(ctx context.Context, nameNorm string) (*model.Boundary, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
