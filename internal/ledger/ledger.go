// Package ledger tracks which grid tiles are already cached and for which
// categories, so repeat downloads skip ground they have covered. Entries are
// keyed by grid tile key; a tile only satisfies a request when it is
// unexpired and its recorded categories are a superset of the requested ones.
package ledger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/geostash/geostash/internal/geo"
	"github.com/geostash/geostash/internal/model"
	"github.com/geostash/geostash/internal/store"
)

// Ledger answers cache-coverage questions for grid tiles. It assumes a
// single writer per process; category unions are read-modify-write.
type Ledger struct {
	store store.Store
	ttl   time.Duration
}

// New creates a Ledger whose entries expire ttl after each fetch.
func New(st store.Store, ttl time.Duration) *Ledger {
	return &Ledger{store: st, ttl: ttl}
}

// TTL returns the expiry window applied to new entries.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Unsatisfied filters units down to the ones that still need fetching: tiles
// with no ledger entry, an expired entry, or an entry missing any requested
// category. Lookup errors fail open — on error every unit is returned, since
// refetching cached ground is safe and skipping uncached ground is not.
func (l *Ledger) Unsatisfied(ctx context.Context, units []geo.Tile, cats model.Categories, now time.Time) []geo.Tile {
	if len(units) == 0 {
		return nil
	}

	keys := make([]string, len(units))
	for i, u := range units {
		keys[i] = u.Key
	}

	entries, err := l.store.GetLedgerEntries(ctx, keys)
	if err != nil {
		zap.L().Warn("ledger lookup failed, refetching all units",
			zap.Int("units", len(units)), zap.Error(err))
		return units
	}

	var out []geo.Tile
	for _, u := range units {
		entry, ok := entries[u.Key]
		if ok && entry.Satisfies(cats, now) {
			continue
		}
		out = append(out, u)
	}
	return out
}

// IsSatisfied reports whether a single tile is covered for the categories.
func (l *Ledger) IsSatisfied(ctx context.Context, tile geo.Tile, cats model.Categories, now time.Time) (bool, error) {
	entries, err := l.store.GetLedgerEntries(ctx, []string{tile.Key})
	if err != nil {
		return false, eris.Wrapf(err, "ledger: lookup %s", tile.Key)
	}
	entry, ok := entries[tile.Key]
	return ok && entry.Satisfies(cats, now), nil
}

// MarkFetched records that a tile was fetched for the given categories. An
// existing entry keeps its previous categories: the sets are unioned, so a
// tile fetched first for cafes and later for fuel satisfies both. Both
// timestamps are reset to the latest fetch.
func (l *Ledger) MarkFetched(ctx context.Context, tile geo.Tile, cats model.Categories, now time.Time) error {
	merged := cats
	entries, err := l.store.GetLedgerEntries(ctx, []string{tile.Key})
	if err != nil {
		return eris.Wrapf(err, "ledger: lookup %s before mark", tile.Key)
	}
	if prev, ok := entries[tile.Key]; ok {
		merged = prev.Categories.Union(cats)
	}

	entry := model.LedgerEntry{
		TileKey:    tile.Key,
		South:      tile.Bounds.South,
		North:      tile.Bounds.North,
		West:       tile.Bounds.West,
		East:       tile.Bounds.East,
		Categories: merged,
		FetchedAt:  now,
		ExpiresAt:  now.Add(l.ttl),
	}
	if err := l.store.UpsertLedgerEntry(ctx, entry); err != nil {
		return eris.Wrapf(err, "ledger: mark %s", tile.Key)
	}
	return nil
}

// EvictExpired sweeps expired transient rows and ledger entries. Rows named
// in preserveIDs are kept even when expired.
func (l *Ledger) EvictExpired(ctx context.Context, now time.Time, preserveIDs []string) (store.EvictStats, error) {
	stats, err := l.store.DeleteExpired(ctx, now, preserveIDs)
	if err != nil {
		return stats, eris.Wrap(err, "ledger: evict expired")
	}
	zap.L().Info("expired cache rows evicted",
		zap.Int64("entities", stats.Entities),
		zap.Int64("tiles", stats.Tiles),
		zap.Int64("ledger_entries", stats.Ledger))
	return stats, nil
}
