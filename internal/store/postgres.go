package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/geostash/geostash/internal/db"
	"github.com/geostash/geostash/internal/geo"
	"github.com/geostash/geostash/internal/model"
)

// PostgresStore implements Store using pgx. Bulk entity writes go through
// db.BulkUpsert (COPY into a temp table, then INSERT ... ON CONFLICT).
type PostgresStore struct {
	pool db.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS pois (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	lat        DOUBLE PRECISION NOT NULL,
	lon        DOUBLE PRECISION NOT NULL,
	category   TEXT NOT NULL,
	attrs      JSONB,
	downloaded BOOLEAN NOT NULL DEFAULT FALSE,
	fetched_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tiles (
	style      TEXT NOT NULL,
	z          INTEGER NOT NULL,
	x          INTEGER NOT NULL,
	y          INTEGER NOT NULL,
	center_lat DOUBLE PRECISION NOT NULL,
	center_lon DOUBLE PRECISION NOT NULL,
	data       BYTEA NOT NULL,
	downloaded BOOLEAN NOT NULL DEFAULT FALSE,
	fetched_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (style, z, x, y)
);

CREATE TABLE IF NOT EXISTS cache_tiles (
	tile_key   TEXT PRIMARY KEY,
	south      DOUBLE PRECISION NOT NULL,
	north      DOUBLE PRECISION NOT NULL,
	west       DOUBLE PRECISION NOT NULL,
	east       DOUBLE PRECISION NOT NULL,
	categories JSONB NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS regions (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	kind         TEXT NOT NULL,
	south        DOUBLE PRECISION NOT NULL,
	north        DOUBLE PRECISION NOT NULL,
	west         DOUBLE PRECISION NOT NULL,
	east         DOUBLE PRECISION NOT NULL,
	min_zoom     INTEGER NOT NULL DEFAULT 0,
	max_zoom     INTEGER NOT NULL DEFAULT 0,
	categories   JSONB NOT NULL,
	entity_count BIGINT NOT NULL DEFAULT 0,
	byte_size    BIGINT NOT NULL DEFAULT 0,
	failed_units INTEGER NOT NULL DEFAULT 0,
	completed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS boundaries (
	name_norm  TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	level      TEXT,
	south      DOUBLE PRECISION NOT NULL,
	north      DOUBLE PRECISION NOT NULL,
	west       DOUBLE PRECISION NOT NULL,
	east       DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pois_position ON pois(lat, lon);
CREATE INDEX IF NOT EXISTS idx_pois_category ON pois(category);
CREATE INDEX IF NOT EXISTS idx_pois_expires ON pois(expires_at) WHERE NOT downloaded;
CREATE INDEX IF NOT EXISTS idx_tiles_expires ON tiles(expires_at) WHERE NOT downloaded;
CREATE INDEX IF NOT EXISTS idx_cache_tiles_expires ON cache_tiles(expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var entityUpsertCfg = db.UpsertConfig{
	Table:        "pois",
	Columns:      []string{"id", "name", "lat", "lon", "category", "attrs", "downloaded", "fetched_at", "expires_at"},
	ConflictKeys: []string{"id"},
	UpdateExprs: map[string]string{
		"downloaded": "pois.downloaded OR EXCLUDED.downloaded",
		"expires_at": "GREATEST(pois.expires_at, EXCLUDED.expires_at)",
	},
}

func (s *PostgresStore) UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	if len(entities) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(entities))
	for _, e := range entities {
		attrs, err := json.Marshal(e.Attributes)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal attrs for %s", e.ID)
		}
		expires := e.ExpiresAt
		if e.Downloaded {
			expires = model.PermanentExpiry
		}
		rows = append(rows, []any{
			e.ID, e.Name, e.Lat, e.Lon, e.Category, attrs,
			e.Downloaded, e.FetchedAt.UTC(), expires.UTC(),
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, entityUpsertCfg, rows)
	return n, eris.Wrap(err, "postgres: upsert entities")
}

var tileUpsertCfg = db.UpsertConfig{
	Table:        "tiles",
	Columns:      []string{"style", "z", "x", "y", "center_lat", "center_lon", "data", "downloaded", "fetched_at", "expires_at"},
	ConflictKeys: []string{"style", "z", "x", "y"},
	UpdateExprs: map[string]string{
		"downloaded": "tiles.downloaded OR EXCLUDED.downloaded",
		"expires_at": "GREATEST(tiles.expires_at, EXCLUDED.expires_at)",
	},
}

func (s *PostgresStore) UpsertTiles(ctx context.Context, tiles []model.TileBlob) (int64, error) {
	if len(tiles) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(tiles))
	for _, t := range tiles {
		expires := t.ExpiresAt
		if t.Downloaded {
			expires = model.PermanentExpiry
		}
		center := geo.TileXYZ{Z: t.Z, X: t.X, Y: t.Y}.Bounds()
		rows = append(rows, []any{
			t.Style, t.Z, t.X, t.Y,
			(center.South + center.North) / 2, (center.West + center.East) / 2,
			t.Data, t.Downloaded, t.FetchedAt.UTC(), expires.UTC(),
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, tileUpsertCfg, rows)
	return n, eris.Wrap(err, "postgres: upsert tiles")
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, lat, lon, category, attrs, downloaded, fetched_at, expires_at
		FROM pois WHERE id = $1`, id)
	e, err := scanEntityPG(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %s", id)
	}
	return e, nil
}

func (s *PostgresStore) GetTile(ctx context.Context, style string, z, x, y int) (*model.TileBlob, error) {
	var t model.TileBlob
	err := s.pool.QueryRow(ctx, `
		SELECT style, z, x, y, data, downloaded, fetched_at, expires_at
		FROM tiles WHERE style = $1 AND z = $2 AND x = $3 AND y = $4`,
		style, z, x, y,
	).Scan(&t.Style, &t.Z, &t.X, &t.Y, &t.Data, &t.Downloaded, &t.FetchedAt, &t.ExpiresAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get tile %s/%d/%d/%d", style, z, x, y)
	}
	return &t, nil
}

func (s *PostgresStore) QueryEntitiesInBounds(ctx context.Context, bbox geo.BoundingBox, categories []string) ([]model.Entity, error) {
	query := `
		SELECT id, name, lat, lon, category, attrs, downloaded, fetched_at, expires_at
		FROM pois WHERE lat BETWEEN $1 AND $2 AND lon BETWEEN $3 AND $4`
	args := []any{bbox.South, bbox.North, bbox.West, bbox.East}
	if len(categories) > 0 {
		query += ` AND category = ANY($5)`
		args = append(args, categories)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query entities in bounds")
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntityPG(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate entities")
}

func (s *PostgresStore) GetLedgerEntries(ctx context.Context, keys []string) (map[string]model.LedgerEntry, error) {
	out := make(map[string]model.LedgerEntry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT tile_key, south, north, west, east, categories, fetched_at, expires_at
		FROM cache_tiles WHERE tile_key = ANY($1)`, keys)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get ledger entries")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e    model.LedgerEntry
			cats []byte
		)
		if err := rows.Scan(&e.TileKey, &e.South, &e.North, &e.West, &e.East, &cats, &e.FetchedAt, &e.ExpiresAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		var tags []string
		if err := json.Unmarshal(cats, &tags); err != nil {
			return nil, eris.Wrapf(err, "postgres: decode ledger categories for %s", e.TileKey)
		}
		e.Categories = model.NewCategories(tags...)
		out[e.TileKey] = e
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate ledger entries")
}

func (s *PostgresStore) UpsertLedgerEntry(ctx context.Context, entry model.LedgerEntry) error {
	cats, err := json.Marshal(entry.Categories.Sorted())
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal categories for %s", entry.TileKey)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cache_tiles (tile_key, south, north, west, east, categories, fetched_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tile_key) DO UPDATE SET
			categories = EXCLUDED.categories,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at`,
		entry.TileKey, entry.South, entry.North, entry.West, entry.East,
		cats, entry.FetchedAt.UTC(), entry.ExpiresAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert ledger entry %s", entry.TileKey)
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time, preserveIDs []string) (EvictStats, error) {
	var stats EvictStats
	ts := now.UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: begin expiry sweep")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	entityQuery := `DELETE FROM pois WHERE NOT downloaded AND expires_at <= $1`
	args := []any{ts}
	if len(preserveIDs) > 0 {
		entityQuery += ` AND NOT (id = ANY($2))`
		args = append(args, preserveIDs)
	}
	tag, err := tx.Exec(ctx, entityQuery, args...)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: delete expired entities")
	}
	stats.Entities = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM tiles WHERE NOT downloaded AND expires_at <= $1`, ts)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: delete expired tiles")
	}
	stats.Tiles = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM cache_tiles WHERE expires_at <= $1`, ts)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: delete expired ledger entries")
	}
	stats.Ledger = tag.RowsAffected()

	return stats, eris.Wrap(tx.Commit(ctx), "postgres: commit expiry sweep")
}

func (s *PostgresStore) InsertRegion(ctx context.Context, region model.Region) error {
	cats, err := json.Marshal(region.Categories)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal region categories")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO regions (id, name, kind, south, north, west, east, min_zoom, max_zoom,
			categories, entity_count, byte_size, failed_units, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		region.ID, region.Name, string(region.Kind),
		region.South, region.North, region.West, region.East,
		region.MinZoom, region.MaxZoom, cats,
		region.EntityCount, region.ByteSize, region.FailedUnits,
		region.CompletedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert region %s", region.ID)
}

const regionSelectPG = `
	SELECT id, name, kind, south, north, west, east, min_zoom, max_zoom,
		categories, entity_count, byte_size, failed_units, completed_at
	FROM regions`

func (s *PostgresStore) GetRegion(ctx context.Context, id string) (*model.Region, error) {
	row := s.pool.QueryRow(ctx, regionSelectPG+` WHERE id = $1`, id)
	r, err := scanRegionPG(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get region %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRegions(ctx context.Context) ([]model.Region, error) {
	rows, err := s.pool.Query(ctx, regionSelectPG+` ORDER BY completed_at DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list regions")
	}
	defer rows.Close()

	var out []model.Region
	for rows.Next() {
		r, err := scanRegionPG(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan region")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate regions")
}

func (s *PostgresStore) DeleteRegion(ctx context.Context, id string) (DeleteStats, error) {
	var stats DeleteStats

	region, err := s.GetRegion(ctx, id)
	if err != nil {
		return stats, err
	}
	if region == nil {
		return stats, eris.Errorf("postgres: region %s not found", id)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: begin region delete")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		DELETE FROM pois WHERE downloaded
		AND lat BETWEEN $1 AND $2 AND lon BETWEEN $3 AND $4`,
		region.South, region.North, region.West, region.East,
	)
	if err != nil {
		return stats, eris.Wrapf(err, "postgres: delete region %s entities", id)
	}
	stats.Entities = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `
		DELETE FROM tiles WHERE downloaded
		AND center_lat BETWEEN $1 AND $2 AND center_lon BETWEEN $3 AND $4`,
		region.South, region.North, region.West, region.East,
	)
	if err != nil {
		return stats, eris.Wrapf(err, "postgres: delete region %s tiles", id)
	}
	stats.Tiles = tag.RowsAffected()

	if _, err := tx.Exec(ctx, `DELETE FROM regions WHERE id = $1`, id); err != nil {
		return stats, eris.Wrapf(err, "postgres: delete region %s summary", id)
	}

	return stats, eris.Wrap(tx.Commit(ctx), "postgres: commit region delete")
}

func (s *PostgresStore) UpsertBoundaries(ctx context.Context, areas []model.Boundary) (int64, error) {
	if len(areas) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin boundary upsert")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var n int64
	for _, a := range areas {
		if _, err := tx.Exec(ctx, `
			INSERT INTO boundaries (name_norm, name, level, south, north, west, east)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (name_norm) DO UPDATE SET
				name = EXCLUDED.name,
				level = EXCLUDED.level,
				south = EXCLUDED.south,
				north = EXCLUDED.north,
				west = EXCLUDED.west,
				east = EXCLUDED.east`,
			a.NameNorm, a.Name, a.Level, a.South, a.North, a.West, a.East,
		); err != nil {
			return n, eris.Wrapf(err, "postgres: upsert boundary %s", a.Name)
		}
		n++
	}

	return n, eris.Wrap(tx.Commit(ctx), "postgres: commit boundary upsert")
}

func (s *PostgresStore) FindBoundary(ctx context.Context, nameNorm string) (*model.Boundary, error) {
	var b model.Boundary
	err := s.pool.QueryRow(ctx, `
		SELECT name_norm, name, level, south, north, west, east
		FROM boundaries WHERE name_norm = $1`, nameNorm,
	).Scan(&b.NameNorm, &b.Name, &b.Level, &b.South, &b.North, &b.West, &b.East)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find boundary %s", nameNorm)
	}
	return &b, nil
}

func scanEntityPG(row pgx.Row) (*model.Entity, error) {
	var (
		e     model.Entity
		attrs []byte
	)
	if err := row.Scan(&e.ID, &e.Name, &e.Lat, &e.Lon, &e.Category, &attrs,
		&e.Downloaded, &e.FetchedAt, &e.ExpiresAt); err != nil {
		return nil, err
	}
	if len(attrs) > 0 && string(attrs) != "null" {
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func scanRegionPG(row pgx.Row) (*model.Region, error) {
	var (
		r    model.Region
		kind string
		cats []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &kind, &r.South, &r.North, &r.West, &r.East,
		&r.MinZoom, &r.MaxZoom, &cats, &r.EntityCount, &r.ByteSize, &r.FailedUnits, &r.CompletedAt); err != nil {
		return nil, err
	}
	r.Kind = model.RegionKind(kind)
	if err := json.Unmarshal(cats, &r.Categories); err != nil {
		return nil, err
	}
	return &r, nil
}
