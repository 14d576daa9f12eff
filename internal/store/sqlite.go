package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/geostash/geostash/internal/geo"
	"github.com/geostash/geostash/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS pois (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	lat        REAL NOT NULL,
	lon        REAL NOT NULL,
	category   TEXT NOT NULL,
	attrs      TEXT,
	downloaded INTEGER NOT NULL DEFAULT 0,
	fetched_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tiles (
	style      TEXT NOT NULL,
	z          INTEGER NOT NULL,
	x          INTEGER NOT NULL,
	y          INTEGER NOT NULL,
	center_lat REAL NOT NULL,
	center_lon REAL NOT NULL,
	data       BLOB NOT NULL,
	downloaded INTEGER NOT NULL DEFAULT 0,
	fetched_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (style, z, x, y)
);

CREATE TABLE IF NOT EXISTS cache_tiles (
	tile_key   TEXT PRIMARY KEY,
	south      REAL NOT NULL,
	north      REAL NOT NULL,
	west       REAL NOT NULL,
	east       REAL NOT NULL,
	categories TEXT NOT NULL,
	fetched_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS regions (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	kind         TEXT NOT NULL,
	south        REAL NOT NULL,
	north        REAL NOT NULL,
	west         REAL NOT NULL,
	east         REAL NOT NULL,
	min_zoom     INTEGER NOT NULL DEFAULT 0,
	max_zoom     INTEGER NOT NULL DEFAULT 0,
	categories   TEXT NOT NULL,
	entity_count INTEGER NOT NULL DEFAULT 0,
	byte_size    INTEGER NOT NULL DEFAULT 0,
	failed_units INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS boundaries (
	name_norm  TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	level      TEXT,
	south      REAL NOT NULL,
	north      REAL NOT NULL,
	west       REAL NOT NULL,
	east       REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pois_position ON pois(lat, lon);
CREATE INDEX IF NOT EXISTS idx_pois_category ON pois(category);
CREATE INDEX IF NOT EXISTS idx_pois_expires ON pois(expires_at) WHERE downloaded = 0;
CREATE INDEX IF NOT EXISTS idx_tiles_expires ON tiles(expires_at) WHERE downloaded = 0;
CREATE INDEX IF NOT EXISTS idx_cache_tiles_expires ON cache_tiles(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertEntities writes POIs idempotently by id. A downloaded row wins over a
// transient duplicate: the flag is OR-ed and the expiry never moves earlier.
func (s *SQLiteStore) UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	if len(entities) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin entity upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pois (id, name, lat, lon, category, attrs, downloaded, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			lat = excluded.lat,
			lon = excluded.lon,
			category = excluded.category,
			attrs = excluded.attrs,
			downloaded = MAX(pois.downloaded, excluded.downloaded),
			fetched_at = excluded.fetched_at,
			expires_at = MAX(pois.expires_at, excluded.expires_at)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare entity upsert")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, e := range entities {
		attrs, err := json.Marshal(e.Attributes)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: marshal attrs for %s", e.ID)
		}
		expires := e.ExpiresAt
		if e.Downloaded {
			expires = model.PermanentExpiry
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Name, e.Lat, e.Lon, e.Category, string(attrs),
			boolToInt(e.Downloaded), e.FetchedAt.UTC().Unix(), expires.UTC().Unix(),
		); err != nil {
			return n, eris.Wrapf(err, "sqlite: upsert entity %s", e.ID)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit entity upsert")
	}
	return n, nil
}

// UpsertTiles writes raster tile blobs with the same downloaded-wins rules.
func (s *SQLiteStore) UpsertTiles(ctx context.Context, tiles []model.TileBlob) (int64, error) {
	if len(tiles) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tile upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tiles (style, z, x, y, center_lat, center_lon, data, downloaded, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(style, z, x, y) DO UPDATE SET
			data = excluded.data,
			center_lat = excluded.center_lat,
			center_lon = excluded.center_lon,
			downloaded = MAX(tiles.downloaded, excluded.downloaded),
			fetched_at = excluded.fetched_at,
			expires_at = MAX(tiles.expires_at, excluded.expires_at)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare tile upsert")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, t := range tiles {
		expires := t.ExpiresAt
		if t.Downloaded {
			expires = model.PermanentExpiry
		}
		center := geo.TileXYZ{Z: t.Z, X: t.X, Y: t.Y}.Bounds()
		if _, err := stmt.ExecContext(ctx,
			t.Style, t.Z, t.X, t.Y,
			(center.South+center.North)/2, (center.West+center.East)/2,
			t.Data, boolToInt(t.Downloaded), t.FetchedAt.UTC().Unix(), expires.UTC().Unix(),
		); err != nil {
			return n, eris.Wrapf(err, "sqlite: upsert tile %s/%d/%d/%d", t.Style, t.Z, t.X, t.Y)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit tile upsert")
	}
	return n, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, lat, lon, category, attrs, downloaded, fetched_at, expires_at
		FROM pois WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", id)
	}
	return e, nil
}

func (s *SQLiteStore) GetTile(ctx context.Context, style string, z, x, y int) (*model.TileBlob, error) {
	var (
		t          model.TileBlob
		downloaded int
		fetched    int64
		expires    int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT style, z, x, y, data, downloaded, fetched_at, expires_at
		FROM tiles WHERE style = ? AND z = ? AND x = ? AND y = ?`,
		style, z, x, y,
	).Scan(&t.Style, &t.Z, &t.X, &t.Y, &t.Data, &downloaded, &fetched, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get tile %s/%d/%d/%d", style, z, x, y)
	}
	t.Downloaded = downloaded != 0
	t.FetchedAt = time.Unix(fetched, 0).UTC()
	t.ExpiresAt = time.Unix(expires, 0).UTC()
	return &t, nil
}

func (s *SQLiteStore) QueryEntitiesInBounds(ctx context.Context, bbox geo.BoundingBox, categories []string) ([]model.Entity, error) {
	query := `
		SELECT id, name, lat, lon, category, attrs, downloaded, fetched_at, expires_at
		FROM pois WHERE lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?`
	args := []any{bbox.South, bbox.North, bbox.West, bbox.East}
	if len(categories) > 0 {
		query += ` AND category IN (?` + strings.Repeat(",?", len(categories)-1) + `)`
		for _, c := range categories {
			args = append(args, c)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query entities in bounds")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate entities")
}

func (s *SQLiteStore) GetLedgerEntries(ctx context.Context, keys []string) (map[string]model.LedgerEntry, error) {
	out := make(map[string]model.LedgerEntry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	query := `
		SELECT tile_key, south, north, west, east, categories, fetched_at, expires_at
		FROM cache_tiles WHERE tile_key IN (?` + strings.Repeat(",?", len(keys)-1) + `)`
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get ledger entries")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			e       model.LedgerEntry
			cats    string
			fetched int64
			expires int64
		)
		if err := rows.Scan(&e.TileKey, &e.South, &e.North, &e.West, &e.East, &cats, &fetched, &expires); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger entry")
		}
		var tags []string
		if err := json.Unmarshal([]byte(cats), &tags); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode ledger categories for %s", e.TileKey)
		}
		e.Categories = model.NewCategories(tags...)
		e.FetchedAt = time.Unix(fetched, 0).UTC()
		e.ExpiresAt = time.Unix(expires, 0).UTC()
		out[e.TileKey] = e
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate ledger entries")
}

func (s *SQLiteStore) UpsertLedgerEntry(ctx context.Context, entry model.LedgerEntry) error {
	cats, err := json.Marshal(entry.Categories.Sorted())
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal categories for %s", entry.TileKey)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_tiles (tile_key, south, north, west, east, categories, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tile_key) DO UPDATE SET
			categories = excluded.categories,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at`,
		entry.TileKey, entry.South, entry.North, entry.West, entry.East,
		string(cats), entry.FetchedAt.UTC().Unix(), entry.ExpiresAt.UTC().Unix(),
	)
	return eris.Wrapf(err, "sqlite: upsert ledger entry %s", entry.TileKey)
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time, preserveIDs []string) (EvictStats, error) {
	var stats EvictStats
	ts := now.UTC().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: begin expiry sweep")
	}
	defer tx.Rollback() //nolint:errcheck

	entityQuery := `DELETE FROM pois WHERE downloaded = 0 AND expires_at <= ?`
	args := []any{ts}
	if len(preserveIDs) > 0 {
		entityQuery += ` AND id NOT IN (?` + strings.Repeat(",?", len(preserveIDs)-1) + `)`
		for _, id := range preserveIDs {
			args = append(args, id)
		}
	}
	res, err := tx.ExecContext(ctx, entityQuery, args...)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: delete expired entities")
	}
	stats.Entities, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM tiles WHERE downloaded = 0 AND expires_at <= ?`, ts)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: delete expired tiles")
	}
	stats.Tiles, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM cache_tiles WHERE expires_at <= ?`, ts)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: delete expired ledger entries")
	}
	stats.Ledger, _ = res.RowsAffected()

	return stats, eris.Wrap(tx.Commit(), "sqlite: commit expiry sweep")
}

func (s *SQLiteStore) InsertRegion(ctx context.Context, region model.Region) error {
	cats, err := json.Marshal(region.Categories)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal region categories")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO regions (id, name, kind, south, north, west, east, min_zoom, max_zoom,
			categories, entity_count, byte_size, failed_units, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		region.ID, region.Name, string(region.Kind),
		region.South, region.North, region.West, region.East,
		region.MinZoom, region.MaxZoom, string(cats),
		region.EntityCount, region.ByteSize, region.FailedUnits,
		region.CompletedAt.UTC().Unix(),
	)
	return eris.Wrapf(err, "sqlite: insert region %s", region.ID)
}

func (s *SQLiteStore) GetRegion(ctx context.Context, id string) (*model.Region, error) {
	row := s.db.QueryRowContext(ctx, regionSelectSQLite+` WHERE id = ?`, id)
	r, err := scanRegion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get region %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListRegions(ctx context.Context) ([]model.Region, error) {
	rows, err := s.db.QueryContext(ctx, regionSelectSQLite+` ORDER BY completed_at DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list regions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Region
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan region")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate regions")
}

func (s *SQLiteStore) DeleteRegion(ctx context.Context, id string) (DeleteStats, error) {
	var stats DeleteStats

	region, err := s.GetRegion(ctx, id)
	if err != nil {
		return stats, err
	}
	if region == nil {
		return stats, eris.Errorf("sqlite: region %s not found", id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: begin region delete")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		DELETE FROM pois WHERE downloaded = 1
		AND lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?`,
		region.South, region.North, region.West, region.East,
	)
	if err != nil {
		return stats, eris.Wrapf(err, "sqlite: delete region %s entities", id)
	}
	stats.Entities, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM tiles WHERE downloaded = 1
		AND center_lat BETWEEN ? AND ? AND center_lon BETWEEN ? AND ?`,
		region.South, region.North, region.West, region.East,
	)
	if err != nil {
		return stats, eris.Wrapf(err, "sqlite: delete region %s tiles", id)
	}
	stats.Tiles, _ = res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM regions WHERE id = ?`, id); err != nil {
		return stats, eris.Wrapf(err, "sqlite: delete region %s summary", id)
	}

	return stats, eris.Wrap(tx.Commit(), "sqlite: commit region delete")
}

func (s *SQLiteStore) UpsertBoundaries(ctx context.Context, areas []model.Boundary) (int64, error) {
	if len(areas) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin boundary upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO boundaries (name_norm, name, level, south, north, west, east)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name_norm) DO UPDATE SET
			name = excluded.name,
			level = excluded.level,
			south = excluded.south,
			north = excluded.north,
			west = excluded.west,
			east = excluded.east`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare boundary upsert")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, a := range areas {
		if _, err := stmt.ExecContext(ctx,
			a.NameNorm, a.Name, a.Level, a.South, a.North, a.West, a.East,
		); err != nil {
			return n, eris.Wrapf(err, "sqlite: upsert boundary %s", a.Name)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit boundary upsert")
	}
	return n, nil
}

func (s *SQLiteStore) FindBoundary(ctx context.Context, nameNorm string) (*model.Boundary, error) {
	var b model.Boundary
	err := s.db.QueryRowContext(ctx, `
		SELECT name_norm, name, level, south, north, west, east
		FROM boundaries WHERE name_norm = ?`, nameNorm,
	).Scan(&b.NameNorm, &b.Name, &b.Level, &b.South, &b.North, &b.West, &b.East)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find boundary %s", nameNorm)
	}
	return &b, nil
}

const regionSelectSQLite = `
	SELECT id, name, kind, south, north, west, east, min_zoom, max_zoom,
		categories, entity_count, byte_size, failed_units, completed_at
	FROM regions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*model.Entity, error) {
	var (
		e          model.Entity
		attrs      sql.NullString
		downloaded int
		fetched    int64
		expires    int64
	)
	if err := row.Scan(&e.ID, &e.Name, &e.Lat, &e.Lon, &e.Category, &attrs, &downloaded, &fetched, &expires); err != nil {
		return nil, err
	}
	if attrs.Valid && attrs.String != "" && attrs.String != "null" {
		if err := json.Unmarshal([]byte(attrs.String), &e.Attributes); err != nil {
			return nil, err
		}
	}
	e.Downloaded = downloaded != 0
	e.FetchedAt = time.Unix(fetched, 0).UTC()
	e.ExpiresAt = time.Unix(expires, 0).UTC()
	return &e, nil
}

func scanRegion(row rowScanner) (*model.Region, error) {
	var (
		r         model.Region
		kind      string
		cats      string
		completed int64
	)
	if err := row.Scan(&r.ID, &r.Name, &kind, &r.South, &r.North, &r.West, &r.East,
		&r.MinZoom, &r.MaxZoom, &cats, &r.EntityCount, &r.ByteSize, &r.FailedUnits, &completed); err != nil {
		return nil, err
	}
	r.Kind = model.RegionKind(kind)
	if err := json.Unmarshal([]byte(cats), &r.Categories); err != nil {
		return nil, err
	}
	r.CompletedAt = time.Unix(completed, 0).UTC()
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
