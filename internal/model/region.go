package model

import (
	"time"
)

// RegionKind distinguishes POI downloads from raster tile downloads.
type RegionKind string

const (
	RegionKindPOI   RegionKind = "poi"
	RegionKindTiles RegionKind = "tiles"
)

// Region summarizes a completed offline download. It is written only when a
// session finishes (fully or partially successful) and is deleted together
// with the downloaded entities inside its bounds.
type Region struct {
	ID          string     `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	Kind        RegionKind `json:"kind" db:"kind"`
	South       float64    `json:"south" db:"south"`
	North       float64    `json:"north" db:"north"`
	West        float64    `json:"west" db:"west"`
	East        float64    `json:"east" db:"east"`
	MinZoom     int        `json:"min_zoom,omitempty" db:"min_zoom"`
	MaxZoom     int        `json:"max_zoom,omitempty" db:"max_zoom"`
	Categories  []string   `json:"categories" db:"categories"`
	EntityCount int64      `json:"entity_count" db:"entity_count"`
	ByteSize    int64      `json:"byte_size" db:"byte_size"`
	FailedUnits int        `json:"failed_units" db:"failed_units"`
	CompletedAt time.Time  `json:"completed_at" db:"completed_at"`
}

// LedgerEntry records that a grid tile has been fetched for a set of
// categories. A tile satisfies a request only while unexpired and only for a
// subset of its recorded categories.
type LedgerEntry struct {
	TileKey    string     `json:"tile_key" db:"tile_key"`
	South      float64    `json:"south" db:"south"`
	North      float64    `json:"north" db:"north"`
	West       float64    `json:"west" db:"west"`
	East       float64    `json:"east" db:"east"`
	Categories Categories `json:"categories" db:"categories"`
	FetchedAt  time.Time  `json:"fetched_at" db:"fetched_at"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
}

// Satisfies reports whether the entry covers the requested categories at now.
func (e *LedgerEntry) Satisfies(cats Categories, now time.Time) bool {
	return now.Before(e.ExpiresAt) && e.Categories.Contains(cats)
}
