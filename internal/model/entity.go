// Package model defines the persisted types shared by the download engine and stores.
package model

import (
	"time"
)

// Entity is a point-of-interest record pulled from the upstream geodata API.
type Entity struct {
	ID         string         `json:"id" db:"id"`
	Name       string         `json:"name" db:"name"`
	Lat        float64        `json:"lat" db:"lat"`
	Lon        float64        `json:"lon" db:"lon"`
	Category   string         `json:"category" db:"category"`
	Attributes map[string]any `json:"attributes,omitempty" db:"attributes"`
	Downloaded bool           `json:"downloaded" db:"downloaded"`
	FetchedAt  time.Time      `json:"fetched_at" db:"fetched_at"`
	ExpiresAt  time.Time      `json:"expires_at" db:"expires_at"`
}

// TileBlob is a raster map tile payload keyed by style and slippy coordinates.
type TileBlob struct {
	Style      string    `json:"style" db:"style"`
	Z          int       `json:"z" db:"z"`
	X          int       `json:"x" db:"x"`
	Y          int       `json:"y" db:"y"`
	Data       []byte    `json:"-" db:"data"`
	Downloaded bool      `json:"downloaded" db:"downloaded"`
	FetchedAt  time.Time `json:"fetched_at" db:"fetched_at"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}

// PermanentExpiry is the expiry assigned to downloaded (permanent) rows.
// Far enough in the future that expiry cleanup never touches them.
var PermanentExpiry = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
