// Package geo provides bounding boxes, grid partitioning, and slippy-map tile
// math for the offline download engine.
package geo

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// DegreesPerKM is an approximate conversion factor for latitude degrees to kilometers.
// At mid-latitudes, 1 degree of latitude is approximately 111 km.
const DegreesPerKM = 1.0 / 111.0

// BoundingBox is a geographic rectangle in degrees. South < North and
// West < East always hold for a valid box; antimeridian wraparound is not
// supported.
type BoundingBox struct {
	South float64 `json:"south"`
	North float64 `json:"north"`
	West  float64 `json:"west"`
	East  float64 `json:"east"`
}

// Validate rejects degenerate or wrapped boxes.
func (b BoundingBox) Validate() error {
	if b.South >= b.North {
		return eris.Errorf("geo: invalid bbox: south %.6f >= north %.6f", b.South, b.North)
	}
	if b.West >= b.East {
		return eris.Errorf("geo: invalid bbox: west %.6f >= east %.6f", b.West, b.East)
	}
	if b.South < -90 || b.North > 90 || b.West < -180 || b.East > 180 {
		return eris.Errorf("geo: bbox out of range: %s", b)
	}
	return nil
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("[%.4f,%.4f,%.4f,%.4f]", b.South, b.West, b.North, b.East)
}

// Contains reports whether the point lies inside the box (edges inclusive).
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.South && lat <= b.North && lon >= b.West && lon <= b.East
}

// Intersects reports whether the two boxes overlap.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.South < o.North && o.South < b.North && b.West < o.East && o.West < b.East
}

// Union returns the smallest box covering both b and o.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	out := b
	if o.South < out.South {
		out.South = o.South
	}
	if o.North > out.North {
		out.North = o.North
	}
	if o.West < out.West {
		out.West = o.West
	}
	if o.East > out.East {
		out.East = o.East
	}
	return out
}

// HeightKM returns the north-south extent in kilometers.
func (b BoundingBox) HeightKM() float64 {
	return (b.North - b.South) / DegreesPerKM
}

// WidthKM returns the east-west extent in kilometers, measured along the
// box's latitude midline. Longitude degrees shrink toward the poles, so the
// latitude correction matters for wide boxes away from the equator.
func (b BoundingBox) WidthKM() float64 {
	mid := (b.South + b.North) / 2
	return (b.East - b.West) * cosDeg(mid) / DegreesPerKM
}

// FromCenterRadius builds the bounding box covering a circle of radiusKM
// around the given point.
func FromCenterRadius(lat, lon, radiusKM float64) (BoundingBox, error) {
	if radiusKM <= 0 {
		return BoundingBox{}, eris.New("geo: radius must be positive")
	}
	dLat := radiusKM * DegreesPerKM
	cos := cosDeg(lat)
	if cos < 0.01 {
		cos = 0.01 // near the poles a radius box degenerates; clamp instead
	}
	dLon := radiusKM * DegreesPerKM / cos
	b := BoundingBox{
		South: clamp(lat-dLat, -90, 90),
		North: clamp(lat+dLat, -90, 90),
		West:  clamp(lon-dLon, -180, 180),
		East:  clamp(lon+dLon, -180, 180),
	}
	return b, b.Validate()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
