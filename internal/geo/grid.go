package geo

import (
	"fmt"
	"math"
	"strconv"
)

// Tile is a grid-aligned bounding box unit. Two tiles with the same Key cover
// the same ground at the same step and are interchangeable for caching.
type Tile struct {
	Bounds BoundingBox
	Key    string
	XIdx   int
	YIdx   int
	Step   float64
}

// TileKey derives the stable cache key for a grid cell. The step is encoded
// so that fine and bulk grids never collide.
func TileKey(step float64, xIdx, yIdx int) string {
	return fmt.Sprintf("g%s:%d:%d", strconv.FormatFloat(step, 'f', -1, 64), xIdx, yIdx)
}

// Partition splits bbox into grid-aligned tiles of the given step. The low
// edges snap down and the high edges snap up, so adjacent requests land on
// identical tile keys and the union of the returned tiles fully covers bbox.
func Partition(bbox BoundingBox, step float64) []Tile {
	if step <= 0 {
		return nil
	}

	x0 := int(math.Floor(bbox.West / step))
	x1 := int(math.Ceil(bbox.East / step))
	y0 := int(math.Floor(bbox.South / step))
	y1 := int(math.Ceil(bbox.North / step))

	tiles := make([]Tile, 0, (x1-x0)*(y1-y0))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			tiles = append(tiles, Tile{
				Bounds: BoundingBox{
					South: float64(y) * step,
					North: float64(y+1) * step,
					West:  float64(x) * step,
					East:  float64(x+1) * step,
				},
				Key:  TileKey(step, x, y),
				XIdx: x,
				YIdx: y,
				Step: step,
			})
		}
	}
	return tiles
}

// Units returns the fetch units for a request. Small regions take the
// single-query shortcut: the raw bbox becomes one unit, skipping grid
// alignment, because many tiny tiles cost more in request overhead than the
// finer cache granularity is worth. Larger regions are partitioned.
func Units(bbox BoundingBox, step, singleMaxKM float64) []Tile {
	if singleMaxKM > 0 && bbox.WidthKM() < singleMaxKM && bbox.HeightKM() < singleMaxKM {
		return []Tile{SingleUnit(bbox)}
	}
	return Partition(bbox, step)
}

// SingleUnit wraps a raw bbox as one fetch unit with a bounds-derived key.
func SingleUnit(bbox BoundingBox) Tile {
	return Tile{
		Bounds: bbox,
		Key: fmt.Sprintf("b%.4f:%.4f:%.4f:%.4f",
			bbox.South, bbox.West, bbox.North, bbox.East),
	}
}

func cosDeg(deg float64) float64 {
	return math.Cos(deg * math.Pi / 180)
}
