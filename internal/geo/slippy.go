package geo

import (
	"fmt"
	"math"
)

// TileXYZ identifies a slippy-map raster tile in WebMercator tiling.
type TileXYZ struct {
	Z int
	X int
	Y int
}

// Key returns the ledger key for this tile under the given style.
func (t TileXYZ) Key(style string) string {
	return fmt.Sprintf("%s/%d/%d/%d", style, t.Z, t.X, t.Y)
}

// Bounds returns the geographic extent of the tile.
func (t TileXYZ) Bounds() BoundingBox {
	n := float64(int(1) << t.Z)
	west := float64(t.X)/n*360 - 180
	east := float64(t.X+1)/n*360 - 180
	north := tileLat(float64(t.Y), n)
	south := tileLat(float64(t.Y+1), n)
	return BoundingBox{South: south, North: north, West: west, East: east}
}

// TileAt returns the tile containing the given point at zoom z.
func TileAt(lat, lon float64, z int) TileXYZ {
	n := float64(int(1) << z)
	x := int(math.Floor((lon + 180) / 360 * n))
	latRad := lat * math.Pi / 180
	y := int(math.Floor((1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n))

	maxIdx := int(n) - 1
	if x < 0 {
		x = 0
	} else if x > maxIdx {
		x = maxIdx
	}
	if y < 0 {
		y = 0
	} else if y > maxIdx {
		y = maxIdx
	}
	return TileXYZ{Z: z, X: x, Y: y}
}

// TilesForBounds enumerates every tile intersecting bbox across the zoom
// range, lowest zoom first.
func TilesForBounds(bbox BoundingBox, minZoom, maxZoom int) []TileXYZ {
	var tiles []TileXYZ
	for z := minZoom; z <= maxZoom; z++ {
		nw := TileAt(bbox.North, bbox.West, z)
		se := TileAt(bbox.South, bbox.East, z)
		for y := nw.Y; y <= se.Y; y++ {
			for x := nw.X; x <= se.X; x++ {
				tiles = append(tiles, TileXYZ{Z: z, X: x, Y: y})
			}
		}
	}
	return tiles
}

// CountTiles returns the number of tiles TilesForBounds would produce,
// without allocating them. Used for download estimates.
func CountTiles(bbox BoundingBox, minZoom, maxZoom int) int {
	total := 0
	for z := minZoom; z <= maxZoom; z++ {
		nw := TileAt(bbox.North, bbox.West, z)
		se := TileAt(bbox.South, bbox.East, z)
		total += (se.Y - nw.Y + 1) * (se.X - nw.X + 1)
	}
	return total
}

func tileLat(y, n float64) float64 {
	rad := math.Atan(math.Sinh(math.Pi * (1 - 2*y/n)))
	return rad * 180 / math.Pi
}
