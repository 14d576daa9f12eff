// Package boundary imports administrative areas from shapefiles and resolves
// area names to bounding boxes for the --area capture mode.
package boundary

import (
	"context"
	"strings"
	"unicode"

	shp "github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	geobox "github.com/geostash/geostash/internal/geo"
	"github.com/geostash/geostash/internal/model"
	"github.com/geostash/geostash/internal/store"
)

// nameNormalizer strips diacritics so "Springfïeld" and "springfield" match.
var nameNormalizer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize folds an area name for lookup: Unicode-normalized, diacritics
// removed, lowercased, whitespace collapsed.
func Normalize(name string) string {
	folded, _, err := transform.String(nameNormalizer, name)
	if err != nil {
		folded = name
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// ImportShapefile loads named areas from a shapefile into the store. The
// name and level attribute fields are matched case-insensitively; records
// without a name or a usable geometry are skipped.
func ImportShapefile(ctx context.Context, st store.Store, path, nameField, levelField string) (int64, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return 0, eris.Wrapf(err, "boundary: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToLower(name)] = i
	}

	nameIdx, ok := fieldIdx[strings.ToLower(nameField)]
	if !ok {
		return 0, eris.Errorf("boundary: shapefile has no %q field", nameField)
	}
	levelIdx, hasLevel := fieldIdx[strings.ToLower(levelField)]

	var (
		areas   []model.Boundary
		skipped int
	)
	for reader.Next() {
		_, shape := reader.Shape()

		name := strings.TrimSpace(strings.TrimRight(reader.Attribute(nameIdx), "\x00"))
		if name == "" {
			skipped++
			continue
		}

		bbox, err := shapeBounds(shape)
		if err != nil {
			skipped++
			continue
		}

		level := ""
		if hasLevel {
			level = strings.TrimSpace(strings.TrimRight(reader.Attribute(levelIdx), "\x00"))
		}

		areas = append(areas, model.Boundary{
			Name:     name,
			NameNorm: Normalize(name),
			Level:    level,
			South:    bbox.South,
			North:    bbox.North,
			West:     bbox.West,
			East:     bbox.East,
		})
	}

	if skipped > 0 {
		zap.L().Debug("skipped shapefile records",
			zap.String("path", path), zap.Int("skipped", skipped))
	}
	if len(areas) == 0 {
		return 0, eris.Errorf("boundary: no usable areas in %s", path)
	}

	n, err := st.UpsertBoundaries(ctx, areas)
	if err != nil {
		return 0, eris.Wrap(err, "boundary: store areas")
	}
	zap.L().Info("boundaries imported", zap.String("path", path), zap.Int64("areas", n))
	return n, nil
}

// Lookup resolves an area name to its stored boundary, nil when unknown.
func Lookup(ctx context.Context, st store.Store, name string) (*model.Boundary, error) {
	b, err := st.FindBoundary(ctx, Normalize(name))
	if err != nil {
		return nil, eris.Wrapf(err, "boundary: lookup %q", name)
	}
	return b, nil
}

// shapeBounds derives the bounding box of a shapefile geometry.
func shapeBounds(shape shp.Shape) (geobox.BoundingBox, error) {
	var flat []float64
	switch s := shape.(type) {
	case *shp.Point:
		flat = []float64{s.X, s.Y}
	case *shp.PolyLine:
		flat = flattenPoints(s.Points)
	case *shp.Polygon:
		flat = flattenPoints(s.Points)
	default:
		return geobox.BoundingBox{}, eris.Errorf("boundary: unsupported shape type %T", shape)
	}
	if len(flat) < 4 {
		return geobox.BoundingBox{}, eris.New("boundary: degenerate geometry")
	}

	b := geom.NewMultiPointFlat(geom.XY, flat).Bounds()
	bbox := geobox.BoundingBox{
		South: b.Min(1),
		North: b.Max(1),
		West:  b.Min(0),
		East:  b.Max(0),
	}
	if err := bbox.Validate(); err != nil {
		return geobox.BoundingBox{}, err
	}
	return bbox, nil
}

func flattenPoints(points []shp.Point) []float64 {
	flat := make([]float64, 0, len(points)*2)
	for _, p := range points {
		flat = append(flat, p.X, p.Y)
	}
	return flat
}
