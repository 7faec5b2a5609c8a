// Package areas loads reference-area polygons (municipalities, cantons,
// planning perimeters) from shapefiles into transit.reference_areas.
package areas

import (
	"os"
	"sort"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// ErrProjection is returned for shapefiles whose .prj is not geographic.
var ErrProjection = eris.New("areas: shapefile must use geographic coordinates (EPSG:4326)")

// Area is one named reference area. Records sharing a name are merged.
type Area struct {
	Name     string
	Geometry *geom.MultiPolygon
}

// ParseShapefile reads polygon records from shpPath, naming each by the
// nameField attribute (case-insensitive).
func ParseShapefile(shpPath, nameField string) ([]Area, error) {
	if err := checkProjection(shpPath); err != nil {
		return nil, err
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "areas: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	nameIdx := -1
	for i, f := range reader.Fields() {
		name := strings.TrimRight(f.String(), "\x00")
		if strings.EqualFold(name, nameField) {
			nameIdx = i
		}
	}
	if nameIdx < 0 {
		return nil, eris.Errorf("areas: field %q not found in %s", nameField, shpPath)
	}

	byName := make(map[string]*geom.MultiPolygon)
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		name := strings.TrimSpace(strings.TrimRight(reader.Attribute(nameIdx), "\x00"))
		poly, ok := shape.(*shp.Polygon)
		if name == "" || !ok {
			skipped++
			continue
		}
		mp := toMultiPolygon(poly)
		if mp == nil {
			skipped++
			continue
		}

		name = norm.NFC.String(name)
		if prev, ok := byName[name]; ok {
			for i := 0; i < mp.NumPolygons(); i++ {
				if err := prev.Push(mp.Polygon(i)); err != nil {
					skipped++
				}
			}
			continue
		}
		byName[name] = mp
	}

	if skipped > 0 {
		zap.L().Debug("areas: skipped shapefile records",
			zap.String("path", shpPath),
			zap.Int("skipped", skipped),
		)
	}

	out := make([]Area, 0, len(byName))
	for name, mp := range byName {
		out = append(out, Area{Name: name, Geometry: mp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// checkProjection rejects projected shapefiles. A missing .prj is accepted.
func checkProjection(shpPath string) error {
	prj := strings.TrimSuffix(shpPath, ".shp") + ".prj"
	data, err := os.ReadFile(prj)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "areas: read %s", prj)
	}
	if !strings.HasPrefix(strings.TrimSpace(string(data)), "GEOGCS") {
		return eris.Wrapf(ErrProjection, "areas: %s", prj)
	}
	return nil
}

// toMultiPolygon converts a shapefile polygon to a MultiPolygon. Clockwise
// rings start a new polygon and counter-clockwise rings are holes of the
// polygon before them.
func toMultiPolygon(p *shp.Polygon) *geom.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(4326)
	var current *geom.Polygon
	flush := func() {
		if current == nil {
			return
		}
		if err := mp.Push(current); err != nil {
			zap.L().Debug("areas: skipping malformed polygon", zap.Error(err))
		}
		current = nil
	}

	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if end-start < 4 {
			continue
		}

		flat := make([]float64, 0, 2*(end-start))
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		ring := geom.NewLinearRingFlat(geom.XY, flat)

		if current == nil || signedArea(flat) < 0 {
			flush()
			current = geom.NewPolygon(geom.XY)
		}
		if err := current.Push(ring); err != nil {
			zap.L().Debug("areas: skipping malformed ring", zap.Int32("part", i), zap.Error(err))
		}
	}
	flush()

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

// signedArea is the shoelace area of a flat XY ring; negative when clockwise.
func signedArea(flat []float64) float64 {
	var sum float64
	n := len(flat) / 2
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += flat[2*i]*flat[2*j+1] - flat[2*j]*flat[2*i+1]
	}
	return sum / 2
}
