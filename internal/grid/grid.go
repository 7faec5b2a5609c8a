// Package grid derives coarse hierarchical shard keys from S2 cells.
//
// A shard key is the S2 cell id of a low-level cell with its trailing
// sentinel and zero bits dropped: three face bits followed by two bits per
// level. Keys at the same level are dense, ordered along the Hilbert curve
// and fit in an int32 for every supported level.
package grid

import (
	"math"
	"sort"

	"github.com/golang/geo/s2"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// Level is an S2 cell level.
type Level int

// ShardKey identifies a coarse cell at a fixed Level.
type ShardKey int32

const (
	// MinLevel and MaxLevel bound the shard levels accepted by ValidateLevel.
	// Below level 2 a shard spans a continent; above 8 the cell count per
	// country grows into the tens of thousands.
	MinLevel Level = 2
	MaxLevel Level = 8

	// DefaultLevel yields cells of roughly 1000 km across.
	DefaultLevel Level = 3
)

// ErrUnsupportedLevel is returned for shard levels outside [MinLevel, MaxLevel].
var ErrUnsupportedLevel = eris.New("grid: unsupported shard level")

// Cell is a coarse S2 cell together with its shard key.
type Cell struct {
	Key ShardKey
	ID  s2.CellID
}

// Bound is a lon/lat rectangle in degrees.
type Bound struct {
	MinLng float64 `json:"min_lng"`
	MinLat float64 `json:"min_lat"`
	MaxLng float64 `json:"max_lng"`
	MaxLat float64 `json:"max_lat"`
}

// ValidateLevel reports whether level may be used for sharding.
func ValidateLevel(level Level) error {
	if level < MinLevel || level > MaxLevel {
		return eris.Wrapf(ErrUnsupportedLevel, "level %d not in [%d, %d]", level, MinLevel, MaxLevel)
	}
	return nil
}

// KeyFor truncates a cell id to its shard key at the id's own level.
func KeyFor(id s2.CellID) ShardKey {
	shift := uint(61 - 2*id.Level())
	return ShardKey(uint64(id) >> shift)
}

// CellIDFor restores the cell id addressed by key at level.
func CellIDFor(key ShardKey, level Level) s2.CellID {
	shift := uint(61 - 2*int(level))
	lsb := uint64(1) << uint(60-2*int(level))
	return s2.CellID(uint64(key)<<shift | lsb)
}

// CellAt returns the level cell containing the given coordinate.
func CellAt(lat, lng float64, level Level) Cell {
	id := s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lng)).Parent(int(level))
	return Cell{Key: KeyFor(id), ID: id}
}

// Covering returns every level cell intersecting the rectangle, ordered by key.
func Covering(b Bound, level Level) []Cell {
	rect := s2.RectFromLatLng(s2.LatLngFromDegrees(b.MinLat, b.MinLng)).
		AddPoint(s2.LatLngFromDegrees(b.MaxLat, b.MaxLng))

	rc := &s2.RegionCoverer{MinLevel: int(level), MaxLevel: int(level), LevelMod: 1, MaxCells: 1 << 20}
	seen := make(map[s2.CellID]bool)
	for _, id := range rc.Covering(rect) {
		switch {
		case id.Level() > int(level):
			seen[id.Parent(int(level))] = true
		case id.Level() < int(level):
			end := id.ChildEndAtLevel(int(level))
			for c := id.ChildBeginAtLevel(int(level)); c != end; c = c.Next() {
				seen[c] = true
			}
		default:
			seen[id] = true
		}
	}

	cells := make([]Cell, 0, len(seen))
	for id := range seen {
		cells = append(cells, Cell{Key: KeyFor(id), ID: id})
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].Key < cells[j].Key })
	return cells
}

// BoundOf returns the lon/lat bound of a geometry. ok is false for empty input.
func BoundOf(g geom.T) (b Bound, ok bool) {
	if g == nil || len(g.FlatCoords()) == 0 {
		return Bound{}, false
	}
	gb := g.Bounds()
	return Bound{MinLng: gb.Min(0), MinLat: gb.Min(1), MaxLng: gb.Max(0), MaxLat: gb.Max(1)}, true
}

// CoveringFor returns the level cells intersecting the bound of g.
func CoveringFor(g geom.T, level Level) []Cell {
	b, ok := BoundOf(g)
	if !ok {
		return nil
	}
	return Covering(b, level)
}

// Keys extracts the shard keys of cells.
func Keys(cells []Cell) []int32 {
	keys := make([]int32, len(cells))
	for i, c := range cells {
		keys[i] = int32(c.Key)
	}
	return keys
}

// edgeSegments is the number of straight pieces each cell edge is split into.
const edgeSegments = 32

// Polygon returns the cell outline as a closed lon/lat polygon with SRID 4326.
// Each geodesic cell edge is densified so the planar outline stays close to
// the true cell. Edge points are computed in a canonical direction, so
// neighbouring cells share identical vertices and their polygons tile.
// Cells crossing the antimeridian are not supported.
func (c Cell) Polygon() *geom.Polygon {
	cell := s2.CellFromCellID(c.ID)
	flat := make([]float64, 0, 2*(4*edgeSegments+1))
	for k := 0; k < 4; k++ {
		for _, p := range edgePoints(cell.Vertex(k), cell.Vertex((k+1)%4)) {
			ll := s2.LatLngFromPoint(p)
			flat = append(flat, ll.Lng.Degrees(), ll.Lat.Degrees())
		}
	}
	flat = append(flat, flat[0], flat[1])
	return geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)}).SetSRID(4326)
}

// edgePoints returns a and the interior points of edge ab, excluding b.
func edgePoints(a, b s2.Point) []s2.Point {
	from, to, reversed := a, b, false
	if less(b, a) {
		from, to, reversed = b, a, true
	}
	pts := make([]s2.Point, edgeSegments+1)
	for i := 0; i <= edgeSegments; i++ {
		pts[i] = s2.Interpolate(float64(i)/edgeSegments, from, to)
	}
	pts[0], pts[edgeSegments] = from, to
	if reversed {
		for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
			pts[i], pts[j] = pts[j], pts[i]
		}
	}
	return pts[:edgeSegments]
}

func less(a, b s2.Point) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}

// WithNeighbours adds every cell sharing an edge or a vertex with cells.
// Planar cell outlines deviate slightly from the true cells, so a covering
// used to clip planar geometry is padded by one ring.
func WithNeighbours(cells []Cell, level Level) []Cell {
	seen := make(map[s2.CellID]bool, len(cells)*9)
	for _, c := range cells {
		seen[c.ID] = true
		for _, n := range c.ID.AllNeighbors(int(level)) {
			seen[n] = true
		}
	}
	out := make([]Cell, 0, len(seen))
	for id := range seen {
		out = append(out, Cell{Key: KeyFor(id), ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// PointKey returns the shard key a point receives when sharded against cell
// outlines: the smallest key among the level cells whose outline contains
// or touches it. Use it to key point data that must join shard-locally with relations
// produced by clipping against Cell.Polygon.
func PointKey(lat, lng float64, level Level) ShardKey {
	home := CellAt(lat, lng, level)
	best, found := home.Key, false
	candidates := append([]s2.CellID{home.ID}, home.ID.AllNeighbors(int(level))...)
	for _, id := range candidates {
		c := Cell{Key: KeyFor(id), ID: id}
		if !inRing(lng, lat, c.Polygon().LinearRing(0).FlatCoords()) {
			continue
		}
		if !found || c.Key < best {
			best, found = c.Key, true
		}
	}
	return best
}

// ringTolerance is the distance in degrees within which a point counts as
// lying on a ring edge.
const ringTolerance = 1e-12

// inRing reports whether (x, y) lies inside or on a closed XY ring. Points
// on an edge or vertex are inside, as with ST_Intersects.
func inRing(x, y float64, ring []float64) bool {
	in := false
	n := len(ring) / 2
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[2*i], ring[2*i+1]
		xj, yj := ring[2*j], ring[2*j+1]
		if onSegment(x, y, xi, yi, xj, yj) {
			return true
		}
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			in = !in
		}
	}
	return in
}

func onSegment(x, y, ax, ay, bx, by float64) bool {
	if x < math.Min(ax, bx)-ringTolerance || x > math.Max(ax, bx)+ringTolerance ||
		y < math.Min(ay, by)-ringTolerance || y > math.Max(ay, by)+ringTolerance {
		return false
	}
	cross := (bx-ax)*(y-ay) - (by-ay)*(x-ax)
	return math.Abs(cross) <= ringTolerance*math.Hypot(bx-ax, by-ay)
}
