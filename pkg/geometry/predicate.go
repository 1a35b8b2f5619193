package geometry

import (
	"fmt"
	"math"
	"sort"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"github.com/twpayne/go-geom/xy/lineintersector"
	"github.com/twpayne/go-geom/xy/location"
)

// minPiece is the shortest fraction of a segment worth classifying on its own;
// shorter pieces come from one boundary point computed twice.
const minPiece = 1e-12

// Kind names a spatial relation between a record geometry and a query geometry.
type Kind int

const (
	// KindIntersects holds when the record and the query share a point.
	KindIntersects Kind = iota
	// KindContains holds when the record covers the query.
	KindContains
	// KindContainedBy holds when the query covers the record.
	KindContainedBy
	// KindWithinDistance holds when the record is at most Distance away.
	KindWithinDistance
)

func (k Kind) String() string {
	switch k {
	case KindIntersects:
		return "intersects"
	case KindContains:
		return "contains"
	case KindContainedBy:
		return "containedBy"
	case KindWithinDistance:
		return "withinDistance"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Predicate is a relation evaluated as Eval(record, query).
type Predicate struct {
	Kind     Kind
	Distance float64
}

// Intersects, Contains and ContainedBy are the fixed predicates.
var (
	Intersects  = Predicate{Kind: KindIntersects}
	Contains    = Predicate{Kind: KindContains}
	ContainedBy = Predicate{Kind: KindContainedBy}
)

// WithinDistance matches records at most d away from the query.
func WithinDistance(d float64) Predicate {
	return Predicate{Kind: KindWithinDistance, Distance: d}
}

func (p Predicate) String() string {
	if p.Kind == KindWithinDistance {
		return fmt.Sprintf("%s(%g)", p.Kind, p.Distance)
	}
	return p.Kind.String()
}

// Candidate reports whether any geometry whose bounding box lies inside box
// could satisfy the predicate against a query with bounding box q. It is a
// filter only; matches must be confirmed with Eval.
func (p Predicate) Candidate(box, q Extent) bool {
	switch p.Kind {
	case KindContains:
		return box.ContainsExtent(q)
	case KindWithinDistance:
		return box.MinDistExtent(q) <= p.Distance
	default:
		return box.Intersects(q)
	}
}

// MayJoin reports whether some geometry inside a could satisfy the predicate
// against some geometry inside b. It is the group-to-group form of Candidate.
func (p Predicate) MayJoin(a, b Extent) bool {
	if p.Kind == KindWithinDistance {
		return a.MinDistExtent(b) <= p.Distance
	}
	return a.Intersects(b)
}

// Eval runs the exact test for record geometry g against query q.
func (p Predicate) Eval(g, q geom.T) bool {
	switch p.Kind {
	case KindIntersects:
		return IntersectsGeom(g, q)
	case KindContains:
		return ContainsGeom(g, q)
	case KindContainedBy:
		return ContainsGeom(q, g)
	case KindWithinDistance:
		return Distance(g, q) <= p.Distance
	}
	return false
}

// parts is a planar decomposition of a geometry into isolated points, line
// work (line strings and polygon rings) and areas.
type parts struct {
	points []geom.Coord
	lines  [][]geom.Coord
	polys  []*geom.Polygon
	bounds Extent
}

func decompose(g geom.T) parts {
	var ps parts
	ps.add(g)
	return ps
}

func (ps *parts) add(g geom.T) {
	switch t := g.(type) {
	case *geom.Point:
		if !t.Empty() {
			ps.addPoint(xy2(t.Coords()))
		}
	case *geom.MultiPoint:
		for i := 0; i < t.NumPoints(); i++ {
			ps.add(t.Point(i))
		}
	case *geom.LineString:
		ps.addLine(t.Coords())
	case *geom.LinearRing:
		ps.addLine(t.Coords())
	case *geom.MultiLineString:
		for i := 0; i < t.NumLineStrings(); i++ {
			ps.add(t.LineString(i))
		}
	case *geom.Polygon:
		if t.NumLinearRings() == 0 {
			return
		}
		ps.polys = append(ps.polys, t)
		for i := 0; i < t.NumLinearRings(); i++ {
			ps.addLine(t.LinearRing(i).Coords())
		}
	case *geom.MultiPolygon:
		for i := 0; i < t.NumPolygons(); i++ {
			ps.add(t.Polygon(i))
		}
	case *geom.GeometryCollection:
		for _, child := range t.Geoms() {
			ps.add(child)
		}
	}
}

func (ps *parts) addPoint(c geom.Coord) {
	ps.points = append(ps.points, c)
	ps.bounds = ps.bounds.Union(PointExtent(c))
}

func (ps *parts) addLine(coords []geom.Coord) {
	if len(coords) == 0 {
		return
	}
	line := make([]geom.Coord, len(coords))
	for i, c := range coords {
		line[i] = xy2(c)
		ps.bounds = ps.bounds.Union(PointExtent(line[i]))
	}
	if len(line) == 1 {
		ps.points = append(ps.points, line[0])
		return
	}
	ps.lines = append(ps.lines, line)
}

// vertices returns one representative vertex per component.
func (ps *parts) vertices() []geom.Coord {
	vs := append([]geom.Coord(nil), ps.points...)
	for _, l := range ps.lines {
		vs = append(vs, l[0])
	}
	return vs
}

// locate classifies c against the areas of ps.
func (ps *parts) locate(c geom.Coord) location.Type {
	best := location.Exterior
	for _, poly := range ps.polys {
		switch locateInPolygon(poly, c) {
		case location.Interior:
			return location.Interior
		case location.Boundary:
			best = location.Boundary
		}
	}
	return best
}

// covers reports whether c lies on any component of ps.
func (ps *parts) covers(c geom.Coord) bool {
	if ps.locate(c) != location.Exterior {
		return true
	}
	for _, p := range ps.points {
		if p[0] == c[0] && p[1] == c[1] {
			return true
		}
	}
	for _, l := range ps.lines {
		for i := 1; i < len(l); i++ {
			if lineintersector.PointIntersectsLine(lineintersector.RobustLineIntersector{}, c, l[i-1], l[i]) {
				return true
			}
		}
	}
	return false
}

func locateInPolygon(poly *geom.Polygon, c geom.Coord) location.Type {
	layout := poly.Layout()
	shell := xy.LocatePointInRing(layout, c, poly.LinearRing(0).FlatCoords())
	if shell != location.Interior {
		return shell
	}
	for i := 1; i < poly.NumLinearRings(); i++ {
		switch xy.LocatePointInRing(layout, c, poly.LinearRing(i).FlatCoords()) {
		case location.Interior:
			return location.Exterior
		case location.Boundary:
			return location.Boundary
		}
	}
	return location.Interior
}

// IntersectsGeom reports whether a and b share at least one point.
func IntersectsGeom(a, b geom.T) bool {
	pa, pb := decompose(a), decompose(b)
	if !pa.bounds.Intersects(pb.bounds) {
		return false
	}
	for _, v := range pa.vertices() {
		if pb.covers(v) {
			return true
		}
	}
	for _, v := range pb.vertices() {
		if pa.covers(v) {
			return true
		}
	}
	for _, la := range pa.lines {
		for _, lb := range pb.lines {
			if linesCross(la, lb) {
				return true
			}
		}
	}
	return false
}

// ContainsGeom reports whether a covers b: no point of b lies in the exterior
// of a. Boundary contact is allowed.
func ContainsGeom(a, b geom.T) bool {
	pa, pb := decompose(a), decompose(b)
	if !pa.bounds.ContainsExtent(pb.bounds) {
		return false
	}
	for _, p := range pb.points {
		if !pa.covers(p) {
			return false
		}
	}
	for _, l := range pb.lines {
		for i := 1; i < len(l); i++ {
			if !pa.coversSegment(l[i-1], l[i]) {
				return false
			}
		}
	}
	// A hole of a strictly inside an area of b leaves part of b uncovered.
	for _, poly := range pa.polys {
		for i := 1; i < poly.NumLinearRings(); i++ {
			for _, c := range poly.LinearRing(i).Coords() {
				if pb.locate(xy2(c)) == location.Interior {
					return false
				}
			}
		}
	}
	return true
}

// coversSegment reports whether every point of the segment s-e lies on ps.
// The segment is cut wherever it meets the line work of ps, vertex touches
// included; no piece between two cuts crosses a boundary, so its midpoint
// decides it.
func (ps *parts) coversSegment(s, e geom.Coord) bool {
	if !ps.covers(s) || !ps.covers(e) {
		return false
	}
	dx, dy := e[0]-s[0], e[1]-s[1]
	length2 := dx*dx + dy*dy
	if length2 == 0 {
		return true
	}
	cuts := []float64{0, 1}
	for _, l := range ps.lines {
		for i := 1; i < len(l); i++ {
			res := lineintersector.LineIntersectsLine(lineintersector.RobustLineIntersector{}, s, e, l[i-1], l[i])
			for _, c := range res.Intersection() {
				t := ((c[0]-s[0])*dx + (c[1]-s[1])*dy) / length2
				cuts = append(cuts, math.Max(0, math.Min(1, t)))
			}
		}
	}
	sort.Float64s(cuts)
	for i := 1; i < len(cuts); i++ {
		if cuts[i]-cuts[i-1] < minPiece {
			continue
		}
		t := (cuts[i-1] + cuts[i]) / 2
		if !ps.covers(geom.Coord{s[0] + t*dx, s[1] + t*dy}) {
			return false
		}
	}
	return true
}

// Distance is the planar distance between the closest points of a and b. It
// is +Inf when either side has no points.
func Distance(a, b geom.T) float64 {
	if IntersectsGeom(a, b) {
		return 0
	}
	pa, pb := decompose(a), decompose(b)
	best := math.Inf(1)
	consider := func(d float64) {
		if d < best {
			best = d
		}
	}
	pointsOf := func(ps parts) []geom.Coord {
		out := append([]geom.Coord(nil), ps.points...)
		for _, l := range ps.lines {
			out = append(out, l...)
		}
		return out
	}
	for _, x := range [2][2]parts{{pa, pb}, {pb, pa}} {
		from, to := x[0], x[1]
		for _, p := range pointsOf(from) {
			for _, q := range to.points {
				consider(xy.Distance(p, q))
			}
			for _, l := range to.lines {
				for i := 1; i < len(l); i++ {
					consider(xy.DistanceFromPointToLine(p, l[i-1], l[i]))
				}
			}
		}
	}
	return best
}

// PointDistance is the Euclidean distance between two coordinates.
func PointDistance(a, b geom.Coord) float64 {
	return ExtentDistance(PointExtent(a), b)
}

// ExtentDistance is the Euclidean distance from p to e.
func ExtentDistance(e Extent, p geom.Coord) float64 {
	return e.MinDist(p)
}

func linesCross(a, b []geom.Coord) bool {
	for i := 1; i < len(a); i++ {
		for j := 1; j < len(b); j++ {
			res := lineintersector.LineIntersectsLine(lineintersector.RobustLineIntersector{}, a[i-1], a[i], b[j-1], b[j])
			if res.HasIntersection() {
				return true
			}
		}
	}
	return false
}

// properCross reports a single crossing point interior to both segments.
func properCross(a1, a2, b1, b2 geom.Coord) bool {
	o1 := xy.OrientationIndex(a1, a2, b1)
	o2 := xy.OrientationIndex(a1, a2, b2)
	o3 := xy.OrientationIndex(b1, b2, a1)
	o4 := xy.OrientationIndex(b1, b2, a2)
	return o1*o2 < 0 && o3*o4 < 0
}

func xy2(c geom.Coord) geom.Coord {
	return geom.Coord{c[0], c[1]}
}
