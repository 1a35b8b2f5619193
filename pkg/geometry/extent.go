// Package geometry provides the extent arithmetic, centroid extraction and exact
// geometric predicates used by the partitioners, the R-tree and the query layer.
// Geometries are github.com/twpayne/go-geom values.
package geometry

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/models"
)

// Extent is an n-dimensional axis-aligned bounding box. The zero value is the
// empty extent, which is the identity for Union.
type Extent struct {
	Min geom.Coord
	Max geom.Coord
}

// NewExtent copies min and max into a new extent.
func NewExtent(min, max geom.Coord) (Extent, error) {
	if len(min) == 0 || len(min) != len(max) {
		return Extent{}, errors.Wrapf(models.ErrInvalidParameter, "extent corners have %d and %d dimensions", len(min), len(max))
	}
	for i := range min {
		if isBad(min[i]) || isBad(max[i]) {
			return Extent{}, errors.Wrapf(models.ErrDegenerateGeometry, "extent dimension %d is not finite", i)
		}
		if min[i] > max[i] {
			return Extent{}, errors.Wrapf(models.ErrInvalidParameter, "extent dimension %d: min %v > max %v", i, min[i], max[i])
		}
	}
	return Extent{Min: min.Clone(), Max: max.Clone()}, nil
}

// Rect is a two-dimensional extent. Corners are normalised.
func Rect(minX, minY, maxX, maxY float64) Extent {
	return Extent{
		Min: geom.Coord{math.Min(minX, maxX), math.Min(minY, maxY)},
		Max: geom.Coord{math.Max(minX, maxX), math.Max(minY, maxY)},
	}
}

// PointExtent is the zero-size extent around c.
func PointExtent(c geom.Coord) Extent {
	return Extent{Min: c.Clone(), Max: c.Clone()}
}

// IsEmpty reports whether e is the zero extent.
func (e Extent) IsEmpty() bool {
	return len(e.Min) == 0
}

// Dims returns the number of dimensions of e.
func (e Extent) Dims() int {
	return len(e.Min)
}

// Width returns the extent length along dim.
func (e Extent) Width(dim int) float64 {
	return e.Max[dim] - e.Min[dim]
}

// Area is the product of all side lengths.
func (e Extent) Area() float64 {
	if e.IsEmpty() {
		return 0
	}
	a := 1.0
	for i := range e.Min {
		a *= e.Width(i)
	}
	return a
}

// Margin is the sum of all side lengths.
func (e Extent) Margin() float64 {
	m := 0.0
	for i := range e.Min {
		m += e.Width(i)
	}
	return m
}

// Center returns the midpoint of e.
func (e Extent) Center() geom.Coord {
	c := make(geom.Coord, len(e.Min))
	for i := range e.Min {
		c[i] = (e.Min[i] + e.Max[i]) / 2
	}
	return c
}

// ContainsPoint reports whether p lies in the closed extent. Extra
// coordinates of p beyond the extent's dimensions are ignored.
func (e Extent) ContainsPoint(p geom.Coord) bool {
	if e.IsEmpty() || len(p) < len(e.Min) {
		return false
	}
	for i := range e.Min {
		if p[i] < e.Min[i] || p[i] > e.Max[i] {
			return false
		}
	}
	return true
}

// Intersects reports whether the closed extents share at least one point.
func (e Extent) Intersects(o Extent) bool {
	if e.IsEmpty() || o.IsEmpty() {
		return false
	}
	for i := 0; i < len(e.Min) && i < len(o.Min); i++ {
		if e.Min[i] > o.Max[i] || o.Min[i] > e.Max[i] {
			return false
		}
	}
	return true
}

// ContainsExtent reports whether o lies entirely inside e.
func (e Extent) ContainsExtent(o Extent) bool {
	if e.IsEmpty() || o.IsEmpty() {
		return false
	}
	for i := 0; i < len(e.Min) && i < len(o.Min); i++ {
		if o.Min[i] < e.Min[i] || o.Max[i] > e.Max[i] {
			return false
		}
	}
	return true
}

// Union returns the smallest extent covering e and o.
func (e Extent) Union(o Extent) Extent {
	if e.IsEmpty() {
		return o.clone()
	}
	if o.IsEmpty() {
		return e.clone()
	}
	u := e.clone()
	for i := 0; i < len(u.Min) && i < len(o.Min); i++ {
		u.Min[i] = math.Min(u.Min[i], o.Min[i])
		u.Max[i] = math.Max(u.Max[i], o.Max[i])
	}
	return u
}

// Expand grows e by d in every direction.
func (e Extent) Expand(d float64) Extent {
	if e.IsEmpty() {
		return e
	}
	x := e.clone()
	for i := range x.Min {
		x.Min[i] -= d
		x.Max[i] += d
	}
	return x
}

// MinDist is the smallest Euclidean distance from p to any point of e.
func (e Extent) MinDist(p geom.Coord) float64 {
	if e.IsEmpty() {
		return math.Inf(1)
	}
	sum := 0.0
	for i := 0; i < len(e.Min) && i < len(p); i++ {
		var d float64
		switch {
		case p[i] < e.Min[i]:
			d = e.Min[i] - p[i]
		case p[i] > e.Max[i]:
			d = p[i] - e.Max[i]
		}
		sum += d * d
	}
	return math.Sqrt(sum)
}

// MinDistExtent is the smallest Euclidean distance between e and o.
func (e Extent) MinDistExtent(o Extent) float64 {
	if e.IsEmpty() || o.IsEmpty() {
		return math.Inf(1)
	}
	sum := 0.0
	for i := 0; i < len(e.Min) && i < len(o.Min); i++ {
		var d float64
		switch {
		case o.Max[i] < e.Min[i]:
			d = e.Min[i] - o.Max[i]
		case o.Min[i] > e.Max[i]:
			d = o.Min[i] - e.Max[i]
		}
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Equal reports whether both corners match exactly.
func (e Extent) Equal(o Extent) bool {
	if len(e.Min) != len(o.Min) || len(e.Max) != len(o.Max) || len(e.Min) != len(e.Max) {
		return false
	}
	for i := range e.Min {
		if e.Min[i] != o.Min[i] || e.Max[i] != o.Max[i] {
			return false
		}
	}
	return true
}

// Polygon returns the two-dimensional footprint of e.
func (e Extent) Polygon() *geom.Polygon {
	return models.NewRect(e.Min[0], e.Min[1], e.Max[0], e.Max[1])
}

func (e Extent) String() string {
	if e.IsEmpty() {
		return "[empty]"
	}
	parts := make([]string, len(e.Min))
	for i := range e.Min {
		parts[i] = fmt.Sprintf("%g..%g", e.Min[i], e.Max[i])
	}
	return "[" + strings.Join(parts, " x ") + "]"
}

func (e Extent) clone() Extent {
	return Extent{Min: e.Min.Clone(), Max: e.Max.Clone()}
}

func isBad(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
