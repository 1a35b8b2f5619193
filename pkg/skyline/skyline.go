// Package skyline computes the records that are not dominated by any other
// record once every record is mapped into a distance space around a
// reference record.
package skyline

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
)

// MapFunc maps a record to its distance-space point relative to ref. Every
// record must map to the same number of dimensions.
type MapFunc[V any] func(ref, r models.Record[V]) ([]float64, error)

// DominanceFunc reports whether a dominates b.
//
// Partition pruning assumes the relation is monotone: if a dominates b then
// anything no worse than a in every dimension dominates anything no better
// than b.
type DominanceFunc func(a, b []float64) bool

// Dominates is the minimising dominance: a is no larger than b in every
// dimension and smaller in at least one.
func Dominates(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	strict := false
	for i := range a {
		if a[i] > b[i] {
			return false
		}
		if a[i] < b[i] {
			strict = true
		}
	}
	return strict
}

// SpatioTemporal maps a record to (distance to ref, |time - ref.Time| in
// seconds).
func SpatioTemporal[V any]() MapFunc[V] {
	return func(ref, r models.Record[V]) ([]float64, error) {
		if _, err := geometry.ExtentOf(r.Geometry); err != nil {
			return nil, err
		}
		d := geometry.Distance(ref.Geometry, r.Geometry)
		dt := r.Time.Sub(ref.Time)
		if dt < 0 {
			dt = -dt
		}
		return []float64{d, dt.Seconds()}, nil
	}
}

// Spatial maps a record to its one-dimensional distance from ref.
func Spatial[V any]() MapFunc[V] {
	return func(ref, r models.Record[V]) ([]float64, error) {
		if _, err := geometry.ExtentOf(r.Geometry); err != nil {
			return nil, err
		}
		return []float64{geometry.Distance(ref.Geometry, r.Geometry)}, nil
	}
}

// Point is a record placed in distance space. Index is the record's position
// in the input.
type Point[V any] struct {
	Coords []float64
	Record models.Record[V]
	Index  int
}

// Skyline is a running set of mutually non-dominated points. It is not safe
// for concurrent use.
type Skyline[V any] struct {
	dominates DominanceFunc
	points    []Point[V]
}

// New returns an empty skyline under dominates; nil means Dominates.
func New[V any](dominates DominanceFunc) *Skyline[V] {
	if dominates == nil {
		dominates = Dominates
	}
	return &Skyline[V]{dominates: dominates}
}

// Insert adds p unless a member dominates it, evicting every member p
// dominates. It reports whether p was added.
func (s *Skyline[V]) Insert(p Point[V]) bool {
	for _, q := range s.points {
		if s.dominates(q.Coords, p.Coords) {
			return false
		}
	}
	kept := s.points[:0]
	for _, q := range s.points {
		if !s.dominates(p.Coords, q.Coords) {
			kept = append(kept, q)
		}
	}
	s.points = append(kept, p)
	return true
}

// Merge combines two skylines into s, keeping only the members neither side
// dominates. It returns s.
func (s *Skyline[V]) Merge(o *Skyline[V]) *Skyline[V] {
	var out []Point[V]
	for _, p := range s.points {
		if !dominatedBy(s.dominates, p, o.points) {
			out = append(out, p)
		}
	}
	for _, p := range o.points {
		if !dominatedBy(s.dominates, p, s.points) {
			out = append(out, p)
		}
	}
	s.points = out
	return s
}

func dominatedBy[V any](dominates DominanceFunc, p Point[V], set []Point[V]) bool {
	for _, q := range set {
		if dominates(q.Coords, p.Coords) {
			return true
		}
	}
	return false
}

func (s *Skyline[V]) Len() int { return len(s.points) }

// Points returns the members ordered by input position.
func (s *Skyline[V]) Points() []Point[V] {
	out := append([]Point[V](nil), s.points...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// mapper wraps fn with dimension and finiteness checks.
func mapper[V any](ref models.Record[V], fn MapFunc[V]) func(i int, r models.Record[V]) (Point[V], error) {
	return func(i int, r models.Record[V]) (Point[V], error) {
		c, err := fn(ref, r)
		if err != nil {
			return Point[V]{}, err
		}
		if len(c) == 0 {
			return Point[V]{}, errors.Wrap(models.ErrInvalidParameter, "mapping produced no dimensions")
		}
		for _, v := range c {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Point[V]{}, errors.Wrap(models.ErrDegenerateGeometry, "mapped coordinate is not finite")
			}
		}
		return Point[V]{Coords: c, Record: r, Index: i}, nil
	}
}
