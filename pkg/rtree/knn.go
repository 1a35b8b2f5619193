package rtree

import (
	"math"
	"sort"

	"github.com/dhconnelly/rtreego"
	"github.com/tidwall/tinyqueue"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/geometry"
)

// Neighbor is a kNN result.
type Neighbor[V any] struct {
	*Entry[V]
	Distance float64
}

// NearestNeighbors returns the k entries closest to p by exact planar
// distance, ascending, ties broken by insertion order.
func (t *Tree[V]) NearestNeighbors(p geom.Coord, k int) []Neighbor[V] {
	return t.NearestNeighborsMetric(p, k, geometry.EuclideanMetric)
}

// NearestNeighborsMetric is NearestNeighbors under an arbitrary metric.
//
// rtreego's box-distance search yields k seeds whose exact k-th distance is a
// search radius; every entry inside the metric's window for that radius is
// then ranked exactly. Without a window every entry is ranked.
func (t *Tree[V]) NearestNeighborsMetric(p geom.Coord, k int, m geometry.Metric) []Neighbor[V] {
	return t.nearest(p, k, m, math.Inf(1))
}

// NearestWithin is NearestNeighborsMetric restricted to distances of at most
// limit. Cross-partition search uses it to pass the global k-th best bound.
func (t *Tree[V]) NearestWithin(p geom.Coord, k int, m geometry.Metric, limit float64) []Neighbor[V] {
	return t.nearest(p, k, m, limit)
}

func (t *Tree[V]) nearest(p geom.Coord, k int, m geometry.Metric, limit float64) []Neighbor[V] {
	if k <= 0 || len(t.entries) == 0 || len(p) < 2 {
		return nil
	}

	candidates := t.entries
	if m.Window != nil {
		if window, ok := m.Window(p, t.seedRadius(p, k, m, limit)); ok {
			candidates = sortedEntries[V](t.rt.SearchIntersect(toRect(window)))
		}
	}

	best := tinyqueue.New(nil)
	for _, e := range candidates {
		if best.Len() == k && m.Bound != nil && m.Bound(e.Bounds, p) > best.Peek().(*ranked[V]).Distance {
			continue
		}
		d := m.Distance(e.Geometry, p)
		if d > limit || math.IsNaN(d) {
			continue
		}
		nb := Neighbor[V]{Entry: e, Distance: d}
		if best.Len() < k {
			best.Push(&ranked[V]{nb})
		} else if closer(nb, best.Peek().(*ranked[V]).Neighbor) {
			best.Pop()
			best.Push(&ranked[V]{nb})
		}
	}

	out := make([]Neighbor[V], best.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = best.Pop().(*ranked[V]).Neighbor
	}
	return out
}

// seedRadius is the k-th smallest exact distance among the k entries nearest
// to p by box distance, capped at limit. No entry of the true result is
// farther away.
func (t *Tree[V]) seedRadius(p geom.Coord, k int, m geometry.Metric, limit float64) float64 {
	if k > len(t.entries) {
		return limit
	}
	seeds := t.rt.NearestNeighbors(k, rtreego.Point{p[0], p[1]})
	if len(seeds) < k {
		return limit
	}
	dists := make([]float64, 0, len(seeds))
	for _, s := range seeds {
		if d := m.Distance(s.(*spatialEntry[V]).entry.Geometry, p); !math.IsNaN(d) {
			dists = append(dists, d)
		}
	}
	if len(dists) < k {
		return limit
	}
	sort.Float64s(dists)
	return math.Min(dists[k-1], limit)
}

func closer[V any](a, b Neighbor[V]) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Seq < b.Seq
}

// ranked orders the result queue worst first, so its head is the neighbor to
// evict.
type ranked[V any] struct {
	Neighbor[V]
}

func (r *ranked[V]) Less(o tinyqueue.Item) bool {
	return closer(o.(*ranked[V]).Neighbor, r.Neighbor)
}
