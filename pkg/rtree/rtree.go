// Package rtree is the per-partition index: an rtreego R-tree over record
// bounding boxes, with every candidate confirmed by the exact predicate and
// nearest-neighbor results ranked by true distance.
package rtree

import (
	"math"
	"sort"

	"github.com/dhconnelly/rtreego"
	"github.com/pkg/errors"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
)

const (
	dimensions = 2
	tolerance  = 1e-9
)

// Entry is an indexed geometry with its payload. Seq is the insertion
// position and breaks distance ties.
type Entry[V any] struct {
	Geometry geom.T
	Value    V
	Bounds   geometry.Extent
	Seq      int
}

// spatialEntry wraps an entry to implement rtreego.Spatial.
type spatialEntry[V any] struct {
	entry *Entry[V]
	rect  rtreego.Rect
}

func (s *spatialEntry[V]) Bounds() rtreego.Rect {
	return s.rect
}

// Tree is an R-tree whose nodes hold at most order children. It is not safe
// for concurrent mutation; concurrent queries on a tree that is no longer
// written to are fine.
type Tree[V any] struct {
	order   int
	rt      *rtreego.Rtree
	entries []*Entry[V]
	bounds  geometry.Extent
}

// New creates an empty tree. Every node holds at most order children, so
// order must be at least two for a split to be possible.
func New[V any](order int) (*Tree[V], error) {
	if order < 2 {
		return nil, errors.Wrapf(models.ErrInvalidParameter, "r-tree order must be at least 2, got %d", order)
	}
	minChildren := order / 2
	if minChildren < 1 {
		minChildren = 1
	}
	return &Tree[V]{
		order: order,
		rt:    rtreego.NewTree(dimensions, minChildren, order),
	}, nil
}

// Order returns the maximum fan-out.
func (t *Tree[V]) Order() int { return t.order }

// Size returns the number of entries.
func (t *Tree[V]) Size() int { return len(t.entries) }

// Height returns the number of levels; a tree holding only a root leaf has
// height 1.
func (t *Tree[V]) Height() int { return t.rt.Depth() }

// Bounds covers every entry. It is empty for an empty tree.
func (t *Tree[V]) Bounds() geometry.Extent { return t.bounds }

// Insert adds g with payload v.
func (t *Tree[V]) Insert(g geom.T, v V) error {
	box, err := geometry.ExtentOf(g)
	if err != nil {
		return err
	}
	t.add(&Entry[V]{Geometry: g, Value: v, Bounds: box, Seq: len(t.entries)})
	return nil
}

func (t *Tree[V]) add(e *Entry[V]) {
	t.rt.Insert(&spatialEntry[V]{entry: e, rect: toRect(e.Bounds)})
	t.entries = append(t.entries, e)
	t.bounds = t.bounds.Union(e.Bounds)
}

// Query returns every entry whose geometry satisfies pred against q, in
// insertion order. Subtrees are pruned by bounding box and every candidate is
// confirmed with the exact predicate.
func (t *Tree[V]) Query(pred geometry.Predicate, q geom.T) ([]*Entry[V], error) {
	qbox, err := geometry.ExtentOf(q)
	if err != nil {
		return nil, err
	}
	var out []*Entry[V]
	for _, e := range t.Candidates(pred, qbox) {
		if pred.Eval(e.Geometry, q) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Candidates returns, in insertion order, the entries whose boxes pass pred's
// filter against qbox, without the exact test.
func (t *Tree[V]) Candidates(pred geometry.Predicate, qbox geometry.Extent) []*Entry[V] {
	if len(t.entries) == 0 || qbox.IsEmpty() {
		return nil
	}
	window := qbox
	if pred.Kind == geometry.KindWithinDistance {
		window = qbox.Expand(pred.Distance)
	}
	hits := t.rt.SearchIntersect(toRect(window), boxFilter[V](pred, qbox))
	return sortedEntries[V](hits)
}

// boxFilter refuses leaves whose exact box cannot satisfy pred. rtreego only
// tests the widened rectangles.
func boxFilter[V any](pred geometry.Predicate, qbox geometry.Extent) rtreego.Filter {
	return func(_ []rtreego.Spatial, obj rtreego.Spatial) (refuse, abort bool) {
		return !entryMayMatch(pred, obj.(*spatialEntry[V]).entry.Bounds, qbox), false
	}
}

// entryMayMatch is the box test for a single record. It is stricter than
// Candidate for ContainedBy, which has to hold for whole subtrees.
func entryMayMatch(pred geometry.Predicate, box, qbox geometry.Extent) bool {
	if pred.Kind == geometry.KindContainedBy {
		return qbox.ContainsExtent(box)
	}
	return pred.Candidate(box, qbox)
}

// Entries returns every entry in insertion order.
func (t *Tree[V]) Entries() []*Entry[V] {
	return append([]*Entry[V](nil), t.entries...)
}

// Walk visits every entry in insertion order.
func (t *Tree[V]) Walk(fn func(*Entry[V])) {
	for _, e := range t.entries {
		fn(e)
	}
}

func sortedEntries[V any](hits []rtreego.Spatial) []*Entry[V] {
	out := make([]*Entry[V], len(hits))
	for i, h := range hits {
		out[i] = h.(*spatialEntry[V]).entry
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// toRect projects e onto the plane and widens it by a scale-aware tolerance:
// rtreego treats touching rectangles as disjoint and rejects zero lengths.
func toRect(e geometry.Extent) rtreego.Rect {
	min := rtreego.Point{e.Min[0], e.Min[1]}
	max := rtreego.Point{e.Max[0], e.Max[1]}
	for i := range min {
		tol := tolerance * math.Max(1, math.Max(math.Abs(min[i]), math.Abs(max[i])))
		min[i] -= tol
		max[i] += tol
	}
	r, _ := rtreego.NewRectFromPoints(min, max)
	return r
}
