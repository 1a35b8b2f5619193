package spatial

import (
	"math"
	"sort"

	"github.com/dhconnelly/rtreego"

	"github.com/kass/go-geo-partition/pkg/geometry"
)

const (
	routerMinChildren = 25
	routerMaxChildren = 50
	routerTolerance   = 1e-9
)

// partitionBox wraps a partition's data extent to implement rtreego.Spatial.
type partitionBox struct {
	id   int
	rect rtreego.Rect
}

func (b *partitionBox) Bounds() rtreego.Rect {
	return b.rect
}

// extentIndex routes a query box to the partitions whose data extents may
// hold a match. rtreego treats touching rectangles as disjoint, so boxes are
// widened slightly and every hit is re-checked against the exact extent.
type extentIndex struct {
	tree    *rtreego.Rtree
	extents []geometry.Extent
}

func newExtentIndex(extents []geometry.Extent) *extentIndex {
	var objs []rtreego.Spatial
	for id, e := range extents {
		if e.IsEmpty() {
			continue
		}
		objs = append(objs, &partitionBox{id: id, rect: toRect(e)})
	}
	return &extentIndex{
		tree:    rtreego.NewTree(2, routerMinChildren, routerMaxChildren, objs...),
		extents: extents,
	}
}

// candidates lists, in ascending id order, the partitions whose records may
// satisfy pred against a query with bounding box qbox.
func (x *extentIndex) candidates(pred geometry.Predicate, qbox geometry.Extent) []int {
	return x.search(qbox, pred, func(e geometry.Extent) bool { return pred.Candidate(e, qbox) })
}

// joinable lists the partitions whose records may satisfy pred against some
// geometry inside box.
func (x *extentIndex) joinable(pred geometry.Predicate, box geometry.Extent) []int {
	return x.search(box, pred, func(e geometry.Extent) bool { return pred.MayJoin(box, e) })
}

func (x *extentIndex) search(box geometry.Extent, pred geometry.Predicate, keep func(geometry.Extent) bool) []int {
	if box.IsEmpty() || x.tree.Size() == 0 {
		return nil
	}
	if pred.Kind == geometry.KindWithinDistance {
		box = box.Expand(pred.Distance)
	}
	var ids []int
	for _, hit := range x.tree.SearchIntersect(toRect(box)) {
		id := hit.(*partitionBox).id
		if keep(x.extents[id]) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// toRect projects e onto the plane and widens it by a scale-aware tolerance.
func toRect(e geometry.Extent) rtreego.Rect {
	min := rtreego.Point{e.Min[0], e.Min[1]}
	max := rtreego.Point{e.Max[0], e.Max[1]}
	for i := range min {
		tol := routerTolerance * math.Max(1, math.Max(math.Abs(min[i]), math.Abs(max[i])))
		min[i] -= tol
		max[i] += tol
	}
	r, _ := rtreego.NewRectFromPoints(min, max)
	return r
}
