package partition

import (
	"math"

	"github.com/pkg/errors"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
)

// Node is one region of the BSP split tree. Regions are half-open ranges of
// fine grid cells [Lo[d], Hi[d]). Internal nodes send cells with index below
// Split on Axis to Left and the rest to Right; leaves carry a partition id.
type Node struct {
	Lo, Hi      []int
	Cost        int64
	Axis        int
	Split       int
	Left, Right int
	Partition   int
}

func (n *Node) leaf() bool { return n.Axis < 0 }

// BSP is a cost-based binary space partitioner. Its split tree is stored in an
// arena (nodes[0] is the root) so that it serializes and compares structurally.
type BSP struct {
	hist     *Histogram
	maxCost  int64
	nodes    []Node
	leaves   []int
	extents  []geometry.Extent
	overflow []int
}

// NewBSP recursively splits the histogram until every region costs at most
// maxCost, or is a single fine cell. Identical histograms and parameters
// always give identical trees and partition ids.
func NewBSP(hist *Histogram, maxCost int64) (*BSP, error) {
	if maxCost <= 0 {
		return nil, errors.Wrapf(models.ErrInvalidParameter, "max cost per partition must be positive, got %d", maxCost)
	}
	if hist == nil {
		return nil, errors.Wrap(models.ErrInvalidParameter, "missing histogram")
	}
	b := &BSP{hist: hist, maxCost: maxCost}
	root := Node{
		Lo:   make([]int, len(hist.cells)),
		Hi:   append([]int(nil), hist.cells...),
		Axis: -1,
	}
	b.nodes = append(b.nodes, root)
	b.split(0)
	b.index()
	return b, nil
}

func restoreBSP(s Spec) (*BSP, error) {
	if s.MaxCost <= 0 {
		return nil, errors.Wrapf(models.ErrInvalidParameter, "max cost per partition must be positive, got %d", s.MaxCost)
	}
	hist, err := NewHistogram(s.Bounds, s.SideLength)
	if err != nil {
		return nil, err
	}
	if len(s.Nodes) == 0 {
		return nil, errors.Wrap(models.ErrInvalidParameter, "bsp spec has no nodes")
	}
	if err := checkNodes(s.Nodes, hist.cells); err != nil {
		return nil, err
	}
	b := &BSP{hist: hist, maxCost: s.MaxCost, nodes: make([]Node, len(s.Nodes))}
	for i, n := range s.Nodes {
		b.nodes[i] = Node{
			Lo: append([]int(nil), n.Lo...), Hi: append([]int(nil), n.Hi...),
			Cost: n.Cost, Axis: n.Axis, Split: n.Split,
			Left: n.Left, Right: n.Right, Partition: n.Partition,
		}
	}
	b.index()
	return b, nil
}

// checkNodes verifies that nodes form the split tree of a histogram with the
// given cell counts: the root spans every cell, each split falls strictly
// inside its region and is mirrored exactly by both children, every node is
// reached once and leaves are numbered depth-first.
func checkNodes(nodes []Node, cells []int) error {
	dims := len(cells)
	seen := make([]bool, len(nodes))
	leaves := 0
	var walk func(i int, lo, hi []int) error
	walk = func(i int, lo, hi []int) error {
		if i < 0 || i >= len(nodes) || seen[i] {
			return errors.Wrapf(models.ErrInvalidParameter, "bsp node reference %d", i)
		}
		seen[i] = true
		n := nodes[i]
		if len(n.Lo) != dims || len(n.Hi) != dims {
			return errors.Wrapf(models.ErrInvalidParameter, "bsp node %d has %d/%d dimensions, want %d", i, len(n.Lo), len(n.Hi), dims)
		}
		for d := 0; d < dims; d++ {
			if n.Lo[d] != lo[d] || n.Hi[d] != hi[d] {
				return errors.Wrapf(models.ErrInvalidParameter, "bsp node %d covers %v..%v, want %v..%v", i, n.Lo, n.Hi, lo, hi)
			}
		}
		if n.leaf() {
			if n.Axis != -1 || n.Partition != leaves {
				return errors.Wrapf(models.ErrInvalidParameter, "bsp leaf %d has axis %d and partition %d", i, n.Axis, n.Partition)
			}
			leaves++
			return nil
		}
		if n.Axis >= dims || n.Split <= lo[n.Axis] || n.Split >= hi[n.Axis] {
			return errors.Wrapf(models.ErrInvalidParameter, "bsp node %d splits axis %d at %d", i, n.Axis, n.Split)
		}
		leftHi := append([]int(nil), hi...)
		leftHi[n.Axis] = n.Split
		if err := walk(n.Left, lo, leftHi); err != nil {
			return err
		}
		rightLo := append([]int(nil), lo...)
		rightLo[n.Axis] = n.Split
		return walk(n.Right, rightLo, hi)
	}
	if err := walk(0, make([]int, dims), cells); err != nil {
		return err
	}
	for i, ok := range seen {
		if !ok {
			return errors.Wrapf(models.ErrInvalidParameter, "bsp node %d is unreachable", i)
		}
	}
	return nil
}

// split grows the subtree rooted at nodes[i] depth-first, left before right.
func (b *BSP) split(i int) {
	n := &b.nodes[i]
	slabs, total := b.slabs(n.Lo, n.Hi)
	n.Cost = total
	if total <= b.maxCost {
		return
	}
	axis, at, ok := b.bestSplit(n.Lo, n.Hi, slabs, total)
	if !ok {
		return
	}
	left := Node{Lo: append([]int(nil), n.Lo...), Hi: append([]int(nil), n.Hi...), Axis: -1}
	right := Node{Lo: append([]int(nil), n.Lo...), Hi: append([]int(nil), n.Hi...), Axis: -1}
	left.Hi[axis] = at
	right.Lo[axis] = at
	n.Axis, n.Split = axis, at
	n.Left = len(b.nodes)
	b.nodes = append(b.nodes, left)
	b.split(b.nodes[i].Left)
	b.nodes[i].Right = len(b.nodes)
	b.nodes = append(b.nodes, right)
	b.split(b.nodes[i].Right)
}

// bestSplit picks the fine grid boundary minimising |left - right|. Ties go to
// the axis with the longer extent, then the lowest axis, then the lowest
// boundary.
func (b *BSP) bestSplit(lo, hi []int, slabs [][]int64, total int64) (axis, at int, ok bool) {
	bestDiff := int64(math.MaxInt64)
	bestLen := -1.0
	for d := range lo {
		if hi[d]-lo[d] < 2 {
			continue
		}
		length := b.hist.edge(d, hi[d]) - b.hist.edge(d, lo[d])
		var left int64
		for s := lo[d] + 1; s < hi[d]; s++ {
			left += slabs[d][s-1-lo[d]]
			diff := left - (total - left)
			if diff < 0 {
				diff = -diff
			}
			if diff < bestDiff || (diff == bestDiff && length > bestLen) {
				bestDiff, bestLen, axis, at, ok = diff, length, d, s, true
			}
		}
	}
	return axis, at, ok
}

// slabs returns, for every dimension, the per-slice cost of the region along
// that dimension, plus the total region cost.
func (b *BSP) slabs(lo, hi []int) ([][]int64, int64) {
	dims := len(lo)
	slabs := make([][]int64, dims)
	for d := range slabs {
		slabs[d] = make([]int64, hi[d]-lo[d])
	}
	var total int64
	idx := append([]int(nil), lo...)
	for {
		c := b.hist.counts[b.hist.flat(idx)]
		if c != 0 {
			total += c
			for d := 0; d < dims; d++ {
				slabs[d][idx[d]-lo[d]] += c
			}
		}
		d := 0
		for ; d < dims; d++ {
			idx[d]++
			if idx[d] < hi[d] {
				break
			}
			idx[d] = lo[d]
		}
		if d == dims {
			break
		}
	}
	return slabs, total
}

// index assigns partition ids to leaves in depth-first order and caches their
// extents.
func (b *BSP) index() {
	b.leaves = b.leaves[:0]
	b.extents = b.extents[:0]
	b.overflow = b.overflow[:0]
	var walk func(i int)
	walk = func(i int) {
		n := &b.nodes[i]
		if n.leaf() {
			n.Partition = len(b.leaves)
			if n.Cost > b.maxCost {
				b.overflow = append(b.overflow, n.Partition)
			}
			b.leaves = append(b.leaves, i)
			b.extents = append(b.extents, b.regionExtent(n.Lo, n.Hi))
			return
		}
		walk(n.Left)
		walk(n.Right)
	}
	walk(0)
}

func (b *BSP) regionExtent(lo, hi []int) geometry.Extent {
	min := make(geom.Coord, len(lo))
	max := make(geom.Coord, len(lo))
	for d := range lo {
		min[d] = b.hist.edge(d, lo[d])
		max[d] = b.hist.edge(d, hi[d])
	}
	return geometry.Extent{Min: min, Max: max}
}

func (b *BSP) NumPartitions() int { return len(b.leaves) }

func (b *BSP) Bounds() geometry.Extent { return b.hist.bounds }

func (b *BSP) Partition(g geom.T) (int, error) {
	return locateGeometry(b, g)
}

// Locate descends the split tree using the fine cell of c.
func (b *BSP) Locate(c geom.Coord) (int, error) {
	if err := checkCoord(c, len(b.hist.cells)); err != nil {
		return 0, err
	}
	cell := b.hist.cellOf(c)
	i := 0
	for !b.nodes[i].leaf() {
		n := &b.nodes[i]
		if cell[n.Axis] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return b.nodes[i].Partition, nil
}

func (b *BSP) Extent(id int) geometry.Extent {
	if id < 0 || id >= len(b.extents) {
		return geometry.Extent{}
	}
	return b.extents[id]
}

// Cost returns the number of histogram entries that fell into partition id.
func (b *BSP) Cost(id int) int64 {
	if id < 0 || id >= len(b.leaves) {
		return 0
	}
	return b.nodes[b.leaves[id]].Cost
}

// Overflow lists partitions that exceed the max cost because they are a
// single fine cell.
func (b *BSP) Overflow() []int {
	return append([]int(nil), b.overflow...)
}

// Nodes returns a copy of the split tree arena.
func (b *BSP) Nodes() []Node {
	out := make([]Node, len(b.nodes))
	copy(out, b.nodes)
	return out
}

func (b *BSP) Spec() Spec {
	return Spec{
		Kind:       KindBSP,
		Bounds:     b.hist.bounds,
		SideLength: b.hist.side,
		MaxCost:    b.maxCost,
		Nodes:      b.Nodes(),
	}
}
