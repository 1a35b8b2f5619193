package partition

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
)

func TestGridScenario(t *testing.T) {
	grid, err := NewGrid(geometry.Rect(0, 0, 10, 10), 2)
	require.NoError(t, err)
	assert.Equal(t, 4, grid.NumPartitions())

	low := geometry.Rect(0, 0, 5, 5)
	high := geometry.Rect(5, 5, 10, 10)

	for _, c := range []geom.Coord{{0, 0}, {1, 1}} {
		id, err := grid.Partition(models.NewPoint(c[0], c[1]))
		require.NoError(t, err)
		assert.True(t, grid.Extent(id).Equal(low), "point %v in %v", c, grid.Extent(id))
	}
	for _, c := range []geom.Coord{{9, 9}, {10, 10}} {
		id, err := grid.Partition(models.NewPoint(c[0], c[1]))
		require.NoError(t, err)
		assert.True(t, grid.Extent(id).Equal(high), "point %v in %v", c, grid.Extent(id))
	}
}

func TestGridInvalidParameter(t *testing.T) {
	for _, ppd := range []int{0, -3} {
		_, err := NewGrid(geometry.Rect(0, 0, 1, 1), ppd)
		assert.ErrorIs(t, err, models.ErrInvalidParameter)
	}
}

func TestGridTiling(t *testing.T) {
	bounds := geometry.Rect(-3, 2, 17, 9)
	grid, err := NewGrid(bounds, 7)
	require.NoError(t, err)
	require.Equal(t, 49, grid.NumPartitions())

	area := 0.0
	var union geometry.Extent
	extents := Extents(grid)
	for i, a := range extents {
		area += a.Area()
		union = union.Union(a)
		for j := i + 1; j < len(extents); j++ {
			b := extents[j]
			// Interiors are disjoint: any overlap has zero area.
			overlapX := minf(a.Max[0], b.Max[0]) - maxf(a.Min[0], b.Min[0])
			overlapY := minf(a.Max[1], b.Max[1]) - maxf(a.Min[1], b.Min[1])
			assert.False(t, overlapX > 0 && overlapY > 0, "partitions %d and %d overlap", i, j)
		}
	}
	assert.True(t, union.Equal(bounds))
	assert.InDelta(t, bounds.Area(), area, 1e-9)
}

func TestGridDegenerateDimension(t *testing.T) {
	grid, err := NewGrid(geometry.Rect(0, 5, 10, 5), 4)
	require.NoError(t, err)
	assert.Equal(t, 4, grid.NumPartitions())

	id, err := grid.Locate(geom.Coord{7, 5})
	require.NoError(t, err)
	assert.True(t, grid.Extent(id).ContainsPoint(geom.Coord{7, 5}))
}

func TestCentroidContainment(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	points := randomCoords(r, 2000)
	bounds := boundsOf(points)

	grid, err := NewGrid(bounds, 5)
	require.NoError(t, err)

	hist, err := NewHistogram(bounds, 3.3)
	require.NoError(t, err)
	for _, c := range points {
		require.NoError(t, hist.Add(c))
	}
	bsp, err := NewBSP(hist, 100)
	require.NoError(t, err)

	for _, p := range []Partitioner{grid, bsp} {
		t.Run(p.Spec().Kind, func(t *testing.T) {
			for _, c := range points {
				id, err := p.Locate(c)
				require.NoError(t, err)
				require.True(t, id >= 0 && id < p.NumPartitions())
				assert.True(t, p.Extent(id).ContainsPoint(c), "%v not in %v", c, p.Extent(id))
			}
		})
	}
}

func TestBSPScenario(t *testing.T) {
	points := []geom.Coord{{0.5, 0.5}, {2.5, 0.5}, {0.5, 2.5}, {2.5, 2.5}}
	hist, err := NewHistogram(geometry.Rect(0, 0, 3, 3), 1)
	require.NoError(t, err)
	for _, c := range points {
		require.NoError(t, hist.Add(c))
	}

	bsp, err := NewBSP(hist, 1)
	require.NoError(t, err)
	require.Equal(t, 4, bsp.NumPartitions())

	counts := make([]int, bsp.NumPartitions())
	for _, c := range points {
		id, err := bsp.Locate(c)
		require.NoError(t, err)
		counts[id]++
	}
	assert.Equal(t, []int{1, 1, 1, 1}, counts)
	assert.Empty(t, bsp.Overflow())
}

func TestBSPMaxCost(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	points := randomCoords(r, 5000)
	bounds := boundsOf(points)
	hist, err := NewHistogram(bounds, 1)
	require.NoError(t, err)
	for _, c := range points {
		require.NoError(t, hist.Add(c))
	}

	bsp, err := NewBSP(hist, 250)
	require.NoError(t, err)

	counts := make([]int64, bsp.NumPartitions())
	for _, c := range points {
		id, err := bsp.Locate(c)
		require.NoError(t, err)
		counts[id]++
	}
	overflow := map[int]bool{}
	for _, id := range bsp.Overflow() {
		overflow[id] = true
	}
	for id, n := range counts {
		assert.Equal(t, bsp.Cost(id), n)
		if !overflow[id] {
			assert.LessOrEqual(t, n, int64(250), "partition %d", id)
		}
	}
}

func TestBSPSingleCellOverflow(t *testing.T) {
	hist, err := NewHistogram(geometry.Rect(0, 0, 2, 1), 1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, hist.Add(geom.Coord{0.5, 0.5}))
	}
	require.NoError(t, hist.Add(geom.Coord{1.5, 0.5}))

	bsp, err := NewBSP(hist, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, bsp.NumPartitions())
	assert.Equal(t, []int{0}, bsp.Overflow())
	assert.Equal(t, int64(5), bsp.Cost(0))
}

func TestBSPDeterminism(t *testing.T) {
	build := func() *BSP {
		r := rand.New(rand.NewSource(99))
		points := randomCoords(r, 3000)
		hist, err := NewHistogram(geometry.Rect(0, 0, 100, 50), 2)
		require.NoError(t, err)
		for _, c := range points {
			require.NoError(t, hist.Add(c))
		}
		bsp, err := NewBSP(hist, 120)
		require.NoError(t, err)
		return bsp
	}

	a, b := build(), build()
	require.Equal(t, a.NumPartitions(), b.NumPartitions())
	assert.Equal(t, a.Nodes(), b.Nodes())
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	for i := 0; i < a.NumPartitions(); i++ {
		assert.True(t, a.Extent(i).Equal(b.Extent(i)))
	}
}

func TestBSPInvalidParameter(t *testing.T) {
	_, err := NewHistogram(geometry.Rect(0, 0, 1, 1), 0)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)

	hist, err := NewHistogram(geometry.Rect(0, 0, 1, 1), 1)
	require.NoError(t, err)
	_, err = NewBSP(hist, 0)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
}

func TestHistogramMerge(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	points := randomCoords(r, 1000)
	whole, err := NewHistogram(geometry.Rect(0, 0, 100, 50), 5)
	require.NoError(t, err)
	left, right := whole.Clone(), whole.Clone()
	for i, c := range points {
		require.NoError(t, whole.Add(c))
		if i%3 == 0 {
			require.NoError(t, left.Add(c))
		} else {
			require.NoError(t, right.Add(c))
		}
	}

	require.NoError(t, right.Merge(left))
	assert.Equal(t, whole.counts, right.counts)
	assert.Equal(t, int64(1000), right.Total())

	other, err := NewHistogram(geometry.Rect(0, 0, 100, 50), 4)
	require.NoError(t, err)
	assert.ErrorIs(t, whole.Merge(other), models.ErrInvalidParameter)
}

func TestSpecRoundTrip(t *testing.T) {
	grid, err := NewGrid(geometry.Rect(0, 0, 10, 10), 3)
	require.NoError(t, err)

	hist, err := NewHistogram(geometry.Rect(0, 0, 10, 10), 1)
	require.NoError(t, err)
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 500; i++ {
		require.NoError(t, hist.Add(geom.Coord{r.Float64() * 10, r.Float64() * 10}))
	}
	bsp, err := NewBSP(hist, 40)
	require.NoError(t, err)

	for _, p := range []Partitioner{grid, bsp} {
		t.Run(p.Spec().Kind, func(t *testing.T) {
			restored, err := FromSpec(p.Spec())
			require.NoError(t, err)
			assert.NoError(t, Compatible(p, restored))
			assert.Equal(t, Fingerprint(p), Fingerprint(restored))
			for i := 0; i < 100; i++ {
				c := geom.Coord{r.Float64() * 10, r.Float64() * 10}
				a, err := p.Locate(c)
				require.NoError(t, err)
				b, err := restored.Locate(c)
				require.NoError(t, err)
				assert.Equal(t, a, b)
			}
		})
	}
}

func TestSpecRejectsMalformedNodes(t *testing.T) {
	hist, err := NewHistogram(geometry.Rect(0, 0, 10, 10), 1)
	require.NoError(t, err)
	r := rand.New(rand.NewSource(12))
	for i := 0; i < 300; i++ {
		require.NoError(t, hist.Add(geom.Coord{r.Float64() * 10, r.Float64() * 10}))
	}
	bsp, err := NewBSP(hist, 40)
	require.NoError(t, err)
	require.Greater(t, bsp.NumPartitions(), 2)

	firstLeaf := func(nodes []Node) int {
		for i, n := range nodes {
			if n.leaf() {
				return i
			}
		}
		return -1
	}
	testCases := map[string]func(nodes []Node) []Node{
		"no nodes": func(nodes []Node) []Node { return nil },
		"extra dimension": func(nodes []Node) []Node {
			nodes[0].Lo = []int{0, 0, 0}
			return nodes
		},
		"short upper corner": func(nodes []Node) []Node {
			nodes[0].Hi = []int{10}
			return nodes
		},
		"axis out of range": func(nodes []Node) []Node {
			nodes[0].Axis = 7
			return nodes
		},
		"negative axis": func(nodes []Node) []Node {
			nodes[0].Axis = -3
			return nodes
		},
		"split on region edge": func(nodes []Node) []Node {
			nodes[0].Split = nodes[0].Hi[nodes[0].Axis]
			return nodes
		},
		"child out of range": func(nodes []Node) []Node {
			nodes[0].Left = len(nodes)
			return nodes
		},
		"shared child": func(nodes []Node) []Node {
			nodes[0].Right = nodes[0].Left
			return nodes
		},
		"leaf partition": func(nodes []Node) []Node {
			nodes[firstLeaf(nodes)].Partition = 99
			return nodes
		},
		"unreachable node": func(nodes []Node) []Node {
			return append(nodes, Node{Lo: []int{0, 0}, Hi: []int{1, 1}, Axis: -1})
		},
	}
	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			spec := bsp.Spec()
			spec.Nodes = mutate(spec.Nodes)
			_, err := FromSpec(spec)
			assert.ErrorIs(t, err, models.ErrInvalidParameter)
		})
	}

	_, err = FromSpec(bsp.Spec())
	assert.NoError(t, err)
}

func TestCompatible(t *testing.T) {
	a, err := NewGrid(geometry.Rect(0, 0, 10, 10), 2)
	require.NoError(t, err)
	b, err := NewGrid(geometry.Rect(0, 0, 10, 10), 3)
	require.NoError(t, err)
	c, err := NewGrid(geometry.Rect(0, 0, 12, 10), 2)
	require.NoError(t, err)

	assert.NoError(t, Compatible(a, a))
	assert.ErrorIs(t, Compatible(a, b), models.ErrPartitionMismatch)
	assert.ErrorIs(t, Compatible(a, c), models.ErrPartitionMismatch)
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestDegenerateCoordinate(t *testing.T) {
	grid, err := NewGrid(geometry.Rect(0, 0, 10, 10), 2)
	require.NoError(t, err)
	_, err = grid.Partition(geom.NewPolygon(geom.XY))
	assert.ErrorIs(t, err, models.ErrDegenerateGeometry)
}

func randomCoords(r *rand.Rand, n int) []geom.Coord {
	out := make([]geom.Coord, n)
	for i := range out {
		// Clustered so the BSP has something to balance.
		if i%2 == 0 {
			out[i] = geom.Coord{r.NormFloat64()*5 + 20, r.NormFloat64()*5 + 20}
		} else {
			out[i] = geom.Coord{r.Float64() * 100, r.Float64() * 50}
		}
	}
	return out
}

func boundsOf(points []geom.Coord) geometry.Extent {
	var e geometry.Extent
	for _, c := range points {
		e = e.Union(geometry.PointExtent(c))
	}
	return e
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func BenchmarkBSP(b *testing.B) {
	r := rand.New(rand.NewSource(1))
	points := randomCoords(r, 100000)
	bounds := boundsOf(points)
	for _, side := range []float64{0.5, 1, 2} {
		b.Run(fmt.Sprintf("side_%.1f", side), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				hist, _ := NewHistogram(bounds, side)
				for _, c := range points {
					_ = hist.Add(c)
				}
				_, _ = NewBSP(hist, 1000)
			}
		})
	}
}
