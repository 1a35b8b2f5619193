package spatial

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/engine"
	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/logger"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/partition"
)

func testOptions() []Option {
	quiet := logger.Discard()
	return []Option{WithLogger(quiet), WithExecutor(engine.New(3, engine.WithLogger(quiet)))}
}

func randomRecords(r *rand.Rand, n int) []models.Record[int] {
	out := make([]models.Record[int], n)
	for i := range out {
		x, y := r.Float64()*100, r.Float64()*100
		var g geom.T
		switch i % 4 {
		case 0, 1:
			g = models.NewPoint(x, y)
		case 2:
			// Wide rectangles regularly straddle partition boundaries.
			g = models.NewRect(x, y, x+r.Float64()*20, y+r.Float64()*5)
		default:
			g = models.NewLine(geom.Coord{x, y}, geom.Coord{x + r.Float64()*10 - 5, y + r.Float64()*10 - 5})
		}
		out[i] = models.NewRecord(g, i)
	}
	return out
}

// partitionings returns the same records under every layout the queries
// must agree on.
func partitionings(t *testing.T, records []models.Record[int]) map[string]*Dataset[int] {
	t.Helper()
	ctx := context.Background()
	raw := NewDataset(records, testOptions()...)

	grid, err := NewGridPartitioner(ctx, raw, 4)
	require.NoError(t, err)
	byGrid, bad, err := Partition(ctx, raw, grid)
	require.NoError(t, err)
	require.Empty(t, bad)

	bsp, err := NewBSPPartitioner(ctx, raw, 5, 40)
	require.NoError(t, err)
	byBSP, _, err := Partition(ctx, raw, bsp)
	require.NoError(t, err)

	indexed, err := Index(ctx, raw, bsp, 4)
	require.NoError(t, err)
	live, err := LiveIndex(ctx, raw, nil, 3)
	require.NoError(t, err)

	return map[string]*Dataset[int]{
		"unpartitioned": raw,
		"grid":          byGrid,
		"bsp":           byBSP,
		"bsp_indexed":   indexed,
		"live_indexed":  live,
	}
}

func ids(records []models.Record[int]) []int {
	out := make([]int, 0, len(records))
	for _, r := range records {
		out = append(out, r.Value)
	}
	sort.Ints(out)
	return out
}

func TestPartitionCentroidContainment(t *testing.T) {
	ctx := context.Background()
	records := randomRecords(rand.New(rand.NewSource(1)), 500)
	records = append(records, models.NewRecord[int](geom.NewPolygon(geom.XY), -1))
	raw := NewDataset(records, testOptions()...)

	for _, build := range []func() (partition.Partitioner, error){
		func() (partition.Partitioner, error) { return NewGridPartitioner(ctx, raw, 3) },
		func() (partition.Partitioner, error) { return NewBSPPartitioner(ctx, raw, 2, 30) },
	} {
		p, err := build()
		require.NoError(t, err)
		ds, bad, err := Partition(ctx, raw, p)
		require.NoError(t, err)

		require.Len(t, bad, 1)
		assert.Equal(t, len(records)-1, bad[0].Index)
		assert.ErrorIs(t, bad[0], models.ErrDegenerateGeometry)
		assert.Equal(t, len(records)-1, ds.Len())

		for part := 0; part < ds.NumPartitions(); part++ {
			for _, r := range ds.Partition(part) {
				c, err := geometry.Centroid(r.Geometry)
				require.NoError(t, err)
				assert.True(t, p.Extent(part).ContainsPoint(c))
				box, err := geometry.ExtentOf(r.Geometry)
				require.NoError(t, err)
				assert.True(t, ds.DataExtent(part).ContainsExtent(box))
			}
		}
	}
}

func TestPartitionerParameters(t *testing.T) {
	ctx := context.Background()
	raw := NewDataset(randomRecords(rand.New(rand.NewSource(2)), 10), testOptions()...)

	_, err := NewGridPartitioner(ctx, raw, 0)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
	_, err = NewBSPPartitioner(ctx, raw, 1, 0)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
	_, err = NewBSPPartitioner(ctx, raw, -1, 10)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)

	empty := NewDataset[int](nil, testOptions()...)
	_, err = NewGridPartitioner(ctx, empty, 2)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
	_, _, err = Partition[int](ctx, raw, nil)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
}

func TestFilterMatchesBruteForce(t *testing.T) {
	records := randomRecords(rand.New(rand.NewSource(3)), 800)
	queries := []geom.T{
		models.NewRect(20, 20, 45, 35),
		models.NewRect(70, 10, 71, 90),
		models.NewPoint(50, 50),
		models.NewLine(geom.Coord{0, 0}, geom.Coord{100, 100}),
	}
	preds := []geometry.Predicate{
		geometry.Intersects, geometry.Contains, geometry.ContainedBy, geometry.WithinDistance(2.5),
	}

	for name, ds := range partitionings(t, records) {
		for qi, q := range queries {
			for _, pred := range preds {
				t.Run(fmt.Sprintf("%s/q%d/%s", name, qi, pred), func(t *testing.T) {
					var want []models.Record[int]
					for _, r := range records {
						if pred.Eval(r.Geometry, q) {
							want = append(want, r)
						}
					}
					got, err := Filter(context.Background(), ds, pred, q)
					require.NoError(t, err)
					assert.Equal(t, ids(want), ids(got))
				})
			}
		}
	}
}

func TestFilterStraddlingGeometry(t *testing.T) {
	ctx := context.Background()
	records := []models.Record[int]{
		models.NewRecord[int](models.NewPoint(0, 0), 0),
		models.NewRecord[int](models.NewPoint(10, 10), 1),
		// Centroid (3, 3) sits in the low partition, the polygon reaches x=8.
		models.NewRecord[int](models.NewRect(-2, 2, 8, 4), 2),
	}
	raw := NewDataset(records, testOptions()...)
	grid, err := partition.NewGrid(geometry.Rect(0, 0, 10, 10), 2)
	require.NoError(t, err)
	ds, _, err := Partition(ctx, raw, grid)
	require.NoError(t, err)

	got, err := Filter(ctx, ds, geometry.Intersects, models.NewRect(7, 3, 9, 3.5))
	require.NoError(t, err)
	assert.Equal(t, []int{2}, ids(got))

	_, err = Filter(ctx, ds, geometry.WithinDistance(-1), models.NewPoint(0, 0))
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
	_, err = Filter(ctx, ds, geometry.Intersects, geom.NewLineString(geom.XY))
	assert.ErrorIs(t, err, models.ErrDegenerateGeometry)
}

type pairKey struct{ left, right int }

func pairKeys[W any](pairs []Pair[int, W], right func(W) int) []pairKey {
	out := make([]pairKey, len(pairs))
	for i, p := range pairs {
		out[i] = pairKey{p.Left.Value, right(p.Right.Value)}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].left != out[j].left {
			return out[i].left < out[j].left
		}
		return out[i].right < out[j].right
	})
	return out
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(4))
	left := randomRecords(r, 300)
	right := make([]models.Record[string], 200)
	for i := range right {
		x, y := r.Float64()*100, r.Float64()*100
		right[i] = models.NewRecord[string](models.NewRect(x, y, x+r.Float64()*12, y+r.Float64()*12), fmt.Sprint(i))
	}
	rightID := func(s string) int {
		var n int
		fmt.Sscan(s, &n)
		return n
	}

	for _, pred := range []geometry.Predicate{geometry.Intersects, geometry.ContainedBy, geometry.WithinDistance(1)} {
		var want []pairKey
		for _, l := range left {
			for _, rr := range right {
				if pred.Eval(l.Geometry, rr.Geometry) {
					want = append(want, pairKey{l.Value, rightID(rr.Value)})
				}
			}
		}
		sort.Slice(want, func(i, j int) bool {
			if want[i].left != want[j].left {
				return want[i].left < want[j].left
			}
			return want[i].right < want[j].right
		})

		a := NewDataset(left, testOptions()...)
		b := NewDataset(right, testOptions()...)
		grid, err := NewGridPartitioner(ctx, a, 3)
		require.NoError(t, err)

		t.Run("cross/"+pred.String(), func(t *testing.T) {
			got, err := Join(ctx, a, b, pred, nil)
			require.NoError(t, err)
			assert.Equal(t, want, pairKeys(got, rightID))
		})

		t.Run("shared/"+pred.String(), func(t *testing.T) {
			got, err := Join(ctx, a, b, pred, grid)
			require.NoError(t, err)
			assert.Equal(t, want, pairKeys(got, rightID))
		})

		t.Run("copartitioned_indexed/"+pred.String(), func(t *testing.T) {
			ia, err := Index(ctx, a, grid, 4)
			require.NoError(t, err)
			pb, _, err := Partition(ctx, b, grid)
			require.NoError(t, err)
			got, err := Join(ctx, ia, pb, pred, nil)
			require.NoError(t, err)
			assert.Equal(t, want, pairKeys(got, rightID))
		})
	}
}

func TestJoinPartitionMismatch(t *testing.T) {
	ctx := context.Background()
	raw := NewDataset(randomRecords(rand.New(rand.NewSource(5)), 100), testOptions()...)
	g2, err := NewGridPartitioner(ctx, raw, 2)
	require.NoError(t, err)
	g3, err := NewGridPartitioner(ctx, raw, 3)
	require.NoError(t, err)
	a, _, err := Partition(ctx, raw, g2)
	require.NoError(t, err)
	b, _, err := Partition(ctx, raw, g3)
	require.NoError(t, err)

	_, err = Join(ctx, a, b, geometry.Intersects, nil)
	assert.ErrorIs(t, err, models.ErrPartitionMismatch)

	// An explicit partitioner reshuffles both sides instead.
	_, err = Join(ctx, a, b, geometry.Intersects, g3)
	assert.NoError(t, err)
}

func TestKNNMatchesBruteForce(t *testing.T) {
	records := randomRecords(rand.New(rand.NewSource(6)), 600)
	// Duplicates force distance ties across partitions.
	for i := 0; i < 20; i++ {
		records = append(records, models.NewRecord[int](models.NewPoint(50, 50), 1000+i))
	}
	q := geom.Coord{50, 50}

	type ranked struct {
		id   int
		dist float64
	}
	for name, ds := range partitionings(t, records) {
		for _, k := range []int{1, 7, 25, 100} {
			t.Run(fmt.Sprintf("%s/k_%d", name, k), func(t *testing.T) {
				got, err := KNN(context.Background(), ds, q, k, geometry.EuclideanMetric)
				require.NoError(t, err)
				require.Len(t, got, k)

				var all []ranked
				for _, r := range records {
					all = append(all, ranked{r.Value, geometry.EuclideanMetric.Distance(r.Geometry, q)})
				}
				sort.Slice(all, func(i, j int) bool { return all[i].dist < all[j].dist })
				kth := all[k-1].dist
				for i, n := range got {
					assert.InDelta(t, all[i].dist, n.Distance, 1e-12)
					if i > 0 {
						assert.True(t, !nearer(got[i], got[i-1]), "results out of order at %d", i)
					}
					assert.LessOrEqual(t, n.Distance, kth)
				}
			})
		}
	}
}

func TestKNNTieBreak(t *testing.T) {
	ctx := context.Background()
	var records []models.Record[int]
	for i := 0; i < 8; i++ {
		records = append(records, models.NewRecord[int](models.NewPoint(float64(i%2)*10, 0), i))
	}
	raw := NewDataset(records, testOptions()...)
	grid, err := partition.NewGrid(geometry.Rect(0, 0, 10, 10), 2)
	require.NoError(t, err)
	ds, _, err := Partition(ctx, raw, grid)
	require.NoError(t, err)

	// Every point is 5 away from (5, 0): partition 0 first, then input order.
	got, err := KNN(ctx, ds, geom.Coord{5, 0}, 5, geometry.EuclideanMetric)
	require.NoError(t, err)
	var order []int
	for _, n := range got {
		order = append(order, n.Value)
	}
	assert.Equal(t, []int{0, 2, 4, 6, 1}, order)
}

func TestKNNParameters(t *testing.T) {
	ds := NewDataset(randomRecords(rand.New(rand.NewSource(7)), 10), testOptions()...)
	_, err := KNN(context.Background(), ds, geom.Coord{0, 0}, 0, geometry.EuclideanMetric)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
	_, err = KNN(context.Background(), ds, geom.Coord{0, 0}, 3, geometry.Metric{})
	assert.ErrorIs(t, err, models.ErrInvalidParameter)

	got, err := KNN(context.Background(), ds, geom.Coord{0, 0}, 50, geometry.EuclideanMetric)
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestKNNHaversine(t *testing.T) {
	ctx := context.Background()
	cities := []models.Record[string]{
		models.NewRecord[string](models.NewPoint(-122.4194, 37.7749), "SF"),
		models.NewRecord[string](models.NewPoint(-122.2712, 37.8044), "Oakland"),
		models.NewRecord[string](models.NewPoint(-121.8863, 37.3382), "San Jose"),
		models.NewRecord[string](models.NewPoint(-118.2437, 34.0522), "LA"),
		models.NewRecord[string](models.NewPoint(-74.0060, 40.7128), "NYC"),
	}
	ds := NewDataset(cities, testOptions()...)
	got, err := KNN(ctx, ds, geom.Coord{-122.4194, 37.7749}, 3, geometry.HaversineMetric)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "SF", got[0].Value)
	assert.Equal(t, "Oakland", got[1].Value)
	assert.Equal(t, "San Jose", got[2].Value)
	assert.InDelta(t, 13.0, got[1].Distance, 2.0)
}

func TestIndexParameters(t *testing.T) {
	ctx := context.Background()
	raw := NewDataset(randomRecords(rand.New(rand.NewSource(8)), 50), testOptions()...)
	grid, err := NewGridPartitioner(ctx, raw, 2)
	require.NoError(t, err)

	_, err = Index(ctx, raw, nil, 4)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
	_, err = Index(ctx, raw, grid, 0)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)

	ds, err := Index(ctx, raw, grid, 4)
	require.NoError(t, err)
	assert.True(t, ds.Indexed())
	assert.False(t, raw.Indexed())
	assert.Equal(t, 4, ds.NumPartitions())

	live, err := LiveIndex(ctx, ds, nil, 8)
	require.NoError(t, err)
	assert.Same(t, ds.Partitioner(), live.Partitioner())
	for i := 0; i < live.NumPartitions(); i++ {
		assert.Equal(t, len(live.Partition(i)), live.Tree(i).Size())
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	raw := NewDataset(randomRecords(rand.New(rand.NewSource(9)), 120), testOptions()...)
	assert.Nil(t, raw.Stats().Extents)

	grid, err := NewGridPartitioner(ctx, raw, 2)
	require.NoError(t, err)
	ds, _, err := Partition(ctx, raw, grid)
	require.NoError(t, err)

	s := ds.Stats()
	assert.Equal(t, 4, s.Partitions)
	assert.Equal(t, 120, s.Records)
	assert.Len(t, s.Extents, 4)
	total := 0
	for _, c := range s.Counts {
		total += c
	}
	assert.Equal(t, 120, total)
	assert.False(t, s.Indexed)
}

func TestFromPartitions(t *testing.T) {
	ctx := context.Background()
	grid, err := partition.NewGrid(geometry.Rect(0, 0, 10, 10), 2)
	require.NoError(t, err)
	_, err = FromPartitions[int](ctx, grid, make([][]models.Record[int], 3), nil, testOptions()...)
	assert.ErrorIs(t, err, models.ErrPartitionMismatch)
	ds, err := FromPartitions[int](ctx, grid, make([][]models.Record[int], 4), nil, testOptions()...)
	require.NoError(t, err)
	assert.Equal(t, 0, ds.Len())
}
