package rtree

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
)

func TestNew(t *testing.T) {
	for _, order := range []int{-1, 0, 1} {
		_, err := New[int](order)
		assert.ErrorIs(t, err, models.ErrInvalidParameter, "order %d", order)
	}

	tree, err := New[int](4)
	require.NoError(t, err)
	assert.Equal(t, 0, tree.Size())
	assert.Equal(t, 1, tree.Height())
	assert.True(t, tree.Bounds().IsEmpty())
	assert.Empty(t, tree.NearestNeighbors(geom.Coord{0, 0}, 3))
}

func TestPointsAlongLine(t *testing.T) {
	tree, err := New[int](2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, tree.Insert(models.NewPoint(float64(i), float64(i)), i))
	}
	assert.Equal(t, 5, tree.Size())
	assert.GreaterOrEqual(t, tree.Height(), 2)

	bbox := geometry.Rect(0, 0, 4, 4).Polygon()
	got, err := tree.Query(geometry.ContainedBy, bbox)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	for i, e := range got {
		assert.Equal(t, i, e.Value)
	}
}

func TestInsertDegenerate(t *testing.T) {
	tree, err := New[string](4)
	require.NoError(t, err)
	err = tree.Insert(geom.NewLineString(geom.XY), "empty")
	assert.ErrorIs(t, err, models.ErrDegenerateGeometry)
	assert.Equal(t, 0, tree.Size())
}

func TestQueryMatchesBruteForce(t *testing.T) {
	r := rand.New(rand.NewSource(17))
	geoms := randomGeometries(r, 400)

	for _, order := range []int{2, 3, 8, 32} {
		tree, err := New[int](order)
		require.NoError(t, err)
		for i, g := range geoms {
			require.NoError(t, tree.Insert(g, i))
		}
		checkInvariants(t, tree)

		queries := []geom.T{
			geometry.Rect(10, 10, 30, 40).Polygon(),
			geometry.Rect(50, 50, 51, 51).Polygon(),
			models.NewPoint(25, 25),
			models.NewLine(geom.Coord{0, 100}, geom.Coord{100, 0}),
		}
		preds := []geometry.Predicate{
			geometry.Intersects, geometry.Contains, geometry.ContainedBy, geometry.WithinDistance(3),
		}
		for qi, q := range queries {
			for _, pred := range preds {
				t.Run(fmt.Sprintf("order_%d/q%d/%s", order, qi, pred), func(t *testing.T) {
					var want []int
					for i, g := range geoms {
						if pred.Eval(g, q) {
							want = append(want, i)
						}
					}
					got, err := tree.Query(pred, q)
					require.NoError(t, err)
					assert.Equal(t, want, values(got))
				})
			}
		}
	}
}

func TestNearestNeighbors(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	geoms := randomGeometries(r, 300)
	tree, err := New[int](6)
	require.NoError(t, err)
	for i, g := range geoms {
		require.NoError(t, tree.Insert(g, i))
	}

	for _, k := range []int{1, 5, 17, 300, 500} {
		p := geom.Coord{r.Float64() * 100, r.Float64() * 100}
		t.Run(fmt.Sprintf("k_%d", k), func(t *testing.T) {
			type ranked struct {
				idx  int
				dist float64
			}
			all := make([]ranked, len(geoms))
			for i, g := range geoms {
				all[i] = ranked{i, geometry.EuclideanMetric.Distance(g, p)}
			}
			sort.SliceStable(all, func(i, j int) bool { return all[i].dist < all[j].dist })
			n := k
			if n > len(all) {
				n = len(all)
			}

			got := tree.NearestNeighbors(p, k)
			require.Len(t, got, n)
			for i := range got {
				assert.Equal(t, all[i].idx, got[i].Value)
				assert.InDelta(t, all[i].dist, got[i].Distance, 1e-12)
			}
		})
	}
}

func TestNearestNeighborsTies(t *testing.T) {
	tree, err := New[string](2)
	require.NoError(t, err)
	// Four points at distance 1, inserted in a scrambled spatial order.
	for _, p := range []struct {
		name string
		x, y float64
	}{
		{"far", 5, 5}, {"east", 1, 0}, {"north", 0, 1}, {"west", -1, 0}, {"south", 0, -1},
	} {
		require.NoError(t, tree.Insert(models.NewPoint(p.x, p.y), p.name))
	}

	got := tree.NearestNeighbors(geom.Coord{0, 0}, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "east", got[0].Value)
	assert.Equal(t, "north", got[1].Value)
	assert.Equal(t, "west", got[2].Value)
}

func TestNearestWithin(t *testing.T) {
	tree, err := New[int](4)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, tree.Insert(models.NewPoint(float64(i), 0), i))
	}
	got := tree.NearestWithin(geom.Coord{0, 0}, 5, geometry.EuclideanMetric, 2.5)
	assert.Equal(t, []int{0, 1, 2}, neighborValues(got))

	got = tree.NearestNeighborsMetric(geom.Coord{9, 0}, 2, geometry.CentroidMetric(geometry.Euclidean, nil))
	assert.Equal(t, []int{9, 8}, neighborValues(got))
}

func TestNearestHaversine(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	tree, err := New[int](8)
	require.NoError(t, err)
	var pts []geom.T
	for i := 0; i < 400; i++ {
		g := models.NewPoint(r.Float64()*360-180, r.Float64()*170-85)
		pts = append(pts, g)
		require.NoError(t, tree.Insert(g, i))
	}

	queries := []geom.Coord{{-96.8, 32.8}, {179.5, 10}, {0, 88}, {-120, -60}}
	for _, q := range queries {
		for _, k := range []int{1, 7, 40} {
			t.Run(fmt.Sprintf("%v/k_%d", q, k), func(t *testing.T) {
				idx := make([]int, len(pts))
				dist := make([]float64, len(pts))
				for i, g := range pts {
					idx[i] = i
					dist[i] = geometry.HaversineMetric.Distance(g, q)
				}
				sort.SliceStable(idx, func(a, b int) bool { return dist[idx[a]] < dist[idx[b]] })

				got := tree.NearestNeighborsMetric(q, k, geometry.HaversineMetric)
				require.Len(t, got, k)
				for i, n := range got {
					assert.Equal(t, idx[i], n.Value)
					assert.InDelta(t, dist[idx[i]], n.Distance, 1e-9)
				}
			})
		}
	}
}

func TestCandidatesTouchingBoxes(t *testing.T) {
	tree, err := New[string](4)
	require.NoError(t, err)
	require.NoError(t, tree.Insert(models.NewRect(0, 0, 1, 1), "left"))
	require.NoError(t, tree.Insert(models.NewPoint(2, 0), "corner"))
	require.NoError(t, tree.Insert(models.NewRect(5, 5, 6, 6), "far"))

	got, err := tree.Query(geometry.Intersects, models.NewRect(1, 0, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"left", "corner"}, values(got))

	got, err = tree.Query(geometry.WithinDistance(3), models.NewPoint(3, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"left", "corner"}, values(got))

	got, err = tree.Query(geometry.WithinDistance(3.7), models.NewPoint(3, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"left", "corner", "far"}, values(got))
}

func TestEncodeDecode(t *testing.T) {
	r := rand.New(rand.NewSource(23))
	geoms := randomGeometries(r, 250)
	tree, err := New[int](5)
	require.NoError(t, err)
	for i, g := range geoms {
		require.NoError(t, tree.Insert(g, i))
	}

	var buf bytes.Buffer
	require.NoError(t, tree.Encode(&buf))
	restored, err := Decode[int](&buf)
	require.NoError(t, err)

	assert.Equal(t, tree.Size(), restored.Size())
	assert.Equal(t, tree.Height(), restored.Height())
	assert.True(t, tree.Bounds().Equal(restored.Bounds()))
	assert.Equal(t, values(tree.Entries()), values(restored.Entries()))
	checkInvariants(t, restored)

	q := geometry.Rect(20, 20, 60, 60).Polygon()
	want, err := tree.Query(geometry.Intersects, q)
	require.NoError(t, err)
	got, err := restored.Query(geometry.Intersects, q)
	require.NoError(t, err)
	assert.Equal(t, values(want), values(got))

	p := geom.Coord{42, 17}
	assert.Equal(t, neighborValues(tree.NearestNeighbors(p, 10)), neighborValues(restored.NearestNeighbors(p, 10)))
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := Decode[int](bytes.NewReader([]byte("not a tree")))
	assert.ErrorIs(t, err, models.ErrIndexCorruption)

	tree, err := New[int](3)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Insert(models.NewPoint(float64(i), float64(i%4)), i))
	}
	var buf bytes.Buffer
	require.NoError(t, tree.Encode(&buf))
	raw := buf.Bytes()
	_, err = Decode[int](bytes.NewReader(raw[:len(raw)/2]))
	assert.ErrorIs(t, err, models.ErrIndexCorruption)

	data := treeData[int]{Order: 3, Entries: []entryData[int]{{
		Geometry: mustWKB(t, models.NewPoint(1, 1)),
		Min:      []float64{0, 0},
		Max:      []float64{1, 1},
	}}}
	buf.Reset()
	require.NoError(t, gob.NewEncoder(&buf).Encode(data))
	_, err = Decode[int](&buf)
	assert.ErrorIs(t, err, models.ErrIndexCorruption)

	data.Order = 1
	buf.Reset()
	require.NoError(t, gob.NewEncoder(&buf).Encode(data))
	_, err = Decode[int](&buf)
	assert.ErrorIs(t, err, models.ErrIndexCorruption)
}

func mustWKB(t *testing.T, g geom.T) []byte {
	t.Helper()
	raw, err := wkb.Marshal(g, wkb.NDR)
	require.NoError(t, err)
	return raw
}

// checkInvariants verifies that entries keep their insertion order, that the
// bounds cover every entry and that a window over the bounds finds them all.
func checkInvariants[V any](t *testing.T, tree *Tree[V]) {
	t.Helper()
	entries := tree.Entries()
	require.Len(t, entries, tree.Size())
	assert.Equal(t, tree.Size(), tree.rt.Size())
	assert.GreaterOrEqual(t, tree.Height(), 1)
	for i, e := range entries {
		assert.Equal(t, i, e.Seq)
		assert.True(t, tree.Bounds().ContainsExtent(e.Bounds))
	}
	if tree.Size() > 0 {
		assert.Len(t, tree.Candidates(geometry.Intersects, tree.Bounds()), tree.Size())
	}
}

func randomGeometries(r *rand.Rand, n int) []geom.T {
	out := make([]geom.T, n)
	for i := range out {
		x, y := r.Float64()*100, r.Float64()*100
		switch i % 3 {
		case 0:
			out[i] = models.NewPoint(x, y)
		case 1:
			out[i] = models.NewRect(x, y, x+r.Float64()*6, y+r.Float64()*6)
		default:
			out[i] = models.NewLine(geom.Coord{x, y}, geom.Coord{x + r.Float64()*8 - 4, y + r.Float64()*8 - 4})
		}
	}
	return out
}

func values[V any](entries []*Entry[V]) []V {
	var out []V
	for _, e := range entries {
		out = append(out, e.Value)
	}
	return out
}

func neighborValues[V any](ns []Neighbor[V]) []V {
	var out []V
	for _, n := range ns {
		out = append(out, n.Value)
	}
	return out
}

func BenchmarkInsert(b *testing.B) {
	r := rand.New(rand.NewSource(1))
	geoms := randomGeometries(r, 10000)
	for _, order := range []int{8, 32} {
		b.Run(fmt.Sprintf("order_%d", order), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				tree, _ := New[int](order)
				for j, g := range geoms {
					_ = tree.Insert(g, j)
				}
			}
		})
	}
}

func BenchmarkNearestNeighbors(b *testing.B) {
	r := rand.New(rand.NewSource(1))
	tree, _ := New[int](16)
	for j, g := range randomGeometries(r, 10000) {
		_ = tree.Insert(g, j)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tree.NearestNeighbors(geom.Coord{r.Float64() * 100, r.Float64() * 100}, 10)
	}
}
