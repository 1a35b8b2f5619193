package spatial

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/tidwall/tinyqueue"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/engine"
	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/metrics"
	"github.com/kass/go-geo-partition/pkg/models"
)

// Neighbor is a global kNN result.
type Neighbor[V any] struct {
	models.Record[V]
	Distance  float64
	Partition int
	// Position is the record's index within its partition.
	Position int
}

// KNN returns the k records of ds closest to q under m, ascending, ties broken
// by partition id and then position within the partition.
//
// Partitions are visited in waves of at most Workers partitions, closest data
// extent first. Between waves the coordinating goroutine merges the local
// results; a partition is skipped once its extent bound exceeds the current
// k-th best distance. With a nil m.Bound nothing can be skipped.
func KNN[V any](ctx context.Context, ds *Dataset[V], q geom.Coord, k int, m geometry.Metric) ([]Neighbor[V], error) {
	if k <= 0 {
		return nil, errors.Wrapf(models.ErrInvalidParameter, "k must be positive, got %d", k)
	}
	if m.Distance == nil {
		return nil, errors.Wrap(models.ErrInvalidParameter, "metric has no distance function")
	}
	if len(q) < 2 {
		return nil, errors.Wrap(models.ErrInvalidParameter, "query point needs two coordinates")
	}

	type visit struct {
		part  int
		bound float64
	}
	var order []visit
	for i, e := range ds.extents {
		if e.IsEmpty() {
			continue
		}
		b := 0.0
		if m.Bound != nil {
			b = m.Bound(e, q)
		}
		order = append(order, visit{part: i, bound: b})
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].bound < order[j].bound })

	var best []Neighbor[V]
	kth := math.Inf(1)
	scanned := 0
	for len(order) > 0 {
		wave := order
		if len(wave) > ds.exec.Workers() {
			wave = wave[:ds.exec.Workers()]
		}
		order = order[len(wave):]
		if len(best) == k {
			kept := wave[:0:0]
			for _, v := range wave {
				if v.bound <= kth {
					kept = append(kept, v)
				}
			}
			if len(kept) == 0 {
				// Later partitions are at least as far away.
				break
			}
			wave = kept
		}
		scanned += len(wave)

		limit := kth
		local, err := engine.Map(ctx, ds.exec, "knn", len(wave), func(ctx context.Context, i int) ([]Neighbor[V], error) {
			return ds.localKNN(wave[i].part, q, k, m, limit), nil
		})
		if err != nil {
			return nil, err
		}
		for _, l := range local {
			best = append(best, l...)
		}
		sort.Slice(best, func(i, j int) bool { return nearer(best[i], best[j]) })
		if len(best) > k {
			best = best[:k]
		}
		if len(best) == k {
			kth = best[k-1].Distance
		}
	}
	metrics.PartitionsScanned.WithLabelValues("knn").Add(float64(scanned))
	metrics.PartitionsPruned.WithLabelValues("knn").Add(float64(ds.NumPartitions() - scanned))
	return best, nil
}

// localKNN returns up to k records of one partition within limit of q.
func (d *Dataset[V]) localKNN(part int, q geom.Coord, k int, m geometry.Metric, limit float64) []Neighbor[V] {
	records := d.parts[part]
	if tree := d.Tree(part); tree != nil {
		found := tree.NearestWithin(q, k, m, limit)
		out := make([]Neighbor[V], len(found))
		for i, n := range found {
			out[i] = Neighbor[V]{Record: records[n.Value], Distance: n.Distance, Partition: part, Position: n.Value}
		}
		return out
	}

	best := tinyqueue.New(nil)
	worst := func() Neighbor[V] { return best.Peek().(*queued[V]).Neighbor }
	for i, r := range records {
		box := d.boxes[part][i]
		if box.IsEmpty() || (m.Bound != nil && best.Len() == k && m.Bound(box, q) > worst().Distance) {
			continue
		}
		dist := m.Distance(r.Geometry, q)
		if dist > limit || math.IsNaN(dist) {
			continue
		}
		n := Neighbor[V]{Record: r, Distance: dist, Partition: part, Position: i}
		if best.Len() < k {
			best.Push(&queued[V]{n})
		} else if nearer(n, worst()) {
			best.Pop()
			best.Push(&queued[V]{n})
		}
	}
	out := make([]Neighbor[V], best.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = best.Pop().(*queued[V]).Neighbor
	}
	return out
}

func nearer[V any](a, b Neighbor[V]) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	if a.Partition != b.Partition {
		return a.Partition < b.Partition
	}
	return a.Position < b.Position
}

// queued orders a tinyqueue worst first, so its head is the kept neighbor to
// evict.
type queued[V any] struct {
	Neighbor[V]
}

func (n *queued[V]) Less(o tinyqueue.Item) bool {
	return nearer(o.(*queued[V]).Neighbor, n.Neighbor)
}
