package spatial

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kass/go-geo-partition/pkg/engine"
	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/metrics"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/partition"
)

// Pair is one join match. pred.Eval(Left.Geometry, Right.Geometry) holds.
type Pair[V, W any] struct {
	Left  models.Record[V]
	Right models.Record[W]
}

// Join returns every pair (l, r) from a x b with pred.Eval(l, r).
//
// With a non-nil p both sides are brought onto p (sides already on an
// equivalent partitioner are not reshuffled) and joined partition against
// partition. With p nil, two sides on compatible partitioners are joined the
// same way, two partitioned sides that disagree fail with
// ErrPartitionMismatch, and anything else takes the unpruned cross-product
// path.
//
// Partition i of a is compared with every partition of b whose data extent
// may join with i's, not just partition i, because only centroids are
// guaranteed to lie inside their partition's extent.
func Join[V, W any](ctx context.Context, a *Dataset[V], b *Dataset[W], pred geometry.Predicate, p partition.Partitioner) ([]Pair[V, W], error) {
	if err := checkPredicate(pred); err != nil {
		return nil, err
	}
	if p == nil {
		switch {
		case a.partitioner != nil && b.partitioner != nil:
			if err := partition.Compatible(a.partitioner, b.partitioner); err != nil {
				return nil, errors.Wrap(err, "joining datasets")
			}
			return coPartitionJoin(ctx, a, b, pred)
		default:
			a.log.Warn("joining without a shared partitioner, comparing every pair of partitions",
				"left_partitions", a.NumPartitions(), "right_partitions", b.NumPartitions())
			return crossJoin(ctx, a, b, pred)
		}
	}

	var err error
	if a, err = ensurePartitioned(ctx, a, p); err != nil {
		return nil, err
	}
	if b, err = ensurePartitioned(ctx, b, p); err != nil {
		return nil, err
	}
	return coPartitionJoin(ctx, a, b, pred)
}

// ensurePartitioned reshuffles ds onto p unless it already is.
func ensurePartitioned[V any](ctx context.Context, ds *Dataset[V], p partition.Partitioner) (*Dataset[V], error) {
	if ds.partitioner != nil && partition.Compatible(ds.partitioner, p) == nil {
		return ds, nil
	}
	out, _, err := Partition(ctx, ds, p)
	return out, err
}

func coPartitionJoin[V, W any](ctx context.Context, a *Dataset[V], b *Dataset[W], pred geometry.Predicate) ([]Pair[V, W], error) {
	if a.NumPartitions() != b.NumPartitions() {
		return nil, errors.Wrapf(models.ErrPartitionMismatch, "%d vs %d partitions", a.NumPartitions(), b.NumPartitions())
	}
	pairs := make([][]int, a.NumPartitions())
	total, visited := 0, 0
	for i := range pairs {
		pairs[i] = b.router.joinable(pred, a.extents[i])
		total += b.NumPartitions()
		visited += len(pairs[i])
	}
	metrics.PartitionsScanned.WithLabelValues("join").Add(float64(visited))
	metrics.PartitionsPruned.WithLabelValues("join").Add(float64(total - visited))
	return joinPartitions(ctx, a, b, pred, pairs)
}

func crossJoin[V, W any](ctx context.Context, a *Dataset[V], b *Dataset[W], pred geometry.Predicate) ([]Pair[V, W], error) {
	all := make([]int, b.NumPartitions())
	for j := range all {
		all[j] = j
	}
	pairs := make([][]int, a.NumPartitions())
	for i := range pairs {
		pairs[i] = all
	}
	metrics.PartitionsScanned.WithLabelValues("join").Add(float64(a.NumPartitions() * b.NumPartitions()))
	return joinPartitions(ctx, a, b, pred, pairs)
}

// joinPartitions compares partition i of a with partitions pairs[i] of b.
// Output is ordered by left partition, right partition, right record, left
// record.
func joinPartitions[V, W any](ctx context.Context, a *Dataset[V], b *Dataset[W], pred geometry.Predicate, pairs [][]int) ([]Pair[V, W], error) {
	found, err := engine.Map(ctx, a.exec, "join", a.NumPartitions(), func(ctx context.Context, i int) ([]Pair[V, W], error) {
		var out []Pair[V, W]
		left := a.parts[i]
		tree := a.Tree(i)
		for _, j := range pairs[i] {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for k, r := range b.parts[j] {
				rbox := b.boxes[j][k]
				if !pred.Candidate(a.extents[i], rbox) {
					continue
				}
				if tree != nil {
					entries, err := tree.Query(pred, r.Geometry)
					if err != nil {
						continue
					}
					for _, e := range entries {
						out = append(out, Pair[V, W]{Left: left[e.Value], Right: r})
					}
					continue
				}
				for m, l := range left {
					if pred.Candidate(a.boxes[i][m], rbox) && pred.Eval(l.Geometry, r.Geometry) {
						out = append(out, Pair[V, W]{Left: l, Right: r})
					}
				}
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	var out []Pair[V, W]
	for _, ps := range found {
		out = append(out, ps...)
	}
	return out, nil
}
