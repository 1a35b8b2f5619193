package spatial

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kass/go-geo-partition/pkg/engine"
	"github.com/kass/go-geo-partition/pkg/metrics"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/partition"
	"github.com/kass/go-geo-partition/pkg/rtree"
)

// Index partitions ds with p and builds one R-tree of the given order per
// partition. The result is meant to be persisted and reattached to p later,
// so p is required.
func Index[V any](ctx context.Context, ds *Dataset[V], p partition.Partitioner, order int) (*Dataset[V], error) {
	if p == nil {
		return nil, errors.Wrap(models.ErrInvalidParameter, "a persistent index needs a partitioner")
	}
	return buildIndex(ctx, ds, p, order, "persistent")
}

// LiveIndex builds throwaway per-partition R-trees for the queries that
// follow. A nil p keeps the current partitioning of ds.
func LiveIndex[V any](ctx context.Context, ds *Dataset[V], p partition.Partitioner, order int) (*Dataset[V], error) {
	return buildIndex(ctx, ds, p, order, "live")
}

func buildIndex[V any](ctx context.Context, ds *Dataset[V], p partition.Partitioner, order int, mode string) (*Dataset[V], error) {
	if _, err := rtree.New[int](order); err != nil {
		return nil, err
	}
	if p != nil {
		var err error
		if ds, err = ensurePartitioned(ctx, ds, p); err != nil {
			return nil, err
		}
	}
	trees, err := engine.Map(ctx, ds.exec, "index", ds.NumPartitions(), func(ctx context.Context, part int) (*rtree.Tree[int], error) {
		return BuildTree(ds.parts[part], order)
	})
	if err != nil {
		return nil, errors.Wrap(err, "building partition indexes")
	}
	metrics.IndexBuilds.WithLabelValues(mode).Add(float64(len(trees)))

	out := *ds
	out.indexes = trees
	return &out, nil
}

// BuildTree indexes one partition. Tree values are record positions; records
// with degenerate geometry are left out.
func BuildTree[V any](records []models.Record[V], order int) (*rtree.Tree[int], error) {
	tree, err := rtree.New[int](order)
	if err != nil {
		return nil, err
	}
	for i, r := range records {
		if err := tree.Insert(r.Geometry, i); err != nil && !errors.Is(err, models.ErrDegenerateGeometry) {
			return nil, errors.Wrapf(err, "indexing record %d", i)
		}
	}
	return tree, nil
}
