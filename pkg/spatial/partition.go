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

// Partition shuffles the records of ds into the partitions of p by centroid.
// Records with degenerate geometry are dropped and reported individually;
// their Index is the position in ds.Records().
func Partition[V any](ctx context.Context, ds *Dataset[V], p partition.Partitioner) (*Dataset[V], []models.RecordError, error) {
	if p == nil {
		return nil, nil, errors.Wrap(models.ErrInvalidParameter, "missing partitioner")
	}
	records := ds.Records()
	buckets, bad, err := engine.Shuffle(ctx, ds.exec, "partition", records, p.NumPartitions(), func(r models.Record[V]) (int, error) {
		return p.Partition(r.Geometry)
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "partitioning records")
	}
	metrics.RecordsPartitioned.Add(float64(len(records) - len(bad)))
	if len(bad) > 0 {
		metrics.DegenerateRecords.Add(float64(len(bad)))
		ds.log.Warn("dropped degenerate records", "count", len(bad), "first", bad[0].Error())
	}
	out, err := build(ctx, buckets, p, nil, ds.settings)
	if err != nil {
		return nil, nil, err
	}
	return out, bad, nil
}

// CentroidBounds is the extent of all valid record centroids. It is empty when
// ds holds no valid geometry.
func CentroidBounds[V any](ctx context.Context, ds *Dataset[V]) (geometry.Extent, error) {
	return engine.Aggregate(ctx, ds.exec, "bounds", ds.Records(),
		func() geometry.Extent { return geometry.Extent{} },
		func(acc geometry.Extent, r models.Record[V]) geometry.Extent {
			c, err := geometry.Centroid(r.Geometry)
			if err != nil {
				return acc
			}
			return acc.Union(geometry.PointExtent(c))
		},
		func(a, b geometry.Extent) (geometry.Extent, error) { return a.Union(b), nil },
	)
}

// NewGridPartitioner lays a ppd^n grid over the centroid bounds of ds.
func NewGridPartitioner[V any](ctx context.Context, ds *Dataset[V], ppd int) (*partition.Grid, error) {
	if ppd <= 0 {
		return nil, errors.Wrapf(models.ErrInvalidParameter, "partitions per dimension must be positive, got %d", ppd)
	}
	bounds, err := datasetBounds(ctx, ds)
	if err != nil {
		return nil, err
	}
	return partition.NewGrid(bounds, ppd)
}

// NewBSPPartitioner builds a cost-based partitioner from a histogram of the
// centroids of ds. The histogram is counted per worker chunk and merged.
func NewBSPPartitioner[V any](ctx context.Context, ds *Dataset[V], sideLength float64, maxCost int64) (*partition.BSP, error) {
	if maxCost <= 0 {
		return nil, errors.Wrapf(models.ErrInvalidParameter, "max cost per partition must be positive, got %d", maxCost)
	}
	bounds, err := datasetBounds(ctx, ds)
	if err != nil {
		return nil, err
	}
	shape, err := partition.NewHistogram(bounds, sideLength)
	if err != nil {
		return nil, err
	}
	hist, err := engine.Aggregate(ctx, ds.exec, "histogram", ds.Records(),
		shape.Clone,
		func(h *partition.Histogram, r models.Record[V]) *partition.Histogram {
			if c, err := geometry.Centroid(r.Geometry); err == nil {
				_ = h.Add(c)
			}
			return h
		},
		func(a, b *partition.Histogram) (*partition.Histogram, error) {
			return a, a.Merge(b)
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "counting histogram")
	}
	bsp, err := partition.NewBSP(hist, maxCost)
	if err != nil {
		return nil, err
	}
	for _, id := range bsp.Overflow() {
		metrics.OverCostPartitions.Inc()
		ds.log.Warn("partition exceeds max cost at cell granularity",
			"partition", id, "cost", bsp.Cost(id), "max_cost", maxCost, "extent", bsp.Extent(id).String())
	}
	return bsp, nil
}

func datasetBounds[V any](ctx context.Context, ds *Dataset[V]) (geometry.Extent, error) {
	bounds, err := CentroidBounds(ctx, ds)
	if err != nil {
		return bounds, err
	}
	if bounds.IsEmpty() {
		return bounds, errors.Wrap(models.ErrInvalidParameter, "dataset has no valid geometry")
	}
	return bounds, nil
}
