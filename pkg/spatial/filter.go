package spatial

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/engine"
	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/metrics"
	"github.com/kass/go-geo-partition/pkg/models"
)

// Filter returns the records of ds that satisfy pred against q, in partition
// order. Partitions whose data extent cannot hold a match are skipped; the
// rest are index-queried when ds is indexed and scanned otherwise.
func Filter[V any](ctx context.Context, ds *Dataset[V], pred geometry.Predicate, q geom.T) ([]models.Record[V], error) {
	if err := checkPredicate(pred); err != nil {
		return nil, err
	}
	qbox, err := geometry.ExtentOf(q)
	if err != nil {
		return nil, errors.Wrap(err, "query geometry")
	}

	ids := ds.router.candidates(pred, qbox)
	metrics.PartitionsScanned.WithLabelValues("filter").Add(float64(len(ids)))
	metrics.PartitionsPruned.WithLabelValues("filter").Add(float64(ds.NumPartitions() - len(ids)))

	found, err := engine.Map(ctx, ds.exec, "filter", len(ids), func(ctx context.Context, i int) ([]models.Record[V], error) {
		return ds.filterPartition(ids[i], pred, q, qbox)
	})
	if err != nil {
		return nil, err
	}
	var out []models.Record[V]
	for _, rs := range found {
		out = append(out, rs...)
	}
	return out, nil
}

func (d *Dataset[V]) filterPartition(part int, pred geometry.Predicate, q geom.T, qbox geometry.Extent) ([]models.Record[V], error) {
	records := d.parts[part]
	var out []models.Record[V]
	if tree := d.Tree(part); tree != nil {
		entries, err := tree.Query(pred, q)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, records[e.Value])
		}
		return out, nil
	}
	for i, r := range records {
		if pred.Candidate(d.boxes[part][i], qbox) && pred.Eval(r.Geometry, q) {
			out = append(out, r)
		}
	}
	return out, nil
}

func checkPredicate(pred geometry.Predicate) error {
	if pred.Kind == geometry.KindWithinDistance && (pred.Distance < 0 || math.IsNaN(pred.Distance)) {
		return errors.Wrapf(models.ErrInvalidParameter, "distance must not be negative, got %v", pred.Distance)
	}
	return nil
}
