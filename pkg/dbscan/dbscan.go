// Package dbscan clusters the centroids of a dataset with DBSCAN on a
// cost-bounded BSP partitioning. Each partition is clustered locally together
// with copies of the points within ε of its extent; local clusters that meet
// across a boundary are reconciled with a union-find over record keys.
package dbscan

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/kass/go-geo-partition/pkg/engine"
	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/metrics"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/partition"
	"github.com/kass/go-geo-partition/pkg/spatial"
)

// Label is a cluster id (1, 2, ...) or one of the two reserved labels.
type Label int

const (
	Unclassified Label = 0
	Noise        Label = -1
)

// histogramResolution caps the default histogram at this many cells along the
// widest dimension.
const histogramResolution = 256

// Options configures Cluster.
type Options[V any, K comparable] struct {
	MinPts  int
	Epsilon float64
	// Key must be unique per record.
	Key func(models.Record[V]) K
	// IncludeNoise keeps Noise records in the result.
	IncludeNoise     bool
	MaxPartitionCost int64
	// CellSide is the histogram cell side for the BSP. Zero derives it from
	// Epsilon and the data bounds.
	CellSide float64
}

func (o Options[V, K]) validate() error {
	switch {
	case o.MinPts <= 0:
		return errors.Wrapf(models.ErrInvalidParameter, "minPts must be positive, got %d", o.MinPts)
	case !(o.Epsilon > 0) || math.IsInf(o.Epsilon, 0):
		return errors.Wrapf(models.ErrInvalidParameter, "epsilon must be positive, got %v", o.Epsilon)
	case o.MaxPartitionCost <= 0:
		return errors.Wrapf(models.ErrInvalidParameter, "max partition cost must be positive, got %d", o.MaxPartitionCost)
	case o.Key == nil:
		return errors.Wrap(models.ErrInvalidParameter, "missing key extractor")
	case o.CellSide < 0 || math.IsNaN(o.CellSide):
		return errors.Wrapf(models.ErrInvalidParameter, "cell side must not be negative, got %v", o.CellSide)
	}
	return nil
}

// Assignment is the label of one record. Index is the record's position in
// ds.Records().
type Assignment[V any, K comparable] struct {
	Record models.Record[V]
	Key    K
	Index  int
	Label  Label
	Core   bool
}

type Result[V any, K comparable] struct {
	// Assignments are ordered by Index.
	Assignments []Assignment[V, K]
	Clusters    int
	Noise       int
	Partitions  int
	// Dropped lists records whose geometry has no usable centroid.
	Dropped []models.RecordError
}

type located[K comparable] struct {
	key   K
	coord []float64
	home  int
	// copies are the other partitions whose ε-expanded extent holds the
	// point.
	copies []int
}

// Cluster labels every record of ds by the density of record centroids.
// Cluster ids are numbered in ds.Records() order and are stable for a given
// dataset and options. A border point reachable from several clusters joins
// the one with the lowest id.
func Cluster[V any, K comparable](ctx context.Context, ds *spatial.Dataset[V], opts Options[V, K]) (*Result[V, K], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	exec, log := ds.Executor(), ds.Executor().Logger()
	records := ds.Records()
	if len(records) == 0 {
		return &Result[V, K]{}, nil
	}

	bsp, err := partitioner(ctx, ds, opts)
	if err != nil {
		return nil, err
	}
	expanded := make([]geometry.Extent, bsp.NumPartitions())
	for i := range expanded {
		expanded[i] = overlap(bsp.Extent(i), opts.Epsilon)
	}

	points, dropped, err := engine.Transform(ctx, exec, "dbscan-locate", records, func(i int, r models.Record[V]) (located[K], error) {
		c, err := geometry.Centroid(r.Geometry)
		if err != nil {
			return located[K]{}, err
		}
		home, err := bsp.Locate(c)
		if err != nil {
			return located[K]{}, err
		}
		p := located[K]{key: opts.Key(r), coord: c, home: home}
		for j, e := range expanded {
			if j != home && e.ContainsPoint(c) {
				p.copies = append(p.copies, j)
			}
		}
		return p, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "locating points")
	}
	if len(dropped) > 0 {
		metrics.DegenerateRecords.Add(float64(len(dropped)))
		log.Warn("dropped records without a centroid from clustering", "count", len(dropped), "first", dropped[0].Error())
	}

	// Transform drops failed records, so keep the record index alongside.
	index := make([]int, 0, len(points))
	bad := make(map[int]bool, len(dropped))
	for _, d := range dropped {
		bad[d.Index] = true
	}
	for i := range records {
		if !bad[i] {
			index = append(index, i)
		}
	}

	byKey := make(map[K]int, len(points))
	members := make([][]member[K], bsp.NumPartitions())
	for n, p := range points {
		if prev, ok := byKey[p.key]; ok {
			return nil, errors.Wrapf(models.ErrInvalidParameter, "records %d and %d share a key", index[prev], index[n])
		}
		byKey[p.key] = n
		pt, err := pointOf(p.coord)
		if err != nil {
			return nil, err
		}
		members[p.home] = append(members[p.home], member[K]{index: n, key: p.key, point: pt, home: true})
		for _, j := range p.copies {
			members[j] = append(members[j], member[K]{index: n, key: p.key, point: pt})
		}
	}

	local, err := engine.Map(ctx, exec, "dbscan-local", len(members), func(ctx context.Context, part int) (*localResult[K], error) {
		return clusterLocal(members[part], opts.MinPts, opts.Epsilon)
	})
	if err != nil {
		return nil, errors.Wrap(err, "clustering partitions")
	}
	metrics.PartitionsScanned.WithLabelValues("dbscan").Add(float64(len(members)))

	res := merge(records, points, index, members, local, opts)
	res.Partitions = bsp.NumPartitions()
	res.Dropped = dropped
	log.Debug("dbscan finished", "records", len(records), "partitions", res.Partitions,
		"clusters", res.Clusters, "noise", res.Noise)
	return res, nil
}

// partitioner builds the cost-bounded BSP over the record centroids.
func partitioner[V any, K comparable](ctx context.Context, ds *spatial.Dataset[V], opts Options[V, K]) (*partition.BSP, error) {
	side := opts.CellSide
	if side == 0 {
		bounds, err := spatial.CentroidBounds(ctx, ds)
		if err != nil {
			return nil, err
		}
		if bounds.IsEmpty() {
			return nil, errors.Wrap(models.ErrInvalidParameter, "dataset has no valid geometry")
		}
		widest := 0.0
		for d := 0; d < bounds.Dims(); d++ {
			widest = math.Max(widest, bounds.Width(d))
		}
		side = math.Max(opts.Epsilon, widest/histogramResolution)
	}
	return spatial.NewBSPPartitioner(ctx, ds, side, opts.MaxPartitionCost)
}

// overlap grows e by eps plus a rounding margin. Extra copies are harmless;
// a missing one would hide a neighbor.
func overlap(e geometry.Extent, eps float64) geometry.Extent {
	scale := math.Max(1, eps)
	for d := 0; d < e.Dims(); d++ {
		scale = math.Max(scale, math.Max(math.Abs(e.Min[d]), math.Abs(e.Max[d])))
	}
	return e.Expand(eps + scale*1e-9)
}

// merge is the single coalescing step after all local passes.
func merge[V any, K comparable](records []models.Record[V], points []located[K], index []int, members [][]member[K], local []*localResult[K], opts Options[V, K]) *Result[V, K] {
	offsets := make([]int, len(local)+1)
	for i, l := range local {
		offsets[i+1] = offsets[i] + l.clusters
	}
	uf := newUnionFind(offsets[len(local)] + 1)

	// Global cluster slot (0 = none) and core flag of every point, taken
	// from its home partition.
	slot := make([]int, len(points))
	core := make([]bool, len(points))
	for part, l := range local {
		for i, m := range members[part] {
			if !m.home {
				continue
			}
			core[m.index] = l.core[i]
			if l.labels[i] != Unclassified {
				slot[m.index] = offsets[part] + int(l.labels[i])
			}
		}
	}

	byKey := make(map[K]int, len(points))
	for n, p := range points {
		byKey[p.key] = n
	}
	// Every cluster that reached a border point, besides its local label.
	border := make(map[int][]int)
	for part, l := range local {
		for _, e := range l.edges {
			from := offsets[part] + e.cluster
			n := byKey[e.key]
			if core[n] {
				uf.union(from, slot[n])
			} else {
				border[n] = append(border[n], from)
			}
		}
	}

	// Number clusters by their first core point in record order.
	ids := make(map[int]Label)
	for n := range points {
		if !core[n] {
			continue
		}
		root := uf.find(slot[n])
		if _, ok := ids[root]; !ok {
			ids[root] = Label(len(ids) + 1)
		}
	}

	res := &Result[V, K]{Clusters: len(ids)}
	for n, p := range points {
		label := Noise
		if core[n] {
			label = ids[uf.find(slot[n])]
		} else {
			// A border point joins the lowest cluster id among all clusters
			// that reach it.
			froms := border[n]
			if slot[n] != 0 {
				froms = append(froms, slot[n])
			}
			for _, f := range froms {
				if id := ids[uf.find(f)]; label == Noise || id < label {
					label = id
				}
			}
		}
		if label == Noise {
			res.Noise++
			if !opts.IncludeNoise {
				continue
			}
		}
		res.Assignments = append(res.Assignments, Assignment[V, K]{
			Record: records[index[n]],
			Key:    p.key,
			Index:  index[n],
			Label:  label,
			Core:   core[n],
		})
	}
	return res
}
