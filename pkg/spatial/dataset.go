// Package spatial attaches partition-aware spatial queries to a collection of
// geometry-keyed records: partitioning, filter, join, k-nearest-neighbor and
// per-partition R-tree indexing. Every query prunes partitions by the extent
// of the data they hold before touching any record.
package spatial

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/kass/go-geo-partition/pkg/engine"
	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/logger"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/partition"
	"github.com/kass/go-geo-partition/pkg/rtree"
)

type settings struct {
	exec *engine.Executor
	log  *slog.Logger
}

// Option configures a Dataset.
type Option func(*settings)

// WithExecutor runs the dataset's stages on e.
func WithExecutor(e *engine.Executor) Option {
	return func(s *settings) { s.exec = e }
}

// WithLogger sets the logger for warnings about dropped records, over-cost
// partitions and unpruned joins.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.log = l }
}

func newSettings(opts []Option) settings {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.log == nil {
		s.log = logger.L()
	}
	if s.exec == nil {
		s.exec = engine.New(0, engine.WithLogger(s.log))
	}
	return s
}

// Dataset is an immutable, partitioned collection of records. Besides the
// partitioner's centroid extents it tracks, per partition, the union of the
// full bounding boxes of its records; pruning always uses the latter so that
// geometries straddling a partition boundary are never missed.
type Dataset[V any] struct {
	parts       [][]models.Record[V]
	boxes       [][]geometry.Extent
	extents     []geometry.Extent
	partitioner partition.Partitioner
	indexes     []*rtree.Tree[int]
	router      *extentIndex
	settings
}

// NewDataset wraps records without a partitioner. Records are spread over
// contiguous chunks, one per worker, so that queries still run in parallel;
// join treats such a dataset as unpartitioned.
func NewDataset[V any](records []models.Record[V], opts ...Option) *Dataset[V] {
	s := newSettings(opts)
	n := s.exec.Workers()
	if n > len(records) {
		n = len(records)
	}
	parts := [][]models.Record[V]{nil}
	if n > 0 {
		parts = parts[:0]
		size := (len(records) + n - 1) / n
		for lo := 0; lo < len(records); lo += size {
			hi := lo + size
			if hi > len(records) {
				hi = len(records)
			}
			parts = append(parts, records[lo:hi:hi])
		}
	}
	// Computing boxes never fails, so a background context is enough.
	ds, _ := build(context.Background(), parts, nil, nil, s)
	return ds
}

// FromPartitions reattaches already partitioned records, and optionally their
// per-partition trees, to p. Partition i must hold exactly the records p
// routes to i.
func FromPartitions[V any](ctx context.Context, p partition.Partitioner, parts [][]models.Record[V], trees []*rtree.Tree[int], opts ...Option) (*Dataset[V], error) {
	if p == nil || p.NumPartitions() != len(parts) {
		return nil, errors.Wrapf(models.ErrPartitionMismatch, "%d partitions of records for partitioner", len(parts))
	}
	if trees != nil && len(trees) != len(parts) {
		return nil, errors.Wrapf(models.ErrPartitionMismatch, "%d trees for %d partitions", len(trees), len(parts))
	}
	return build(ctx, parts, p, trees, newSettings(opts))
}

// build computes record boxes and data extents in parallel.
func build[V any](ctx context.Context, parts [][]models.Record[V], p partition.Partitioner, trees []*rtree.Tree[int], s settings) (*Dataset[V], error) {
	ds := &Dataset[V]{
		parts:       parts,
		boxes:       make([][]geometry.Extent, len(parts)),
		extents:     make([]geometry.Extent, len(parts)),
		partitioner: p,
		indexes:     trees,
		settings:    s,
	}
	err := s.exec.Run(ctx, "extents", len(parts), func(ctx context.Context, part int) error {
		boxes := make([]geometry.Extent, len(parts[part]))
		var ext geometry.Extent
		for i, r := range parts[part] {
			// Degenerate geometries keep an empty box and never match.
			if b, err := geometry.ExtentOf(r.Geometry); err == nil {
				boxes[i] = b
				ext = ext.Union(b)
			}
		}
		ds.boxes[part], ds.extents[part] = boxes, ext
		return nil
	})
	if err != nil {
		return nil, err
	}
	ds.router = newExtentIndex(ds.extents)
	return ds, nil
}

// NumPartitions returns the number of partitions.
func (d *Dataset[V]) NumPartitions() int { return len(d.parts) }

// Partitioner returns the partitioner that produced d, or nil.
func (d *Dataset[V]) Partitioner() partition.Partitioner { return d.partitioner }

// Partition returns the records of partition i.
func (d *Dataset[V]) Partition(i int) []models.Record[V] { return d.parts[i] }

// DataExtent covers the full geometries of every record in partition i.
func (d *Dataset[V]) DataExtent(i int) geometry.Extent { return d.extents[i] }

// Tree returns the R-tree of partition i, or nil when d is not indexed. Tree
// values are record positions within the partition.
func (d *Dataset[V]) Tree(i int) *rtree.Tree[int] {
	if d.indexes == nil {
		return nil
	}
	return d.indexes[i]
}

// Indexed reports whether every partition carries an R-tree.
func (d *Dataset[V]) Indexed() bool { return d.indexes != nil }

// Len returns the total number of records.
func (d *Dataset[V]) Len() int {
	n := 0
	for _, p := range d.parts {
		n += len(p)
	}
	return n
}

// Records flattens the partitions in partition order.
func (d *Dataset[V]) Records() []models.Record[V] {
	out := make([]models.Record[V], 0, d.Len())
	for _, p := range d.parts {
		out = append(out, p...)
	}
	return out
}

// Executor returns the executor stages run on.
func (d *Dataset[V]) Executor() *engine.Executor { return d.exec }

// Repartition routes every record through p.
func (d *Dataset[V]) Repartition(ctx context.Context, p partition.Partitioner) (*Dataset[V], []models.RecordError, error) {
	return Partition(ctx, d, p)
}

// Stats summarises a dataset's partitions.
type Stats struct {
	Partitions  int
	Records     int
	Counts      []int
	Extents     []geometry.Extent
	DataExtents []geometry.Extent
	Indexed     bool
}

// Stats reports per-partition counts and extents. Extents are the
// partitioner's centroid extents and are nil for an unpartitioned dataset.
func (d *Dataset[V]) Stats() Stats {
	s := Stats{
		Partitions:  len(d.parts),
		Records:     d.Len(),
		Counts:      make([]int, len(d.parts)),
		DataExtents: append([]geometry.Extent(nil), d.extents...),
		Indexed:     d.Indexed(),
	}
	for i, p := range d.parts {
		s.Counts[i] = len(p)
	}
	if d.partitioner != nil {
		s.Extents = partition.Extents(d.partitioner)
	}
	return s
}
