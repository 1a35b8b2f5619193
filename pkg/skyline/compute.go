package skyline

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/kass/go-geo-partition/pkg/engine"
	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/logger"
	"github.com/kass/go-geo-partition/pkg/metrics"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/partition"
)

type settings struct {
	exec *engine.Executor
	log  *slog.Logger
}

// Option configures Compute and Aggregate.
type Option func(*settings)

func WithExecutor(e *engine.Executor) Option {
	return func(s *settings) { s.exec = e }
}

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

// Result is a skyline together with the records that could not be mapped.
type Result[V any] struct {
	Points []Point[V]
	// Dropped lists records whose mapping failed; Index is the input position.
	Dropped []models.RecordError
	// Partitions and Pruned describe the distance-space grid. Both are zero
	// for Aggregate.
	Partitions int
	Pruned     int
}

// Compute returns the skyline of records relative to ref.
//
// Records are mapped into distance space, the mapped points are placed on a
// ppd^n grid and every cell whose best corner is dominated by another
// non-empty cell's worst corner is discarded without being examined. The
// remaining cells compute local skylines in parallel; the local skylines
// are merged into a single candidate set and recomputed once.
func Compute[V any](ctx context.Context, records []models.Record[V], ref models.Record[V], mapFn MapFunc[V], dominates DominanceFunc, ppd int, opts ...Option) (*Result[V], error) {
	if ppd <= 0 {
		return nil, errors.Wrapf(models.ErrInvalidParameter, "partitions per dimension must be positive, got %d", ppd)
	}
	if dominates == nil {
		dominates = Dominates
	}
	s := newSettings(opts)
	points, dropped, err := mapAll(ctx, s, records, ref, mapFn)
	if err != nil {
		return nil, err
	}
	res := &Result[V]{Dropped: dropped}
	if len(points) == 0 {
		return res, nil
	}

	var bounds geometry.Extent
	for _, p := range points {
		bounds = bounds.Union(geometry.PointExtent(p.Coords))
	}
	grid, err := partition.NewGrid(bounds, ppd)
	if err != nil {
		return nil, err
	}
	cells, _, err := engine.Shuffle(ctx, s.exec, "skyline-shuffle", points, grid.NumPartitions(), func(p Point[V]) (int, error) {
		return grid.Locate(p.Coords)
	})
	if err != nil {
		return nil, errors.Wrap(err, "placing distance-space points")
	}

	extents := make([]geometry.Extent, len(cells))
	for i, cell := range cells {
		for _, p := range cell {
			extents[i] = extents[i].Union(geometry.PointExtent(p.Coords))
		}
	}
	dominated := dominatedCells(extents, dominates)

	var live []int
	for i, cell := range cells {
		if len(cell) > 0 && !dominated[i] {
			live = append(live, i)
		}
	}
	res.Partitions = len(cells)
	res.Pruned = len(cells) - len(live)
	metrics.PartitionsScanned.WithLabelValues("skyline").Add(float64(len(live)))
	metrics.PartitionsPruned.WithLabelValues("skyline").Add(float64(res.Pruned))

	local, err := engine.Map(ctx, s.exec, "skyline-local", len(live), func(ctx context.Context, i int) (*Skyline[V], error) {
		sky := New[V](dominates)
		for _, p := range cells[live[i]] {
			sky.Insert(p)
		}
		return sky, nil
	})
	if err != nil {
		return nil, err
	}

	global := New[V](dominates)
	for _, sky := range local {
		for _, p := range sky.points {
			global.Insert(p)
		}
	}
	res.Points = global.Points()
	s.log.Debug("skyline computed", "records", len(records), "cells", len(cells), "pruned", res.Pruned, "size", len(res.Points))
	return res, nil
}

// Aggregate returns the same skyline as Compute in a single fold: every
// worker chunk keeps one running skyline and the partial skylines are
// combined pairwise with Merge.
func Aggregate[V any](ctx context.Context, records []models.Record[V], ref models.Record[V], mapFn MapFunc[V], dominates DominanceFunc, opts ...Option) (*Result[V], error) {
	if dominates == nil {
		dominates = Dominates
	}
	s := newSettings(opts)
	points, dropped, err := mapAll(ctx, s, records, ref, mapFn)
	if err != nil {
		return nil, err
	}
	sky, err := engine.Aggregate(ctx, s.exec, "skyline-aggregate", points,
		func() *Skyline[V] { return New[V](dominates) },
		func(acc *Skyline[V], p Point[V]) *Skyline[V] {
			acc.Insert(p)
			return acc
		},
		func(a, b *Skyline[V]) (*Skyline[V], error) { return a.Merge(b), nil },
	)
	if err != nil {
		return nil, err
	}
	return &Result[V]{Points: sky.Points(), Dropped: dropped}, nil
}

func mapAll[V any](ctx context.Context, s settings, records []models.Record[V], ref models.Record[V], mapFn MapFunc[V]) ([]Point[V], []models.RecordError, error) {
	if mapFn == nil {
		return nil, nil, errors.Wrap(models.ErrInvalidParameter, "missing distance mapping")
	}
	if _, err := geometry.ExtentOf(ref.Geometry); err != nil {
		return nil, nil, errors.Wrap(err, "skyline reference")
	}
	points, dropped, err := engine.Transform(ctx, s.exec, "skyline-map", records, mapper(ref, mapFn))
	if err != nil {
		return nil, nil, err
	}
	for _, p := range points {
		if len(p.Coords) != len(points[0].Coords) {
			return nil, nil, errors.Wrapf(models.ErrInvalidParameter,
				"record %d maps to %d dimensions, want %d", p.Index, len(p.Coords), len(points[0].Coords))
		}
	}
	if len(dropped) > 0 {
		metrics.DegenerateRecords.Add(float64(len(dropped)))
		s.log.Warn("dropped records from skyline", "count", len(dropped), "first", dropped[0].Error())
	}
	return points, dropped, nil
}

// dominatedCells marks every non-empty cell x for which some other non-empty
// cell y has dominates(y.Max, x.Min): every point of y then dominates every
// point of x. The bitset is computed once from the cell extents.
func dominatedCells(extents []geometry.Extent, dominates DominanceFunc) []bool {
	out := make([]bool, len(extents))
	for x, ex := range extents {
		if ex.IsEmpty() {
			continue
		}
		for y, ey := range extents {
			if y == x || ey.IsEmpty() {
				continue
			}
			if dominates(ey.Max, ex.Min) {
				out[x] = true
				break
			}
		}
	}
	return out
}
