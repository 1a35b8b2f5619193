// Package engine is the in-process execution substrate: partition-parallel
// map, key-based shuffle and chunked aggregation over a bounded worker pool.
// A stage either completes for every partition or returns the first error.
package engine

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kass/go-geo-partition/pkg/logger"
	"github.com/kass/go-geo-partition/pkg/metrics"
	"github.com/kass/go-geo-partition/pkg/models"
)

// Executor runs per-partition work with at most Workers goroutines.
type Executor struct {
	workers int
	log     *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for stage tracing.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// New creates an executor. workers <= 0 uses one worker per CPU.
func New(workers int, opts ...Option) *Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	e := &Executor{workers: workers, log: logger.L()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Default is a CPU-sized executor.
func Default() *Executor { return New(0) }

func (e *Executor) Workers() int { return e.workers }

func (e *Executor) Logger() *slog.Logger { return e.log }

// Run calls fn for every partition in [0, n) and waits for all of them. The
// context passed to fn is cancelled as soon as one call fails.
func (e *Executor) Run(ctx context.Context, op string, n int, fn func(ctx context.Context, part int) error) error {
	start := time.Now()
	defer metrics.ObserveStage(op, start)

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	err := eg.Wait()
	if err == nil {
		err = ctx.Err()
	}
	e.log.Debug("stage finished", "op", op, "partitions", n, "duration_ms", time.Since(start).Milliseconds(), "error", err)
	return err
}

// Map runs fn on every partition and returns the results in partition order.
func Map[T any](ctx context.Context, e *Executor, op string, n int, fn func(ctx context.Context, part int) (T, error)) ([]T, error) {
	out := make([]T, n)
	err := e.Run(ctx, op, n, func(ctx context.Context, part int) error {
		v, err := fn(ctx, part)
		if err != nil {
			return err
		}
		out[part] = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transform applies fn to every item in parallel chunks. Items whose fn fails
// are left out and reported as record errors; the output keeps input order.
func Transform[T, R any](ctx context.Context, e *Executor, op string, items []T, fn func(i int, item T) (R, error)) ([]R, []models.RecordError, error) {
	out := make([]R, len(items))
	errs := make([]error, len(items))
	chunks := e.chunks(len(items))
	err := e.Run(ctx, op, len(chunks), func(ctx context.Context, c int) error {
		for i := chunks[c][0]; i < chunks[c][1]; i++ {
			out[i], errs[i] = fn(i, items[i])
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	kept := out[:0]
	var bad []models.RecordError
	for i, err := range errs {
		if err != nil {
			bad = append(bad, models.RecordError{Index: i, Err: err})
			continue
		}
		kept = append(kept, out[i])
	}
	return kept, bad, nil
}

// Shuffle routes items into n buckets by key. Keys are computed in parallel;
// bucket contents keep input order. Items whose key fails are dropped and
// reported as record errors; a key outside [0, n) fails the stage.
func Shuffle[T any](ctx context.Context, e *Executor, op string, items []T, n int, key func(T) (int, error)) ([][]T, []models.RecordError, error) {
	keys := make([]int, len(items))
	errs := make([]error, len(items))
	chunks := e.chunks(len(items))
	err := e.Run(ctx, op, len(chunks), func(ctx context.Context, c int) error {
		for i := chunks[c][0]; i < chunks[c][1]; i++ {
			keys[i], errs[i] = key(items[i])
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	buckets := make([][]T, n)
	var bad []models.RecordError
	for i, k := range keys {
		if errs[i] != nil {
			bad = append(bad, models.RecordError{Index: i, Err: errs[i]})
			continue
		}
		if k < 0 || k >= n {
			return nil, nil, models.RecordError{Index: i, Err: errOutOfRange(k, n)}
		}
		buckets[k] = append(buckets[k], items[i])
	}
	return buckets, bad, nil
}

// Aggregate folds items into one accumulator per worker chunk and merges the
// partial accumulators in chunk order. add and merge must be associative for
// the result to be independent of the worker count.
func Aggregate[T, A any](ctx context.Context, e *Executor, op string, items []T, zero func() A, add func(A, T) A, merge func(A, A) (A, error)) (A, error) {
	chunks := e.chunks(len(items))
	partial := make([]A, len(chunks))
	err := e.Run(ctx, op, len(chunks), func(ctx context.Context, c int) error {
		acc := zero()
		for i := chunks[c][0]; i < chunks[c][1]; i++ {
			acc = add(acc, items[i])
		}
		partial[c] = acc
		return nil
	})
	result := zero()
	if err != nil {
		return result, err
	}
	for _, p := range partial {
		if result, err = merge(result, p); err != nil {
			return result, err
		}
	}
	return result, nil
}

// chunks splits [0, n) into at most Workers contiguous ranges.
func (e *Executor) chunks(n int) [][2]int {
	if n == 0 {
		return nil
	}
	parts := e.workers
	if parts > n {
		parts = n
	}
	size := (n + parts - 1) / parts
	out := make([][2]int, 0, parts)
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		out = append(out, [2]int{lo, hi})
	}
	return out
}

func errOutOfRange(k, n int) error {
	return errors.Errorf("partition key %d outside [0, %d)", k, n)
}
