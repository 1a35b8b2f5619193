package models

import "github.com/pkg/errors"

var (
	// ErrInvalidParameter is returned for non-positive sizing parameters.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrPartitionMismatch is returned when two collections claim to be
	// co-partitioned but disagree on partition count or extents.
	ErrPartitionMismatch = errors.New("partition mismatch")

	// ErrIndexCorruption is returned when a persisted index disagrees with its
	// partitioner metadata.
	ErrIndexCorruption = errors.New("index corruption")

	// ErrDegenerateGeometry is returned for empty geometries and geometries with
	// NaN or infinite coordinates.
	ErrDegenerateGeometry = errors.New("degenerate geometry")
)
