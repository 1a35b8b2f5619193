// Package models holds the record and error types shared by every layer of the
// partitioned spatial engine.
package models

import (
	"fmt"
	"time"

	"github.com/twpayne/go-geom"
)

// Record is a geometry-keyed entry with an opaque payload.
type Record[V any] struct {
	Geometry geom.T
	Value    V
	// Time is optional and only used by temporal distance mappings.
	Time time.Time
}

// NewRecord creates a record without a timestamp.
func NewRecord[V any](g geom.T, v V) Record[V] {
	return Record[V]{Geometry: g, Value: v}
}

// NewPoint builds a two-dimensional point geometry.
func NewPoint(x, y float64) *geom.Point {
	return geom.NewPoint(geom.XY).MustSetCoords(geom.Coord{x, y})
}

// NewRect builds an axis-aligned rectangular polygon.
func NewRect(minX, minY, maxX, maxY float64) *geom.Polygon {
	return geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY},
	}})
}

// NewLine builds a two-dimensional line string.
func NewLine(coords ...geom.Coord) *geom.LineString {
	return geom.NewLineString(geom.XY).MustSetCoords(coords)
}

// RecordError reports a single record that could not be processed. The stage
// that produced it keeps going with the remaining records.
type RecordError struct {
	Index int
	Err   error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e RecordError) Unwrap() error {
	return e.Err
}
