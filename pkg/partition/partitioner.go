// Package partition assigns geometries to contiguous integer partition ids by
// centroid and exposes the extent covering every centroid routed to each id.
package partition

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
)

// Kinds of partitioner, as recorded in a Spec.
const (
	KindGrid = "grid"
	KindBSP  = "bsp"
)

// Partitioner maps geometries to partition ids in [0, NumPartitions()).
type Partitioner interface {
	NumPartitions() int
	// Partition assigns g by its centroid.
	Partition(g geom.T) (int, error)
	// Locate assigns a coordinate directly.
	Locate(c geom.Coord) (int, error)
	// Extent covers every centroid assigned to id.
	Extent(id int) geometry.Extent
	Bounds() geometry.Extent
	Spec() Spec
}

// Spec is the serializable description of a partitioner. FromSpec rebuilds an
// identical partitioner from it.
type Spec struct {
	Kind                   string
	Bounds                 geometry.Extent
	PartitionsPerDimension int
	SideLength             float64
	MaxCost                int64
	Nodes                  []Node
}

// FromSpec rebuilds the partitioner described by s.
func FromSpec(s Spec) (Partitioner, error) {
	switch s.Kind {
	case KindGrid:
		return NewGrid(s.Bounds, s.PartitionsPerDimension)
	case KindBSP:
		return restoreBSP(s)
	}
	return nil, errors.Wrapf(models.ErrInvalidParameter, "unknown partitioner kind %q", s.Kind)
}

// Extents lists the extent of every partition in id order.
func Extents(p Partitioner) []geometry.Extent {
	out := make([]geometry.Extent, p.NumPartitions())
	for i := range out {
		out[i] = p.Extent(i)
	}
	return out
}

// Fingerprint hashes the kind and the id -> extent mapping of p. Two
// partitioners with the same fingerprint route identically for all practical
// purposes.
func Fingerprint(p Partitioner) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(p.Spec().Kind)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(p.NumPartitions()))
	_, _ = h.Write(buf[:])
	for _, e := range Extents(p) {
		for i := range e.Min {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(e.Min[i]))
			_, _ = h.Write(buf[:])
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(e.Max[i]))
			_, _ = h.Write(buf[:])
		}
	}
	return h.Sum64()
}

// Compatible returns nil when a and b share the same partition count and
// extents, and ErrPartitionMismatch otherwise.
func Compatible(a, b Partitioner) error {
	if a == nil || b == nil {
		return errors.Wrap(models.ErrPartitionMismatch, "missing partitioner")
	}
	if a == b {
		return nil
	}
	if a.NumPartitions() != b.NumPartitions() {
		return errors.Wrapf(models.ErrPartitionMismatch, "%d vs %d partitions", a.NumPartitions(), b.NumPartitions())
	}
	for i := 0; i < a.NumPartitions(); i++ {
		if !a.Extent(i).Equal(b.Extent(i)) {
			return errors.Wrapf(models.ErrPartitionMismatch, "partition %d extents %v vs %v", i, a.Extent(i), b.Extent(i))
		}
	}
	return nil
}

// locateGeometry is the shared centroid step of Partition.
func locateGeometry(p Partitioner, g geom.T) (int, error) {
	c, err := geometry.Centroid(g)
	if err != nil {
		return 0, err
	}
	return p.Locate(c)
}

func checkCoord(c geom.Coord, dims int) error {
	if len(c) < dims {
		return errors.Wrapf(models.ErrInvalidParameter, "coordinate has %d dimensions, want %d", len(c), dims)
	}
	for i := 0; i < dims; i++ {
		if math.IsNaN(c[i]) || math.IsInf(c[i], 0) {
			return errors.Wrap(models.ErrDegenerateGeometry, "coordinate is not finite")
		}
	}
	return nil
}

// cellIndex maps v into one of n equal cells over [min, max] using bound to
// compute cell edges, so that the returned cell's edges always enclose v.
func cellIndex(v, min, max float64, n int, bound func(i int) float64) int {
	if n <= 1 || max <= min {
		return 0
	}
	if v <= min {
		return 0
	}
	if v >= max {
		return n - 1
	}
	idx := int(math.Floor((v - min) / (max - min) * float64(n)))
	if idx >= n {
		idx = n - 1
	}
	for idx > 0 && v < bound(idx) {
		idx--
	}
	for idx < n-1 && v > bound(idx+1) {
		idx++
	}
	return idx
}
