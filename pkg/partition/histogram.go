package partition

import (
	"math"

	"github.com/pkg/errors"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
)

// maxHistogramCells bounds the fine grid so a tiny side length cannot
// allocate unbounded memory.
const maxHistogramCells = 1 << 24

// Histogram counts centroids per fine grid cell. Histograms with the same
// shape merge associatively and commutatively.
type Histogram struct {
	bounds geometry.Extent
	side   float64
	cells  []int
	counts []int64
}

// NewHistogram overlays cells of the given side length over bounds.
func NewHistogram(bounds geometry.Extent, side float64) (*Histogram, error) {
	if !(side > 0) || math.IsInf(side, 0) {
		return nil, errors.Wrapf(models.ErrInvalidParameter, "side length must be positive, got %v", side)
	}
	if bounds.IsEmpty() {
		return nil, errors.Wrap(models.ErrInvalidParameter, "histogram bounds are empty")
	}
	h := &Histogram{bounds: bounds, side: side, cells: make([]int, bounds.Dims())}
	total := 1
	for d := range h.cells {
		n := int(math.Ceil(bounds.Width(d) / side))
		if n < 1 {
			n = 1
		}
		h.cells[d] = n
		total *= n
		if total > maxHistogramCells {
			return nil, errors.Wrapf(models.ErrInvalidParameter, "side length %v yields more than %d cells", side, maxHistogramCells)
		}
	}
	h.counts = make([]int64, total)
	return h, nil
}

// Add counts one centroid.
func (h *Histogram) Add(c geom.Coord) error {
	if err := checkCoord(c, len(h.cells)); err != nil {
		return err
	}
	h.counts[h.flat(h.cellOf(c))]++
	return nil
}

// Merge adds the counts of o into h.
func (h *Histogram) Merge(o *Histogram) error {
	if o == nil {
		return nil
	}
	if h.side != o.side || !h.bounds.Equal(o.bounds) || len(h.counts) != len(o.counts) {
		return errors.Wrap(models.ErrInvalidParameter, "histograms have different shapes")
	}
	for i, n := range o.counts {
		h.counts[i] += n
	}
	return nil
}

// Total returns the number of counted centroids.
func (h *Histogram) Total() int64 {
	var t int64
	for _, n := range h.counts {
		t += n
	}
	return t
}

// Clone returns an empty histogram with the same shape.
func (h *Histogram) Clone() *Histogram {
	return &Histogram{
		bounds: h.bounds,
		side:   h.side,
		cells:  append([]int(nil), h.cells...),
		counts: make([]int64, len(h.counts)),
	}
}

func (h *Histogram) cellOf(c geom.Coord) []int {
	idx := make([]int, len(h.cells))
	for d, n := range h.cells {
		idx[d] = cellIndex(c[d], h.bounds.Min[d], h.edge(d, n), n, func(i int) float64 {
			return h.edge(d, i)
		})
	}
	return idx
}

func (h *Histogram) flat(idx []int) int {
	f, stride := 0, 1
	for d, n := range h.cells {
		f += idx[d] * stride
		stride *= n
	}
	return f
}

// edge is the lower coordinate of fine cell i along d, clamped to the bounds.
func (h *Histogram) edge(d, i int) float64 {
	if i <= 0 {
		return h.bounds.Min[d]
	}
	if i >= h.cells[d] {
		return h.bounds.Max[d]
	}
	return math.Min(h.bounds.Min[d]+float64(i)*h.side, h.bounds.Max[d])
}
