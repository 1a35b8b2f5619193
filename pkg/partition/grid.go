package partition

import (
	"github.com/pkg/errors"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
)

// Grid splits every dimension of its bounds into the same number of equal
// cells. Cells are numbered row-major with dimension 0 varying fastest.
type Grid struct {
	bounds geometry.Extent
	ppd    int
	cells  []int
	count  int
}

// NewGrid creates a grid with ppd cells per dimension. A zero-width dimension
// collapses to a single cell.
func NewGrid(bounds geometry.Extent, ppd int) (*Grid, error) {
	if ppd <= 0 {
		return nil, errors.Wrapf(models.ErrInvalidParameter, "partitions per dimension must be positive, got %d", ppd)
	}
	if bounds.IsEmpty() {
		return nil, errors.Wrap(models.ErrInvalidParameter, "grid bounds are empty")
	}
	g := &Grid{
		bounds: bounds,
		ppd:    ppd,
		cells:  make([]int, bounds.Dims()),
		count:  1,
	}
	for d := range g.cells {
		g.cells[d] = ppd
		if bounds.Width(d) == 0 {
			g.cells[d] = 1
		}
		g.count *= g.cells[d]
	}
	return g, nil
}

func (g *Grid) NumPartitions() int { return g.count }

func (g *Grid) Bounds() geometry.Extent { return g.bounds }

// PartitionsPerDimension returns the ppd the grid was built with.
func (g *Grid) PartitionsPerDimension() int { return g.ppd }

func (g *Grid) Partition(gm geom.T) (int, error) {
	return locateGeometry(g, gm)
}

// Locate clamps c into the grid bounds and returns the enclosing cell.
func (g *Grid) Locate(c geom.Coord) (int, error) {
	if err := checkCoord(c, len(g.cells)); err != nil {
		return 0, err
	}
	id, stride := 0, 1
	for d, n := range g.cells {
		idx := cellIndex(c[d], g.bounds.Min[d], g.bounds.Max[d], n, func(i int) float64 {
			return g.edge(d, i)
		})
		id += idx * stride
		stride *= n
	}
	return id, nil
}

// Extent is computed from the cell coordinates, not from data.
func (g *Grid) Extent(id int) geometry.Extent {
	if id < 0 || id >= g.count {
		return geometry.Extent{}
	}
	min := make(geom.Coord, len(g.cells))
	max := make(geom.Coord, len(g.cells))
	for d, n := range g.cells {
		idx := id % n
		id /= n
		min[d] = g.edge(d, idx)
		max[d] = g.edge(d, idx+1)
	}
	return geometry.Extent{Min: min, Max: max}
}

func (g *Grid) Spec() Spec {
	return Spec{Kind: KindGrid, Bounds: g.bounds, PartitionsPerDimension: g.ppd}
}

// edge is the lower coordinate of cell i along dim d; edge(d, n) is the
// upper bound.
func (g *Grid) edge(d, i int) float64 {
	n := g.cells[d]
	if i <= 0 {
		return g.bounds.Min[d]
	}
	if i >= n {
		return g.bounds.Max[d]
	}
	return g.bounds.Min[d] + float64(i)*g.bounds.Width(d)/float64(n)
}
