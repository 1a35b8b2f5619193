package geometry

import (
	"github.com/pkg/errors"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"github.com/kass/go-geo-partition/pkg/models"
)

// Centroid returns the representative point used for partition assignment.
// Points keep all their spatial coordinates; other geometries use the planar
// area/line/point centroid from go-geom.
func Centroid(g geom.T) (geom.Coord, error) {
	if err := validate(g); err != nil {
		return nil, err
	}
	var c geom.Coord
	switch t := g.(type) {
	case *geom.Point:
		c = t.Coords()[:spatialDims(t.Layout())].Clone()
	case *geom.GeometryCollection:
		// Bounding box center; go-geom has no mixed-dimension centroid.
		e, err := ExtentOf(t)
		if err != nil {
			return nil, err
		}
		c = e.Center()
	default:
		var err error
		c, err = xy.Centroid(g)
		if err != nil {
			return nil, errors.Wrap(models.ErrDegenerateGeometry, err.Error())
		}
	}
	for _, v := range c {
		if isBad(v) {
			return nil, errors.Wrap(models.ErrDegenerateGeometry, "centroid is not finite")
		}
	}
	return c, nil
}

// ExtentOf returns the bounding box of g over its spatial dimensions (the M
// ordinate is dropped).
func ExtentOf(g geom.T) (Extent, error) {
	if err := validate(g); err != nil {
		return Extent{}, err
	}
	b := g.Bounds()
	if b.IsEmpty() {
		return Extent{}, errors.Wrap(models.ErrDegenerateGeometry, "empty bounds")
	}
	n := spatialDims(g.Layout())
	min, max := make(geom.Coord, n), make(geom.Coord, n)
	for i := 0; i < n; i++ {
		min[i], max[i] = b.Min(i), b.Max(i)
	}
	return Extent{Min: min, Max: max}, nil
}

func validate(g geom.T) error {
	if g == nil {
		return errors.Wrap(models.ErrDegenerateGeometry, "nil geometry")
	}
	if gc, ok := g.(*geom.GeometryCollection); ok {
		if gc.NumGeoms() == 0 {
			return errors.Wrap(models.ErrDegenerateGeometry, "empty collection")
		}
		for _, child := range gc.Geoms() {
			if err := validate(child); err != nil {
				return err
			}
		}
		return nil
	}
	if g.Empty() {
		return errors.Wrap(models.ErrDegenerateGeometry, "empty geometry")
	}
	for _, v := range g.FlatCoords() {
		if isBad(v) {
			return errors.Wrap(models.ErrDegenerateGeometry, "coordinate is not finite")
		}
	}
	return nil
}

func spatialDims(l geom.Layout) int {
	switch l {
	case geom.XYZ, geom.XYZM:
		return 3
	default:
		return 2
	}
}
