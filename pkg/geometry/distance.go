package geometry

import (
	"math"

	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/models"
)

const earthRadius = 6371.0 // km

// DistanceFunc measures the distance between two coordinates.
type DistanceFunc func(a, b geom.Coord) float64

// BoundFunc returns a lower bound of a DistanceFunc between p and any point of
// an extent.
type BoundFunc func(e Extent, p geom.Coord) float64

// Euclidean is the planar distance.
func Euclidean(a, b geom.Coord) float64 {
	return PointDistance(a, b)
}

// Haversine is the great-circle distance in kilometers between two lon/lat
// coordinates (X is longitude, Y is latitude).
func Haversine(a, b geom.Coord) float64 {
	lat1Rad := a[1] * math.Pi / 180.0
	lon1Rad := a[0] * math.Pi / 180.0
	lat2Rad := b[1] * math.Pi / 180.0
	lon2Rad := b[0] * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadius * c
}

// WindowFunc returns a planar box holding every point within d of p. It
// reports false when no finite box does.
type WindowFunc func(p geom.Coord, d float64) (Extent, bool)

// Metric measures record geometries against a query point. Bound must never
// exceed Distance for any geometry inside the extent; a nil Bound disables
// extent pruning. A nil Window makes indexed searches visit every entry.
type Metric struct {
	Distance func(g geom.T, p geom.Coord) float64
	Bound    BoundFunc
	Window   WindowFunc
}

// EuclideanMetric is the exact planar distance from p to the closest point of
// the geometry, bounded by the extent min-distance.
var EuclideanMetric = Metric{
	Distance: func(g geom.T, p geom.Coord) float64 {
		return Distance(g, models.NewPoint(p[0], p[1]))
	},
	Bound:  ExtentDistance,
	Window: EuclideanWindow,
}

// EuclideanWindow is the square of half-side d around p.
func EuclideanWindow(p geom.Coord, d float64) (Extent, bool) {
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return Extent{}, false
	}
	return PointExtent(xy2(p)).Expand(d), true
}

// HaversineWindow is the lon/lat box around p holding every point at most d
// kilometers away. Near the poles it spans all longitudes; across the
// antimeridian it reports false.
func HaversineWindow(p geom.Coord, d float64) (Extent, bool) {
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return Extent{}, false
	}
	ang := d / earthRadius
	if ang >= math.Pi {
		return Extent{}, false
	}
	dLat := ang * 180 / math.Pi
	minLat, maxLat := p[1]-dLat, p[1]+dLat
	if minLat <= -90 || maxLat >= 90 {
		return Rect(-180, math.Max(minLat, -90), 180, math.Min(maxLat, 90)), true
	}
	dLon := math.Asin(math.Sin(ang)/math.Cos(p[1]*math.Pi/180)) * 180 / math.Pi
	minLon, maxLon := p[0]-dLon, p[0]+dLon
	if minLon < -180 || maxLon > 180 {
		return Extent{}, false
	}
	return Rect(minLon, minLat, maxLon, maxLat), true
}

// CentroidMetric applies d to the centroid of each geometry. Degenerate
// geometries are infinitely far away.
func CentroidMetric(d DistanceFunc, bound BoundFunc) Metric {
	return Metric{
		Distance: func(g geom.T, p geom.Coord) float64 {
			c, err := Centroid(g)
			if err != nil {
				return math.Inf(1)
			}
			return d(c, p)
		},
		Bound: bound,
	}
}

// HaversineMetric ranks lon/lat geometries by great-circle distance of their
// centroids. It has no extent bound.
var HaversineMetric = Metric{
	Distance: CentroidMetric(Haversine, nil).Distance,
	Window:   HaversineWindow,
}
