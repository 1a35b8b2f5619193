package dbscan

import (
	"github.com/pkg/errors"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/rtree"
)

const localTreeOrder = 16

// member is a point placed in one partition. Home members are owned by the
// partition; the others are copies from the ε-overlap of a neighbor.
type member[K comparable] struct {
	index int
	key   K
	point *geom.Point
	home  bool
}

// edge says that local cluster cluster reached the point key: a copy, or a
// home border point that another local cluster labeled first.
type edge[K comparable] struct {
	cluster int
	key     K
}

type localResult[K comparable] struct {
	// labels and core are indexed like the partition's members and are
	// only meaningful for home members.
	labels   []Label
	core     []bool
	clusters int
	edges    []edge[K]
}

// clusterLocal runs DBSCAN over one partition. Every point within ε of a home
// member is present among the members, so core flags of home members are
// exact. Expansion starts from home cores only and stops at copies; each
// copy reached, and each border point already taken by another local
// cluster, becomes an edge for the global merge.
func clusterLocal[K comparable](members []member[K], minPts int, eps float64) (*localResult[K], error) {
	tree, err := rtree.New[int](localTreeOrder)
	if err != nil {
		return nil, err
	}
	for i, m := range members {
		if err := tree.Insert(m.point, i); err != nil {
			return nil, errors.Wrapf(err, "indexing point %d", m.index)
		}
	}

	within := geometry.WithinDistance(eps)
	neighbors := make([][]int, len(members))
	res := &localResult[K]{
		labels: make([]Label, len(members)),
		core:   make([]bool, len(members)),
	}
	for i, m := range members {
		if !m.home {
			continue
		}
		found, err := tree.Query(within, m.point)
		if err != nil {
			return nil, err
		}
		ids := make([]int, len(found))
		for j, e := range found {
			ids[j] = e.Value
		}
		neighbors[i] = ids
		// The point itself counts towards minPts.
		res.core[i] = len(ids) >= minPts
	}

	for i, m := range members {
		if !m.home || !res.core[i] || res.labels[i] != Unclassified {
			continue
		}
		res.clusters++
		c := Label(res.clusters)
		res.labels[i] = c
		queue := []int{i}
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			for _, n := range neighbors[p] {
				if !members[n].home {
					res.edges = append(res.edges, edge[K]{cluster: res.clusters, key: members[n].key})
					continue
				}
				if res.labels[n] != Unclassified {
					if !res.core[n] && res.labels[n] != c {
						res.edges = append(res.edges, edge[K]{cluster: res.clusters, key: members[n].key})
					}
					continue
				}
				res.labels[n] = c
				if res.core[n] {
					queue = append(queue, n)
				}
			}
		}
	}
	return res, nil
}

func pointOf(c geom.Coord) (*geom.Point, error) {
	if len(c) < 2 {
		return nil, errors.Wrap(models.ErrDegenerateGeometry, "centroid has fewer than two dimensions")
	}
	return models.NewPoint(c[0], c[1]), nil
}
