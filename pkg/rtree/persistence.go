package rtree

import (
	"encoding/gob"
	"io"

	"github.com/pkg/errors"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
)

// treeData is the serializable form of a tree: its order and the entries in
// insertion order. The node structure is rebuilt on load.
type treeData[V any] struct {
	Order   int
	Entries []entryData[V]
}

type entryData[V any] struct {
	Geometry []byte
	Min, Max []float64
	Value    V
}

// Encode writes t as a gob stream with WKB geometries. Payloads must be gob
// encodable.
func (t *Tree[V]) Encode(w io.Writer) error {
	data := treeData[V]{Order: t.order, Entries: make([]entryData[V], len(t.entries))}
	for i, e := range t.entries {
		raw, err := wkb.Marshal(e.Geometry, wkb.NDR)
		if err != nil {
			return errors.Wrapf(err, "encoding geometry of entry %d", e.Seq)
		}
		data.Entries[i] = entryData[V]{Geometry: raw, Min: e.Bounds.Min, Max: e.Bounds.Max, Value: e.Value}
	}
	if err := gob.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "encoding tree")
	}
	return nil
}

// Decode reads a tree written by Encode and re-inserts its entries in their
// original order, which reproduces the same tree. A geometry that does not
// decode or disagrees with its stored bounds is ErrIndexCorruption.
func Decode[V any](r io.Reader) (*Tree[V], error) {
	var data treeData[V]
	if err := gob.NewDecoder(r).Decode(&data); err != nil {
		return nil, errors.Wrapf(models.ErrIndexCorruption, "decoding tree: %v", err)
	}
	t, err := New[V](data.Order)
	if err != nil {
		return nil, errors.Wrapf(models.ErrIndexCorruption, "stored order %d", data.Order)
	}
	for i, ed := range data.Entries {
		g, err := wkb.Unmarshal(ed.Geometry)
		if err != nil {
			return nil, errors.Wrapf(models.ErrIndexCorruption, "entry %d geometry: %v", i, err)
		}
		box, err := geometry.ExtentOf(g)
		if err != nil {
			return nil, errors.Wrapf(models.ErrIndexCorruption, "entry %d: %v", i, err)
		}
		if stored := (geometry.Extent{Min: ed.Min, Max: ed.Max}); !stored.Equal(box) {
			return nil, errors.Wrapf(models.ErrIndexCorruption, "entry %d bounds %v, geometry covers %v", i, stored, box)
		}
		t.add(&Entry[V]{Geometry: g, Value: ed.Value, Bounds: box, Seq: i})
	}
	return t, nil
}
