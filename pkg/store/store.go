// Package store persists partitioned R-tree indexes in a bbolt file so that
// they can be reattached to their partitioner without rebuilding.
//
// Every index lives in its own bucket. The "meta" key holds the partitioner
// description, its fingerprint and per-partition counts and checksums; for
// each partition "p/<id>/tree" holds the encoded tree and "p/<id>/records"
// the records it indexes.
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/twpayne/go-geom/encoding/wkb"
	bolt "go.etcd.io/bbolt"

	"github.com/kass/go-geo-partition/pkg/logger"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/partition"
	"github.com/kass/go-geo-partition/pkg/rtree"
	"github.com/kass/go-geo-partition/pkg/spatial"
)

const formatVersion = 1

var metaKey = []byte("meta")

// Meta describes a stored index.
type Meta struct {
	Version     int
	Spec        partition.Spec
	Fingerprint uint64
	Counts      []int
	TreeSums    []uint64
	RecordSums  []uint64
	Saved       time.Time
}

type recordBlob[V any] struct {
	Records []recordData[V]
}

type recordData[V any] struct {
	Geometry []byte
	Value    V
	Time     time.Time
}

// Store is a bbolt-backed collection of named indexes. It is safe for
// concurrent use.
type Store struct {
	path string
	db   *bolt.DB
	log  *slog.Logger
}

// Open opens or creates the store file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening storage")
	}
	return &Store{path: path, db: db, log: logger.L()}, nil
}

// Path returns path to the store's data file.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Names lists the stored indexes in lexical order.
func (s *Store) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing indexes")
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named index. Deleting a missing index is not an error.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(name))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Meta returns the description of the named index.
func (s *Store) Meta(name string) (*Meta, error) {
	var meta *Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return errors.Errorf("index %q not found", name)
		}
		var err error
		meta, err = decodeMeta(b.Get(metaKey))
		return err
	})
	return meta, err
}

// Save writes the partitioner, trees and records of an indexed dataset under
// name, replacing any previous index of that name. Record values must be gob
// encodable.
func Save[V any](s *Store, name string, ds *spatial.Dataset[V]) error {
	p := ds.Partitioner()
	if p == nil || !ds.Indexed() {
		return errors.Wrap(models.ErrInvalidParameter, "only a partitioned, indexed dataset can be saved")
	}
	meta := Meta{
		Version:     formatVersion,
		Spec:        p.Spec(),
		Fingerprint: partition.Fingerprint(p),
		Counts:      make([]int, ds.NumPartitions()),
		TreeSums:    make([]uint64, ds.NumPartitions()),
		RecordSums:  make([]uint64, ds.NumPartitions()),
		Saved:       time.Now().UTC(),
	}
	trees := make([][]byte, ds.NumPartitions())
	records := make([][]byte, ds.NumPartitions())
	for i := 0; i < ds.NumPartitions(); i++ {
		var buf bytes.Buffer
		if err := ds.Tree(i).Encode(&buf); err != nil {
			return errors.Wrapf(err, "encoding tree %d", i)
		}
		trees[i] = buf.Bytes()

		raw, err := encodeRecords(ds.Partition(i))
		if err != nil {
			return errors.Wrapf(err, "encoding records of partition %d", i)
		}
		records[i] = raw
		meta.Counts[i] = len(ds.Partition(i))
		meta.TreeSums[i] = xxhash.Sum64(trees[i])
		meta.RecordSums[i] = xxhash.Sum64(records[i])
	}
	var mbuf bytes.Buffer
	if err := gob.NewEncoder(&mbuf).Encode(meta); err != nil {
		return errors.Wrap(err, "encoding meta")
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket([]byte(name))
		if err != nil {
			return err
		}
		if err := b.Put(metaKey, mbuf.Bytes()); err != nil {
			return err
		}
		for i := range trees {
			if err := b.Put(treeKey(i), trees[i]); err != nil {
				return err
			}
			if err := b.Put(recordsKey(i), records[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "saving index %q", name)
	}
	s.log.Info("saved index", "name", name, "partitions", len(trees), "records", ds.Len())
	return nil
}

// Load reattaches the named index to its partitioner. The rebuilt
// partitioner must reproduce the stored fingerprint, every blob must match
// its checksum and every record must route back to its partition; any
// disagreement is ErrIndexCorruption.
func Load[V any](ctx context.Context, s *Store, name string, opts ...spatial.Option) (*spatial.Dataset[V], error) {
	var (
		meta  *Meta
		trees [][]byte
		recs  [][]byte
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return errors.Errorf("index %q not found", name)
		}
		var err error
		if meta, err = decodeMeta(b.Get(metaKey)); err != nil {
			return err
		}
		n := len(meta.Counts)
		trees, recs = make([][]byte, n), make([][]byte, n)
		for i := 0; i < n; i++ {
			// Values are only valid inside the transaction.
			trees[i] = append([]byte(nil), b.Get(treeKey(i))...)
			recs[i] = append([]byte(nil), b.Get(recordsKey(i))...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p, err := partition.FromSpec(meta.Spec)
	if err != nil {
		return nil, corrupt(err, "rebuilding partitioner")
	}
	if fp := partition.Fingerprint(p); fp != meta.Fingerprint {
		return nil, corrupt(nil, fmt.Sprintf("partitioner fingerprint %x, stored %x", fp, meta.Fingerprint))
	}
	if p.NumPartitions() != len(meta.Counts) || len(meta.TreeSums) != len(meta.Counts) || len(meta.RecordSums) != len(meta.Counts) {
		return nil, corrupt(nil, fmt.Sprintf("%d partitions, %d stored", p.NumPartitions(), len(meta.Counts)))
	}

	parts := make([][]models.Record[V], len(meta.Counts))
	indexes := make([]*rtree.Tree[int], len(meta.Counts))
	for i := range parts {
		if xxhash.Sum64(trees[i]) != meta.TreeSums[i] || xxhash.Sum64(recs[i]) != meta.RecordSums[i] {
			return nil, corrupt(nil, fmt.Sprintf("partition %d checksum mismatch", i))
		}
		if parts[i], err = decodeRecords[V](recs[i]); err != nil {
			return nil, corrupt(err, fmt.Sprintf("partition %d records", i))
		}
		if len(parts[i]) != meta.Counts[i] {
			return nil, corrupt(nil, fmt.Sprintf("partition %d holds %d records, stored %d", i, len(parts[i]), meta.Counts[i]))
		}
		for j, r := range parts[i] {
			if id, err := p.Partition(r.Geometry); err != nil || id != i {
				return nil, corrupt(err, fmt.Sprintf("record %d of partition %d routes elsewhere", j, i))
			}
		}
		if indexes[i], err = rtree.Decode[int](bytes.NewReader(trees[i])); err != nil {
			return nil, errors.Wrapf(err, "partition %d tree", i)
		}
		if indexes[i].Size() != len(parts[i]) {
			return nil, corrupt(nil, fmt.Sprintf("partition %d tree holds %d entries for %d records", i, indexes[i].Size(), len(parts[i])))
		}
		seen := make([]bool, len(parts[i]))
		for _, e := range indexes[i].Entries() {
			if e.Value < 0 || e.Value >= len(parts[i]) || seen[e.Value] {
				return nil, corrupt(nil, fmt.Sprintf("partition %d tree points at record %d", i, e.Value))
			}
			seen[e.Value] = true
		}
	}

	ds, err := spatial.FromPartitions(ctx, p, parts, indexes, opts...)
	if err != nil {
		return nil, corrupt(err, "reattaching partitions")
	}
	return ds, nil
}

func corrupt(err error, msg string) error {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return errors.Wrap(models.ErrIndexCorruption, msg)
}

func decodeMeta(raw []byte) (*Meta, error) {
	if raw == nil {
		return nil, corrupt(nil, "missing meta")
	}
	var meta Meta
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&meta); err != nil {
		return nil, corrupt(err, "decoding meta")
	}
	if meta.Version != formatVersion {
		return nil, corrupt(nil, fmt.Sprintf("format version %d", meta.Version))
	}
	return &meta, nil
}

func encodeRecords[V any](records []models.Record[V]) ([]byte, error) {
	data := recordBlob[V]{Records: make([]recordData[V], len(records))}
	for i, r := range records {
		raw, err := wkb.Marshal(r.Geometry, wkb.NDR)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d geometry", i)
		}
		data.Records[i] = recordData[V]{Geometry: raw, Value: r.Value, Time: r.Time}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecords[V any](raw []byte) ([]models.Record[V], error) {
	var data recordBlob[V]
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return nil, err
	}
	out := make([]models.Record[V], len(data.Records))
	for i, d := range data.Records {
		g, err := wkb.Unmarshal(d.Geometry)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d geometry", i)
		}
		out[i] = models.Record[V]{Geometry: g, Value: d.Value, Time: d.Time}
	}
	return out, nil
}

func treeKey(i int) []byte    { return []byte(fmt.Sprintf("p/%d/tree", i)) }
func recordsKey(i int) []byte { return []byte(fmt.Sprintf("p/%d/records", i)) }
