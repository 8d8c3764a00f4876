/*
Package itemstore implements a durable, transactional ordered map of
records organized into tables, backed by BoltDB (go.etcd.io/bbolt).

A table has a name, a set of unique indexed fields (mandatory on
insert, used to compute the table's primary key), a set of plain
indexed fields (queryable but not required), and an opaque body
carrying the full record as JSON.

	┌────────────────────── ITEM STORE FILE ───────────────────────┐
	│  bucket "_tables"          name -> json(tableMeta)            │
	│  bucket "t:<name>"                                            │
	│    sub-bucket "data"       pk -> json(record)                │
	│    sub-bucket "uniq:<f>"   value -> pk                        │
	│    sub-bucket "idx:<f>"    value -> nested bucket of pk set   │
	└────────────────────────────────────────────────────────────────┘

This mirrors the original implementation's SQLite table, where unique
fields become the primary key (or UNIQUE columns when more than one is
declared) and plain fields become ordinary indices — reworked here onto
BoltDB's bucket-of-buckets model instead of SQL.
*/
package itemstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/paasd/pkg/paaserr"
)

// Index describes one indexed field of a table.
type Index struct {
	Field  string
	Unique bool
}

// TableInfo is a snapshot of one table's schema and size.
type TableInfo struct {
	Name    string
	Count   int
	Indices []Index
}

type tableMeta struct {
	Indices []Index
}

func (m tableMeta) primary() (string, bool) {
	for _, idx := range m.Indices {
		if idx.Unique {
			return idx.Field, true
		}
	}
	return "", false
}

func (m tableMeta) field(name string) (Index, bool) {
	for _, idx := range m.Indices {
		if idx.Field == name {
			return idx, true
		}
	}
	return Index{}, false
}

var tablesBucket = []byte("_tables")

// Store is a single BoltDB-backed item store, typically one per
// telemetry group or one for the deploy-time secret/service map.
type Store struct {
	db       *bolt.DB
	path     string
	inWriter int32 // atomic: non-zero while an Update transaction is open
}

// Open opens (creating if necessary) the item store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, paaserr.New(paaserr.Integrity, "itemstore.Open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tablesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, paaserr.New(paaserr.Integrity, "itemstore.Open", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) readMeta(tx *bolt.Tx, table string) (tableMeta, bool) {
	b := tx.Bucket(tablesBucket)
	raw := b.Get([]byte(table))
	if raw == nil {
		return tableMeta{}, false
	}
	var m tableMeta
	_ = json.Unmarshal(raw, &m)
	return m, true
}

// Ensure creates the table if absent, and adds any missing plain
// indices. It rejects adding a unique index to an existing table and
// rejects promoting or demoting an index between plain and unique.
func (s *Store) Ensure(table string, indices []Index) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, exists := s.readMeta(tx, table)
		if !exists {
			if _, err := tx.CreateBucketIfNotExists(tableBucketName(table)); err != nil {
				return err
			}
			tb, _ := tx.CreateBucketIfNotExists(tableBucketName(table))
			if _, err := tb.CreateBucketIfNotExists([]byte("data")); err != nil {
				return err
			}
			meta = tableMeta{}
			for _, idx := range indices {
				meta.Indices = append(meta.Indices, idx)
				if err := ensureIndexBucket(tb, idx); err != nil {
					return err
				}
			}
			return s.writeMeta(tx, table, meta)
		}

		tb := tx.Bucket(tableBucketName(table))
		changed := false
		for _, want := range indices {
			existing, found := meta.field(want.Field)
			if found {
				if existing.Unique != want.Unique {
					return paaserr.New(paaserr.Integrity, "itemstore.Ensure",
						fmt.Errorf("index %q cannot change uniqueness on table %q", want.Field, table))
				}
				continue
			}
			if want.Unique {
				return paaserr.New(paaserr.Integrity, "itemstore.Ensure",
					fmt.Errorf("cannot add unique index %q to existing table %q", want.Field, table))
			}
			meta.Indices = append(meta.Indices, want)
			if err := ensureIndexBucket(tb, want); err != nil {
				return err
			}
			changed = true
		}
		if changed {
			return s.writeMeta(tx, table, meta)
		}
		return nil
	})
}

func ensureIndexBucket(tb *bolt.Bucket, idx Index) error {
	name := indexBucketName(idx)
	_, err := tb.CreateBucketIfNotExists(name)
	return err
}

func (s *Store) writeMeta(tx *bolt.Tx, table string, meta tableMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return tx.Bucket(tablesBucket).Put([]byte(table), raw)
}

func tableBucketName(table string) []byte { return []byte("t:" + table) }

func indexBucketName(idx Index) []byte {
	if idx.Unique {
		return []byte("uniq:" + idx.Field)
	}
	return []byte("idx:" + idx.Field)
}

// GetTableInfo returns a snapshot of every table's schema and row count.
func (s *Store) GetTableInfo() ([]TableInfo, error) {
	var out []TableInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		tb := tx.Bucket(tablesBucket)
		return tb.ForEach(func(k, v []byte) error {
			var meta tableMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			count := 0
			if data := dataBucket(tx, string(k)); data != nil {
				count = data.Stats().KeyN
			}
			out = append(out, TableInfo{Name: string(k), Count: count, Indices: meta.Indices})
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func dataBucket(tx *bolt.Tx, table string) *bolt.Bucket {
	tb := tx.Bucket(tableBucketName(table))
	if tb == nil {
		return nil
	}
	return tb.Bucket([]byte("data"))
}

// SelectAll returns every record in the table, ordered by primary key.
func (s *Store) SelectAll(table string) ([]map[string]any, error) {
	var out []map[string]any
	err := s.db.View(func(tx *bolt.Tx) error {
		data := dataBucket(tx, table)
		if data == nil {
			return paaserr.New(paaserr.Integrity, "itemstore.SelectAll", fmt.Errorf("no such table %q", table))
		}
		return data.ForEach(func(_, v []byte) error {
			var rec map[string]any
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// CountAll returns the number of records in the table.
func (s *Store) CountAll(table string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		data := dataBucket(tx, table)
		if data == nil {
			return paaserr.New(paaserr.Integrity, "itemstore.CountAll", fmt.Errorf("no such table %q", table))
		}
		n = data.Stats().KeyN
		return nil
	})
	return n, err
}

func encodeIndexValue(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	default:
		return json.Marshal(v)
	}
}

// Select returns every record whose indexed field equals value. field
// must be one of the table's declared indices (unique or plain).
func (s *Store) Select(table, field string, value any) ([]map[string]any, error) {
	var out []map[string]any
	err := s.db.View(func(tx *bolt.Tx) error {
		meta, exists := s.readMeta(tx, table)
		if !exists {
			return paaserr.New(paaserr.Integrity, "itemstore.Select", fmt.Errorf("no such table %q", table))
		}
		idx, found := meta.field(field)
		if !found {
			return paaserr.New(paaserr.Integrity, "itemstore.Select", fmt.Errorf("field %q is not indexed on table %q", field, table))
		}
		tb := tx.Bucket(tableBucketName(table))
		data := tb.Bucket([]byte("data"))
		key, err := encodeIndexValue(value)
		if err != nil {
			return err
		}
		pks, err := lookupIndex(tb, idx, key)
		if err != nil {
			return err
		}
		for _, pk := range pks {
			raw := data.Get(pk)
			if raw == nil {
				continue
			}
			var rec map[string]any
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func lookupIndex(tb *bolt.Bucket, idx Index, key []byte) ([][]byte, error) {
	ib := tb.Bucket(indexBucketName(idx))
	if ib == nil {
		return nil, nil
	}
	if idx.Unique {
		pk := ib.Get(key)
		if pk == nil {
			return nil, nil
		}
		return [][]byte{append([]byte{}, pk...)}, nil
	}
	set := ib.Bucket(key)
	if set == nil {
		return nil, nil
	}
	var pks [][]byte
	err := set.ForEach(func(k, _ []byte) error {
		pks = append(pks, append([]byte{}, k...))
		return nil
	})
	return pks, err
}

// Count returns the number of records whose indexed field equals value.
func (s *Store) Count(table, field string, value any) (int, error) {
	rows, err := s.Select(table, field, value)
	return len(rows), err
}

// SelectOne returns the first record matching field=value, or found=false.
func (s *Store) SelectOne(table, field string, value any) (rec map[string]any, found bool, err error) {
	rows, err := s.Select(table, field, value)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}

// Tx is a write transaction. Every Put, and any Select performed
// through it, observes a consistent snapshot guarded by BoltDB's
// single-writer lock.
type Tx struct {
	store *Store
	btx   *bolt.Tx
}

// Update runs fn inside an exclusive write transaction. A second call
// to Update from the same goroutine while one is already open fails
// fast instead of deadlocking against BoltDB's single-writer lock,
// mirroring "only one transaction may be entered per connection at a
// time; re-entry fails".
func (s *Store) Update(fn func(tx *Tx) error) error {
	if !atomic.CompareAndSwapInt32(&s.inWriter, 0, 1) {
		return paaserr.New(paaserr.Integrity, "itemstore.Update", fmt.Errorf("transaction already open on this store"))
	}
	defer atomic.StoreInt32(&s.inWriter, 0)

	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{store: s, btx: btx})
	})
}

// Put inserts or replaces records by their table's primary (first
// unique) index. It fails with an Integrity error if a required
// unique field is missing from a record, or if the table was never
// declared via Ensure.
func (tx *Tx) Put(table string, records ...map[string]any) error {
	meta, exists := tx.store.readMeta(tx.btx, table)
	if !exists {
		return paaserr.New(paaserr.Integrity, "itemstore.Put", fmt.Errorf("no such table %q", table))
	}
	primary, ok := meta.primary()
	if !ok {
		return paaserr.New(paaserr.Integrity, "itemstore.Put", fmt.Errorf("table %q has no unique index", table))
	}
	tb := tx.btx.Bucket(tableBucketName(table))
	data := tb.Bucket([]byte("data"))

	for _, rec := range records {
		pkVal, ok := rec[primary]
		if !ok || pkVal == nil || pkVal == "" {
			return paaserr.New(paaserr.Integrity, "itemstore.Put", fmt.Errorf("record missing required unique field %q", primary))
		}
		pk, err := encodeIndexValue(pkVal)
		if err != nil {
			return err
		}

		// Clear this record's old index entries before writing, in
		// case an indexed field's value changed since the last put.
		if old := data.Get(pk); old != nil {
			var oldRec map[string]any
			if err := json.Unmarshal(old, &oldRec); err == nil {
				if err := removeFromIndices(tb, meta, oldRec, pk); err != nil {
					return err
				}
			}
		}

		for _, idx := range meta.Indices {
			val, present := rec[idx.Field]
			if !present {
				if idx.Unique {
					return paaserr.New(paaserr.Integrity, "itemstore.Put", fmt.Errorf("record missing required unique field %q", idx.Field))
				}
				continue
			}
			key, err := encodeIndexValue(val)
			if err != nil {
				return err
			}
			if err := addToIndex(tb, idx, key, pk); err != nil {
				return err
			}
		}

		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := data.Put(pk, raw); err != nil {
			return err
		}
	}
	return nil
}

func addToIndex(tb *bolt.Bucket, idx Index, key, pk []byte) error {
	ib, err := tb.CreateBucketIfNotExists(indexBucketName(idx))
	if err != nil {
		return err
	}
	if idx.Unique {
		return ib.Put(key, pk)
	}
	set, err := ib.CreateBucketIfNotExists(key)
	if err != nil {
		return err
	}
	return set.Put(pk, []byte{})
}

func removeFromIndices(tb *bolt.Bucket, meta tableMeta, oldRec map[string]any, pk []byte) error {
	for _, idx := range meta.Indices {
		val, present := oldRec[idx.Field]
		if !present {
			continue
		}
		key, err := encodeIndexValue(val)
		if err != nil {
			return err
		}
		ib := tb.Bucket(indexBucketName(idx))
		if ib == nil {
			continue
		}
		if idx.Unique {
			if existing := ib.Get(key); bytes.Equal(existing, pk) {
				if err := ib.Delete(key); err != nil {
					return err
				}
			}
			continue
		}
		set := ib.Bucket(key)
		if set != nil {
			_ = set.Delete(pk)
		}
	}
	return nil
}

// Select performs a read within the open write transaction, seeing
// its own uncommitted writes.
func (tx *Tx) Select(table, field string, value any) ([]map[string]any, error) {
	meta, exists := tx.store.readMeta(tx.btx, table)
	if !exists {
		return nil, paaserr.New(paaserr.Integrity, "itemstore.Select", fmt.Errorf("no such table %q", table))
	}
	idx, found := meta.field(field)
	if !found {
		return nil, paaserr.New(paaserr.Integrity, "itemstore.Select", fmt.Errorf("field %q is not indexed on table %q", field, table))
	}
	tb := tx.btx.Bucket(tableBucketName(table))
	data := tb.Bucket([]byte("data"))
	key, err := encodeIndexValue(value)
	if err != nil {
		return nil, err
	}
	pks, err := lookupIndex(tb, idx, key)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, pk := range pks {
		raw := data.Get(pk)
		if raw == nil {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SelectOne is Select's single-result convenience form.
func (tx *Tx) SelectOne(table, field string, value any) (map[string]any, bool, error) {
	rows, err := tx.Select(table, field, value)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}
