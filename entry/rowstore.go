package entry

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	pkgerrors "github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Row is the physical record held by the row store (§3). Link is an
// opaque physical pointer; two rows with the same Link represent an
// in-place update (§6).
type Row struct {
	Key        []byte
	Value      *CacheObject
	Version    Version
	ExpireTime time.Time
	Link       uint64
}

// RowOp is what a RowStore.Invoke closure asks the store to do.
type RowOp int

const (
	RowOpNoop RowOp = iota
	RowOpPut
	RowOpInPlace
	RowOpRemove
)

// InvokeClosure receives the current row (nil if absent) and returns the
// op to perform plus, for Put/InPlace, the new row to store.
type InvokeClosure func(current *Row) (RowOp, *Row, error)

// RowStore is the §6 row-store contract: Invoke must hold a per-row latch
// for the duration of the closure. The entry engine calls Invoke once per
// row write or removal; C8's 13-step closure runs under the entry lock,
// not inside a single Invoke call.
type RowStore interface {
	// Invoke runs fn under the row's latch for (cacheID, key) and applies
	// whatever RowOp it returns.
	Invoke(cacheID uint32, key []byte, partition uint32, fn InvokeClosure) error
	// Read returns the current row without taking the invoke latch —
	// callers that only need a point-in-time read (C7 get's cold path)
	// use this instead of Invoke with a no-op closure.
	Read(cacheID uint32, key []byte) (*Row, bool, error)
	Close() error
}

// rowKey identifies a row uniquely across caches.
type rowKey struct {
	cacheID uint32
	key     string
}

// --- LRUStore -----------------------------------------------------------

// LRUStore is the in-memory RowStore reference implementation. It stands
// in for the real offheap B+tree (out of scope per spec.md §1): a
// capacity-bounded, evictable map gives the same "bounded backing store"
// shape without claiming to be a durable tree. Grounded on
// github.com/hashicorp/golang-lru/v2 (see DESIGN.md C5).
type LRUStore struct {
	mu      sync.Mutex
	rows    *lru.Cache[rowKey, *Row]
	latches map[rowKey]*sync.Mutex
	latchMu sync.Mutex
	nextLnk uint64
}

// NewLRUStore creates an in-memory row store bounded to capacity rows.
// capacity<=0 means unbounded (backed by a very large cache size).
func NewLRUStore(capacity int) (*LRUStore, error) {
	if capacity <= 0 {
		capacity = 1 << 20
	}
	c, err := lru.New[rowKey, *Row](capacity)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "rowstore: create lru")
	}
	return &LRUStore{rows: c, latches: make(map[rowKey]*sync.Mutex)}, nil
}

func (s *LRUStore) latch(k rowKey) *sync.Mutex {
	s.latchMu.Lock()
	defer s.latchMu.Unlock()
	m, ok := s.latches[k]
	if !ok {
		m = &sync.Mutex{}
		s.latches[k] = m
	}
	return m
}

func (s *LRUStore) Invoke(cacheID uint32, key []byte, partition uint32, fn InvokeClosure) error {
	k := rowKey{cacheID: cacheID, key: string(key)}
	lk := s.latch(k)
	lk.Lock()
	defer lk.Unlock()

	s.mu.Lock()
	cur, _ := s.rows.Get(k)
	s.mu.Unlock()

	op, newRow, err := fn(cur)
	if err != nil {
		return err
	}

	switch op {
	case RowOpNoop:
		return nil
	case RowOpPut:
		s.mu.Lock()
		s.nextLnk++
		newRow.Link = s.nextLnk
		s.rows.Add(k, newRow)
		s.mu.Unlock()
	case RowOpInPlace:
		if cur == nil {
			return pkgerrors.New("rowstore: in-place op with no existing row")
		}
		newRow.Link = cur.Link
		s.mu.Lock()
		s.rows.Add(k, newRow)
		s.mu.Unlock()
	case RowOpRemove:
		s.mu.Lock()
		s.rows.Remove(k)
		s.mu.Unlock()
	}
	return nil
}

func (s *LRUStore) Read(cacheID uint32, key []byte) (*Row, bool, error) {
	k := rowKey{cacheID: cacheID, key: string(key)}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows.Get(k)
	return r, ok, nil
}

func (s *LRUStore) Close() error { return nil }

// --- BoltStore ------------------------------------------------------------

// BoltStore is a durable RowStore backed by go.etcd.io/bbolt, exercising
// the same interface against an embedded on-disk store (DESIGN.md C5).
// Rows are gob-free: callers are expected to pass CacheObjects whose
// Serialized() form is already populated when durability matters, since
// row storage itself does not know how to marshal arbitrary Go values.
type BoltStore struct {
	db         *bolt.DB
	bucket     []byte
	mu         sync.Mutex
	rowLatches map[rowKey]*sync.Mutex
	encode     func(*Row) ([]byte, error)
	decode     func([]byte) (*Row, error)
	nextLnk    uint64
}

// NewBoltStore opens (creating if needed) a bbolt database at path with a
// single bucket for rows. encode/decode let the caller choose a wire
// format for Row (the store itself stays format-agnostic).
func NewBoltStore(path string, encode func(*Row) ([]byte, error), decode func([]byte) (*Row, error)) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "rowstore: open bbolt")
	}
	bucket := []byte("rows")
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "rowstore: create bucket")
	}
	return &BoltStore{
		db: db, bucket: bucket,
		rowLatches: make(map[rowKey]*sync.Mutex),
		encode:     encode, decode: decode,
	}, nil
}

func (s *BoltStore) latch(k rowKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rowLatches[k]
	if !ok {
		m = &sync.Mutex{}
		s.rowLatches[k] = m
	}
	return m
}

func boltKey(cacheID uint32, key []byte) []byte {
	out := make([]byte, 4+len(key))
	out[0] = byte(cacheID >> 24)
	out[1] = byte(cacheID >> 16)
	out[2] = byte(cacheID >> 8)
	out[3] = byte(cacheID)
	copy(out[4:], key)
	return out
}

func (s *BoltStore) Invoke(cacheID uint32, key []byte, partition uint32, fn InvokeClosure) error {
	k := rowKey{cacheID: cacheID, key: string(key)}
	lk := s.latch(k)
	lk.Lock()
	defer lk.Unlock()

	bk := boltKey(cacheID, key)

	var cur *Row
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		raw := b.Get(bk)
		if raw == nil {
			return nil
		}
		r, derr := s.decode(raw)
		if derr != nil {
			return derr
		}
		cur = r
		return nil
	})
	if err != nil {
		return wrapStorage(err, "rowstore: bolt read")
	}

	op, newRow, err := fn(cur)
	if err != nil {
		return err
	}

	switch op {
	case RowOpNoop:
		return nil
	case RowOpPut, RowOpInPlace:
		if op == RowOpInPlace && cur != nil {
			newRow.Link = cur.Link
		} else {
			s.mu.Lock()
			s.nextLnk++
			newRow.Link = s.nextLnk
			s.mu.Unlock()
		}
		raw, eerr := s.encode(newRow)
		if eerr != nil {
			return eerr
		}
		err = s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(s.bucket).Put(bk, raw)
		})
		if err != nil {
			return wrapStorage(err, "rowstore: bolt write")
		}
	case RowOpRemove:
		err = s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(s.bucket).Delete(bk)
		})
		if err != nil {
			return wrapStorage(err, "rowstore: bolt delete")
		}
	}
	return nil
}

func (s *BoltStore) Read(cacheID uint32, key []byte) (*Row, bool, error) {
	bk := boltKey(cacheID, key)
	var row *Row
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(s.bucket).Get(bk)
		if raw == nil {
			return nil
		}
		r, derr := s.decode(raw)
		if derr != nil {
			return derr
		}
		row = r
		return nil
	})
	if err != nil {
		return nil, false, wrapStorage(err, "rowstore: bolt read")
	}
	return row, row != nil, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
