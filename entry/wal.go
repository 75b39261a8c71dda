package entry

import (
	"encoding/binary"
	"sync"

	pkgerrors "github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// WALOp is the persisted operation byte (§6).
type WALOp uint8

const (
	WALCreate WALOp = 1
	WALUpdate WALOp = 2
	WALDelete WALOp = 3
)

// WALFlags are the persisted flag bits (§6).
type WALFlags uint8

const (
	WALFlagPrimary WALFlags = 1 << iota
	WALFlagPreload
	WALFlagFromStore
)

// DataRecord carries the §6 WAL record fields in order: cacheId(u32),
// key, value?, op(u8), nearXid?, writeVer, expireTime(i64 unix nanos),
// partition(u32), updateCounter(i64), flags(u8). BoltWAL's byte form
// (encodeRecord) length-prefixes key and value and writes only the Order
// component (8 bytes) of nearXid and writeVer.
type DataRecord struct {
	CacheID       uint32
	Key           []byte
	Value         []byte // nil for tombstones
	Op            WALOp
	NearXid       *Version
	WriteVer      Version
	ExpireTimeNs  int64
	Partition     uint32
	UpdateCounter int64
	Flags         WALFlags
}

// WALPointer identifies a previously appended record (an LSN-like handle).
type WALPointer uint64

// WAL is the §6 append-only, multi-producer write-ahead log contract.
type WAL interface {
	Append(rec DataRecord) (WALPointer, error)
	Close() error
}

// --- MemWAL ---------------------------------------------------------------

// MemWAL is an in-memory reference WAL used in tests and for caches that
// don't need durability across process restarts.
type MemWAL struct {
	mu      sync.Mutex
	records []DataRecord
	next    WALPointer
}

func NewMemWAL() *MemWAL {
	return &MemWAL{}
}

func (w *MemWAL) Append(rec DataRecord) (WALPointer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	w.records = append(w.records, rec)
	return w.next, nil
}

func (w *MemWAL) Close() error { return nil }

// Records returns a snapshot of everything appended so far, in append
// order — used by tests asserting WAL-order-equals-version-order (§5).
func (w *MemWAL) Records() []DataRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]DataRecord, len(w.records))
	copy(out, w.records)
	return out
}

// --- BoltWAL ----------------------------------------------------------

// BoltWAL persists DataRecords into a dedicated bbolt bucket keyed by a
// monotonic sequence number, grounded on bobboyms-storage-engine's
// LSN-tracker + checkpoint split (DESIGN.md C6).
type BoltWAL struct {
	db     *bolt.DB
	bucket []byte
}

func NewBoltWAL(path string) (*BoltWAL, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "wal: open bbolt")
	}
	bucket := []byte("wal")
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "wal: create bucket")
	}
	return &BoltWAL{db: db, bucket: bucket}, nil
}

func (w *BoltWAL) Append(rec DataRecord) (WALPointer, error) {
	var lsn WALPointer
	err := w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(w.bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		lsn = WALPointer(seq)
		return b.Put(seqKey(seq), encodeRecord(rec))
	})
	if err != nil {
		return 0, wrapStorage(err, "wal: append")
	}
	return lsn, nil
}

func (w *BoltWAL) Close() error {
	return w.db.Close()
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// encodeRecord is a simple length-prefixed encoding; it exists so
// BoltWAL has no dependency on the caller's value serialization format.
func encodeRecord(rec DataRecord) []byte {
	buf := make([]byte, 0, 64+len(rec.Key)+len(rec.Value))
	putU32 := func(v uint32) { buf = binary.BigEndian.AppendUint32(buf, v) }
	putU64 := func(v uint64) { buf = binary.BigEndian.AppendUint64(buf, v) }
	putBytes := func(b []byte) { putU32(uint32(len(b))); buf = append(buf, b...) }

	putU32(rec.CacheID)
	putBytes(rec.Key)
	putBytes(rec.Value)
	buf = append(buf, byte(rec.Op))
	if rec.NearXid != nil {
		buf = append(buf, 1)
		putU64(rec.NearXid.Order)
	} else {
		buf = append(buf, 0)
	}
	putU64(rec.WriteVer.Order)
	putU64(uint64(rec.ExpireTimeNs))
	putU32(rec.Partition)
	putU64(uint64(rec.UpdateCounter))
	buf = append(buf, byte(rec.Flags))
	return buf
}
