package pagedb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tailscroll/ledger/internal/ledger/status"
)

// pagedbTracer and pagedbMetrics follow the same package-level
// instrumentation pattern used for the Dolt-backed store this engine's
// ambient stack is grounded on: a tracer/meter pair registered once in
// init(), spans opened around Open and each Batch.Commit (point reads carry
// no span), and a batch-commit counter fed from bbolt.Tx outcomes.
var pagedbTracer = otel.Tracer("github.com/tailscroll/ledger/internal/ledger/pagedb")

var pagedbMetrics struct {
	batchCommits metric.Int64Counter
	batchRetries metric.Int64Counter
}

func init() {
	meter := otel.Meter("github.com/tailscroll/ledger/internal/ledger/pagedb")
	var err error
	pagedbMetrics.batchCommits, err = meter.Int64Counter(
		"ledger.pagedb.batch_commits",
		metric.WithDescription("number of PageDb batches committed"),
	)
	if err != nil {
		panic(err)
	}
	pagedbMetrics.batchRetries, err = meter.Int64Counter(
		"ledger.db.retry_count",
		metric.WithDescription("number of PageDb batch commit retries after a transient bbolt error"),
	)
	if err != nil {
		panic(err)
	}
}

var (
	bucketHeads         = []byte("heads")
	bucketCommits       = []byte("commits")
	bucketMerges        = []byte("merges")
	bucketObjects       = []byte("objects")
	bucketObjectStatus  = []byte("object_status")
	bucketRefs          = []byte("refs")
	bucketUnsyncedCmts  = []byte("unsynced_commits")
	bucketSyncMetadata  = []byte("sync_metadata")
	bucketClock         = []byte("clock")
	bucketMeta          = []byte("meta")
	keyPageOnline       = []byte("page_online")
	allBuckets          = [][]byte{bucketHeads, bucketCommits, bucketMerges, bucketObjects, bucketObjectStatus, bucketRefs, bucketUnsyncedCmts, bucketSyncMetadata, bucketClock, bucketMeta}
)

// boltDb is the bbolt-backed Db implementation: one bbolt file per page, at
// <page dir>/page.db (SPEC_FULL.md §6.6).
type boltDb struct {
	bolt *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures every
// logical-row bucket exists.
func Open(path string) (Db, error) {
	_, span := pagedbTracer.Start(context.Background(), "pagedb.Open", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	bdb, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		span.RecordError(err)
		return nil, status.Wrap(status.IOError, err)
	}
	db := &boltDb{bolt: bdb}
	if err := db.bolt.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		span.RecordError(err)
		return nil, status.Wrap(status.IOError, err)
	}
	return db, nil
}

func (d *boltDb) Close() error {
	if err := d.bolt.Close(); err != nil {
		return status.Wrap(status.IOError, err)
	}
	return nil
}

func mergeKey(a, b, c [32]byte) []byte {
	out := make([]byte, 0, 96)
	out = append(out, a[:]...)
	out = append(out, b[:]...)
	out = append(out, c[:]...)
	return out
}

func (d *boltDb) ListHeads() (map[[32]byte]time.Time, error) {
	out := make(map[[32]byte]time.Time)
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHeads).ForEach(func(k, v []byte) error {
			var id [32]byte
			copy(id[:], k)
			ns, _ := binary.Varint(v)
			out[id] = time.Unix(0, ns).UTC()
			return nil
		})
	})
	if err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	return out, nil
}

func (d *boltDb) GetCommit(id [32]byte) ([]byte, bool, error) {
	var raw []byte
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketCommits).Get(id[:])
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, status.Wrap(status.IOError, err)
	}
	return raw, raw != nil, nil
}

func (d *boltDb) HasMerge(a, b, c [32]byte) (bool, error) {
	var found bool
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketMerges).Get(mergeKey(a, b, c)) != nil
		return nil
	})
	if err != nil {
		return false, status.Wrap(status.IOError, err)
	}
	return found, nil
}

func (d *boltDb) GetPiece(digest string) ([]byte, bool, error) {
	var raw []byte
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get([]byte(digest))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, status.Wrap(status.IOError, err)
	}
	return raw, raw != nil, nil
}

func statusKey(s ObjectStatus, digest string) []byte {
	return []byte(fmt.Sprintf("%d/%s", s, digest))
}

func (d *boltDb) GetObjectStatus(digest string) (ObjectStatus, bool, error) {
	var found ObjectStatus
	var ok bool
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketObjectStatus)
		for _, s := range []ObjectStatus{StatusTransient, StatusLocal, StatusSynced} {
			if b.Get(statusKey(s, digest)) != nil {
				found, ok = s, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, status.Wrap(status.IOError, err)
	}
	return found, ok, nil
}

func (d *boltDb) ListByStatus(s ObjectStatus) ([]string, error) {
	prefix := []byte(fmt.Sprintf("%d/", s))
	var out []string
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketObjectStatus).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			out = append(out, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	return out, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func refKey(target, source []byte) []byte {
	out := make([]byte, 0, len(target)+len(source)+2)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(target)))
	out = append(out, lenBuf[:]...)
	out = append(out, target...)
	out = append(out, source...)
	return out
}

func (d *boltDb) ListSources(targetDigest string) ([]RefEntry, error) {
	target := []byte(targetDigest)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(target)))
	prefix := append(append([]byte(nil), lenBuf[:]...), target...)

	var out []RefEntry
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRefs).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			source := append([]byte(nil), k[len(prefix):]...)
			var priority byte
			if len(v) > 0 {
				priority = v[0]
			}
			out = append(out, RefEntry{Target: target, Source: source, Priority: priority})
		}
		return nil
	})
	if err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	return out, nil
}

func (d *boltDb) ListUnsyncedCommits() (map[[32]byte]uint64, error) {
	out := make(map[[32]byte]uint64)
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUnsyncedCmts).ForEach(func(k, v []byte) error {
			var id [32]byte
			copy(id[:], k)
			gen, _ := binary.Uvarint(v)
			out[id] = gen
			return nil
		})
	})
	if err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	return out, nil
}

func (d *boltDb) GetSyncMetadata(key string) ([]byte, bool, error) {
	var raw []byte
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSyncMetadata).Get([]byte(key))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, status.Wrap(status.IOError, err)
	}
	return raw, raw != nil, nil
}

func (d *boltDb) IsOnline() (bool, error) {
	var online bool
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		online = tx.Bucket(bucketMeta).Get(keyPageOnline) != nil
		return nil
	})
	if err != nil {
		return false, status.Wrap(status.IOError, err)
	}
	return online, nil
}

func (d *boltDb) GetClock(device string) ([]byte, bool, error) {
	var raw []byte
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketClock).Get([]byte(device))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, status.Wrap(status.IOError, err)
	}
	return raw, raw != nil, nil
}

func (d *boltDb) NewBatch() *Batch {
	return &Batch{db: d}
}

// Commit applies every accumulated mutation in one bbolt read-write
// transaction. Either all operations land or none do.
func (b *Batch) Commit(ctx context.Context) error {
	if b.Empty() {
		return nil
	}
	_, span := pagedbTracer.Start(ctx, "pagedb.Batch.Commit", trace.WithAttributes(attribute.Int("ledger.pagedb.op_count", len(b.ops))))
	defer span.End()

	err := b.db.bolt.Update(func(tx *bbolt.Tx) error {
		for _, op := range b.ops {
			if err := applyOp(tx, op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return status.Wrap(status.IOError, err)
	}
	pagedbMetrics.batchCommits.Add(ctx, 1)
	return nil
}

func applyOp(tx *bbolt.Tx, op batchOp) error {
	switch op.kind {
	case opPutHead:
		var buf [binary.MaxVarintLen64]byte
		n := binary.PutVarint(buf[:], op.timestamp.UTC().UnixNano())
		return tx.Bucket(bucketHeads).Put(op.commitID[:], buf[:n])
	case opDeleteHead:
		return tx.Bucket(bucketHeads).Delete(op.commitID[:])
	case opPutCommit:
		return tx.Bucket(bucketCommits).Put(op.commitID[:], op.bytes)
	case opPutMerge:
		return tx.Bucket(bucketMerges).Put(mergeKey(op.a, op.b, op.c), []byte{})
	case opPutPiece:
		return tx.Bucket(bucketObjects).Put([]byte(op.digest), op.bytes)
	case opSetStatus:
		b := tx.Bucket(bucketObjectStatus)
		if op.status != StatusSynced && b.Get(statusKey(StatusSynced, op.digest)) != nil {
			return nil
		}
		if err := b.Delete(statusKey(op.fromStatus, op.digest)); err != nil {
			return err
		}
		return b.Put(statusKey(op.status, op.digest), []byte{})
	case opDeletePiece:
		if err := tx.Bucket(bucketObjects).Delete([]byte(op.digest)); err != nil {
			return err
		}
		return tx.Bucket(bucketObjectStatus).Delete(statusKey(op.fromStatus, op.digest))
	case opPutRef:
		return tx.Bucket(bucketRefs).Put(refKey(op.ref.Target, op.ref.Source), []byte{op.ref.Priority})
	case opDeleteRef:
		return tx.Bucket(bucketRefs).Delete(refKey(op.ref.Target, op.ref.Source))
	case opPutUnsynced:
		var buf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(buf[:], op.generation)
		return tx.Bucket(bucketUnsyncedCmts).Put(op.commitID[:], buf[:n])
	case opDeleteUnsynced:
		return tx.Bucket(bucketUnsyncedCmts).Delete(op.commitID[:])
	case opSetSyncMetadata:
		return tx.Bucket(bucketSyncMetadata).Put([]byte(op.key), op.bytes)
	case opSetOnline:
		if op.online {
			return tx.Bucket(bucketMeta).Put(keyPageOnline, []byte{1})
		}
		return tx.Bucket(bucketMeta).Delete(keyPageOnline)
	case opPutClock:
		return tx.Bucket(bucketClock).Put([]byte(op.key), op.bytes)
	default:
		return fmt.Errorf("pagedb: unknown batch op %d", op.kind)
	}
}
