// Package pagedb implements the per-page persistent key/value backing store
// (spec.md §4.6): a key-partitioned table with atomic batch semantics,
// backed by go.etcd.io/bbolt.
package pagedb

import (
	"time"

	"github.com/tailscroll/ledger/internal/ledger/status"
)

// ObjectStatus enumerates a piece's position in the TRANSIENT → LOCAL →
// SYNCED lifecycle (spec.md §3). Transitions are monotonic: a piece marked
// SYNCED can never be re-marked LOCAL or TRANSIENT (invariant, spec.md §4.6).
type ObjectStatus uint8

const (
	StatusTransient ObjectStatus = iota
	StatusLocal
	StatusSynced
)

func (s ObjectStatus) String() string {
	switch s {
	case StatusTransient:
		return "TRANSIENT"
	case StatusLocal:
		return "LOCAL"
	case StatusSynced:
		return "SYNCED"
	default:
		return "UNKNOWN_STATUS"
	}
}

// CanTransitionTo enforces the monotonic lifecycle invariant.
func (s ObjectStatus) CanTransitionTo(next ObjectStatus) bool {
	if s == StatusSynced {
		return next == StatusSynced
	}
	return true
}

// RefEntry is one persisted outbound reference row: `refs/<target>/<source>`
// in spec.md's table, value = priority.
type RefEntry struct {
	Target   []byte // digest wire bytes
	Source   []byte // digest wire bytes
	Priority byte
}

// Db is the persistent key/value backing store for one page. Every mutating
// method is exposed only through Batch so callers get atomic multi-row
// commits; read methods are independent point lookups.
type Db interface {
	// Heads.
	ListHeads() (map[[32]byte]time.Time, error)

	// Commits.
	GetCommit(id [32]byte) ([]byte, bool, error)

	// Merges: has merge-commit c recorded with parents a,b.
	HasMerge(a, b, c [32]byte) (bool, error)

	// Objects.
	GetPiece(digestBytes string) ([]byte, bool, error)
	GetObjectStatus(digestBytes string) (ObjectStatus, bool, error)
	ListByStatus(s ObjectStatus) ([]string, error)

	// References.
	ListSources(targetDigestBytes string) ([]RefEntry, error)

	// Sync bookkeeping.
	ListUnsyncedCommits() (map[[32]byte]uint64, error)
	GetSyncMetadata(key string) ([]byte, bool, error)
	IsOnline() (bool, error)
	GetClock(device string) ([]byte, bool, error)

	// NewBatch starts an accumulating set of mutations; nothing is visible
	// to readers until Commit is called.
	NewBatch() *Batch

	Close() error
}

type opKind int

const (
	opPutHead opKind = iota
	opDeleteHead
	opPutCommit
	opPutMerge
	opPutPiece
	opSetStatus
	opClearStatus
	opDeletePiece
	opPutRef
	opDeleteRef
	opPutUnsynced
	opDeleteUnsynced
	opSetSyncMetadata
	opSetOnline
	opPutClock
)

type batchOp struct {
	kind       opKind
	commitID   [32]byte
	timestamp  time.Time
	bytes      []byte
	a, b, c    [32]byte
	digest     string
	status     ObjectStatus
	fromStatus ObjectStatus
	ref        RefEntry
	generation uint64
	key        string
	online     bool
}

// Batch accumulates mutations for one atomic commit, mirroring
// PageDb.Batch in spec.md §4.6 ("accumulates mutations and commits them
// atomically").
type Batch struct {
	db  *boltDb
	ops []batchOp
}

func (b *Batch) PutHead(id [32]byte, ts time.Time) {
	b.ops = append(b.ops, batchOp{kind: opPutHead, commitID: id, timestamp: ts})
}

func (b *Batch) DeleteHead(id [32]byte) {
	b.ops = append(b.ops, batchOp{kind: opDeleteHead, commitID: id})
}

func (b *Batch) PutCommit(id [32]byte, storageBytes []byte) {
	b.ops = append(b.ops, batchOp{kind: opPutCommit, commitID: id, bytes: storageBytes})
}

func (b *Batch) PutMerge(a, c2, c [32]byte) {
	b.ops = append(b.ops, batchOp{kind: opPutMerge, a: a, b: c2, c: c})
}

func (b *Batch) PutPiece(digest string, raw []byte) {
	b.ops = append(b.ops, batchOp{kind: opPutPiece, digest: digest, bytes: raw})
}

// SetStatus moves digest's object_status row from fromStatus (ignored if
// the digest has no current row) to status. A digest that already has a
// SYNCED row is left as it is unless status is SYNCED.
func (b *Batch) SetStatus(digest string, fromStatus, status ObjectStatus) {
	b.ops = append(b.ops, batchOp{kind: opSetStatus, digest: digest, status: status, fromStatus: fromStatus})
}

func (b *Batch) DeletePiece(digest string, fromStatus ObjectStatus) {
	b.ops = append(b.ops, batchOp{kind: opDeletePiece, digest: digest, fromStatus: fromStatus})
}

func (b *Batch) PutRef(ref RefEntry) {
	b.ops = append(b.ops, batchOp{kind: opPutRef, ref: ref})
}

func (b *Batch) DeleteRef(ref RefEntry) {
	b.ops = append(b.ops, batchOp{kind: opDeleteRef, ref: ref})
}

func (b *Batch) PutUnsynced(id [32]byte, generation uint64) {
	b.ops = append(b.ops, batchOp{kind: opPutUnsynced, commitID: id, generation: generation})
}

func (b *Batch) DeleteUnsynced(id [32]byte) {
	b.ops = append(b.ops, batchOp{kind: opDeleteUnsynced, commitID: id})
}

func (b *Batch) SetSyncMetadata(key string, value []byte) {
	b.ops = append(b.ops, batchOp{kind: opSetSyncMetadata, key: key, bytes: value})
}

func (b *Batch) SetOnline(online bool) {
	b.ops = append(b.ops, batchOp{kind: opSetOnline, online: online})
}

func (b *Batch) PutClock(device string, entry []byte) {
	b.ops = append(b.ops, batchOp{kind: opPutClock, key: device, bytes: entry})
}

// Empty reports whether any mutation was recorded; Batch.Commit uses this
// to skip the bbolt transaction when there is nothing to write.
func (b *Batch) Empty() bool { return len(b.ops) == 0 }

// ErrNotFound classifies a point lookup miss. Callers translate this into
// INTERNAL_NOT_FOUND or OBJECT_NOT_FOUND depending on whether local presence
// was expected (spec.md §7).
var ErrNotFound = status.New(status.InternalNotFound, "pagedb: key not found")
