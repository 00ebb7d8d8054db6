package ledger

import (
	"sync"

	"github.com/tailscroll/ledger/internal/ledger/status"
)

// JournalState tracks a Journal's lifecycle.
type JournalState int

const (
	JournalOpen JournalState = iota
	JournalCommitted
	JournalRolledBack
)

// opKind distinguishes the three operations a journal records.
type opKind int

const (
	opPut opKind = iota
	opDelete
	opClear
)

type journalOp struct {
	kind     opKind
	key      []byte
	value    ObjectIdentifier
	priority Priority
	entryID  []byte
}

// JournalKind distinguishes an explicit (client-controlled) journal from an
// implicit one created for a single mutation (spec.md §4.4).
type JournalKind int

const (
	JournalExplicit JournalKind = iota
	JournalImplicit
)

// Journal is a mutable staging area over a base commit (or two, for a
// merge). Operations accumulate in submission order; Commit replays them
// onto the base root via a Mutator to produce the new commit.
type Journal struct {
	mu sync.Mutex

	Kind  JournalKind
	Base  Commit
	Left  *Commit // set only for a merge journal
	Right *Commit

	state JournalState
	ops   []journalOp
}

// NewJournal starts a journal over a single base commit (StartCommit).
func NewJournal(kind JournalKind, base Commit) *Journal {
	return &Journal{Kind: kind, Base: base, state: JournalOpen}
}

// NewMergeJournal starts a journal over two parents (StartMergeCommit). Its
// resulting commit will carry both as ParentIDs.
func NewMergeJournal(left, right Commit) *Journal {
	return &Journal{Kind: JournalExplicit, Base: left, Left: &left, Right: &right, state: JournalOpen}
}

// IsMerge reports whether this journal was started over two parents.
func (j *Journal) IsMerge() bool { return j.Left != nil }

func (j *Journal) checkWritable() error {
	if j.state != JournalOpen {
		return status.New(status.IllegalState, "write to a journal that is not open")
	}
	return nil
}

// Put records a Put(key, value, priority) operation. A key longer than
// MaxKeySize fails here before any operation is recorded; Page.PutWithPriority
// applies the same check before storing the value, so a 257-byte key leaves
// no piece or journal state behind, matching S6.
func (j *Journal) Put(key []byte, value ObjectIdentifier, priority Priority, entryID []byte) error {
	if len(key) > MaxKeySize {
		return status.Newf(status.InvalidArgument, "key of %d bytes exceeds max %d", len(key), MaxKeySize)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkWritable(); err != nil {
		return err
	}
	j.ops = append(j.ops, journalOp{kind: opPut, key: append([]byte(nil), key...), value: value, priority: priority, entryID: entryID})
	return nil
}

// Delete records a Delete(key) operation.
func (j *Journal) Delete(key []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkWritable(); err != nil {
		return err
	}
	j.ops = append(j.ops, journalOp{kind: opDelete, key: append([]byte(nil), key...)})
	return nil
}

// Clear records a Clear() operation, which also discards every operation
// recorded before it (spec.md §4.4: "Clear() (which also resets all prior
// operations in the journal)").
func (j *Journal) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkWritable(); err != nil {
		return err
	}
	j.ops = []journalOp{{kind: opClear}}
	return nil
}

// IsNoop reports whether this journal has no recorded operations, in which
// case CommitJournal must suppress creating a new commit and return the
// base commit id instead (spec.md §4.4).
func (j *Journal) IsNoop() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.ops) == 0
}

// Rollback marks the journal rolled back; further writes fail with
// ILLEGAL_STATE. Safe to call on an already-committed or already-rolled-back
// journal (idempotent no-op), matching the cancellation contract in
// spec.md §5 ("rolls back any in-progress explicit journal").
func (j *Journal) Rollback() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == JournalOpen {
		j.state = JournalRolledBack
	}
}

// markCommitted transitions the journal to committed. Called by
// PageStorage.CommitJournal once the new Commit has been durably written.
func (j *Journal) markCommitted() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = JournalCommitted
}

// State returns the journal's current lifecycle state.
func (j *Journal) State() JournalState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Apply replays this journal's recorded operations onto baseRoot using m,
// returning the resulting B-tree root. Used by CommitJournal (against the
// durable Mutator) and by Page.GetPendingChanges (against a throwaway
// in-memory Mutator, to preview the journal's effect without persisting
// anything).
func (j *Journal) Apply(m *Mutator, baseRoot ObjectIdentifier) (ObjectIdentifier, error) {
	j.mu.Lock()
	ops := append([]journalOp(nil), j.ops...)
	j.mu.Unlock()

	root := baseRoot
	for _, op := range ops {
		var err error
		switch op.kind {
		case opPut:
			root, err = m.Put(root, op.key, op.value, op.priority, op.entryID)
		case opDelete:
			root, err = m.Delete(root, op.key)
		case opClear:
			root, err = m.Clear()
		}
		if err != nil {
			return ObjectIdentifier{}, err
		}
	}
	return root, nil
}
