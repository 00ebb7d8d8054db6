package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalAppliesOpsInOrder(t *testing.T) {
	store := newMemStore()
	m := NewMutator(store, store.factory, nil, 0, 0)
	base := emptyRoot(t, store)

	j := NewJournal(JournalImplicit, Commit{RootID: base})
	v1 := store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("v1")))
	v2 := store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("v2")))
	require.NoError(t, j.Put([]byte("0"), v1, PriorityEager, nil))
	require.NoError(t, j.Put([]byte("0"), v2, PriorityEager, nil))
	require.NoError(t, j.Delete([]byte("1")))

	root, err := j.Apply(m, base)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))

	entries, err := flattenTree(store, &root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("0"), entries[0].Key)
	assert.True(t, entries[0].Value.Digest.Equal(v2.Digest))
}

func TestJournalClearResetsPriorOps(t *testing.T) {
	j := NewJournal(JournalExplicit, Commit{})
	require.NoError(t, j.Put([]byte("a"), ObjectIdentifier{}, PriorityEager, nil))
	require.NoError(t, j.Put([]byte("b"), ObjectIdentifier{}, PriorityEager, nil))
	require.NoError(t, j.Clear())
	assert.Len(t, j.ops, 1)
	assert.Equal(t, opClear, j.ops[0].kind)
}

func TestJournalRejectsOversizeKey(t *testing.T) {
	j := NewJournal(JournalImplicit, Commit{})
	key := make([]byte, MaxKeySize+1)
	err := j.Put(key, ObjectIdentifier{}, PriorityEager, nil)
	assert.Error(t, err)
	assert.True(t, j.IsNoop())
}

func TestJournalWriteAfterRollbackFails(t *testing.T) {
	j := NewJournal(JournalExplicit, Commit{})
	j.Rollback()
	err := j.Put([]byte("a"), ObjectIdentifier{}, PriorityEager, nil)
	assert.Error(t, err)
}

func TestJournalSecondWriteAfterCommitFails(t *testing.T) {
	j := NewJournal(JournalExplicit, Commit{})
	j.markCommitted()
	err := j.Delete([]byte("a"))
	assert.Error(t, err)
}

func TestMergeJournalCarriesBothParents(t *testing.T) {
	left := Commit{ID: CommitID{1}}
	right := Commit{ID: CommitID{2}}
	j := NewMergeJournal(left, right)
	assert.True(t, j.IsMerge())
	assert.Equal(t, left.ID, j.Left.ID)
	assert.Equal(t, right.ID, j.Right.ID)
}
