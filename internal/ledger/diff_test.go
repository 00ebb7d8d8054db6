package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putAll(t *testing.T, store *memStore, m *Mutator, root ObjectIdentifier, kvs map[string]string) ObjectIdentifier {
	t.Helper()
	for k, v := range kvs {
		value := store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte(v)))
		var err error
		root, err = m.Put(root, []byte(k), value, PriorityEager, nil)
		require.NoError(t, err)
		require.NoError(t, store.commit(m))
	}
	return root
}

func TestDiffContentsAddedChangedDeleted(t *testing.T) {
	store := newMemStore()
	m := NewMutator(store, store.factory, nil, 0, 0)
	base := emptyRoot(t, store)
	base = putAll(t, store, m, base, map[string]string{"a": "1", "b": "2", "c": "3"})

	target, err := m.Put(base, []byte("b"), store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("2b"))), PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))
	target, err = m.Delete(target, []byte("c"))
	require.NoError(t, err)
	require.NoError(t, store.commit(m))
	target, err = m.Put(target, []byte("d"), store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("4"))), PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))

	changes, err := DiffContents(store, &base, &target)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	byKey := map[string]EntryChange{}
	for _, c := range changes {
		byKey[string(c.Key)] = c
	}

	assert.NotNil(t, byKey["b"].Base)
	assert.NotNil(t, byKey["b"].Target)
	assert.NotNil(t, byKey["c"].Base)
	assert.Nil(t, byKey["c"].Target)
	assert.Nil(t, byKey["d"].Base)
	assert.NotNil(t, byKey["d"].Target)
}

func TestDiffContentsIdenticalRootsShortCircuit(t *testing.T) {
	store := newMemStore()
	m := NewMutator(store, store.factory, nil, 0, 0)
	base := emptyRoot(t, store)
	base = putAll(t, store, m, base, map[string]string{"a": "1"})

	changes, err := DiffContents(store, &base, &base)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestThreeWayDiffAutoMergeableVsConflicting(t *testing.T) {
	store := newMemStore()
	m := NewMutator(store, store.factory, nil, 0, 0)
	base := emptyRoot(t, store)
	base = putAll(t, store, m, base, map[string]string{"a": "1", "b": "1", "c": "1"})

	// left changes "a" only; right changes "b" only: both auto-mergeable.
	left, err := m.Put(base, []byte("a"), store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("left-a"))), PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))

	right, err := m.Put(base, []byte("b"), store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("right-b"))), PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))

	changes, err := DiffThreeWay(store, &base, &left, &right)
	require.NoError(t, err)
	for _, c := range changes {
		assert.False(t, c.IsConflicting(), "key %s should be auto-mergeable", c.Key)
	}

	// Now both sides touch "c" differently: a real conflict.
	leftConflict, err := m.Put(base, []byte("c"), store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("left-c"))), PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))
	rightConflict, err := m.Put(base, []byte("c"), store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("right-c"))), PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))

	changes, err = DiffThreeWay(store, &base, &leftConflict, &rightConflict)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].IsConflicting())
	assert.Equal(t, []byte("c"), changes[0].Key)
}
