package ledger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory NodeLoader/object store used to unit test
// the B-tree mutator and diff logic without a real PageDb behind it.
type memStore struct {
	factory *ObjectIdentifierFactory
	nodes   map[string]*BTreeNode
}

func newMemStore() *memStore {
	return &memStore{factory: NewObjectIdentifierFactory(), nodes: make(map[string]*BTreeNode)}
}

func (s *memStore) LoadNode(id ObjectIdentifier) (*BTreeNode, error) {
	if id.Digest.IsInline() {
		return decodeBTreeNode(id.Digest.InlineContent(), s.factory)
	}
	n, ok := s.nodes[digestKey(id.Digest)]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return n, nil
}

// commitMutator writes every PendingPiece a Mutator accumulated into the
// in-memory node table by re-decoding it, standing in for what PageStorage
// would persist to PageDb as TRANSIENT objects.
func (s *memStore) commit(m *Mutator) error {
	for _, p := range m.Pending() {
		if p.Bytes == nil {
			continue
		}
		piece, err := DecodePiece(ObjectTreeNode, p.Bytes, s.factory)
		if err != nil {
			return err
		}
		if piece.Kind != KindChunk {
			continue
		}
		node, err := decodeBTreeNode(piece.Chunk, s.factory)
		if err != nil {
			return err
		}
		s.nodes[digestKey(p.Digest)] = node
	}
	m.ResetPending()
	return nil
}

func emptyRoot(t *testing.T, store *memStore) ObjectIdentifier {
	t.Helper()
	m := NewMutator(store, store.factory, nil, 0, 0)
	root, err := m.Clear()
	require.NoError(t, err)
	require.NoError(t, store.commit(m))
	return root
}

func TestBTreePutGet(t *testing.T) {
	store := newMemStore()
	m := NewMutator(store, store.factory, nil, 0, 0)
	root := emptyRoot(t, store)

	value := store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("v")))
	newRoot, err := m.Put(root, []byte("k"), value, PriorityEager, []byte("e1"))
	require.NoError(t, err)
	require.NoError(t, store.commit(m))

	entries, err := flattenTree(store, &newRoot)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("k"), entries[0].Key)
	assert.True(t, entries[0].Value.Digest.Equal(value.Digest))
}

func TestBTreeOverwriteSameKey(t *testing.T) {
	store := newMemStore()
	m := NewMutator(store, store.factory, nil, 0, 0)
	root := emptyRoot(t, store)

	v1 := store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("v1")))
	root, err := m.Put(root, []byte("k"), v1, PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))

	v2 := store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("v2")))
	root, err = m.Put(root, []byte("k"), v2, PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))

	entries, err := flattenTree(store, &root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Value.Digest.Equal(v2.Digest))
}

func TestBTreeSplitsOnOverflow(t *testing.T) {
	store := newMemStore()
	m := NewMutator(store, store.factory, nil, 0, 0)
	root := emptyRoot(t, store)

	for i := 0; i < nodeOrder*4; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		value := store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte(fmt.Sprintf("val-%d", i))))
		var err error
		root, err = m.Put(root, key, value, PriorityEager, nil)
		require.NoError(t, err)
		require.NoError(t, store.commit(m))
	}

	entries, err := flattenTree(store, &root)
	require.NoError(t, err)
	require.Len(t, entries, nodeOrder*4)
	for i := 1; i < len(entries); i++ {
		assert.True(t, compareKeys(entries[i-1].Key, entries[i].Key) < 0, "entries must stay sorted after splits")
	}
}

func TestBTreeDeleteLeafEntry(t *testing.T) {
	store := newMemStore()
	m := NewMutator(store, store.factory, nil, 0, 0)
	root := emptyRoot(t, store)

	v := store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("v")))
	root, err := m.Put(root, []byte("k"), v, PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))

	root, err = m.Delete(root, []byte("k"))
	require.NoError(t, err)
	require.NoError(t, store.commit(m))

	entries, err := flattenTree(store, &root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBTreeDeleteMissingKeyIsNoop(t *testing.T) {
	store := newMemStore()
	m := NewMutator(store, store.factory, nil, 0, 0)
	root := emptyRoot(t, store)

	newRoot, err := m.Delete(root, []byte("absent"))
	require.NoError(t, err)
	require.NoError(t, store.commit(m))

	entries, err := flattenTree(store, &newRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBTreeDeleteFromInternalNode(t *testing.T) {
	store := newMemStore()
	m := NewMutator(store, store.factory, nil, 0, 0)
	root := emptyRoot(t, store)

	n := nodeOrder*3 + 1
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		value := store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte(fmt.Sprintf("val-%d", i))))
		var err error
		root, err = m.Put(root, key, value, PriorityEager, nil)
		require.NoError(t, err)
		require.NoError(t, store.commit(m))
	}

	// Delete a key likely to be promoted into an internal node after splits.
	target := []byte(fmt.Sprintf("key-%04d", nodeOrder))
	root, err := m.Delete(root, target)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))

	entries, err := flattenTree(store, &root)
	require.NoError(t, err)
	require.Len(t, entries, n-1)
	for _, e := range entries {
		assert.NotEqual(t, target, e.Key)
	}
	for i := 1; i < len(entries); i++ {
		assert.True(t, compareKeys(entries[i-1].Key, entries[i].Key) < 0)
	}
}

func TestClearProducesCanonicalEmptyDigest(t *testing.T) {
	store := newMemStore()
	m := NewMutator(store, store.factory, nil, 0, 0)

	root, err := m.Clear()
	require.NoError(t, err)
	assert.True(t, root.Digest.IsInline())

	decoded, err := decodeBTreeNode(root.Digest.InlineContent(), store.factory)
	require.NoError(t, err)
	assert.Empty(t, decoded.Entries)
	assert.Empty(t, decoded.Children)
}
