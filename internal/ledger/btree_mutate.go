package ledger

import (
	"bytes"

	"github.com/tailscroll/ledger/internal/ledger/status"
)

// NodeLoader resolves a BTreeNode's ObjectIdentifier to its decoded form,
// fetching through PageDb and the object assembler as needed. PageStorage
// implements this by composing GetObject with decodeBTreeNode.
type NodeLoader interface {
	LoadNode(id ObjectIdentifier) (*BTreeNode, error)
}

// PendingPiece is a not-yet-persisted piece produced while mutating the
// B-tree; CommitJournal writes each directly at LOCAL status in the same
// PageDb batch as the new Commit record (spec.md §4.4).
type PendingPiece struct {
	Digest ObjectDigest
	Bytes  []byte // nil for inline digests; nothing to persist under objects/<digest>
}

// Mutator applies Put/Delete/Clear operations to a B-tree root via
// copy-on-write: every node on the path from root to an affected key is
// rewritten and re-persisted; untouched siblings keep their existing
// identifiers and are never re-read or re-written.
type Mutator struct {
	loader      NodeLoader
	factory     *ObjectIdentifierFactory
	permutation ChunkingPermutation
	keyIndex    KeyIndex
	scope       DeletionScope

	pending []PendingPiece
}

// NewMutator constructs a Mutator that persists new tree-node objects tagged
// with keyIndex/scope, using permutation for content-defined chunking of any
// oversized node encoding.
func NewMutator(loader NodeLoader, factory *ObjectIdentifierFactory, permutation ChunkingPermutation, keyIndex KeyIndex, scope DeletionScope) *Mutator {
	return &Mutator{loader: loader, factory: factory, permutation: permutation, keyIndex: keyIndex, scope: scope}
}

// Pending returns every piece produced since the Mutator was created (or
// since the last call to ResetPending), in the order children were written
// before their parents so a batch write never references a digest that
// hasn't been written yet.
func (m *Mutator) Pending() []PendingPiece { return m.pending }

// ResetPending clears the accumulated pending pieces, used between
// independent operations applied to the same Mutator within one journal
// commit.
func (m *Mutator) ResetPending() { m.pending = nil }

func (m *Mutator) persistNode(n *BTreeNode) (ObjectIdentifier, error) {
	raw := n.encode()
	s := NewSplitter(ObjectTreeNode, m.permutation, m.factory, m.keyIndex, m.scope)
	events, root, err := s.split(raw)
	if err != nil {
		return ObjectIdentifier{}, err
	}
	for _, e := range events {
		if e.Done {
			continue
		}
		digest := NewHashDigest(e.Kind, ObjectTreeNode, e.Piece)
		m.pending = append(m.pending, PendingPiece{Digest: digest, Bytes: e.Piece})
	}
	return root, nil
}

// splitResult is what a recursive insert returns when the node it operated
// on overflowed and had to split.
type splitResult struct {
	promoted Entry
	left     ObjectIdentifier
	right    ObjectIdentifier
}

// Put inserts or overwrites key with value/priority/entryID under root,
// returning the new root identifier. A key longer than MaxKeySize is
// rejected with INVALID_ARGUMENT before any node is loaded.
func (m *Mutator) Put(root ObjectIdentifier, key []byte, value ObjectIdentifier, priority Priority, entryID []byte) (ObjectIdentifier, error) {
	if len(key) > MaxKeySize {
		return ObjectIdentifier{}, status.Newf(status.InvalidArgument, "key of %d bytes exceeds max %d", len(key), MaxKeySize)
	}
	node, err := m.loader.LoadNode(root)
	if err != nil {
		return ObjectIdentifier{}, err
	}
	newRoot, split, err := m.insert(node, key, value, priority, entryID)
	if err != nil {
		return ObjectIdentifier{}, err
	}
	if split == nil {
		return newRoot, nil
	}
	top := &BTreeNode{
		Entries:  []Entry{split.promoted},
		Children: []ObjectIdentifier{split.left, split.right},
	}
	return m.persistNode(top)
}

func (m *Mutator) insert(node *BTreeNode, key []byte, value ObjectIdentifier, priority Priority, entryID []byte) (ObjectIdentifier, *splitResult, error) {
	idx, exact := node.findEntry(key)
	out := &BTreeNode{
		Entries:  append([]Entry(nil), node.Entries...),
		Children: append([]ObjectIdentifier(nil), node.Children...),
	}

	if exact {
		out.Entries[idx] = Entry{Key: key, Value: value, Priority: priority, EntryID: entryID}
		id, err := m.persistNode(out)
		return id, nil, err
	}

	if node.isLeaf() {
		out.Entries = append(out.Entries, Entry{})
		copy(out.Entries[idx+1:], out.Entries[idx:])
		out.Entries[idx] = Entry{Key: key, Value: value, Priority: priority, EntryID: entryID}
		return m.maybeSplit(out)
	}

	childID := node.Children[idx]
	child, err := m.loader.LoadNode(childID)
	if err != nil {
		return ObjectIdentifier{}, nil, err
	}
	newChildID, childSplit, err := m.insert(child, key, value, priority, entryID)
	if err != nil {
		return ObjectIdentifier{}, nil, err
	}
	if childSplit == nil {
		out.Children[idx] = newChildID
		id, err := m.persistNode(out)
		return id, nil, err
	}

	out.Entries = append(out.Entries, Entry{})
	copy(out.Entries[idx+1:], out.Entries[idx:])
	out.Entries[idx] = childSplit.promoted

	out.Children = append(out.Children, ObjectIdentifier{})
	copy(out.Children[idx+2:], out.Children[idx+1:])
	out.Children[idx] = childSplit.left
	out.Children[idx+1] = childSplit.right

	return m.maybeSplit(out)
}

func (m *Mutator) maybeSplit(node *BTreeNode) (ObjectIdentifier, *splitResult, error) {
	if len(node.Entries) <= nodeOrder {
		id, err := m.persistNode(node)
		return id, nil, err
	}

	mid := len(node.Entries) / 2
	left := &BTreeNode{Entries: append([]Entry(nil), node.Entries[:mid]...)}
	right := &BTreeNode{Entries: append([]Entry(nil), node.Entries[mid+1:]...)}
	if !node.isLeaf() {
		left.Children = append([]ObjectIdentifier(nil), node.Children[:mid+1]...)
		right.Children = append([]ObjectIdentifier(nil), node.Children[mid+1:]...)
	}

	leftID, err := m.persistNode(left)
	if err != nil {
		return ObjectIdentifier{}, nil, err
	}
	rightID, err := m.persistNode(right)
	if err != nil {
		return ObjectIdentifier{}, nil, err
	}
	return ObjectIdentifier{}, &splitResult{promoted: node.Entries[mid], left: leftID, right: rightID}, nil
}

// Delete removes key from under root if present, returning the new root
// identifier. Deleting an absent key is a no-op that still returns a
// (possibly identical) root identifier, matching Page.Delete's idempotent
// contract.
func (m *Mutator) Delete(root ObjectIdentifier, key []byte) (ObjectIdentifier, error) {
	node, err := m.loader.LoadNode(root)
	if err != nil {
		return ObjectIdentifier{}, err
	}
	return m.delete(node, key)
}

func (m *Mutator) delete(node *BTreeNode, key []byte) (ObjectIdentifier, error) {
	idx, exact := node.findEntry(key)

	if node.isLeaf() {
		if !exact {
			return m.persistNode(node)
		}
		out := &BTreeNode{Entries: append(append([]Entry(nil), node.Entries[:idx]...), node.Entries[idx+1:]...)}
		return m.persistNode(out)
	}

	if exact {
		// Internal-node deletion: replace the entry with its in-order
		// predecessor (the rightmost leaf entry of the left child subtree),
		// then recursively delete that predecessor from the left child.
		pred, err := m.maxEntry(node.Children[idx])
		if err != nil {
			return ObjectIdentifier{}, err
		}
		newLeft, err := m.delete(mustLoad(m.loader, node.Children[idx]), pred.Key)
		if err != nil {
			return ObjectIdentifier{}, err
		}
		out := &BTreeNode{
			Entries:  append([]Entry(nil), node.Entries...),
			Children: append([]ObjectIdentifier(nil), node.Children...),
		}
		out.Entries[idx] = pred
		out.Children[idx] = newLeft
		return m.persistNode(out)
	}

	child, err := m.loader.LoadNode(node.Children[idx])
	if err != nil {
		return ObjectIdentifier{}, err
	}
	newChildID, err := m.delete(child, key)
	if err != nil {
		return ObjectIdentifier{}, err
	}
	out := &BTreeNode{
		Entries:  append([]Entry(nil), node.Entries...),
		Children: append([]ObjectIdentifier(nil), node.Children...),
	}
	out.Children[idx] = newChildID
	return m.persistNode(out)
}

func mustLoad(loader NodeLoader, id ObjectIdentifier) *BTreeNode {
	n, err := loader.LoadNode(id)
	if err != nil {
		// delete's recursive call already traversed this exact child
		// successfully via maxEntry; a failure here means PageDb state
		// changed underneath the operation queue's serialization guarantee.
		panic(err)
	}
	return n
}

func (m *Mutator) maxEntry(root ObjectIdentifier) (Entry, error) {
	node, err := m.loader.LoadNode(root)
	if err != nil {
		return Entry{}, err
	}
	if node.isLeaf() {
		if len(node.Entries) == 0 {
			return Entry{}, status.New(status.IllegalState, "empty leaf in non-empty subtree")
		}
		return node.Entries[len(node.Entries)-1], nil
	}
	return m.maxEntry(node.Children[len(node.Children)-1])
}

// Clear discards every entry, returning the canonical empty-tree root. The
// empty node encodes to zero entries/children, which is at or under
// inlineThreshold, so every page shares the same inline digest for "empty"
// and Clear never writes a PageDb object row.
func (m *Mutator) Clear() (ObjectIdentifier, error) {
	return m.persistNode(emptyNode())
}

// compareKeys is exposed for diff/merge code that needs the same ordering
// BTreeNode uses internally.
func compareKeys(a, b []byte) int { return bytes.Compare(a, b) }
