package ledger

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/tailscroll/ledger/internal/ledger/status"
)

// Priority controls whether a value is always kept locally (EAGER) or may
// be fetched lazily from sync on first read (LAZY). It is carried per-entry
// so a page can mix small frequently-read values with large cold ones.
type Priority uint8

const (
	PriorityEager Priority = iota
	PriorityLazy
)

func (p Priority) String() string {
	if p == PriorityLazy {
		return "LAZY"
	}
	return "EAGER"
}

// MaxKeySize is the limit from spec.md §6: "Max key size: 256 bytes."
const MaxKeySize = 256

// nodeOrder bounds how many entries a single BTreeNode may hold before a Put
// splits it into two siblings. Chosen so a node's flat encoding stays well
// under a single content-defined chunk before Splitter even gets involved.
const nodeOrder = 16

// Entry is one key/value row inside a BTreeNode.
type Entry struct {
	Key      []byte
	Value    ObjectIdentifier
	Priority Priority
	// EntryID is a per-entry opaque identifier minted by the encryption
	// service (GetEntryId), carried so diff output can tell a delete+put of
	// the same key apart from an unrelated overwrite when the collaborator
	// needs that distinction.
	EntryID []byte
}

// BTreeNode is a sorted sequence of Entry interleaved with child
// ObjectIdentifiers: len(Children) == 0 for a leaf, or len(Entries)+1 for an
// internal node, with Children[i] covering keys less than Entries[i].Key and
// Children[len(Entries)] covering keys greater than the last entry.
type BTreeNode struct {
	Entries  []Entry
	Children []ObjectIdentifier
}

func (n *BTreeNode) isLeaf() bool { return len(n.Children) == 0 }

// encode serializes a BTreeNode to the flat byte form that is then handed to
// a Splitter(ObjectTreeNode) to become the node's on-disk Object, per
// spec.md §3 ("Node is itself serialized as an Object of type TREE_NODE").
func (n *BTreeNode) encode() []byte {
	var buf bytes.Buffer
	var v [binary.MaxVarintLen64]byte

	writeUvarint := func(x uint64) {
		k := binary.PutUvarint(v[:], x)
		buf.Write(v[:k])
	}
	writeBytes := func(b []byte) {
		writeUvarint(uint64(len(b)))
		buf.Write(b)
	}

	writeUvarint(uint64(len(n.Entries)))
	for _, e := range n.Entries {
		writeBytes(e.Key)
		writeBytes(e.Value.Digest.Bytes())
		writeUvarint(uint64(e.Value.KeyIndex))
		writeUvarint(uint64(e.Value.DeletionScope))
		buf.WriteByte(byte(e.Priority))
		writeBytes(e.EntryID)
	}
	writeUvarint(uint64(len(n.Children)))
	for _, c := range n.Children {
		writeBytes(c.Digest.Bytes())
		writeUvarint(uint64(c.KeyIndex))
		writeUvarint(uint64(c.DeletionScope))
	}
	return buf.Bytes()
}

// decodeBTreeNode parses bytes produced by encode, minting ObjectIdentifiers
// through factory.
func decodeBTreeNode(raw []byte, factory *ObjectIdentifierFactory) (*BTreeNode, error) {
	r := bytes.NewReader(raw)

	readUvarint := func() (uint64, error) {
		return binary.ReadUvarint(r)
	}
	readBytes := func() ([]byte, error) {
		n, err := readUvarint()
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := r.Read(b); err != nil && n > 0 {
			return nil, err
		}
		return b, nil
	}
	readIdentifier := func() (ObjectIdentifier, error) {
		db, err := readBytes()
		if err != nil {
			return ObjectIdentifier{}, err
		}
		digest, err := ParseDigest(db)
		if err != nil {
			return ObjectIdentifier{}, err
		}
		ki, err := readUvarint()
		if err != nil {
			return ObjectIdentifier{}, err
		}
		scope, err := readUvarint()
		if err != nil {
			return ObjectIdentifier{}, err
		}
		return factory.Make(KeyIndex(ki), DeletionScope(scope), digest), nil
	}

	entryCount, err := readUvarint()
	if err != nil {
		return nil, status.Wrap(status.FormatError, err)
	}
	node := &BTreeNode{Entries: make([]Entry, 0, entryCount)}
	for i := uint64(0); i < entryCount; i++ {
		key, err := readBytes()
		if err != nil {
			return nil, status.Wrap(status.FormatError, err)
		}
		value, err := readIdentifier()
		if err != nil {
			return nil, status.Wrap(status.FormatError, err)
		}
		pb, err := r.ReadByte()
		if err != nil {
			return nil, status.Wrap(status.FormatError, err)
		}
		entryID, err := readBytes()
		if err != nil {
			return nil, status.Wrap(status.FormatError, err)
		}
		node.Entries = append(node.Entries, Entry{Key: key, Value: value, Priority: Priority(pb), EntryID: entryID})
	}

	childCount, err := readUvarint()
	if err != nil {
		return nil, status.Wrap(status.FormatError, err)
	}
	node.Children = make([]ObjectIdentifier, 0, childCount)
	for i := uint64(0); i < childCount; i++ {
		child, err := readIdentifier()
		if err != nil {
			return nil, status.Wrap(status.FormatError, err)
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// findEntry returns the index of the first entry with Key >= key, and
// whether that entry's key is an exact match.
func (n *BTreeNode) findEntry(key []byte) (idx int, exact bool) {
	idx = sort.Search(len(n.Entries), func(i int) bool {
		return bytes.Compare(n.Entries[i].Key, key) >= 0
	})
	exact = idx < len(n.Entries) && bytes.Equal(n.Entries[idx].Key, key)
	return
}

// emptyNode is the root of the distinguished first commit: a leaf with no
// entries (spec.md §3: "a distinguished 'first commit' id represents the
// empty page (root = empty tree node)").
func emptyNode() *BTreeNode {
	return &BTreeNode{}
}
