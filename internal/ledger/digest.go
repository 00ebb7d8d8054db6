package ledger

import (
	"crypto/sha256"
	"fmt"

	"github.com/tailscroll/ledger/internal/ledger/status"
)

// PieceKind distinguishes how a piece's bytes should be interpreted.
type PieceKind uint8

const (
	// KindChunk is a leaf piece: its object bytes ARE the value bytes.
	KindChunk PieceKind = iota
	// KindIndex is an internal piece: an ordered list of (child identifier,
	// subtree size) pairs plus a total size.
	KindIndex
)

func (k PieceKind) String() string {
	switch k {
	case KindChunk:
		return "CHUNK"
	case KindIndex:
		return "INDEX"
	default:
		return "UNKNOWN_KIND"
	}
}

// ObjectType is the interpretation of the assembled object's bytes.
type ObjectType uint8

const (
	// ObjectBlob is an opaque user value.
	ObjectBlob ObjectType = iota
	// ObjectTreeNode is an encoded BTreeNode.
	ObjectTreeNode
)

func (t ObjectType) String() string {
	switch t {
	case ObjectBlob:
		return "BLOB"
	case ObjectTreeNode:
		return "TREE_NODE"
	default:
		return "UNKNOWN_TYPE"
	}
}

// digestSize is the length in bytes of the hash portion of an ObjectDigest.
const digestSize = sha256.Size

// inlineThreshold is the largest content length a Digest will inline rather
// than hash-reference. Content at or under this size round-trips through the
// digest itself with no PageDb object row.
const inlineThreshold = 32

// ObjectDigest is a self-describing, self-verifying content address. It
// either inlines its content directly (small chunks) or carries a SHA-256
// hash of the piece bytes that produced it, tagged with the piece kind and
// object type so PageDb lookups and diff logic never need a side table to
// know how to interpret `objects/<digest>`.
type ObjectDigest struct {
	kind    PieceKind
	objType ObjectType
	inline  bool
	// content holds the literal bytes when inline is true; hash holds the
	// SHA-256 of the piece's encoded bytes otherwise. Exactly one is set.
	content []byte
	hash    [digestSize]byte
}

// NewInlineDigest builds a digest whose content is carried verbatim. Callers
// must only use this for content at or under inlineThreshold; Splitter
// enforces this when assembling pieces.
func NewInlineDigest(objType ObjectType, content []byte) ObjectDigest {
	cp := append([]byte(nil), content...)
	return ObjectDigest{kind: KindChunk, objType: objType, inline: true, content: cp}
}

// NewHashDigest computes a digest over encodedPieceBytes, the exact bytes
// that will be (or were) written to `objects/<digest>` in PageDb.
func NewHashDigest(kind PieceKind, objType ObjectType, encodedPieceBytes []byte) ObjectDigest {
	return ObjectDigest{kind: kind, objType: objType, hash: sha256.Sum256(encodedPieceBytes)}
}

// IsInline reports whether this digest carries its content directly.
func (d ObjectDigest) IsInline() bool { return d.inline }

// Kind returns whether the referenced piece is a chunk or an index.
func (d ObjectDigest) Kind() PieceKind { return d.kind }

// Type returns whether the assembled object is a blob or a tree node.
func (d ObjectDigest) Type() ObjectType { return d.objType }

// InlineContent returns the inlined bytes. Panics if !IsInline(); callers
// must check IsInline first, as with a type switch.
func (d ObjectDigest) InlineContent() []byte {
	if !d.inline {
		panic("ledger: InlineContent on non-inline digest")
	}
	return append([]byte(nil), d.content...)
}

// tag encodes kind/type/inline into a single byte for on-wire representation.
func (d ObjectDigest) tag() byte {
	var b byte
	if d.inline {
		b |= 0x1
	}
	b |= byte(d.kind) << 1
	b |= byte(d.objType) << 2
	return b
}

func decodeTag(b byte) (kind PieceKind, objType ObjectType, inline bool) {
	inline = b&0x1 != 0
	kind = PieceKind((b >> 1) & 0x1)
	objType = ObjectType((b >> 2) & 0x1)
	return
}

// Bytes returns the on-wire encoding: 1 tag byte followed by either the
// inline content or the 32-byte hash. This is the representation used as the
// PageDb key suffix for `objects/<digest>` and inside serialized
// ObjectIdentifiers.
func (d ObjectDigest) Bytes() []byte {
	out := make([]byte, 0, 1+digestSize)
	out = append(out, d.tag())
	if d.inline {
		out = append(out, d.content...)
	} else {
		out = append(out, d.hash[:]...)
	}
	return out
}

// ParseDigest decodes the wire representation produced by Bytes.
func ParseDigest(b []byte) (ObjectDigest, error) {
	if len(b) < 1 {
		return ObjectDigest{}, status.New(status.FormatError, "empty digest")
	}
	kind, objType, inline := decodeTag(b[0])
	rest := b[1:]
	if inline {
		return ObjectDigest{kind: kind, objType: objType, inline: true, content: append([]byte(nil), rest...)}, nil
	}
	if len(rest) != digestSize {
		return ObjectDigest{}, status.Newf(status.FormatError, "digest hash has %d bytes, want %d", len(rest), digestSize)
	}
	var h [digestSize]byte
	copy(h[:], rest)
	return ObjectDigest{kind: kind, objType: objType, hash: h}, nil
}

// Verify recomputes the hash over encodedPieceBytes and checks it against d.
// Inline digests are trivially self-verifying (the bytes ARE the content).
func (d ObjectDigest) Verify(encodedPieceBytes []byte) error {
	if d.inline {
		return nil
	}
	got := sha256.Sum256(encodedPieceBytes)
	if got != d.hash {
		return status.Newf(status.ObjectDigestMismatch, "piece content hash %x does not match digest %x", got, d.hash)
	}
	return nil
}

// String renders a short diagnostic form, never the full hash.
func (d ObjectDigest) String() string {
	if d.inline {
		return fmt.Sprintf("digest(inline,%s,%s,%d bytes)", d.kind, d.objType, len(d.content))
	}
	return fmt.Sprintf("digest(%s,%s,%x)", d.kind, d.objType, d.hash[:8])
}

// Equal reports structural and content equality, used by the B-tree diff
// algorithms to short-circuit identical subtrees without touching PageDb.
func (d ObjectDigest) Equal(other ObjectDigest) bool {
	if d.kind != other.kind || d.objType != other.objType || d.inline != other.inline {
		return false
	}
	if d.inline {
		return string(d.content) == string(other.content)
	}
	return d.hash == other.hash
}
