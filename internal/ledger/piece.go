package ledger

import (
	"encoding/binary"

	"github.com/tailscroll/ledger/internal/ledger/status"
)

// IndexEntry is one child reference inside an INDEX piece: the identifier of
// the child piece/object and the total size of the subtree it roots.
type IndexEntry struct {
	Child       ObjectIdentifier
	SubtreeSize uint64
}

// Piece is the decoded form of a PageDb `objects/<digest>` row: either a
// CHUNK (raw leaf bytes) or an INDEX (ordered child references plus the
// total size of the object they assemble to). Piece never holds an inline
// digest's content — inline digests never reach PageDb at all.
type Piece struct {
	Kind    PieceKind
	ObjType ObjectType

	// Chunk is set when Kind == KindChunk: the literal leaf bytes.
	Chunk []byte

	// Index is set when Kind == KindIndex: ordered child references.
	Index []IndexEntry
	// TotalSize is the sum of all descendant chunk bytes, carried
	// redundantly in the index piece. GetObjectPart does not read it; it
	// skips children by their IndexEntry.SubtreeSize instead.
	TotalSize uint64
}

// EncodeChunkPiece builds the wire bytes for a CHUNK piece.
func EncodeChunkPiece(data []byte) []byte {
	out := make([]byte, 1, 1+len(data))
	out[0] = byte(KindChunk)
	return append(out, data...)
}

// EncodeIndexPiece builds the wire bytes for an INDEX piece: a varint count,
// then per-entry (digest bytes length-prefixed, key index, deletion scope,
// subtree size), then the total size.
func EncodeIndexPiece(entries []IndexEntry, totalSize uint64) []byte {
	out := make([]byte, 1)
	out[0] = byte(KindIndex)
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(entries)))
	out = append(out, buf[:n]...)
	for _, e := range entries {
		db := e.Child.Digest.Bytes()
		n = binary.PutUvarint(buf[:], uint64(len(db)))
		out = append(out, buf[:n]...)
		out = append(out, db...)
		n = binary.PutUvarint(buf[:], uint64(e.Child.KeyIndex))
		out = append(out, buf[:n]...)
		n = binary.PutUvarint(buf[:], uint64(e.Child.DeletionScope))
		out = append(out, buf[:n]...)
		n = binary.PutUvarint(buf[:], e.SubtreeSize)
		out = append(out, buf[:n]...)
	}
	n = binary.PutUvarint(buf[:], totalSize)
	out = append(out, buf[:n]...)
	return out
}

// DecodePiece parses wire bytes produced by EncodeChunkPiece/EncodeIndexPiece
// into a Piece, minting child ObjectIdentifiers through factory so the
// result's references pin their digests immediately.
func DecodePiece(objType ObjectType, raw []byte, factory *ObjectIdentifierFactory) (Piece, error) {
	if len(raw) < 1 {
		return Piece{}, status.New(status.FormatError, "empty piece")
	}
	kind := PieceKind(raw[0])
	body := raw[1:]
	switch kind {
	case KindChunk:
		return Piece{Kind: KindChunk, ObjType: objType, Chunk: append([]byte(nil), body...)}, nil
	case KindIndex:
		count, n := binary.Uvarint(body)
		if n <= 0 {
			return Piece{}, status.New(status.FormatError, "index piece: bad entry count")
		}
		body = body[n:]
		entries := make([]IndexEntry, 0, count)
		for i := uint64(0); i < count; i++ {
			dlen, n := binary.Uvarint(body)
			if n <= 0 || uint64(len(body)-n) < dlen {
				return Piece{}, status.New(status.FormatError, "index piece: truncated digest")
			}
			body = body[n:]
			digestBytes := body[:dlen]
			body = body[dlen:]
			digest, err := ParseDigest(digestBytes)
			if err != nil {
				return Piece{}, err
			}
			keyIdx, n := binary.Uvarint(body)
			if n <= 0 {
				return Piece{}, status.New(status.FormatError, "index piece: bad key index")
			}
			body = body[n:]
			scope, n := binary.Uvarint(body)
			if n <= 0 {
				return Piece{}, status.New(status.FormatError, "index piece: bad deletion scope")
			}
			body = body[n:]
			subtreeSize, n := binary.Uvarint(body)
			if n <= 0 {
				return Piece{}, status.New(status.FormatError, "index piece: bad subtree size")
			}
			body = body[n:]
			entries = append(entries, IndexEntry{
				Child:       factory.Make(KeyIndex(keyIdx), DeletionScope(scope), digest),
				SubtreeSize: subtreeSize,
			})
		}
		totalSize, n := binary.Uvarint(body)
		if n <= 0 {
			return Piece{}, status.New(status.FormatError, "index piece: bad total size")
		}
		return Piece{Kind: KindIndex, ObjType: objType, Index: entries, TotalSize: totalSize}, nil
	default:
		return Piece{}, status.Newf(status.FormatError, "unknown piece kind %d", kind)
	}
}

// Object is the fully assembled value a client asked for: the concatenation
// of every CHUNK piece reachable from a root ObjectIdentifier, in order.
// Small objects are assembled in one GetObject call; GetObjectPart instead
// walks the index tree to serve a byte range without materializing the
// whole value.
type Object struct {
	Identifier ObjectIdentifier
	Data       []byte
}

// Size returns the length of the assembled object.
func (o Object) Size() int { return len(o.Data) }
