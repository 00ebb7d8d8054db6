package ledger

import (
	"bytes"
	"context"

	"github.com/tailscroll/ledger/internal/ledger/pagedb"
	"github.com/tailscroll/ledger/internal/ledger/status"
)

// Location tells GetObject/GetObjectPart whether to fetch missing pieces
// over the network or fail fast against only what is already local
// (spec.md §4.3).
type Location int

const (
	LocationLocal Location = iota
	LocationNetwork
)

// ObjectFetcher is the narrow slice of the sync delegate (CloudProvider /
// PageSync / P2PSync) that the object store needs: fetching one missing
// piece's bytes by digest. The full collaborator contracts live in
// internal/ledger/collab; PageStorage is handed only this much of them.
type ObjectFetcher interface {
	FetchPiece(ctx context.Context, digest ObjectDigest) ([]byte, error)
}

// objectStore implements GetObject/GetPiece/AddObjectFromLocal/DeleteObject
// and the NodeLoader interface the B-tree mutator and diff code depend on.
// It is embedded into PageStorage, which supplies the underlying PageDb and
// ObjectIdentifierFactory.
type objectStore struct {
	db      pagedb.Db
	factory *ObjectIdentifierFactory
	fetcher ObjectFetcher
}

func digestKeyBytes(d ObjectDigest) string { return string(d.Bytes()) }

// GetPiece returns a single piece, synthesizing it for an inline digest
// rather than consulting PageDb (spec.md §4.3: "inline ids synthesize the
// piece").
func (o *objectStore) GetPiece(id ObjectIdentifier) (Piece, error) {
	if id.Digest.IsInline() {
		// NewInlineDigest only ever tags content as KindChunk: inlining
		// applies to raw value bytes, never to an encoded INDEX piece.
		return Piece{Kind: KindChunk, ObjType: id.Digest.Type(), Chunk: id.Digest.InlineContent()}, nil
	}
	raw, ok, err := o.db.GetPiece(digestKeyBytes(id.Digest))
	if err != nil {
		return Piece{}, status.Wrap(status.IOError, err)
	}
	if !ok {
		return Piece{}, status.Newf(status.InternalNotFound, "piece %s not in PageDb", id.Digest)
	}
	if err := id.Digest.Verify(raw); err != nil {
		return Piece{}, err
	}
	return DecodePiece(id.Digest.Type(), raw, o.factory)
}

// fetchRaw returns a piece's raw bytes, consulting the network fetcher when
// loc is LocationNetwork and the piece is not local.
func (o *objectStore) fetchRaw(ctx context.Context, id ObjectIdentifier, loc Location) ([]byte, error) {
	raw, ok, err := o.db.GetPiece(digestKeyBytes(id.Digest))
	if err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	if ok {
		return raw, nil
	}
	if loc != LocationNetwork {
		return nil, status.Newf(status.ObjectNotFound, "object %s not found locally", id.Digest)
	}
	if o.fetcher == nil {
		return nil, status.New(status.NotConnectedError, "no sync delegate configured to fetch missing object")
	}
	raw, err = o.fetcher.FetchPiece(ctx, id.Digest)
	if err != nil {
		return nil, status.Wrap(status.NetworkError, err)
	}
	if err := id.Digest.Verify(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// GetObject assembles the full value referenced by id, recursively walking
// any INDEX pieces.
func (o *objectStore) GetObject(ctx context.Context, id ObjectIdentifier, loc Location) (Object, error) {
	var data []byte
	if err := o.assemble(ctx, id, loc, &data); err != nil {
		return Object{}, err
	}
	return Object{Identifier: id, Data: data}, nil
}

func (o *objectStore) assemble(ctx context.Context, id ObjectIdentifier, loc Location, out *[]byte) error {
	if id.Digest.IsInline() {
		*out = append(*out, id.Digest.InlineContent()...)
		return nil
	}
	raw, err := o.fetchRaw(ctx, id, loc)
	if err != nil {
		return err
	}
	piece, err := DecodePiece(id.Digest.Type(), raw, o.factory)
	if err != nil {
		return err
	}
	if piece.Kind == KindChunk {
		*out = append(*out, piece.Chunk...)
		return nil
	}
	for _, entry := range piece.Index {
		if err := o.assemble(ctx, entry.Child, loc, out); err != nil {
			return err
		}
	}
	return nil
}

// GetObjectPart returns up to maxSize bytes of the object referenced by id,
// starting at offset, without necessarily assembling the whole value; an
// INDEX piece's recorded subtree sizes let it skip subtrees entirely
// outside [offset, offset+maxSize).
func (o *objectStore) GetObjectPart(ctx context.Context, id ObjectIdentifier, offset, maxSize int64, loc Location) ([]byte, error) {
	var out []byte
	_, err := o.collectPart(ctx, id, offset, maxSize, loc, &out)
	return out, err
}

// collectPart appends up to maxSize-len(*out) bytes of this subtree's
// content, starting at offset, to out. It returns the chunk's full length
// for a CHUNK or inline value, and for an INDEX the total size of the
// children skipped because they end before offset; callers ignore it.
func (o *objectStore) collectPart(ctx context.Context, id ObjectIdentifier, offset, maxSize int64, loc Location, out *[]byte) (int64, error) {
	if int64(len(*out)) >= maxSize {
		return 0, nil
	}
	if id.Digest.IsInline() {
		content := id.Digest.InlineContent()
		return appendWindow(out, content, offset, maxSize), nil
	}
	raw, err := o.fetchRaw(ctx, id, loc)
	if err != nil {
		return 0, err
	}
	piece, err := DecodePiece(id.Digest.Type(), raw, o.factory)
	if err != nil {
		return 0, err
	}
	if piece.Kind == KindChunk {
		return appendWindow(out, piece.Chunk, offset, maxSize), nil
	}
	var consumed int64
	for _, entry := range piece.Index {
		size := int64(entry.SubtreeSize)
		if offset >= size {
			offset -= size
			consumed += size
			continue
		}
		if int64(len(*out)) >= maxSize {
			break
		}
		if _, err := o.collectPart(ctx, entry.Child, offset, maxSize, loc, out); err != nil {
			return 0, err
		}
		offset = 0
	}
	return consumed, nil
}

func appendWindow(out *[]byte, content []byte, offset, maxSize int64) int64 {
	if offset >= int64(len(content)) {
		return int64(len(content))
	}
	window := content[offset:]
	remaining := maxSize - int64(len(*out))
	if remaining <= 0 {
		return int64(len(content))
	}
	if int64(len(window)) > remaining {
		window = window[:remaining]
	}
	*out = append(*out, window...)
	return int64(len(content))
}

// LoadNode implements NodeLoader by assembling the TREE_NODE object at id
// and decoding it.
func (o *objectStore) LoadNode(id ObjectIdentifier) (*BTreeNode, error) {
	obj, err := o.GetObject(context.Background(), id, LocationLocal)
	if err != nil {
		return nil, err
	}
	return decodeBTreeNode(obj.Data, o.factory)
}

// persistPendingPieces writes every PendingPiece from a Mutator/Splitter run
// into batch at the given status, recording outbound references for each
// INDEX piece's children so DeleteObject can see who points at what.
func persistPendingPieces(batch *pagedb.Batch, pending []PendingPiece, objStatus pagedb.ObjectStatus) {
	for _, p := range pending {
		if p.Bytes == nil {
			continue // inline digest: nothing to persist under objects/<digest>
		}
		key := digestKeyBytes(p.Digest)
		batch.PutPiece(key, p.Bytes)
		batch.SetStatus(key, objStatus, objStatus)
		recordOutboundRefs(batch, p.Digest, p.Bytes)
	}
}

func recordOutboundRefs(batch *pagedb.Batch, parent ObjectDigest, raw []byte) {
	if parent.Kind() != KindIndex {
		return
	}
	// Decode through a disposable factory: we only want the child digests to
	// build ref rows, not to pin them against the store's real factory.
	piece, err := DecodePiece(parent.Type(), raw, NewObjectIdentifierFactory())
	if err != nil {
		return
	}
	for _, e := range piece.Index {
		if e.Child.Digest.IsInline() {
			continue
		}
		batch.PutRef(pagedb.RefEntry{
			Target: []byte(digestKeyBytes(e.Child.Digest)),
			Source: []byte(digestKeyBytes(parent)),
		})
	}
}

// promoteReferencedBlobs walks the entries added or changed between oldRoot
// and newRoot and promotes any still-TRANSIENT blob object they reference to
// LOCAL, so a value added via AddObjectFromLocal and then pointed at by a
// Put doesn't stay collectible as an orphan once the journal that adopted it
// commits.
func promoteReferencedBlobs(batch *pagedb.Batch, loader NodeLoader, oldRoot, newRoot ObjectIdentifier) error {
	changes, err := DiffContents(loader, &oldRoot, &newRoot)
	if err != nil {
		return err
	}
	for _, c := range changes {
		if c.Target == nil || c.Target.Value.Digest.IsInline() {
			continue
		}
		key := digestKeyBytes(c.Target.Value.Digest)
		batch.SetStatus(key, pagedb.StatusTransient, pagedb.StatusLocal)
	}
	return nil
}

// AddObjectFromLocal runs the splitter over data, persists every produced
// non-inline piece as TRANSIENT in one batch, and returns the root
// identifier (spec.md §4.3).
func (o *objectStore) AddObjectFromLocal(ctx context.Context, objType ObjectType, data []byte, permutation ChunkingPermutation, scope DeletionScope) (ObjectIdentifier, error) {
	splitter := NewSplitter(objType, permutation, o.factory, 0, scope)
	events, root, err := splitter.Split(bytes.NewReader(data))
	if err != nil {
		return ObjectIdentifier{}, err
	}

	var pending []PendingPiece
	for _, e := range events {
		if e.Done {
			continue
		}
		digest := NewHashDigest(e.Kind, objType, e.Piece)
		pending = append(pending, PendingPiece{Digest: digest, Bytes: e.Piece})
	}
	if len(pending) == 0 {
		return root, nil
	}

	batch := o.db.NewBatch()
	persistPendingPieces(batch, pending, pagedb.StatusTransient)
	if err := batch.Commit(ctx); err != nil {
		return ObjectIdentifier{}, err
	}
	return root, nil
}

// FetchMissingTree ensures every piece in the subtree rooted at id is
// present locally, recursively fetching and persisting whatever the network
// fetcher supplies as LOCAL status. Used by AddCommitsFromSync's
// out-of-band object-fetch step (spec.md §4.3 step 3) so a synced-in
// commit's root is actually readable before the commit is marked synced.
func (o *objectStore) FetchMissingTree(ctx context.Context, id ObjectIdentifier) error {
	if id.Digest.IsInline() {
		return nil
	}
	key := digestKeyBytes(id.Digest)
	if _, ok, err := o.db.GetPiece(key); err != nil {
		return status.Wrap(status.IOError, err)
	} else if ok {
		return nil // already local; its children were fetched when it was
	}

	raw, err := o.fetchRaw(ctx, id, LocationNetwork)
	if err != nil {
		return err
	}
	piece, err := DecodePiece(id.Digest.Type(), raw, o.factory)
	if err != nil {
		return err
	}

	batch := o.db.NewBatch()
	batch.PutPiece(key, raw)
	batch.SetStatus(key, pagedb.StatusTransient, pagedb.StatusLocal)
	recordOutboundRefs(batch, id.Digest, raw)
	if err := batch.Commit(ctx); err != nil {
		return err
	}

	if piece.Kind == KindIndex {
		for _, e := range piece.Index {
			if err := o.FetchMissingTree(ctx, e.Child); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteObject atomically deletes the piece at digest if nothing pins it:
// no live in-memory ObjectIdentifier, and no on-disk reference from another
// piece (spec.md §3's GC-safety invariant).
func (o *objectStore) DeleteObject(ctx context.Context, digest ObjectDigest) error {
	if digest.IsInline() {
		return status.New(status.InvalidArgument, "cannot delete an inline digest: it has no PageDb row")
	}
	if o.factory.IsLive(digest) {
		return status.New(status.IllegalState, "object has a live in-memory identifier")
	}
	key := digestKeyBytes(digest)
	sources, err := o.db.ListSources(key)
	if err != nil {
		return status.Wrap(status.IOError, err)
	}
	if len(sources) > 0 {
		return status.New(status.IllegalState, "object has a persisted reference")
	}
	st, ok, err := o.db.GetObjectStatus(key)
	if err != nil {
		return status.Wrap(status.IOError, err)
	}
	if !ok {
		return status.Newf(status.ObjectNotFound, "object %s not found", digest)
	}
	batch := o.db.NewBatch()
	batch.DeletePiece(key, st)
	return batch.Commit(ctx)
}
