package ledger

import (
	"fmt"
	"sync"
)

// KeyIndex lets the encryption service rotate keys without rewriting
// content already on disk: the digest stays the same, only the key used to
// decrypt it changes with the index.
type KeyIndex uint32

// DeletionScope groups objects for batch deletion (e.g. all pieces created
// within one page's lifetime, or one commit's worth of new pieces).
type DeletionScope uint64

// ObjectIdentifier is the triple (KeyIndex, DeletionScope, ObjectDigest)
// that every Entry value and B-tree child pointer carries. Identifiers are
// minted by an ObjectIdentifierFactory, which pins the underlying digest
// in memory against DeleteObject for as long as any identifier referencing
// it is live (invariant 11, spec.md §8).
type ObjectIdentifier struct {
	KeyIndex      KeyIndex
	DeletionScope DeletionScope
	Digest        ObjectDigest

	factory *ObjectIdentifierFactory
}

// String renders a short diagnostic form.
func (id ObjectIdentifier) String() string {
	return fmt.Sprintf("id(k=%d,scope=%d,%s)", id.KeyIndex, id.DeletionScope, id.Digest)
}

// Release drops this identifier's pin on its digest. Safe to call multiple
// times or on a zero-value identifier. Callers holding an ObjectIdentifier
// across an await point (per spec.md's suspension-point model, a GetObject
// call or a child B-tree fetch) must Release it once no longer needed so the
// factory can let DeleteObject proceed.
func (id ObjectIdentifier) Release() {
	if id.factory == nil {
		return
	}
	id.factory.release(id.Digest)
}

// ObjectIdentifierFactory mints ObjectIdentifiers and tracks which digests
// are currently pinned by at least one live identifier. PageStorage consults
// IsLive before honoring a client DeleteObject request (an unreferenced
// piece with a live pin must not be deleted out from under an in-flight
// operation holding a callback reference to it).
type ObjectIdentifierFactory struct {
	mu    sync.Mutex
	count map[string]int
}

// NewObjectIdentifierFactory constructs an empty factory, one per
// PageStorage (spec.md §2: "A PageStorage owns ... an ObjectIdentifierFactory").
func NewObjectIdentifierFactory() *ObjectIdentifierFactory {
	return &ObjectIdentifierFactory{count: make(map[string]int)}
}

func digestKey(d ObjectDigest) string {
	return string(d.Bytes())
}

// Make mints a live ObjectIdentifier for digest, incrementing its pin count.
// The returned identifier must eventually be released via Release, directly
// or by going out of scope through a Clone/Release pair, so the factory's
// bookkeeping stays balanced.
func (f *ObjectIdentifierFactory) Make(keyIndex KeyIndex, scope DeletionScope, digest ObjectDigest) ObjectIdentifier {
	f.mu.Lock()
	f.count[digestKey(digest)]++
	f.mu.Unlock()
	return ObjectIdentifier{KeyIndex: keyIndex, DeletionScope: scope, Digest: digest, factory: f}
}

// Clone returns a new pinned identifier referencing the same digest as id,
// incrementing the pin count again. Used whenever an identifier is handed
// out to more than one concurrent caller (e.g. a B-tree node shared by
// multiple in-flight snapshot reads).
func (f *ObjectIdentifierFactory) Clone(id ObjectIdentifier) ObjectIdentifier {
	return f.Make(id.KeyIndex, id.DeletionScope, id.Digest)
}

func (f *ObjectIdentifierFactory) release(digest ObjectDigest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := digestKey(digest)
	f.count[k]--
	if f.count[k] <= 0 {
		delete(f.count, k)
	}
}

// IsLive reports whether at least one outstanding ObjectIdentifier pins
// digest. DeleteObject must refuse (ILLEGAL_STATE) while this is true.
func (f *ObjectIdentifierFactory) IsLive(digest ObjectDigest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count[digestKey(digest)] > 0
}

// LiveCount exposes the pin count for diagnostics and tests.
func (f *ObjectIdentifierFactory) LiveCount(digest ObjectDigest) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count[digestKey(digest)]
}
