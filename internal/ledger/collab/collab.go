// Package collab defines the narrow Go interfaces the ledger storage engine
// consumes from its external collaborators: the encryption service, and the
// cloud/peer synchronization delegates (spec.md §6's "collaborator
// interfaces"). Nothing in this package is implemented here; the engine only
// depends on these contracts, and a host process supplies concrete types.
package collab

import "context"

// EncryptionServiceError is the three-valued result EncryptionService
// methods return (spec.md §6).
type EncryptionServiceError int

const (
	EncryptionOK EncryptionServiceError = iota
	EncryptionNetworkError
	EncryptionInternalError
)

func (e EncryptionServiceError) Error() string {
	switch e {
	case EncryptionNetworkError:
		return "encryption service: network error"
	case EncryptionInternalError:
		return "encryption service: internal error"
	default:
		return "encryption service: ok"
	}
}

// EncryptionService supplies the per-piece chunking permutation, mints
// object identifiers tagged with the current key generation, and
// encrypts/decrypts a commit's storage bytes before they leave the device
// (spec.md §6).
type EncryptionService interface {
	// GetChunkingPermutation returns the keyed permutation Splitter uses so
	// chunk boundaries are unpredictable to an observer of ciphertext sizes
	// alone.
	GetChunkingPermutation() func(uint64) uint64

	// EncryptCommit/DecryptCommit transform a Commit's encodeStorageBytes
	// form at the PageDb boundary.
	EncryptCommit(storageBytes []byte) ([]byte, error)
	DecryptCommit(encrypted []byte) ([]byte, error)

	// GetEntryID mints an opaque per-entry identifier for a new Put, used so
	// diff output can distinguish a delete-then-put of the same key from an
	// unrelated overwrite.
	GetEntryID() []byte
}

// ObjectSource tells a CloudProvider/PageSync.GetObject caller whether the
// returned bytes came from this device's own upload history or a genuine
// remote round trip (spec.md §6).
type ObjectSource int

const (
	SourceUnknown ObjectSource = iota
	SourceLocalCache
	SourceRemote
)

// SyncWatcher observes a sync delegate's state: new commits arriving, the
// initial backlog finishing, and the delegate going idle (spec.md §6's
// SetWatcher/SetOnBacklogDownloaded/SetOnIdle family).
type SyncWatcher interface {
	OnNewCommits(commitBytes [][]byte)
	OnBacklogDownloaded()
	OnIdle()
}

// CloudProvider is the cloud sync delegate: GetObject(digest, kind) ->
// (source, is_synced, bytes); AddCommits(bytes); SetWatcher(watcher);
// Start(); SetOnBacklogDownloaded(k); SetOnIdle(k) (spec.md §6).
type CloudProvider interface {
	GetObject(ctx context.Context, digest []byte, kind int) (source ObjectSource, isSynced bool, bytes []byte, err error)
	AddCommits(ctx context.Context, commitBytes [][]byte) error
	SetWatcher(w SyncWatcher)
	Start(ctx context.Context) error
	SetOnBacklogDownloaded(k func())
	SetOnIdle(k func())
}

// PageSync is the per-page view of a CloudProvider; a single CloudProvider
// implementation is typically shared across many pages, each binding its
// own PageSync scoped to one page id.
type PageSync = CloudProvider

// P2PSync is the peer-to-peer analogue of CloudProvider: it additionally
// propagates unsynced commits received from one peer on to others
// (spec.md §6: "analogous; additionally propagates unsynced commits from
// peers").
type P2PSync interface {
	CloudProvider
	PropagateUnsyncedCommits(ctx context.Context, commitBytes [][]byte, fromPeer string) error
}
