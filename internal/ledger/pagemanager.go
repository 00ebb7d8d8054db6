package ledger

import (
	"context"
	"path/filepath"

	"github.com/tailscroll/ledger/internal/ledger/collab"
	"github.com/tailscroll/ledger/internal/ledger/pagedb"
	"github.com/tailscroll/ledger/internal/ledger/status"
)

// PageID is the 16-byte page identifier (spec.md §6: "Page id size: 16
// bytes").
type PageID [16]byte

func (id PageID) String() string { return hexString(id[:]) }

func decodePageIDHex(s string) PageID {
	var id PageID
	n := len(s) / 2
	if n > len(id) {
		n = len(id)
	}
	for i := 0; i < n; i++ {
		id[i] = hexNibble(s[2*i])<<4 | hexNibble(s[2*i+1])
	}
	return id
}

// ParsePageID parses a hex-encoded page id as produced by PageID.String,
// for operator tooling (cmd/ledgerctl) that accepts a page id on the
// command line.
func ParsePageID(s string) (PageID, error) {
	if len(s) != len(PageID{})*2 {
		return PageID{}, status.Newf(status.InvalidArgument, "page id must be %d hex characters", len(PageID{})*2)
	}
	return decodePageIDHex(s), nil
}

// ParseCommitID parses a hex-encoded commit id as produced by
// CommitID.String.
func ParseCommitID(s string) (CommitID, error) {
	if len(s) != CommitIDSize*2 {
		return CommitID{}, status.Newf(status.InvalidArgument, "commit id must be %d hex characters", CommitIDSize*2)
	}
	var id CommitID
	for i := 0; i < CommitIDSize; i++ {
		id[i] = hexNibble(s[2*i])<<4 | hexNibble(s[2*i+1])
	}
	return id, nil
}

func hexNibble(b byte) byte {
	switch {
	case b >= '0' && b <= '9':
		return b - '0'
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10
	default:
		return 0
	}
}

// PageManager wraps one page's PageStorage engine together with its
// optional sync delegate (spec.md §2). PageStorage already owns its own
// MergeResolver (constructed inside Open); PageManager's job is lifecycle
// (open/close) and sync wiring on top of it.
type PageManager struct {
	ID      PageID
	Storage *PageStorage

	sync collab.PageSync
}

// openPageStorage opens the bbolt-backed PageDb at dir/page.db and wraps it
// in a PageStorage (SPEC_FULL.md §6.6: "<page dir>/page.db").
func openPageStorage(dir string, permutation ChunkingPermutation, fetcher ObjectFetcher) (*PageStorage, error) {
	db, err := pagedb.Open(filepath.Join(dir, "page.db"))
	if err != nil {
		return nil, err
	}
	return Open(db, permutation, fetcher, nil)
}

// NewPageManager constructs a PageManager around an already-opened
// PageStorage.
func NewPageManager(id PageID, storage *PageStorage) *PageManager {
	return &PageManager{ID: id, Storage: storage}
}

type syncWatcherFunc struct {
	onNewCommits func([][]byte)
}

func (f syncWatcherFunc) OnNewCommits(commitBytes [][]byte) { f.onNewCommits(commitBytes) }
func (syncWatcherFunc) OnBacklogDownloaded()                {}
func (syncWatcherFunc) OnIdle()                             {}

// collabFetcher adapts a collab.PageSync to the narrower ObjectFetcher the
// object store consults for a LocationNetwork miss.
type collabFetcher struct {
	sync collab.PageSync
}

// FetchPiece implements ObjectFetcher.
func (f collabFetcher) FetchPiece(ctx context.Context, digest ObjectDigest) ([]byte, error) {
	_, _, raw, err := f.sync.GetObject(ctx, digest.Bytes(), int(digest.Kind()))
	return raw, err
}

// SetSync installs the sync delegate this page fetches missing objects
// through, and relays delegate-reported commits (decoded via decode) into
// AddCommitsFromSync as they arrive.
func (pm *PageManager) SetSync(s collab.PageSync, decode func([]byte) (Commit, error)) {
	pm.sync = s
	if s == nil {
		pm.Storage.SetFetcher(nil)
		return
	}
	pm.Storage.SetFetcher(collabFetcher{sync: s})
	if decode == nil {
		return
	}
	s.SetWatcher(syncWatcherFunc{onNewCommits: func(commitBytes [][]byte) {
		for _, raw := range commitBytes {
			c, err := decode(raw)
			if err != nil {
				continue
			}
			_, _ = pm.Storage.AddCommitsFromSync(context.Background(), []Commit{c}, SourceCloud)
		}
	}})
}

// Close releases the page's PageDb handle.
func (pm *PageManager) Close() error {
	return pm.Storage.db.Close()
}
