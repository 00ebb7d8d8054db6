package ledger

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tailscroll/ledger/internal/ledger/collab"
	"github.com/tailscroll/ledger/internal/ledger/pagedb"
	"github.com/tailscroll/ledger/internal/ledger/status"
)

// PageSyncFactory produces the collaborator-sync delegate and commit decoder
// a newly-opened page should install (LedgerManager.SetPageSyncFactory),
// mirroring how defaultResolverFactory is applied per page.
type PageSyncFactory func(id PageID) (collab.PageSync, func([]byte) (Commit, error))

// PageOpenState mirrors spec.md §4.2's GetPage(id, state, request): whether
// the caller expects the page to already exist, to be created if absent, or
// either.
type PageOpenState int

const (
	PageOpenEither PageOpenState = iota
	PageOpenNamed
	PageOpenCreateNewOnly
)

// TriState is the YES/NO/PAGE_OPENED result of PageIsClosedAndSynced and
// PageIsClosedOfflineAndEmpty (spec.md §4.2): PAGE_OPENED specifically
// signals the race where a concurrent external open happened during
// evaluation, distinct from a plain NO.
type TriState int

const (
	TriNo TriState = iota
	TriYes
	TriPageOpened
)

type pageManagerContainer struct {
	manager  *PageManager
	notifier *PageConnectionNotifier
}

// LedgerManager owns every open page of one ledger (spec.md §4.2):
// PageIsClosedAndSynced/PageIsClosedOfflineAndEmpty back DiskCleanupManager's
// eviction predicate, GetPage opens or attaches to a page, and
// DeletePageStorage removes one's on-disk state.
type LedgerManager struct {
	Name       []byte
	ledgerName string
	dir        string

	mu      sync.Mutex
	pages   map[PageID]*pageManagerContainer
	facades map[PageID]*PageDelayingFacade

	availability           *PageAvailabilityManager
	opens                  singleflight.Group
	defaultResolverFactory ConflictResolverFactory
	syncFactory            PageSyncFactory
	usageListener          PageUsageListener

	permutation ChunkingPermutation
	fetcher     ObjectFetcher
	usage       *pagedb.UsageDb

	env Environment
	log *slog.Logger
}

// NewLedgerManager constructs a manager rooted at dir (already created by
// Repository), with no pages open yet.
func NewLedgerManager(name []byte, dir string, permutation ChunkingPermutation, fetcher ObjectFetcher, usage *pagedb.UsageDb) *LedgerManager {
	env := DefaultEnvironment()
	return &LedgerManager{
		Name:         name,
		ledgerName:   string(name),
		dir:          dir,
		pages:        make(map[PageID]*pageManagerContainer),
		facades:      make(map[PageID]*PageDelayingFacade),
		availability: newPageAvailabilityManager(),
		permutation:  permutation,
		fetcher:      fetcher,
		usage:        usage,
		env:          env,
		log:          env.logger().With("component", "ledgermanager", "ledger", string(name)),
	}
}

// SetEnvironment installs the host Environment every subsequently-opened
// page inherits (fetch parallelism, merge retry budget, logger). Pages
// already open keep whatever Environment they were opened with.
func (lm *LedgerManager) SetEnvironment(env Environment) {
	lm.mu.Lock()
	lm.env = env
	lm.log = env.logger().With("component", "ledgermanager", "ledger", lm.ledgerName)
	lm.mu.Unlock()
}

func ledgerDirName(name []byte) string { return base64.RawURLEncoding.EncodeToString(name) }
func pageDirName(id PageID) string     { return base64.RawURLEncoding.EncodeToString(id[:]) }

// GetPage attaches a new external binding to page id, opening its storage
// if this is the first request for it. Concurrent first-opens of the same
// id collapse into a single on-disk initialization via singleflight
// (SPEC_FULL.md §6.2); every caller arriving while that initialization is
// still in flight queues behind a PageDelayingFacade instead of starting a
// second one, and callers racing a concurrent DeletePageStorage queue
// behind the PageAvailabilityManager instead of opening over a half-deleted
// directory.
func (lm *LedgerManager) GetPage(ctx context.Context, id PageID, state PageOpenState) (*PageManager, error) {
	type result struct {
		pm  *PageManager
		err error
	}
	done := make(chan result, 1)
	lm.availability.OnPageAvailable(id, func() {
		lm.attach(id, state, func(pm *PageManager, err error) {
			done <- result{pm: pm, err: err}
		})
	})
	select {
	case r := <-done:
		return r.pm, r.err
	case <-ctx.Done():
		return nil, status.Wrap(status.Interrupted, ctx.Err())
	}
}

// attach resolves cb against an already-open page, an in-flight
// initialization's facade, or kicks off a fresh singleflight-guarded open.
func (lm *LedgerManager) attach(id PageID, state PageOpenState, cb func(*PageManager, error)) {
	lm.mu.Lock()
	if c, ok := lm.pages[id]; ok {
		c.notifier.OnExternalOpen()
		lm.mu.Unlock()
		cb(c.manager, nil)
		return
	}
	facade, exists := lm.facades[id]
	if !exists {
		facade = newPageDelayingFacade()
		lm.facades[id] = facade
	}
	lm.mu.Unlock()

	facade.Submit(cb)
	if exists {
		return
	}

	v, err, _ := lm.opens.Do(string(id[:]), func() (interface{}, error) {
		return lm.openAndRegister(id, state)
	})
	lm.mu.Lock()
	delete(lm.facades, id)
	lm.mu.Unlock()
	if err != nil {
		facade.Resolve(nil, err)
		return
	}
	facade.Resolve(v.(*PageManager), nil)
}

func (lm *LedgerManager) openAndRegister(id PageID, state PageOpenState) (*PageManager, error) {
	dir := filepath.Join(lm.dir, pageDirName(id))
	if state == PageOpenNamed {
		if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
			return nil, status.New(status.PageNotFound, "page does not exist")
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	storage, err := openPageStorage(dir, lm.permutation, lm.fetcher)
	if err != nil {
		return nil, err
	}
	storage.ApplyEnvironment(lm.env)
	if lm.defaultResolverFactory != nil {
		storage.SetConflictResolverFactory(lm.defaultResolverFactory)
	}
	pm := NewPageManager(id, storage)
	lm.log.Info("page opened", "page", id.String())

	if lm.syncFactory != nil {
		if s, decode := lm.syncFactory(id); s != nil {
			pm.SetSync(s, decode)
		}
	}

	key := pagedb.UsageKey{LedgerName: lm.ledgerName, PageID: id.String()}
	notifier := NewPageConnectionNotifier(
		func() {
			if lm.usage != nil {
				_ = lm.usage.MarkOpen(key)
			}
			if lm.usageListener != nil {
				lm.usageListener.OnPageOpened([]byte(lm.ledgerName), id)
			}
		},
		func() {
			if lm.usage != nil {
				_ = lm.usage.MarkUnused(key, time.Now())
			}
			if lm.usageListener != nil {
				lm.usageListener.OnPageClosed([]byte(lm.ledgerName), id)
			}
		},
	)

	lm.mu.Lock()
	lm.pages[id] = &pageManagerContainer{manager: pm, notifier: notifier}
	lm.mu.Unlock()

	notifier.OnExternalOpen()
	return pm, nil
}

// ClosePage releases one external binding on id. The page's in-memory
// PageManager stays resident until DiskCleanupManager (or an explicit
// DeletePageStorage) evicts it; ClosePage only tracks bindings so the usage
// database and PAGE_OPENED checks stay accurate.
func (lm *LedgerManager) ClosePage(id PageID) {
	lm.mu.Lock()
	c, ok := lm.pages[id]
	lm.mu.Unlock()
	if !ok {
		return
	}
	c.notifier.OnExternalClose()
}

// OpenPageIDs returns the ids of every page with an in-memory PageManager.
func (lm *LedgerManager) OpenPageIDs() []PageID {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	ids := make([]PageID, 0, len(lm.pages))
	for id := range lm.pages {
		ids = append(ids, id)
	}
	return ids
}

// SetDefaultConflictResolverFactory installs the factory every
// subsequently-opened page's MergeResolver will use, and applies it to
// every page already open (Ledger.SetConflictResolverFactory, spec.md §6).
func (lm *LedgerManager) SetDefaultConflictResolverFactory(f ConflictResolverFactory) {
	lm.mu.Lock()
	lm.defaultResolverFactory = f
	containers := make([]*pageManagerContainer, 0, len(lm.pages))
	for _, c := range lm.pages {
		containers = append(containers, c)
	}
	lm.mu.Unlock()
	for _, c := range containers {
		c.manager.Storage.SetConflictResolverFactory(f)
	}
}

// SetPageSyncFactory installs the collaborator-sync delegate factory every
// subsequently-opened page consults, and applies it immediately to every
// page already open (spec.md §7, collab.PageSync).
func (lm *LedgerManager) SetPageSyncFactory(f PageSyncFactory) {
	lm.mu.Lock()
	lm.syncFactory = f
	containers := make(map[PageID]*pageManagerContainer, len(lm.pages))
	for id, c := range lm.pages {
		containers[id] = c
	}
	lm.mu.Unlock()
	if f == nil {
		return
	}
	for id, c := range containers {
		if s, decode := f(id); s != nil {
			c.manager.SetSync(s, decode)
		}
	}
}

// SetPageUsageListener installs the listener notified of every subsequent
// open/close transition across this ledger's pages.
func (lm *LedgerManager) SetPageUsageListener(l PageUsageListener) {
	lm.mu.Lock()
	lm.usageListener = l
	lm.mu.Unlock()
}

// PageIsClosedAndSynced reports whether id is currently closed (no external
// or internal bindings) and every commit it holds is synced (spec.md §4.2).
func (lm *LedgerManager) PageIsClosedAndSynced(id PageID) (TriState, error) {
	lm.mu.Lock()
	c, ok := lm.pages[id]
	if !ok {
		lm.mu.Unlock()
		return TriYes, nil // never opened, or already evicted: trivially closed+synced
	}
	if c.notifier.ChildCount() > 0 {
		lm.mu.Unlock()
		return TriPageOpened, nil
	}
	storage := c.manager.Storage
	lm.mu.Unlock()

	unsynced, err := storage.db.ListUnsyncedCommits()
	if err != nil {
		return TriNo, err
	}
	if len(unsynced) > 0 {
		return TriNo, nil
	}
	return TriYes, nil
}

// PageIsClosedOfflineAndEmpty reports whether id is closed, has never been
// online, and has never received a committed entry beyond the first commit
// (spec.md §4.2) — the other half of DiskCleanupManager's eviction
// predicate, for a page that was created but abandoned before ever syncing.
func (lm *LedgerManager) PageIsClosedOfflineAndEmpty(id PageID) (TriState, error) {
	lm.mu.Lock()
	c, ok := lm.pages[id]
	if !ok {
		lm.mu.Unlock()
		return TriYes, nil
	}
	if c.notifier.ChildCount() > 0 {
		lm.mu.Unlock()
		return TriPageOpened, nil
	}
	storage := c.manager.Storage
	lm.mu.Unlock()

	online, err := storage.IsOnline()
	if err != nil {
		return TriNo, err
	}
	if online || !storage.IsEmpty() {
		return TriNo, nil
	}
	return TriYes, nil
}

// DeletePageStorage deletes page id's on-disk PageStorage. It refuses while
// the page is open, and blocks new GetPage requests for id via the
// PageAvailabilityManager until deletion completes (spec.md §4.2).
func (lm *LedgerManager) DeletePageStorage(id PageID) error {
	lm.mu.Lock()
	if c, ok := lm.pages[id]; ok && c.notifier.ChildCount() > 0 {
		lm.mu.Unlock()
		return status.New(status.IllegalState, "page is open")
	}
	lm.mu.Unlock()

	lm.availability.MarkBusy(id)
	defer lm.availability.MarkAvailable(id)

	lm.mu.Lock()
	if c, ok := lm.pages[id]; ok {
		_ = c.manager.Close()
		delete(lm.pages, id)
	}
	lm.mu.Unlock()

	dir := filepath.Join(lm.dir, pageDirName(id))
	if err := os.RemoveAll(dir); err != nil {
		return status.Wrap(status.IOError, err)
	}
	return nil
}

// closeAll closes every resident PageManager, used by Repository.Close.
func (lm *LedgerManager) closeAll() {
	lm.mu.Lock()
	containers := lm.pages
	lm.pages = make(map[PageID]*pageManagerContainer)
	lm.mu.Unlock()
	for _, c := range containers {
		_ = c.manager.Close()
	}
}
