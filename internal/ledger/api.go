package ledger

import (
	"bytes"
	"context"
	"crypto/rand"

	"github.com/tailscroll/ledger/internal/ledger/status"
)

// Ledger is a namespace of pages within one Repository, bound to exactly
// one LedgerManager (spec.md §6, GLOSSARY: "a namespace of pages").
type Ledger struct {
	name    []byte
	manager *LedgerManager
}

func newLedger(name []byte, manager *LedgerManager) *Ledger {
	return &Ledger{name: name, manager: manager}
}

// rootPageID is the well-known all-zero page id every Ledger's root page is
// keyed by, mirroring the distinguished first-commit id's role for pages.
var rootPageID PageID

// GetRootPage returns the ledger's distinguished root page, creating it on
// first access.
func (l *Ledger) GetRootPage(ctx context.Context) (*Page, error) {
	return l.GetPage(ctx, rootPageID)
}

// GetPage attaches to the page named by id, opening it if this is the
// first request for it anywhere in the process. A zero id is reserved for
// the root page; use NewPage to mint a fresh random id (spec.md §6:
// "GetPage(page_id?) (a missing id assigns a random 16-byte id)").
func (l *Ledger) GetPage(ctx context.Context, id PageID) (*Page, error) {
	pm, err := l.manager.GetPage(ctx, id, PageOpenEither)
	if err != nil {
		return nil, err
	}
	return newPage(id, pm, l.manager), nil
}

// NewPage mints a random 16-byte page id (read from crypto/rand) and opens
// it, for the "no id supplied" form of Ledger.GetPage.
func (l *Ledger) NewPage(ctx context.Context) (*Page, error) {
	var id PageID
	if _, err := rand.Read(id[:]); err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	pm, err := l.manager.GetPage(ctx, id, PageOpenCreateNewOnly)
	if err != nil {
		return nil, err
	}
	return newPage(id, pm, l.manager), nil
}

// SetConflictResolverFactory installs the resolver factory every page of
// this ledger (already open or opened later) uses to resolve conflicting
// merges (spec.md §6).
func (l *Ledger) SetConflictResolverFactory(f ConflictResolverFactory) {
	l.manager.SetDefaultConflictResolverFactory(f)
}

// SetPageSyncFactory installs the per-page collaborator-sync delegate this
// ledger's pages fetch missing objects and incoming commits through
// (spec.md §7). Passing nil clears sync for subsequently-opened pages;
// already-open pages keep whatever sync they were opened with.
func (l *Ledger) SetPageSyncFactory(f PageSyncFactory) {
	l.manager.SetPageSyncFactory(f)
}

// SetPageUsageListener installs the listener notified of this ledger's
// page open/close transitions, independently of the PageUsageDb bookkeeping
// DiskCleanupManager consults.
func (l *Ledger) SetPageUsageListener(listener PageUsageListener) {
	l.manager.SetPageUsageListener(listener)
}

// PageUsageListener observes page open/close transitions independently of
// the internal PageUsageDb bookkeeping a DiskCleanupManager consults
// (_examples/original_source/ bin/ledger/app/page_usage_listener.h,
// SPEC_FULL.md §11).
type PageUsageListener interface {
	OnPageOpened(ledgerName []byte, id PageID)
	OnPageClosed(ledgerName []byte, id PageID)
}

// Page is a single client binding onto one page's storage (spec.md §6). A
// binding must be released via Close when the client is done with it;
// multiple Pages may be bound to the same underlying PageManager
// concurrently.
type Page struct {
	id      PageID
	pm      *PageManager
	manager *LedgerManager
	journal *Journal
	closed  bool
}

func newPage(id PageID, pm *PageManager, manager *LedgerManager) *Page {
	return &Page{id: id, pm: pm, manager: manager}
}

// GetId returns the page's 16-byte identifier.
func (p *Page) GetId() PageID { return p.id }

// Close releases this binding. The underlying PageManager stays resident
// until LedgerManager/DiskCleanupManager decide to evict it.
func (p *Page) Close() {
	if p.closed {
		return
	}
	p.closed = true
	if p.journal != nil {
		p.journal.Rollback()
		p.journal = nil
	}
	p.manager.ClosePage(p.id)
}

func (p *Page) storage() *PageStorage { return p.pm.Storage }

// Heads returns the page's current head commit set, for operator tooling
// (cmd/ledgerctl) rather than ordinary client use.
func (p *Page) Heads() ([]Commit, error) { return p.storage().GetHeadCommits() }

// DumpCommit returns one commit record by id, for operator tooling.
func (p *Page) DumpCommit(id CommitID) (Commit, error) { return p.storage().GetCommit(id) }

// activeJournal returns the page's explicit journal if one is open,
// otherwise starts and returns a fresh implicit one over the current head,
// per spec.md §4.4 ("Implicit: created per mutation when no explicit
// journal is active").
func (p *Page) activeJournal() (*Journal, bool, error) {
	if p.journal != nil {
		return p.journal, false, nil
	}
	heads, err := p.storage().GetHeadCommits()
	if err != nil {
		return nil, false, err
	}
	base, err := pickSingleHead(heads, p.storage())
	if err != nil {
		return nil, false, err
	}
	j, err := p.storage().StartCommit(base.ID)
	if err != nil {
		return nil, false, err
	}
	return j, true, nil
}

// pickSingleHead returns the page's one head, resolving a multi-head state
// first if necessary (spec.md §4.5: "whenever a page's head set exceeds
// one, a merge is attempted").
func pickSingleHead(heads []Commit, ps *PageStorage) (Commit, error) {
	if len(heads) == 1 {
		return heads[0], nil
	}
	if _, err := ps.ResolveHeads(context.Background()); err != nil {
		return Commit{}, err
	}
	heads, err := ps.GetHeadCommits()
	if err != nil {
		return Commit{}, err
	}
	if len(heads) != 1 {
		return Commit{}, status.New(status.IllegalState, "page has multiple heads after resolution")
	}
	return heads[0], nil
}

// commitImplicit auto-commits j if wasImplicit, the single-mutation commit
// cycle spec.md §4.4 describes for implicit journals.
func (p *Page) commitImplicit(ctx context.Context, j *Journal, wasImplicit bool) error {
	if !wasImplicit {
		return nil
	}
	_, err := p.storage().CommitJournal(ctx, j)
	return err
}

// Put writes key=value at EAGER priority (spec.md §6).
func (p *Page) Put(ctx context.Context, key, value []byte) error {
	return p.PutWithPriority(ctx, key, value, PriorityEager)
}

// PutWithPriority writes key=value at the given priority.
func (p *Page) PutWithPriority(ctx context.Context, key, value []byte, priority Priority) error {
	if len(key) > MaxKeySize {
		return status.Newf(status.InvalidArgument, "key of %d bytes exceeds max %d", len(key), MaxKeySize)
	}
	id, err := p.storage().AddObjectFromLocal(ctx, ObjectBlob, value)
	if err != nil {
		return err
	}
	return p.putIdentifier(ctx, key, id, priority)
}

// PutReference writes key to reference an ObjectIdentifier obtained from a
// prior CreateReferenceFromBuffer call. A fabricated reference (one this
// page never created, and whose digest has no persisted piece) fails with
// REFERENCE_NOT_FOUND, per S8.
func (p *Page) PutReference(ctx context.Context, key []byte, ref ObjectIdentifier, priority Priority) error {
	if !ref.Digest.IsInline() {
		if _, err := p.storage().GetPiece(ref); err != nil {
			return status.Wrap(status.ReferenceNotFound, err)
		}
	}
	return p.putIdentifier(ctx, key, ref, priority)
}

func (p *Page) putIdentifier(ctx context.Context, key []byte, id ObjectIdentifier, priority Priority) error {
	j, wasImplicit, err := p.activeJournal()
	if err != nil {
		return err
	}
	if err := j.Put(key, id, priority, nil); err != nil {
		return err
	}
	return p.commitImplicit(ctx, j, wasImplicit)
}

// CreateReferenceFromBuffer runs the splitter over data without binding it
// to any key yet, returning a reference an immediately-following PutReference
// (on this page or another) may use (spec.md §6).
func (p *Page) CreateReferenceFromBuffer(ctx context.Context, data []byte) (ObjectIdentifier, error) {
	return p.storage().AddObjectFromLocal(ctx, ObjectBlob, data)
}

// Delete records a delete of key.
func (p *Page) Delete(ctx context.Context, key []byte) error {
	j, wasImplicit, err := p.activeJournal()
	if err != nil {
		return err
	}
	if err := j.Delete(key); err != nil {
		return err
	}
	return p.commitImplicit(ctx, j, wasImplicit)
}

// Clear records a Clear(), discarding the journal's prior operations too.
func (p *Page) Clear(ctx context.Context) error {
	j, wasImplicit, err := p.activeJournal()
	if err != nil {
		return err
	}
	if err := j.Clear(); err != nil {
		return err
	}
	return p.commitImplicit(ctx, j, wasImplicit)
}

// StartTransaction begins an explicit journal. Only one may be open at a
// time per Page binding.
func (p *Page) StartTransaction() error {
	if p.journal != nil {
		return status.New(status.TransactionAlreadyInProgress, "a transaction is already open on this page")
	}
	heads, err := p.storage().GetHeadCommits()
	if err != nil {
		return err
	}
	base, err := pickSingleHead(heads, p.storage())
	if err != nil {
		return err
	}
	j, err := p.storage().StartCommit(base.ID)
	if err != nil {
		return err
	}
	p.journal = j
	return nil
}

// Commit ends the open explicit transaction, producing a new Commit.
func (p *Page) Commit(ctx context.Context) (Commit, error) {
	if p.journal == nil {
		return Commit{}, status.New(status.NoTransactionInProgress, "no transaction is open on this page")
	}
	j := p.journal
	p.journal = nil
	return p.storage().CommitJournal(ctx, j)
}

// Rollback discards the open explicit transaction.
func (p *Page) Rollback() error {
	if p.journal == nil {
		return status.New(status.NoTransactionInProgress, "no transaction is open on this page")
	}
	p.journal.Rollback()
	p.journal = nil
	return nil
}

// GetPendingChanges previews the EntryChange list the currently-open
// explicit journal would produce if committed now, without persisting
// anything (_examples/original_source/ diff_utils.cc, SPEC_FULL.md §11).
func (p *Page) GetPendingChanges() ([]EntryChange, error) {
	if p.journal == nil {
		return nil, status.New(status.NoTransactionInProgress, "no transaction is open on this page")
	}
	baseRoot := p.journal.Base.RootID
	scratch := NewObjectIdentifierFactory()
	m := NewMutator(p.storage().store, scratch, p.storage().permutation, 0, 0)
	newRoot, err := p.journal.Apply(m, baseRoot)
	if err != nil {
		return nil, err
	}
	return DiffContents(p.storage().store, &baseRoot, &newRoot)
}

// WaitForConflictResolution blocks until this page's head set has resolved
// down to a single head (spec.md §6). If a client ConflictResolver is
// registered and disconnects mid-merge, the underlying MergeResolver retries
// with backoff; this call does not return until that settles or ctx is
// done. With conflicting heads and no registered ConflictResolver it
// returns ILLEGAL_STATE.
func (p *Page) WaitForConflictResolution(ctx context.Context) error {
	_, err := p.storage().ResolveHeads(ctx)
	return err
}

// GetSnapshot returns an immutable view of the page's current head,
// restricted to keys with the given prefix (an empty prefix matches every
// key). watcher, if non-nil, is notified of every subsequent commit that
// lands on the page while the snapshot's caller is still interested (spec.md
// §6); the caller threads that interest by calling Watch directly on the
// returned unsubscribe func's owner if it wants to keep observing past this
// single snapshot.
func (p *Page) GetSnapshot(ctx context.Context, keyPrefix []byte, watcher CommitWatcher) (*PageSnapshot, func(), error) {
	heads, err := p.storage().GetHeadCommits()
	if err != nil {
		return nil, nil, err
	}
	head, err := pickSingleHead(heads, p.storage())
	if err != nil {
		return nil, nil, err
	}
	var unsubscribe func()
	if watcher != nil {
		unsubscribe = p.storage().Watch(watcher)
	} else {
		unsubscribe = func() {}
	}
	return newPageSnapshot(p.storage(), head, keyPrefix), unsubscribe, nil
}

// PageSnapshot is an immutable, paginated read view of one commit's
// contents restricted to a key prefix (spec.md §6).
type PageSnapshot struct {
	storage *PageStorage
	commit  Commit
	prefix  []byte
}

func newPageSnapshot(storage *PageStorage, commit Commit, prefix []byte) *PageSnapshot {
	return &PageSnapshot{storage: storage, commit: commit, prefix: append([]byte(nil), prefix...)}
}

func (s *PageSnapshot) hasPrefix(key []byte) bool { return bytes.HasPrefix(key, s.prefix) }

// Get returns value's full bytes for key (fetching lazily-prioritized
// values over the network as needed).
func (s *PageSnapshot) Get(ctx context.Context, key []byte) ([]byte, error) {
	entry, err := s.storage.GetEntryFromCommit(s.commit, key)
	if err != nil {
		return nil, err
	}
	if entry == nil || !s.hasPrefix(entry.Key) {
		return nil, status.New(status.KeyNotFound, "key not found")
	}
	obj, err := s.storage.GetObject(ctx, entry.Value, LocationNetwork)
	if err != nil {
		return nil, err
	}
	return obj.Data, nil
}

// GetInline returns value's bytes only if they are already fully resident
// (inline digest, or a locally-cached object); NEEDS_FETCH otherwise.
func (s *PageSnapshot) GetInline(key []byte) ([]byte, error) {
	entry, err := s.storage.GetEntryFromCommit(s.commit, key)
	if err != nil {
		return nil, err
	}
	if entry == nil || !s.hasPrefix(entry.Key) {
		return nil, status.New(status.KeyNotFound, "key not found")
	}
	if entry.Value.Digest.IsInline() {
		return entry.Value.Digest.InlineContent(), nil
	}
	obj, err := s.storage.GetObject(context.Background(), entry.Value, LocationLocal)
	if err != nil {
		return nil, status.Wrap(status.NeedsFetch, err)
	}
	return obj.Data, nil
}

// Fetch is an alias for Get: it always allows a network round-trip,
// matching the client-surface vocabulary of spec.md §6 where Get and Fetch
// are offered as distinct entry points over the same semantics.
func (s *PageSnapshot) Fetch(ctx context.Context, key []byte) ([]byte, error) { return s.Get(ctx, key) }

// FetchPartial returns a byte range of value, negative offset counting from
// the end and negative maxSize meaning "to the end" (spec.md §8 invariant
// 8).
func (s *PageSnapshot) FetchPartial(ctx context.Context, key []byte, offset, maxSize int64) ([]byte, error) {
	entry, err := s.storage.GetEntryFromCommit(s.commit, key)
	if err != nil {
		return nil, err
	}
	if entry == nil || !s.hasPrefix(entry.Key) {
		return nil, status.New(status.KeyNotFound, "key not found")
	}
	if offset < 0 || maxSize < 0 {
		obj, err := s.storage.GetObject(ctx, entry.Value, LocationNetwork)
		if err != nil {
			return nil, err
		}
		size := int64(len(obj.Data))
		if offset < 0 {
			offset = max(size+offset, 0)
		}
		if maxSize < 0 {
			maxSize = size
		}
	}
	return s.storage.GetObjectPart(ctx, entry.Value, offset, maxSize, LocationNetwork)
}

// pageToken is the opaque continuation token format for GetKeys/GetEntries:
// it embeds only the next key, per spec.md §6 ("opaque and may embed only
// the next key").
func encodePageToken(nextKey []byte) []byte {
	if len(nextKey) == 0 {
		return nil
	}
	return append([]byte(nil), nextKey...)
}

func (s *PageSnapshot) matchingEntries() ([]Entry, error) {
	all, err := s.storage.GetCommitContents(s.commit)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if s.hasPrefix(e.Key) {
			out = append(out, e)
		}
	}
	return out, nil
}

func seekToken(entries []Entry, token []byte) int {
	if len(token) == 0 {
		return 0
	}
	for i, e := range entries {
		if bytes.Compare(e.Key, token) >= 0 {
			return i
		}
	}
	return len(entries)
}

// GetKeys lists keys at or after start (or after the continuation token if
// one is supplied), paginated at MaxDiffPageEntries per call.
func (s *PageSnapshot) GetKeys(start, token []byte) (keys [][]byte, nextToken []byte, err error) {
	entries, err := s.matchingEntries()
	if err != nil {
		return nil, nil, err
	}
	from := seekToken(entries, start)
	if token != nil {
		from = seekToken(entries, token)
	}
	end := from + MaxDiffPageEntries
	if end > len(entries) {
		end = len(entries)
	}
	for _, e := range entries[from:end] {
		keys = append(keys, e.Key)
	}
	if end < len(entries) {
		nextToken = encodePageToken(entries[end].Key)
	}
	return keys, nextToken, nil
}

// GetEntries lists {key, value handle} pairs, not resolving value bytes
// (clients Fetch individually), paginated like GetKeys.
func (s *PageSnapshot) GetEntries(start, token []byte) (entries []Entry, nextToken []byte, err error) {
	all, err := s.matchingEntries()
	if err != nil {
		return nil, nil, err
	}
	from := seekToken(all, start)
	if token != nil {
		from = seekToken(all, token)
	}
	end := from + MaxDiffPageEntries
	if end > len(all) {
		end = len(all)
	}
	entries = all[from:end]
	if end < len(all) {
		nextToken = encodePageToken(all[end].Key)
	}
	return entries, nextToken, nil
}

// GetEntriesInline is GetEntries with every value's bytes resolved inline.
// When the next value would push the page past the ~60KiB inline cap
// spec.md §6 sets, it returns the keys and values gathered so far, a
// continuation token naming that value's key, and PARTIAL_RESULT.
const maxInlinePageBytes = 60 * 1024

func (s *PageSnapshot) GetEntriesInline(ctx context.Context, start, token []byte) (keys [][]byte, values [][]byte, nextToken []byte, err error) {
	entries, next, err := s.GetEntries(start, token)
	if err != nil {
		return nil, nil, nil, err
	}
	var total int
	for i, e := range entries {
		obj, err := s.storage.GetObject(ctx, e.Value, LocationNetwork)
		if err != nil {
			return nil, nil, nil, err
		}
		total += len(obj.Data)
		if total > maxInlinePageBytes {
			return keys, values, encodePageToken(entries[i].Key), status.New(status.PartialResult, "inline page cap exceeded")
		}
		keys = append(keys, e.Key)
		values = append(values, obj.Data)
	}
	return keys, values, next, nil
}
