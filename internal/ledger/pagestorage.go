package ledger

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tailscroll/ledger/internal/ledger/pagedb"
	"github.com/tailscroll/ledger/internal/ledger/status"
)

// syncFetchParallelism bounds how many roots AddCommitsFromSync fetches
// concurrently during its out-of-band object-fetch step.
const syncFetchParallelism = 4

// PageStorage is the per-page engine spec.md §4.3 describes: it owns the
// commit graph, the content-addressed object store, and the merge resolver
// for exactly one page, all wired against one PageDb.
type PageStorage struct {
	db          pagedb.Db
	identifiers *ObjectIdentifierFactory
	store       *objectStore
	commits     *CommitFactory
	resolver    *MergeResolver
	permutation ChunkingPermutation
	watchers    *watcherSet

	fetchParallelism int
	log              *slog.Logger
}

// Open loads (or initializes) a PageStorage over an already-opened PageDb,
// bootstrapping the in-memory head set and commit factory from durable
// state (spec.md §4.6's page-open sequence). fetcher may be nil if no sync
// delegate is configured yet; permutation may be nil to use
// IdentityPermutation (no encryption service configured).
func Open(db pagedb.Db, permutation ChunkingPermutation, fetcher ObjectFetcher, clock func() time.Time) (*PageStorage, error) {
	identifiers := NewObjectIdentifierFactory()
	store := &objectStore{db: db, factory: identifiers, fetcher: fetcher}
	commits := NewCommitFactory(identifiers, clock)

	heads, err := db.ListHeads()
	if err != nil {
		return nil, err
	}
	commits.Bootstrap(heads)

	ps := &PageStorage{db: db, identifiers: identifiers, store: store, commits: commits, permutation: permutation, watchers: newWatcherSet(), fetchParallelism: syncFetchParallelism, log: slog.Default()}
	ps.resolver = NewMergeResolver(ps, store, identifiers, commits, permutation)
	return ps, nil
}

// SetFetchParallelism overrides the out-of-band fetch concurrency
// AddCommitsFromSync uses (Environment.FetchParallelism, SPEC_FULL.md
// §6.3). n <= 0 is ignored.
func (ps *PageStorage) SetFetchParallelism(n int) {
	if n > 0 {
		ps.fetchParallelism = n
	}
}

// ApplyEnvironment threads host-supplied parameters into the engine: fetch
// parallelism, merge retry budget, and the logger every subsequent log line
// derives from (SPEC_FULL.md §2 ambient stack).
func (ps *PageStorage) ApplyEnvironment(env Environment) {
	ps.SetFetchParallelism(env.FetchParallelism)
	ps.resolver.RetryMaxElapsed = env.MergeRetryMaxElapsed
	ps.log = env.logger().With("component", "pagestorage")
}

// Watch registers w to be notified synchronously of every batch of commits
// that lands on this page, whatever the source (spec.md §5). The returned
// function unregisters it.
func (ps *PageStorage) Watch(w CommitWatcher) (unsubscribe func()) {
	return ps.watchers.Subscribe(w)
}

// FetchMissingTree delegates to the object store's out-of-band fetch of a
// subtree not yet present locally.
func (ps *PageStorage) FetchMissingTree(ctx context.Context, id ObjectIdentifier) error {
	return ps.store.FetchMissingTree(ctx, id)
}

// SetConflictResolverFactory registers the client's conflict resolver with
// the underlying MergeResolver (Ledger.SetConflictResolverFactory, spec.md
// §6).
func (ps *PageStorage) SetConflictResolverFactory(f ConflictResolverFactory) {
	ps.resolver.SetConflictResolverFactory(f)
}

// SetFetcher installs (or clears, with nil) the sync delegate used to
// satisfy LocationNetwork reads for pieces not yet present locally.
func (ps *PageStorage) SetFetcher(f ObjectFetcher) { ps.store.fetcher = f }

// GetCommit implements CommitSource, reading through PageDb and
// synthesizing FirstCommitID's empty commit on demand.
func (ps *PageStorage) GetCommit(id CommitID) (Commit, error) {
	if id == FirstCommitID {
		return ps.commits.FirstCommit(), nil
	}
	raw, ok, err := ps.db.GetCommit(id)
	if err != nil {
		return Commit{}, status.Wrap(status.IOError, err)
	}
	if !ok {
		return Commit{}, status.Newf(status.InternalNotFound, "commit %s not found", id)
	}
	return decodeCommit(id, raw, ps.identifiers)
}

// GetHeadCommits returns every current head commit, in PageDb's
// timestamp-then-id head ordering.
func (ps *PageStorage) GetHeadCommits() ([]Commit, error) {
	ids := ps.commits.Heads()
	out := make([]Commit, 0, len(ids))
	for _, id := range ids {
		c, err := ps.GetCommit(id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// IsEmpty reports whether the page has never been written to: its sole
// head is still the synthetic first commit.
func (ps *PageStorage) IsEmpty() bool {
	heads := ps.commits.Heads()
	return len(heads) == 1 && heads[0] == FirstCommitID
}

// StartCommit opens a journal staged over base, for Put/Delete/Clear
// accumulation before CommitJournal (spec.md §4.4).
func (ps *PageStorage) StartCommit(base CommitID) (*Journal, error) {
	c, err := ps.GetCommit(base)
	if err != nil {
		return nil, err
	}
	return NewJournal(JournalExplicit, c), nil
}

// StartMergeCommit opens a journal over two parents, letting the caller
// hand-construct a merge result's Put/Delete operations directly rather
// than delegating to ResolveHeads's automatic/conflict-resolver chain.
func (ps *PageStorage) StartMergeCommit(left, right CommitID) (*Journal, error) {
	l, err := ps.GetCommit(left)
	if err != nil {
		return nil, err
	}
	r, err := ps.GetCommit(right)
	if err != nil {
		return nil, err
	}
	return NewMergeJournal(l, r), nil
}

// CommitJournal replays j's recorded operations onto its base root,
// persists the resulting pieces and a new Commit record in one PageDb
// batch, updates the head set, and marks j committed. A journal with no
// recorded operations commits as a no-op: the base commit is returned
// unchanged and nothing is written (spec.md §4.4).
func (ps *PageStorage) CommitJournal(ctx context.Context, j *Journal) (Commit, error) {
	if j.State() != JournalOpen {
		return Commit{}, status.New(status.IllegalState, "journal is not open")
	}
	if j.IsNoop() {
		j.markCommitted()
		return j.Base, nil
	}

	baseRoot := j.Base.RootID
	parents := []Commit{j.Base}
	if j.IsMerge() {
		baseRoot = j.Left.RootID
		parents = []Commit{*j.Left, *j.Right}
	}

	m := NewMutator(ps.store, ps.identifiers, ps.permutation, 0, 0)
	newRoot, err := j.Apply(m, baseRoot)
	if err != nil {
		return Commit{}, err
	}

	commit, err := ps.commits.New(newRoot, parents)
	if err != nil {
		return Commit{}, err
	}

	batch := ps.db.NewBatch()
	persistPendingPieces(batch, m.Pending(), pagedb.StatusLocal)
	if err := promoteReferencedBlobs(batch, ps.store, baseRoot, newRoot); err != nil {
		return Commit{}, err
	}
	batch.PutCommit(commit.ID, commit.StorageBytes)
	batch.PutUnsynced(commit.ID, commit.Generation)
	removed := previewRemovedHeads(ps.commits, commit)
	for _, r := range removed {
		batch.DeleteHead(r)
		batch.DeleteUnsynced(r)
	}
	batch.PutHead(commit.ID, commit.Timestamp)

	if err := batch.Commit(ctx); err != nil {
		return Commit{}, err
	}
	ps.commits.AddToHeads(commit)
	j.markCommitted()
	ps.watchers.notify([]Commit{commit}, SourceLocal)
	ps.log.Debug("journal committed", "commit", commit.ID.String(), "generation", commit.Generation)
	return commit, nil
}

// previewRemovedHeads reports which heads commit's parents would evict,
// without mutating factory's head set; CommitJournal only applies that
// mutation after the durable batch succeeds.
func previewRemovedHeads(factory *CommitFactory, commit Commit) []CommitID {
	var removed []CommitID
	for _, p := range commit.ParentIDs {
		if factory.IsHead(p) {
			removed = append(removed, p)
		}
	}
	return removed
}

// AddCommitsFromSync ingests commits received from a remote peer or cloud
// sync (spec.md §4.3's five-step algorithm):
//
//  1. Commits already present locally are filtered out; if source is CLOUD,
//     their unsynced marker is cleared in the same batch (a cloud round
//     trip durably acknowledges them).
//  2. Every remaining commit's parents must already be local or appear
//     earlier in this batch; a commit with an unresolved parent is skipped
//     and its missing parent id is reported back to the caller, who is
//     expected to re-request it and retry.
//  3. Before any commit/head state is written, the roots a fresh commit
//     needs are fetched over the network out of band, in parallel, via the
//     configured ObjectFetcher.
//  4. Every accepted commit, head update and unsynced marker is written in
//     one atomic PageDb batch: CLOUD-sourced commits are marked synced
//     immediately, P2P/LOCAL-sourced ones are marked unsynced.
//  5. Registered watchers are notified of the accepted commits.
func (ps *PageStorage) AddCommitsFromSync(ctx context.Context, commits []Commit, source CommitSourceKind) (missing []CommitID, err error) {
	accepted := make(map[CommitID]Commit)
	var newCommits []Commit
	var alreadyPresent []CommitID

	for _, c := range commits {
		if _, ok, gerr := ps.db.GetCommit(c.ID); gerr != nil {
			return nil, status.Wrap(status.IOError, gerr)
		} else if ok {
			alreadyPresent = append(alreadyPresent, c.ID)
			continue
		}

		knownParents := true
		for _, p := range c.ParentIDs {
			if p == FirstCommitID {
				continue
			}
			if _, ok := accepted[p]; ok {
				continue
			}
			if _, ok, gerr := ps.db.GetCommit(p); gerr != nil {
				return nil, status.Wrap(status.IOError, gerr)
			} else if ok {
				continue
			}
			knownParents = false
			missing = append(missing, p)
		}
		if !knownParents {
			continue
		}
		accepted[c.ID] = c
		newCommits = append(newCommits, c)
	}

	if targets := syncFetchTargets(newCommits, source); len(targets) > 0 && ps.store.fetcher != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(ps.fetchParallelism)
		for _, root := range targets {
			root := root
			g.Go(func() error { return ps.store.FetchMissingTree(gctx, root) })
		}
		if err := g.Wait(); err != nil {
			return missing, status.Wrap(status.NetworkError, err)
		}
	}

	batch := ps.db.NewBatch()
	for _, id := range alreadyPresent {
		if source == SourceCloud {
			batch.DeleteUnsynced(id)
		}
	}
	for _, c := range newCommits {
		batch.PutCommit(c.ID, c.StorageBytes)
		if source != SourceCloud {
			batch.PutUnsynced(c.ID, c.Generation)
		}
		for _, removed := range ps.commits.AddToHeads(c) {
			batch.DeleteHead(removed)
			batch.DeleteUnsynced(removed)
		}
		batch.PutHead(c.ID, c.Timestamp)
	}
	if err := batch.Commit(ctx); err != nil {
		return missing, err
	}

	ps.watchers.notify(newCommits, source)
	ps.log.Debug("commits synced", "source", source.String(), "accepted", len(newCommits), "missing_parents", len(missing))
	return missing, nil
}

// syncFetchTargets picks which new commits' roots need an out-of-band
// network fetch before the commit/head batch lands. A P2P peer is assumed
// to hold full object bodies for everything it sends, so every new commit's
// root is fetched; a CLOUD sync batch may include ancestors whose objects
// are only needed lazily later, so only the roots of commits that are not
// themselves a parent of another commit in the same batch ("new leaves")
// are fetched eagerly.
func syncFetchTargets(commits []Commit, source CommitSourceKind) []ObjectIdentifier {
	if len(commits) == 0 {
		return nil
	}
	if source == SourceP2P {
		roots := make([]ObjectIdentifier, len(commits))
		for i, c := range commits {
			roots[i] = c.RootID
		}
		return roots
	}
	isParent := make(map[CommitID]bool, len(commits))
	for _, c := range commits {
		for _, p := range c.ParentIDs {
			isParent[p] = true
		}
	}
	var roots []ObjectIdentifier
	for _, c := range commits {
		if !isParent[c.ID] {
			roots = append(roots, c.RootID)
		}
	}
	return roots
}

// ResolveHeads runs the merge resolver repeatedly until the page has a
// single head, persisting any merge commits it produces along the way
// (spec.md §4.5: "whenever a page's head set exceeds one, a merge is
// attempted").
func (ps *PageStorage) ResolveHeads(ctx context.Context) ([]Commit, error) {
	var produced []Commit
	for {
		heads := ps.commits.Heads()
		if len(heads) <= 1 {
			return produced, nil
		}
		left, err := ps.GetCommit(heads[0])
		if err != nil {
			return produced, err
		}
		right, err := ps.GetCommit(heads[1])
		if err != nil {
			return produced, err
		}
		winner, newCommits, litPending, err := ps.resolver.Resolve(ctx, left, right)
		if err != nil {
			return produced, err
		}

		batch := ps.db.NewBatch()
		persistPendingPieces(batch, litPending, pagedb.StatusLocal)
		for _, nc := range newCommits {
			batch.PutCommit(nc.ID, nc.StorageBytes)
			batch.PutUnsynced(nc.ID, nc.Generation)
			batch.PutMerge(left.ID, right.ID, nc.ID)
		}
		for _, removed := range previewRemovedHeads(ps.commits, winner) {
			batch.DeleteHead(removed)
			batch.DeleteUnsynced(removed)
		}
		batch.PutHead(winner.ID, winner.Timestamp)
		if err := batch.Commit(ctx); err != nil {
			return produced, err
		}
		ps.commits.AddToHeads(winner)
		produced = append(produced, newCommits...)
		ps.watchers.notify(append([]Commit{winner}, newCommits...), SourceLocal)
	}
}

// GetObject, GetObjectPart, GetPiece, AddObjectFromLocal and DeleteObject
// delegate straight to the underlying object store; PageStorage adds the
// commit-graph and journal machinery around it.

func (ps *PageStorage) GetObject(ctx context.Context, id ObjectIdentifier, loc Location) (Object, error) {
	return ps.store.GetObject(ctx, id, loc)
}

func (ps *PageStorage) GetObjectPart(ctx context.Context, id ObjectIdentifier, offset, maxSize int64, loc Location) ([]byte, error) {
	return ps.store.GetObjectPart(ctx, id, offset, maxSize, loc)
}

func (ps *PageStorage) GetPiece(id ObjectIdentifier) (Piece, error) {
	return ps.store.GetPiece(id)
}

func (ps *PageStorage) AddObjectFromLocal(ctx context.Context, objType ObjectType, data []byte) (ObjectIdentifier, error) {
	return ps.store.AddObjectFromLocal(ctx, objType, data, ps.permutation, 0)
}

func (ps *PageStorage) DeleteObject(ctx context.Context, digest ObjectDigest) error {
	return ps.store.DeleteObject(ctx, digest)
}

// GetCommitContents returns every entry under commit's root, in key order.
func (ps *PageStorage) GetCommitContents(commit Commit) ([]Entry, error) {
	return flattenTree(ps.store, &commit.RootID)
}

// GetEntryFromCommit looks up one key under commit's root.
func (ps *PageStorage) GetEntryFromCommit(commit Commit, key []byte) (*Entry, error) {
	entries, err := flattenTree(ps.store, &commit.RootID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if string(entries[i].Key) == string(key) {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// GetCommitContentsDiff computes the two-way diff between two commits'
// trees.
func (ps *PageStorage) GetCommitContentsDiff(base, target Commit) ([]EntryChange, error) {
	return DiffContents(ps.store, &base.RootID, &target.RootID)
}

// GetThreeWayContentsDiff computes the three-way diff among a common
// ancestor and two diverging commits.
func (ps *PageStorage) GetThreeWayContentsDiff(base, left, right Commit) ([]ThreeWayChange, error) {
	return DiffThreeWay(ps.store, &base.RootID, &left.RootID, &right.RootID)
}

// MarkCommitSynced records that commit has been durably acknowledged by the
// sync delegate, removing it from the unsynced set. It does not change the
// object status of any piece reachable from commit; MarkPieceSynced
// promotes pieces to SYNCED one at a time.
func (ps *PageStorage) MarkCommitSynced(ctx context.Context, id CommitID) error {
	batch := ps.db.NewBatch()
	batch.DeleteUnsynced(id)
	return batch.Commit(ctx)
}

// MarkPieceSynced promotes one piece's status from LOCAL to SYNCED. SYNCED
// is terminal (pagedb.ObjectStatus.CanTransitionTo); PageDb's SetStatus
// always performs the move regardless, so callers must only invoke this
// once a piece is actually known synced.
func (ps *PageStorage) MarkPieceSynced(ctx context.Context, digest ObjectDigest) error {
	key := digestKeyBytes(digest)
	current, ok, err := ps.db.GetObjectStatus(key)
	if err != nil {
		return status.Wrap(status.IOError, err)
	}
	if !ok {
		return status.Newf(status.ObjectNotFound, "object %s not found", digest)
	}
	if !current.CanTransitionTo(pagedb.StatusSynced) {
		return status.Newf(status.IllegalState, "object %s cannot transition from %s to SYNCED", digest, current)
	}
	batch := ps.db.NewBatch()
	batch.SetStatus(key, current, pagedb.StatusSynced)
	return batch.Commit(ctx)
}

// IsSynced reports whether commit id has no outstanding unsynced marker.
func (ps *PageStorage) IsSynced(id CommitID) (bool, error) {
	unsynced, err := ps.db.ListUnsyncedCommits()
	if err != nil {
		return false, err
	}
	_, pending := unsynced[id]
	return !pending, nil
}

// IsOnline reports the page's last-known connectivity flag.
func (ps *PageStorage) IsOnline() (bool, error) { return ps.db.IsOnline() }

// SetSyncMetadata persists an opaque sync-delegate bookkeeping value (e.g. a
// remote cursor or etag) under key.
func (ps *PageStorage) SetSyncMetadata(ctx context.Context, key string, value []byte) error {
	batch := ps.db.NewBatch()
	batch.SetSyncMetadata(key, value)
	return batch.Commit(ctx)
}

// GetSyncMetadata reads back a value set by SetSyncMetadata.
func (ps *PageStorage) GetSyncMetadata(key string) ([]byte, bool, error) {
	return ps.db.GetSyncMetadata(key)
}
