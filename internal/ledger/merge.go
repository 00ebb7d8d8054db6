package ledger

import (
	"bytes"
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tailscroll/ledger/internal/ledger/status"
)

// CommitSource resolves a CommitID to its Commit record, used by the merge
// resolver to walk ancestry without depending on the full PageStorage type.
type CommitSource interface {
	GetCommit(id CommitID) (Commit, error)
}

// MaxDiffPageEntries bounds how many ThreeWayChange/EntryChange rows one
// GetFullDiff/GetConflictingDiff/GetEntries call returns before handing back
// a continuation token, mirroring the ~60-handle pagination cap of
// spec.md §6.
const MaxDiffPageEntries = 60

// MergeSource says where a MergedValue's bytes come from.
type MergeSource uint8

const (
	MergeCopyLeft MergeSource = iota
	MergeCopyRight
	MergeLiteral
	MergeReference
	// MergeDeleted is not part of the client-facing MergeResultProvider
	// vocabulary; it is used internally when an automatic or defaulted
	// resolution determines a key must be absent from the merged tree.
	MergeDeleted
)

// MergedValue is one resolution a client pushes through MergeResultProvider
// for a single conflicting key.
type MergedValue struct {
	Key       []byte
	Source    MergeSource
	Literal   []byte
	Reference ObjectIdentifier
	Priority  Priority
}

// MergeResultProvider is the incremental interface a ConflictResolver uses
// to read the merge's diffs and push resolutions (spec.md §6).
type MergeResultProvider interface {
	GetFullDiff(token []byte) (changes []ThreeWayChange, nextToken []byte, err error)
	GetConflictingDiff(token []byte) (changes []ThreeWayChange, nextToken []byte, err error)
	Merge(values []MergedValue) error
	MergeNonConflictingEntries() error
	Done() error
}

// ConflictResolver is the client-registered collaborator that resolves
// conflicts the automatic merge strategies could not.
type ConflictResolver interface {
	Resolve(ctx context.Context, base, left, right Commit, provider MergeResultProvider) error
}

// ConflictResolverFactory produces a ConflictResolver for a given ledger,
// mirroring Ledger.SetConflictResolverFactory (spec.md §6). A nil factory
// means no client resolver is registered; a merge with conflicting keys
// then fails with ILLEGAL_STATE instead of waiting for one.
type ConflictResolverFactory func() ConflictResolver

// MergeResolver watches a page's head set and resolves it down to one head
// whenever it exceeds one, per the strategy chain in spec.md §4.5.
type MergeResolver struct {
	commits         CommitSource
	loader          NodeLoader
	identifiers     *ObjectIdentifierFactory
	commitFactory   *CommitFactory
	permutation     ChunkingPermutation
	resolverFactory ConflictResolverFactory

	// RetryMaxElapsed bounds the exponential backoff used when the client
	// resolver disconnects mid-merge (SPEC_FULL.md domain stack: Environment
	// .MergeRetryMaxElapsed, default 30s).
	RetryMaxElapsed time.Duration
}

// NewMergeResolver constructs a resolver bound to one page's commit graph
// and B-tree.
func NewMergeResolver(commits CommitSource, loader NodeLoader, identifiers *ObjectIdentifierFactory, commitFactory *CommitFactory, permutation ChunkingPermutation) *MergeResolver {
	return &MergeResolver{
		commits:         commits,
		loader:          loader,
		identifiers:     identifiers,
		commitFactory:   commitFactory,
		permutation:     permutation,
		RetryMaxElapsed: 30 * time.Second,
	}
}

// SetConflictResolverFactory registers (or clears, with nil) the client's
// resolver factory.
func (r *MergeResolver) SetConflictResolverFactory(f ConflictResolverFactory) {
	r.resolverFactory = f
}

// isAncestor reports whether ancestor is reachable by walking parent edges
// from descendant.
func (r *MergeResolver) isAncestor(ancestor, descendant CommitID) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	frontier := []CommitID{descendant}
	visited := map[CommitID]bool{descendant: true}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		c, err := r.commits.GetCommit(id)
		if err != nil {
			return false, err
		}
		for _, p := range c.ParentIDs {
			if p == ancestor {
				return true, nil
			}
			if !visited[p] {
				visited[p] = true
				frontier = append(frontier, p)
			}
		}
	}
	return false, nil
}

// findCommonAncestor walks both commits' ancestry backwards by generation
// until the frontiers intersect, grounded on the generation-bounded
// backward walk used by DAG compaction/graft-point algorithms. With more
// than one merge base this picks one common ancestor, not necessarily the
// unique lowest one; MergeResolver only needs *a* valid three-way base.
func (r *MergeResolver) findCommonAncestor(a, b CommitID) (CommitID, error) {
	ca, err := r.commits.GetCommit(a)
	if err != nil {
		return CommitID{}, err
	}
	cb, err := r.commits.GetCommit(b)
	if err != nil {
		return CommitID{}, err
	}

	seenA := map[CommitID]bool{a: true}
	seenB := map[CommitID]bool{b: true}
	frontierA := []Commit{ca}
	frontierB := []Commit{cb}

	if seenB[a] {
		return a, nil
	}
	if seenA[b] {
		return b, nil
	}

	for len(frontierA) > 0 || len(frontierB) > 0 {
		if len(frontierB) == 0 || (len(frontierA) > 0 && frontierA[0].Generation >= frontierB[0].Generation) {
			cur := frontierA[0]
			frontierA = frontierA[1:]
			for _, p := range cur.ParentIDs {
				if seenB[p] {
					return p, nil
				}
				if !seenA[p] {
					seenA[p] = true
					pc, err := r.commits.GetCommit(p)
					if err != nil {
						return CommitID{}, err
					}
					frontierA = append(frontierA, pc)
				}
			}
			continue
		}
		cur := frontierB[0]
		frontierB = frontierB[1:]
		for _, p := range cur.ParentIDs {
			if seenA[p] {
				return p, nil
			}
			if !seenB[p] {
				seenB[p] = true
				pc, err := r.commits.GetCommit(p)
				if err != nil {
					return CommitID{}, err
				}
				frontierB = append(frontierB, pc)
			}
		}
	}
	return FirstCommitID, nil
}

// Resolve drives the strategy chain for one pair of heads, returning the
// single surviving head commit. newCommits carries any commit this call
// produced, for the caller to persist alongside the updated head set in one
// PageDb batch.
func (r *MergeResolver) Resolve(ctx context.Context, left, right Commit) (winner Commit, newCommits []Commit, pending []PendingPiece, err error) {
	// Strategy 1: lineal ancestry.
	if ok, err := r.isAncestor(left.ID, right.ID); err != nil {
		return Commit{}, nil, nil, err
	} else if ok {
		return right, nil, nil, nil
	}
	if ok, err := r.isAncestor(right.ID, left.ID); err != nil {
		return Commit{}, nil, nil, err
	} else if ok {
		return left, nil, nil, nil
	}

	baseID, err := r.findCommonAncestor(left.ID, right.ID)
	if err != nil {
		return Commit{}, nil, nil, err
	}
	base, err := r.commits.GetCommit(baseID)
	if err != nil {
		return Commit{}, nil, nil, err
	}

	changes, err := DiffThreeWay(r.loader, &base.RootID, &left.RootID, &right.RootID)
	if err != nil {
		return Commit{}, nil, nil, err
	}

	var conflicting []ThreeWayChange
	for _, c := range changes {
		if c.IsConflicting() {
			conflicting = append(conflicting, c)
		}
	}

	// Strategy 2: no conflicts, automatic non-conflicting union.
	if len(conflicting) == 0 {
		root, err := r.applyNonConflicting(left.RootID, changes)
		if err != nil {
			return Commit{}, nil, nil, err
		}
		merged, err := r.commitFactory.New(root, []Commit{left, right})
		if err != nil {
			return Commit{}, nil, nil, err
		}
		return merged, []Commit{merged}, nil, nil
	}

	// Strategy 3: delegate to the client resolver, retrying with backoff if
	// it disconnects mid-merge.
	if r.resolverFactory == nil {
		return Commit{}, nil, nil, status.New(status.IllegalState, "conflicting merge requires a registered ConflictResolver")
	}

	var merged Commit
	var litPending []PendingPiece
	op := func() error {
		resolver := r.resolverFactory()
		provider := newMergeSession(r, base, left, right, changes, conflicting)
		if err := resolver.Resolve(ctx, base, left, right, provider); err != nil {
			return err
		}
		if !provider.done {
			return status.New(status.IllegalState, "resolver returned without calling Done")
		}
		root, err := provider.finalRoot()
		if err != nil {
			return backoff.Permanent(err)
		}
		merged, err = r.commitFactory.New(root, []Commit{left, right})
		litPending = provider.PendingPieces()
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = r.RetryMaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return Commit{}, nil, nil, status.Wrap(status.NetworkError, err)
	}
	return merged, []Commit{merged}, litPending, nil
}

// applyNonConflicting builds a new root from startRoot by applying every
// non-conflicting ThreeWayChange: a key resolves to whichever side differs
// from base (spec.md §4.5's definition: base==left or base==right or
// left==right, so exactly one non-base value wins, or both sides agree).
func (r *MergeResolver) applyNonConflicting(startRoot ObjectIdentifier, changes []ThreeWayChange) (ObjectIdentifier, error) {
	m := NewMutator(r.loader, r.identifiers, r.permutation, 0, 0)
	root := startRoot
	for _, c := range changes {
		winner := mergeWinner(c)
		var err error
		if winner == nil {
			root, err = m.Delete(root, c.Key)
		} else {
			root, err = m.Put(root, c.Key, winner.Value, winner.Priority, winner.EntryID)
		}
		if err != nil {
			return ObjectIdentifier{}, err
		}
	}
	return root, nil
}

// mergeWinner picks the non-base entry for an automatically-mergeable
// change, or nil if the key should be absent in the result.
func mergeWinner(c ThreeWayChange) *Entry {
	if !sameValue(c.Base, c.Left) {
		return c.Left
	}
	if !sameValue(c.Base, c.Right) {
		return c.Right
	}
	return c.Left // base==left==right or left==right: all agree
}

// mergeSession implements MergeResultProvider for one Resolve() delegation.
type mergeSession struct {
	resolver *MergeResolver
	base     Commit
	left     Commit
	right    Commit

	full        []ThreeWayChange
	conflicting []ThreeWayChange

	resolved map[string]MergedValue
	done     bool

	// litPending accumulates the CHUNK/INDEX pieces produced by splitting any
	// MergeLiteral value materialized during finalRoot, so the caller can
	// persist them in the same batch as the merge commit.
	litPending []PendingPiece
}

func newMergeSession(r *MergeResolver, base, left, right Commit, full, conflicting []ThreeWayChange) *mergeSession {
	return &mergeSession{resolver: r, base: base, left: left, right: right, full: full, conflicting: conflicting, resolved: make(map[string]MergedValue)}
}

func paginateThreeWay(changes []ThreeWayChange, token []byte) ([]ThreeWayChange, []byte) {
	start := 0
	if token != nil {
		start = searchThreeWay(changes, token)
	}
	end := start + MaxDiffPageEntries
	if end >= len(changes) {
		return changes[start:], nil
	}
	return changes[start:end], changes[end].Key
}

func searchThreeWay(changes []ThreeWayChange, token []byte) int {
	for i, c := range changes {
		if bytes.Compare(c.Key, token) >= 0 {
			return i
		}
	}
	return len(changes)
}

func (s *mergeSession) GetFullDiff(token []byte) ([]ThreeWayChange, []byte, error) {
	page, next := paginateThreeWay(s.full, token)
	return page, next, nil
}

func (s *mergeSession) GetConflictingDiff(token []byte) ([]ThreeWayChange, []byte, error) {
	page, next := paginateThreeWay(s.conflicting, token)
	return page, next, nil
}

func (s *mergeSession) Merge(values []MergedValue) error {
	for _, v := range values {
		s.resolved[string(v.Key)] = v
	}
	return nil
}

func (s *mergeSession) MergeNonConflictingEntries() error {
	for _, c := range s.full {
		if c.IsConflicting() {
			continue
		}
		winner := mergeWinner(c)
		if winner == nil {
			s.resolved[string(c.Key)] = MergedValue{Key: c.Key, Source: MergeDeleted}
			continue
		}
		s.resolved[string(c.Key)] = MergedValue{Key: c.Key, Source: MergeCopyLeft, Reference: winner.Value, Priority: winner.Priority}
	}
	return nil
}

// Done finalizes the session. Any conflicting key the client never pushed a
// MergedValue for defaults to LEFT (resolved Open Question, SPEC_FULL.md
// §11): the client is not required to explicitly address every conflict
// before signaling completion.
func (s *mergeSession) Done() error {
	for _, c := range s.conflicting {
		if _, ok := s.resolved[string(c.Key)]; ok {
			continue
		}
		if c.Left == nil {
			s.resolved[string(c.Key)] = MergedValue{Key: c.Key, Source: MergeDeleted}
			continue
		}
		s.resolved[string(c.Key)] = MergedValue{Key: c.Key, Source: MergeCopyLeft, Reference: c.Left.Value, Priority: c.Left.Priority}
	}
	s.done = true
	return nil
}

// finalRoot builds the merge commit's root: start from non-conflicting
// changes applied automatically, then layer every resolved conflicting key
// on top.
func (s *mergeSession) finalRoot() (ObjectIdentifier, error) {
	root, err := s.resolver.applyNonConflicting(s.left.RootID, s.full)
	if err != nil {
		return ObjectIdentifier{}, err
	}
	m := NewMutator(s.resolver.loader, s.resolver.identifiers, s.resolver.permutation, 0, 0)
	for _, c := range s.conflicting {
		mv, ok := s.resolved[string(c.Key)]
		if !ok {
			continue // unreachable: Done() fills every conflicting key
		}
		if mv.Source == MergeDeleted {
			root, err = m.Delete(root, c.Key)
		} else {
			id, priority, err2 := s.materialize(mv)
			if err2 != nil {
				return ObjectIdentifier{}, err2
			}
			root, err = m.Put(root, c.Key, id, priority, nil)
		}
		if err != nil {
			return ObjectIdentifier{}, err
		}
	}
	return root, nil
}

func (s *mergeSession) materialize(mv MergedValue) (ObjectIdentifier, Priority, error) {
	switch mv.Source {
	case MergeCopyLeft:
		return mv.Reference, mv.Priority, nil
	case MergeCopyRight:
		return mv.Reference, mv.Priority, nil
	case MergeReference:
		return mv.Reference, mv.Priority, nil
	case MergeLiteral:
		splitter := NewSplitter(ObjectBlob, s.resolver.permutation, s.resolver.identifiers, 0, 0)
		events, root, err := splitter.split(mv.Literal)
		if err != nil {
			return ObjectIdentifier{}, mv.Priority, err
		}
		for _, e := range events {
			if e.Done {
				continue
			}
			s.litPending = append(s.litPending, PendingPiece{Digest: NewHashDigest(e.Kind, ObjectBlob, e.Piece), Bytes: e.Piece})
		}
		return root, mv.Priority, nil
	default:
		return ObjectIdentifier{}, mv.Priority, status.Newf(status.InvalidArgument, "unknown merge source %d", mv.Source)
	}
}

// PendingPieces returns every piece produced by materializing a
// MergeLiteral value during finalRoot, for the caller to persist alongside
// the merge commit.
func (s *mergeSession) PendingPieces() []PendingPiece { return s.litPending }
