package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCommitStore is an in-memory CommitSource used only by merge tests.
type testCommitStore struct {
	commits map[CommitID]Commit
}

func newTestCommitStore() *testCommitStore {
	return &testCommitStore{commits: make(map[CommitID]Commit)}
}

func (s *testCommitStore) GetCommit(id CommitID) (Commit, error) {
	if id == FirstCommitID {
		return Commit{ID: FirstCommitID, Generation: 0}, nil
	}
	c, ok := s.commits[id]
	if !ok {
		return Commit{}, assertNotFoundErr
	}
	return c, nil
}

func (s *testCommitStore) add(c Commit) { s.commits[c.ID] = c }

var assertNotFoundErr = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "commit not found" }

func TestMergeResolverPrunesLinealAncestor(t *testing.T) {
	store := newMemStore()
	cs := newTestCommitStore()
	cf := NewCommitFactory(store.factory, func() time.Time { return time.Unix(1, 0) })

	m := NewMutator(store, store.factory, nil, 0, 0)
	root := emptyRoot(t, store)
	left := Commit{ID: FirstCommitID, Generation: 0, RootID: root}

	v := store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("v")))
	newRoot, err := m.Put(root, []byte("a"), v, PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))
	right, err := cf.New(newRoot, []Commit{left})
	require.NoError(t, err)
	cs.add(right)

	resolver := NewMergeResolver(cs, store, store.factory, cf, nil)
	winner, newCommits, _, err := resolver.Resolve(context.Background(), left, right)
	require.NoError(t, err)
	assert.Empty(t, newCommits)
	assert.Equal(t, right.ID, winner.ID)
}

func TestMergeResolverAutomaticNonConflicting(t *testing.T) {
	store := newMemStore()
	cs := newTestCommitStore()
	cf := NewCommitFactory(store.factory, func() time.Time { return time.Unix(2, 0) })
	m := NewMutator(store, store.factory, nil, 0, 0)

	base := emptyRoot(t, store)
	base = putAll(t, store, m, base, map[string]string{"a": "1", "b": "1"})
	baseCommit, err := cf.New(base, []Commit{{ID: FirstCommitID}})
	require.NoError(t, err)
	cs.add(baseCommit)

	leftRoot, err := m.Put(base, []byte("a"), store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("left-a"))), PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))
	leftCommit, err := cf.New(leftRoot, []Commit{baseCommit})
	require.NoError(t, err)
	cs.add(leftCommit)

	rightRoot, err := m.Put(base, []byte("b"), store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("right-b"))), PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))
	rightCommit, err := cf.New(rightRoot, []Commit{baseCommit})
	require.NoError(t, err)
	cs.add(rightCommit)

	resolver := NewMergeResolver(cs, store, store.factory, cf, nil)
	winner, newCommits, _, err := resolver.Resolve(context.Background(), leftCommit, rightCommit)
	require.NoError(t, err)
	require.Len(t, newCommits, 1)
	assert.Equal(t, winner.ID, newCommits[0].ID)

	entries, err := flattenTree(store, &winner.RootID)
	require.NoError(t, err)
	byKey := map[string]Entry{}
	for _, e := range entries {
		byKey[string(e.Key)] = e
	}
	require.Contains(t, byKey, "a")
	require.Contains(t, byKey, "b")
}

// alwaysLeftResolver resolves nothing explicitly and just calls Done,
// exercising the default-to-LEFT behavior.
type alwaysLeftResolver struct{}

func (alwaysLeftResolver) Resolve(ctx context.Context, base, left, right Commit, provider MergeResultProvider) error {
	return provider.Done()
}

func TestMergeResolverConflictDefaultsToLeft(t *testing.T) {
	store := newMemStore()
	cs := newTestCommitStore()
	cf := NewCommitFactory(store.factory, func() time.Time { return time.Unix(3, 0) })
	m := NewMutator(store, store.factory, nil, 0, 0)

	base := emptyRoot(t, store)
	base = putAll(t, store, m, base, map[string]string{"c": "base"})
	baseCommit, err := cf.New(base, []Commit{{ID: FirstCommitID}})
	require.NoError(t, err)
	cs.add(baseCommit)

	leftValue := store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("left-c")))
	leftRoot, err := m.Put(base, []byte("c"), leftValue, PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))
	leftCommit, err := cf.New(leftRoot, []Commit{baseCommit})
	require.NoError(t, err)
	cs.add(leftCommit)

	rightValue := store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("right-c")))
	rightRoot, err := m.Put(base, []byte("c"), rightValue, PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))
	rightCommit, err := cf.New(rightRoot, []Commit{baseCommit})
	require.NoError(t, err)
	cs.add(rightCommit)

	resolver := NewMergeResolver(cs, store, store.factory, cf, nil)
	resolver.SetConflictResolverFactory(func() ConflictResolver { return alwaysLeftResolver{} })

	winner, newCommits, _, err := resolver.Resolve(context.Background(), leftCommit, rightCommit)
	require.NoError(t, err)
	require.Len(t, newCommits, 1)

	entries, err := flattenTree(store, &winner.RootID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Value.Digest.Equal(leftValue.Digest))
}

func TestMergeResolverRequiresRegisteredResolverForConflicts(t *testing.T) {
	store := newMemStore()
	cs := newTestCommitStore()
	cf := NewCommitFactory(store.factory, func() time.Time { return time.Unix(4, 0) })
	m := NewMutator(store, store.factory, nil, 0, 0)

	base := emptyRoot(t, store)
	base = putAll(t, store, m, base, map[string]string{"c": "base"})
	baseCommit, err := cf.New(base, []Commit{{ID: FirstCommitID}})
	require.NoError(t, err)
	cs.add(baseCommit)

	leftRoot, err := m.Put(base, []byte("c"), store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("l"))), PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))
	leftCommit, err := cf.New(leftRoot, []Commit{baseCommit})
	require.NoError(t, err)
	cs.add(leftCommit)

	rightRoot, err := m.Put(base, []byte("c"), store.factory.Make(0, 0, NewInlineDigest(ObjectBlob, []byte("r"))), PriorityEager, nil)
	require.NoError(t, err)
	require.NoError(t, store.commit(m))
	rightCommit, err := cf.New(rightRoot, []Commit{baseCommit})
	require.NoError(t, err)
	cs.add(rightCommit)

	resolver := NewMergeResolver(cs, store, store.factory, cf, nil)
	_, _, _, err = resolver.Resolve(context.Background(), leftCommit, rightCommit)
	assert.Error(t, err)
}
