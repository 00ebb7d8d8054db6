package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailscroll/ledger/internal/ledger/pagedb"
	"github.com/tailscroll/ledger/internal/ledger/status"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	usage, err := pagedb.OpenUsageDb(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = usage.Close() })
	lm := NewLedgerManager([]byte("widgets"), t.TempDir(), IdentityPermutation, nil, usage)
	return newLedger([]byte("widgets"), lm)
}

func TestPagePutAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	p, err := l.NewPage(ctx)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Put(ctx, []byte("k1"), []byte("v1")))

	heads, err := p.Heads()
	require.NoError(t, err)
	require.Len(t, heads, 1)

	snap, unsubscribe, err := p.GetSnapshot(ctx, nil, nil)
	require.NoError(t, err)
	defer unsubscribe()

	v, err := snap.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	_, err = snap.Get(ctx, []byte("missing"))
	require.Error(t, err)
	assert.Equal(t, status.KeyNotFound, status.Of(err))
}

func TestPageDeleteRemovesKey(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	p, err := l.NewPage(ctx)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Put(ctx, []byte("k1"), []byte("v1")))
	require.NoError(t, p.Delete(ctx, []byte("k1")))

	snap, unsubscribe, err := p.GetSnapshot(ctx, nil, nil)
	require.NoError(t, err)
	defer unsubscribe()

	_, err = snap.Get(ctx, []byte("k1"))
	require.Error(t, err)
	assert.Equal(t, status.KeyNotFound, status.Of(err))
}

func TestPageExplicitTransactionCommit(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	p, err := l.NewPage(ctx)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.StartTransaction())
	require.NoError(t, p.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, p.Put(ctx, []byte("b"), []byte("2")))

	changes, err := p.GetPendingChanges()
	require.NoError(t, err)
	assert.Len(t, changes, 2)

	_, err = p.Commit(ctx)
	require.NoError(t, err)

	snap, unsubscribe, err := p.GetSnapshot(ctx, nil, nil)
	require.NoError(t, err)
	defer unsubscribe()

	v, err := snap.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestPageExplicitTransactionRollbackDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	p, err := l.NewPage(ctx)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.StartTransaction())
	require.NoError(t, p.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, p.Rollback())

	_, err = p.Commit(ctx)
	require.Error(t, err)
	assert.Equal(t, status.NoTransactionInProgress, status.Of(err))

	snap, unsubscribe, err := p.GetSnapshot(ctx, nil, nil)
	require.NoError(t, err)
	defer unsubscribe()
	_, err = snap.Get(ctx, []byte("a"))
	require.Error(t, err)
}

func TestPageStartTransactionTwiceFails(t *testing.T) {
	l := newTestLedger(t)
	p, err := l.NewPage(context.Background())
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.StartTransaction())
	err = p.StartTransaction()
	require.Error(t, err)
	assert.Equal(t, status.TransactionAlreadyInProgress, status.Of(err))
}

func TestPagePutReferenceRejectsFabricatedDigest(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	p, err := l.NewPage(ctx)
	require.NoError(t, err)
	defer p.Close()

	fabricated := ObjectIdentifier{Digest: NewHashDigest(KindChunk, ObjectBlob, []byte("never persisted"))}
	err = p.PutReference(ctx, []byte("k"), fabricated, PriorityEager)
	require.Error(t, err)
	assert.Equal(t, status.ReferenceNotFound, status.Of(err))
}

func TestPagePutReferenceAcceptsCreatedReference(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	p, err := l.NewPage(ctx)
	require.NoError(t, err)
	defer p.Close()

	ref, err := p.CreateReferenceFromBuffer(ctx, []byte("large payload"))
	require.NoError(t, err)
	require.NoError(t, p.PutReference(ctx, []byte("k"), ref, PriorityEager))

	snap, unsubscribe, err := p.GetSnapshot(ctx, nil, nil)
	require.NoError(t, err)
	defer unsubscribe()
	v, err := snap.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("large payload"), v)
}

func TestPageSnapshotPrefixFiltering(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	p, err := l.NewPage(ctx)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Put(ctx, []byte("user/1"), []byte("a")))
	require.NoError(t, p.Put(ctx, []byte("user/2"), []byte("b")))
	require.NoError(t, p.Put(ctx, []byte("post/1"), []byte("c")))

	snap, unsubscribe, err := p.GetSnapshot(ctx, []byte("user/"), nil)
	require.NoError(t, err)
	defer unsubscribe()

	keys, next, err := snap.GetKeys(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.ElementsMatch(t, [][]byte{[]byte("user/1"), []byte("user/2")}, keys)

	_, err = snap.Get(ctx, []byte("post/1"))
	require.Error(t, err)
	assert.Equal(t, status.KeyNotFound, status.Of(err))
}

func TestPageClosePermitsReopen(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	p, err := l.NewPage(ctx)
	require.NoError(t, err)
	id := p.GetId()
	p.Close()

	p2, err := l.GetPage(ctx, id)
	require.NoError(t, err)
	defer p2.Close()
	assert.Equal(t, id, p2.GetId())
}
