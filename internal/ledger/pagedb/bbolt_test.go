package pagedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDb(t *testing.T) Db {
	t.Helper()
	path := filepath.Join(t.TempDir(), "page.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestHeadsRoundTrip(t *testing.T) {
	db := openTestDb(t)
	var id [32]byte
	id[0] = 1
	ts := time.Unix(100, 0).UTC()

	b := db.NewBatch()
	b.PutHead(id, ts)
	require.NoError(t, b.Commit(context.Background()))

	heads, err := db.ListHeads()
	require.NoError(t, err)
	require.Contains(t, heads, id)
	assert.True(t, heads[id].Equal(ts))

	b = db.NewBatch()
	b.DeleteHead(id)
	require.NoError(t, b.Commit(context.Background()))
	heads, err = db.ListHeads()
	require.NoError(t, err)
	assert.NotContains(t, heads, id)
}

func TestObjectStatusTransitions(t *testing.T) {
	db := openTestDb(t)
	digest := "abc123"

	b := db.NewBatch()
	b.PutPiece(digest, []byte("raw"))
	b.SetStatus(digest, StatusTransient, StatusTransient)
	require.NoError(t, b.Commit(context.Background()))

	s, ok, err := db.GetObjectStatus(digest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusTransient, s)

	b = db.NewBatch()
	b.SetStatus(digest, StatusTransient, StatusLocal)
	require.NoError(t, b.Commit(context.Background()))

	s, ok, err = db.GetObjectStatus(digest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusLocal, s)

	raw, ok, err := db.GetPiece(digest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("raw"), raw)
}

func TestListByStatus(t *testing.T) {
	db := openTestDb(t)
	b := db.NewBatch()
	b.PutPiece("d1", []byte("1"))
	b.SetStatus("d1", StatusTransient, StatusTransient)
	b.PutPiece("d2", []byte("2"))
	b.SetStatus("d2", StatusTransient, StatusLocal)
	require.NoError(t, b.Commit(context.Background()))

	transient, err := db.ListByStatus(StatusTransient)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, transient)

	local, err := db.ListByStatus(StatusLocal)
	require.NoError(t, err)
	assert.Equal(t, []string{"d2"}, local)
}

func TestRefsRoundTrip(t *testing.T) {
	db := openTestDb(t)
	b := db.NewBatch()
	b.PutRef(RefEntry{Target: []byte("target1"), Source: []byte("sourceA"), Priority: 0})
	b.PutRef(RefEntry{Target: []byte("target1"), Source: []byte("sourceB"), Priority: 1})
	require.NoError(t, b.Commit(context.Background()))

	sources, err := db.ListSources("target1")
	require.NoError(t, err)
	assert.Len(t, sources, 2)

	b = db.NewBatch()
	b.DeleteRef(RefEntry{Target: []byte("target1"), Source: []byte("sourceA")})
	require.NoError(t, b.Commit(context.Background()))

	sources, err = db.ListSources("target1")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, []byte("sourceB"), sources[0].Source)
}

func TestUnsyncedCommitsRoundTrip(t *testing.T) {
	db := openTestDb(t)
	var id [32]byte
	id[1] = 9
	b := db.NewBatch()
	b.PutUnsynced(id, 5)
	require.NoError(t, b.Commit(context.Background()))

	unsynced, err := db.ListUnsyncedCommits()
	require.NoError(t, err)
	require.Contains(t, unsynced, id)
	assert.EqualValues(t, 5, unsynced[id])

	b = db.NewBatch()
	b.DeleteUnsynced(id)
	require.NoError(t, b.Commit(context.Background()))
	unsynced, err = db.ListUnsyncedCommits()
	require.NoError(t, err)
	assert.NotContains(t, unsynced, id)
}

func TestPageOnlineFlag(t *testing.T) {
	db := openTestDb(t)
	online, err := db.IsOnline()
	require.NoError(t, err)
	assert.False(t, online)

	b := db.NewBatch()
	b.SetOnline(true)
	require.NoError(t, b.Commit(context.Background()))

	online, err = db.IsOnline()
	require.NoError(t, err)
	assert.True(t, online)
}

func TestEmptyBatchCommitIsNoop(t *testing.T) {
	db := openTestDb(t)
	b := db.NewBatch()
	assert.True(t, b.Empty())
	assert.NoError(t, b.Commit(context.Background()))
}

func TestMergeRecord(t *testing.T) {
	db := openTestDb(t)
	var a, c2, c [32]byte
	a[0], c2[0], c[0] = 1, 2, 3

	found, err := db.HasMerge(a, c2, c)
	require.NoError(t, err)
	assert.False(t, found)

	b := db.NewBatch()
	b.PutMerge(a, c2, c)
	require.NoError(t, b.Commit(context.Background()))

	found, err = db.HasMerge(a, c2, c)
	require.NoError(t, err)
	assert.True(t, found)
}
