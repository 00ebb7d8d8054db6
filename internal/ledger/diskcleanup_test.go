package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailscroll/ledger/internal/ledger/pagedb"
)

func openTestUsageDb(t *testing.T) *pagedb.UsageDb {
	t.Helper()
	u, err := pagedb.OpenUsageDb(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	return u
}

func TestDiskCleanupManagerEvictsOrphanedLedgerEntriesDirectly(t *testing.T) {
	usage := openTestUsageDb(t)
	key := pagedb.UsageKey{LedgerName: "gone", PageID: "deadbeef"}
	require.NoError(t, usage.MarkOpen(key))
	require.NoError(t, usage.MarkUnused(key, time.Unix(1, 0)))

	d := NewDiskCleanupManager(usage, func() map[string]*LedgerManager { return nil })
	report, err := d.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Evicted)
	assert.Equal(t, 0, report.Skipped)

	remaining, err := usage.ListClosedAscending()
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestDiskCleanupManagerEvictsClosedSyncedPage(t *testing.T) {
	usage := openTestUsageDb(t)
	lm := NewLedgerManager([]byte("L1"), t.TempDir(), IdentityPermutation, nil, usage)

	var id PageID
	id[5] = 1
	pm, err := lm.GetPage(context.Background(), id, PageOpenEither)
	require.NoError(t, err)
	require.NotNil(t, pm)
	lm.ClosePage(id)

	d := NewDiskCleanupManager(usage, func() map[string]*LedgerManager {
		return map[string]*LedgerManager{"L1": lm}
	})
	report, err := d.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
	assert.Empty(t, lm.OpenPageIDs())
}

func TestDiskCleanupManagerSkipsOpenPage(t *testing.T) {
	usage := openTestUsageDb(t)
	lm := NewLedgerManager([]byte("L1"), t.TempDir(), IdentityPermutation, nil, usage)

	var id PageID
	id[6] = 1
	_, err := lm.GetPage(context.Background(), id, PageOpenEither)
	require.NoError(t, err)

	// Seed a usage row directly, as if the page had been closed once before
	// being reopened by a concurrent caller.
	key := pagedb.UsageKey{LedgerName: "L1", PageID: id.String()}
	require.NoError(t, usage.MarkUnused(key, time.Unix(1, 0)))

	d := NewDiskCleanupManager(usage, func() map[string]*LedgerManager {
		return map[string]*LedgerManager{"L1": lm}
	})
	report, err := d.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Evicted)
}

func TestDiskCleanupManagerRespectsMaxEvictions(t *testing.T) {
	usage := openTestUsageDb(t)
	for i := 0; i < 3; i++ {
		key := pagedb.UsageKey{LedgerName: "gone", PageID: string(rune('a' + i))}
		require.NoError(t, usage.MarkOpen(key))
		require.NoError(t, usage.MarkUnused(key, time.Unix(int64(i), 0)))
	}

	d := NewDiskCleanupManager(usage, func() map[string]*LedgerManager { return nil })
	report, err := d.Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)

	remaining, err := usage.ListClosedAscending()
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}
