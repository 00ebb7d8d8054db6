package ledger

import (
	"context"

	"github.com/tailscroll/ledger/internal/ledger/pagedb"
)

// DiskCleanupManager evicts on-disk page storage for pages that are closed
// and either fully synced or closed-offline-and-empty, oldest first, until
// either the usage database is exhausted or a caller-supplied budget is met
// (spec.md §4.7). It never evicts a page LedgerManager reports as
// PAGE_OPENED: the scan simply skips it and moves to the next candidate.
// For an entry whose ledger has no LedgerManager in the current set, Run
// removes only the usage row and counts it as evicted; that page's storage
// on disk is not deleted.
type DiskCleanupManager struct {
	ledgers func() map[string]*LedgerManager
	usage   *pagedb.UsageDb
}

// NewDiskCleanupManager constructs a cleanup manager. ledgers is called
// fresh on every Run so that it always sees the repository's current set of
// open ledgers.
func NewDiskCleanupManager(usage *pagedb.UsageDb, ledgers func() map[string]*LedgerManager) *DiskCleanupManager {
	return &DiskCleanupManager{ledgers: ledgers, usage: usage}
}

// CleanupReport summarizes one Run.
type CleanupReport struct {
	Scanned int
	Evicted int
	Skipped int
}

// Run walks the usage database's closed entries oldest-first, evicting up
// to maxEvictions pages whose LedgerManager confirms are safe to remove. A
// maxEvictions of 0 means unlimited.
func (d *DiskCleanupManager) Run(ctx context.Context, maxEvictions int) (CleanupReport, error) {
	var report CleanupReport

	entries, err := d.usage.ListClosedAscending()
	if err != nil {
		return report, err
	}

	ledgers := d.ledgers()
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if maxEvictions > 0 && report.Evicted >= maxEvictions {
			break
		}
		report.Scanned++

		lm, ok := ledgers[entry.Key.LedgerName]
		if !ok {
			// The ledger itself isn't currently open: nothing holds its
			// pages, so the usage row is safe to evict directly.
			_ = d.usage.Evict(entry.Key)
			report.Evicted++
			continue
		}

		id := decodePageIDHex(entry.Key.PageID)

		synced, err := lm.PageIsClosedAndSynced(id)
		if err != nil {
			return report, err
		}
		if synced == TriPageOpened {
			report.Skipped++
			continue
		}
		if synced != TriYes {
			offline, err := lm.PageIsClosedOfflineAndEmpty(id)
			if err != nil {
				return report, err
			}
			if offline != TriYes {
				report.Skipped++
				continue
			}
		}

		if err := lm.DeletePageStorage(id); err != nil {
			report.Skipped++
			continue
		}
		_ = d.usage.Evict(entry.Key)
		report.Evicted++
	}

	return report, nil
}
