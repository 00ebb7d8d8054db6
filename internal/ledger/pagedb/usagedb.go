package pagedb

import (
	"encoding/binary"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tailscroll/ledger/internal/ledger/status"
)

// UsageKey identifies one page's usage row: <ledger_name>/<page_id>
// (spec.md §4.7).
type UsageKey struct {
	LedgerName string
	PageID     string
}

func (k UsageKey) bytes() []byte {
	out := make([]byte, 0, len(k.LedgerName)+1+len(k.PageID))
	out = append(out, k.LedgerName...)
	out = append(out, '/')
	out = append(out, k.PageID...)
	return out
}

// UsageEntry is one row read back from the usage table: Open means the page
// is currently open (timestamp is meaningless); otherwise Timestamp is the
// last time it was closed (spec.md §3's PageUsageEntry).
type UsageEntry struct {
	Key       UsageKey
	Timestamp time.Time
	Open      bool
}

var usageBucket = []byte("usage")

// UsageDb is the repository-wide bbolt file backing a PageUsageDb
// (SPEC_FULL.md §6.7): one <base>/usage.db shared by every ledger the
// repository owns, so DiskCleanupManager can compare recency across
// ledgers.
type UsageDb struct {
	bolt *bbolt.DB
}

// OpenUsageDb opens (creating if absent) the usage database at path.
func OpenUsageDb(path string) (*UsageDb, error) {
	bdb, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	db := &UsageDb{bolt: bdb}
	if err := db.bolt.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(usageBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, status.Wrap(status.IOError, err)
	}
	return db, nil
}

// Close releases the underlying bbolt handle.
func (d *UsageDb) Close() error {
	if err := d.bolt.Close(); err != nil {
		return status.Wrap(status.IOError, err)
	}
	return nil
}

func encodeUsageValue(e UsageEntry) []byte {
	if e.Open {
		return []byte{1}
	}
	var buf [1 + binary.MaxVarintLen64]byte
	buf[0] = 0
	n := binary.PutVarint(buf[1:], e.Timestamp.UTC().UnixNano())
	return buf[:1+n]
}

func decodeUsageValue(raw []byte) UsageEntry {
	if len(raw) == 0 || raw[0] == 1 {
		return UsageEntry{Open: true}
	}
	ns, _ := binary.Varint(raw[1:])
	return UsageEntry{Timestamp: time.Unix(0, ns).UTC()}
}

// MarkOpen sets key's entry to "currently open", on page-open (spec.md §4.7).
func (d *UsageDb) MarkOpen(key UsageKey) error {
	return status.Wrap(status.IOError, d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(usageBucket).Put(key.bytes(), encodeUsageValue(UsageEntry{Open: true}))
	}))
}

// MarkUnused records at as the last-closed time for key, on page-unused
// (spec.md §4.7).
func (d *UsageDb) MarkUnused(key UsageKey, at time.Time) error {
	return status.Wrap(status.IOError, d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(usageBucket).Put(key.bytes(), encodeUsageValue(UsageEntry{Timestamp: at}))
	}))
}

// Evict deletes key's entry entirely, once its page's storage has been
// deleted from disk.
func (d *UsageDb) Evict(key UsageKey) error {
	return status.Wrap(status.IOError, d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(usageBucket).Delete(key.bytes())
	}))
}

// MarkAllClosed marks every currently-open entry closed as of now, run once
// at repository startup: an entry left "open" from a previous process can
// only mean that process exited without closing its pages.
func (d *UsageDb) MarkAllClosed() error {
	return d.markAllClosedAt(time.Now())
}

func (d *UsageDb) markAllClosedAt(now time.Time) error {
	return status.Wrap(status.IOError, d.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usageBucket)
		c := b.Cursor()
		var toClose [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if decodeUsageValue(v).Open {
				toClose = append(toClose, append([]byte(nil), k...))
			}
		}
		for _, k := range toClose {
			if err := b.Put(k, encodeUsageValue(UsageEntry{Timestamp: now})); err != nil {
				return err
			}
		}
		return nil
	}))
}

func splitUsageKey(raw string) UsageKey {
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '/' {
			return UsageKey{LedgerName: raw[:i], PageID: raw[i+1:]}
		}
	}
	return UsageKey{PageID: raw}
}

// ListClosedAscending returns every closed (non-open) entry sorted
// ascending by timestamp: the least-recently-used eviction order
// DiskCleanupManager consults (spec.md §4.7).
func (d *UsageDb) ListClosedAscending() ([]UsageEntry, error) {
	var out []UsageEntry
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(usageBucket).ForEach(func(k, v []byte) error {
			entry := decodeUsageValue(v)
			if entry.Open {
				return nil
			}
			entry.Key = splitUsageKey(string(k))
			out = append(out, entry)
			return nil
		})
	})
	if err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Timestamp.After(out[j].Timestamp); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}
