package ledger

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/tailscroll/ledger/internal/ledger/pagedb"
	"github.com/tailscroll/ledger/internal/ledger/status"
)

// SerializationVersion identifies the on-disk layout Repository writes, the
// first path segment of the persisted layout (spec.md §6:
// "<base>/<serialization_version>/<ledger_name_b64url>/<page_id_b64url>/").
const SerializationVersion = "v1"

// RepositoryConfig is the durable repository identity persisted at
// <base>/ledger.toml (SPEC_FULL.md §6.1), read directly with BurntSushi/toml
// at construction, mirroring the teacher's local_config.go
// direct-parse-with-defaults idiom.
type RepositoryConfig struct {
	SerializationVersion string `toml:"serialization_version"`
	DeviceID             string `toml:"device_id"`
	SyncBacklogTimeoutMS int64  `toml:"sync_backlog_timeout_ms"`
	CommitPrunePolicy    string `toml:"commit_prune_policy"`
}

func defaultRepositoryConfig() RepositoryConfig {
	return RepositoryConfig{
		SerializationVersion: SerializationVersion,
		DeviceID:             uuid.NewString(),
		SyncBacklogTimeoutMS: 5000,
		CommitPrunePolicy:    PruneLocalImmediate.String(),
	}
}

func loadOrInitRepositoryConfig(path string) (RepositoryConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultRepositoryConfig()
		return cfg, writeRepositoryConfig(path, cfg)
	}
	var cfg RepositoryConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return RepositoryConfig{}, status.Wrap(status.FormatError, err)
	}
	if cfg.SerializationVersion == "" {
		cfg.SerializationVersion = SerializationVersion
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		_ = writeRepositoryConfig(path, cfg)
	}
	return cfg, nil
}

func writeRepositoryConfig(path string, cfg RepositoryConfig) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return status.Wrap(status.IOError, err)
	}
	defer f.Close()
	return status.Wrap(status.IOError, toml.NewEncoder(f).Encode(cfg))
}

// SyncStateWatcher observes a repository-wide online/offline transition
// (Repository.SetSyncStateWatcher, spec.md §6).
type SyncStateWatcher interface {
	OnSyncStateChanged(online bool)
}

// Repository owns a base content directory, this device's identity, and a
// map ledger_name -> LedgerManager (spec.md §4.1). While closing, every
// operation fails with ILLEGAL_STATE and no new ledger bindings are
// accepted.
type Repository struct {
	baseDir string
	config  RepositoryConfig
	env     Environment

	usage   *pagedb.UsageDb
	cleanup *DiskCleanupManager

	fingerprintWatcher *fsnotify.Watcher
	onCloudErase       func()

	mu       sync.Mutex
	ledgers  map[string]*LedgerManager
	watcher  SyncStateWatcher
	closing  bool
	cleaning bool
}

func ledgerKey(name []byte) string { return string(name) }

// OpenRepository opens (initializing if absent) a repository rooted at
// baseDir: its ledger.toml, its repository-wide usage.db, and a watch on
// its fingerprint file for an out-of-band cloud-erase signal (spec.md §6,
// §7).
func OpenRepository(baseDir string, env Environment) (*Repository, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	cfg, err := loadOrInitRepositoryConfig(filepath.Join(baseDir, "ledger.toml"))
	if err != nil {
		return nil, err
	}

	usage, err := pagedb.OpenUsageDb(filepath.Join(baseDir, "usage.db"))
	if err != nil {
		return nil, err
	}
	if err := usage.MarkAllClosed(); err != nil {
		_ = usage.Close()
		return nil, err
	}

	r := &Repository{
		baseDir: baseDir,
		config:  cfg,
		env:     env,
		usage:   usage,
		ledgers: make(map[string]*LedgerManager),
	}
	r.cleanup = NewDiskCleanupManager(usage, r.ledgerManagerSnapshot)

	if err := r.ensureFingerprint(); err != nil {
		_ = usage.Close()
		return nil, err
	}
	if err := r.watchFingerprint(); err != nil {
		env.logger().Warn("fingerprint watch unavailable", "error", err)
	}

	return r, nil
}

func (r *Repository) fingerprintPath() string { return filepath.Join(r.baseDir, "fingerprint") }

// ensureFingerprint writes a fingerprint file identifying this device in
// the cloud device set if one is not already present (spec.md §6).
func (r *Repository) ensureFingerprint() error {
	path := r.fingerprintPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return status.Wrap(status.IOError, os.WriteFile(path, []byte(r.config.DeviceID), 0o600))
}

// watchFingerprint installs an fsnotify watch that treats the fingerprint
// file's removal as a cloud-erase signal: local state is purged and clients
// are disconnected, never corrupted silently (spec.md §7).
func (r *Repository) watchFingerprint() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return status.Wrap(status.IOError, err)
	}
	if err := w.Add(r.baseDir); err != nil {
		_ = w.Close()
		return status.Wrap(status.IOError, err)
	}
	r.fingerprintWatcher = w
	target := r.fingerprintPath()
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name == target && (ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0) {
					r.handleCloudErase()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// handleCloudErase purges every open ledger's in-memory state and
// disconnects the repository; the host is expected to re-open (spec.md §7:
// "A cloud-erase signal ... purges local state and disconnects clients").
func (r *Repository) handleCloudErase() {
	r.mu.Lock()
	r.closing = true
	ledgers := r.ledgers
	r.ledgers = make(map[string]*LedgerManager)
	onErase := r.onCloudErase
	r.mu.Unlock()

	r.env.logger().Warn("cloud-erase signal observed, disconnecting repository")
	for _, lm := range ledgers {
		lm.closeAll()
	}
	if onErase != nil {
		onErase()
	}
}

// SetOnCloudErase registers a callback the host is notified through when a
// cloud-erase signal disconnects the repository, in addition to the
// internal purge handleCloudErase always performs.
func (r *Repository) SetOnCloudErase(k func()) {
	r.mu.Lock()
	r.onCloudErase = k
	r.mu.Unlock()
}

// checkOpen refuses every operation with ILLEGAL_STATE while closing
// (spec.md §4.1).
func (r *Repository) checkOpen() error {
	if r.closing {
		return status.New(status.IllegalState, "repository is closing")
	}
	return nil
}

// Config returns the repository's durable configuration as read from
// ledger.toml.
func (r *Repository) Config() RepositoryConfig { return r.config }

// BaseDir returns the repository's content directory.
func (r *Repository) BaseDir() string { return r.baseDir }

// LedgerNames lists every ledger directory present on disk under the
// repository's current serialization version, whether or not it has been
// opened in this process.
func (r *Repository) LedgerNames() ([]string, error) {
	dir := filepath.Join(r.baseDir, r.config.SerializationVersion)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			if decoded, derr := base64.RawURLEncoding.DecodeString(e.Name()); derr == nil {
				names = append(names, string(decoded))
			}
		}
	}
	return names, nil
}

// PageIDs lists every page directory present on disk for the named ledger,
// whether or not that page is currently open in this process.
func (r *Repository) PageIDs(ledgerName []byte) ([]PageID, error) {
	dir := filepath.Join(r.baseDir, r.config.SerializationVersion, ledgerDirName(ledgerName))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	var ids []PageID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		raw, derr := base64.RawURLEncoding.DecodeString(e.Name())
		if derr != nil || len(raw) != len(PageID{}) {
			continue
		}
		var id PageID
		copy(id[:], raw)
		ids = append(ids, id)
	}
	return ids, nil
}

// GetLedger returns the named ledger, creating its on-disk directory and
// LedgerManager on first access.
func (r *Repository) GetLedger(name []byte) (*Ledger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	key := ledgerKey(name)
	lm, ok := r.ledgers[key]
	if !ok {
		dir := filepath.Join(r.baseDir, r.config.SerializationVersion, ledgerDirName(name))
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, status.Wrap(status.IOError, err)
		}
		lm = NewLedgerManager(name, dir, IdentityPermutation, nil, r.usage)
		lm.SetEnvironment(r.env)
		r.ledgers[key] = lm
	}
	return newLedger(name, lm), nil
}

// Duplicate returns a second handle onto the same repository state,
// independent only in its own closing-state gate (mirrors the host-side
// duplicated-binding semantics of spec.md §6's Repository.Duplicate: the
// underlying ledgers and usage database are shared, not copied).
func (r *Repository) Duplicate() *Repository {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Repository{
		baseDir: r.baseDir,
		config:  r.config,
		env:     r.env,
		usage:   r.usage,
		cleanup: r.cleanup,
		ledgers: r.ledgers,
	}
}

// SetSyncStateWatcher installs w to be notified of repository-wide
// online/offline transitions.
func (r *Repository) SetSyncStateWatcher(w SyncStateWatcher) {
	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()
}

func (r *Repository) ledgerManagerSnapshot() map[string]*LedgerManager {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*LedgerManager, len(r.ledgers))
	for k, v := range r.ledgers {
		out[k] = v
	}
	return out
}

// DiskCleanUp runs one eviction pass across every open ledger. Concurrent
// calls are rejected with ILLEGAL_STATE until the running pass completes
// (spec.md §4.7).
func (r *Repository) DiskCleanUp(ctx context.Context) (CleanupReport, error) {
	r.mu.Lock()
	if err := r.checkOpen(); err != nil {
		r.mu.Unlock()
		return CleanupReport{}, err
	}
	if r.cleaning {
		r.mu.Unlock()
		return CleanupReport{}, status.New(status.IllegalState, "a cleanup is already in progress")
	}
	r.cleaning = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.cleaning = false
		r.mu.Unlock()
	}()

	return r.cleanup.Run(ctx, r.env.MaxDiskCleanupEvictions)
}

// Close enters the closing state (failing every subsequent operation with
// ILLEGAL_STATE), closes every open ledger's resident pages, and releases
// the repository-wide usage database and fingerprint watch.
func (r *Repository) Close() error {
	r.mu.Lock()
	r.closing = true
	ledgers := r.ledgers
	r.ledgers = make(map[string]*LedgerManager)
	r.mu.Unlock()

	for _, lm := range ledgers {
		lm.closeAll()
	}
	if r.fingerprintWatcher != nil {
		_ = r.fingerprintWatcher.Close()
	}
	return r.usage.Close()
}
