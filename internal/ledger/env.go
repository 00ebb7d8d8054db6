package ledger

import (
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// CommitPrunePolicy selects when a synced commit with no unsynced
// descendant becomes eligible for pruning (spec.md §9 open question (a)).
// Only these two modes exist; no third mode is invented.
type CommitPrunePolicy int

const (
	// PruneLocalImmediate prunes a commit the instant it is synced and has
	// no unsynced descendant.
	PruneLocalImmediate CommitPrunePolicy = iota
	// PruneNever never prunes a commit once persisted, relying entirely on
	// page eviction to reclaim space.
	PruneNever
)

func (p CommitPrunePolicy) String() string {
	if p == PruneNever {
		return "never"
	}
	return "local_immediate"
}

// Environment carries the host-supplied parameters the storage engine is
// parametric over: no component reads ambient global state (spec.md §9 —
// "Global mutable state: none"). It is parsed from YAML host configuration
// (SPEC_FULL.md ambient stack); the on-disk ledger.toml, by contrast, holds
// durable repository identity and is read directly by Repository.
type Environment struct {
	// Logger is the root structured logger; every component derives a
	// child via .With("component", ...) rather than using a package-level
	// logger.
	Logger *slog.Logger `yaml:"-"`

	// FetchParallelism bounds concurrent out-of-band object fetches during
	// AddCommitsFromSync (SPEC_FULL.md §6.3).
	FetchParallelism int `yaml:"fetch_parallelism"`

	// MergeRetryMaxElapsed bounds the exponential backoff used when a
	// client ConflictResolver disconnects mid-merge (SPEC_FULL.md §6.5).
	MergeRetryMaxElapsed time.Duration `yaml:"merge_retry_max_elapsed"`

	// SyncBacklogTimeout is how long a delayed page binding waits for the
	// initial sync backlog before being served from local state (spec.md
	// §5: "configurable backlog-download timeout (default 5s)").
	SyncBacklogTimeout time.Duration `yaml:"sync_backlog_timeout"`

	// CommitPrunePolicy selects the page's commit-pruning mode.
	CommitPrunePolicy CommitPrunePolicy `yaml:"commit_prune_policy"`

	// MaxDiskCleanupEvictions caps how many pages one DiskCleanupManager.Run
	// call evicts; 0 means unlimited.
	MaxDiskCleanupEvictions int `yaml:"max_disk_cleanup_evictions"`
}

// DefaultEnvironment returns an Environment with every field set to the
// values named throughout SPEC_FULL.md.
func DefaultEnvironment() Environment {
	return Environment{
		Logger:                  slog.Default(),
		FetchParallelism:        syncFetchParallelism,
		MergeRetryMaxElapsed:    30 * time.Second,
		SyncBacklogTimeout:      5 * time.Second,
		CommitPrunePolicy:       PruneLocalImmediate,
		MaxDiskCleanupEvictions: 0,
	}
}

// ParseEnvironmentYAML decodes host configuration on top of
// DefaultEnvironment's values, mirroring the teacher's direct-parse-with-
// defaults idiom rather than a layered precedence system.
func ParseEnvironmentYAML(data []byte) (Environment, error) {
	env := DefaultEnvironment()
	if len(data) == 0 {
		return env, nil
	}
	if err := yaml.Unmarshal(data, &env); err != nil {
		return Environment{}, err
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.FetchParallelism <= 0 {
		env.FetchParallelism = syncFetchParallelism
	}
	return env, nil
}

func (e Environment) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
