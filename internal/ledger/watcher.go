package ledger

import "sync"

// CommitSourceKind identifies where a batch of newly-landed commits came
// from, so AddCommitsFromSync can apply the right SYNCED/UNSYNCED marking
// and watchers can distinguish a cloud round trip from a peer-to-peer one or
// a purely local write (spec.md §4.3).
type CommitSourceKind int

const (
	SourceLocal CommitSourceKind = iota
	SourceCloud
	SourceP2P
)

func (k CommitSourceKind) String() string {
	switch k {
	case SourceCloud:
		return "CLOUD"
	case SourceP2P:
		return "P2P"
	default:
		return "LOCAL"
	}
}

// CommitWatcher is notified synchronously, on the goroutine that produced
// the commits, whenever new commits land on a page (spec.md §5: "watchers
// (observers) are owned by the PageStorage and invoked synchronously").
type CommitWatcher interface {
	OnNewCommits(commits []Commit, source CommitSourceKind)
}

// CommitWatcherFunc adapts a plain function to CommitWatcher.
type CommitWatcherFunc func(commits []Commit, source CommitSourceKind)

// OnNewCommits implements CommitWatcher.
func (f CommitWatcherFunc) OnNewCommits(commits []Commit, source CommitSourceKind) {
	f(commits, source)
}

// watcherSet is an observer set whose subscriptions are handles that
// unregister on demand, replacing a deep watcher hierarchy with a flat
// registry.
type watcherSet struct {
	mu       sync.Mutex
	nextID   int
	watchers map[int]CommitWatcher
}

func newWatcherSet() *watcherSet {
	return &watcherSet{watchers: make(map[int]CommitWatcher)}
}

// Subscribe registers w and returns a function that unregisters it.
func (s *watcherSet) Subscribe(w CommitWatcher) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = w
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// notify invokes every registered watcher synchronously. Watcher order
// across independent subscribers is unspecified; a single watcher always
// sees its own calls in commit order since the caller holds the page
// serialized.
func (s *watcherSet) notify(commits []Commit, source CommitSourceKind) {
	if len(commits) == 0 {
		return
	}
	s.mu.Lock()
	snapshot := make([]CommitWatcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		snapshot = append(snapshot, w)
	}
	s.mu.Unlock()
	for _, w := range snapshot {
		w.OnNewCommits(commits, source)
	}
}
