package configstore

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrConfigUnavailable is returned when no configuration snapshot has
	// been installed yet. Callers must fail closed (deny) on this error.
	ErrConfigUnavailable = errors.New("authorization configuration unavailable")

	// ErrUnknownConfigVersion is returned when a requested snapshot
	// version has been evicted from the history window. Credentials bound
	// to it require re-issuance; the condition is permanent.
	ErrUnknownConfigVersion = errors.New("unknown configuration version")
)

// DefaultRetention is the number of historical snapshots kept so that
// credentials issued against older versions stay evaluable.
const DefaultRetention = 32

// Store holds the current configuration snapshot plus a bounded history
// of previous versions. The current snapshot is swapped atomically on
// update; the read path takes no locks.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex // guards history and nextVersion; writers only
	history   map[uint64]*Snapshot
	retention int
	next      uint64
}

// NewStore creates an empty store keeping the given number of historical
// snapshot versions. A retention of zero or less falls back to
// DefaultRetention.
func NewStore(retention int) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		history:   make(map[uint64]*Snapshot),
		retention: retention,
		next:      1,
	}
}

// Current returns the latest snapshot, or ErrConfigUnavailable if no
// configuration has been installed.
func (s *Store) Current() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrConfigUnavailable
	}
	return snap, nil
}

// Version returns the snapshot with the given version id. Versions that
// rolled out of the retention window yield ErrUnknownConfigVersion.
func (s *Store) Version(id uint64) (*Snapshot, error) {
	// The current snapshot is served lock-free; it is by far the common case.
	if snap := s.current.Load(); snap != nil && snap.version == id {
		return snap, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.history[id]
	if !ok {
		return nil, ErrUnknownConfigVersion
	}
	return snap, nil
}

// Update installs a new configuration, returning the resulting snapshot.
// The bundle is copied; the caller may reuse it afterwards.
func (s *Store) Update(b Bundle) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := newSnapshot(s.next, b)
	s.next++
	s.history[snap.version] = snap
	s.current.Store(snap)
	s.evictLocked(snap.version)

	slog.Info("Installed configuration snapshot",
		"version", snap.version,
		"roles", len(snap.roles),
		"role_mappings", len(snap.roleMappings),
		"action_groups", len(snap.actionGroups),
		"tenants", len(snap.tenants))
	return snap
}

// evictLocked drops snapshots older than the retention window. Caller
// must hold s.mu.
func (s *Store) evictLocked(latest uint64) {
	if latest <= uint64(s.retention) {
		return
	}
	cutoff := latest - uint64(s.retention)
	for v := range s.history {
		if v <= cutoff {
			delete(s.history, v)
			slog.Debug("Evicted configuration snapshot", "version", v)
		}
	}
}
