package catalog

import (
	"sync"
	"sync/atomic"
	"time"
)

// Store holds the current catalog snapshot. Readers take the snapshot pointer
// once and work on it; Replace never touches a published snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
	mu      sync.Mutex // serializes fetch operations
	pubMu   sync.Mutex // keeps versions published in order
}

// NewStore creates a new empty Store.
func NewStore() *Store {
	return &Store{}
}

// Current returns the latest snapshot, or nil if none has been loaded.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Replace publishes a new snapshot built from elements and returns it.
func (s *Store) Replace(source string, fetchedAt time.Time, elements []OrbitalElement) *Snapshot {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	snap := NewSnapshot(s.version.Add(1), source, fetchedAt, elements)
	s.current.Store(snap)
	return snap
}

// IsCurrent reports whether version is still the latest published snapshot.
func (s *Store) IsCurrent(version uint64) bool {
	snap := s.current.Load()
	return snap != nil && snap.Version == version
}

// AgeSeconds returns the age of the current snapshot in seconds.
// Returns -1 if no snapshot is loaded.
func (s *Store) AgeSeconds() float64 {
	snap := s.current.Load()
	if snap == nil {
		return -1
	}
	return time.Since(snap.FetchedAt).Seconds()
}

// Lock acquires the fetch mutex for serializing fetch operations.
func (s *Store) Lock() {
	s.mu.Lock()
}

// Unlock releases the fetch mutex.
func (s *Store) Unlock() {
	s.mu.Unlock()
}
