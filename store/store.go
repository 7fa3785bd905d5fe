// Package store maintains the cache's entry index.
//
// The index is authoritative in memory and written through to per-entry
// manifest files on the backend, so that a process start against a shared
// backend (or a restart that kept its ephemeral directory) can rebuild
// the index by scanning manifests.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/clone-cache/backend"
)

// Entry describes one cached clone. Entries are immutable after insert
// except for LastAccessed.
type Entry struct {
	Key          string    `json:"key"`
	Locator      string    `json:"locator"`
	Ref          string    `json:"ref"`
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Stats are aggregate index statistics.
type Stats struct {
	EntryCount      int
	TotalBytes      int64
	OldestCreatedAt time.Time
}

// Store is the entry index.
type Store struct {
	backend backend.Backend
	log     *slog.Logger
	now     func() time.Time // For testing

	mu      sync.RWMutex
	entries map[string]*Entry
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for manifest warnings.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty index backed by b for manifest persistence.
func New(b backend.Backend, opts ...Option) *Store {
	s := &Store{
		backend: b,
		log:     slog.Default(),
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup returns the entry for key and touches its last-access time.
// The returned entry is a copy; mutating it does not affect the index.
func (s *Store) Lookup(ctx context.Context, key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}

	e.LastAccessed = s.now()
	s.writeManifestLocked(ctx, e)

	cp := *e
	return &cp, true
}

// Peek returns the entry for key without touching last-access.
func (s *Store) Peek(key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Insert records a new entry, filling in timestamps when unset, and
// persists its manifest. An existing entry under the same key is
// replaced.
func (s *Store) Insert(ctx context.Context, e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if e.LastAccessed.IsZero() {
		e.LastAccessed = e.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[e.Key] = &e
	s.writeManifestLocked(ctx, &e)
}

// Remove deletes the entry for key from the index and its manifest from
// the backend. It returns the removed entry so callers can account for
// freed bytes. Removing an absent key is a no-op.
func (s *Store) Remove(ctx context.Context, key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	delete(s.entries, key)

	if err := s.backend.DeleteManifest(ctx, key); err != nil {
		s.log.Warn("deleting manifest failed", "key", key, "error", err)
	}

	cp := *e
	return &cp, true
}

// List returns copies of all entries in no particular order.
func (s *Store) List() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Len returns the number of entries in the index.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// GetStats returns aggregate statistics.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{EntryCount: len(s.entries)}
	for _, e := range s.entries {
		stats.TotalBytes += e.SizeBytes
		if stats.OldestCreatedAt.IsZero() || e.CreatedAt.Before(stats.OldestCreatedAt) {
			stats.OldestCreatedAt = e.CreatedAt
		}
	}
	return stats
}

// Rebuild repopulates the index from backend manifests. Manifests whose
// entry directory is missing, or that cannot be decoded, are dropped
// from the backend rather than restored. Returns the number of entries
// restored.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	keys, err := s.backend.ListManifestKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing manifests: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, key := range keys {
		data, err := s.backend.ReadManifest(ctx, key)
		if err != nil {
			s.log.Warn("skipping unreadable manifest", "key", key, "error", err)
			continue
		}

		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			s.log.Warn("dropping undecodable manifest", "key", key, "error", err)
			_ = s.backend.DeleteManifest(ctx, key)
			continue
		}
		if e.Key != key {
			s.log.Warn("dropping manifest with mismatched key", "manifest", key, "key", e.Key)
			_ = s.backend.DeleteManifest(ctx, key)
			continue
		}

		exists, err := s.backend.EntryExists(ctx, key)
		if err != nil {
			return restored, fmt.Errorf("checking entry %s: %w", key, err)
		}
		if !exists {
			s.log.Warn("dropping manifest without entry directory", "key", key)
			_ = s.backend.DeleteManifest(ctx, key)
			continue
		}

		// Paths are host-specific; always derive from the local backend.
		e.Path = s.backend.EntryPath(key)
		s.entries[key] = &e
		restored++
	}

	return restored, nil
}

// writeManifestLocked persists the manifest for e. Manifest writes are
// best effort: a failure degrades rebuild after restart, not the live
// index, so it is logged and swallowed.
func (s *Store) writeManifestLocked(ctx context.Context, e *Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		s.log.Warn("encoding manifest failed", "key", e.Key, "error", err)
		return
	}
	if err := s.backend.WriteManifest(ctx, e.Key, data); err != nil {
		s.log.Warn("writing manifest failed", "key", e.Key, "error", err)
	}
}
