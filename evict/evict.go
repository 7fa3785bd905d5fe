// Package evict enforces retention limits on the clone cache. A
// background sweeper expires entries past the age limit, evicts least
// recently used entries while the cache is over quota, and removes
// entry directories that lost their index entry.
package evict

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	clonecache "github.com/wolfeidau/clone-cache"
	"github.com/wolfeidau/clone-cache/backend"
	"github.com/wolfeidau/clone-cache/store"
	"github.com/wolfeidau/clone-cache/telemetry"
)

// Config holds eviction configuration.
type Config struct {
	// MaxEntries is the maximum number of cached clones.
	// Zero means no entry count limit.
	MaxEntries int

	// MaxTotalBytes is the maximum total size of cached clones in bytes.
	// When exceeded, LRU eviction removes the least recently used
	// entries until under the limit. Zero means no size limit.
	MaxTotalBytes int64

	// MaxAge is how long an entry may live since it was created.
	// Entries older than this are removed regardless of recency.
	// Zero means no age-based expiry.
	MaxAge time.Duration

	// Interval is how often the background sweep runs.
	// Default is 5 minutes.
	Interval time.Duration

	// Logger for eviction events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    0,                      // unlimited
		MaxTotalBytes: 5 * 1024 * 1024 * 1024, // 5 GiB
		MaxAge:        24 * time.Hour,
		Interval:      5 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Manager runs eviction sweeps over the entry index and backend.
type Manager struct {
	config    Config
	store     *store.Store
	backend   backend.Backend
	logger    *slog.Logger
	protected func(key string) bool
	now       func() time.Time

	// runMu serializes sweeps with capacity checks so that the two
	// never evict concurrently.
	runMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopped bool
	lastRun *Result
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithProtected sets a predicate marking keys that must never be
// evicted, typically because a clone for the key is in flight.
func WithProtected(fn func(key string) bool) Option {
	return func(m *Manager) {
		if fn != nil {
			m.protected = fn
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a new eviction manager.
func NewManager(st *store.Store, b backend.Backend, cfg Config, opts ...Option) *Manager {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		config:    cfg,
		store:     st,
		backend:   b,
		logger:    cfg.Logger,
		protected: func(string) bool { return false },
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins background eviction sweeps.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background eviction sweeps.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// RunOnce performs a single eviction sweep.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	return m.runOnce(ctx)
}

// LastRun returns the result of the most recent sweep, or nil if no
// sweep has completed yet.
func (m *Manager) LastRun() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

// Result contains the results of an eviction sweep.
type Result struct {
	StartedAt      time.Time     `json:"started_at"`
	AgeExpired     int           `json:"age_expired"`
	LRUEvicted     int           `json:"lru_evicted"`
	OrphansRemoved int           `json:"orphans_removed"`
	BytesFreed     int64         `json:"bytes_freed"`
	Errors         int           `json:"errors"`
	Duration       time.Duration `json:"duration"`
}

func (m *Manager) runOnce(ctx context.Context) *Result {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	start := m.now()
	result := &Result{StartedAt: start}

	m.logger.Debug("starting eviction sweep")

	entries := m.store.List()

	// Phase 1: expire entries past the age limit
	if m.config.MaxAge > 0 {
		ageResult := m.expireByAge(ctx, entries)
		result.AgeExpired = ageResult.expired
		result.BytesFreed += ageResult.bytesFreed
		result.Errors += ageResult.errors

		// Remove expired entries from the list for the LRU phase
		entries = ageResult.remaining
	}

	// Phase 2: LRU eviction if over quota
	if m.config.MaxTotalBytes > 0 || m.config.MaxEntries > 0 {
		lruResult := m.evictByLRU(ctx, entries)
		result.LRUEvicted = lruResult.evicted
		result.BytesFreed += lruResult.bytesFreed
		result.Errors += lruResult.errors
	}

	// Phase 3: remove entry directories with no index entry
	orphanResult := m.removeOrphans(ctx)
	result.OrphansRemoved = orphanResult.removed
	result.BytesFreed += orphanResult.bytesFreed
	result.Errors += orphanResult.errors

	result.Duration = m.now().Sub(start)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	stats := m.store.GetStats()
	telemetry.RecordSweep(ctx, result.Duration)
	telemetry.UpdateCacheState(ctx, stats.EntryCount, stats.TotalBytes)

	if result.AgeExpired > 0 || result.LRUEvicted > 0 || result.OrphansRemoved > 0 {
		m.logger.Info("eviction sweep complete",
			"age_expired", result.AgeExpired,
			"lru_evicted", result.LRUEvicted,
			"orphans_removed", result.OrphansRemoved,
			"bytes_freed", result.BytesFreed,
			"errors", result.Errors,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("eviction sweep complete, nothing to evict")
	}

	return result
}

type ageResult struct {
	expired    int
	bytesFreed int64
	errors     int
	remaining  []*store.Entry
}

func (m *Manager) expireByAge(ctx context.Context, entries []*store.Entry) ageResult {
	result := ageResult{}
	cutoff := m.now().Add(-m.config.MaxAge)

	for _, e := range entries {
		if !e.CreatedAt.Before(cutoff) || m.protected(e.Key) {
			result.remaining = append(result.remaining, e)
			continue
		}

		if err := m.deleteEntry(ctx, e.Key); err != nil {
			m.logger.Warn("failed to delete aged entry",
				"key", shortKey(e.Key),
				"error", err,
			)
			result.errors++
		}
		result.expired++
		result.bytesFreed += e.SizeBytes
		telemetry.RecordEviction(ctx, "age", e.SizeBytes)

		m.logger.Debug("expired entry by age",
			"key", shortKey(e.Key),
			"created_at", e.CreatedAt,
			"age", m.now().Sub(e.CreatedAt),
		)
	}

	return result
}

type lruResult struct {
	evicted    int
	bytesFreed int64
	errors     int
}

func (m *Manager) evictByLRU(ctx context.Context, entries []*store.Entry) lruResult {
	result := lruResult{}

	var totalSize int64
	for _, e := range entries {
		totalSize += e.SizeBytes
	}
	count := len(entries)

	if m.withinLimits(count, totalSize) {
		return result
	}

	// Sort by last accessed time (oldest first)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed.Before(entries[j].LastAccessed)
	})

	for i, e := range entries {
		if m.withinLimits(count, totalSize) {
			break
		}
		// The most recently accessed entry survives even when it
		// alone is over the size limit.
		if i == len(entries)-1 {
			break
		}
		if m.protected(e.Key) {
			continue
		}

		if err := m.deleteEntry(ctx, e.Key); err != nil {
			m.logger.Warn("failed to evict entry by LRU",
				"key", shortKey(e.Key),
				"error", err,
			)
			result.errors++
		}
		result.evicted++
		result.bytesFreed += e.SizeBytes
		totalSize -= e.SizeBytes
		count--
		telemetry.RecordEviction(ctx, "lru", e.SizeBytes)

		m.logger.Debug("evicted entry by LRU",
			"key", shortKey(e.Key),
			"last_accessed", e.LastAccessed,
			"size", e.SizeBytes,
		)
	}

	return result
}

type orphanResult struct {
	removed    int
	bytesFreed int64
	errors     int
}

// removeOrphans deletes entry directories that have no index entry,
// left behind when a crash interrupted an insert or an earlier
// directory delete failed partway.
func (m *Manager) removeOrphans(ctx context.Context) orphanResult {
	result := orphanResult{}

	keys, err := m.backend.ListEntryKeys(ctx)
	if err != nil {
		m.logger.Warn("failed to list entry directories", "error", err)
		result.errors++
		return result
	}

	for _, key := range keys {
		select {
		case <-ctx.Done():
			return result
		default:
		}

		if m.protected(key) {
			continue
		}
		if _, ok := m.store.Peek(key); ok {
			continue
		}

		size, _ := backend.DirSize(m.backend.EntryPath(key))

		if err := m.backend.RemoveEntry(ctx, key); err != nil {
			m.logger.Warn("failed to remove orphaned entry directory",
				"key", shortKey(key),
				"error", err,
			)
			result.errors++
			continue
		}

		result.removed++
		result.bytesFreed += size
		telemetry.RecordEviction(ctx, "orphan", size)

		m.logger.Debug("removed orphaned entry directory",
			"key", shortKey(key),
			"size", size,
		)
	}

	return result
}

// EnsureCapacity evicts least recently used entries until an entry of
// incoming bytes fits within the configured limits, ignoring recency
// exemptions since the incoming entry supersedes them. An entry larger
// than the size limit is still admitted once the cache is empty. It
// returns ErrQuotaExceeded when the entries still in the way are all
// protected.
func (m *Manager) EnsureCapacity(ctx context.Context, incoming int64) error {
	if m.config.MaxTotalBytes == 0 && m.config.MaxEntries == 0 {
		return nil
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()

	for {
		stats := m.store.GetStats()
		if m.fits(stats.EntryCount, stats.TotalBytes, incoming) {
			return nil
		}
		if stats.EntryCount == 0 {
			return nil
		}

		victim := m.lruVictim()
		if victim == nil {
			return fmt.Errorf("%w: cannot free room for %d bytes", clonecache.ErrQuotaExceeded, incoming)
		}

		if err := m.deleteEntry(ctx, victim.Key); err != nil {
			m.logger.Warn("failed to delete entry while making room",
				"key", shortKey(victim.Key),
				"error", err,
			)
		}
		telemetry.RecordEviction(ctx, "capacity", victim.SizeBytes)

		m.logger.Debug("evicted entry to make room",
			"key", shortKey(victim.Key),
			"size", victim.SizeBytes,
			"incoming", incoming,
		)
	}
}

func (m *Manager) withinLimits(count int, totalSize int64) bool {
	if m.config.MaxTotalBytes > 0 && totalSize > m.config.MaxTotalBytes {
		return false
	}
	if m.config.MaxEntries > 0 && count > m.config.MaxEntries {
		return false
	}
	return true
}

func (m *Manager) fits(count int, totalSize, incoming int64) bool {
	if m.config.MaxTotalBytes > 0 && totalSize+incoming > m.config.MaxTotalBytes {
		return false
	}
	if m.config.MaxEntries > 0 && count+1 > m.config.MaxEntries {
		return false
	}
	return true
}

// lruVictim returns the least recently used unprotected entry, or nil
// when every remaining entry is protected.
func (m *Manager) lruVictim() *store.Entry {
	entries := m.store.List()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed.Before(entries[j].LastAccessed)
	})

	for _, e := range entries {
		if !m.protected(e.Key) {
			return e
		}
	}

	return nil
}

// deleteEntry removes the index entry first, then the directory tree.
// When the directory delete fails the key is already out of the index,
// so the entry is no longer served and the next sweep retries the
// delete as an orphan.
func (m *Manager) deleteEntry(ctx context.Context, key string) error {
	if _, ok := m.store.Remove(ctx, key); !ok {
		return nil
	}
	return m.backend.RemoveEntry(ctx, key)
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
