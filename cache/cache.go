// Package cache is the boundary facade of the clone cache. It resolves
// locators to cache keys, serves hits straight from the index, and
// collapses concurrent misses for a key into a single clone whose
// outcome every waiter observes identically.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	clonecache "github.com/wolfeidau/clone-cache"
	"github.com/wolfeidau/clone-cache/backend"
	"github.com/wolfeidau/clone-cache/cloner"
	"github.com/wolfeidau/clone-cache/evict"
	"github.com/wolfeidau/clone-cache/store"
	"github.com/wolfeidau/clone-cache/telemetry"
)

var errClosed = errors.New("cache is closed")

// Config configures a Cache.
type Config struct {
	// BaseDirectory is the root under which entry trees, staging space
	// and manifests live.
	BaseDirectory string

	// MaxEntries caps the number of cached clones. Zero means no limit.
	MaxEntries int

	// MaxTotalBytes caps the aggregate size of cached clones in bytes.
	// Zero means no limit.
	MaxTotalBytes int64

	// MaxAge is how long an entry may live since it was created.
	// Zero disables age-based expiry.
	MaxAge time.Duration

	// CloneTimeout bounds a single clone. The budget belongs to the
	// clone itself; a caller abandoning the wait early does not abort
	// it. Default is 10 minutes.
	CloneTimeout time.Duration

	// SweepInterval is how often the background eviction sweep runs.
	// Default is 5 minutes.
	SweepInterval time.Duration

	// CloneDepth is the history depth for new clones. Default is 1.
	CloneDepth int

	// UseSharedBackend selects the shared durable backend. The base
	// directory must already exist, typically a mounted volume, and
	// entries written by other instances are picked up on startup.
	UseSharedBackend bool

	// Executor performs the clones. Default is a go-git executor.
	Executor cloner.Executor

	// Logger for cache events.
	Logger *slog.Logger

	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// Stats is a point-in-time summary of the cache.
type Stats struct {
	Entries        int
	TotalBytes     int64
	OldestEntryAge time.Duration
}

// Cache maps repository locators to local clone directories.
type Cache struct {
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	backend  backend.Backend
	store    *store.Store
	executor cloner.Executor
	evictor  *evict.Manager
	inflight *keyRegistry

	flight singleflight.Group
	clones sync.WaitGroup
	closed atomic.Bool
}

// New creates a Cache rooted at cfg.BaseDirectory and starts the
// background eviction sweep.
func New(cfg Config) (*Cache, error) {
	if cfg.BaseDirectory == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if cfg.CloneTimeout == 0 {
		cfg.CloneTimeout = 10 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.CloneDepth == 0 {
		cfg.CloneDepth = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	var (
		be  backend.Backend
		err error
	)
	if cfg.UseSharedBackend {
		be, err = backend.NewShared(cfg.BaseDirectory)
	} else {
		be, err = backend.NewEphemeral(cfg.BaseDirectory)
	}
	if err != nil {
		return nil, fmt.Errorf("opening backend: %w", err)
	}
	be = backend.NewInstrumentedBackend(be)

	st := store.New(be, store.WithLogger(cfg.Logger), store.WithClock(cfg.Clock))

	if cfg.UseSharedBackend {
		restored, err := st.Rebuild(context.Background())
		if err != nil {
			return nil, fmt.Errorf("rebuilding index: %w", err)
		}
		if restored > 0 {
			cfg.Logger.Info("rebuilt index from shared backend", "entries", restored)
		}
	}

	if cfg.Executor == nil {
		cfg.Executor = cloner.NewGit(cloner.WithLogger(cfg.Logger))
	}

	c := &Cache{
		cfg:      cfg,
		log:      cfg.Logger,
		now:      cfg.Clock,
		backend:  be,
		store:    st,
		executor: cfg.Executor,
		inflight: newKeyRegistry(),
	}

	c.evictor = evict.NewManager(st, be, evict.Config{
		MaxEntries:    cfg.MaxEntries,
		MaxTotalBytes: cfg.MaxTotalBytes,
		MaxAge:        cfg.MaxAge,
		Interval:      cfg.SweepInterval,
		Logger:        cfg.Logger,
	}, evict.WithProtected(c.inflight.contains), evict.WithClock(cfg.Clock))

	if err := c.evictor.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("starting eviction manager: %w", err)
	}

	return c, nil
}

// GetOrClone returns a local directory for the repository named by
// locator, cloning it on a miss. Local directories are returned in
// place and never enter the cache. The returned path is cache owned
// and must be treated read-only.
func (c *Cache) GetOrClone(ctx context.Context, locator string, opts ...RequestOption) (string, error) {
	if c.closed.Load() {
		return "", errClosed
	}

	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	src, err := clonecache.ClassifySource(locator)
	if err != nil {
		return "", fmt.Errorf("classifying source: %w", err)
	}

	if src.IsLocal() {
		telemetry.SetCacheResult(ctx, telemetry.CacheBypass)
		telemetry.RecordCacheRequest(ctx, "bypass")
		return src.Path, nil
	}

	ref := ro.ref
	if ref == "" {
		ref = clonecache.DefaultRef
	}
	key := clonecache.ResolveKey(src.Locator, ref)

	// Fast path: hits never touch the flight table
	if path, ok, err := c.lookupEntry(ctx, key); ok {
		return path, err
	}

	return c.waitForClone(ctx, key, src.Locator, ref, ro.credential)
}

// lookupEntry reports ok=false on a miss. A hit whose directory has
// gone missing from disk is invalidated and reported corrupted; the
// next request for the key clones afresh.
func (c *Cache) lookupEntry(ctx context.Context, key clonecache.Key) (string, bool, error) {
	e, ok := c.store.Lookup(ctx, key.String())
	if !ok {
		return "", false, nil
	}

	if _, err := os.Stat(e.Path); err != nil {
		c.log.Warn("entry directory missing, invalidating",
			"key", key.ShortString(),
			"path", e.Path,
		)
		c.store.Remove(ctx, key.String())
		_ = c.backend.RemoveEntry(ctx, key.String())
		telemetry.RecordCacheRequest(ctx, "corrupted")
		return "", true, fmt.Errorf("%w: %s", clonecache.ErrCorruptedEntry, key.ShortString())
	}

	telemetry.SetCacheResult(ctx, telemetry.CacheHit)
	telemetry.RecordCacheRequest(ctx, "hit")
	return e.Path, true, nil
}

// waitForClone joins or starts the flight for key. The populate
// function runs detached from any one caller's deadline; a caller
// whose context expires abandons only its own wait.
func (c *Cache) waitForClone(ctx context.Context, key clonecache.Key, locator, ref, credential string) (string, error) {
	telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
	telemetry.RecordCacheRequest(ctx, "miss")

	cloneCtx := context.WithoutCancel(ctx)

	ch := c.flight.DoChan(key.String(), func() (any, error) {
		return c.populate(cloneCtx, key, locator, ref, credential)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: abandoned wait for clone of %s", clonecache.ErrTimeout, clonecache.NormalizeLocator(locator))
		}
		return "", ctx.Err()
	}
}

// populate is the flight body: exactly one runs per key at a time.
func (c *Cache) populate(ctx context.Context, key clonecache.Key, locator, ref, credential string) (string, error) {
	c.clones.Add(1)
	defer c.clones.Done()

	c.inflight.add(key.String())
	defer c.inflight.remove(key.String())

	// Double check under the flight: the clone may have completed
	// between our miss and winning the flight.
	if e, ok := c.store.Lookup(ctx, key.String()); ok {
		if _, err := os.Stat(e.Path); err == nil {
			return e.Path, nil
		}
		// Stale index entry, clear it and clone afresh
		c.store.Remove(ctx, key.String())
		_ = c.backend.RemoveEntry(ctx, key.String())
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CloneTimeout)
	defer cancel()

	start := c.now()
	path, size, err := c.runClone(ctx, key, locator, ref, credential)
	duration := c.now().Sub(start)

	telemetry.RecordClone(ctx, cloneOutcome(err), duration, size)

	logURL := clonecache.NormalizeLocator(locator)
	if err != nil {
		c.log.Warn("clone failed",
			"key", key.ShortString(),
			"locator", logURL,
			"ref", ref,
			"duration", duration,
			"error", err,
		)
		return "", err
	}

	c.log.Info("cloned repository",
		"key", key.ShortString(),
		"locator", logURL,
		"ref", ref,
		"size", size,
		"duration", duration,
	)

	return path, nil
}

// runClone stages, clones, makes room, promotes and indexes one entry.
func (c *Cache) runClone(ctx context.Context, key clonecache.Key, locator, ref, credential string) (string, int64, error) {
	staging, err := c.backend.Stage(ctx, key.String())
	if err != nil {
		return "", 0, fmt.Errorf("creating staging directory: %w", err)
	}

	err = c.executor.Clone(ctx, cloner.Spec{
		URL:        locator,
		Ref:        ref,
		Dir:        staging,
		Credential: credential,
		Depth:      c.cfg.CloneDepth,
	})
	if err != nil {
		c.discardStaging(ctx, key, staging)
		return "", 0, err
	}

	size, err := backend.DirSize(staging)
	if err != nil {
		c.discardStaging(ctx, key, staging)
		return "", 0, fmt.Errorf("measuring clone size: %w", err)
	}

	if err := c.evictor.EnsureCapacity(ctx, size); err != nil {
		c.discardStaging(ctx, key, staging)
		return "", 0, err
	}

	path, adopted, err := c.backend.Promote(ctx, staging, key.String())
	if err != nil {
		c.discardStaging(ctx, key, staging)
		return "", 0, fmt.Errorf("promoting entry: %w", err)
	}
	if adopted {
		c.log.Debug("adopted entry promoted by another instance", "key", key.ShortString())
	}

	c.store.Insert(ctx, store.Entry{
		Key:       key.String(),
		Locator:   clonecache.NormalizeLocator(locator),
		Ref:       ref,
		Path:      path,
		SizeBytes: size,
	})

	return path, size, nil
}

func (c *Cache) discardStaging(ctx context.Context, key clonecache.Key, staging string) {
	if err := c.backend.DiscardStaging(ctx, staging); err != nil {
		c.log.Warn("failed to discard staging directory",
			"key", key.ShortString(),
			"staging", staging,
			"error", err,
		)
	}
}

// Invalidate removes the entry for locator and ref, if present. The
// next request for the pair clones afresh. Invalidating an absent
// entry is a no-op.
func (c *Cache) Invalidate(ctx context.Context, locator string, opts ...RequestOption) error {
	if c.closed.Load() {
		return errClosed
	}

	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	src, err := clonecache.ClassifySource(locator)
	if err != nil {
		return fmt.Errorf("classifying source: %w", err)
	}
	if src.IsLocal() {
		return nil
	}

	ref := ro.ref
	if ref == "" {
		ref = clonecache.DefaultRef
	}
	key := clonecache.ResolveKey(src.Locator, ref)

	e, ok := c.store.Remove(ctx, key.String())
	if !ok {
		return nil
	}

	if err := c.backend.RemoveEntry(ctx, key.String()); err != nil {
		return fmt.Errorf("removing entry directory: %w", err)
	}

	telemetry.RecordEviction(ctx, "invalidate", e.SizeBytes)

	c.log.Info("invalidated entry",
		"key", key.ShortString(),
		"locator", clonecache.NormalizeLocator(locator),
		"ref", ref,
	)

	return nil
}

// Stats returns a point-in-time summary of the cache.
func (c *Cache) Stats() Stats {
	s := c.store.GetStats()

	stats := Stats{
		Entries:    s.EntryCount,
		TotalBytes: s.TotalBytes,
	}
	if !s.OldestCreatedAt.IsZero() {
		stats.OldestEntryAge = c.now().Sub(s.OldestCreatedAt)
	}
	return stats
}

// Entries returns a snapshot of all indexed entries.
func (c *Cache) Entries() []*store.Entry {
	return c.store.List()
}

// LastSweep returns the result of the most recent eviction sweep, or
// nil if none has completed yet.
func (c *Cache) LastSweep() *evict.Result {
	return c.evictor.LastRun()
}

// Config returns the effective configuration after defaulting.
func (c *Cache) Config() Config {
	return c.cfg
}

// Close stops the background sweep and waits for in-flight clones to
// finish, bounded by ctx.
func (c *Cache) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.evictor.Stop()

	done := make(chan struct{})
	go func() {
		c.clones.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight clones: %w", ctx.Err())
	}
}

// cloneOutcome maps a clone result onto the bounded outcome label set
// used by the clone metrics.
func cloneOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, clonecache.ErrAuth):
		return "auth"
	case errors.Is(err, clonecache.ErrNotFound):
		return "not_found"
	case errors.Is(err, clonecache.ErrTimeout):
		return "timeout"
	case errors.Is(err, clonecache.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, clonecache.ErrNetwork):
		return "network"
	default:
		return "error"
	}
}

// keyRegistry tracks keys with a clone in flight so the eviction
// manager never selects them.
type keyRegistry struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newKeyRegistry() *keyRegistry {
	return &keyRegistry{keys: make(map[string]struct{})}
}

func (r *keyRegistry) add(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key] = struct{}{}
}

func (r *keyRegistry) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
}

func (r *keyRegistry) contains(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.keys[key]
	return ok
}

// requestOptions carries per-request adjustments.
type requestOptions struct {
	ref        string
	credential string
}

// RequestOption adjusts a single cache request.
type RequestOption func(*requestOptions)

// WithRef selects the branch or tag to clone. Empty means the remote
// default branch.
func WithRef(ref string) RequestOption {
	return func(o *requestOptions) {
		o.ref = ref
	}
}

// WithCredential supplies a credential for the upstream host. It is
// held in memory for the duration of the clone, passed to the
// transport only, and never persisted or logged.
func WithCredential(credential string) RequestOption {
	return func(o *requestOptions) {
		o.credential = credential
	}
}
