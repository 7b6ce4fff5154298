package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// DefaultTTL is how long a fetched snapshot stays fresh
const DefaultTTL = 5 * time.Minute

var (
	// ErrCacheFetch marks a failed load from the membership source. It is retryable.
	ErrCacheFetch = errors.New("membership fetch failed")
	ErrNilUser    = errors.New("membership lookup requires a user id")
)

// FetchError wraps an upstream failure for one user
type FetchError struct {
	UserID uuid.UUID
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("membership fetch for user %s: %v", e.UserID, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrCacheFetch, e.Err}
}

// Retryable reports that the caller may try again
func (e *FetchError) Retryable() bool { return true }

// Cache is a read-through, in-process cache of membership snapshots.
//
// Invalidation always wins over an in-flight fetch: every user carries a
// generation bumped by Invalidate, InvalidateAll bumps a global epoch, and a
// fetch only publishes its result if neither moved while it ran. Prune forgets
// the generation of a user with no entry and no fetch running.
type Cache struct {
	mu          sync.RWMutex
	entries     map[uuid.UUID]*Info
	generations map[uuid.UUID]uint64
	inflight    map[uuid.UUID]int
	epoch       uint64

	source  Source
	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group
	metrics *observability.Metrics
	logger  *observability.Logger
}

// CacheOption configures a Cache
type CacheOption func(*Cache)

// WithTTL sets the freshness window. A zero TTL disables caching.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl >= 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

func WithMetrics(m *observability.Metrics) CacheOption {
	return func(c *Cache) {
		c.metrics = m
	}
}

func WithLogger(l *observability.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = l
	}
}

// NewCache creates a cache over source
func NewCache(source Source, opts ...CacheOption) *Cache {
	c := &Cache{
		entries:     make(map[uuid.UUID]*Info),
		generations: make(map[uuid.UUID]uint64),
		inflight:    make(map[uuid.UUID]int),
		source:      source,
		ttl:         DefaultTTL,
		now:         time.Now,
		logger:      observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured freshness window
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) stale(info *Info, now time.Time) bool {
	return now.Sub(info.CachedAt) >= c.ttl
}

// Get returns the user's memberships, loading them on a miss or a stale entry
func (c *Cache) Get(ctx context.Context, userID uuid.UUID) (*Info, error) {
	info, _, err := c.Lookup(ctx, userID)
	return info, err
}

// Lookup is Get that also reports whether the entry was served from cache
func (c *Cache) Lookup(ctx context.Context, userID uuid.UUID) (*Info, bool, error) {
	if userID == uuid.Nil {
		return nil, false, ErrNilUser
	}

	c.mu.RLock()
	info, ok := c.entries[userID]
	gen := c.generations[userID]
	epoch := c.epoch
	c.mu.RUnlock()

	if ok && !c.stale(info, c.now()) {
		c.metrics.RecordCacheHit()
		return info, true, nil
	}
	c.metrics.RecordCacheMiss()

	key := fmt.Sprintf("%s/%d/%d", userID, epoch, gen)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fetch(ctx, userID, epoch, gen)
	})

	select {
	case <-ctx.Done():
		c.metrics.RecordCacheFetchError()
		return nil, false, &FetchError{UserID: userID, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*Info), false, nil
	}
}

func (c *Cache) fetch(ctx context.Context, userID uuid.UUID, epoch, gen uint64) (*Info, error) {
	c.mu.Lock()
	c.inflight[userID]++
	c.mu.Unlock()
	defer c.done(userID)

	started := c.now()
	info, err := c.source.Load(ctx, userID)
	if err != nil {
		c.metrics.RecordCacheFetchError()
		c.logger.WithError(err).WithField("user_id", userID.String()).Warn("membership fetch failed")
		return nil, &FetchError{UserID: userID, Err: err}
	}
	if info == nil {
		info = NewInfo(userID)
	}
	info.UserID = userID
	info.CachedAt = started

	c.mu.Lock()
	if c.epoch == epoch && c.generations[userID] == gen {
		c.entries[userID] = info
	}
	c.mu.Unlock()

	return info, nil
}

func (c *Cache) done(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[userID]--; c.inflight[userID] <= 0 {
		delete(c.inflight, userID)
	}
}

// Invalidate drops the user's entry and discards any fetch already running for it
func (c *Cache) Invalidate(userID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.generations[userID]++
	c.mu.Unlock()
	c.metrics.RecordCacheInvalidation("user")
}

// InvalidateAll drops every entry and discards all running fetches
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[uuid.UUID]*Info)
	c.generations = make(map[uuid.UUID]uint64)
	c.epoch++
	c.mu.Unlock()
	c.metrics.RecordCacheInvalidation("all")
}

// Len returns the number of fresh entries
func (c *Cache) Len() int {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, info := range c.entries {
		if !c.stale(info, now) {
			n++
		}
	}
	return n
}

// Prune removes stale entries and returns how many were dropped
func (c *Cache) Prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, info := range c.entries {
		if c.stale(info, now) {
			delete(c.entries, id)
			n++
		}
	}
	for id := range c.generations {
		_, cached := c.entries[id]
		if !cached && c.inflight[id] == 0 {
			delete(c.generations, id)
		}
	}
	return n
}

func (c *Cache) trackedGenerations() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.generations)
}

// RunPruner prunes stale entries every interval until ctx is done
func (c *Cache) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Prune(); n > 0 {
				c.logger.Debugf("pruned %d stale membership entries", n)
			}
		}
	}
}
