// Package resultcache keeps query results keyed by rule and bound parameters,
// with a per-category TTL and priority-then-recency batch eviction.
package resultcache

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"qms-assistant/internal/models"
)

// Cache events reported to an observer.
const (
	EventHit        = "hit"
	EventMiss       = "miss"
	EventEviction   = "eviction"
	EventExpiration = "expiration"
)

type Config struct {
	Capacity      int
	EvictFraction float64
	SweepInterval time.Duration
	SingleFlight  bool
	Strategies    map[models.Category]Strategy
}

// Options describe the value being cached.
type Options struct {
	Category models.Category
}

type ComputeFunc func(ctx context.Context) (*models.ResultSet, error)

type entry struct {
	value        *models.ResultSet
	category     models.Category
	createdAt    time.Time
	expiresAt    time.Time
	lastAccessed time.Time
	accessCount  uint64
	touched      uint64 // logical access clock
	priority     int
	size         int
}

// Entry is a read-only view of one cached result.
type Entry struct {
	Key            string
	Value          *models.ResultSet
	DomainCategory models.Category
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessed   time.Time
	AccessCount    uint64
	Priority       int
	SizeEstimate   int // approximate bytes
}

type Cache struct {
	cfg      Config
	now      func() time.Time
	observer func(event string, n int)
	group    singleflight.Group

	mu          sync.Mutex
	entries     map[string]*entry
	clock       uint64
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithObserver receives every hit, miss, eviction and expiration.
func WithObserver(fn func(event string, n int)) Option {
	return func(c *Cache) { c.observer = fn }
}

func New(cfg Config, opts ...Option) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.EvictFraction <= 0 || cfg.EvictFraction > 1 {
		cfg.EvictFraction = 0.25
	}
	if cfg.Strategies == nil {
		cfg.Strategies = DefaultStrategies()
	}
	c := &Cache{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry, cfg.Capacity),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) strategy(cat models.Category) Strategy {
	if s, ok := c.cfg.Strategies[cat]; ok {
		return s
	}
	return DefaultStrategy
}

// Get returns a live entry and refreshes its recency.
func (c *Cache) Get(key string) (*models.ResultSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key)
}

// lookup must be called with mu held.
func (c *Cache) lookup(key string) (*models.ResultSet, bool) {
	now := c.now()
	e, ok := c.entries[key]
	if ok && !now.Before(e.expiresAt) {
		delete(c.entries, key)
		c.expirations++
		c.emit(EventExpiration, 1)
		ok = false
	}
	if !ok {
		c.misses++
		c.emit(EventMiss, 1)
		return nil, false
	}
	c.clock++
	e.touched = c.clock
	e.lastAccessed = now
	e.accessCount++
	c.hits++
	c.emit(EventHit, 1)
	return e.value, true
}

// GetOrCompute returns the cached value for key or runs compute and stores
// its result. The lock is never held while compute runs, so two concurrent
// misses may both compute unless single-flight is enabled. Errors are not
// cached.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc, opts Options) (*models.ResultSet, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	if !c.cfg.SingleFlight {
		v, err := compute(ctx)
		if err != nil {
			return nil, false, err
		}
		c.Set(key, v, opts)
		return v, false, nil
	}

	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, opts)
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return res.(*models.ResultSet), false, nil
}

// Set stores value under the category's strategy, evicting a batch of the
// lowest (priority, last access) entries if the cache is full.
func (c *Cache) Set(key string, value *models.ResultSet, opts Options) {
	s := c.strategy(opts.Category)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.Capacity {
		c.removeExpired(now)
		if len(c.entries) >= c.cfg.Capacity {
			c.evictBatch()
		}
	}

	c.clock++
	c.entries[key] = &entry{
		value:        value,
		category:     opts.Category,
		createdAt:    now,
		expiresAt:    now.Add(s.TTL),
		lastAccessed: now,
		touched:      c.clock,
		priority:     s.Priority,
		size:         estimateSize(value),
	}
}

// Peek returns a view of a live entry without counting an access.
func (c *Cache) Peek(key string) (Entry, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		return Entry{}, false
	}
	return Entry{
		Key:            key,
		Value:          e.value,
		DomainCategory: e.category,
		CreatedAt:      e.createdAt,
		ExpiresAt:      e.expiresAt,
		LastAccessed:   e.lastAccessed,
		AccessCount:    e.accessCount,
		Priority:       e.priority,
		SizeEstimate:   e.size,
	}, true
}

// estimateSize approximates the memory held by a result: string and byte
// cells count their length, anything else a machine word.
func estimateSize(rs *models.ResultSet) int {
	if rs == nil {
		return 0
	}
	n := 0
	for _, col := range rs.Columns {
		n += len(col)
	}
	for _, row := range rs.Rows {
		for _, v := range row {
			switch val := v.(type) {
			case nil:
			case string:
				n += len(val)
			case []byte:
				n += len(val)
			default:
				n += 8
			}
		}
	}
	return n
}

// evictBatch must be called with mu held.
func (c *Cache) evictBatch() {
	n := int(math.Ceil(c.cfg.EvictFraction * float64(c.cfg.Capacity)))
	if n < 1 {
		n = 1
	}
	if n > len(c.entries) {
		n = len(c.entries)
	}

	type victim struct {
		key string
		e   *entry
	}
	all := make([]victim, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, victim{k, e})
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].e, all[j].e
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.touched != b.touched {
			return a.touched < b.touched
		}
		return all[i].key < all[j].key
	})
	for _, v := range all[:n] {
		delete(c.entries, v.key)
	}
	c.evictions += uint64(n)
	c.emit(EventEviction, n)
}

// removeExpired must be called with mu held.
func (c *Cache) removeExpired(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	if n > 0 {
		c.expirations += uint64(n)
		c.emit(EventExpiration, n)
	}
	return n
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeExpired(now)
}

// Clear empties the cache, for example after the rule set changed.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry, c.cfg.Capacity)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := models.CacheStats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        len(c.entries),
		Capacity:    c.cfg.Capacity,
	}
	for _, e := range c.entries {
		stats.ApproxBytes += e.size
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// Start runs the background sweep until ctx is done or Stop is called.
func (c *Cache) Start(ctx context.Context) {
	c.startOnce.Do(func() { c.start(ctx) })
}

func (c *Cache) start(ctx context.Context) {
	c.started = true
	if c.cfg.SweepInterval <= 0 {
		close(c.done)
		return
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop ends the background sweep started by Start and waits for it.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started {
		<-c.done
	}
}

// emit must be called with mu held; observers must not call back into the cache.
func (c *Cache) emit(event string, n int) {
	if c.observer != nil {
		c.observer(event, n)
	}
}
