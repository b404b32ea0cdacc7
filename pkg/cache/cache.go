package cache

import (
	"container/list"
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/logging"
)

// Entry is a cached value together with its freshness metadata.
type Entry[T any] struct {
	Value     T             `json:"value"`
	WrittenAt time.Time     `json:"written_at"`
	TTL       time.Duration `json:"ttl"`
	Checksum  string        `json:"checksum,omitempty"`
}

// Expired reports whether the entry is past its TTL at now. Entries with a
// zero TTL never expire.
func (e Entry[T]) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.WrittenAt) > e.TTL
}

// Stats holds cache counters. Counters are monotonic since creation or the
// last Clear.
type Stats struct {
	Name        string `json:"name"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Size        int    `json:"size"`
	MaxSize     int    `json:"max_size"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Config holds cache configuration
type Config struct {
	// Name identifies the cache in logs, metrics and status output
	Name string
	// MaxSize is the maximum number of live entries
	MaxSize int
	// DefaultTTL applies to entries set without WithTTL. Zero means never expire.
	DefaultTTL time.Duration
	// SweepInterval is the period of the background expiry sweep. Zero derives
	// it from DefaultTTL (half of it, at least one second); a negative value
	// disables the sweep.
	SweepInterval time.Duration
	// Now overrides the clock, mainly for tests
	Now func() time.Time
	// Logger defaults to the global logger
	Logger *logging.Logger
}

// SetOption customises a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl      time.Duration
	ttlSet   bool
	checksum string
}

// WithTTL overrides the default TTL for one entry. A zero TTL never expires.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
		o.ttlSet = true
	}
}

// WithChecksum attaches a content checksum to the entry.
func WithChecksum(checksum string) SetOption {
	return func(o *setOptions) {
		o.checksum = checksum
	}
}

type item[T any] struct {
	key   string
	entry Entry[T]
}

// Cache is a goroutine-safe, capacity-bounded LRU cache with per-entry TTL.
// The most recently used entry sits at the front of the list.
type Cache[T any] struct {
	name       string
	maxSize    int
	defaultTTL time.Duration
	now        func() time.Time
	logger     *logging.Logger

	mutex sync.Mutex
	items map[string]*list.Element
	order *list.List
	stats Stats

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and, unless disabled, starts its background sweep.
// Call Close to stop the sweep.
func New[T any](config Config) *Cache[T] {
	if config.MaxSize <= 0 {
		config.MaxSize = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}

	c := &Cache[T]{
		name:       config.Name,
		maxSize:    config.MaxSize,
		defaultTTL: config.DefaultTTL,
		now:        config.Now,
		logger:     config.Logger,
		items:      make(map[string]*list.Element),
		order:      list.New(),
	}

	if interval := sweepInterval(config); interval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.sweepLoop(ctx, interval)
	}

	return c
}

func sweepInterval(config Config) time.Duration {
	if config.SweepInterval < 0 {
		return 0
	}
	if config.SweepInterval > 0 {
		return config.SweepInterval
	}
	if config.DefaultTTL <= 0 {
		return 0
	}
	interval := config.DefaultTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Name returns the cache name
func (c *Cache[T]) Name() string {
	return c.name
}

// Set inserts or overwrites key. Inserting a new key into a full cache evicts
// least recently used entries until there is room.
func (c *Cache[T]) Set(key string, value T, opts ...SetOption) {
	options := setOptions{ttl: c.defaultTTL}
	for _, opt := range opts {
		opt(&options)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.put(key, Entry[T]{
		Value:     value,
		WrittenAt: c.now(),
		TTL:       options.ttl,
		Checksum:  options.checksum,
	})
}

// put stores entry under key and marks it most recently used. Callers hold
// the mutex.
func (c *Cache[T]) put(key string, entry Entry[T]) {
	if element, ok := c.items[key]; ok {
		element.Value.(*item[T]).entry = entry
		c.order.MoveToFront(element)
		return
	}

	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
		c.stats.Evictions++
	}

	c.items[key] = c.order.PushFront(&item[T]{key: key, entry: entry})
}

func (c *Cache[T]) remove(element *list.Element) {
	it := c.order.Remove(element).(*item[T])
	delete(c.items, it.key)
}

// Get returns the entry for key. Unknown and expired keys are misses; an
// expired entry is removed as a side effect.
func (c *Cache[T]) Get(key string) (Entry[T], bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	element, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return Entry[T]{}, false
	}

	it := element.Value.(*item[T])
	if it.entry.Expired(c.now()) {
		c.remove(element)
		c.stats.Expirations++
		c.stats.Misses++
		return Entry[T]{}, false
	}

	c.order.MoveToFront(element)
	c.stats.Hits++
	return it.entry, true
}

// Value is Get without the metadata.
func (c *Cache[T]) Value(key string) (T, bool) {
	entry, ok := c.Get(key)
	return entry.Value, ok
}

// Invalidate removes key and reports whether it was present.
func (c *Cache[T]) Invalidate(key string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	element, ok := c.items[key]
	if !ok {
		return false
	}
	c.remove(element)
	return true
}

// InvalidatePattern removes every key matching pattern and returns how many
// were removed.
func (c *Cache[T]) InvalidatePattern(pattern *regexp.Regexp) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	removed := 0
	for key, element := range c.items {
		if pattern.MatchString(key) {
			c.remove(element)
			removed++
		}
	}
	return removed
}

// Keys returns the live keys from most to least recently used.
func (c *Cache[T]) Keys() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	keys := make([]string, 0, c.order.Len())
	for element := c.order.Front(); element != nil; element = element.Next() {
		it := element.Value.(*item[T])
		if !it.entry.Expired(now) {
			keys = append(keys, it.key)
		}
	}
	return keys
}

// Len returns the number of stored entries, including expired entries not
// yet swept.
func (c *Cache[T]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.order.Len()
}

// Stats returns a copy of the cache counters.
func (c *Cache[T]) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stats := c.stats
	stats.Name = c.name
	stats.Size = c.order.Len()
	stats.MaxSize = c.maxSize
	return stats
}

// Clear removes every entry and resets the counters.
func (c *Cache[T]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.stats = Stats{}
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache[T]) Sweep() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	removed := 0
	for element := c.order.Back(); element != nil; {
		prev := element.Prev()
		if element.Value.(*item[T]).entry.Expired(now) {
			c.remove(element)
			removed++
		}
		element = prev
	}
	c.stats.Expirations += uint64(removed)
	return removed
}

func (c *Cache[T]) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.logger.Debug("Swept expired cache entries",
					"cache", c.name,
					"removed", removed,
				)
			}
		}
	}
}

// Close stops the background sweep. It is safe to call more than once.
func (c *Cache[T]) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
	})
}
