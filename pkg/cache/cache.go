// Package cache provides the in-process profile cache used in front of a
// storage backend.
//
// The cache is a bounded LRU map from composite key to a copy of the profile,
// a dirty flag marking unflushed writes and the last access time. Policy:
//
//   - Entries are ordered by last access; when the cache exceeds MaxSize the
//     least recently used clean entry is evicted. A dirty entry is evicted
//     only when no clean entry remains, and it is handed back to the caller
//     of Put so it can be written through.
//   - TTL is measured from last access and applies to clean entries only.
//     Expired entries are dropped lazily on access and by Sweep.
//
// Every profile going in or out is copied, so callers never share memory
// with the cache.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oceanbase/profilestore-go/pkg/storage"
)

// Config contains cache configuration.
type Config struct {
	// Enabled turns the cache on. A disabled cache stores nothing.
	Enabled bool `json:"enabled" yaml:"enabled" env:"CACHE_ENABLED" envDefault:"true"`

	// MaxSize bounds the number of entries; zero or less means unbounded.
	MaxSize int `json:"max_size" yaml:"max_size" env:"CACHE_MAX_SIZE" envDefault:"1000"`

	// TTL expires clean entries this long after their last access; zero disables expiry.
	TTL time.Duration `json:"ttl" yaml:"ttl" env:"CACHE_TTL" envDefault:"30m"`

	// WriteBehindInterval is the period of the flush task run by the
	// storage service; zero disables periodic flushing.
	WriteBehindInterval time.Duration `json:"write_behind_interval" yaml:"write_behind_interval" env:"CACHE_WRITE_BEHIND_INTERVAL" envDefault:"30s"`
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`
	Dirty     int   `json:"dirty"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Loads     int64 `json:"loads"`
	Evictions int64 `json:"evictions"`
}

// HitRate returns hits / (hits + misses), or 0 when there were no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// DirtyEntry is a snapshot of one unflushed profile.
//
// Version identifies the write captured by the snapshot; MarkClean only
// clears entries that have not been written again since.
type DirtyEntry struct {
	Profile *storage.Profile
	Version uint64
}

type entry struct {
	key      storage.Key
	profile  *storage.Profile
	dirty    bool
	version  uint64
	accessed time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache is a bounded, dirty-tracking profile cache. It is safe for
// concurrent use; all state is guarded by one mutex.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[storage.Key]*list.Element
	lru     *list.List // front is most recently used
	seq     uint64

	hits      int64
	misses    int64
	loads     int64
	evictions int64

	now func() time.Time
}

// New creates a cache.
func New(cfg Config, opts ...Option) *Cache {
	c := &Cache{
		cfg:     cfg,
		entries: make(map[storage.Key]*list.Element),
		lru:     list.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether the cache stores anything.
func (c *Cache) Enabled() bool {
	return c.cfg.Enabled
}

// Config returns the cache configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

// Get returns a copy of the cached profile, or nil on a miss.
// It never touches a backend.
func (c *Cache) Get(key storage.Key) *storage.Profile {
	if !c.cfg.Enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil {
		c.misses++
		return nil
	}
	c.hits++
	return e.profile.Clone()
}

// GetAny returns the first cached mode of a group in storage.Modes() order.
// The lookup counts as a single hit or miss.
func (c *Cache) GetAny(ownerID uuid.UUID, group string) *storage.Profile {
	if !c.cfg.Enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, mode := range storage.Modes() {
		if e := c.lookup(storage.Key{OwnerID: ownerID, Group: group, Mode: mode}); e != nil {
			c.hits++
			return e.profile.Clone()
		}
	}
	c.misses++
	return nil
}

// Contains reports whether a live entry exists for the key.
func (c *Cache) Contains(key storage.Key) bool {
	if !c.cfg.Enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.expired(elem.Value.(*entry)) {
		c.remove(elem)
		return false
	}
	return true
}

// lookup returns the live entry for key and refreshes its recency.
func (c *Cache) lookup(key storage.Key) *entry {
	elem, ok := c.entries[key]
	if !ok {
		return nil
	}
	e := elem.Value.(*entry)
	if c.expired(e) {
		c.remove(elem)
		return nil
	}
	e.accessed = c.now()
	c.lru.MoveToFront(elem)
	return e
}

func (c *Cache) expired(e *entry) bool {
	return !e.dirty && c.cfg.TTL > 0 && c.now().Sub(e.accessed) > c.cfg.TTL
}

// Put inserts or replaces the entry for the profile.
//
// markDirty records an unflushed write; false marks the entry as matching
// durable state. If the insert pushes the cache past MaxSize and only dirty
// entries remain, the evicted dirty profile is returned.
func (c *Cache) Put(profile *storage.Profile, markDirty bool) (evicted *storage.Profile) {
	if !c.cfg.Enabled || profile == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.put(profile, markDirty)
}

// Populate caches a profile freshly loaded from the backend as clean and
// counts it as a load. An existing entry is left alone since it may hold a
// newer unflushed write.
func (c *Cache) Populate(profile *storage.Profile) (evicted *storage.Profile) {
	if !c.cfg.Enabled || profile == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lookup(profile.Key()) != nil {
		return nil
	}
	c.loads++
	return c.put(profile, false)
}

func (c *Cache) put(profile *storage.Profile, markDirty bool) *storage.Profile {
	key := profile.Key()
	c.seq++
	now := c.now()

	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		e.profile = profile.Clone()
		e.dirty = markDirty
		e.version = c.seq
		e.accessed = now
		c.lru.MoveToFront(elem)
		return nil
	}

	e := &entry{
		key:      key,
		profile:  profile.Clone(),
		dirty:    markDirty,
		version:  c.seq,
		accessed: now,
	}
	c.entries[key] = c.lru.PushFront(e)
	return c.evict()
}

// evict trims the cache to MaxSize.
func (c *Cache) evict() *storage.Profile {
	if c.cfg.MaxSize <= 0 || c.lru.Len() <= c.cfg.MaxSize {
		return nil
	}
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		if !elem.Value.(*entry).dirty {
			c.remove(elem)
			c.evictions++
			return nil
		}
	}
	oldest := c.lru.Back()
	c.remove(oldest)
	c.evictions++
	return oldest.Value.(*entry).profile
}

func (c *Cache) remove(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.entries, elem.Value.(*entry).key)
}

// Invalidate removes one entry without touching any backend.
func (c *Cache) Invalidate(key storage.Key) bool {
	if !c.cfg.Enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if ok {
		c.remove(elem)
	}
	return ok
}

// InvalidateGroup removes every mode of one group of an owner.
func (c *Cache) InvalidateGroup(ownerID uuid.UUID, group string) int {
	return c.removeWhere(func(k storage.Key) bool {
		return k.OwnerID == ownerID && k.Group == group
	})
}

// InvalidateOwner removes every entry of an owner.
func (c *Cache) InvalidateOwner(ownerID uuid.UUID) int {
	return c.removeWhere(func(k storage.Key) bool {
		return k.OwnerID == ownerID
	})
}

// Clear removes everything and returns the number of entries removed.
func (c *Cache) Clear() int {
	return c.removeWhere(func(storage.Key) bool { return true })
}

func (c *Cache) removeWhere(match func(storage.Key) bool) int {
	if !c.cfg.Enabled {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.entries {
		if match(key) {
			c.remove(elem)
			removed++
		}
	}
	return removed
}

// EntriesFor returns copies of every live entry of an owner.
func (c *Cache) EntriesFor(ownerID uuid.UUID) []*storage.Profile {
	if !c.cfg.Enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*storage.Profile
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if e.key.OwnerID == ownerID && !c.expired(e) {
			out = append(out, e.profile.Clone())
		}
	}
	return out
}

// DirtyEntries takes an atomic snapshot of the unflushed entries, oldest
// access first.
func (c *Cache) DirtyEntries() []DirtyEntry {
	if !c.cfg.Enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []DirtyEntry
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*entry)
		if e.dirty {
			out = append(out, DirtyEntry{Profile: e.profile.Clone(), Version: e.version})
		}
	}
	return out
}

// DirtyCount returns the number of unflushed entries.
func (c *Cache) DirtyCount() int {
	if !c.cfg.Enabled {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirtyCount()
}

func (c *Cache) dirtyCount() int {
	n := 0
	for _, elem := range c.entries {
		if elem.Value.(*entry).dirty {
			n++
		}
	}
	return n
}

// MarkClean clears the dirty flag of the snapshotted entries that were not
// written again after the snapshot. It returns how many were cleared.
func (c *Cache) MarkClean(entries []DirtyEntry) int {
	if !c.cfg.Enabled {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cleared := 0
	for _, d := range entries {
		elem, ok := c.entries[d.Profile.Key()]
		if !ok {
			continue
		}
		e := elem.Value.(*entry)
		if e.dirty && e.version == d.Version {
			e.dirty = false
			cleared++
		}
	}
	return cleared
}

// Sweep drops expired clean entries and returns how many were removed.
func (c *Cache) Sweep() int {
	if !c.cfg.Enabled || c.cfg.TTL <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, elem := range c.entries {
		if c.expired(elem.Value.(*entry)) {
			c.remove(elem)
			removed++
		}
	}
	return removed
}

// Owners returns the owners that have at least one cached entry.
func (c *Cache) Owners() map[uuid.UUID]struct{} {
	owners := make(map[uuid.UUID]struct{})
	if !c.cfg.Enabled {
		return owners
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		owners[key.OwnerID] = struct{}{}
	}
	return owners
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	if !c.cfg.Enabled {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.lru.Len(),
		MaxSize:   c.cfg.MaxSize,
		Dirty:     c.dirtyCount(),
		Hits:      c.hits,
		Misses:    c.misses,
		Loads:     c.loads,
		Evictions: c.evictions,
	}
}
