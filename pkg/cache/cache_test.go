package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/profilestore-go/pkg/cache"
	"github.com/oceanbase/profilestore-go/pkg/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCache(t *testing.T, maxSize int, ttl time.Duration) (*cache.Cache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c := cache.New(cache.Config{Enabled: true, MaxSize: maxSize, TTL: ttl}, cache.WithClock(clock.Now))
	return c, clock
}

func profile(owner uuid.UUID, group string, mode storage.Mode) *storage.Profile {
	p := storage.NewProfile(owner, group, mode)
	p.Inventory[0] = []byte("stone")
	return p
}

func TestCache_GetPut(t *testing.T) {
	c, _ := newCache(t, 10, 0)
	p := profile(uuid.New(), "survival", storage.ModeSurvival)

	assert.Nil(t, c.Get(p.Key()))
	assert.Nil(t, c.Put(p, false))

	got := c.Get(p.Key())
	require.NotNil(t, got)
	assert.True(t, p.Equal(got))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
}

func TestCache_CopiesInAndOut(t *testing.T) {
	c, _ := newCache(t, 10, 0)
	p := profile(uuid.New(), "survival", storage.ModeSurvival)
	c.Put(p, false)

	p.Inventory[0][0] = 'X'
	got := c.Get(p.Key())
	require.NotNil(t, got)
	assert.Equal(t, "stone", string(got.Inventory[0]))

	got.Level = 50
	assert.Zero(t, c.Get(p.Key()).Level)
}

func TestCache_GetAny(t *testing.T) {
	c, _ := newCache(t, 10, 0)
	owner := uuid.New()
	c.Put(profile(owner, "world", storage.ModeAdventure), false)
	c.Put(profile(owner, "world", storage.ModeCreative), false)

	got := c.GetAny(owner, "world")
	require.NotNil(t, got)
	assert.Equal(t, storage.ModeCreative, got.Mode)

	assert.Nil(t, c.GetAny(owner, "other"))
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCache_EvictsLeastRecentlyUsedClean(t *testing.T) {
	c, clock := newCache(t, 2, 0)
	owner := uuid.New()
	a := profile(owner, "a", storage.ModeSurvival)
	b := profile(owner, "b", storage.ModeSurvival)
	d := profile(owner, "d", storage.ModeSurvival)

	c.Put(a, false)
	clock.Advance(time.Second)
	c.Put(b, false)
	clock.Advance(time.Second)
	c.Get(a.Key())

	assert.Nil(t, c.Put(d, false))
	assert.True(t, c.Contains(a.Key()))
	assert.False(t, c.Contains(b.Key()))
	assert.True(t, c.Contains(d.Key()))
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_PrefersCleanOverDirtyForEviction(t *testing.T) {
	c, _ := newCache(t, 2, 0)
	owner := uuid.New()
	dirty := profile(owner, "dirty", storage.ModeSurvival)
	clean := profile(owner, "clean", storage.ModeSurvival)

	c.Put(dirty, true)
	c.Put(clean, false)
	evicted := c.Put(profile(owner, "new", storage.ModeSurvival), true)

	assert.Nil(t, evicted)
	assert.True(t, c.Contains(dirty.Key()))
	assert.False(t, c.Contains(clean.Key()))
}

func TestCache_ReturnsEvictedDirty(t *testing.T) {
	c, _ := newCache(t, 1, 0)
	owner := uuid.New()
	first := profile(owner, "first", storage.ModeSurvival)
	c.Put(first, true)

	evicted := c.Put(profile(owner, "second", storage.ModeSurvival), true)
	require.NotNil(t, evicted)
	assert.Equal(t, first.Key(), evicted.Key())
	assert.Equal(t, 1, c.DirtyCount())
}

func TestCache_TTLAppliesToCleanEntries(t *testing.T) {
	c, clock := newCache(t, 10, time.Minute)
	owner := uuid.New()
	clean := profile(owner, "clean", storage.ModeSurvival)
	dirty := profile(owner, "dirty", storage.ModeSurvival)
	c.Put(clean, false)
	c.Put(dirty, true)

	clock.Advance(2 * time.Minute)
	assert.Nil(t, c.Get(clean.Key()))
	assert.NotNil(t, c.Get(dirty.Key()))
}

func TestCache_TTLFromLastAccess(t *testing.T) {
	c, clock := newCache(t, 10, time.Minute)
	p := profile(uuid.New(), "survival", storage.ModeSurvival)
	c.Put(p, false)

	for i := 0; i < 3; i++ {
		clock.Advance(40 * time.Second)
		require.NotNil(t, c.Get(p.Key()))
	}
	clock.Advance(61 * time.Second)
	assert.Nil(t, c.Get(p.Key()))
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newCache(t, 10, time.Minute)
	owner := uuid.New()
	c.Put(profile(owner, "a", storage.ModeSurvival), false)
	c.Put(profile(owner, "b", storage.ModeSurvival), false)
	c.Put(profile(owner, "c", storage.ModeSurvival), true)

	clock.Advance(time.Hour)
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Stats().Size)
}

func TestCache_Populate(t *testing.T) {
	c, _ := newCache(t, 10, 0)
	p := profile(uuid.New(), "survival", storage.ModeSurvival)
	newer := p.Clone()
	newer.Level = 9
	c.Put(newer, true)

	c.Populate(p)
	got := c.Get(p.Key())
	require.NotNil(t, got)
	assert.Equal(t, 9, got.Level)
	assert.Zero(t, c.Stats().Loads)

	c.Populate(profile(uuid.New(), "survival", storage.ModeSurvival))
	assert.Equal(t, int64(1), c.Stats().Loads)
}

func TestCache_InvalidationScope(t *testing.T) {
	c, _ := newCache(t, 10, 0)
	owner, other := uuid.New(), uuid.New()
	target := profile(owner, "survival", storage.ModeSurvival)
	sibling := profile(owner, "survival", storage.ModeCreative)
	cousin := profile(owner, "creative", storage.ModeSurvival)
	stranger := profile(other, "survival", storage.ModeSurvival)
	for _, p := range []*storage.Profile{target, sibling, cousin, stranger} {
		c.Put(p, false)
	}

	assert.True(t, c.Invalidate(target.Key()))
	assert.False(t, c.Invalidate(target.Key()))
	assert.False(t, c.Contains(target.Key()))
	assert.True(t, c.Contains(sibling.Key()))
	assert.True(t, c.Contains(cousin.Key()))

	assert.Equal(t, 1, c.InvalidateGroup(owner, "survival"))
	assert.True(t, c.Contains(cousin.Key()))

	assert.Equal(t, 1, c.InvalidateOwner(owner))
	assert.True(t, c.Contains(stranger.Key()))

	assert.Equal(t, 1, c.Clear())
	assert.Zero(t, c.Stats().Size)
}

func TestCache_DirtySnapshotAndMarkClean(t *testing.T) {
	c, _ := newCache(t, 10, 0)
	owner := uuid.New()
	a := profile(owner, "a", storage.ModeSurvival)
	b := profile(owner, "b", storage.ModeSurvival)
	c.Put(a, true)
	c.Put(b, true)

	snapshot := c.DirtyEntries()
	require.Len(t, snapshot, 2)
	assert.Equal(t, a.Key(), snapshot[0].Profile.Key())

	// b is written again while the snapshot is being flushed.
	b.Level = 3
	c.Put(b, true)

	assert.Equal(t, 1, c.MarkClean(snapshot))
	assert.Equal(t, 1, c.DirtyCount())
	remaining := c.DirtyEntries()
	require.Len(t, remaining, 1)
	assert.Equal(t, 3, remaining[0].Profile.Level)
}

func TestCache_MarkCleanIgnoresInvalidated(t *testing.T) {
	c, _ := newCache(t, 10, 0)
	p := profile(uuid.New(), "survival", storage.ModeSurvival)
	c.Put(p, true)
	snapshot := c.DirtyEntries()

	c.Invalidate(p.Key())
	assert.Zero(t, c.MarkClean(snapshot))
	assert.False(t, c.Contains(p.Key()))
}

func TestCache_EntriesForAndOwners(t *testing.T) {
	c, _ := newCache(t, 10, 0)
	owner, other := uuid.New(), uuid.New()
	c.Put(profile(owner, "a", storage.ModeSurvival), false)
	c.Put(profile(owner, "b", storage.ModeCreative), true)
	c.Put(profile(other, "a", storage.ModeSurvival), false)

	assert.Len(t, c.EntriesFor(owner), 2)
	assert.Equal(t, map[uuid.UUID]struct{}{owner: {}, other: {}}, c.Owners())
}

func TestCache_Disabled(t *testing.T) {
	c := cache.New(cache.Config{Enabled: false, MaxSize: 10})
	p := profile(uuid.New(), "survival", storage.ModeSurvival)

	assert.False(t, c.Enabled())
	assert.Nil(t, c.Put(p, true))
	assert.Nil(t, c.Get(p.Key()))
	assert.False(t, c.Contains(p.Key()))
	assert.Zero(t, c.DirtyCount())
	assert.Empty(t, c.DirtyEntries())
	assert.Zero(t, c.Clear())
	assert.Equal(t, cache.Stats{}, c.Stats())
	assert.Empty(t, c.Owners())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := cache.New(cache.Config{Enabled: true, MaxSize: 50})
	owner := uuid.New()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				p := profile(owner, string(rune('a'+w)), storage.Modes()[i%4])
				p.Level = i
				c.Put(p, i%2 == 0)
				c.Get(p.Key())
				if i%25 == 0 {
					c.MarkClean(c.DirtyEntries())
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Stats().Size, 50)
}
