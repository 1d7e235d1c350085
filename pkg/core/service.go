package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oceanbase/profilestore-go/pkg/cache"
	"github.com/oceanbase/profilestore-go/pkg/storage"
)

// StorageService is the profile store used by callers.
//
// It puts a read-through, write-behind cache in front of a backend. Backend
// errors and panics never escape: they are logged and reported as false,
// nil or zero results.
//
// Example:
//
//	service, err := core.Open(ctx, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer service.Shutdown()
//
//	profile := storage.NewProfile(ownerID, "survival", storage.ModeSurvival)
//	service.Save(ctx, profile)
//	loaded := service.Load(ctx, ownerID, "survival", storage.ModeAny)
type StorageService struct {
	backend     storage.Backend
	cache       *cache.Cache
	asyncSaving bool
	logger      logrus.FieldLogger

	// flushMu serializes flushes with each other and with deletes, so a
	// flush in progress cannot write back a profile that is being deleted.
	flushMu  sync.Mutex
	flushReq chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
	closed       atomic.Bool

	flushes       atomic.Int64
	flushFailures atomic.Int64
	backendErrors atomic.Int64
}

// Open builds the backend selected by cfg, initializes it and returns a
// running service.
func Open(ctx context.Context, cfg *Config, logger logrus.FieldLogger) (*StorageService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := NewBackend(cfg.Storage, cfg.Storage.Backend, logger)
	if err != nil {
		return nil, NewStoreError("Open", err)
	}
	if err := backend.Initialize(ctx); err != nil {
		_ = backend.Shutdown()
		return nil, NewStoreError("Open", fmt.Errorf("%w: %s: %v", ErrConnectionFailed, backend.Name(), err))
	}
	return NewStorageService(backend, cache.New(cfg.Cache), cfg.AsyncSaving, logger), nil
}

// NewStorageService wraps an initialized backend.
//
// When the cache is enabled a background worker is started; it flushes dirty
// entries every WriteBehindInterval (if positive) and on request from
// immediate saves when asyncSaving is set.
func NewStorageService(backend storage.Backend, c *cache.Cache, asyncSaving bool, logger logrus.FieldLogger) *StorageService {
	if logger == nil {
		logger = discardLogger()
	}
	if c == nil {
		c = cache.New(cache.Config{})
	}
	s := &StorageService{
		backend:     backend,
		cache:       c,
		asyncSaving: asyncSaving,
		logger:      logger.WithField("backend", backend.Name()),
		flushReq:    make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}

	interval := c.Config().WriteBehindInterval
	if c.Enabled() && (interval > 0 || asyncSaving) {
		s.wg.Add(1)
		go s.run(interval)
	}
	return s
}

// run is the write-behind loop.
func (s *StorageService) run(interval time.Duration) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.stop:
			return
		case <-tick:
			s.FlushDirtyEntries(context.Background())
			if n := s.cache.Sweep(); n > 0 {
				s.logger.WithField("count", n).Debug("expired cache entries removed")
			}
		case <-s.flushReq:
			s.FlushDirtyEntries(context.Background())
		}
	}
}

func (s *StorageService) requestFlush() {
	select {
	case s.flushReq <- struct{}{}:
	default:
	}
}

// guard runs a backend call, converting errors and panics into false.
func (s *StorageService) guard(op string, fields logrus.Fields, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.backendErrors.Add(1)
			s.logger.WithFields(fields).WithField("panic", r).Errorf("%s: backend panicked", op)
			ok = false
		}
	}()
	if err := fn(); err != nil {
		s.backendErrors.Add(1)
		s.logger.WithFields(fields).WithError(err).Errorf("%s failed", op)
		return false
	}
	return true
}

func keyFields(ownerID uuid.UUID, group string, mode storage.Mode) logrus.Fields {
	return logrus.Fields{"owner": ownerID.String(), "group": group, "mode": string(mode)}
}

// writeThrough saves a dirty profile evicted from the cache.
func (s *StorageService) writeThrough(ctx context.Context, evicted *storage.Profile) {
	if evicted == nil {
		return
	}
	fields := keyFields(evicted.OwnerID, evicted.Group, evicted.Mode)
	if s.guard("write-through of evicted entry", fields, func() error {
		return s.backend.Save(ctx, evicted)
	}) {
		s.logger.WithFields(fields).Debug("evicted dirty entry written through")
	}
}

// Backend returns the name of the live backend.
func (s *StorageService) Backend() string {
	return s.backend.Name()
}

// Save stores a profile.
//
// By default the profile goes into the cache as dirty and Save returns true
// at once; the backend write happens on the next flush. The profile is
// written straight to the backend when the cache is disabled, when
// WithoutCache is given, or when Immediate is given and async saving is off.
// A direct write that succeeds refreshes the cache entry as clean; a failed
// one leaves the cache untouched and returns false.
//
// A zero UpdatedAt is stamped with the current time.
func (s *StorageService) Save(ctx context.Context, profile *storage.Profile, opts ...SaveOption) bool {
	if profile == nil {
		return false
	}
	if s.closed.Load() {
		s.logger.Warn("save after shutdown rejected")
		return false
	}
	o := applySaveOptions(opts)

	p := profile.Clone()
	if p.UpdatedAt.IsZero() {
		p.Touch()
	}
	fields := keyFields(p.OwnerID, p.Group, p.Mode)
	if err := p.Validate(); err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("save rejected")
		return false
	}

	viaCache := s.cache.Enabled() && o.UseCache
	if !viaCache || (o.Immediate && !s.asyncSaving) {
		return s.saveDirect(ctx, p, fields, o.UseCache)
	}

	s.writeThrough(ctx, s.cache.Put(p, true))
	if o.Immediate {
		s.requestFlush()
	}
	return true
}

// saveDirect writes p to the backend and caches it as clean. It holds
// flushMu so a flush that snapshotted an older version of the key cannot
// write it over p afterwards.
func (s *StorageService) saveDirect(ctx context.Context, p *storage.Profile, fields logrus.Fields, useCache bool) bool {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if !s.guard("save", fields, func() error { return s.backend.Save(ctx, p) }) {
		return false
	}
	if useCache || s.cache.Contains(p.Key()) {
		s.writeThrough(ctx, s.cache.Put(p, false))
	}
	return true
}

// Load returns the profile for the key, or nil when it does not exist or the
// backend failed.
//
// storage.ModeAny returns the first mode of the group in storage.Modes()
// order. A cache hit never touches the backend; a backend hit populates the
// cache as clean.
func (s *StorageService) Load(ctx context.Context, ownerID uuid.UUID, group string, mode storage.Mode) *storage.Profile {
	if mode == storage.ModeAny {
		if hit := s.cache.GetAny(ownerID, group); hit != nil {
			return hit
		}
	} else if hit := s.cache.Get(storage.Key{OwnerID: ownerID, Group: group, Mode: mode}); hit != nil {
		return hit
	}

	var loaded *storage.Profile
	ok := s.guard("load", keyFields(ownerID, group, mode), func() error {
		var err error
		loaded, err = s.backend.Load(ctx, ownerID, group, mode)
		return err
	})
	if !ok || loaded == nil {
		return nil
	}
	s.writeThrough(ctx, s.cache.Populate(loaded))
	return loaded
}

// LoadAll returns every entry of an owner. Cached entries take precedence
// over backend entries since they may hold unflushed writes.
func (s *StorageService) LoadAll(ctx context.Context, ownerID uuid.UUID) map[storage.Key]*storage.Profile {
	result := make(map[storage.Key]*storage.Profile)

	var loaded map[storage.Key]*storage.Profile
	ok := s.guard("load all", logrus.Fields{"owner": ownerID.String()}, func() error {
		var err error
		loaded, err = s.backend.LoadAll(ctx, ownerID)
		return err
	})
	if ok {
		for key, p := range loaded {
			result[key] = p
			s.writeThrough(ctx, s.cache.Populate(p))
		}
	}

	for _, p := range s.cache.EntriesFor(ownerID) {
		result[p.Key()] = p
	}
	return result
}

// SaveBatch writes profiles straight to the backend in bulk and returns how
// many were written. Written profiles are cached as clean.
func (s *StorageService) SaveBatch(ctx context.Context, profiles []*storage.Profile) int {
	if len(profiles) == 0 {
		return 0
	}
	batch := make([]*storage.Profile, 0, len(profiles))
	for _, profile := range profiles {
		if profile == nil {
			continue
		}
		p := profile.Clone()
		if p.UpdatedAt.IsZero() {
			p.Touch()
		}
		batch = append(batch, p)
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	var n int
	s.guard("save batch", logrus.Fields{"count": len(batch)}, func() error {
		var err error
		n, err = s.backend.SaveBatch(ctx, batch)
		return err
	})
	n = clampCount(n, len(batch))

	for _, p := range batch[:n] {
		s.writeThrough(ctx, s.cache.Put(p, false))
	}
	return n
}

func clampCount(n, max int) int {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}

// Delete removes one entry, or every mode of the group for storage.ModeAny.
// The cache is invalidated before the backend delete is issued.
func (s *StorageService) Delete(ctx context.Context, ownerID uuid.UUID, group string, mode storage.Mode) bool {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if mode == storage.ModeAny {
		s.cache.InvalidateGroup(ownerID, group)
	} else {
		s.cache.Invalidate(storage.Key{OwnerID: ownerID, Group: group, Mode: mode})
	}

	var deleted bool
	s.guard("delete", keyFields(ownerID, group, mode), func() error {
		var err error
		deleted, err = s.backend.Delete(ctx, ownerID, group, mode)
		return err
	})
	return deleted
}

// DeleteAll removes every entry of an owner and returns how many backend
// entries were removed.
func (s *StorageService) DeleteAll(ctx context.Context, ownerID uuid.UUID) int {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.cache.InvalidateOwner(ownerID)

	var removed int
	s.guard("delete all", logrus.Fields{"owner": ownerID.String()}, func() error {
		var err error
		removed, err = s.backend.DeleteAll(ctx, ownerID)
		return err
	})
	return removed
}

// FlushDirtyEntries writes the current dirty set to the backend and returns
// how many entries were written. Entries that fail stay dirty for the next
// cycle; entries written again during the flush stay dirty as well.
func (s *StorageService) FlushDirtyEntries(ctx context.Context) int {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	entries := s.cache.DirtyEntries()
	if len(entries) == 0 {
		return 0
	}
	profiles := make([]*storage.Profile, len(entries))
	for i, e := range entries {
		profiles[i] = e.Profile
	}

	var n int
	ok := s.guard("flush", logrus.Fields{"count": len(profiles)}, func() error {
		var err error
		n, err = s.backend.SaveBatch(ctx, profiles)
		return err
	})
	n = clampCount(n, len(entries))
	s.cache.MarkClean(entries[:n])

	if n > 0 {
		s.flushes.Add(1)
	}
	if !ok || n < len(entries) {
		s.flushFailures.Add(1)
		s.logger.WithFields(logrus.Fields{
			"written": n,
			"pending": len(entries) - n,
		}).Warn("flush incomplete, entries stay dirty")
	} else {
		s.logger.WithField("count", n).Debug("dirty entries flushed")
	}
	return n
}

// Exists reports whether an entry exists in the cache or the backend.
func (s *StorageService) Exists(ctx context.Context, ownerID uuid.UUID, group string, mode storage.Mode) bool {
	modes := []storage.Mode{mode}
	if mode == storage.ModeAny {
		modes = storage.Modes()
	}
	for _, m := range modes {
		if s.cache.Contains(storage.Key{OwnerID: ownerID, Group: group, Mode: m}) {
			return true
		}
	}
	var exists bool
	s.guard("exists", keyFields(ownerID, group, mode), func() error {
		var err error
		exists, err = s.backend.Exists(ctx, ownerID, group, mode)
		return err
	})
	return exists
}

// InvalidateCache drops one cached entry without touching the backend.
// An unflushed write held by the entry is discarded.
func (s *StorageService) InvalidateCache(ownerID uuid.UUID, group string, mode storage.Mode) bool {
	return s.cache.Invalidate(storage.Key{OwnerID: ownerID, Group: group, Mode: mode})
}

// InvalidateOwner drops every cached entry of an owner.
func (s *StorageService) InvalidateOwner(ownerID uuid.UUID) int {
	return s.cache.InvalidateOwner(ownerID)
}

// ClearCache drops every cached entry and returns how many were removed.
func (s *StorageService) ClearCache() int {
	return s.cache.Clear()
}

// DirtyCount returns the number of unflushed cache entries.
func (s *StorageService) DirtyCount() int {
	return s.cache.DirtyCount()
}

// Stats returns cache and service counters.
func (s *StorageService) Stats() ServiceStats {
	return ServiceStats{
		Backend:       s.backend.Name(),
		Cache:         s.cache.Stats(),
		Flushes:       s.flushes.Load(),
		FlushFailures: s.flushFailures.Load(),
		BackendErrors: s.backendErrors.Load(),
	}
}

// IsHealthy reports whether the backend answers a health check.
func (s *StorageService) IsHealthy(ctx context.Context) bool {
	var healthy bool
	s.guard("health check", nil, func() error {
		healthy = s.backend.IsHealthy(ctx)
		return nil
	})
	return healthy
}

// EntryCount returns the number of entries stored in the backend.
func (s *StorageService) EntryCount(ctx context.Context) int {
	var n int
	s.guard("entry count", nil, func() error {
		var err error
		n, err = s.backend.EntryCount(ctx)
		return err
	})
	return n
}

// StorageSizeBytes returns the approximate backend footprint.
func (s *StorageService) StorageSizeBytes(ctx context.Context) int64 {
	var n int64
	s.guard("storage size", nil, func() error {
		var err error
		n, err = s.backend.ApproximateSizeBytes(ctx)
		return err
	})
	return n
}

// AllOwnerIDs returns every owner known to the backend or the cache.
func (s *StorageService) AllOwnerIDs(ctx context.Context) map[uuid.UUID]struct{} {
	owners := s.cache.Owners()
	var stored map[uuid.UUID]struct{}
	s.guard("list owners", nil, func() error {
		var err error
		stored, err = s.backend.AllOwnerIDs(ctx)
		return err
	})
	for id := range stored {
		owners[id] = struct{}{}
	}
	return owners
}

// GroupsFor returns the groups of an owner known to the backend or the cache.
func (s *StorageService) GroupsFor(ctx context.Context, ownerID uuid.UUID) map[string]struct{} {
	groups := make(map[string]struct{})
	for _, p := range s.cache.EntriesFor(ownerID) {
		groups[p.Group] = struct{}{}
	}
	var stored map[string]struct{}
	s.guard("list groups", logrus.Fields{"owner": ownerID.String()}, func() error {
		var err error
		stored, err = s.backend.GroupsFor(ctx, ownerID)
		return err
	})
	for g := range stored {
		groups[g] = struct{}{}
	}
	return groups
}

// Shutdown stops the write-behind worker, waits for an in-flight flush,
// flushes once more and shuts down the backend. Later calls return the
// result of the first.
func (s *StorageService) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		s.wg.Wait()

		s.FlushDirtyEntries(context.Background())
		if pending := s.cache.DirtyCount(); pending > 0 {
			s.logger.WithField("count", pending).Error("dirty entries not persisted at shutdown")
		}

		s.guard("shutdown", nil, func() error {
			s.shutdownErr = s.backend.Shutdown()
			return s.shutdownErr
		})
		s.logger.Info("storage service stopped")
	})
	return s.shutdownErr
}
