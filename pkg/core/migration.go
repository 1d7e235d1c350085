package core

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oceanbase/profilestore-go/pkg/storage"
)

// ProgressInterval is the number of owners between progress notifications.
const ProgressInterval = 100

// MigrationService copies every profile from one backend to another.
//
// Only one migration runs at a time. Source and target are fresh backend
// instances built by the factory, never the live storage service backend.
type MigrationService struct {
	factory  BackendFactory
	validate func(BackendType) error
	cfg      MigrationConfig
	node     *snowflake.Node
	logger   logrus.FieldLogger
	now      func() time.Time

	running atomic.Bool
}

// NewMigrationService creates a migration service.
//
// A nil factory builds backends from cfg.Storage.
func NewMigrationService(cfg *Config, factory BackendFactory, logger logrus.FieldLogger) (*MigrationService, error) {
	if cfg == nil {
		return nil, NewStoreError("NewMigrationService", ErrInvalidConfig)
	}
	if logger == nil {
		logger = discardLogger()
	}
	if factory == nil {
		factory = NewBackendFactory(cfg.Storage, logger)
	}

	// Initialize Snowflake ID generator
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, NewStoreError("NewMigrationService", err)
	}

	storageCfg := cfg.Storage
	return &MigrationService{
		factory:  factory,
		validate: storageCfg.ValidateBackend,
		cfg:      cfg.Migration,
		node:     node,
		logger:   logger.WithField("component", "migration"),
		now:      time.Now,
	}, nil
}

// IsMigrationInProgress reports whether a migration is running.
func (m *MigrationService) IsMigrationInProgress() bool {
	return m.running.Load()
}

// ValidateConfig checks the configuration of a backend type without any I/O.
// A *ConfigError in the chain names the offending field.
func (m *MigrationService) ValidateConfig(t BackendType) error {
	return NewStoreError("ValidateConfig", m.validate(t))
}

// TestConnection builds, initializes and health-checks a backend of type t,
// then shuts it down. No data is read or written.
func (m *MigrationService) TestConnection(ctx context.Context, t BackendType) error {
	if err := m.ValidateConfig(t); err != nil {
		return err
	}
	backend, err := m.factory(t)
	if err != nil {
		return NewStoreError("TestConnection", err)
	}
	defer m.shutdownQuietly(backend)

	if err := safely(func() error { return backend.Initialize(ctx) }); err != nil {
		return NewStoreError("TestConnection", fmt.Errorf("%w: %s: %v", ErrConnectionFailed, backend.Name(), err))
	}
	healthy := false
	_ = safely(func() error {
		healthy = backend.IsHealthy(ctx)
		return nil
	})
	if !healthy {
		return NewStoreError("TestConnection", fmt.Errorf("%w: %s: health check failed", ErrConnectionFailed, backend.Name()))
	}
	return nil
}

// Migrate copies every entry of every owner from the from backend to the to
// backend.
//
// Setup failures (already running, same backend, invalid target
// configuration, initialization) return an error and no report. Failures of
// individual owners do not stop the run; they are listed in the report.
// Both backends are shut down before Migrate returns.
func (m *MigrationService) Migrate(ctx context.Context, from, to BackendType, opts ...MigrateOption) (*MigrationReport, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, NewStoreError("Migrate", ErrMigrationInProgress)
	}
	defer m.running.Store(false)

	if from == to {
		return nil, NewStoreError("Migrate", fmt.Errorf("%w: %s", ErrSameBackend, from))
	}
	if err := m.validate(to); err != nil {
		return nil, NewStoreError("Migrate", err)
	}
	if err := m.validate(from); err != nil {
		return nil, NewStoreError("Migrate", err)
	}
	o := applyMigrateOptions(m.cfg, opts)

	source, err := m.factory(from)
	if err != nil {
		return nil, NewStoreError("Migrate", err)
	}
	defer m.shutdownQuietly(source)

	target, err := m.factory(to)
	if err != nil {
		return nil, NewStoreError("Migrate", err)
	}
	defer m.shutdownQuietly(target)

	for _, b := range []storage.Backend{source, target} {
		if err := safely(func() error { return b.Initialize(ctx) }); err != nil {
			return nil, NewStoreError("Migrate", fmt.Errorf("%w: initialize %s: %v", ErrConnectionFailed, b.Name(), err))
		}
	}

	report := &MigrationReport{
		ID:        m.node.Generate().Int64(),
		Source:    source.Name(),
		Target:    target.Name(),
		StartedAt: m.now(),
	}
	log := m.logger.WithFields(logrus.Fields{
		"migration": report.ID,
		"source":    report.Source,
		"target":    report.Target,
	})

	var owners map[uuid.UUID]struct{}
	if err := safely(func() error {
		var err error
		owners, err = source.AllOwnerIDs(ctx)
		return err
	}); err != nil {
		return nil, NewStoreError("Migrate", fmt.Errorf("list source owners: %w", err))
	}
	ids := sortedOwners(owners)
	log.WithField("owners", len(ids)).Info("migration started")

	run := &migrationRun{
		target:    target,
		batchSize: o.BatchSize,
		report:    report,
		failed:    make(map[uuid.UUID]string),
	}
	for start := 0; start < len(ids); start += ProgressInterval {
		end := start + ProgressInterval
		if end > len(ids) {
			end = len(ids)
		}
		window := ids[start:end]
		for i, res := range loadOwners(ctx, source, window, o.Concurrency) {
			if res.err != nil {
				run.fail(window[i], fmt.Sprintf("load from source: %v", res.err))
				continue
			}
			run.add(ctx, window[i], res.profiles)
		}

		log.WithFields(logrus.Fields{"processed": end, "total": len(ids)}).Info("migration progress")
		if o.Progress != nil {
			o.Progress(end, len(ids))
		}
	}
	run.flush(ctx)

	for _, id := range ids {
		if msg, ok := run.failed[id]; ok {
			report.Errors = append(report.Errors, MigrationError{OwnerID: id, Message: msg})
		}
	}
	report.PlayersProcessed = len(ids) - len(run.failed)
	report.FinishedAt = m.now()

	log.WithFields(logrus.Fields{
		"players":  report.PlayersProcessed,
		"entries":  report.EntriesMigrated,
		"errors":   len(report.Errors),
		"duration": report.Duration().String(),
	}).Info("migration finished")
	return report, nil
}

// shutdownQuietly shuts a backend down, logging instead of returning errors.
func (m *MigrationService) shutdownQuietly(b storage.Backend) {
	if err := safely(b.Shutdown); err != nil {
		m.logger.WithField("backend", b.Name()).WithError(err).Warn("backend shutdown failed")
	}
}

// safely runs fn and converts a panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func sortedOwners(owners map[uuid.UUID]struct{}) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(owners))
	for id := range owners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

type ownerResult struct {
	profiles []*storage.Profile
	err      error
}

// loadOwners loads the owners with at most limit concurrent backend calls.
// Results are indexed like owners.
func loadOwners(ctx context.Context, source storage.Backend, owners []uuid.UUID, limit int) []ownerResult {
	results := make([]ownerResult, len(owners))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range owners {
		g.Go(func() error {
			var loaded map[storage.Key]*storage.Profile
			err := safely(func() error {
				var err error
				loaded, err = source.LoadAll(ctx, id)
				return err
			})
			if err != nil {
				results[i] = ownerResult{err: err}
				return nil
			}
			results[i] = ownerResult{profiles: sortedProfiles(loaded)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func sortedProfiles(entries map[storage.Key]*storage.Profile) []*storage.Profile {
	out := make([]*storage.Profile, 0, len(entries))
	for _, p := range entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

type ownerSpan struct {
	owner uuid.UUID
	end   int
}

// migrationRun accumulates loaded entries and writes them to the target in
// batches, attributing write failures to the owners whose entries were lost.
type migrationRun struct {
	target    storage.Backend
	batchSize int
	report    *MigrationReport

	pending []*storage.Profile
	spans   []ownerSpan
	failed  map[uuid.UUID]string
}

func (r *migrationRun) fail(owner uuid.UUID, msg string) {
	if _, ok := r.failed[owner]; !ok {
		r.failed[owner] = msg
	}
}

func (r *migrationRun) add(ctx context.Context, owner uuid.UUID, profiles []*storage.Profile) {
	if len(profiles) == 0 {
		return
	}
	r.pending = append(r.pending, profiles...)
	r.spans = append(r.spans, ownerSpan{owner: owner, end: len(r.pending)})
	if len(r.pending) >= r.batchSize {
		r.flush(ctx)
	}
}

func (r *migrationRun) flush(ctx context.Context) {
	if len(r.pending) == 0 {
		return
	}
	var n int
	err := safely(func() error {
		var err error
		n, err = r.target.SaveBatch(ctx, r.pending)
		return err
	})
	n = clampCount(n, len(r.pending))
	r.report.EntriesMigrated += n

	if n < len(r.pending) {
		msg := fmt.Sprintf("target accepted %d of %d entries", n, len(r.pending))
		if err != nil {
			msg = fmt.Sprintf("write to target: %v", err)
		}
		for _, span := range r.spans {
			if span.end > n {
				r.fail(span.owner, msg)
			}
		}
	}
	r.pending = r.pending[:0]
	r.spans = r.spans[:0]
}
