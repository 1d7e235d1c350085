package core

import (
	"time"

	"github.com/google/uuid"

	"github.com/oceanbase/profilestore-go/pkg/cache"
)

// MigrationError records the failure of one owner during a migration.
type MigrationError struct {
	// OwnerID is the owner whose entries could not be migrated.
	OwnerID uuid.UUID `json:"owner_id"`

	// Message describes the failure.
	Message string `json:"message"`
}

// MigrationReport summarizes a finished migration.
//
// A migration with partial failures still returns a report; Errors lists
// every owner that did not fully migrate.
//
// Example:
//
//	report, err := migrations.Migrate(ctx, core.BackendYAML, core.BackendSQLite)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("%d owners, %d entries in %s\n",
//	    report.PlayersProcessed, report.EntriesMigrated, report.Duration())
type MigrationReport struct {
	// ID uniquely identifies the run (Snowflake ID).
	ID int64 `json:"id"`

	// Source and Target are the backend names.
	Source string `json:"source"`
	Target string `json:"target"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// PlayersProcessed counts owners migrated without error.
	PlayersProcessed int `json:"players_processed"`

	// EntriesMigrated counts entries written to the target.
	EntriesMigrated int `json:"entries_migrated"`

	Errors []MigrationError `json:"errors,omitempty"`
}

// Success reports whether every owner migrated.
func (r *MigrationReport) Success() bool {
	return len(r.Errors) == 0
}

// Duration returns the wall time of the run.
func (r *MigrationReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ServiceStats combines cache counters with storage service counters.
type ServiceStats struct {
	// Backend is the name of the live backend.
	Backend string `json:"backend"`

	Cache cache.Stats `json:"cache"`

	// Flushes counts completed write-behind flushes that wrote at least one entry.
	Flushes int64 `json:"flushes"`

	// FlushFailures counts flushes that left entries dirty.
	FlushFailures int64 `json:"flush_failures"`

	// BackendErrors counts backend errors and panics absorbed by the service.
	BackendErrors int64 `json:"backend_errors"`
}
