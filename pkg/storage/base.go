// Package storage provides the profile data model and the contract that all
// persistent profile backends implement.
//
// It defines the Backend interface satisfied by the YAML, SQLite, MySQL and
// PostgreSQL implementations, along with the Profile type and its composite key.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode is the sub-mode a profile is partitioned by within a group.
type Mode string

const (
	// ModeAny matches every mode in lookups and deletes.
	ModeAny Mode = ""

	// ModeSurvival is the survival mode.
	ModeSurvival Mode = "SURVIVAL"

	// ModeCreative is the creative mode.
	ModeCreative Mode = "CREATIVE"

	// ModeAdventure is the adventure mode.
	ModeAdventure Mode = "ADVENTURE"

	// ModeSpectator is the spectator mode.
	ModeSpectator Mode = "SPECTATOR"
)

// Modes returns every concrete mode in lookup order.
//
// Backends resolving a ModeAny lookup return the first mode in this order
// that has a stored profile.
func Modes() []Mode {
	return []Mode{ModeSurvival, ModeCreative, ModeAdventure, ModeSpectator}
}

// Valid reports whether m is one of the concrete modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeSurvival, ModeCreative, ModeAdventure, ModeSpectator:
		return true
	}
	return false
}

// ParseMode parses a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return ModeAny, fmt.Errorf("unknown mode %q", s)
	}
	return m, nil
}

// Key is the composite identity of a profile.
type Key struct {
	OwnerID uuid.UUID
	Group   string
	Mode    Mode
}

// String returns "<owner>:<group>:<MODE>".
func (k Key) String() string {
	return k.OwnerID.String() + ":" + k.Group + ":" + string(k.Mode)
}

// Effect is a status effect applied to a profile.
type Effect struct {
	Type      string `json:"type" yaml:"type"`
	Duration  int    `json:"duration" yaml:"duration"`
	Amplifier int    `json:"amplifier" yaml:"amplifier"`
	Ambient   bool   `json:"ambient" yaml:"ambient"`
	Particles bool   `json:"particles" yaml:"particles"`
	Icon      bool   `json:"icon" yaml:"icon"`
}

// Slots maps a slot index to an opaque serialized item payload.
//
// The mapping is sparse: an absent slot is empty.
type Slots map[int][]byte

// Slot capacities per collection.
const (
	InventoryCapacity  = 36
	ArmorCapacity      = 4
	EnderChestCapacity = 27
)

// Profile is the persisted unit, identified by (OwnerID, Group, Mode).
type Profile struct {
	// OwnerID identifies the entity that owns this profile.
	OwnerID uuid.UUID

	// Group is the logical group the profile belongs to.
	Group string

	// Mode is the sub-mode within the group.
	Mode Mode

	// DisplayName is the owner's display name at the time of the last write.
	DisplayName string

	Health     float64
	MaxHealth  float64
	FoodLevel  int
	Saturation float64
	Exhaustion float64

	// Level is the experience level.
	Level int

	// Experience is the progress towards the next level (0.0-1.0).
	Experience float64

	// TotalExperience is the lifetime experience counter.
	TotalExperience int

	Inventory  Slots
	Armor      Slots
	EnderChest Slots

	// Offhand is the paired slot; nil means empty.
	Offhand []byte

	Effects []Effect

	// UpdatedAt is the last-write timestamp (millisecond precision).
	UpdatedAt time.Time
}

// Backend defines the interface for durable profile storage.
//
// All implementations (YAML, SQLite, MySQL, PostgreSQL) must implement this
// interface. A miss is never an error: Load returns (nil, nil) and Delete
// returns (false, nil) when nothing matched. Methods called before Initialize
// return ErrNotInitialized.
type Backend interface {
	// Initialize opens the underlying medium and creates its schema or
	// directories. Calling it again is a no-op.
	Initialize(ctx context.Context) error

	// Shutdown releases resources. It is safe to call repeatedly and before Initialize.
	Shutdown() error

	// Save upserts a profile by its composite key.
	Save(ctx context.Context, profile *Profile) error

	// Load returns the profile for the key, or nil on a miss.
	//
	// ModeAny returns the first stored mode of the group in Modes() order.
	// Malformed stored records are reported as a miss.
	Load(ctx context.Context, ownerID uuid.UUID, group string, mode Mode) (*Profile, error)

	// LoadAll returns every group and mode entry for one owner.
	// Corrupted entries are skipped.
	LoadAll(ctx context.Context, ownerID uuid.UUID) (map[Key]*Profile, error)

	// Delete removes one entry, or every mode of the group for ModeAny.
	Delete(ctx context.Context, ownerID uuid.UUID, group string, mode Mode) (bool, error)

	// DeleteAll removes every entry of an owner and returns how many were removed.
	DeleteAll(ctx context.Context, ownerID uuid.UUID) (int, error)

	// SaveBatch writes the profiles using the backend's bulk mechanism.
	//
	// The returned count n means profiles[:n] are durably written; on a
	// failure the error describes why profiles[n] and later were not.
	SaveBatch(ctx context.Context, profiles []*Profile) (int, error)

	// Exists reports whether an entry is stored for the key (ModeAny: any mode).
	Exists(ctx context.Context, ownerID uuid.UUID, group string, mode Mode) (bool, error)

	// AllOwnerIDs returns every owner that has at least one entry.
	AllOwnerIDs(ctx context.Context) (map[uuid.UUID]struct{}, error)

	// GroupsFor returns the groups that hold entries for one owner.
	GroupsFor(ctx context.Context, ownerID uuid.UUID) (map[string]struct{}, error)

	// EntryCount returns the total number of stored entries.
	EntryCount(ctx context.Context) (int, error)

	// ApproximateSizeBytes estimates the storage footprint.
	ApproximateSizeBytes(ctx context.Context) (int64, error)

	// IsHealthy is a cheap liveness check.
	IsHealthy(ctx context.Context) bool

	// Name returns the stable backend identifier used in reports.
	Name() string
}
