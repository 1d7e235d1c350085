// Package yamlfile provides the flat-file profile backend.
//
// Each profile is one YAML document stored at
// <directory>/<ownerId>/<file-stem>_<MODE>.yml, where the stem is the
// sanitized group, followed by "." and a hash of the raw group when
// sanitizing changed it. Files are replaced atomically through a temporary
// file and rename.
package yamlfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/oceanbase/profilestore-go/pkg/storage"
)

// Name is the backend identifier used in reports.
const Name = "YAML"

const fileExt = ".yml"

var _ storage.Backend = (*Client)(nil)

// Config contains configuration for creating a YAML backend.
type Config struct {
	// Directory is the root directory holding one sub-directory per owner.
	Directory string
}

// Client implements storage.Backend with one YAML file per profile.
type Client struct {
	mu          sync.RWMutex
	dir         string
	initialized bool
	logger      logrus.FieldLogger
}

// NewClient creates a YAML backend. The directory is created by Initialize.
func NewClient(cfg *Config, logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		dir:    cfg.Directory,
		logger: logger.WithField("backend", Name),
	}
}

// document is the on-disk layout of a profile.
type document struct {
	Owner           string           `yaml:"owner"`
	Group           string           `yaml:"group"`
	Mode            string           `yaml:"mode"`
	DisplayName     string           `yaml:"display_name"`
	Health          float64          `yaml:"health"`
	MaxHealth       float64          `yaml:"max_health"`
	FoodLevel       int              `yaml:"food_level"`
	Saturation      float64          `yaml:"saturation"`
	Exhaustion      float64          `yaml:"exhaustion"`
	Level           int              `yaml:"level"`
	Experience      float64          `yaml:"experience"`
	TotalExperience int              `yaml:"total_experience"`
	Inventory       map[int]string   `yaml:"inventory,omitempty"`
	Armor           map[int]string   `yaml:"armor,omitempty"`
	EnderChest      map[int]string   `yaml:"ender_chest,omitempty"`
	Offhand         string           `yaml:"offhand,omitempty"`
	Effects         []storage.Effect `yaml:"effects,omitempty"`
	UpdatedAt       int64            `yaml:"updated_at"`
}

// Name returns "YAML".
func (c *Client) Name() string {
	return Name
}

// Initialize creates the root directory.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		c.logger.Debug("already initialized")
		return nil
	}
	if strings.TrimSpace(c.dir) == "" {
		return fmt.Errorf("Initialize: directory is blank")
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("Initialize: %w", err)
	}
	c.initialized = true
	c.logger.WithField("directory", c.dir).Info("storage initialized")
	return nil
}

// Shutdown marks the backend closed. Files hold no open handles between calls.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	return nil
}

// SanitizeGroup strips path separators and characters that are unsafe or
// ambiguous in file names. Only letters, digits, '-' and '_' survive.
func SanitizeGroup(group string) string {
	var b strings.Builder
	for _, r := range group {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "group"
	}
	return b.String()
}

// fileStem returns the file name prefix for group. Sanitized names never
// contain '.', so the hashed form cannot clash with an unchanged one.
func fileStem(group string) string {
	stem := SanitizeGroup(group)
	if stem == group {
		return stem
	}
	sum := sha256.Sum256([]byte(group))
	return stem + "." + hex.EncodeToString(sum[:6])
}

func (c *Client) ownerDir(ownerID uuid.UUID) string {
	return filepath.Join(c.dir, ownerID.String())
}

func (c *Client) profilePath(ownerID uuid.UUID, group string, mode storage.Mode) string {
	return filepath.Join(c.ownerDir(ownerID), fileStem(group)+"_"+string(mode)+fileExt)
}

func holdsKey(p *storage.Profile, ownerID uuid.UUID, group string, mode storage.Mode) bool {
	return p.OwnerID == ownerID && p.Group == group && p.Mode == mode
}

func (c *Client) warnForeign(ownerID uuid.UUID, group string, mode storage.Mode) {
	c.logger.WithFields(logrus.Fields{
		"owner": ownerID.String(),
		"group": group,
		"mode":  string(mode),
	}).Warn("profile file belongs to a different key")
}

// modesFor expands ModeAny into every concrete mode.
func modesFor(mode storage.Mode) []storage.Mode {
	if mode == storage.ModeAny {
		return storage.Modes()
	}
	return []storage.Mode{mode}
}

// Save writes the profile file atomically.
func (c *Client) Save(ctx context.Context, profile *storage.Profile) error {
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("Save: %w", storage.ErrNotInitialized)
	}
	if err := c.write(profile); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

// SaveBatch writes the profiles in order under one lock, stopping at the
// first failure.
func (c *Client) SaveBatch(ctx context.Context, profiles []*storage.Profile) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return 0, fmt.Errorf("SaveBatch: %w", storage.ErrNotInitialized)
	}
	for i, p := range profiles {
		if err := ctx.Err(); err != nil {
			return i, fmt.Errorf("SaveBatch: %w", err)
		}
		if err := p.Validate(); err != nil {
			return i, fmt.Errorf("SaveBatch: %w", err)
		}
		if err := c.write(p); err != nil {
			return i, fmt.Errorf("SaveBatch: %w", err)
		}
	}
	return len(profiles), nil
}

func (c *Client) write(p *storage.Profile) error {
	path := c.profilePath(p.OwnerID, p.Group, p.Mode)
	existing, err := c.read(path)
	if err != nil {
		return fmt.Errorf("read existing file: %w", err)
	}
	if existing != nil && !holdsKey(existing, p.OwnerID, p.Group, p.Mode) {
		return fmt.Errorf("%s holds group %q, refusing to overwrite it", filepath.Base(path), existing.Group)
	}

	dir := c.ownerDir(p.OwnerID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create owner directory: %w", err)
	}
	data, err := yaml.Marshal(toDocument(p))
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".profile-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename profile file: %w", err)
	}
	return nil
}

// Load reads the profile file; ModeAny returns the first mode found.
func (c *Client) Load(ctx context.Context, ownerID uuid.UUID, group string, mode storage.Mode) (*storage.Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return nil, fmt.Errorf("Load: %w", storage.ErrNotInitialized)
	}
	for _, m := range modesFor(mode) {
		p, err := c.read(c.profilePath(ownerID, group, m))
		if err != nil {
			return nil, fmt.Errorf("Load: %w", err)
		}
		if p == nil {
			continue
		}
		if !holdsKey(p, ownerID, group, m) {
			c.warnForeign(ownerID, group, m)
			continue
		}
		return p, nil
	}
	return nil, nil
}

// read decodes one file. A missing or malformed file yields (nil, nil);
// only I/O failures other than absence are errors.
func (c *Client) read(path string) (*storage.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	p, err := fromDocument(data)
	if err != nil {
		c.logger.WithError(err).WithField("path", path).Warn("skipping corrupt profile file")
		return nil, nil
	}
	return p, nil
}

// LoadAll reads every profile file of the owner.
func (c *Client) LoadAll(ctx context.Context, ownerID uuid.UUID) (map[storage.Key]*storage.Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return nil, fmt.Errorf("LoadAll: %w", storage.ErrNotInitialized)
	}
	profiles, err := c.readOwner(ownerID)
	if err != nil {
		return nil, fmt.Errorf("LoadAll: %w", err)
	}
	result := make(map[storage.Key]*storage.Profile, len(profiles))
	for _, p := range profiles {
		result[p.Key()] = p
	}
	return result, nil
}

func (c *Client) readOwner(ownerID uuid.UUID) ([]*storage.Profile, error) {
	files, err := c.ownerFiles(ownerID)
	if err != nil {
		return nil, err
	}
	var profiles []*storage.Profile
	for _, path := range files {
		p, err := c.read(path)
		if err != nil {
			c.logger.WithError(err).WithField("path", path).Warn("skipping unreadable profile file")
			continue
		}
		if p == nil || p.OwnerID != ownerID {
			continue
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func (c *Client) ownerFiles(ownerID uuid.UUID) ([]string, error) {
	entries, err := os.ReadDir(c.ownerDir(ownerID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		files = append(files, filepath.Join(c.ownerDir(ownerID), entry.Name()))
	}
	return files, nil
}

// Delete removes the profile file, or every mode of the group for ModeAny.
// A file recording a different key is left alone.
func (c *Client) Delete(ctx context.Context, ownerID uuid.UUID, group string, mode storage.Mode) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return false, fmt.Errorf("Delete: %w", storage.ErrNotInitialized)
	}
	deleted := false
	for _, m := range modesFor(mode) {
		path := c.profilePath(ownerID, group, m)
		p, err := c.read(path)
		if err != nil {
			return deleted, fmt.Errorf("Delete: %w", err)
		}
		if p != nil && !holdsKey(p, ownerID, group, m) {
			c.warnForeign(ownerID, group, m)
			continue
		}
		err = os.Remove(path)
		if err == nil {
			deleted = true
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return deleted, fmt.Errorf("Delete: %w", err)
		}
	}
	c.removeIfEmpty(ownerID)
	return deleted, nil
}

// DeleteAll removes every profile file of the owner and its directory.
func (c *Client) DeleteAll(ctx context.Context, ownerID uuid.UUID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return 0, fmt.Errorf("DeleteAll: %w", storage.ErrNotInitialized)
	}
	files, err := c.ownerFiles(ownerID)
	if err != nil {
		return 0, fmt.Errorf("DeleteAll: %w", err)
	}
	removed := 0
	for _, path := range files {
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return removed, fmt.Errorf("DeleteAll: %w", err)
		}
		removed++
	}
	c.removeIfEmpty(ownerID)
	return removed, nil
}

// removeIfEmpty drops the owner directory once its last file is gone.
func (c *Client) removeIfEmpty(ownerID uuid.UUID) {
	entries, err := os.ReadDir(c.ownerDir(ownerID))
	if err == nil && len(entries) == 0 {
		_ = os.Remove(c.ownerDir(ownerID))
	}
}

// Exists reports whether a readable file recording the key is stored.
func (c *Client) Exists(ctx context.Context, ownerID uuid.UUID, group string, mode storage.Mode) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return false, fmt.Errorf("Exists: %w", storage.ErrNotInitialized)
	}
	for _, m := range modesFor(mode) {
		p, err := c.read(c.profilePath(ownerID, group, m))
		if err != nil {
			return false, fmt.Errorf("Exists: %w", err)
		}
		if p != nil && holdsKey(p, ownerID, group, m) {
			return true, nil
		}
	}
	return false, nil
}

// AllOwnerIDs lists owner directories that hold at least one profile file.
func (c *Client) AllOwnerIDs(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return nil, fmt.Errorf("AllOwnerIDs: %w", storage.ErrNotInitialized)
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("AllOwnerIDs: %w", err)
	}
	owners := make(map[uuid.UUID]struct{})
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}
		files, err := c.ownerFiles(id)
		if err != nil || len(files) == 0 {
			continue
		}
		owners[id] = struct{}{}
	}
	return owners, nil
}

// GroupsFor collects the groups recorded inside the owner's files.
func (c *Client) GroupsFor(ctx context.Context, ownerID uuid.UUID) (map[string]struct{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return nil, fmt.Errorf("GroupsFor: %w", storage.ErrNotInitialized)
	}
	profiles, err := c.readOwner(ownerID)
	if err != nil {
		return nil, fmt.Errorf("GroupsFor: %w", err)
	}
	groups := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		groups[p.Group] = struct{}{}
	}
	return groups, nil
}

// EntryCount counts profile files across all owners.
func (c *Client) EntryCount(ctx context.Context) (int, error) {
	count := 0
	err := c.walk(func(path string, info fs.FileInfo) {
		count++
	})
	if err != nil {
		return 0, fmt.Errorf("EntryCount: %w", err)
	}
	return count, nil
}

// ApproximateSizeBytes sums the sizes of all profile files.
func (c *Client) ApproximateSizeBytes(ctx context.Context) (int64, error) {
	var size int64
	err := c.walk(func(path string, info fs.FileInfo) {
		size += info.Size()
	})
	if err != nil {
		return 0, fmt.Errorf("ApproximateSizeBytes: %w", err)
	}
	return size, nil
}

func (c *Client) walk(fn func(path string, info fs.FileInfo)) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return storage.ErrNotInitialized
	}
	return filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		fn(path, info)
		return nil
	})
}

// IsHealthy reports whether the root directory is reachable.
func (c *Client) IsHealthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return false
	}
	info, err := os.Stat(c.dir)
	return err == nil && info.IsDir()
}

func toDocument(p *storage.Profile) *document {
	return &document{
		Owner:           p.OwnerID.String(),
		Group:           p.Group,
		Mode:            string(p.Mode),
		DisplayName:     p.DisplayName,
		Health:          p.Health,
		MaxHealth:       p.MaxHealth,
		FoodLevel:       p.FoodLevel,
		Saturation:      p.Saturation,
		Exhaustion:      p.Exhaustion,
		Level:           p.Level,
		Experience:      p.Experience,
		TotalExperience: p.TotalExperience,
		Inventory:       encodeSlots(p.Inventory),
		Armor:           encodeSlots(p.Armor),
		EnderChest:      encodeSlots(p.EnderChest),
		Offhand:         storage.EncodePayload(p.Offhand),
		Effects:         p.Effects,
		UpdatedAt:       p.UpdatedAt.UnixMilli(),
	}
}

// fromDocument parses and validates a profile file. Missing required fields
// and syntax errors are reported as storage.ErrCorruptRecord.
func fromDocument(data []byte) (*storage.Profile, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorruptRecord, err)
	}
	if doc.Owner == "" || doc.Group == "" || doc.Mode == "" {
		return nil, fmt.Errorf("%w: missing owner, group or mode", storage.ErrCorruptRecord)
	}
	owner, err := uuid.Parse(doc.Owner)
	if err != nil {
		return nil, fmt.Errorf("%w: owner id: %v", storage.ErrCorruptRecord, err)
	}
	mode, err := storage.ParseMode(doc.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorruptRecord, err)
	}

	p := storage.NewProfile(owner, doc.Group, mode)
	p.DisplayName = doc.DisplayName
	p.Health = doc.Health
	p.MaxHealth = doc.MaxHealth
	p.FoodLevel = doc.FoodLevel
	p.Saturation = doc.Saturation
	p.Exhaustion = doc.Exhaustion
	p.Level = doc.Level
	p.Experience = doc.Experience
	p.TotalExperience = doc.TotalExperience
	if p.Inventory, err = decodeSlots(doc.Inventory); err != nil {
		return nil, err
	}
	if p.Armor, err = decodeSlots(doc.Armor); err != nil {
		return nil, err
	}
	if p.EnderChest, err = decodeSlots(doc.EnderChest); err != nil {
		return nil, err
	}
	if p.Offhand, err = storage.DecodePayload(doc.Offhand); err != nil {
		return nil, fmt.Errorf("%w: offhand: %v", storage.ErrCorruptRecord, err)
	}
	p.Effects = append(p.Effects, doc.Effects...)
	p.UpdatedAt = time.UnixMilli(doc.UpdatedAt).UTC()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorruptRecord, err)
	}
	return p, nil
}

func encodeSlots(s storage.Slots) map[int]string {
	if len(s) == 0 {
		return nil
	}
	out := make(map[int]string, len(s))
	for slot, item := range s {
		out[slot] = storage.EncodePayload(item)
	}
	return out
}

func decodeSlots(in map[int]string) (storage.Slots, error) {
	out := make(storage.Slots, len(in))
	for slot, encoded := range in {
		item, err := storage.DecodePayload(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: slot %d: %v", storage.ErrCorruptRecord, slot, err)
		}
		out[slot] = item
	}
	return out, nil
}
