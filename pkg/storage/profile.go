package storage

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewProfile returns an empty profile for the key with initialized collections.
func NewProfile(ownerID uuid.UUID, group string, mode Mode) *Profile {
	p := &Profile{
		OwnerID: ownerID,
		Group:   group,
		Mode:    mode,
	}
	p.Normalize()
	return p
}

// Key returns the composite key of the profile.
func (p *Profile) Key() Key {
	return Key{OwnerID: p.OwnerID, Group: p.Group, Mode: p.Mode}
}

// Validate checks the key and the slot bounds of every collection.
func (p *Profile) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil profile", ErrInvalidProfile)
	}
	if p.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: owner id is nil", ErrInvalidProfile)
	}
	if strings.TrimSpace(p.Group) == "" {
		return fmt.Errorf("%w: group is blank", ErrInvalidProfile)
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidProfile, p.Mode)
	}
	if err := checkSlots("inventory", p.Inventory, InventoryCapacity); err != nil {
		return err
	}
	if err := checkSlots("armor", p.Armor, ArmorCapacity); err != nil {
		return err
	}
	return checkSlots("ender chest", p.EnderChest, EnderChestCapacity)
}

func checkSlots(name string, s Slots, capacity int) error {
	for slot := range s {
		if slot < 0 || slot >= capacity {
			return fmt.Errorf("%w: %s slot %d out of range [0,%d)", ErrInvalidProfile, name, slot, capacity)
		}
	}
	return nil
}

// IsEmpty reports whether the profile holds no items and no paired slot.
func (p *Profile) IsEmpty() bool {
	return len(p.Inventory) == 0 && len(p.Armor) == 0 && len(p.EnderChest) == 0 && len(p.Offhand) == 0
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.Inventory = p.Inventory.clone()
	c.Armor = p.Armor.clone()
	c.EnderChest = p.EnderChest.clone()
	c.Offhand = cloneBytes(p.Offhand)
	c.Effects = append([]Effect{}, p.Effects...)
	return &c
}

// Equal reports whether both profiles match in every attribute.
//
// Empty and nil collections compare equal; timestamps compare by instant.
func (p *Profile) Equal(o *Profile) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Key() != o.Key() || p.DisplayName != o.DisplayName {
		return false
	}
	if p.Health != o.Health || p.MaxHealth != o.MaxHealth || p.FoodLevel != o.FoodLevel ||
		p.Saturation != o.Saturation || p.Exhaustion != o.Exhaustion {
		return false
	}
	if p.Level != o.Level || p.Experience != o.Experience || p.TotalExperience != o.TotalExperience {
		return false
	}
	if !p.Inventory.Equal(o.Inventory) || !p.Armor.Equal(o.Armor) || !p.EnderChest.Equal(o.EnderChest) {
		return false
	}
	if !bytes.Equal(p.Offhand, o.Offhand) || len(p.Effects) != len(o.Effects) {
		return false
	}
	for i := range p.Effects {
		if p.Effects[i] != o.Effects[i] {
			return false
		}
	}
	return p.UpdatedAt.Equal(o.UpdatedAt)
}

// Touch sets UpdatedAt to now, truncated to the stored precision.
func (p *Profile) Touch() {
	p.UpdatedAt = time.UnixMilli(time.Now().UnixMilli()).UTC()
}

// Normalize replaces nil collections with empty ones.
func (p *Profile) Normalize() {
	if p.Inventory == nil {
		p.Inventory = Slots{}
	}
	if p.Armor == nil {
		p.Armor = Slots{}
	}
	if p.EnderChest == nil {
		p.EnderChest = Slots{}
	}
	if p.Effects == nil {
		p.Effects = []Effect{}
	}
	if len(p.Offhand) == 0 {
		p.Offhand = nil
	}
}

// Equal reports whether both slot maps hold the same payloads.
func (s Slots) Equal(o Slots) bool {
	if len(s) != len(o) {
		return false
	}
	for slot, item := range s {
		other, ok := o[slot]
		if !ok || !bytes.Equal(item, other) {
			return false
		}
	}
	return true
}

func (s Slots) clone() Slots {
	c := make(Slots, len(s))
	for slot, item := range s {
		c[slot] = cloneBytes(item)
	}
	return c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
