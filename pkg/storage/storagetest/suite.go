// Package storagetest provides a conformance suite run against every
// storage.Backend implementation.
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/profilestore-go/pkg/storage"
)

// Factory returns a fresh, uninitialized backend with no stored data.
type Factory func(t *testing.T) storage.Backend

// SampleProfile returns a fully populated valid profile.
func SampleProfile(ownerID uuid.UUID, group string, mode storage.Mode) *storage.Profile {
	p := storage.NewProfile(ownerID, group, mode)
	p.DisplayName = "Alex"
	p.Health = 19.5
	p.MaxHealth = 20
	p.FoodLevel = 17
	p.Saturation = 4.5
	p.Exhaustion = 0.75
	p.Level = 30
	p.Experience = 0.5
	p.TotalExperience = 1395
	p.Inventory[0] = []byte("minecraft:diamond_pickaxe{Damage:12}")
	p.Inventory[8] = []byte("minecraft:bread x16")
	p.Armor[2] = []byte("minecraft:elytra")
	p.EnderChest[26] = []byte("minecraft:shulker_box")
	p.Offhand = []byte("minecraft:totem_of_undying")
	p.Effects = []storage.Effect{
		{Type: "minecraft:night_vision", Duration: 3600, Amplifier: 0, Particles: false, Icon: true},
		{Type: "minecraft:haste", Duration: 200, Amplifier: 1, Ambient: true, Particles: true, Icon: true},
	}
	p.Touch()
	return p
}

func open(t *testing.T, newBackend Factory) storage.Backend {
	t.Helper()
	b := newBackend(t)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown() })
	return b
}

// Run runs the conformance suite.
func Run(t *testing.T, newBackend Factory) {
	ctx := context.Background()

	t.Run("NotInitialized", func(t *testing.T) {
		b := newBackend(t)
		p := SampleProfile(uuid.New(), "survival", storage.ModeSurvival)

		assert.ErrorIs(t, b.Save(ctx, p), storage.ErrNotInitialized)
		_, err := b.Load(ctx, p.OwnerID, p.Group, p.Mode)
		assert.ErrorIs(t, err, storage.ErrNotInitialized)
		_, err = b.SaveBatch(ctx, []*storage.Profile{p})
		assert.ErrorIs(t, err, storage.ErrNotInitialized)
		assert.False(t, b.IsHealthy(ctx))
		assert.NoError(t, b.Shutdown())
	})

	t.Run("InitializeIdempotent", func(t *testing.T) {
		b := open(t, newBackend)
		require.NoError(t, b.Initialize(ctx))
		assert.True(t, b.IsHealthy(ctx))
		require.NoError(t, b.Shutdown())
		require.NoError(t, b.Shutdown())
	})

	t.Run("RoundTrip", func(t *testing.T) {
		b := open(t, newBackend)
		p := SampleProfile(uuid.New(), "survival", storage.ModeSurvival)

		require.NoError(t, b.Save(ctx, p))
		loaded, err := b.Load(ctx, p.OwnerID, p.Group, p.Mode)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.True(t, p.Equal(loaded), "loaded profile differs: %+v", loaded)
	})

	t.Run("EmptyProfileRoundTrip", func(t *testing.T) {
		b := open(t, newBackend)
		p := storage.NewProfile(uuid.New(), "lobby", storage.ModeAdventure)
		p.Touch()

		require.NoError(t, b.Save(ctx, p))
		loaded, err := b.Load(ctx, p.OwnerID, p.Group, p.Mode)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.True(t, loaded.IsEmpty())
		assert.Nil(t, loaded.Offhand)
		assert.True(t, p.Equal(loaded))
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		b := open(t, newBackend)
		p := SampleProfile(uuid.New(), "survival", storage.ModeSurvival)
		require.NoError(t, b.Save(ctx, p))

		p.Level = 31
		delete(p.Inventory, 8)
		require.NoError(t, b.Save(ctx, p))

		loaded, err := b.Load(ctx, p.OwnerID, p.Group, p.Mode)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, 31, loaded.Level)
		assert.NotContains(t, loaded.Inventory, 8)

		n, err := b.EntryCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("SaveRejectsInvalid", func(t *testing.T) {
		b := open(t, newBackend)
		p := SampleProfile(uuid.New(), "survival", storage.ModeSurvival)
		p.Inventory[99] = []byte("overflow")
		assert.ErrorIs(t, b.Save(ctx, p), storage.ErrInvalidProfile)
	})

	t.Run("LoadMiss", func(t *testing.T) {
		b := open(t, newBackend)
		loaded, err := b.Load(ctx, uuid.New(), "nowhere", storage.ModeSurvival)
		assert.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("LoadAnyModeOrder", func(t *testing.T) {
		b := open(t, newBackend)
		owner := uuid.New()
		require.NoError(t, b.Save(ctx, SampleProfile(owner, "world", storage.ModeSpectator)))
		require.NoError(t, b.Save(ctx, SampleProfile(owner, "world", storage.ModeCreative)))

		loaded, err := b.Load(ctx, owner, "world", storage.ModeAny)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, storage.ModeCreative, loaded.Mode)

		exists, err := b.Exists(ctx, owner, "world", storage.ModeAny)
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = b.Exists(ctx, owner, "world", storage.ModeSurvival)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("LoadAllAndGroups", func(t *testing.T) {
		b := open(t, newBackend)
		owner, other := uuid.New(), uuid.New()
		for _, g := range []string{"survival", "creative"} {
			for _, m := range []storage.Mode{storage.ModeSurvival, storage.ModeCreative} {
				require.NoError(t, b.Save(ctx, SampleProfile(owner, g, m)))
			}
		}
		require.NoError(t, b.Save(ctx, SampleProfile(other, "survival", storage.ModeSurvival)))

		all, err := b.LoadAll(ctx, owner)
		require.NoError(t, err)
		assert.Len(t, all, 4)
		for key, p := range all {
			assert.Equal(t, key, p.Key())
			assert.Equal(t, owner, key.OwnerID)
		}

		groups, err := b.GroupsFor(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"survival": {}, "creative": {}}, groups)

		owners, err := b.AllOwnerIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[uuid.UUID]struct{}{owner: {}, other: {}}, owners)

		count, err := b.EntryCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, count)

		size, err := b.ApproximateSizeBytes(ctx)
		require.NoError(t, err)
		assert.Positive(t, size)
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		b := open(t, newBackend)
		p := SampleProfile(uuid.New(), "survival", storage.ModeSurvival)
		require.NoError(t, b.Save(ctx, p))

		deleted, err := b.Delete(ctx, p.OwnerID, p.Group, p.Mode)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = b.Delete(ctx, p.OwnerID, p.Group, p.Mode)
		require.NoError(t, err)
		assert.False(t, deleted)

		removed, err := b.DeleteAll(ctx, uuid.New())
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("DeleteAnyModeRemovesGroup", func(t *testing.T) {
		b := open(t, newBackend)
		owner := uuid.New()
		require.NoError(t, b.Save(ctx, SampleProfile(owner, "nether", storage.ModeSurvival)))
		require.NoError(t, b.Save(ctx, SampleProfile(owner, "nether", storage.ModeCreative)))
		require.NoError(t, b.Save(ctx, SampleProfile(owner, "end", storage.ModeSurvival)))

		deleted, err := b.Delete(ctx, owner, "nether", storage.ModeAny)
		require.NoError(t, err)
		assert.True(t, deleted)

		all, err := b.LoadAll(ctx, owner)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Contains(t, all, storage.Key{OwnerID: owner, Group: "end", Mode: storage.ModeSurvival})
	})

	t.Run("OwnerScenario", func(t *testing.T) {
		b := open(t, newBackend)
		u1 := uuid.New()
		p := storage.NewProfile(u1, "survival", storage.ModeSurvival)
		p.Inventory[0] = []byte("item-a")
		p.Inventory[8] = []byte("item-b")
		p.Offhand = []byte("item-c")
		p.Touch()
		require.NoError(t, b.Save(ctx, p))

		loaded, err := b.Load(ctx, u1, "survival", storage.ModeAny)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.True(t, p.Equal(loaded))

		removed, err := b.DeleteAll(ctx, u1)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		loaded, err = b.Load(ctx, u1, "survival", storage.ModeAny)
		require.NoError(t, err)
		assert.Nil(t, loaded)

		owners, err := b.AllOwnerIDs(ctx)
		require.NoError(t, err)
		assert.NotContains(t, owners, u1)
	})

	t.Run("SaveBatch", func(t *testing.T) {
		b := open(t, newBackend)
		var batch []*storage.Profile
		for i := 0; i < 120; i++ {
			batch = append(batch, SampleProfile(uuid.New(), fmt.Sprintf("g%d", i%3), storage.Modes()[i%4]))
		}

		n, err := b.SaveBatch(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, len(batch), n)

		count, err := b.EntryCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, len(batch), count)

		for _, p := range []*storage.Profile{batch[0], batch[57], batch[119]} {
			loaded, err := b.Load(ctx, p.OwnerID, p.Group, p.Mode)
			require.NoError(t, err)
			assert.True(t, p.Equal(loaded))
		}
	})

	t.Run("SaveBatchDuplicateKeys", func(t *testing.T) {
		b := open(t, newBackend)
		first := SampleProfile(uuid.New(), "survival", storage.ModeSurvival)
		second := first.Clone()
		second.Level = 99

		n, err := b.SaveBatch(ctx, []*storage.Profile{first, second})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		loaded, err := b.Load(ctx, first.OwnerID, first.Group, first.Mode)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, 99, loaded.Level)
	})

	t.Run("SaveBatchPrefix", func(t *testing.T) {
		b := open(t, newBackend)
		good := SampleProfile(uuid.New(), "survival", storage.ModeSurvival)
		bad := SampleProfile(uuid.New(), "survival", storage.ModeSurvival)
		bad.Group = ""
		late := SampleProfile(uuid.New(), "survival", storage.ModeSurvival)

		n, err := b.SaveBatch(ctx, []*storage.Profile{good, bad, late})
		assert.ErrorIs(t, err, storage.ErrInvalidProfile)
		assert.Equal(t, 1, n)

		exists, err := b.Exists(ctx, good.OwnerID, good.Group, good.Mode)
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = b.Exists(ctx, late.OwnerID, late.Group, late.Mode)
		require.NoError(t, err)
		assert.False(t, exists)
	})
}
