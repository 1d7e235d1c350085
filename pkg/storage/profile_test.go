package storage_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/profilestore-go/pkg/storage"
)

func sampleProfile() *storage.Profile {
	p := storage.NewProfile(uuid.New(), "survival", storage.ModeSurvival)
	p.DisplayName = "Steve"
	p.Health = 17.5
	p.MaxHealth = 20
	p.FoodLevel = 18
	p.Level = 12
	p.Experience = 0.25
	p.TotalExperience = 310
	p.Inventory[0] = []byte("diamond_sword")
	p.Inventory[8] = []byte("torch x64")
	p.Armor[3] = []byte("iron_helmet")
	p.Offhand = []byte("shield")
	p.Effects = []storage.Effect{{Type: "speed", Duration: 600, Amplifier: 1, Particles: true, Icon: true}}
	p.Touch()
	return p
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    storage.Mode
		wantErr bool
	}{
		{"survival", storage.ModeSurvival, false},
		{" Creative ", storage.ModeCreative, false},
		{"SPECTATOR", storage.ModeSpectator, false},
		{"hardcore", storage.ModeAny, true},
		{"", storage.ModeAny, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := storage.ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestModes_Order(t *testing.T) {
	assert.Equal(t, []storage.Mode{
		storage.ModeSurvival, storage.ModeCreative, storage.ModeAdventure, storage.ModeSpectator,
	}, storage.Modes())
	assert.False(t, storage.ModeAny.Valid())
}

func TestProfile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *storage.Profile)
		wantErr bool
	}{
		{name: "valid", mutate: func(p *storage.Profile) {}},
		{name: "nil owner", mutate: func(p *storage.Profile) { p.OwnerID = uuid.Nil }, wantErr: true},
		{name: "blank group", mutate: func(p *storage.Profile) { p.Group = "  " }, wantErr: true},
		{name: "any mode", mutate: func(p *storage.Profile) { p.Mode = storage.ModeAny }, wantErr: true},
		{name: "inventory overflow", mutate: func(p *storage.Profile) { p.Inventory[36] = []byte("x") }, wantErr: true},
		{name: "negative armor slot", mutate: func(p *storage.Profile) { p.Armor[-1] = []byte("x") }, wantErr: true},
		{name: "ender chest last slot", mutate: func(p *storage.Profile) { p.EnderChest[26] = []byte("x") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := sampleProfile()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, storage.ErrInvalidProfile)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProfile_CloneIsDeep(t *testing.T) {
	p := sampleProfile()
	c := p.Clone()
	require.True(t, p.Equal(c))

	c.Inventory[0][0] = 'X'
	c.Offhand[0] = 'X'
	c.Effects[0].Duration = 1
	c.Armor[0] = []byte("new")

	assert.Equal(t, "diamond_sword", string(p.Inventory[0]))
	assert.Equal(t, "shield", string(p.Offhand))
	assert.Equal(t, 600, p.Effects[0].Duration)
	assert.NotContains(t, p.Armor, 0)
	assert.False(t, p.Equal(c))
}

func TestProfile_Equal(t *testing.T) {
	p := sampleProfile()

	t.Run("nil and empty collections", func(t *testing.T) {
		a := storage.NewProfile(p.OwnerID, "g", storage.ModeCreative)
		b := &storage.Profile{OwnerID: p.OwnerID, Group: "g", Mode: storage.ModeCreative}
		assert.True(t, a.Equal(b))
	})

	t.Run("timestamps by instant", func(t *testing.T) {
		c := p.Clone()
		loc := time.FixedZone("UTC+2", 2*60*60)
		c.UpdatedAt = p.UpdatedAt.In(loc)
		assert.True(t, p.Equal(c))
	})

	t.Run("slot payload differs", func(t *testing.T) {
		c := p.Clone()
		c.Inventory[8] = []byte("torch x63")
		assert.False(t, p.Equal(c))
	})

	t.Run("nil", func(t *testing.T) {
		var n *storage.Profile
		assert.True(t, n.Equal(nil))
		assert.False(t, p.Equal(nil))
	})
}

func TestProfile_IsEmpty(t *testing.T) {
	p := storage.NewProfile(uuid.New(), "lobby", storage.ModeAdventure)
	assert.True(t, p.IsEmpty())
	assert.NoError(t, p.Validate())

	p.Offhand = []byte("map")
	assert.False(t, p.IsEmpty())
}

func TestProfile_TouchMillisecondPrecision(t *testing.T) {
	p := sampleProfile()
	p.Touch()
	assert.Equal(t, time.UTC, p.UpdatedAt.Location())
	assert.Zero(t, p.UpdatedAt.Nanosecond()%int(time.Millisecond))
}

func TestKey_String(t *testing.T) {
	id := uuid.MustParse("7f9c2f59-8a3b-4a4c-9d8e-0c1f2e3d4b5a")
	k := storage.Key{OwnerID: id, Group: "nether", Mode: storage.ModeSurvival}
	assert.Equal(t, "7f9c2f59-8a3b-4a4c-9d8e-0c1f2e3d4b5a:nether:SURVIVAL", k.String())
}
