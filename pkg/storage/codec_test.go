package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/profilestore-go/pkg/storage"
)

func TestColumns_RoundTrip(t *testing.T) {
	p := sampleProfile()

	cols, err := storage.EncodeColumns(p)
	require.NoError(t, err)
	assert.NotEmpty(t, cols.Offhand)

	decoded := &storage.Profile{OwnerID: p.OwnerID, Group: p.Group, Mode: p.Mode}
	require.NoError(t, storage.DecodeColumns(cols, decoded))

	assert.True(t, p.Inventory.Equal(decoded.Inventory))
	assert.True(t, p.Armor.Equal(decoded.Armor))
	assert.True(t, p.EnderChest.Equal(decoded.EnderChest))
	assert.Equal(t, p.Offhand, decoded.Offhand)
	assert.Equal(t, p.Effects, decoded.Effects)
}

func TestColumns_EmptyOffhand(t *testing.T) {
	p := sampleProfile()
	p.Offhand = nil

	cols, err := storage.EncodeColumns(p)
	require.NoError(t, err)
	assert.Empty(t, cols.Offhand)

	decoded := &storage.Profile{}
	require.NoError(t, storage.DecodeColumns(cols, decoded))
	assert.Nil(t, decoded.Offhand)
	assert.NotNil(t, decoded.Inventory)
}

func TestDecodeColumns_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		cols storage.Columns
	}{
		{"inventory", storage.Columns{Inventory: "{not json"}},
		{"armor", storage.Columns{Armor: "[1,2"}},
		{"offhand", storage.Columns{Offhand: "***"}},
		{"effects", storage.Columns{Effects: "{}"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storage.DecodeColumns(tt.cols, &storage.Profile{})
			assert.ErrorIs(t, err, storage.ErrCorruptRecord)
		})
	}
}
