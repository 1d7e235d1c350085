package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Columns holds the serialized collection fields of a profile, as stored in
// TEXT columns by the SQL backends.
type Columns struct {
	Inventory  string
	Armor      string
	EnderChest string
	Offhand    string
	Effects    string
}

// EncodeColumns serializes the collections of p as JSON strings.
//
// Slot payloads become base64 strings keyed by slot index.
func EncodeColumns(p *Profile) (Columns, error) {
	var c Columns
	var err error
	if c.Inventory, err = marshalString(p.Inventory); err != nil {
		return c, fmt.Errorf("encode inventory: %w", err)
	}
	if c.Armor, err = marshalString(p.Armor); err != nil {
		return c, fmt.Errorf("encode armor: %w", err)
	}
	if c.EnderChest, err = marshalString(p.EnderChest); err != nil {
		return c, fmt.Errorf("encode ender chest: %w", err)
	}
	c.Offhand = EncodePayload(p.Offhand)
	if c.Effects, err = marshalString(p.Effects); err != nil {
		return c, fmt.Errorf("encode effects: %w", err)
	}
	return c, nil
}

// DecodeColumns parses serialized collections into p.
//
// Any parse failure is reported wrapped in ErrCorruptRecord.
func DecodeColumns(c Columns, p *Profile) error {
	p.Inventory, p.Armor, p.EnderChest = Slots{}, Slots{}, Slots{}
	p.Effects = []Effect{}
	if err := unmarshalString(c.Inventory, &p.Inventory); err != nil {
		return fmt.Errorf("%w: inventory: %v", ErrCorruptRecord, err)
	}
	if err := unmarshalString(c.Armor, &p.Armor); err != nil {
		return fmt.Errorf("%w: armor: %v", ErrCorruptRecord, err)
	}
	if err := unmarshalString(c.EnderChest, &p.EnderChest); err != nil {
		return fmt.Errorf("%w: ender chest: %v", ErrCorruptRecord, err)
	}
	offhand, err := DecodePayload(c.Offhand)
	if err != nil {
		return fmt.Errorf("%w: offhand: %v", ErrCorruptRecord, err)
	}
	p.Offhand = offhand
	if err := unmarshalString(c.Effects, &p.Effects); err != nil {
		return fmt.Errorf("%w: effects: %v", ErrCorruptRecord, err)
	}
	p.Normalize()
	return nil
}

// EncodePayload encodes an item payload as base64; nil becomes "".
func EncodePayload(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodePayload reverses EncodePayload.
func DecodePayload(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func marshalString(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalString(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
