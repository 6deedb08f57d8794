package ident

import (
	"strconv"
)

// ID is an exchange-assigned numeric identifier that may be absent.
// Wire payloads encode absence as -1; ID keeps present/absent explicit so
// the sentinel can never be mistaken for a real identifier.
// The zero value is absent.
type ID struct {
	value int64
	ok    bool
}

// New returns a present ID.
func New(v int64) ID {
	return ID{value: v, ok: true}
}

// None returns an absent ID.
func None() ID {
	return ID{}
}

// FromWire converts a wire-encoded identifier. Negative values mean absent.
func FromWire(v int64) ID {
	if v < 0 {
		return ID{}
	}
	return ID{value: v, ok: true}
}

// Valid reports whether the ID is present.
func (id ID) Valid() bool {
	return id.ok
}

// Int64 returns the raw value and whether it is present.
func (id ID) Int64() (int64, bool) {
	return id.value, id.ok
}

// Wire returns the wire encoding: the value, or -1 when absent.
func (id ID) Wire() int64 {
	if !id.ok {
		return -1
	}
	return id.value
}

func (id ID) String() string {
	if !id.ok {
		return "-"
	}
	return strconv.FormatInt(id.value, 10)
}

// MarshalJSON encodes the wire form (-1 when absent) so state dumps
// round-trip with exchange payloads.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(id.Wire(), 10)), nil
}

// UnmarshalJSON decodes the wire form.
func (id *ID) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*id = FromWire(v)
	return nil
}
