// Package oid provides object and transaction identifiers and their textual forms.
package oid

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ID identifies one stored object. It is the 8-byte big-endian oid of the engine.
type ID uint64

// TID identifies a committed transaction.
type TID uint64

// Root is the oid of the database root mapping.
const Root ID = 0

// Bytes returns the 8-byte big-endian encoding.
func (id ID) Bytes() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// String returns the repr form, e.g. "0x00" or "0x01a3".
func (id ID) String() string {
	return repr(uint64(id))
}

// String returns the repr form of the transaction id.
func (t TID) String() string {
	return repr(uint64(t))
}

// FromBytes decodes an 8-byte big-endian oid.
func FromBytes(b []byte) (ID, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("oid must be 8 bytes, got %d", len(b))
	}
	return ID(binary.BigEndian.Uint64(b)), nil
}

// Parse parses an oid in repr form ("0x1f") or as a decimal number.
func Parse(s string) (ID, error) {
	v, err := parse(s)
	if err != nil {
		return 0, fmt.Errorf("parsing oid %q: %w", s, err)
	}
	return ID(v), nil
}

// ParseTID parses a transaction id in repr form or as a decimal number.
func ParseTID(s string) (TID, error) {
	v, err := parse(s)
	if err != nil {
		return 0, fmt.Errorf("parsing tid %q: %w", s, err)
	}
	return TID(v), nil
}

// Sort sorts ids in ascending order in place and returns them.
func Sort(ids []ID) []ID {
	slices.Sort(ids)
	return ids
}

func repr(v uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	h := strings.TrimLeft(hex.EncodeToString(b[:]), "0")
	if h == "" {
		return "0x00"
	}
	if len(h)%2 == 1 {
		h = "0" + h
	}
	return "0x" + h
}

func parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty identifier")
	}
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		if rest == "" || len(rest) > 16 {
			return 0, fmt.Errorf("invalid hex length %d", len(rest))
		}
		return strconv.ParseUint(rest, 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}
