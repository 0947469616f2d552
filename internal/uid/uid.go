// Package uid provides the 128-bit identifiers used for queries,
// fragment instances and loads.
package uid

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ID is a 128-bit identifier, printed as two 64-bit hex halves.
type ID struct {
	Hi uint64
	Lo uint64
}

// New returns a random ID.
func New() ID {
	return FromUUID(uuid.New())
}

// FromUUID converts a UUID into an ID.
func FromUUID(u uuid.UUID) ID {
	return ID{
		Hi: binary.BigEndian.Uint64(u[0:8]),
		Lo: binary.BigEndian.Uint64(u[8:16]),
	}
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id.Hi == 0 && id.Lo == 0
}

// String formats the ID as "hi-lo" in lowercase hex.
func (id ID) String() string {
	return fmt.Sprintf("%x-%x", id.Hi, id.Lo)
}

// Parse reads an ID from the "hi-lo" hex form produced by String.
func Parse(s string) (ID, error) {
	var id ID
	n, err := fmt.Sscanf(s, "%x-%x", &id.Hi, &id.Lo)
	if err != nil {
		return ID{}, fmt.Errorf("uid: parse %q: %w", s, err)
	}
	if n != 2 {
		return ID{}, fmt.Errorf("uid: parse %q: want two hex halves", s)
	}
	return id, nil
}
