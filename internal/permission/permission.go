// Package permission implements the route permission bitmask.
//
// A caller is allowed to use a route when its mask carries every bit the
// route requires. There are no deny bits: leaving a bit unset is the only
// way to withhold a capability, and the empty mask is usable by anyone.
package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Mask is a non-negative permission bitmask.
type Mask uint64

// None is the empty mask held by anonymous callers.
const None Mask = 0

// ErrNegative is returned when decoding a negative mask.
var ErrNegative = errors.New("permission mask must be non-negative")

// Satisfies reports whether m holds every bit set in required.
func (m Mask) Satisfies(required Mask) bool {
	return m&required == required
}

// Has reports whether bit (zero-based) is set.
func (m Mask) Has(bit uint) bool {
	if bit >= 64 {
		return false
	}
	return m&(1<<bit) != 0
}

// Missing returns the bits of required that m lacks.
func (m Mask) Missing(required Mask) Mask {
	return required &^ m
}

// String renders the mask in binary, e.g. 0b110.
func (m Mask) String() string {
	return "0b" + strconv.FormatUint(uint64(m), 2)
}

// MarshalJSON encodes the mask as a plain integer.
func (m Mask) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(m), 10)), nil
}

// UnmarshalJSON decodes a plain non-negative integer.
func (m *Mask) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid permission mask: %w", err)
	}
	s := n.String()
	if len(s) > 0 && s[0] == '-' {
		return ErrNegative
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid permission mask %q: %w", s, err)
	}
	*m = Mask(v)
	return nil
}

// FromInt64 converts a signed claim value, rejecting negatives.
func FromInt64(v int64) (Mask, error) {
	if v < 0 {
		return None, ErrNegative
	}
	return Mask(v), nil
}
