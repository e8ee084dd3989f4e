// Package identifiers validates provider identifiers and loads them from
// CSV files, keeping the first occurrence of each identifier in input order.
package identifiers

import (
	"errors"
	"fmt"
)

// Length is the fixed number of digits in a provider identifier.
const Length = 10

// ErrInvalidIdentifier is returned for identifiers that are not exactly
// Length ASCII digits.
var ErrInvalidIdentifier = errors.New("invalid identifier format (must be 10 digits)")

// Validate reports whether id is a well-formed identifier.
func Validate(id string) error {
	if len(id) != Length {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
		}
	}
	return nil
}

// IsValid is the boolean form of Validate.
func IsValid(id string) bool {
	return Validate(id) == nil
}
