// Package identity parses and formats the 16-byte identities used for device
// binding and sACN component identifiers.
package identity

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// StringLength is the length of the canonical hyphenated form.
const StringLength = 36

// ErrParseFailure is returned for any string that is not a canonical UUID.
var ErrParseFailure = errors.New("identity parse failure")

// ID is a 16-byte identity, packed big-endian in textual order.
type ID [16]byte

// Nil is the all-zero identity.
var Nil ID

var hyphens = [...]int{8, 13, 18, 23}

// Parse accepts only the 36-character xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx form.
// Braced, URN and unhyphenated variants are rejected.
func Parse(s string) (ID, error) {
	if len(s) != StringLength {
		return Nil, fmt.Errorf("%w: length %d, want %d", ErrParseFailure, len(s), StringLength)
	}
	next := 0
	for i := 0; i < len(s); i++ {
		if next < len(hyphens) && i == hyphens[next] {
			if s[i] != '-' {
				return Nil, fmt.Errorf("%w: expected '-' at %d", ErrParseFailure, i)
			}
			next++
			continue
		}
		if !isHex(s[i]) {
			return Nil, fmt.Errorf("%w: non-hex character %q at %d", ErrParseFailure, s[i], i)
		}
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	return ID(u), nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// New returns a random (version 4) identity.
func New() ID {
	return ID(uuid.New())
}

// String formats the identity in lower-case canonical form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether the identity is all zero.
func (id ID) IsNil() bool {
	return id == Nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
