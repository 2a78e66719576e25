package scanning

import (
	"errors"
	"fmt"
	"unicode"

	"github.com/google/uuid"
)

// maxSessionIDLength bounds session ids so a hostile caller cannot grow the
// progress store with arbitrarily large keys.
const maxSessionIDLength = 128

// ErrInvalidSessionID is returned when a session id fails validation.
var ErrInvalidSessionID = errors.New("invalid session id")

// NewSessionID allocates an opaque unique session token.
func NewSessionID() string {
	return fmt.Sprintf("scan-%s", uuid.NewString())
}

// ValidateSessionID checks that a caller-supplied session id is non-empty,
// bounded in length, and free of control characters.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionID, maxSessionIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidSessionID)
		}
	}
	return nil
}
