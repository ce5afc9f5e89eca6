package session

import "github.com/google/uuid"

// canonicalIDLen is the length of a UUID in its 8-4-4-4-12 form.
const canonicalIDLen = 36

// NewID returns a fresh random session id.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id is a UUID in canonical 8-4-4-4-12 hex form.
// Braced, URN and dashless forms accepted by uuid.Parse are rejected.
func ValidID(id string) bool {
	if len(id) != canonicalIDLen {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
