package domain

import (
	"strings"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 string for application-owned entities.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewResultsKey generates a fresh results backend key.
func NewResultsKey() string {
	return uuid.NewString()
}

// NewShortID generates the 10-character client id assigned to submissions
// that did not carry one.
func NewShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
