// Package uuid provides identifier generation and validation for queue
// entries and conflict records.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Accepts v4 and v7 identifiers: xxxxxxxx-xxxx-[47]xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a random UUID v4. Used for connection ids, which carry
// no ordering.
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a time-ordered UUID v7. Falls back to v4 if the
// v7 generator fails.
func NewOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// IsValid checks if a string is a dashed v4 or v7 UUID.
func IsValid(s string) bool {
	return uuidRegex.MatchString(s)
}

// Validate returns an error if the string is not a valid identifier.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
