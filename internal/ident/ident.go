// Package ident generates and validates entity identifiers.
//
// Identifiers are client-generated UUIDv4 values assigned at the moment of
// local creation, before any network round-trip. The same value is the
// primary key in the local store and at the remote authority; there is no
// local-to-remote translation step, so any entity can reference any other
// immediately, online or offline.
package ident

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var v4Pattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New returns a fresh entity identifier.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s is a well-formed entity identifier.
func IsValid(s string) bool {
	return v4Pattern.MatchString(s)
}

// Validate returns an error if s is not a well-formed entity identifier.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid entity identifier: %q", s)
	}
	return nil
}
