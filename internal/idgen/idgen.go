// Package idgen produces the identifiers the runtime hands out: opaque
// UUIDv7 tokens for tasks and protocol correlation, and human-readable
// sequenced IDs for agents.
package idgen

import "github.com/google/uuid"

// New returns a UUIDv7 identifier string. Time-ordered IDs keep task and
// correlation tokens roughly sortable by creation; if UUIDv7 generation
// fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
