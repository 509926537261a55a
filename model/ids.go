package model

import "github.com/google/uuid"

// NewID returns a new time-ordered, sortable, unique identifier.
// UUIDv7 embeds a millisecond timestamp in its leading bits, so two
// ids minted in sequence sort in creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the global RNG reader errors; fall
		// back to a random v4 rather than panicking a live run.
		return uuid.New().String()
	}
	return id.String()
}

// NewTokenID mints a new token identifier.
func NewTokenID() string { return NewID() }

// NewRunID mints a new run identifier, used for both root runs and
// subworkflow runs.
func NewRunID() string { return NewID() }
