package token

import (
	"context"
	"errors"
)

// ErrNoSuchCredential is returned when a credential record does not
// exist, either because it never did or because it was revoked.
var ErrNoSuchCredential = errors.New("no such credential")

// Query filters credential searches. The zero value matches everything
// the caller is allowed to see.
type Query struct {
	// Subject restricts results to credentials issued to one subject.
	Subject string

	// Name restricts results to credentials with the given display name.
	Name string
}

// Store persists credential records. Implementations must treat records
// as immutable after creation; the only mutation is deletion.
type Store interface {
	// Create persists a new record. The record's ID must be unique.
	Create(ctx context.Context, rec *Record) error

	// Get returns the record with the given id, or ErrNoSuchCredential.
	Get(ctx context.Context, id string) (*Record, error)

	// Delete removes the record, revoking the credential. Deleting an
	// absent record returns ErrNoSuchCredential.
	Delete(ctx context.Context, id string) error

	// Search returns the records matching the query, ordered by creation
	// time descending.
	Search(ctx context.Context, q Query) ([]*Record, error)
}
