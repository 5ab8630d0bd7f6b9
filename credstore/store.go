// Package credstore persists user credentials for the auth worker.
//
// Every Store enforces email uniqueness itself, atomically, in Create. The
// auth worker may see the same REGISTER twice (the broker redelivers requests
// that were not acknowledged) and relies on that check to answer the second
// one with "already exists" instead of overwriting the first.
package credstore

import (
	"context"
	"errors"
	"time"

	uuid "github.com/satori/go.uuid"
)

var (
	ErrExists   = errors.New("credential already exists")
	ErrNotFound = errors.New("credential not found")
	// ErrUnavailable matches every *UnavailableError.
	ErrUnavailable = errors.New("credential store unavailable")
)

// Credential is what is stored per user. Hash is opaque to the store.
type Credential struct {
	ID        uuid.UUID `json:"id" yaml:"id"`
	Email     string    `json:"email" yaml:"email"`
	Hash      string    `json:"hash" yaml:"hash"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// NewCredential stamps a fresh id and creation time.
func NewCredential(email, hash string) Credential {
	return Credential{
		ID:        uuid.Must(uuid.NewV4()),
		Email:     email,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}
}

type Store interface {
	// Create stores cred, or returns ErrExists if its email is taken.
	Create(ctx context.Context, cred Credential) error
	// Get returns the credential for email, or ErrNotFound.
	Get(ctx context.Context, email string) (Credential, error)
}

// UnavailableError wraps a backend fault that may go away on retry.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return ErrUnavailable.Error() + ": " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error   { return e.Err }
func (e *UnavailableError) Temporary() bool { return true }

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func unavailable(err error) error {
	return &UnavailableError{Err: err}
}
