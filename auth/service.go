// Package auth holds the worker-side operations: REGISTER stores a new
// credential and GETHASH returns the stored password hash for an email.
//
// Outcomes a user can cause, such as a duplicate email or an unknown
// account, are domain failures returned as a Response with Success false.
// Only storage faults come back as errors.
package auth

import (
	"context"
	"errors"
	"mqauth/credstore"
	"mqauth/message"
	"strings"

	"go.uber.org/zap"
)

const (
	MsgMissingFields = "Email and password hash are required"
	MsgMissingEmail  = "Email is required"
	MsgUserExists    = "User already exists"
	MsgUnknownUser   = "No such user"
)

// Service is registered with the worker; its exported methods become the
// REGISTER and GETHASH operations.
type Service struct {
	store  credstore.Store
	logger *zap.Logger
}

func NewService(store credstore.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// NormalizeEmail trims and lower-cases an address so lookups are not
// defeated by case or stray whitespace.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register handles REGISTER {email, hash}.
func (s *Service) Register(ctx context.Context, p message.Payload) (*message.Response, error) {
	email := NormalizeEmail(p.String("email"))
	hash := p.String("hash")
	if email == "" || hash == "" {
		return message.Failure(MsgMissingFields), nil
	}

	err := s.store.Create(ctx, credstore.NewCredential(email, hash))
	switch {
	case errors.Is(err, credstore.ErrExists):
		return message.Failure(MsgUserExists), nil
	case err != nil:
		return nil, err
	}
	s.logger.Info("user registered", zap.String("email", email))
	return message.Success(), nil
}

// GetHash handles GETHASH {email}.
func (s *Service) GetHash(ctx context.Context, p message.Payload) (*message.Response, error) {
	email := NormalizeEmail(p.String("email"))
	if email == "" {
		return message.Failure(MsgMissingEmail), nil
	}

	cred, err := s.store.Get(ctx, email)
	switch {
	case errors.Is(err, credstore.ErrNotFound):
		return message.Failure(MsgUnknownUser), nil
	case err != nil:
		return nil, err
	}
	resp := message.Success()
	resp.Hash = cred.Hash
	return resp, nil
}
