package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Verifier turns a bearer token into an Identity. Failures wrap ErrAuth.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Service authenticates users and issues and verifies access tokens.
//
// Thread Safety: all methods are safe for concurrent use.
type Service struct {
	users  UserRepository
	secret string
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates an auth service. ttl is the access token lifetime.
func NewService(users UserRepository, secret string, ttl time.Duration) (*Service, error) {
	if users == nil {
		return nil, fmt.Errorf("user repository is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = defaultAccessTokenTTL
	}
	return &Service{users: users, secret: secret, ttl: ttl, now: time.Now}, nil
}

// TTL returns the access token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Login checks credentials and returns a signed access token and the user.
// Unknown usernames and wrong passwords both return ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string) (string, *User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			burnVerify(password)
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("looking up user: %w", err)
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return "", nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return "", nil, ErrUserInactive
	}

	token, err := GenerateAccessToken(user, s.secret, s.ttl, s.now())
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// Verify parses an access token and returns its identity.
func (s *Service) Verify(token string) (Identity, error) {
	claims, err := ParseToken(token, s.secret)
	if err != nil {
		return Identity{}, err
	}
	return claims.Identity(), nil
}
