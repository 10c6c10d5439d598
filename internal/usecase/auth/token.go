package auth

import (
	"context"
	"time"

	domain "accounts/backend/internal/domain/auth"
)

// TokenManager abstracts token issuance and verification.
type TokenManager interface {
	Issue(claims domain.Claims, ttl time.Duration) (string, error)
	Verify(token string) (*domain.Claims, error)
}

// PasswordHasher abstracts one-way password hashing.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// Mailer delivers plain text messages.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}
