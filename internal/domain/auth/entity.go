package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCredentials indicates a login failure or an unusable session token.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrDuplicateEmail signals a duplicate email registration.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrInvalidToken means a supplied token cannot be accepted for the requested use.
	ErrInvalidToken = errors.New("token invalid or expired")
	// ErrTokenExpired is returned for well-formed tokens past their expiry.
	ErrTokenExpired = fmt.Errorf("token expired: %w", ErrInvalidToken)
	// ErrAlreadyActivated indicates the account was confirmed before.
	ErrAlreadyActivated = errors.New("account already activated")
	// ErrUnknownEmail indicates no account is registered for an email.
	ErrUnknownEmail = errors.New("unknown email")
	// ErrForbidden indicates the identity lacks every required role.
	ErrForbidden = errors.New("operation not permitted")
	// ErrUnauthenticated indicates no identity was resolved for the request.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrDelivery indicates an email could not be handed to the mail transport.
	ErrDelivery = errors.New("email delivery failed")
	// ErrUserNotFound indicates missing user.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidRole indicates the provided role label is not usable.
	ErrInvalidRole = errors.New("invalid role")
	// ErrInactiveAccount indicates login was refused for an unconfirmed account.
	ErrInactiveAccount = errors.New("account not activated")
	// ErrPasswordMismatch indicates the current password is incorrect.
	ErrPasswordMismatch = errors.New("current password does not match")
	// ErrPasswordUnchanged indicates the new password matches the current one.
	ErrPasswordUnchanged = errors.New("new password must be different from current password")
)

const (
	// RoleUser is assigned to every registered account.
	RoleUser = "user"
	// RoleAdmin gates administrative operations.
	RoleAdmin = "admin"
)

// User models the authentication entity persisted in storage.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	IsActive     bool
	// Confirmation is the pending confirmation marker. It is valid only while
	// the account awaits email verification.
	Confirmation uuid.NullUUID
	Roles        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasAnyRole reports whether the user carries at least one of roles.
func (u *User) HasAnyRole(roles ...string) bool {
	if u == nil {
		return false
	}
	for _, role := range roles {
		if slices.Contains(u.Roles, role) {
			return true
		}
	}
	return false
}

// Credentials captures raw credential input for login.
type Credentials struct {
	Email    string
	Password string
}
