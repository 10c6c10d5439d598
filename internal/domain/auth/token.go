package auth

import "time"

// TokenScope limits a token to a single purpose.
type TokenScope string

const (
	// ScopeSession marks bearer tokens accepted on authenticated routes.
	ScopeSession TokenScope = "session"
	// ScopeRegistration marks email confirmation tokens.
	ScopeRegistration TokenScope = "registration"
	// ScopeResetPassword marks password reset tokens.
	ScopeResetPassword TokenScope = "reset_password"
)

// Valid reports whether s is one of the known scopes.
func (s TokenScope) Valid() bool {
	switch s {
	case ScopeSession, ScopeRegistration, ScopeResetPassword:
		return true
	default:
		return false
	}
}

// Claims is the verified content of a token.
type Claims struct {
	Subject   string
	Scope     TokenScope
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
