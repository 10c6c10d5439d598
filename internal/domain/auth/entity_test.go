package auth_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	domain "accounts/backend/internal/domain/auth"
)

func TestUserHasAnyRole(t *testing.T) {
	t.Parallel()

	user := &domain.User{Roles: []string{domain.RoleUser}}

	assert.True(t, user.HasAnyRole(domain.RoleUser, domain.RoleAdmin))
	assert.False(t, user.HasAnyRole(domain.RoleAdmin))
	assert.False(t, user.HasAnyRole())

	var missing *domain.User
	assert.False(t, missing.HasAnyRole(domain.RoleUser))
}

func TestTokenScopeValid(t *testing.T) {
	t.Parallel()

	for _, scope := range []domain.TokenScope{domain.ScopeSession, domain.ScopeRegistration, domain.ScopeResetPassword} {
		assert.True(t, scope.Valid(), string(scope))
	}
	assert.False(t, domain.TokenScope("").Valid())
	assert.False(t, domain.TokenScope("admin").Valid())
}

func TestErrTokenExpiredIsInvalidToken(t *testing.T) {
	t.Parallel()

	assert.True(t, errors.Is(domain.ErrTokenExpired, domain.ErrInvalidToken))
	assert.False(t, errors.Is(domain.ErrInvalidToken, domain.ErrTokenExpired))
}
