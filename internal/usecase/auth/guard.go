package auth

import domain "accounts/backend/internal/domain/auth"

// RequireAnyRole allows the identity when it holds at least one of the
// allowed roles. It must run after the identity was resolved.
func RequireAnyRole(user *domain.User, allowed ...string) error {
	if user == nil {
		return domain.ErrUnauthenticated
	}
	if !user.HasAnyRole(allowed...) {
		return domain.ErrForbidden
	}
	return nil
}
