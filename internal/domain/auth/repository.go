package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserRepository defines persistence operations for auth users.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	List(ctx context.Context, skip, limit int) ([]*User, error)
	// UpdateActivation sets the activation flag and clears the confirmation
	// marker, but only while the stored marker equals marker. It returns
	// ErrUserNotFound when no row matched.
	UpdateActivation(ctx context.Context, id int64, active bool, marker uuid.UUID) error
	UpdatePassword(ctx context.Context, id int64, passwordHash string, updatedAt time.Time) error
	ListRoles(ctx context.Context, id int64) ([]string, error)
	AddRole(ctx context.Context, id int64, role string) error
	// WithinTx runs fn against a repository bound to a single transaction.
	// The transaction commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, repo UserRepository) error) error
}
