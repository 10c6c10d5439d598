package postgres

import (
	"context"
	"errors"
	"time"

	domain "accounts/backend/internal/domain/auth"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of pgx used by the repository. Both *pgxpool.Pool and
// pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserRepository persists users in PostgreSQL.
type UserRepository struct {
	pool *pgxpool.Pool
	db   DBTX
}

// NewUserRepository constructs a repository.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool, db: pool}
}

var _ domain.UserRepository = (*UserRepository)(nil)

const userColumns = `id, email, password_hash, is_active, confirmation, created_at, updated_at`

// Create inserts a new user record and assigns its id.
func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	const query = `
INSERT INTO users (email, password_hash, is_active, confirmation, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`
	err := r.db.QueryRow(ctx, query,
		user.Email,
		user.PasswordHash,
		user.IsActive,
		user.Confirmation,
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateEmail
		}
		return err
	}
	return nil
}

// GetByEmail fetches a user by email, ignoring case.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return r.getOne(ctx, query, email)
}

// GetByID retrieves a user by id.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// List returns a page of users ordered by id.
func (r *UserRepository) List(ctx context.Context, skip, limit int) ([]*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY id OFFSET $1 LIMIT $2`

	rows, err := r.db.Query(ctx, query, skip, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []*domain.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateActivation flips the activation flag and clears the confirmation
// marker when marker is still the pending one.
func (r *UserRepository) UpdateActivation(ctx context.Context, id int64, active bool, marker uuid.UUID) error {
	const query = `
UPDATE users
SET is_active = $3, confirmation = NULL, updated_at = NOW()
WHERE id = $1 AND confirmation = $2
`
	ct, err := r.db.Exec(ctx, query, id, marker, active)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// UpdatePassword updates the stored password hash for a user.
func (r *UserRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string, updatedAt time.Time) error {
	const query = `
UPDATE users
SET password_hash = $2, updated_at = $3
WHERE id = $1
`
	ct, err := r.db.Exec(ctx, query, id, passwordHash, updatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// ListRoles returns the role labels linked to a user.
func (r *UserRepository) ListRoles(ctx context.Context, id int64) ([]string, error) {
	const query = `SELECT role FROM roles WHERE owner_id = $1 ORDER BY id`

	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	roles, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return roles, nil
}

// AddRole links a role label to a user.
func (r *UserRepository) AddRole(ctx context.Context, id int64, role string) error {
	const query = `INSERT INTO roles (role, owner_id) VALUES ($1, $2)`

	if _, err := r.db.Exec(ctx, query, role, id); err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrUserNotFound
		}
		return err
	}
	return nil
}

// WithinTx runs fn inside a transaction. It commits when fn returns nil and
// rolls back on error or panic. Nested calls reuse the outer transaction.
func (r *UserRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, repo domain.UserRepository) error) (err error) {
	if _, nested := r.db.(pgx.Tx); nested {
		return fn(ctx, r)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			return
		}
		err = tx.Commit(ctx)
	}()

	return fn(ctx, &UserRepository{pool: r.pool, db: tx})
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg any) (*domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&u.IsActive,
		&u.Confirmation,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
