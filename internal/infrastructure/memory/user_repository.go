// Package memory keeps users in process memory. It backs tests and local
// development runs without a database.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	domain "accounts/backend/internal/domain/auth"

	"github.com/google/uuid"
)

type state struct {
	users map[int64]domain.User
	roles map[int64][]string
}

func (s *state) clone() *state {
	out := &state{
		users: make(map[int64]domain.User, len(s.users)),
		roles: make(map[int64][]string, len(s.roles)),
	}
	for id, u := range s.users {
		out.users[id] = u
	}
	for id, r := range s.roles {
		out.roles[id] = slices.Clone(r)
	}
	return out
}

func (s *state) findByEmail(email string) (domain.User, bool) {
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, true
		}
	}
	return domain.User{}, false
}

// op is a single write. Transactions apply it to their private copy and
// replay it onto the live state at commit, so it must only use captured values.
type op func(*state) error

// UserRepository is a concurrency-safe in-memory domain.UserRepository.
type UserRepository struct {
	mu     *sync.RWMutex
	state  *state
	nextID *atomic.Int64

	// inTx is set on repositories handed to WithinTx callbacks; their writes
	// are also recorded in pending.
	inTx    bool
	pending []op
}

// NewUserRepository constructs an empty repository.
func NewUserRepository() *UserRepository {
	return &UserRepository{
		mu:     &sync.RWMutex{},
		nextID: &atomic.Int64{},
		state: &state{
			users: make(map[int64]domain.User),
			roles: make(map[int64][]string),
		},
	}
}

var _ domain.UserRepository = (*UserRepository)(nil)

func (r *UserRepository) apply(o op) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := o(r.state); err != nil {
		return err
	}
	if r.inTx {
		r.pending = append(r.pending, o)
	}
	return nil
}

// Create inserts a new user record and assigns its id. Ids come from a
// counter shared with open transactions, so a rolled back insert leaves a gap.
func (r *UserRepository) Create(_ context.Context, user *domain.User) error {
	r.mu.RLock()
	_, taken := r.state.findByEmail(user.Email)
	r.mu.RUnlock()
	if taken {
		return domain.ErrDuplicateEmail
	}

	stored := *user
	stored.ID = r.nextID.Add(1)
	stored.Roles = nil
	if err := r.apply(func(s *state) error {
		if _, ok := s.findByEmail(stored.Email); ok {
			return domain.ErrDuplicateEmail
		}
		s.users[stored.ID] = stored
		return nil
	}); err != nil {
		return err
	}
	user.ID = stored.ID
	return nil
}

// GetByEmail fetches a user by email, ignoring case.
func (r *UserRepository) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.state.findByEmail(email)
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}

// GetByID retrieves a user by id.
func (r *UserRepository) GetByID(_ context.Context, id int64) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.state.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}

// List returns users ordered by id.
func (r *UserRepository) List(_ context.Context, skip, limit int) ([]*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.state.users))
	for id := range r.state.users {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	users := []*domain.User{}
	for i, id := range ids {
		if i < skip {
			continue
		}
		if limit > 0 && len(users) >= limit {
			break
		}
		u := r.state.users[id]
		users = append(users, &u)
	}
	return users, nil
}

// UpdateActivation flips the activation flag when marker is still pending.
func (r *UserRepository) UpdateActivation(_ context.Context, id int64, active bool, marker uuid.UUID) error {
	at := time.Now().UTC()
	return r.apply(func(s *state) error {
		u, ok := s.users[id]
		if !ok || !u.Confirmation.Valid || u.Confirmation.UUID != marker {
			return domain.ErrUserNotFound
		}
		u.IsActive = active
		u.Confirmation = uuid.NullUUID{}
		u.UpdatedAt = at
		s.users[id] = u
		return nil
	})
}

// UpdatePassword updates the stored password hash for a user.
func (r *UserRepository) UpdatePassword(_ context.Context, id int64, passwordHash string, updatedAt time.Time) error {
	return r.apply(func(s *state) error {
		u, ok := s.users[id]
		if !ok {
			return domain.ErrUserNotFound
		}
		u.PasswordHash = passwordHash
		u.UpdatedAt = updatedAt
		s.users[id] = u
		return nil
	})
}

// ListRoles returns the role labels of a user in insertion order.
func (r *UserRepository) ListRoles(_ context.Context, id int64) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.state.roles[id]), nil
}

// AddRole links role to the user.
func (r *UserRepository) AddRole(_ context.Context, id int64, role string) error {
	return r.apply(func(s *state) error {
		if _, ok := s.users[id]; !ok {
			return domain.ErrUserNotFound
		}
		s.roles[id] = append(s.roles[id], role)
		return nil
	})
}

// WithinTx runs fn against a private copy of the data. When fn succeeds its
// writes are replayed onto the current state, so writes committed by others in
// the meantime survive. A replay conflict, such as an email registered
// concurrently, aborts the commit and leaves the state unchanged.
func (r *UserRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, repo domain.UserRepository) error) error {
	r.mu.RLock()
	staged := &UserRepository{
		mu:     &sync.RWMutex{},
		state:  r.state.clone(),
		nextID: r.nextID,
		inTx:   true,
	}
	r.mu.RUnlock()

	if err := fn(ctx, staged); err != nil {
		return err
	}

	staged.mu.Lock()
	ops := slices.Clone(staged.pending)
	staged.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state.clone()
	for _, o := range ops {
		if err := o(next); err != nil {
			return err
		}
	}
	r.state = next
	if r.inTx {
		r.pending = append(r.pending, ops...)
	}
	return nil
}
