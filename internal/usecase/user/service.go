package user

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "accounts/backend/internal/domain/auth"
	authuc "accounts/backend/internal/usecase/auth"

	"github.com/google/uuid"
)

const (
	// DefaultLimit is the page size used when none is given.
	DefaultLimit = 100
	// MaxLimit caps the page size.
	MaxLimit = 1000

	maxRoleLength = 64
)

// Service provides user management use cases for administrative workflows.
type Service struct {
	repo    domain.UserRepository
	hasher  authuc.PasswordHasher
	nowFunc func() time.Time
}

// NewService constructs a user service around the provided repository.
func NewService(repo domain.UserRepository, hasher authuc.PasswordHasher) *Service {
	return &Service{
		repo:    repo,
		hasher:  hasher,
		nowFunc: time.Now,
	}
}

// Page selects a window of users.
type Page struct {
	Skip  int
	Limit int
}

func (p Page) normalise() Page {
	if p.Skip < 0 {
		p.Skip = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// List returns a page of users with their roles.
func (s *Service) List(ctx context.Context, page Page) ([]*domain.User, error) {
	page = page.normalise()

	users, err := s.repo.List(ctx, page.Skip, page.Limit)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Roles, err = s.repo.ListRoles(ctx, u.ID); err != nil {
			return nil, err
		}
	}
	return sanitizeUsers(users), nil
}

// Get retrieves a single user by its identifier.
func (s *Service) Get(ctx context.Context, id int64) (*domain.User, error) {
	if id <= 0 {
		return nil, domain.ErrUserNotFound
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user.Roles, err = s.repo.ListRoles(ctx, user.ID); err != nil {
		return nil, err
	}
	return sanitizeUser(user), nil
}

// AssignRole links role to the user identified by ownerID and returns the
// normalised label.
func (s *Service) AssignRole(ctx context.Context, ownerID int64, role string) (string, error) {
	label, err := ensureRole(role)
	if err != nil {
		return "", err
	}
	if _, err := s.repo.GetByID(ctx, ownerID); err != nil {
		return "", err
	}
	if err := s.repo.AddRole(ctx, ownerID, label); err != nil {
		return "", err
	}
	return label, nil
}

// CreateAdministrator persists an active account holding the user and admin
// roles. It skips email confirmation.
func (s *Service) CreateAdministrator(ctx context.Context, email, password string) (*domain.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("email is required")
	}
	if password == "" {
		return nil, errors.New("password is required")
	}

	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil, domain.ErrDuplicateEmail
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		return nil, err
	}

	hashed, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc().UTC()
	user := &domain.User{
		Email:        email,
		PasswordHash: hashed,
		IsActive:     true,
		Confirmation: uuid.NullUUID{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, repo domain.UserRepository) error {
		if err := repo.Create(ctx, user); err != nil {
			return err
		}
		for _, role := range []string{domain.RoleUser, domain.RoleAdmin} {
			if err := repo.AddRole(ctx, user.ID, role); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	user.Roles = []string{domain.RoleUser, domain.RoleAdmin}
	return sanitizeUser(user), nil
}

func ensureRole(raw string) (string, error) {
	role := strings.TrimSpace(strings.ToLower(raw))
	if role == "" || len(role) > maxRoleLength {
		return "", domain.ErrInvalidRole
	}
	return role, nil
}

func sanitizeUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	copy := *u
	copy.PasswordHash = ""
	copy.Confirmation = uuid.NullUUID{}
	return &copy
}

func sanitizeUsers(items []*domain.User) []*domain.User {
	out := make([]*domain.User, 0, len(items))
	for _, item := range items {
		out = append(out, sanitizeUser(item))
	}
	return out
}
