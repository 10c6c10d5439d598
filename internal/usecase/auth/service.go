package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	domain "accounts/backend/internal/domain/auth"

	"github.com/google/uuid"
)

// Settings carries the token lifetimes and link parameters of the service.
type Settings struct {
	SessionTTL         time.Duration
	ConfirmationTTL    time.Duration
	ResetTTL           time.Duration
	MailTimeout        time.Duration
	BaseURL            string
	APIPrefix          string
	RequireActiveLogin bool
}

// DefaultSettings returns the lifetimes used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		SessionTTL:      30 * time.Minute,
		ConfirmationTTL: 7 * 24 * time.Hour,
		ResetTTL:        15 * time.Minute,
		MailTimeout:     10 * time.Second,
		BaseURL:         "http://localhost:8080",
	}
}

// Service coordinates authentication workflows between domain and infrastructure.
type Service struct {
	users    domain.UserRepository
	tokens   TokenManager
	hasher   PasswordHasher
	mailer   Mailer
	settings Settings
	logger   *slog.Logger
	nowFunc  func() time.Time

	// dummyHash is verified against when the email is unknown so both login
	// failures cost one hash comparison.
	dummyHash func() string
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the logger used for audit-style events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.nowFunc = now
		}
	}
}

// NewService constructs an auth service.
func NewService(users domain.UserRepository, tokens TokenManager, hasher PasswordHasher, mailer Mailer, settings Settings, opts ...Option) *Service {
	s := &Service{
		users:    users,
		tokens:   tokens,
		hasher:   hasher,
		mailer:   mailer,
		settings: settings,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dummyHash = sync.OnceValue(func() string {
		hashed, _ := s.hasher.Hash("accounts-login-placeholder")
		return hashed
	})
	return s
}

// Register creates an inactive account, assigns the default role and mails a
// confirmation token. Nothing is persisted when the mail cannot be delivered.
func (s *Service) Register(ctx context.Context, email, password string) (*domain.User, string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, "", errors.New("email is required")
	}
	if password == "" {
		return nil, "", errors.New("password is required")
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, "", domain.ErrDuplicateEmail
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		return nil, "", err
	}

	hashed, err := s.hasher.Hash(password)
	if err != nil {
		return nil, "", err
	}

	marker := uuid.New()
	now := s.nowFunc().UTC()
	user := &domain.User{
		Email:        email,
		PasswordHash: hashed,
		Confirmation: uuid.NullUUID{UUID: marker, Valid: true},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var token string
	err = s.users.WithinTx(ctx, func(ctx context.Context, repo domain.UserRepository) error {
		if err := repo.Create(ctx, user); err != nil {
			return err
		}
		if err := repo.AddRole(ctx, user.ID, domain.RoleUser); err != nil {
			return err
		}
		user.Roles = []string{domain.RoleUser}

		issued, err := s.tokens.Issue(domain.Claims{
			Subject: user.Email,
			Scope:   domain.ScopeRegistration,
			ID:      marker.String(),
		}, s.settings.ConfirmationTTL)
		if err != nil {
			return err
		}
		token = issued

		return s.send(ctx, user.Email, "Please confirm your registration",
			fmt.Sprintf("Hi!\n\nPlease confirm your registration: %s\n", s.link("/auth/verify-email/", token)))
	})
	if err != nil {
		return nil, "", err
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID)
	return sanitizeUser(user), token, nil
}

// Login validates credentials and returns a session token plus user.
func (s *Service) Login(ctx context.Context, creds domain.Credentials) (string, *domain.User, error) {
	email := strings.TrimSpace(creds.Email)
	if email == "" || creds.Password == "" {
		return "", nil, domain.ErrInvalidCredentials
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			s.hasher.Verify(creds.Password, s.dummyHash())
			s.logger.InfoContext(ctx, "login rejected", "reason", "unknown email")
			return "", nil, domain.ErrInvalidCredentials
		}
		return "", nil, err
	}

	if !s.hasher.Verify(creds.Password, user.PasswordHash) {
		s.logger.InfoContext(ctx, "login rejected", "reason", "password mismatch", "user_id", user.ID)
		return "", nil, domain.ErrInvalidCredentials
	}
	if s.settings.RequireActiveLogin && !user.IsActive {
		return "", nil, domain.ErrInactiveAccount
	}

	token, err := s.tokens.Issue(domain.Claims{
		Subject: user.Email,
		Scope:   domain.ScopeSession,
	}, s.settings.SessionTTL)
	if err != nil {
		return "", nil, err
	}

	return token, sanitizeUser(user), nil
}

// ConfirmEmail consumes a registration token and activates the account.
func (s *Service) ConfirmEmail(ctx context.Context, token string) (*domain.User, error) {
	claims, err := s.verify(token, domain.ScopeRegistration)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByEmail(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrInvalidToken
		}
		return nil, err
	}
	if user.IsActive {
		return nil, domain.ErrAlreadyActivated
	}

	marker, err := uuid.Parse(claims.ID)
	if err != nil || !user.Confirmation.Valid || user.Confirmation.UUID != marker {
		return nil, domain.ErrInvalidToken
	}

	if err := s.users.UpdateActivation(ctx, user.ID, true, marker); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			// Another request consumed the marker first.
			return nil, domain.ErrInvalidToken
		}
		return nil, err
	}

	user.IsActive = true
	user.Confirmation = uuid.NullUUID{}
	if user.Roles, err = s.users.ListRoles(ctx, user.ID); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "email confirmed", "user_id", user.ID)
	return sanitizeUser(user), nil
}

// RequestPasswordReset issues and mails a reset token for a registered email.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return "", domain.ErrUnknownEmail
		}
		return "", err
	}

	token, err := s.tokens.Issue(domain.Claims{
		Subject: user.Email,
		Scope:   domain.ScopeResetPassword,
	}, s.settings.ResetTTL)
	if err != nil {
		return "", err
	}

	if err := s.send(ctx, user.Email, "Password reset requested",
		fmt.Sprintf("Hi!\n\nUse the following link to choose a new password: %s\n", s.link("/auth/reset_password/", token))); err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "password reset requested", "user_id", user.ID)
	return token, nil
}

// ResetPassword replaces the password of the account named by a reset token.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (*domain.User, error) {
	claims, err := s.verify(token, domain.ScopeResetPassword)
	if err != nil {
		return nil, err
	}
	if newPassword == "" {
		return nil, errors.New("password is required")
	}

	user, err := s.users.GetByEmail(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrInvalidToken
		}
		return nil, err
	}

	hashed, err := s.hasher.Hash(newPassword)
	if err != nil {
		return nil, err
	}
	now := s.nowFunc().UTC()
	if err := s.users.UpdatePassword(ctx, user.ID, hashed, now); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrInvalidToken
		}
		return nil, err
	}
	user.PasswordHash = hashed
	user.UpdatedAt = now

	if user.Roles, err = s.users.ListRoles(ctx, user.ID); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "password reset", "user_id", user.ID)
	return sanitizeUser(user), nil
}

// ResolveCurrentIdentity validates a session token and returns the associated
// user with its roles.
func (s *Service) ResolveCurrentIdentity(ctx context.Context, token string) (*domain.User, error) {
	claims, err := s.verify(token, domain.ScopeSession)
	if err != nil {
		return nil, domain.ErrInvalidCredentials
	}

	user, err := s.users.GetByEmail(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}

	if user.Roles, err = s.users.ListRoles(ctx, user.ID); err != nil {
		return nil, err
	}
	return sanitizeUser(user), nil
}

// ChangePassword replaces the password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword string) error {
	if currentPassword == "" || newPassword == "" {
		return errors.New("current_password and new_password required")
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if !s.hasher.Verify(currentPassword, user.PasswordHash) {
		return domain.ErrPasswordMismatch
	}
	if currentPassword == newPassword {
		return domain.ErrPasswordUnchanged
	}

	hashed, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	return s.users.UpdatePassword(ctx, user.ID, hashed, s.nowFunc().UTC())
}

func (s *Service) verify(token string, scope domain.TokenScope) (*domain.Claims, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, domain.ErrInvalidToken
	}
	if claims.Scope != scope || claims.Subject == "" {
		return nil, domain.ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) send(ctx context.Context, to, subject, body string) error {
	if s.settings.MailTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.settings.MailTimeout)
		defer cancel()
	}
	if err := s.mailer.Send(ctx, to, subject, body); err != nil {
		s.logger.ErrorContext(ctx, "mail delivery failed", "subject", subject, "error", err)
		return errors.Join(domain.ErrDelivery, err)
	}
	return nil
}

func (s *Service) link(path, token string) string {
	base := strings.TrimRight(s.settings.BaseURL, "/")
	prefix := strings.Trim(s.settings.APIPrefix, "/")
	if prefix != "" {
		base += "/" + prefix
	}
	return base + path + token
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
