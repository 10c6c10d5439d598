package token

import (
	"errors"
	"fmt"
	"time"

	domain "accounts/backend/internal/domain/auth"
	usecase "accounts/backend/internal/usecase/auth"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnsupportedAlgorithm is returned for signing algorithms outside the HMAC family.
var ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

// ErrLifetimeTooShort is returned by Issue for lifetimes under MinTTL.
var ErrLifetimeTooShort = errors.New("token lifetime too short")

// MinTTL is the shortest lifetime Issue accepts. Expiry is encoded in whole
// seconds, so anything shorter may produce a token that is already expired.
const MinTTL = time.Second

// JWTManager issues and validates JWT tokens.
type JWTManager struct {
	secret  []byte
	method  jwt.SigningMethod
	issuer  string
	nowFunc func() time.Time
}

// NewJWTManager constructs a manager signing with secret and the named HMAC
// algorithm (HS256 when empty).
func NewJWTManager(secret, algorithm, issuer string) (*JWTManager, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if algorithm == "" {
		algorithm = jwt.SigningMethodHS256.Alg()
	}
	method, ok := jwt.GetSigningMethod(algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	return &JWTManager{
		secret:  []byte(secret),
		method:  method,
		issuer:  issuer,
		nowFunc: time.Now,
	}, nil
}

// WithClock returns a copy of the manager reading time from now.
func (m *JWTManager) WithClock(now func() time.Time) *JWTManager {
	clone := *m
	clone.nowFunc = now
	return &clone
}

// Ensure JWTManager implements the TokenManager interface.
var _ usecase.TokenManager = (*JWTManager)(nil)

// Claims represents token claims.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Issue creates a signed JWT carrying claims and expiring after ttl.
func (m *JWTManager) Issue(claims domain.Claims, ttl time.Duration) (string, error) {
	if ttl < MinTTL {
		return "", fmt.Errorf("%w: %v", ErrLifetimeTooShort, ttl)
	}
	now := m.nowFunc().UTC()
	token := jwt.NewWithClaims(m.method, Claims{
		Scope: string(claims.Scope),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   claims.Subject,
			ID:        claims.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(m.secret)
}

// Verify parses and validates the token returning its claims when valid.
func (m *JWTManager) Verify(tokenString string) (*domain.Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.nowFunc),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrTokenExpired
		}
		return nil, errors.Join(domain.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, domain.ErrInvalidToken
	}

	scope := domain.TokenScope(claims.Scope)
	if !scope.Valid() {
		return nil, domain.ErrInvalidToken
	}

	out := &domain.Claims{
		Subject: claims.Subject,
		Scope:   scope,
		ID:      claims.ID,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
