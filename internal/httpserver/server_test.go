package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"accounts/backend/internal/config"
	"accounts/backend/internal/httpserver"
	"accounts/backend/internal/infrastructure/memory"
	"accounts/backend/internal/infrastructure/password"
	"accounts/backend/internal/infrastructure/ratelimit"
	"accounts/backend/internal/infrastructure/token"
	authusecase "accounts/backend/internal/usecase/auth"
	userusecase "accounts/backend/internal/usecase/user"
)

type capturingMailer struct {
	mu     sync.Mutex
	bodies map[string][]string
	err    error
}

func (m *capturingMailer) Send(_ context.Context, to, _, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.bodies == nil {
		m.bodies = map[string][]string{}
	}
	m.bodies[to] = append(m.bodies[to], body)
	return nil
}

func (m *capturingMailer) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// lastToken returns the token at the end of the last link mailed to addr.
func (m *capturingMailer) lastToken(t *testing.T, addr string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	bodies := m.bodies[addr]
	require.NotEmpty(t, bodies, "no mail for %s", addr)
	body := strings.TrimSpace(bodies[len(bodies)-1])
	return body[strings.LastIndex(body, "/")+1:]
}

func (m *capturingMailer) count(addr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bodies[addr])
}

type env struct {
	handler http.Handler
	mailer  *capturingMailer
	users   *userusecase.Service
}

func newEnv(t *testing.T, mutate ...func(*config.Config, *[]httpserver.Option)) *env {
	t.Helper()

	cfg := config.Config{
		HTTPPort:       "0",
		AllowedOrigins: []string{"*"},
		RequestTimeout: 5 * time.Second,
	}
	var opts []httpserver.Option
	for _, m := range mutate {
		m(&cfg, &opts)
	}

	repo := memory.NewUserRepository()
	hasher := password.NewHasher(bcrypt.MinCost)
	tokens, err := token.NewJWTManager("test-secret", "HS256", "accounts")
	require.NoError(t, err)
	mailer := &capturingMailer{}

	settings := authusecase.DefaultSettings()
	settings.APIPrefix = cfg.APIPrefix
	authSvc := authusecase.NewService(repo, tokens, hasher, mailer, settings)
	userSvc := userusecase.NewService(repo, hasher)

	srv := httpserver.NewServer(cfg, authSvc, userSvc, opts...)
	return &env{handler: srv.Handler(), mailer: mailer, users: userSvc}
}

type response struct {
	code   int
	header http.Header
	body   []byte
}

func (r response) json(t *testing.T) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(r.body, &out), string(r.body))
	return out
}

func (e *env) do(t *testing.T, method, path string, body any, bearer string) response {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return response{code: rec.Code, header: rec.Header(), body: rec.Body.Bytes()}
}

func (e *env) login(t *testing.T, email, pw string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/auth/token", map[string]string{"email": email, "password": pw}, "")
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
	body := resp.json(t)
	assert.Equal(t, "bearer", body["token_type"])
	return body["access_token"].(string)
}

func (e *env) register(t *testing.T, email, pw string) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/users/", map[string]string{"email": email, "password": pw}, "")
	require.Equal(t, http.StatusCreated, resp.code, string(resp.body))
}

func (e *env) admin(t *testing.T) string {
	t.Helper()
	_, err := e.users.CreateAdministrator(context.Background(), "root@example.com", "rootpw")
	require.NoError(t, err)
	return e.login(t, "root@example.com", "rootpw")
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ok := newEnv(t)
	assert.Equal(t, http.StatusOK, ok.do(t, http.MethodGet, "/health", nil, "").code)

	down := newEnv(t, func(_ *config.Config, opts *[]httpserver.Option) {
		*opts = append(*opts, httpserver.WithHealthcheck(func(context.Context) error { return errors.New("db down") }))
	})
	resp := down.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.code)
	assert.Equal(t, "unavailable", resp.json(t)["status"])
}

func TestRegisterAndConfirm(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/users/", map[string]string{"email": "a@b.com", "password": "pw1"}, "")
	require.Equal(t, http.StatusCreated, resp.code, string(resp.body))
	body := resp.json(t)
	assert.Equal(t, "a@b.com", body["email"])
	assert.Equal(t, false, body["is_active"])
	assert.Equal(t, []any{"user"}, body["roles"])
	assert.NotContains(t, string(resp.body), "password")

	resp = e.do(t, http.MethodPost, "/users", map[string]string{"email": "A@B.com", "password": "x"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.code)
	assert.Equal(t, "email already registered", resp.json(t)["error"])

	reg := e.mailer.lastToken(t, "a@b.com")

	resp = e.do(t, http.MethodGet, "/auth/verify-email/"+reg, nil, "")
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
	assert.Equal(t, true, resp.json(t)["is_active"])

	resp = e.do(t, http.MethodGet, "/auth/verify-email/"+reg, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.code)

	resp = e.do(t, http.MethodGet, "/auth/verify-email/garbage", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.code)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/users/", map[string]string{"email": "not-an-email", "password": ""}, "")
	require.Equal(t, http.StatusBadRequest, resp.code)
	fields := resp.json(t)["fields"].(map[string]any)
	assert.Contains(t, fields, "email")
	assert.Contains(t, fields, "password")

	resp = e.do(t, http.MethodPost, "/users/", map[string]string{"email": "a@b.com", "password": strings.Repeat("x", 73)}, "")
	assert.Equal(t, http.StatusBadRequest, resp.code)

	resp = e.do(t, http.MethodPost, "/users/", "{not json", "")
	assert.Equal(t, http.StatusBadRequest, resp.code)
}

func TestRegisterDeliveryFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.mailer.setErr(errors.New("smtp down"))

	resp := e.do(t, http.MethodPost, "/users/", map[string]string{"email": "a@b.com", "password": "pw1"}, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.code)
	assert.NotContains(t, string(resp.body), "smtp down")

	resp = e.do(t, http.MethodPost, "/auth/token", map[string]string{"email": "a@b.com", "password": "pw1"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.code)
}

func TestLogin(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t, "a@b.com", "pw1")

	e.login(t, "a@b.com", "pw1")

	form := url.Values{"username": {"a@b.com"}, "password": {"pw1"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for _, creds := range []map[string]string{
		{"email": "a@b.com", "password": "wrong"},
		{"email": "ghost@b.com", "password": "pw1"},
		{},
	} {
		resp := e.do(t, http.MethodPost, "/auth/token", creds, "")
		assert.Equal(t, http.StatusUnauthorized, resp.code)
		assert.Equal(t, "Bearer", resp.header.Get("WWW-Authenticate"))
		assert.Equal(t, "incorrect username or password", resp.json(t)["error"])
	}
}

func TestCurrentUser(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t, "a@b.com", "pw1")

	resp := e.do(t, http.MethodGet, "/users/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.code)
	assert.Equal(t, "Bearer", resp.header.Get("WWW-Authenticate"))

	resp = e.do(t, http.MethodGet, "/users/me", nil, "garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.code)

	reg := e.mailer.lastToken(t, "a@b.com")
	resp = e.do(t, http.MethodGet, "/users/me", nil, reg)
	assert.Equal(t, http.StatusUnauthorized, resp.code, "registration token must not authenticate")

	session := e.login(t, "a@b.com", "pw1")
	resp = e.do(t, http.MethodGet, "/users/me", nil, session)
	require.Equal(t, http.StatusOK, resp.code)
	body := resp.json(t)
	assert.Equal(t, "a@b.com", body["email"])
	assert.Equal(t, []any{"user"}, body["roles"])
}

func TestChangePassword(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t, "a@b.com", "pw1")
	session := e.login(t, "a@b.com", "pw1")

	resp := e.do(t, http.MethodPut, "/users/me", map[string]string{"current_password": "bad", "new_password": "pw2"}, session)
	assert.Equal(t, http.StatusBadRequest, resp.code)

	resp = e.do(t, http.MethodPut, "/users/me", map[string]string{"current_password": "pw1"}, session)
	assert.Equal(t, http.StatusBadRequest, resp.code)

	resp = e.do(t, http.MethodPut, "/users/me", map[string]string{"current_password": "pw1", "new_password": "pw2"}, session)
	assert.Equal(t, http.StatusNoContent, resp.code)

	e.login(t, "a@b.com", "pw2")
}

func TestPasswordResetFlow(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t, "a@b.com", "pw1")

	resp := e.do(t, http.MethodPost, "/auth/forgot_password", map[string]string{"email": "ghost@b.com"}, "")
	assert.Equal(t, http.StatusAccepted, resp.code)
	assert.Zero(t, e.mailer.count("ghost@b.com"))

	resp = e.do(t, http.MethodPost, "/auth/forgot_password", map[string]string{"email": "a@b.com"}, "")
	assert.Equal(t, http.StatusAccepted, resp.code)
	reset := e.mailer.lastToken(t, "a@b.com")

	resp = e.do(t, http.MethodGet, "/users/me", nil, reset)
	assert.Equal(t, http.StatusUnauthorized, resp.code, "reset token must not authenticate")

	resp = e.do(t, http.MethodPost, "/auth/reset_password/garbage", map[string]string{"password": "pw2"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.code)

	resp = e.do(t, http.MethodPost, "/auth/reset_password/"+reset, map[string]string{"password": "pw2"}, "")
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))

	e.login(t, "a@b.com", "pw2")
	resp = e.do(t, http.MethodPost, "/auth/token", map[string]string{"email": "a@b.com", "password": "pw1"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.code)

	e.mailer.setErr(errors.New("down"))
	resp = e.do(t, http.MethodPost, "/auth/forgot_password", map[string]string{"email": "a@b.com"}, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.code)
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t, "a@b.com", "pw1")
	userToken := e.login(t, "a@b.com", "pw1")
	adminToken := e.admin(t)

	for _, path := range []string{"/users/", "/users/1"} {
		assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, path, nil, "").code, path)
		assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, path, nil, userToken).code, path)
	}
	resp := e.do(t, http.MethodPost, "/roles/", map[string]any{"role": "admin", "owner_id": 1}, userToken)
	assert.Equal(t, http.StatusForbidden, resp.code)

	resp = e.do(t, http.MethodGet, "/users/?skip=0&limit=10", nil, adminToken)
	require.Equal(t, http.StatusOK, resp.code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(resp.body, &list))
	require.Len(t, list, 2)
	assert.Equal(t, "a@b.com", list[0]["email"])

	resp = e.do(t, http.MethodGet, "/users/?limit=5000", nil, adminToken)
	assert.Equal(t, http.StatusBadRequest, resp.code)
	resp = e.do(t, http.MethodGet, "/users/?skip=-1", nil, adminToken)
	assert.Equal(t, http.StatusBadRequest, resp.code)

	resp = e.do(t, http.MethodGet, "/users/1", nil, adminToken)
	require.Equal(t, http.StatusOK, resp.code)
	assert.Equal(t, "a@b.com", resp.json(t)["email"])

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/users/999", nil, adminToken).code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/users/abc", nil, adminToken).code)
}

func TestAssignRoleVisibleOnNextRequest(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t, "a@b.com", "pw1")
	userToken := e.login(t, "a@b.com", "pw1")
	adminToken := e.admin(t)

	resp := e.do(t, http.MethodPost, "/roles/", map[string]any{"role": "Admin", "owner_id": 1}, adminToken)
	require.Equal(t, http.StatusCreated, resp.code, string(resp.body))
	assert.Equal(t, "admin", resp.json(t)["role"])

	resp = e.do(t, http.MethodGet, "/users/me", nil, userToken)
	require.Equal(t, http.StatusOK, resp.code)
	assert.Contains(t, resp.json(t)["roles"], "admin")

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/users/", nil, userToken).code)

	resp = e.do(t, http.MethodPost, "/roles/", map[string]any{"role": "editor", "owner_id": 999}, adminToken)
	assert.Equal(t, http.StatusNotFound, resp.code)

	resp = e.do(t, http.MethodPost, "/roles/", map[string]any{"role": "", "owner_id": 1}, adminToken)
	assert.Equal(t, http.StatusBadRequest, resp.code)
}

func TestAPIPrefix(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(cfg *config.Config, _ *[]httpserver.Option) { cfg.APIPrefix = "/api/v1/" })

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", nil, "").code)

	resp := e.do(t, http.MethodPost, "/api/v1/users/", map[string]string{"email": "a@b.com", "password": "pw1"}, "")
	require.Equal(t, http.StatusCreated, resp.code, string(resp.body))

	reg := e.mailer.lastToken(t, "a@b.com")
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/auth/verify-email/"+reg, nil, "").code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/users/", map[string]string{"email": "b@b.com", "password": "pw"}, "").code)
}

func TestCORSAndMethods(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(cfg *config.Config, _ *[]httpserver.Option) {
		cfg.AllowedOrigins = []string{"https://app.example"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/auth/token", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	resp := e.do(t, http.MethodDelete, "/auth/token", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/nowhere", nil, "").code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (ratelimit.Result, error) {
	return ratelimit.Result{}, ratelimit.ErrStoreUnavailable
}

func TestRateLimitedAuthRoutes(t *testing.T) {
	t.Parallel()

	store := ratelimit.NewMemoryStore(ratelimit.WithCleanupInterval(0))
	t.Cleanup(store.Close)
	bucket, err := ratelimit.NewBucket(store, ratelimit.Config{Capacity: 2, RefillRate: 1, RefillInterval: time.Hour})
	require.NoError(t, err)

	e := newEnv(t, func(_ *config.Config, opts *[]httpserver.Option) {
		*opts = append(*opts, httpserver.WithRateLimiter(bucket))
	})
	creds := map[string]string{"email": "a@b.com", "password": "nope"}

	for range 2 {
		resp := e.do(t, http.MethodPost, "/auth/token", creds, "")
		assert.Equal(t, http.StatusUnauthorized, resp.code)
		assert.Equal(t, "2", resp.header.Get("X-RateLimit-Limit"))
	}

	resp := e.do(t, http.MethodPost, "/auth/token", creds, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.code)
	assert.Equal(t, "0", resp.header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.header.Get("Retry-After"))

	resp = e.do(t, http.MethodPost, "/users/", map[string]string{"email": "c@d.com", "password": "pw"}, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.code, "signup shares the client bucket")

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", nil, "").code)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/users/me", nil, "").code)
}

func TestRateLimiterFailureLetsRequestsThrough(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(_ *config.Config, opts *[]httpserver.Option) {
		*opts = append(*opts, httpserver.WithRateLimiter(failingLimiter{}))
	})

	resp := e.do(t, http.MethodPost, "/users/", map[string]string{"email": "a@b.com", "password": "pw1"}, "")
	assert.Equal(t, http.StatusCreated, resp.code)
	assert.Empty(t, resp.header.Get("X-RateLimit-Limit"))
}

func TestRateLimitIgnoresForwardedForUnlessTrusted(t *testing.T) {
	t.Parallel()

	newLimited := func(trust bool) *env {
		store := ratelimit.NewMemoryStore(ratelimit.WithCleanupInterval(0))
		t.Cleanup(store.Close)
		bucket, err := ratelimit.NewBucket(store, ratelimit.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Hour})
		require.NoError(t, err)
		return newEnv(t, func(cfg *config.Config, opts *[]httpserver.Option) {
			cfg.TrustProxyHeaders = trust
			*opts = append(*opts, httpserver.WithRateLimiter(bucket))
		})
	}
	login := func(e *env, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"email":"a@b.com","password":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", forwardedFor)
		req.RemoteAddr = "203.0.113.7:4000"
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	direct := newLimited(false)
	assert.Equal(t, http.StatusUnauthorized, login(direct, "1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, login(direct, "2.2.2.2"), "a forged header must not open a new bucket")

	proxied := newLimited(true)
	assert.Equal(t, http.StatusUnauthorized, login(proxied, "1.1.1.1"))
	assert.Equal(t, http.StatusUnauthorized, login(proxied, "2.2.2.2"))
	assert.Equal(t, http.StatusTooManyRequests, login(proxied, "1.1.1.1"))
}
