package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	authdomain "accounts/backend/internal/domain/auth"
	userusecase "accounts/backend/internal/usecase/user"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

const maxBodyBytes = 1 << 20

// bcrypt ignores everything past 72 bytes.
const maxPasswordBytes = 72

func (s *Server) registerRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(s.throttle)
		r.Post("/auth/token", s.handleLogin)
		r.Get("/auth/verify-email/{token}", s.handleVerifyEmail)
		r.Post("/auth/forgot_password", s.handleForgotPassword)
		r.Post("/auth/reset_password/{token}", s.handleResetPassword)
		r.Post("/users", s.handleRegister)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/users/me", s.handleMe)
		r.Put("/users/me", s.handleChangePassword)

		r.Group(func(r chi.Router) {
			r.Use(s.requireRoles(authdomain.RoleAdmin))
			r.Get("/users", s.handleListUsers)
			r.Get("/users/{id}", s.handleGetUser)
			r.Post("/roles", s.handleAssignRole)
		})
	})
}

func passwordRules() []validation.Rule {
	return []validation.Rule{
		validation.Required,
		validation.By(func(value any) error {
			if pw, _ := value.(string); len(pw) > maxPasswordBytes {
				return fmt.Errorf("must be at most %d bytes", maxPasswordBytes)
			}
			return nil
		}),
	}
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (p credentialsPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&p.Password, passwordRules()...),
	)
}

type emailPayload struct {
	Email string `json:"email"`
}

func (p emailPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
	)
}

type newPasswordPayload struct {
	Password string `json:"password"`
}

func (p newPasswordPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Password, passwordRules()...),
	)
}

type changePasswordPayload struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (p changePasswordPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.CurrentPassword, validation.Required),
		validation.Field(&p.NewPassword, passwordRules()...),
	)
}

type rolePayload struct {
	Role    string `json:"role"`
	OwnerID int64  `json:"owner_id"`
}

func (p rolePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Role, validation.Required, validation.Length(1, 64)),
		validation.Field(&p.OwnerID, validation.Required, validation.Min(1)),
	)
}

// decodeJSON reads a JSON body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst validation.Validatable) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body required")
		} else {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
		}
		return false
	}
	if err := dst.Validate(); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

func isFormRequest(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthcheck != nil {
		if err := s.healthcheck(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "healthcheck failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogin accepts either a JSON body or an OAuth2 password form.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds authdomain.Credentials
	if isFormRequest(r) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form payload")
			return
		}
		creds = authdomain.Credentials{Email: r.PostForm.Get("username"), Password: r.PostForm.Get("password")}
	} else {
		var payload struct {
			Email    string `json:"email"`
			Username string `json:"username"`
			Password string `json:"password"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		email := payload.Email
		if email == "" {
			email = payload.Username
		}
		creds = authdomain.Credentials{Email: email, Password: payload.Password}
	}

	token, _, err := s.authService.Login(r.Context(), creds)
	if err != nil {
		if errors.Is(err, authdomain.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "incorrect username or password")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	user, err := s.authService.ConfirmEmail(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var payload emailPayload
	if !decodeJSON(w, r, &payload) {
		return
	}

	if _, err := s.authService.RequestPasswordReset(r.Context(), payload.Email); err != nil && !errors.Is(err, authdomain.ErrUnknownEmail) {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "if the address is registered, a reset link has been sent",
	})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var payload newPasswordPayload
	if !decodeJSON(w, r, &payload) {
		return
	}

	user, err := s.authService.ResetPassword(r.Context(), chi.URLParam(r, "token"), payload.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload credentialsPayload
	if !decodeJSON(w, r, &payload) {
		return
	}

	user, _, err := s.authService.Register(r.Context(), payload.Email, payload.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserResponse(user))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var payload changePasswordPayload
	if !decodeJSON(w, r, &payload) {
		return
	}

	if err := s.authService.ChangePassword(r.Context(), user.ID, payload.CurrentPassword, payload.NewPassword); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page := userusecase.Page{Skip: 0, Limit: userusecase.DefaultLimit}
	fields := validation.Errors{}

	if raw := strings.TrimSpace(query.Get("skip")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fields["skip"] = errors.New("must be a non-negative integer")
		}
		page.Skip = n
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > userusecase.MaxLimit {
			fields["limit"] = fmt.Errorf("must be an integer between 1 and %d", userusecase.MaxLimit)
		}
		page.Limit = n
	}
	if len(fields) > 0 {
		writeValidationError(w, fields)
		return
	}

	users, err := s.userService.List(r.Context(), page)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, newUserResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeValidationError(w, validation.Errors{"id": errors.New("must be a positive integer")})
		return
	}

	user, err := s.userService.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var payload rolePayload
	if !decodeJSON(w, r, &payload) {
		return
	}

	role, err := s.userService.AssignRole(r.Context(), payload.OwnerID, payload.Role)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"role": role, "owner_id": payload.OwnerID})
}
