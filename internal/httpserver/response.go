package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	authdomain "accounts/backend/internal/domain/auth"

	validation "github.com/go-ozzo/ozzo-validation"
)

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type userResponse struct {
	ID       int64    `json:"id"`
	Email    string   `json:"email"`
	IsActive bool     `json:"is_active"`
	Roles    []string `json:"roles"`
}

func newUserResponse(u *authdomain.User) userResponse {
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	return userResponse{
		ID:       u.ID,
		Email:    u.Email,
		IsActive: u.IsActive,
		Roles:    roles,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, status, errorResponse{Error: message})
}

func writeValidationError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: "validation failed"}

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		resp.Fields = make(map[string]string, len(verrs))
		for field, ferr := range verrs {
			resp.Fields[field] = ferr.Error()
		}
	} else {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

// domainErrors maps sentinel errors to response statuses. The sentinel text is
// used as the response message so wrapped causes never reach the client.
var domainErrors = []struct {
	err    error
	status int
}{
	{authdomain.ErrInvalidCredentials, http.StatusUnauthorized},
	{authdomain.ErrUnauthenticated, http.StatusUnauthorized},
	{authdomain.ErrInvalidToken, http.StatusBadRequest},
	{authdomain.ErrDuplicateEmail, http.StatusBadRequest},
	{authdomain.ErrInvalidRole, http.StatusBadRequest},
	{authdomain.ErrPasswordMismatch, http.StatusBadRequest},
	{authdomain.ErrPasswordUnchanged, http.StatusBadRequest},
	{authdomain.ErrForbidden, http.StatusForbidden},
	{authdomain.ErrAlreadyActivated, http.StatusForbidden},
	{authdomain.ErrInactiveAccount, http.StatusForbidden},
	{authdomain.ErrUserNotFound, http.StatusNotFound},
	{authdomain.ErrDelivery, http.StatusServiceUnavailable},
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range domainErrors {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError {
				s.logger.ErrorContext(r.Context(), "request failed", slog.Any("error", err))
			}
			writeError(w, m.status, m.err.Error())
			return
		}
	}

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		writeValidationError(w, err)
		return
	}

	s.logger.ErrorContext(r.Context(), "unexpected error", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}
