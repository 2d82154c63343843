// Package auth exposes the authentication use cases as JSON endpoints.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"portal/internal/lib/jwt"
	"portal/internal/lib/password"
	"portal/internal/lib/sl"
	authsvc "portal/internal/services/auth"
	"portal/internal/services/token"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type Service interface {
	Login(ctx context.Context, email, password string, tenantHint int64) (*authsvc.LoginResult, error)
	RefreshToken(ctx context.Context, accessToken, refreshToken string) (token.Pair, error)
	Authenticate(ctx context.Context, accessToken string) (*jwt.Claims, error)
	RevokeToken(ctx context.Context, caller *jwt.Claims, accessToken string) error
	ForgotPassword(ctx context.Context, email string, tenantHint int64)
	ValidateResetToken(ctx context.Context, email, token string) bool
	ResetPassword(ctx context.Context, email, token, newPassword, confirmPassword string) (bool, error)
}

const (
	msgInvalidBody        = "Invalid request body"
	msgInvalidCredentials = "Invalid email or password"
	msgAccountLocked      = "Account is locked. Please try again later"
	msgInvalidToken       = "Invalid or expired token"
	msgInternal           = "An internal error occurred"
	msgResetFailed        = "Password could not be reset"
)

type Handler struct {
	log     *slog.Logger
	service Service
}

func NewHandler(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// Routes returns the router to be mounted under /api/auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(ClientIP)

	r.Post("/login", h.Login)
	r.Post("/refresh-token", h.RefreshToken)
	r.Post("/forgot-password", h.ForgotPassword)
	r.Post("/validate-reset-token", h.ValidateResetToken)
	r.Post("/reset-password", h.ResetPassword)

	r.Group(func(r chi.Router) {
		r.Use(Authenticator(h.log, h.service))
		r.Post("/revoke", h.Revoke)
	})

	return r
}

// Login handles POST /login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	const op = "http.auth.Login"

	var req LoginRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		fail(w, r, http.StatusBadRequest, "Email and password are required")
		return
	}

	res, err := h.service.Login(r.Context(), req.Email, req.Password, req.TenantID)
	if err != nil {
		h.renderError(w, r, op, err)
		return
	}

	ok(w, r, &LoginData{
		AccessToken:          res.AccessToken,
		RefreshToken:         res.RefreshToken,
		ExpiresAtUnixSeconds: res.ExpiresAt.Unix(),
		User: UserData{
			ID:        res.User.ID,
			Email:     res.User.Email,
			Username:  res.User.Username,
			FirstName: res.User.FirstName,
			LastName:  res.User.LastName,
			RoleName:  res.User.RoleName,
		},
	})
}

// RefreshToken handles POST /refresh-token
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	const op = "http.auth.RefreshToken"

	var req RefreshTokenRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, msgInvalidBody)
		return
	}

	pair, err := h.service.RefreshToken(r.Context(), req.AccessToken, req.RefreshToken)
	if err != nil {
		h.renderError(w, r, op, err)
		return
	}

	ok(w, r, &TokenData{
		AccessToken:          pair.AccessToken,
		RefreshToken:         pair.RefreshToken,
		ExpiresAtUnixSeconds: pair.ExpiresAt.Unix(),
	})
}

// Revoke handles POST /revoke
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	const op = "http.auth.Revoke"

	var req RevokeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if req.AccessToken == "" {
		fail(w, r, http.StatusBadRequest, "Access token is required")
		return
	}

	if err := h.service.RevokeToken(r.Context(), ClaimsFromContext(r.Context()), req.AccessToken); err != nil {
		h.renderError(w, r, op, err)
		return
	}

	ok[struct{}](w, r, nil)
}

// ForgotPassword handles POST /forgot-password. It always succeeds.
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := render.DecodeJSON(r.Body, &req); err == nil {
		h.service.ForgotPassword(r.Context(), req.Email, req.TenantID)
	}

	ok(w, r, &MessageData{Message: "If the email is registered, a reset link has been sent"})
}

// ValidateResetToken handles POST /validate-reset-token
func (h *Handler) ValidateResetToken(w http.ResponseWriter, r *http.Request) {
	var req ValidateResetTokenRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, msgInvalidBody)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, Response[struct{}]{
		Success: h.service.ValidateResetToken(r.Context(), req.Email, req.Token),
	})
}

// ResetPassword handles POST /reset-password
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	const op = "http.auth.ResetPassword"

	var req ResetPasswordRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if msg := validateReset(req); msg != "" {
		fail(w, r, http.StatusBadRequest, msg)
		return
	}

	done, err := h.service.ResetPassword(r.Context(), req.Email, req.Token, req.NewPassword, req.ConfirmPassword)
	if err != nil {
		if errors.Is(err, authsvc.ErrValidation) {
			fail(w, r, http.StatusBadRequest, "Invalid request")
			return
		}
		h.log.Error("password reset failed", slog.String("op", op), sl.Err(err))
		fail(w, r, http.StatusOK, msgResetFailed)
		return
	}
	if !done {
		fail(w, r, http.StatusOK, msgResetFailed)
		return
	}

	ok(w, r, &MessageData{Message: "Password has been reset"})
}

func validateReset(req ResetPasswordRequest) string {
	switch {
	case strings.TrimSpace(req.Email) == "" || req.Token == "":
		return "Email and token are required"
	case req.NewPassword != req.ConfirmPassword:
		return "Passwords do not match"
	}

	switch err := password.Validate(req.NewPassword); {
	case errors.Is(err, password.ErrTooShort), errors.Is(err, password.ErrTooLong):
		return "Password must be between 8 and 100 characters"
	case err != nil:
		return "Password must contain an upper-case letter, a lower-case letter, a digit and a special character"
	}

	return ""
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, authsvc.ErrValidation):
		fail(w, r, http.StatusBadRequest, "Invalid request")
	case errors.Is(err, authsvc.ErrInvalidCredentials):
		fail(w, r, http.StatusUnauthorized, msgInvalidCredentials)
	case errors.Is(err, authsvc.ErrAccountLocked):
		fail(w, r, http.StatusLocked, msgAccountLocked)
	case errors.Is(err, authsvc.ErrInvalidToken):
		fail(w, r, http.StatusUnauthorized, msgInvalidToken)
	default:
		h.log.Error("request failed", slog.String("op", op), sl.Err(err))
		fail(w, r, http.StatusInternalServerError, msgInternal)
	}
}

func ok[T any](w http.ResponseWriter, r *http.Request, data *T) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, Response[T]{Success: true, Data: data})
}

func fail(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, Response[struct{}]{ErrorMessage: message})
}
