// Package handler provides HTTP handlers for the control plane API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atolyecloud/atolye/internal/middleware"
	"github.com/atolyecloud/atolye/internal/models"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/pkg/response"
	"github.com/atolyecloud/atolye/internal/service"
)

// AuthHandler handles registration, login and logout.
type AuthHandler struct {
	auth     service.AuthService
	audit    service.AuditService
	sessions *middleware.SessionAuth
	validate *validator.Validate
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(auth service.AuthService, audit service.AuditService, sessions *middleware.SessionAuth) *AuthHandler {
	return &AuthHandler{
		auth:     auth,
		audit:    audit,
		sessions: sessions,
		validate: validator.New(),
	}
}

// Routes returns a chi router with auth routes.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)
	r.With(h.sessions.RequireSession).Get("/me", h.Me)

	return r
}

// RegisterResponse is the body returned after a successful signup.
type RegisterResponse struct {
	Company *models.Company `json:"company"`
	User    *models.User    `json:"user"`
}

// Register handles POST /v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}
	req.IP = clientIP(r)

	company, user, err := h.auth.Register(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}

	actor := models.Actor{UserID: user.ID, CompanyID: company.ID, Role: user.Role}
	if err := h.sessions.SaveActor(w, r, actor); err != nil {
		response.Error(w, apierrors.ErrInternal)
		return
	}
	h.audit.Record(r.Context(), actor, "company.register", "company", company.Subdomain, nil, req.IP)

	response.Created(w, RegisterResponse{Company: company, User: user})
}

// Login handles POST /v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req service.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}
	req.IP = clientIP(r)

	user, err := h.auth.Login(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}

	actor := models.Actor{UserID: user.ID, CompanyID: user.CompanyID, Role: user.Role}
	if err := h.sessions.SaveActor(w, r, actor); err != nil {
		response.Error(w, apierrors.ErrInternal)
		return
	}

	response.OK(w, user)
}

// Logout handles POST /v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Clear(w, r); err != nil {
		response.Error(w, apierrors.ErrInternal)
		return
	}
	response.NoContent(w)
}

// Me handles GET /v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}
	response.OK(w, actor)
}
