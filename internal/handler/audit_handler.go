package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atolyecloud/atolye/internal/middleware"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/pkg/response"
	"github.com/atolyecloud/atolye/internal/service"
)

// AuditHandler exposes the company audit trail to admins.
type AuditHandler struct {
	audit service.AuditService
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(audit service.AuditService) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// Routes returns a chi router with audit routes.
func (h *AuditHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Recent)
	return r
}

// Recent handles GET /v1/audit?limit=100
func (h *AuditHandler) Recent(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	logs, err := h.audit.Recent(r.Context(), actor, intQuery(r, "limit", 100))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, logs)
}
