package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atolyecloud/atolye/internal/middleware"
	"github.com/atolyecloud/atolye/internal/models"
	"github.com/atolyecloud/atolye/internal/paytr"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/pkg/response"
	"github.com/atolyecloud/atolye/internal/service"
)

// BillingHandler handles subscription and payment HTTP requests.
type BillingHandler struct {
	billing service.BillingService
	audit   service.AuditService
}

// NewBillingHandler creates a new billing handler.
func NewBillingHandler(billing service.BillingService, audit service.AuditService) *BillingHandler {
	return &BillingHandler{billing: billing, audit: audit}
}

// Routes returns a chi router with the authenticated billing routes.
// The gateway callback is mounted separately since the gateway does not
// carry a session.
func (h *BillingHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/subscribe/{plan}", h.Subscribe)
	r.Get("/subscription", h.Subscription)

	return r
}

// Subscribe handles POST /v1/billing/subscribe/{plan}
func (h *BillingHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	plan := models.Plan(chi.URLParam(r, "plan"))
	result, err := h.billing.Subscribe(r.Context(), actor, plan, clientIP(r))
	if err != nil {
		response.Error(w, err)
		return
	}
	h.audit.Record(r.Context(), actor, "billing.subscribe", "payment", result.MerchantOID, map[string]any{"plan": plan}, clientIP(r))

	response.OK(w, result)
}

// Subscription handles GET /v1/billing/subscription
func (h *BillingHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	sub, err := h.billing.CurrentSubscription(r.Context(), actor)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, sub)
}

// Callback handles POST /v1/billing/callback. The gateway retries until
// it receives the literal body "OK", so every settled outcome answers
// with it, replays included.
func (h *BillingHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		response.Text(w, http.StatusBadRequest, "bad request")
		return
	}

	cb := paytr.Callback{
		MerchantOID:      r.PostFormValue("merchant_oid"),
		Status:           r.PostFormValue("status"),
		TotalAmountMinor: r.PostFormValue("total_amount"),
		Hash:             r.PostFormValue("hash"),
		FailedReasonCode: r.PostFormValue("failed_reason_code"),
		FailedReasonMsg:  r.PostFormValue("failed_reason_msg"),
		TestMode:         r.PostFormValue("test_mode"),
	}

	err := h.billing.ProcessCallback(r.Context(), cb)
	switch {
	case err == nil:
		middleware.IncrementPaymentsProcessed(cb.Status)
		response.Text(w, http.StatusOK, "OK")
	case service.IsReplay(err):
		middleware.IncrementPaymentsProcessed("replay")
		response.Text(w, http.StatusOK, "OK")
	case errors.Is(err, apierrors.ErrPayloadAuth):
		response.Text(w, http.StatusBadRequest, "bad signature")
	case apierrors.AsAPIError(err).Code == "not_found":
		response.Text(w, http.StatusNotFound, "unknown merchant_oid")
	default:
		response.Text(w, http.StatusInternalServerError, "error")
	}
}
