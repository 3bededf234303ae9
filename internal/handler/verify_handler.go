package handler

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/atolyecloud/atolye/internal/middleware"
	"github.com/atolyecloud/atolye/internal/pkg/response"
	"github.com/atolyecloud/atolye/internal/service"
)

// VerifyHandler answers the proxy's forward auth subrequests. Every
// request hitting a workspace subdomain is checked here before Traefik
// lets it through.
type VerifyHandler struct {
	auth     service.AuthService
	sessions *middleware.SessionAuth
	loginURL string
}

// NewVerifyHandler creates a new forward auth handler. loginURL is
// where anonymous visitors are sent, with the original URL in "next".
func NewVerifyHandler(auth service.AuthService, sessions *middleware.SessionAuth, loginURL string) *VerifyHandler {
	return &VerifyHandler{auth: auth, sessions: sessions, loginURL: loginURL}
}

// Routes returns a chi router with the verify route.
func (h *VerifyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/verify", h.Verify)
	return r
}

// Verify handles GET /api/auth/verify.
//
// Anonymous requests get a 302 to the login page so the browser lands
// somewhere useful. Authenticated requests get 200 when the actor may
// reach the workspace and the proxy forwards the original request.
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	// The route middleware injects the workspace host it matched;
	// X-Forwarded-Host covers proxies without that middleware.
	host := r.Header.Get("X-Workspace-Host")
	if host == "" {
		host = r.Header.Get("X-Forwarded-Host")
	}
	if host == "" {
		host = r.Host
	}

	actor, ok := h.sessions.Actor(r)
	if !ok {
		next := url.URL{Scheme: "https", Host: host, Path: r.Header.Get("X-Forwarded-Uri")}
		http.Redirect(w, r, h.loginURL+"?next="+url.QueryEscape(next.String()), http.StatusFound)
		return
	}

	ws, err := h.auth.VerifyWorkspaceAccess(r.Context(), actor, host)
	if err != nil {
		response.Error(w, err)
		return
	}

	w.Header().Set("X-Workspace-ID", ws.Subdomain)
	w.WriteHeader(http.StatusOK)
}
