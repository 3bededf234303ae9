package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/atolyecloud/atolye/internal/config"
	"github.com/atolyecloud/atolye/internal/models"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/pkg/response"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// ActorKey is the context key the authenticated principal lives under.
const ActorKey contextKey = "actor"

// Session field names inside the cookie.
const (
	sessionUserID    = "user_id"
	sessionCompanyID = "company_id"
	sessionRole      = "role"
)

// SessionAuth issues and validates the platform's session cookies.
type SessionAuth struct {
	store *sessions.CookieStore
	name  string
}

// NewSessionAuth builds the cookie-session authenticator.
func NewSessionAuth(cfg config.AuthConfig, secureCookies bool) *SessionAuth {
	store := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionExpiry.Seconds()),
		HttpOnly: true,
		Secure:   secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	return &SessionAuth{store: store, name: cfg.SessionName}
}

// SaveActor writes the principal into the session cookie.
func (a *SessionAuth) SaveActor(w http.ResponseWriter, r *http.Request, actor models.Actor) error {
	session, _ := a.store.Get(r, a.name)
	session.Values[sessionUserID] = actor.UserID
	session.Values[sessionCompanyID] = actor.CompanyID
	session.Values[sessionRole] = string(actor.Role)
	return session.Save(r, w)
}

// Clear expires the session cookie.
func (a *SessionAuth) Clear(w http.ResponseWriter, r *http.Request) error {
	session, _ := a.store.Get(r, a.name)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// Actor reads the principal from the request's session cookie.
func (a *SessionAuth) Actor(r *http.Request) (models.Actor, bool) {
	session, err := a.store.Get(r, a.name)
	if err != nil {
		return models.Actor{}, false
	}
	userID, ok := session.Values[sessionUserID].(int64)
	if !ok {
		return models.Actor{}, false
	}
	companyID, ok := session.Values[sessionCompanyID].(int64)
	if !ok {
		return models.Actor{}, false
	}
	role, _ := session.Values[sessionRole].(string)
	return models.Actor{UserID: userID, CompanyID: companyID, Role: models.Role(role)}, true
}

// RequireSession rejects requests without a valid session and injects
// the actor into the request context.
func (a *SessionAuth) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := a.Actor(r)
		if !ok {
			response.Error(w, apierrors.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireAdmin rejects non-admin actors. Must run after RequireSession.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok || !actor.IsAdmin() {
			response.Error(w, apierrors.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithActor attaches the principal to the context.
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// ActorFromContext retrieves the principal injected by RequireSession.
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(ActorKey).(models.Actor)
	return actor, ok
}
