package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/cratery/cratery/internal/apierror"
	"github.com/cratery/cratery/internal/logger"
	"github.com/cratery/cratery/internal/model"
)

// Authenticator resolves credentials to principals.
type Authenticator interface {
	AuthenticateToken(ctx context.Context, secret string) (model.Principal, error)
	AuthenticateSession(ctx context.Context, cookie string) (model.Principal, string, error)
}

// ErrorWriter renders an API error to the response.
type ErrorWriter func(w http.ResponseWriter, logger *logger.Logger, err error)

// Authenticate resolves the request to a principal via bearer token or
// session cookie and injects it into the context.
type Authenticate struct {
	auth       Authenticator
	ctxManager model.ContextManager
	cookieName string
	logger     *logger.Logger
	writeError ErrorWriter
}

// NewAuthenticate creates a new Authenticate middleware instance.
func NewAuthenticate(auth Authenticator, ctxManager model.ContextManager, cookieName string, logger *logger.Logger, writeError ErrorWriter) *Authenticate {
	return &Authenticate{auth: auth, ctxManager: ctxManager, cookieName: cookieName, logger: logger, writeError: writeError}
}

// Wrap authenticates the request before calling next. Unauthenticated
// requests get a 401 with a challenge.
func (m *Authenticate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, rotated, err := m.resolve(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="cratery"`)
			m.writeError(w, m.logger, err)
			return
		}
		if rotated != "" {
			// Privilege changed since the cookie was minted.
			http.SetCookie(w, &http.Cookie{
				Name:     m.cookieName,
				Value:    rotated,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(m.ctxManager.SetPrincipal(r.Context(), p)))
	})
}

func (m *Authenticate) resolve(r *http.Request) (model.Principal, string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		secret := strings.TrimPrefix(auth, "Bearer ")
		// Cargo sends bare token values without a scheme.
		secret = strings.TrimSpace(secret)
		p, err := m.auth.AuthenticateToken(r.Context(), secret)
		return p, "", err
	}
	if cookie, err := r.Cookie(m.cookieName); err == nil {
		return m.auth.AuthenticateSession(r.Context(), cookie.Value)
	}
	return model.Principal{}, "", apierror.Unauthorized("authentication required")
}
