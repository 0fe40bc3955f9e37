package handler

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/cratery/cratery/internal/apierror"
	"github.com/cratery/cratery/internal/logger"
	"github.com/cratery/cratery/internal/service"
)

const stateCookie = "cratery-oauth-state"

// Auth serves the external-identity handshake: redirect to the provider and
// mint a session cookie on callback.
type Auth struct {
	auth        *service.Auth
	cookieName  string
	externalURI string
	logger      *logger.Logger
}

func NewAuth(auth *service.Auth, cookieName, externalURI string, logger *logger.Logger) *Auth {
	return &Auth{auth: auth, cookieName: cookieName, externalURI: externalURI, logger: logger}
}

func (h *Auth) redirectURI() string {
	return h.externalURI + "/login/callback"
}

// Login handles GET /login: starts the authorization-code flow.
func (h *Auth) Login(w http.ResponseWriter, r *http.Request) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		WriteError(w, h.logger, apierror.Internal(err))
		return
	}
	state := hex.EncodeToString(raw)

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   600,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.auth.LoginURL(state, h.redirectURI()), http.StatusFound)
}

// Callback handles GET /login/callback: verifies the state, exchanges the
// code and sets the session cookie.
func (h *Auth) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	cookie, err := r.Cookie(stateCookie)
	if err != nil || state == "" || cookie.Value != state {
		WriteError(w, h.logger, apierror.Invalid("state mismatch"))
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		WriteError(w, h.logger, apierror.Invalid("missing code"))
		return
	}

	_, session, err := h.auth.CompleteOAuth(r.Context(), code, h.redirectURI())
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    session,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}
