package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apicontext "github.com/cratery/cratery/internal/api/http/context"
	"github.com/cratery/cratery/internal/apierror"
	"github.com/cratery/cratery/internal/logger"
	"github.com/cratery/cratery/internal/model"
	"github.com/cratery/cratery/internal/testutil"
)

type fakeAuthenticator struct {
	tokenPrincipal   model.Principal
	tokenErr         error
	sessionPrincipal model.Principal
	sessionRotated   string
	sessionErr       error

	gotToken  string
	gotCookie string
}

func (f *fakeAuthenticator) AuthenticateToken(ctx context.Context, secret string) (model.Principal, error) {
	f.gotToken = secret
	return f.tokenPrincipal, f.tokenErr
}

func (f *fakeAuthenticator) AuthenticateSession(ctx context.Context, cookie string) (model.Principal, string, error) {
	f.gotCookie = cookie
	return f.sessionPrincipal, f.sessionRotated, f.sessionErr
}

func writeTestError(w http.ResponseWriter, _ *logger.Logger, err error) {
	w.WriteHeader(apierror.From(err).Status)
}

func newAuthMiddleware(auth *fakeAuthenticator) (*Authenticate, *apicontext.Manager) {
	ctxMgr := apicontext.NewManager()
	return NewAuthenticate(auth, ctxMgr, "session", testutil.MakeNoopLogger(), writeTestError), ctxMgr
}

func TestAuthenticate_BearerToken(t *testing.T) {
	auth := &fakeAuthenticator{
		tokenPrincipal: model.Principal{User: model.User{ID: uuid.New(), Login: "alice", IsActive: true}, CanRead: true},
	}
	mw, ctxMgr := newAuthMiddleware(auth)

	var got model.Principal
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := ctxMgr.GetPrincipal(r.Context())
		require.True(t, ok)
		got = p
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/crates", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sekret", auth.gotToken)
	assert.Equal(t, "alice", got.User.Login)
}

func TestAuthenticate_BareTokenWithoutScheme(t *testing.T) {
	auth := &fakeAuthenticator{tokenPrincipal: model.Principal{User: model.User{IsActive: true}}}
	mw, _ := newAuthMiddleware(auth)

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/crates", nil)
	req.Header.Set("Authorization", "rawsecret")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "rawsecret", auth.gotToken)
}

func TestAuthenticate_MissingCredentials(t *testing.T) {
	mw, _ := newAuthMiddleware(&fakeAuthenticator{})

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/crates", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	mw, _ := newAuthMiddleware(&fakeAuthenticator{tokenErr: apierror.Unauthorized("invalid token")})

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/crates", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticate_SessionCookieRotation(t *testing.T) {
	auth := &fakeAuthenticator{
		sessionPrincipal: model.Principal{User: model.User{IsActive: true}},
		sessionRotated:   "fresh-cookie",
	}
	mw, _ := newAuthMiddleware(auth)

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "old-cookie"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "old-cookie", auth.gotCookie)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "fresh-cookie", cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
}
