package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cratery/cratery/internal/apierror"
	"github.com/cratery/cratery/internal/config"
	"github.com/cratery/cratery/internal/mocks"
	"github.com/cratery/cratery/internal/model"
	"github.com/cratery/cratery/internal/testutil"
	"github.com/cratery/cratery/internal/token"
)

func newAuthFixture(t *testing.T) (*Auth, *mocks.UserStore, *mocks.TokenStore) {
	t.Helper()
	users := &mocks.UserStore{}
	tokens := &mocks.TokenStore{}
	sessions := token.NewJWT("test-secret", time.Hour)
	auth := NewAuth(users, tokens, sessions, testutil.MakeNoopLogger(), config.OAuth{ClientTimeout: time.Second})
	return auth, users, tokens
}

func issuedToken(t *testing.T, userID uuid.UUID, canWrite, canAdmin bool) (model.Token, string) {
	t.Helper()
	secret, prefix, salt, hash, err := token.GenerateSecret()
	require.NoError(t, err)
	return model.Token{
		ID:         uuid.New(),
		UserID:     userID,
		Name:       "ci",
		Prefix:     prefix,
		Salt:       salt,
		SecretHash: hash,
		CanRead:    true,
		CanWrite:   canWrite,
		CanAdmin:   canAdmin,
	}, secret
}

func TestAuthenticateToken_Success(t *testing.T) {
	ctx := context.Background()
	auth, users, tokens := newAuthFixture(t)

	user := model.User{ID: uuid.New(), Login: "alice", Role: model.RoleUser, IsActive: true}
	stored, secret := issuedToken(t, user.ID, true, false)

	tokens.On("GetByPrefix", mock.Anything, stored.Prefix).Return([]model.Token{stored}, nil)
	users.On("GetByID", mock.Anything, user.ID).Return(user, nil)
	tokens.On("TouchLastUsed", mock.Anything, stored.ID, mock.Anything).Return(nil)

	p, err := auth.AuthenticateToken(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, user.ID, p.User.ID)
	assert.True(t, p.CanRead)
	assert.True(t, p.CanWrite)
	assert.False(t, p.CanAdmin)
}

func TestAuthenticateToken_AdminCapabilityNeedsAdminRole(t *testing.T) {
	ctx := context.Background()
	auth, users, tokens := newAuthFixture(t)

	user := model.User{ID: uuid.New(), Login: "bob", Role: model.RoleUser, IsActive: true}
	stored, secret := issuedToken(t, user.ID, true, true)

	tokens.On("GetByPrefix", mock.Anything, stored.Prefix).Return([]model.Token{stored}, nil)
	users.On("GetByID", mock.Anything, user.ID).Return(user, nil)
	tokens.On("TouchLastUsed", mock.Anything, stored.ID, mock.Anything).Return(nil)

	p, err := auth.AuthenticateToken(ctx, secret)
	require.NoError(t, err)
	// Token capability cannot elevate a regular user.
	assert.False(t, p.CanAdmin)
}

func TestAuthenticateToken_WrongSecret(t *testing.T) {
	ctx := context.Background()
	auth, _, tokens := newAuthFixture(t)

	stored, secret := issuedToken(t, uuid.New(), true, false)
	tokens.On("GetByPrefix", mock.Anything, stored.Prefix).Return([]model.Token{stored}, nil)

	tampered := secret[:len(secret)-1] + "0"
	_, err := auth.AuthenticateToken(ctx, tampered)
	require.Error(t, err)
	assert.Equal(t, 401, apierror.From(err).Status)
}

func TestAuthenticateToken_DisabledUser(t *testing.T) {
	ctx := context.Background()
	auth, users, tokens := newAuthFixture(t)

	user := model.User{ID: uuid.New(), Login: "mallory", Role: model.RoleUser, IsActive: false}
	stored, secret := issuedToken(t, user.ID, true, false)

	tokens.On("GetByPrefix", mock.Anything, stored.Prefix).Return([]model.Token{stored}, nil)
	users.On("GetByID", mock.Anything, user.ID).Return(user, nil)

	_, err := auth.AuthenticateToken(ctx, secret)
	require.Error(t, err)
	assert.Equal(t, 401, apierror.From(err).Status)
}

func TestAuthenticateToken_TooShort(t *testing.T) {
	ctx := context.Background()
	auth, _, _ := newAuthFixture(t)

	_, err := auth.AuthenticateToken(ctx, "short")
	require.Error(t, err)
	assert.Equal(t, 401, apierror.From(err).Status)
}

func TestAuthenticateSession_RotatesOnRoleChange(t *testing.T) {
	ctx := context.Background()
	auth, users, _ := newAuthFixture(t)

	user := model.User{ID: uuid.New(), Login: "alice", Role: model.RoleAdmin, IsActive: true}
	users.On("GetByID", mock.Anything, user.ID).Return(user, nil)

	// Cookie was minted while the user was a regular user.
	sessions := token.NewJWT("test-secret", time.Hour)
	cookie, err := sessions.Mint(user.ID, model.RoleUser)
	require.NoError(t, err)

	p, rotated, err := auth.AuthenticateSession(ctx, cookie)
	require.NoError(t, err)
	assert.True(t, p.CanAdmin)
	require.NotEmpty(t, rotated)

	gotID, gotRole, err := sessions.Validate(rotated)
	require.NoError(t, err)
	assert.Equal(t, user.ID, gotID)
	assert.Equal(t, model.RoleAdmin, gotRole)
}

func TestAuthenticateSession_InvalidCookie(t *testing.T) {
	ctx := context.Background()
	auth, _, _ := newAuthFixture(t)

	_, _, err := auth.AuthenticateSession(ctx, "garbage")
	require.Error(t, err)
	assert.Equal(t, 401, apierror.From(err).Status)
}

func TestCreateToken_SecretVerifies(t *testing.T) {
	ctx := context.Background()
	auth, _, tokens := newAuthFixture(t)

	userID := uuid.New()
	tokens.On("Create", mock.Anything, mock.Anything).Return(model.Token{ID: uuid.New(), UserID: userID, Name: "ci"}, nil)

	created, secret, err := auth.CreateToken(ctx, userID, "ci", true, true, false, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.Equal(t, "ci", created.Name)

	// The stored material verifies the issued clear secret.
	call := tokens.Calls[0]
	stored := call.Arguments.Get(1).(model.Token)
	assert.Equal(t, secret[:token.PrefixLen], stored.Prefix)
	assert.True(t, token.Verify(secret, stored.Salt, stored.SecretHash))
}

func TestRevokeToken_OtherUsersTokenForbidden(t *testing.T) {
	ctx := context.Background()
	auth, _, tokens := newAuthFixture(t)

	p := model.Principal{User: model.User{ID: uuid.New(), IsActive: true}, CanRead: true}
	tokens.On("GetByUserID", mock.Anything, p.User.ID).Return([]model.Token{}, nil)

	err := auth.RevokeToken(ctx, p, uuid.New())
	require.Error(t, err)
	assert.Equal(t, 403, apierror.From(err).Status)
}

func TestCompleteOAuth_CreatesUser(t *testing.T) {
	ctx := context.Background()

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			json.NewEncoder(w).Encode(map[string]any{"access_token": "at", "token_type": "bearer"})
		case "/userinfo":
			assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]any{"sub": "ext-123", "email": "alice@example.com", "name": "Alice"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer idp.Close()

	users := &mocks.UserStore{}
	tokens := &mocks.TokenStore{}
	sessions := token.NewJWT("test-secret", time.Hour)
	auth := NewAuth(users, tokens, sessions, testutil.MakeNoopLogger(), config.OAuth{
		TokenURI:      idp.URL + "/token",
		UserInfoURI:   idp.URL + "/userinfo",
		SubjectField:  "sub",
		EmailField:    "email",
		NameField:     "name",
		LoginField:    "email",
		ClientTimeout: time.Second,
	})

	users.On("GetByExternalSubject", mock.Anything, "ext-123").Return(model.User{}, model.ErrNotFound)
	users.On("Create", mock.Anything, mock.MatchedBy(func(u model.User) bool {
		return u.ExternalSubject == "ext-123" && u.Email == "alice@example.com" && u.Role == model.RoleUser && u.IsActive
	})).Return(model.User{ID: uuid.New(), Login: "alice@example.com", Role: model.RoleUser, IsActive: true}, nil)

	user, cookie, err := auth.CompleteOAuth(ctx, "code", "http://localhost/callback")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Login)
	assert.NotEmpty(t, cookie)

	gotID, _, err := sessions.Validate(cookie)
	require.NoError(t, err)
	assert.Equal(t, user.ID, gotID)
}

func TestAuthorize(t *testing.T) {
	active := model.User{ID: uuid.New(), IsActive: true, Role: model.RoleUser}

	reader := model.Principal{User: active, CanRead: true}
	require.NoError(t, Authorize(reader, OpReadPackage, "widgets"))
	assert.Error(t, Authorize(reader, OpWritePackage, "widgets"))
	assert.Error(t, Authorize(reader, OpAdminGlobal, ""))

	scoped := model.Principal{User: active, CanRead: true, CanWrite: true, CrateScopes: []string{"widgets"}}
	require.NoError(t, Authorize(scoped, OpWritePackage, "Widgets"))
	assert.Error(t, Authorize(scoped, OpWritePackage, "other"))

	disabled := model.Principal{User: model.User{ID: uuid.New()}, CanRead: true}
	assert.Error(t, Authorize(disabled, OpReadPackage, ""))
}
