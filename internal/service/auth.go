package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cratery/cratery/internal/apierror"
	"github.com/cratery/cratery/internal/config"
	"github.com/cratery/cratery/internal/logger"
	"github.com/cratery/cratery/internal/model"
	"github.com/cratery/cratery/internal/token"
)

// Auth resolves credentials to principals, issues registry tokens and runs
// the external-identity handshake.
type Auth struct {
	users    model.UserStore
	tokens   model.TokenStore
	sessions model.SessionManager
	logger   *logger.Logger
	oauth    config.OAuth
	client   *http.Client
}

func NewAuth(
	users model.UserStore,
	tokens model.TokenStore,
	sessions model.SessionManager,
	logger *logger.Logger,
	oauth config.OAuth,
) *Auth {
	return &Auth{
		users:    users,
		tokens:   tokens,
		sessions: sessions,
		logger:   logger,
		oauth:    oauth,
		client:   &http.Client{Timeout: oauth.ClientTimeout},
	}
}

// AuthenticateToken resolves a bearer secret to a principal. Lookup uses the
// clear prefix; the remainder is compared in constant time against the
// salted hash. The last-used timestamp is updated best-effort.
func (s *Auth) AuthenticateToken(ctx context.Context, secret string) (model.Principal, error) {
	if len(secret) <= token.PrefixLen {
		return model.Principal{}, apierror.Unauthorized("invalid token")
	}

	candidates, err := s.tokens.GetByPrefix(ctx, secret[:token.PrefixLen])
	if err != nil {
		return model.Principal{}, fmt.Errorf("failed to look up token: %w", err)
	}

	for _, t := range candidates {
		if !token.Verify(secret, t.Salt, t.SecretHash) {
			continue
		}

		user, err := s.users.GetByID(ctx, t.UserID)
		if err != nil {
			return model.Principal{}, fmt.Errorf("failed to load token user: %w", err)
		}
		if !user.IsActive {
			return model.Principal{}, apierror.Unauthorized("user is disabled")
		}

		if err := s.tokens.TouchLastUsed(ctx, t.ID, time.Now()); err != nil {
			s.logger.Warn("failed to update token last-used", "token", t.ID, "error", err)
		}

		return model.Principal{
			User:     user,
			CanRead:  t.CanRead,
			CanWrite: t.CanWrite,
			// A token can only grant admin when its user holds the role.
			CanAdmin:    t.CanAdmin && user.Role == model.RoleAdmin,
			CrateScopes: t.CrateScopes,
		}, nil
	}

	return model.Principal{}, apierror.Unauthorized("invalid token")
}

// AuthenticateSession resolves a session cookie to a principal. When the
// user's role changed since the cookie was minted, a rotated cookie value is
// returned alongside.
func (s *Auth) AuthenticateSession(ctx context.Context, cookie string) (model.Principal, string, error) {
	userID, role, err := s.sessions.Validate(cookie)
	if err != nil {
		return model.Principal{}, "", apierror.Unauthorized("invalid session")
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Principal{}, "", apierror.Unauthorized("invalid session")
		}
		return model.Principal{}, "", fmt.Errorf("failed to load session user: %w", err)
	}
	if !user.IsActive {
		return model.Principal{}, "", apierror.Unauthorized("user is disabled")
	}

	rotated := ""
	if role != user.Role {
		rotated, err = s.sessions.Mint(user.ID, user.Role)
		if err != nil {
			return model.Principal{}, "", fmt.Errorf("failed to rotate session: %w", err)
		}
	}

	return model.Principal{
		User:     user,
		CanRead:  true,
		CanWrite: true,
		CanAdmin: user.Role == model.RoleAdmin,
	}, rotated, nil
}

// LoginURL builds the identity provider's authorization URL for the code
// flow.
func (s *Auth) LoginURL(state, redirectURI string) string {
	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", s.oauth.ClientID)
	query.Set("redirect_uri", redirectURI)
	query.Set("state", state)
	query.Set("scope", "openid profile email")
	return s.oauth.AuthorizeURI + "?" + query.Encode()
}

// CompleteOAuth exchanges an authorization code, locates-or-creates the user
// by their stable external subject and mints a session cookie.
func (s *Auth) CompleteOAuth(ctx context.Context, code, redirectURI string) (model.User, string, error) {
	accessToken, err := s.exchangeCode(ctx, code, redirectURI)
	if err != nil {
		return model.User{}, "", apierror.Upstream("identity provider", err)
	}

	info, err := s.fetchUserInfo(ctx, accessToken)
	if err != nil {
		return model.User{}, "", apierror.Upstream("identity provider", err)
	}

	subject, ok := info[s.oauth.SubjectField].(string)
	if !ok || subject == "" {
		return model.User{}, "", apierror.Upstream("identity provider", fmt.Errorf("missing subject field %q", s.oauth.SubjectField))
	}

	user, err := s.users.GetByExternalSubject(ctx, subject)
	if errors.Is(err, model.ErrNotFound) {
		user, err = s.users.Create(ctx, model.User{
			ID:              uuid.New(),
			Login:           stringField(info, s.oauth.LoginField),
			Name:            stringField(info, s.oauth.NameField),
			Email:           stringField(info, s.oauth.EmailField),
			Role:            model.RoleUser,
			ExternalSubject: subject,
			IsActive:        true,
		})
	}
	if err != nil {
		return model.User{}, "", fmt.Errorf("failed to locate user: %w", err)
	}
	if !user.IsActive {
		return model.User{}, "", apierror.Unauthorized("user is disabled")
	}

	cookie, err := s.sessions.Mint(user.ID, user.Role)
	if err != nil {
		return model.User{}, "", fmt.Errorf("failed to mint session: %w", err)
	}
	return user, cookie, nil
}

func stringField(blob map[string]any, field string) string {
	v, _ := blob[field].(string)
	return v
}

func (s *Auth) exchangeCode(ctx context.Context, code, redirectURI string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", s.oauth.ClientID)
	form.Set("client_secret", s.oauth.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.oauth.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to exchange code: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}
	return body.AccessToken, nil
}

func (s *Auth) fetchUserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.oauth.UserInfoURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}

	var info map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	return info, nil
}

// CreateToken issues a registry token for the user. The clear secret is
// returned exactly once.
func (s *Auth) CreateToken(ctx context.Context, userID uuid.UUID, name string, canRead, canWrite, canAdmin bool, scopes []string) (model.Token, string, error) {
	secret, prefix, salt, hash, err := token.GenerateSecret()
	if err != nil {
		return model.Token{}, "", fmt.Errorf("failed to generate token: %w", err)
	}

	created, err := s.tokens.Create(ctx, model.Token{
		ID:          uuid.New(),
		UserID:      userID,
		Name:        name,
		Prefix:      prefix,
		Salt:        salt,
		SecretHash:  hash,
		CanRead:     canRead,
		CanWrite:    canWrite,
		CanAdmin:    canAdmin,
		CrateScopes: scopes,
	})
	if err != nil {
		return model.Token{}, "", fmt.Errorf("failed to persist token: %w", err)
	}
	return created, secret, nil
}

// ListTokens returns the user's active tokens.
func (s *Auth) ListTokens(ctx context.Context, userID uuid.UUID) ([]model.Token, error) {
	return s.tokens.GetByUserID(ctx, userID)
}

// RevokeToken revokes a token owned by the user (or any token for admins).
func (s *Auth) RevokeToken(ctx context.Context, p model.Principal, tokenID uuid.UUID) error {
	if !p.CanAdmin {
		owned, err := s.tokens.GetByUserID(ctx, p.User.ID)
		if err != nil {
			return fmt.Errorf("failed to list tokens: %w", err)
		}
		found := false
		for _, t := range owned {
			if t.ID == tokenID {
				found = true
				break
			}
		}
		if !found {
			return apierror.Forbidden("token belongs to another user")
		}
	}
	if err := s.tokens.Revoke(ctx, tokenID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return apierror.NotFound("token not found")
		}
		return err
	}
	return nil
}
