package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cratery/cratery/internal/model"
)

// Claims represents session JWT claims with the user ID and role.
type Claims struct {
	jwt.RegisteredClaims
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role"`
}

// JWT implements SessionManager backed by symmetric HMAC.
type JWT struct {
	secretKey string
	ttl       time.Duration
}

// NewJWT creates a new session token manager with the provided secret key.
func NewJWT(secretKey string, ttl time.Duration) model.SessionManager {
	return &JWT{secretKey: secretKey, ttl: ttl}
}

// Mint creates a signed session token binding the user and their role. The
// role claim lets middleware detect privilege changes and rotate the cookie.
func (j *JWT) Mint(userID uuid.UUID, role model.Role) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
		UserID: userID,
		Role:   string(role),
	})

	tokenString, err := token.SignedString([]byte(j.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return tokenString, nil
}

// Validate checks the signature and expiry and extracts the user ID and role.
func (j *JWT) Validate(tokenString string) (uuid.UUID, model.Role, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("wrong signing method %v", t.Header["alg"])
		}
		return []byte(j.secretKey), nil
	})
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("failed to parse session token: %w", err)
	}
	if !token.Valid {
		return uuid.Nil, "", fmt.Errorf("session token is invalid")
	}
	return claims.UserID, model.Role(claims.Role), nil
}
