package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TokenStore defines persistence operations for registry tokens.
type TokenStore interface {
	Create(ctx context.Context, token Token) (Token, error)
	GetByPrefix(ctx context.Context, prefix string) ([]Token, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]Token, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	Revoke(ctx context.Context, id uuid.UUID) error
}

// Token is an API token for automated tooling. The clear secret exists only
// at creation time; the database keeps a lookup prefix and a salted hash of
// the remainder.
type Token struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Name       string
	Prefix     string
	Salt       []byte
	SecretHash []byte
	CanRead    bool
	CanWrite   bool
	CanAdmin   bool
	// CrateScopes restricts the token to the named crates. Empty means all
	// crates the user can reach.
	CrateScopes []string
	CreatedAt   time.Time
	LastUsedAt  *time.Time
	RevokedAt   *time.Time
}

// SessionManager mints and validates browser session tokens.
type SessionManager interface {
	Mint(userID uuid.UUID, role Role) (string, error)
	Validate(token string) (userID uuid.UUID, role Role, err error)
}
