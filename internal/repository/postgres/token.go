package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cratery/cratery/internal/model"
)

var _ model.TokenStore = (*TokenRepository)(nil)

type TokenRepository struct {
	db *Connection
}

func NewTokenRepository(db *Connection) *TokenRepository {
	return &TokenRepository{
		db: db,
	}
}

const tokenColumns = `id, user_id, name, prefix, salt, secret_hash, can_read, can_write, can_admin, crate_scopes, created_at, last_used_at, revoked_at`

func (r *TokenRepository) Create(ctx context.Context, token model.Token) (model.Token, error) {
	query := `
		INSERT INTO tokens (id, user_id, name, prefix, salt, secret_hash, can_read, can_write, can_admin, crate_scopes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`
	err := r.db.QueryRow(ctx, query,
		token.ID, token.UserID, token.Name, token.Prefix, token.Salt, token.SecretHash,
		token.CanRead, token.CanWrite, token.CanAdmin, token.CrateScopes,
	).Scan(&token.CreatedAt)
	if err != nil {
		return model.Token{}, err
	}
	return token, nil
}

func (r *TokenRepository) GetByPrefix(ctx context.Context, prefix string) ([]model.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE prefix = $1 AND revoked_at IS NULL`
	rows, err := r.db.Query(ctx, query, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []model.Token
	for rows.Next() {
		var t model.Token
		err := rows.Scan(
			&t.ID, &t.UserID, &t.Name, &t.Prefix, &t.Salt, &t.SecretHash,
			&t.CanRead, &t.CanWrite, &t.CanAdmin, &t.CrateScopes,
			&t.CreatedAt, &t.LastUsedAt, &t.RevokedAt,
		)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *TokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]model.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE user_id = $1 AND revoked_at IS NULL ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []model.Token
	for rows.Next() {
		var t model.Token
		err := rows.Scan(
			&t.ID, &t.UserID, &t.Name, &t.Prefix, &t.Salt, &t.SecretHash,
			&t.CanRead, &t.CanWrite, &t.CanAdmin, &t.CrateScopes,
			&t.CreatedAt, &t.LastUsedAt, &t.RevokedAt,
		)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *TokenRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	const query = `UPDATE tokens SET last_used_at = $2 WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id, at)
	return err
}

func (r *TokenRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE tokens SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`
	cmd, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
