package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cratery/cratery/internal/model"
)

var _ model.VersionStore = (*VersionRepository)(nil)

type VersionRepository struct {
	db *Connection
}

func NewVersionRepository(db *Connection) *VersionRepository {
	return &VersionRepository{
		db: db,
	}
}

const versionColumns = `package, version, state, content_hash, size_bytes, uploaded_by, uploaded_at, index_entry, docs_state, docs_reason, downloads`

func scanVersion(row pgx.Row) (model.Version, error) {
	var v model.Version
	err := row.Scan(
		&v.Package, &v.Version, &v.State, &v.ContentHash, &v.SizeBytes,
		&v.UploadedBy, &v.UploadedAt, &v.IndexEntry, &v.DocsState, &v.DocsReason, &v.Downloads,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Version{}, model.ErrNotFound
		}
		return model.Version{}, err
	}
	return v, nil
}

func (r *VersionRepository) Create(ctx context.Context, version model.Version) (model.Version, error) {
	query := `
		INSERT INTO versions (package, version, state, content_hash, size_bytes, uploaded_by, index_entry, docs_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + versionColumns
	v, err := scanVersion(r.db.QueryRow(ctx, query,
		model.NormalizeName(version.Package), version.Version, string(version.State),
		version.ContentHash, version.SizeBytes, version.UploadedBy, version.IndexEntry, string(version.DocsState),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Version{}, model.ErrAlreadyExists
		}
		return model.Version{}, err
	}
	return v, nil
}

func (r *VersionRepository) Get(ctx context.Context, pkg, semver string) (model.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM versions WHERE package = $1 AND version = $2`
	return scanVersion(r.db.QueryRow(ctx, query, model.NormalizeName(pkg), semver))
}

func (r *VersionRepository) GetByPackage(ctx context.Context, pkg string) ([]model.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM versions WHERE package = $1 ORDER BY uploaded_at ASC`
	rows, err := r.db.Query(ctx, query, model.NormalizeName(pkg))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []model.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return versions, nil
}

func (r *VersionRepository) SetState(ctx context.Context, pkg, semver string, state model.VersionState) error {
	const query = `
		UPDATE versions
		SET state = $3, index_entry = jsonb_set(index_entry, '{yanked}', to_jsonb($3 = 'yanked'))
		WHERE package = $1 AND version = $2`
	cmd, err := r.db.Exec(ctx, query, model.NormalizeName(pkg), semver, string(state))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *VersionRepository) SetDocsState(ctx context.Context, pkg, semver string, state model.DocsState, reason string) error {
	const query = `UPDATE versions SET docs_state = $3, docs_reason = $4 WHERE package = $1 AND version = $2`
	cmd, err := r.db.Exec(ctx, query, model.NormalizeName(pkg), semver, string(state), reason)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *VersionRepository) Delete(ctx context.Context, pkg, semver string) error {
	const query = `DELETE FROM versions WHERE package = $1 AND version = $2`
	cmd, err := r.db.Exec(ctx, query, model.NormalizeName(pkg), semver)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *VersionRepository) CountByHash(ctx context.Context, hash string) (int, error) {
	const query = `SELECT COUNT(*) FROM versions WHERE content_hash = $1`
	var count int
	if err := r.db.QueryRow(ctx, query, hash).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *VersionRepository) IncrementDownloads(ctx context.Context, pkg, semver string) error {
	const query = `UPDATE versions SET downloads = downloads + 1 WHERE package = $1 AND version = $2`
	_, err := r.db.Exec(ctx, query, model.NormalizeName(pkg), semver)
	return err
}

func (r *VersionRepository) ListAll(ctx context.Context) ([]model.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM versions ORDER BY package, uploaded_at ASC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []model.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return versions, nil
}
