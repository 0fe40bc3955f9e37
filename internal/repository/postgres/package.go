package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cratery/cratery/internal/model"
)

var _ model.PackageStore = (*PackageRepository)(nil)

type PackageRepository struct {
	db *Connection
}

func NewPackageRepository(db *Connection) *PackageRepository {
	return &PackageRepository{
		db: db,
	}
}

func (r *PackageRepository) GetByName(ctx context.Context, name string) (model.Package, error) {
	query := `
		SELECT name, display_name, description, deprecation, target_registry, created_at
		FROM packages WHERE name = $1`

	var pkg model.Package
	err := r.db.QueryRow(ctx, query, model.NormalizeName(name)).Scan(
		&pkg.Name, &pkg.DisplayName, &pkg.Description, &pkg.Deprecation, &pkg.TargetRegistry, &pkg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Package{}, model.ErrNotFound
		}
		return model.Package{}, err
	}
	return pkg, nil
}

// Create inserts the package with its first owner in one transaction, so a
// package is never observable without an owner.
func (r *PackageRepository) Create(ctx context.Context, pkg model.Package, owner uuid.UUID) (model.Package, error) {
	pkg.Name = model.NormalizeName(pkg.DisplayName)
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO packages (name, display_name, description, target_registry)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at`,
			pkg.Name, pkg.DisplayName, pkg.Description, pkg.TargetRegistry,
		).Scan(&pkg.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return model.ErrAlreadyExists
			}
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO package_owners (package, user_id) VALUES ($1, $2)`, pkg.Name, owner)
		return err
	})
	if err != nil {
		return model.Package{}, err
	}
	return pkg, nil
}

func (r *PackageRepository) SetDeprecation(ctx context.Context, name string, notice *string) error {
	const query = `UPDATE packages SET deprecation = $2 WHERE name = $1`
	cmd, err := r.db.Exec(ctx, query, model.NormalizeName(name), notice)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *PackageRepository) Owners(ctx context.Context, name string) ([]model.User, error) {
	query := `
		SELECT u.id, u.login, u.name, u.email, u.role, u.external_subject, u.is_active, u.created_at, u.updated_at
		FROM package_owners o
		JOIN users u ON u.id = o.user_id
		WHERE o.package = $1
		ORDER BY u.login`

	rows, err := r.db.Query(ctx, query, model.NormalizeName(name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *PackageRepository) IsOwner(ctx context.Context, name string, userID uuid.UUID) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM package_owners WHERE package = $1 AND user_id = $2)`
	var ok bool
	if err := r.db.QueryRow(ctx, query, model.NormalizeName(name), userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (r *PackageRepository) AddOwner(ctx context.Context, name string, userID uuid.UUID) error {
	const query = `INSERT INTO package_owners (package, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := r.db.Exec(ctx, query, model.NormalizeName(name), userID)
	return err
}

// RemoveOwner deletes the ownership row unless it is the last one; the check
// and the delete share a transaction so concurrent removals cannot strip the
// final owner.
func (r *PackageRepository) RemoveOwner(ctx context.Context, name string, userID uuid.UUID) error {
	norm := model.NormalizeName(name)
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM package_owners WHERE package = $1 FOR UPDATE`, norm).Scan(&count); err != nil {
			return fmt.Errorf("failed to count owners: %w", err)
		}
		if count <= 1 {
			return model.ErrLastOwner
		}
		cmd, err := tx.Exec(ctx, `DELETE FROM package_owners WHERE package = $1 AND user_id = $2`, norm, userID)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return model.ErrNotFound
		}
		return nil
	})
}

func (r *PackageRepository) Search(ctx context.Context, query string, offset, limit int) ([]model.SearchRow, int, error) {
	const sql = `
		SELECT p.name, p.display_name, p.description, p.deprecation IS NOT NULL,
		       COUNT(*) OVER ()
		FROM packages p
		WHERE p.name LIKE '%' || $1 || '%' OR p.description ILIKE '%' || $1 || '%'
		ORDER BY p.name
		OFFSET $2 LIMIT $3`

	rows, err := r.db.Query(ctx, sql, model.NormalizeName(query), offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.SearchRow
	var names []string
	total := 0
	for rows.Next() {
		var name string
		var row model.SearchRow
		if err := rows.Scan(&name, &row.Name, &row.Description, &row.IsDeprecated, &total); err != nil {
			return nil, 0, err
		}
		names = append(names, name)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(out) == 0 {
		return out, total, nil
	}

	maxVersions, err := r.maxActiveVersions(ctx, names)
	if err != nil {
		return nil, 0, err
	}
	for i := range out {
		out[i].MaxVersion = maxVersions[names[i]]
	}
	return out, total, nil
}

// maxActiveVersions picks the highest active version per package by semver
// ordering; upload order is irrelevant.
func (r *PackageRepository) maxActiveVersions(ctx context.Context, names []string) (map[string]string, error) {
	const query = `SELECT package, version FROM versions WHERE package = ANY($1) AND state = 'active'`
	rows, err := r.db.Query(ctx, query, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	best := make(map[string]*semver.Version, len(names))
	out := make(map[string]string, len(names))
	for rows.Next() {
		var pkg, vers string
		if err := rows.Scan(&pkg, &vers); err != nil {
			return nil, err
		}
		parsed, err := semver.StrictNewVersion(vers)
		if err != nil {
			// Versions are validated at publish time; skip anything odd.
			continue
		}
		if cur, ok := best[pkg]; !ok || parsed.GreaterThan(cur) {
			best[pkg] = parsed
			out[pkg] = vers
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
