package roles

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labdesk/labdesk/internal/platform/db"
	"github.com/labdesk/labdesk/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roleColumns = `id, name, is_core, created_at, updated_at`

// ListRoles returns all roles ordered by id.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.IsCore, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// GetRole loads one role.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Name, &role.IsCore, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, db.TranslateError(err, "role")
	}
	return role, nil
}

// CreateRole inserts a new non-core role.
func (r *Repository) CreateRole(ctx context.Context, name string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `
		INSERT INTO roles (name, is_core, created_at, updated_at)
		VALUES ($1, FALSE, NOW(), NOW())
		RETURNING `+roleColumns, name).
		Scan(&role.ID, &role.Name, &role.IsCore, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, db.TranslateError(err, "role")
	}
	return role, nil
}

// RenameRole updates the role's name.
func (r *Repository) RenameRole(ctx context.Context, id int64, name string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `
		UPDATE roles SET name = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+roleColumns, id, name).
		Scan(&role.ID, &role.Name, &role.IsCore, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, db.TranslateError(err, "role")
	}
	return role, nil
}

// DeleteRole removes a non-core role. Grants cascade; assigned users block the
// delete through the user_roles foreign key.
func (r *Repository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1 AND NOT is_core`, id)
	if err != nil {
		return db.TranslateError(err, "role")
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

var _ RepositoryPort = (*Repository)(nil)
