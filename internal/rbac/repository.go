package rbac

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labdesk/labdesk/internal/platform/db"
)

// RepositoryPort defines data access for the catalog and grant store.
type RepositoryPort interface {
	CatalogLoader
	GetRoleRef(ctx context.Context, roleID int64) (RoleRef, error)
	GetGrants(ctx context.Context, roleID int64) ([]Grant, error)
	ReplaceGrants(ctx context.Context, roleID int64, grants []Grant) error
	UserRoles(ctx context.Context, userID int64) ([]RoleRef, error)
	UserGrants(ctx context.Context, userID int64) ([]Grant, error)
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
	txs  db.Beginner
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, txs: pool}
}

// grantTxOptions runs grant replacement at read committed: each statement sees
// rows committed by an editor that held the role lock before us.
var grantTxOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// ListCatalog returns every permission ordered by resource then action.
func (r *Repository) ListCatalog(ctx context.Context) ([]CatalogEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT resource, action, description FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []CatalogEntry
	for rows.Next() {
		var e CatalogEntry
		if err := rows.Scan(&e.Resource, &e.Action, &e.Description); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetRoleRef loads the role identity.
func (r *Repository) GetRoleRef(ctx context.Context, roleID int64) (RoleRef, error) {
	var ref RoleRef
	err := r.pool.QueryRow(ctx, `SELECT id, name, is_core FROM roles WHERE id = $1`, roleID).Scan(&ref.ID, &ref.Name, &ref.IsCore)
	if err != nil {
		return RoleRef{}, db.TranslateError(err, "role")
	}
	return ref, nil
}

// GetGrants lists a role's grants. Grants are joined to the catalog so rows
// for removed permissions never surface.
func (r *Repository) GetGrants(ctx context.Context, roleID int64) ([]Grant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.resource, p.action
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.resource, p.action`, roleID)
	if err != nil {
		return nil, err
	}
	return scanGrants(rows)
}

// ReplaceGrants sets exactly grants for the role in one transaction. The role
// row is updated first, which locks it until commit, so concurrent editors of
// the same role serialize and the last one to commit wins.
func (r *Repository) ReplaceGrants(ctx context.Context, roleID int64, grants []Grant) error {
	if roleID == SuperAdminRoleID {
		return ErrSuperAdminImmutable
	}
	resources := make([]string, len(grants))
	actions := make([]string, len(grants))
	for i, g := range grants {
		resources[i] = g.Resource
		actions[i] = g.Action
	}
	return db.RunTx(ctx, r.txs, grantTxOptions, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1 RETURNING id`, roleID).Scan(&id); err != nil {
			return db.TranslateError(err, "role")
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM role_permissions rp
			USING permissions p
			WHERE rp.permission_id = p.id
			  AND rp.role_id = $1
			  AND NOT EXISTS (
			      SELECT 1 FROM unnest($2::text[], $3::text[]) AS g(resource, action)
			      WHERE g.resource = p.resource AND g.action = p.action
			  )`, roleID, resources, actions); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO role_permissions (role_id, permission_id)
			SELECT $1, p.id
			FROM permissions p
			JOIN unnest($2::text[], $3::text[]) AS g(resource, action)
			  ON g.resource = p.resource AND g.action = p.action
			ON CONFLICT DO NOTHING`, roleID, resources, actions)
		return err
	})
}

// UserRoles lists the roles assigned to a user, lowest id first.
func (r *Repository) UserRoles(ctx context.Context, userID int64) ([]RoleRef, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.id, r.name, r.is_core
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []RoleRef
	for rows.Next() {
		var ref RoleRef
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.IsCore); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// UserGrants returns the deduplicated grants of every role assigned to the user.
func (r *Repository) UserGrants(ctx context.Context, userID int64) ([]Grant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT p.resource, p.action
		FROM user_roles ur
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1
		ORDER BY p.resource, p.action`, userID)
	if err != nil {
		return nil, err
	}
	return scanGrants(rows)
}

func scanGrants(rows pgx.Rows) ([]Grant, error) {
	defer rows.Close()
	var grants []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.Resource, &g.Action); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
