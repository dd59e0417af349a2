package users

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labdesk/labdesk/internal/platform/db"
	"github.com/labdesk/labdesk/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
	txs  db.Beginner
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, txs: pool}
}

var roleTxOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

const userSelect = `
	SELECT u.id, u.email, u.name, u.is_active, u.created_at, u.updated_at,
	       COALESCE(array_agg(ur.role_id ORDER BY ur.role_id) FILTER (WHERE ur.role_id IS NOT NULL), '{}')
	FROM users u
	LEFT JOIN user_roles ur ON ur.user_id = u.id`

// ListUsers returns users matching the filters and the total match count.
func (r *Repository) ListUsers(ctx context.Context, filters ListFilters) ([]User, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM users
		WHERE $1 = '' OR email ILIKE '%' || $1 || '%' OR name ILIKE '%' || $1 || '%'`, filters.Search).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, userSelect+`
		WHERE $1 = '' OR u.email ILIKE '%' || $1 || '%' OR u.name ILIKE '%' || $1 || '%'
		GROUP BY u.id
		ORDER BY u.id
		LIMIT $2 OFFSET $3`, filters.Search, filters.Limit, filters.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, user)
	}
	return users, total, rows.Err()
}

// GetUser loads one user with role ids.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, userSelect+` WHERE u.id = $1 GROUP BY u.id`, id))
	if err != nil {
		return User{}, db.TranslateError(err, "user")
	}
	return user, nil
}

// CreateUser inserts the account and its role assignments atomically.
func (r *Repository) CreateUser(ctx context.Context, in CreateUserInput, passwordHash string) (int64, error) {
	var id int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO users (email, name, password_hash, is_active)
			VALUES (lower($1), $2, $3, TRUE)
			RETURNING id`, in.Email, in.Name, passwordHash).Scan(&id); err != nil {
			return db.TranslateError(err, "user")
		}
		return assignRoles(ctx, tx, id, in.RoleIDs)
	})
	return id, err
}

// ReplaceRoles sets exactly roleIDs for the user. Updating the user row first
// holds its lock until commit, and read committed lets the DELETE see roles a
// previous holder inserted.
func (r *Repository) ReplaceRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	return db.RunTx(ctx, r.txs, roleTxOptions, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, `UPDATE users SET updated_at = NOW() WHERE id = $1 RETURNING id`, userID).Scan(&id); err != nil {
			return db.TranslateError(err, "user")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
			return err
		}
		return assignRoles(ctx, tx, userID, roleIDs)
	})
}

func assignRoles(ctx context.Context, tx pgx.Tx, userID int64, roleIDs []int64) error {
	if len(roleIDs) == 0 {
		return nil
	}
	var known int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM roles WHERE id = ANY($1)`, roleIDs).Scan(&known); err != nil {
		return err
	}
	if known != len(roleIDs) {
		return fmt.Errorf("%w: unknown role id", httpx.ErrValidation)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING`, userID, roleIDs)
	return err
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.IsActive, &user.CreatedAt, &user.UpdatedAt, &user.RoleIDs)
	return user, err
}

var _ RepositoryPort = (*Repository)(nil)
