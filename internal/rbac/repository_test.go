package rbac

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdesk/labdesk/internal/platform/httpx"
)

type scriptedRow struct {
	id  int64
	err error
}

func (r scriptedRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int64)) = r.id
	return nil
}

type scriptedTx struct {
	pgx.Tx
	statements []string
	rowErr     error
	committed  bool
}

func (t *scriptedTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	t.statements = append(t.statements, sql)
	return scriptedRow{id: args[0].(int64), err: t.rowErr}
}

func (t *scriptedTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.statements = append(t.statements, sql)
	return pgconn.CommandTag{}, nil
}

func (t *scriptedTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *scriptedTx) Rollback(ctx context.Context) error { return nil }

type scriptedBeginner struct {
	opts []pgx.TxOptions
	tx   *scriptedTx
}

func (b *scriptedBeginner) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.opts = append(b.opts, opts)
	return b.tx, nil
}

func TestReplaceGrantsLocksRoleByUpdatingIt(t *testing.T) {
	b := &scriptedBeginner{tx: &scriptedTx{}}
	repo := &Repository{txs: b}

	err := repo.ReplaceGrants(context.Background(), 4, []Grant{{Resource: "patients", Action: "view"}})
	require.NoError(t, err)

	require.Len(t, b.opts, 1)
	assert.Equal(t, pgx.ReadCommitted, b.opts[0].IsoLevel)
	require.Len(t, b.tx.statements, 3)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(b.tx.statements[0]), "UPDATE roles SET updated_at"))
	assert.Contains(t, b.tx.statements[1], "DELETE FROM role_permissions")
	assert.Contains(t, b.tx.statements[2], "INSERT INTO role_permissions")
	assert.True(t, b.tx.committed)
}

func TestReplaceGrantsUnknownRole(t *testing.T) {
	b := &scriptedBeginner{tx: &scriptedTx{rowErr: pgx.ErrNoRows}}
	repo := &Repository{txs: b}

	err := repo.ReplaceGrants(context.Background(), 99, nil)
	assert.ErrorIs(t, err, httpx.ErrNotFound)
	assert.Len(t, b.tx.statements, 1)
	assert.False(t, b.tx.committed)
}

func TestReplaceGrantsRefusesSuperAdmin(t *testing.T) {
	b := &scriptedBeginner{tx: &scriptedTx{}}
	repo := &Repository{txs: b}

	err := repo.ReplaceGrants(context.Background(), SuperAdminRoleID, nil)
	assert.True(t, errors.Is(err, ErrSuperAdminImmutable))
	assert.Empty(t, b.opts)
}
