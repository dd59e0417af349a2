package users

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countRow struct{ n int64 }

func (r countRow) Scan(dest ...any) error {
	switch d := dest[0].(type) {
	case *int64:
		*d = r.n
	case *int:
		*d = int(r.n)
	}
	return nil
}

type recordingTx struct {
	pgx.Tx
	statements []string
	knownRoles int64
	committed  bool
}

func (t *recordingTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	t.statements = append(t.statements, sql)
	if strings.Contains(sql, "COUNT(*)") {
		return countRow{n: t.knownRoles}
	}
	return countRow{n: args[0].(int64)}
}

func (t *recordingTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.statements = append(t.statements, sql)
	return pgconn.CommandTag{}, nil
}

func (t *recordingTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *recordingTx) Rollback(ctx context.Context) error { return nil }

type recordingBeginner struct {
	opts []pgx.TxOptions
	tx   *recordingTx
}

func (b *recordingBeginner) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.opts = append(b.opts, opts)
	return b.tx, nil
}

func TestReplaceRolesLocksUserByUpdatingIt(t *testing.T) {
	b := &recordingBeginner{tx: &recordingTx{knownRoles: 2}}
	repo := &Repository{txs: b}

	require.NoError(t, repo.ReplaceRoles(context.Background(), 12, []int64{3, 5}))

	require.Len(t, b.opts, 1)
	assert.Equal(t, pgx.ReadCommitted, b.opts[0].IsoLevel)
	require.Len(t, b.tx.statements, 4)
	assert.True(t, strings.HasPrefix(b.tx.statements[0], "UPDATE users SET updated_at"))
	assert.Contains(t, b.tx.statements[1], "DELETE FROM user_roles")
	assert.Contains(t, b.tx.statements[3], "INSERT INTO user_roles")
	assert.True(t, b.tx.committed)
}
