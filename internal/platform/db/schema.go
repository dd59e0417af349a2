package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the bootstrap DDL.
func Schema() string {
	return schemaSQL
}

// Bootstrap applies the idempotent schema to the database.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("platform/db: bootstrap schema: %w", err)
	}
	return nil
}
