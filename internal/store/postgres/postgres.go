// Package postgres implements the store contracts on PostgreSQL via pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cohortvault/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema applies the schema. Every statement is idempotent, so this
// is safe to run on each startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// NewStores returns the full store bundle backed by one pool.
func NewStores(pool *pgxpool.Pool) store.Stores {
	return store.Stores{
		Files:      NewFileStore(pool),
		Runs:       NewRunStore(pool),
		Identities: NewIdentityStore(pool),
		PHI:        NewPHIStore(pool),
	}
}

// mapErr translates pgx sentinel errors into store sentinels.
func mapErr(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
