package ports

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the query surface shared by a pool and an open transaction.
// Repository methods accept it so multi-aggregate write orderings can run
// inside one store transaction when the caller needs it; passing nil makes
// the repository fall back to its pool.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DBPort abstracts the database connection and transaction management
type DBPort interface {
	GetDB() *pgxpool.Pool

	// WithTransaction executes fn within a transaction, committing on nil
	// and rolling back on error.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}
