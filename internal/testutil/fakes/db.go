// Package fakes provides in-memory implementations of the persistence
// ports with the same atomicity contracts as the PostgreSQL adapters:
// duplicate detection on insert and version compare-and-swap on update.
package fakes

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB satisfies ports.DBPort without a database. WithTransaction runs the
// callback directly; the in-memory repositories ignore the tx argument, so
// multi-aggregate orderings behave as a single atomic step as long as the
// callback does not fail midway.
type DB struct{}

func NewDB() *DB { return &DB{} }

func (db *DB) GetDB() *pgxpool.Pool { return nil }

func (db *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return fn(ctx, nil)
}
