package postgres

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	pkgerrors "github.com/paykit/engine/pkg/errors"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// nullText creates a pgtype.Text with empty string handling
func nullText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// nullTimestamptz converts an optional time to pgtype.Timestamptz
func nullTimestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil || t.IsZero() {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

// timestamptzPtr converts a nullable column back to an optional time
func timestamptzPtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// zeroPtr converts a zero time to nil for nullable columns
func zeroPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// rawOrEmpty defaults a missing raw payload to an empty JSON object so
// the jsonb column stays non-null.
func rawOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// mapInsertErr maps a unique violation onto duplicate_aggregate so callers
// can distinguish replays from storage failures.
func mapInsertErr(err error, what string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pkgerrors.Wrap(pkgerrors.KindDuplicateAggregate, what+" already exists", err)
	}
	return err
}

// mapGetErr maps pgx.ErrNoRows onto not_found.
func mapGetErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return pkgerrors.Wrap(pkgerrors.KindNotFound, what+" not found", err)
	}
	return err
}
