package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	pkgerrors "github.com/paykit/engine/pkg/errors"
)

// TransactionRepository implements ports.TransactionRepository on
// PostgreSQL. Updates are compare-and-swap on the version column.
type TransactionRepository struct {
	db ports.DBPort
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db ports.DBPort) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) q(db ports.DBTX) ports.DBTX {
	if db != nil {
		return db
	}
	return r.db.GetDB()
}

const transactionColumns = `provider, transaction_id, user_id, product_id, type,
	created_at, starts_at, payment_expires_at, purchased_at, completed_at, canceled_at,
	duration_seconds, original_transaction_id, raw, version, schema_version`

// Insert persists a new transaction
func (r *TransactionRepository) Insert(ctx context.Context, tx ports.DBTX, t *models.Transaction) error {
	_, err := r.q(tx).Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.Provider,
		t.TransactionID,
		t.UserID,
		t.ProductID,
		string(t.Type),
		t.CreatedAt,
		t.StartsAt,
		t.PaymentExpiresAt,
		nullTimestamptz(t.PurchasedAt),
		nullTimestamptz(t.CompletedAt),
		nullTimestamptz(t.CanceledAt),
		int64(t.Duration/time.Second),
		nullText(t.OriginalTransactionID),
		rawOrEmpty(t.Raw),
		t.Version,
		t.SchemaVersion,
	)
	if err != nil {
		return mapInsertErr(err, fmt.Sprintf("transaction %s/%s", t.Provider, t.TransactionID))
	}
	return nil
}

// Get retrieves a transaction by its identity
func (r *TransactionRepository) Get(ctx context.Context, db ports.DBTX, provider, transactionID string) (*models.Transaction, error) {
	row := r.q(db).QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE provider = $1 AND transaction_id = $2`,
		provider, transactionID)

	t, err := scanTransaction(row)
	if err != nil {
		return nil, mapGetErr(err, fmt.Sprintf("transaction %s/%s", provider, transactionID))
	}
	return t, nil
}

// Update writes the record guarded by its version
func (r *TransactionRepository) Update(ctx context.Context, tx ports.DBTX, t *models.Transaction) error {
	tag, err := r.q(tx).Exec(ctx, `
		UPDATE transactions
		SET purchased_at = $1,
		    completed_at = $2,
		    canceled_at = $3,
		    raw = $4,
		    version = version + 1,
		    schema_version = $5
		WHERE provider = $6 AND transaction_id = $7 AND version = $8`,
		nullTimestamptz(t.PurchasedAt),
		nullTimestamptz(t.CompletedAt),
		nullTimestamptz(t.CanceledAt),
		rawOrEmpty(t.Raw),
		t.SchemaVersion,
		t.Provider,
		t.TransactionID,
		t.Version,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.Newf(pkgerrors.KindConflict,
			"transaction %s/%s version %d is stale", t.Provider, t.TransactionID, t.Version)
	}
	t.Version++
	return nil
}

// ListPending returns non-terminal transactions for the provider
func (r *TransactionRepository) ListPending(ctx context.Context, db ports.DBTX, provider string, expiresBefore *time.Time) ([]*models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE provider = $1 AND completed_at IS NULL AND canceled_at IS NULL`
	args := []any{provider}
	if expiresBefore != nil {
		query += ` AND payment_expires_at <= $2`
		args = append(args, *expiresBefore)
	}
	query += ` ORDER BY created_at`

	rows, err := r.q(db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListByOriginal returns all transactions linked to a subscription
func (r *TransactionRepository) ListByOriginal(ctx context.Context, db ports.DBTX, provider, originalTransactionID string) ([]*models.Transaction, error) {
	rows, err := r.q(db).Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE provider = $1 AND original_transaction_id = $2
		ORDER BY created_at`,
		provider, originalTransactionID)
	if err != nil {
		return nil, fmt.Errorf("list transactions by original: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListCompletedPurchases returns a user's completed purchase transactions
func (r *TransactionRepository) ListCompletedPurchases(ctx context.Context, db ports.DBTX, userID string) ([]*models.Transaction, error) {
	rows, err := r.q(db).Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE user_id = $1 AND type = $2 AND completed_at IS NOT NULL
		ORDER BY created_at`,
		userID, string(models.ProductTypePurchase))
	if err != nil {
		return nil, fmt.Errorf("list completed purchases: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var (
		t               models.Transaction
		typ             string
		purchasedAt     pgtype.Timestamptz
		completedAt     pgtype.Timestamptz
		canceledAt      pgtype.Timestamptz
		durationSeconds int64
		originalID      pgtype.Text
	)
	err := row.Scan(
		&t.Provider,
		&t.TransactionID,
		&t.UserID,
		&t.ProductID,
		&typ,
		&t.CreatedAt,
		&t.StartsAt,
		&t.PaymentExpiresAt,
		&purchasedAt,
		&completedAt,
		&canceledAt,
		&durationSeconds,
		&originalID,
		&t.Raw,
		&t.Version,
		&t.SchemaVersion,
	)
	if err != nil {
		return nil, err
	}

	t.Type = models.ProductType(typ)
	t.PurchasedAt = timestamptzPtr(purchasedAt)
	t.CompletedAt = timestamptzPtr(completedAt)
	t.CanceledAt = timestamptzPtr(canceledAt)
	t.Duration = time.Duration(durationSeconds) * time.Second
	t.OriginalTransactionID = originalID.String
	return &t, nil
}
