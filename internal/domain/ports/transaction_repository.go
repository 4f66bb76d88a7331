package ports

import (
	"context"
	"time"

	"github.com/paykit/engine/internal/domain/models"
)

// TransactionRepository defines the interface for transaction persistence.
// Mutations are atomic per aggregate: Update is a compare-and-swap on the
// record's version and fails with conflict when the stored version moved.
type TransactionRepository interface {
	// Insert persists a new transaction; fails with duplicate_aggregate
	// when the (provider, transactionID) identity already exists.
	Insert(ctx context.Context, tx DBTX, t *models.Transaction) error

	// Get returns the full record or not_found.
	Get(ctx context.Context, db DBTX, provider, transactionID string) (*models.Transaction, error)

	// Update writes the record guarded by t.Version and increments the
	// version on success; fails with conflict on a stale version.
	Update(ctx context.Context, tx DBTX, t *models.Transaction) error

	// ListPending returns non-terminal transactions for the provider.
	// A non-nil expiresBefore filters to paymentExpiresAt <= expiresBefore.
	ListPending(ctx context.Context, db DBTX, provider string, expiresBefore *time.Time) ([]*models.Transaction, error)

	// ListByOriginal returns all transactions linked to a subscription,
	// in creation order.
	ListByOriginal(ctx context.Context, db DBTX, provider, originalTransactionID string) ([]*models.Transaction, error)

	// ListCompletedPurchases returns a user's completed purchase-type
	// transactions across providers.
	ListCompletedPurchases(ctx context.Context, db DBTX, userID string) ([]*models.Transaction, error)
}
