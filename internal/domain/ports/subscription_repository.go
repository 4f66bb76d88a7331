package ports

import (
	"context"
	"time"

	"github.com/paykit/engine/internal/domain/models"
)

// SubscriptionRepository defines the interface for subscription
// persistence with the same per-aggregate CAS contract as transactions.
type SubscriptionRepository interface {
	// Insert persists a new subscription; fails with duplicate_aggregate
	// when the (provider, originalTransactionID) identity exists.
	Insert(ctx context.Context, tx DBTX, s *models.Subscription) error

	// Get returns the full record or not_found.
	Get(ctx context.Context, db DBTX, provider, originalTransactionID string) (*models.Subscription, error)

	// Update writes the record guarded by s.Version and increments the
	// version on success; fails with conflict on a stale version.
	Update(ctx context.Context, tx DBTX, s *models.Subscription) error

	// ListDueForRenewal returns confirmed, renewal-enabled, non-canceled
	// subscriptions with expiresAt - now <= renewalBefore and expiresAt > now.
	ListDueForRenewal(ctx context.Context, db DBTX, provider string, now time.Time, renewalBefore time.Duration) ([]*models.Subscription, error)

	// ListLiveForUserGroup returns the user's non-canceled subscriptions
	// in the product group that still claim it: pending, not-start, or
	// active at now.
	ListLiveForUserGroup(ctx context.Context, db DBTX, userID, group string, now time.Time) ([]*models.Subscription, error)

	// ListByUser returns every subscription of the user, canceled included.
	ListByUser(ctx context.Context, db DBTX, userID string) ([]*models.Subscription, error)

	// ListUnlinked returns confirmed, non-canceled subscriptions whose
	// subscribed linkage event was never received (renewal still disabled).
	ListUnlinked(ctx context.Context, db DBTX, provider string) ([]*models.Subscription, error)
}
