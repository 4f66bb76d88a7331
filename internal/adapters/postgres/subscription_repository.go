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

// SubscriptionRepository implements ports.SubscriptionRepository on
// PostgreSQL with the same version-guarded update contract as
// transactions.
type SubscriptionRepository struct {
	db ports.DBPort
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db ports.DBPort) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) q(db ports.DBTX) ports.DBTX {
	if db != nil {
		return db
	}
	return r.db.GetDB()
}

const subscriptionColumns = `provider, original_transaction_id, user_id, product_id, product_group,
	transaction_ids, starts_at, expires_at, canceled_at, renewal_enabled,
	last_failed_at, renewal_attempts, version, schema_version`

// Insert persists a new subscription
func (r *SubscriptionRepository) Insert(ctx context.Context, tx ports.DBTX, s *models.Subscription) error {
	_, err := r.q(tx).Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.Provider,
		s.OriginalTransactionID,
		s.UserID,
		s.ProductID,
		s.ProductGroup,
		s.TransactionIDs,
		nullTimestamptz(zeroPtr(s.StartsAt)),
		nullTimestamptz(zeroPtr(s.ExpiresAt)),
		nullTimestamptz(s.CanceledAt),
		s.RenewalEnabled,
		nullTimestamptz(s.LastFailedAt),
		s.RenewalAttempts,
		s.Version,
		s.SchemaVersion,
	)
	if err != nil {
		return mapInsertErr(err, fmt.Sprintf("subscription %s/%s", s.Provider, s.OriginalTransactionID))
	}
	return nil
}

// Get retrieves a subscription by its identity
func (r *SubscriptionRepository) Get(ctx context.Context, db ports.DBTX, provider, originalTransactionID string) (*models.Subscription, error) {
	row := r.q(db).QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE provider = $1 AND original_transaction_id = $2`,
		provider, originalTransactionID)

	s, err := scanSubscription(row)
	if err != nil {
		return nil, mapGetErr(err, fmt.Sprintf("subscription %s/%s", provider, originalTransactionID))
	}
	return s, nil
}

// Update writes the record guarded by its version
func (r *SubscriptionRepository) Update(ctx context.Context, tx ports.DBTX, s *models.Subscription) error {
	tag, err := r.q(tx).Exec(ctx, `
		UPDATE subscriptions
		SET transaction_ids = $1,
		    starts_at = $2,
		    expires_at = $3,
		    canceled_at = $4,
		    renewal_enabled = $5,
		    last_failed_at = $6,
		    renewal_attempts = $7,
		    version = version + 1,
		    schema_version = $8
		WHERE provider = $9 AND original_transaction_id = $10 AND version = $11`,
		s.TransactionIDs,
		nullTimestamptz(zeroPtr(s.StartsAt)),
		nullTimestamptz(zeroPtr(s.ExpiresAt)),
		nullTimestamptz(s.CanceledAt),
		s.RenewalEnabled,
		nullTimestamptz(s.LastFailedAt),
		s.RenewalAttempts,
		s.SchemaVersion,
		s.Provider,
		s.OriginalTransactionID,
		s.Version,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.Newf(pkgerrors.KindConflict,
			"subscription %s/%s version %d is stale", s.Provider, s.OriginalTransactionID, s.Version)
	}
	s.Version++
	return nil
}

// ListDueForRenewal returns renewal-enabled subscriptions inside their
// renewal window
func (r *SubscriptionRepository) ListDueForRenewal(ctx context.Context, db ports.DBTX, provider string, now time.Time, renewalBefore time.Duration) ([]*models.Subscription, error) {
	rows, err := r.q(db).Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE provider = $1
		  AND canceled_at IS NULL
		  AND renewal_enabled
		  AND expires_at IS NOT NULL
		  AND expires_at > $2
		  AND expires_at <= $3
		ORDER BY expires_at`,
		provider, now, now.Add(renewalBefore))
	if err != nil {
		return nil, fmt.Errorf("list subscriptions due for renewal: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ListLiveForUserGroup returns the user's live subscriptions in the group
func (r *SubscriptionRepository) ListLiveForUserGroup(ctx context.Context, db ports.DBTX, userID, group string, now time.Time) ([]*models.Subscription, error) {
	rows, err := r.q(db).Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1
		  AND product_group = $2
		  AND canceled_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY expires_at NULLS FIRST`,
		userID, group, now)
	if err != nil {
		return nil, fmt.Errorf("list live subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ListByUser returns every subscription of the user
func (r *SubscriptionRepository) ListByUser(ctx context.Context, db ports.DBTX, userID string) ([]*models.Subscription, error) {
	rows, err := r.q(db).Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY starts_at NULLS LAST`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by user: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ListUnlinked returns confirmed subscriptions whose subscribed linkage
// never arrived
func (r *SubscriptionRepository) ListUnlinked(ctx context.Context, db ports.DBTX, provider string) ([]*models.Subscription, error) {
	rows, err := r.q(db).Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE provider = $1
		  AND canceled_at IS NULL
		  AND NOT renewal_enabled
		  AND expires_at IS NOT NULL
		ORDER BY expires_at`,
		provider)
	if err != nil {
		return nil, fmt.Errorf("list unlinked subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows pgx.Rows) ([]*models.Subscription, error) {
	var out []*models.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var (
		s            models.Subscription
		startsAt     pgtype.Timestamptz
		expiresAt    pgtype.Timestamptz
		canceledAt   pgtype.Timestamptz
		lastFailedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&s.Provider,
		&s.OriginalTransactionID,
		&s.UserID,
		&s.ProductID,
		&s.ProductGroup,
		&s.TransactionIDs,
		&startsAt,
		&expiresAt,
		&canceledAt,
		&s.RenewalEnabled,
		&lastFailedAt,
		&s.RenewalAttempts,
		&s.Version,
		&s.SchemaVersion,
	)
	if err != nil {
		return nil, err
	}

	if startsAt.Valid {
		s.StartsAt = startsAt.Time
	}
	if expiresAt.Valid {
		s.ExpiresAt = expiresAt.Time
	}
	s.CanceledAt = timestamptzPtr(canceledAt)
	s.LastFailedAt = timestamptzPtr(lastFailedAt)
	return &s, nil
}
