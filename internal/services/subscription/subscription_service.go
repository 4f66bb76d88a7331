package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	"github.com/paykit/engine/internal/services/action"
	"github.com/paykit/engine/internal/services/registry"
	pkgerrors "github.com/paykit/engine/pkg/errors"
	"github.com/paykit/engine/pkg/observability"
	"github.com/paykit/engine/pkg/resilience"
	"github.com/paykit/engine/pkg/timeutil"
)

// Config carries the subscription machine's knobs.
type Config struct {
	// PurchaseExpiresAfter is the payment window for the initial
	// transaction of a prepared subscription.
	PurchaseExpiresAfter time.Duration

	// RenewalBefore is how early before ExpiresAt a subscription enters
	// its renewal window.
	RenewalBefore time.Duration

	// ConflictRetries bounds internal retries of optimistic-lock conflicts.
	ConflictRetries int

	// CascadeExpiredPrepare cancels a still-pending subscription when its
	// initiating transaction expires or is canceled.
	CascadeExpiredPrepare bool
}

// Service drives the subscription lifecycle: pending -> not-start ->
// active -> canceled, with coverage derived from confirmed transactions.
type Service struct {
	db       ports.DBPort
	subs     ports.SubscriptionRepository
	txs      ports.TransactionRepository
	registry *registry.Registry
	actions  *action.Queue
	clock    timeutil.Clock
	logger   ports.Logger
	cfg      Config
	backoff  resilience.BackoffStrategy
}

// NewService creates a subscription service.
func NewService(
	db ports.DBPort,
	subs ports.SubscriptionRepository,
	txs ports.TransactionRepository,
	reg *registry.Registry,
	actions *action.Queue,
	clock timeutil.Clock,
	logger ports.Logger,
	cfg Config,
) *Service {
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	return &Service{
		db:       db,
		subs:     subs,
		txs:      txs,
		registry: reg,
		actions:  actions,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		backoff:  resilience.ConflictBackoff(),
	}
}

// PrepareOutcome is returned from Prepare. Response is nil when an
// existing same-plan subscription was reused.
type PrepareOutcome struct {
	Response     json.RawMessage
	Subscription *models.Subscription
	Transaction  *models.Transaction

	// Reused is true for the idempotent same-plan prepare.
	Reused bool
}

// Prepare stages a subscription purchase.
//
// A live subscription for the same product in the group is returned as-is.
// A live subscription for a different product in the group triggers a plan
// change: the new subscription's coverage starts at the prior one's
// ExpiresAt so entitlement stays contiguous, and the prior subscription is
// canceled in-store with a queued provider-side cancellation.
func (s *Service) Prepare(ctx context.Context, provider, productID, userID string) (*PrepareOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindCanceled, "prepare subscription", err)
	}

	adapter, err := s.registry.Provider(provider)
	if err != nil {
		return nil, err
	}

	product, err := s.registry.Product(ctx, provider, productID)
	if err != nil {
		return nil, err
	}
	if !product.IsSubscription() {
		return nil, pkgerrors.Newf(pkgerrors.KindUnknownProduct, "product %q is not a subscription", productID)
	}

	now := s.clock.Now()

	live, err := s.subs.ListLiveForUserGroup(ctx, nil, userID, product.Group, now)
	if err != nil {
		return nil, fmt.Errorf("list live subscriptions: %w", err)
	}

	var prior *models.Subscription
	for _, existing := range live {
		if existing.ProductID == productID {
			observability.RecordPrepare(provider, "subscription", "reused")
			return &PrepareOutcome{Subscription: existing, Reused: true}, nil
		}
		if prior == nil || existing.ExpiresAt.After(prior.ExpiresAt) {
			prior = existing
		}
	}

	startsAt := now
	if prior != nil {
		if !adapter.Supports(ports.CapabilityCancelSubscription) {
			return nil, pkgerrors.Newf(pkgerrors.KindUnsupportedOperation,
				"provider %s cannot cancel subscriptions; plan change from %q is not possible",
				provider, prior.ProductID)
		}
		if !prior.ExpiresAt.IsZero() {
			startsAt = prior.ExpiresAt
		}
	}

	paymentExpiresAt := now.Add(s.cfg.PurchaseExpiresAfter)

	prep, err := adapter.PrepareSubscriptionData(ctx, ports.PrepareSubscriptionRequest{
		Product:          product,
		UserID:           userID,
		StartsAt:         startsAt,
		PaymentExpiresAt: paymentExpiresAt,
	})
	if err != nil {
		observability.RecordPrepare(provider, "subscription", "error")
		return nil, pkgerrors.NewProviderError(provider, "prepareSubscriptionData", err)
	}

	originalID := prep.OriginalTransactionID
	if originalID == "" {
		originalID = prep.TransactionID
	}
	duration := prep.Duration
	if duration == 0 {
		duration = product.Duration
	}

	t := &models.Transaction{
		Provider:              provider,
		TransactionID:         prep.TransactionID,
		UserID:                userID,
		ProductID:             productID,
		Type:                  models.ProductTypeSubscription,
		CreatedAt:             now,
		StartsAt:              startsAt,
		PaymentExpiresAt:      paymentExpiresAt,
		Duration:              duration,
		OriginalTransactionID: originalID,
		Raw:                   prep.Response,
		Version:               1,
		SchemaVersion:         models.CurrentSchemaVersion,
	}

	sub := &models.Subscription{
		Provider:              provider,
		OriginalTransactionID: originalID,
		UserID:                userID,
		ProductID:             productID,
		ProductGroup:          product.Group,
		TransactionIDs:        []string{prep.TransactionID},
		Version:               1,
		SchemaVersion:         models.CurrentSchemaVersion,
	}

	// Two-phase ordering: the new pending aggregates commit first, then
	// the prior subscription flips to canceled. A crash in between leaves
	// an orphaned pending subscription for the expiry reconciler.
	err = s.db.WithTransaction(ctx, func(ctx context.Context, dbtx pgx.Tx) error {
		if err := s.txs.Insert(ctx, dbtx, t); err != nil {
			return err
		}
		if err := s.subs.Insert(ctx, dbtx, sub); err != nil {
			return err
		}
		if prior != nil {
			a := models.NewAction(models.ActionCancelProviderSubscription,
				provider, prior.OriginalTransactionID, userID, nil, now)
			if err := s.actions.Enqueue(ctx, dbtx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		observability.RecordPrepare(provider, "subscription", "error")
		return nil, fmt.Errorf("persist prepared subscription: %w", err)
	}

	if prior != nil {
		if err := s.cancelInStore(ctx, provider, prior.OriginalTransactionID, now); err != nil &&
			pkgerrors.KindOf(err) != pkgerrors.KindAlreadyApplied {
			return nil, fmt.Errorf("cancel superseded subscription: %w", err)
		}
		observability.RecordPrepare(provider, "subscription", "plan_change")
		s.logger.Info("plan change prepared",
			ports.String("provider", provider),
			ports.String("user_id", userID),
			ports.String("prior_subscription", prior.OriginalTransactionID),
			ports.String("new_subscription", originalID))
	} else {
		observability.RecordPrepare(provider, "subscription", "created")
	}

	s.logger.Info("subscription prepared",
		ports.String("provider", provider),
		ports.String("subscription", originalID),
		ports.String("product_id", productID),
		ports.String("user_id", userID))

	return &PrepareOutcome{Response: prep.Response, Subscription: sub, Transaction: t}, nil
}

// Get returns the current persisted state of a subscription.
func (s *Service) Get(ctx context.Context, provider, originalTransactionID string) (*models.Subscription, error) {
	return s.subs.Get(ctx, nil, provider, originalTransactionID)
}

// OnTransactionConfirmed folds a freshly completed transaction into its
// subscription: the transaction is linked, coverage is recomputed, and the
// activation notification is queued on the first confirmation. Safe to
// replay; linking is additive.
func (s *Service) OnTransactionConfirmed(ctx context.Context, t *models.Transaction) (*models.Subscription, error) {
	if t.OriginalTransactionID == "" {
		return nil, nil
	}

	var out *models.Subscription
	err := s.casRetry(ctx, func() error {
		sub, err := s.subs.Get(ctx, nil, t.Provider, t.OriginalTransactionID)
		if err != nil {
			return err
		}

		firstConfirmation := sub.ExpiresAt.IsZero()
		sub.LinkTransaction(t.TransactionID)

		linked, err := s.txs.ListByOriginal(ctx, nil, t.Provider, t.OriginalTransactionID)
		if err != nil {
			return err
		}
		sub.Recompute(linked)

		notify := firstConfirmation && !sub.ExpiresAt.IsZero() && !sub.IsCanceled()

		err = s.db.WithTransaction(ctx, func(ctx context.Context, dbtx pgx.Tx) error {
			if err := s.subs.Update(ctx, dbtx, sub); err != nil {
				return err
			}
			if notify {
				a := models.NewAction(models.ActionNotifySubscriptionActivated,
					t.Provider, sub.OriginalTransactionID, sub.UserID, nil, s.clock.Now())
				return s.actions.Enqueue(ctx, dbtx, a)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = sub
		return nil
	})
	return out, err
}

// OnSubscribed binds the out-of-band subscribed linkage, enabling renewal.
// Replays surface as already_applied.
func (s *Service) OnSubscribed(ctx context.Context, provider, originalTransactionID string, subscribedAt time.Time) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.casRetry(ctx, func() error {
		sub, err := s.subs.Get(ctx, nil, provider, originalTransactionID)
		if err != nil {
			return err
		}
		if err := sub.EnableRenewal(); err != nil {
			return err
		}
		if err := s.subs.Update(ctx, nil, sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscription linked",
		ports.String("provider", provider),
		ports.String("subscription", originalTransactionID))
	return out, nil
}

// RenewalEvent is a provider-reported successful renewal charge.
type RenewalEvent struct {
	TransactionID string
	PurchasedAt   time.Time
	Duration      time.Duration
	Raw           json.RawMessage
}

// ApplyRenewal appends a completed renewal transaction and extends
// coverage. Replaying a recorded renewal surfaces as already_applied; a
// renewal against a canceled subscription is a conflicting terminal
// transition.
func (s *Service) ApplyRenewal(ctx context.Context, provider, originalTransactionID string, ev RenewalEvent) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.casRetry(ctx, func() error {
		sub, err := s.subs.Get(ctx, nil, provider, originalTransactionID)
		if err != nil {
			return err
		}
		if sub.IsCanceled() {
			return pkgerrors.Newf(pkgerrors.KindConflictingTerminalTransition,
				"subscription %s is canceled; renewal %s rejected", originalTransactionID, ev.TransactionID)
		}
		if sub.ContainsTransaction(ev.TransactionID) {
			return pkgerrors.Newf(pkgerrors.KindAlreadyApplied,
				"renewal %s already recorded", ev.TransactionID)
		}

		duration := ev.Duration
		if duration == 0 {
			product, err := s.registry.Product(ctx, provider, sub.ProductID)
			if err != nil {
				return err
			}
			duration = product.Duration
		}

		now := s.clock.Now()
		purchasedAt := ev.PurchasedAt
		if purchasedAt.IsZero() {
			purchasedAt = now
		}

		renewal := &models.Transaction{
			Provider:              provider,
			TransactionID:         ev.TransactionID,
			UserID:                sub.UserID,
			ProductID:             sub.ProductID,
			Type:                  models.ProductTypeSubscription,
			CreatedAt:             now,
			StartsAt:              sub.ExpiresAt,
			PaymentExpiresAt:      now,
			PurchasedAt:           &purchasedAt,
			CompletedAt:           &now,
			Duration:              duration,
			OriginalTransactionID: originalTransactionID,
			Raw:                   ev.Raw,
			Version:               1,
			SchemaVersion:         models.CurrentSchemaVersion,
		}

		sub.LinkTransaction(ev.TransactionID)
		sub.ResetRenewalFailures()

		err = s.db.WithTransaction(ctx, func(ctx context.Context, dbtx pgx.Tx) error {
			if err := s.txs.Insert(ctx, dbtx, renewal); err != nil {
				if pkgerrors.KindOf(err) == pkgerrors.KindDuplicateAggregate {
					return pkgerrors.Wrap(pkgerrors.KindAlreadyApplied, "renewal transaction exists", err)
				}
				return err
			}

			linked, err := s.txs.ListByOriginal(ctx, dbtx, provider, originalTransactionID)
			if err != nil {
				return err
			}
			sub.Recompute(linked)
			return s.subs.Update(ctx, dbtx, sub)
		})
		if err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscription renewed",
		ports.String("provider", provider),
		ports.String("subscription", originalTransactionID),
		ports.String("renewal_transaction", ev.TransactionID))
	return out, nil
}

// ApplyCanceled applies a provider-reported cancellation. The accrued
// entitlement window is retained. Replays surface as already_applied.
func (s *Service) ApplyCanceled(ctx context.Context, provider, originalTransactionID string, canceledAt time.Time, reason string) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.casRetry(ctx, func() error {
		sub, err := s.subs.Get(ctx, nil, provider, originalTransactionID)
		if err != nil {
			return err
		}
		if err := sub.Cancel(canceledAt); err != nil {
			return err
		}
		if err := s.subs.Update(ctx, nil, sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscription canceled",
		ports.String("provider", provider),
		ports.String("subscription", originalTransactionID),
		ports.String("reason", reason))
	return out, nil
}

// RecordRechargeFailure marks a recoverable renewal failure; the
// subscription stays active and eligible for retry until coverage lapses.
func (s *Service) RecordRechargeFailure(ctx context.Context, provider, originalTransactionID string, failedAt time.Time, reason string) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.casRetry(ctx, func() error {
		sub, err := s.subs.Get(ctx, nil, provider, originalTransactionID)
		if err != nil {
			return err
		}
		sub.RecordRenewalFailure(failedAt)
		if err := s.subs.Update(ctx, nil, sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn("subscription recharge failed",
		ports.String("provider", provider),
		ports.String("subscription", originalTransactionID),
		ports.Int("attempts", int(out.RenewalAttempts)),
		ports.String("reason", reason))
	return out, nil
}

// Renew performs one recharge attempt against the provider and applies
// the outcome. The attempt counter carries across recoverable failures.
func (s *Service) Renew(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindCanceled, "renew subscription", err)
	}

	adapter, err := s.registry.Provider(sub.Provider)
	if err != nil {
		return nil, err
	}
	if !adapter.Supports(ports.CapabilityRecharge) {
		return nil, pkgerrors.Newf(pkgerrors.KindUnsupportedOperation,
			"provider %s does not support recharging", sub.Provider)
	}

	original, err := s.txs.Get(ctx, nil, sub.Provider, sub.OriginalTransactionID)
	if err != nil {
		return nil, err
	}

	result, err := adapter.RechargeSubscription(ctx, original, int(sub.RenewalAttempts))
	if err != nil {
		observability.RecordRenewal(sub.Provider, "error")
		return nil, pkgerrors.NewProviderError(sub.Provider, "rechargeSubscription", err)
	}

	switch result.Outcome {
	case ports.RechargeRenewed:
		observability.RecordRenewal(sub.Provider, "renewed")
		updated, err := s.ApplyRenewal(ctx, sub.Provider, sub.OriginalTransactionID, RenewalEvent{
			TransactionID: result.TransactionID,
			PurchasedAt:   result.PurchasedAt,
			Duration:      result.Duration,
			Raw:           result.Raw,
		})
		if pkgerrors.KindOf(err) == pkgerrors.KindAlreadyApplied {
			return s.subs.Get(ctx, nil, sub.Provider, sub.OriginalTransactionID)
		}
		return updated, err

	case ports.RechargeFailed:
		observability.RecordRenewal(sub.Provider, "failed")
		failedAt := result.FailedAt
		if failedAt.IsZero() {
			failedAt = s.clock.Now()
		}
		return s.RecordRechargeFailure(ctx, sub.Provider, sub.OriginalTransactionID, failedAt, result.Reason)

	case ports.RechargeCanceled:
		observability.RecordRenewal(sub.Provider, "canceled")
		canceledAt := result.CanceledAt
		if canceledAt.IsZero() {
			canceledAt = s.clock.Now()
		}
		updated, err := s.ApplyCanceled(ctx, sub.Provider, sub.OriginalTransactionID, canceledAt, result.Reason)
		if pkgerrors.KindOf(err) == pkgerrors.KindAlreadyApplied {
			return s.subs.Get(ctx, nil, sub.Provider, sub.OriginalTransactionID)
		}
		return updated, err

	default:
		return nil, pkgerrors.Newf(pkgerrors.KindProviderFailure,
			"provider %s returned unknown recharge outcome %q", sub.Provider, result.Outcome)
	}
}

// Cancel is the operator-initiated cancellation: the subscription flips to
// canceled in-store and a provider-side cancellation is queued.
func (s *Service) Cancel(ctx context.Context, provider, originalTransactionID string) (*models.Subscription, error) {
	adapter, err := s.registry.Provider(provider)
	if err != nil {
		return nil, err
	}
	if !adapter.Supports(ports.CapabilityCancelSubscription) {
		return nil, pkgerrors.Newf(pkgerrors.KindUnsupportedOperation,
			"provider %s does not support cancellation", provider)
	}

	now := s.clock.Now()
	var out *models.Subscription
	err = s.casRetry(ctx, func() error {
		sub, err := s.subs.Get(ctx, nil, provider, originalTransactionID)
		if err != nil {
			return err
		}
		if err := sub.Cancel(now); err != nil {
			return err
		}

		err = s.db.WithTransaction(ctx, func(ctx context.Context, dbtx pgx.Tx) error {
			if err := s.subs.Update(ctx, dbtx, sub); err != nil {
				return err
			}
			a := models.NewAction(models.ActionCancelProviderSubscription,
				provider, originalTransactionID, sub.UserID, nil, now)
			return s.actions.Enqueue(ctx, dbtx, a)
		})
		if err != nil {
			return err
		}
		out = sub
		return nil
	})
	return out, err
}

// OnInitialTransactionCanceled cascades an expired or canceled initiating
// payment onto its still-pending subscription when configured to do so.
func (s *Service) OnInitialTransactionCanceled(ctx context.Context, t *models.Transaction) error {
	if !s.cfg.CascadeExpiredPrepare || t.OriginalTransactionID == "" {
		return nil
	}

	return s.casRetry(ctx, func() error {
		sub, err := s.subs.Get(ctx, nil, t.Provider, t.OriginalTransactionID)
		if err != nil {
			if pkgerrors.KindOf(err) == pkgerrors.KindNotFound {
				return nil
			}
			return err
		}
		// Only a never-confirmed subscription cascades; confirmed coverage
		// is not revoked by a late cancellation of one payment.
		if !sub.ExpiresAt.IsZero() || sub.IsCanceled() {
			return nil
		}
		if err := sub.Cancel(s.clock.Now()); err != nil {
			if pkgerrors.KindOf(err) == pkgerrors.KindAlreadyApplied {
				return nil
			}
			return err
		}
		return s.subs.Update(ctx, nil, sub)
	})
}

// ListDueForRenewal returns the provider's subscriptions inside their
// renewal window with renewal enabled and no terminal state.
func (s *Service) ListDueForRenewal(ctx context.Context, provider string) ([]*models.Subscription, error) {
	return s.subs.ListDueForRenewal(ctx, nil, provider, s.clock.Now(), s.cfg.RenewalBefore)
}

// ListUnlinked returns confirmed subscriptions still waiting for their
// subscribed linkage event.
func (s *Service) ListUnlinked(ctx context.Context, provider string) ([]*models.Subscription, error) {
	return s.subs.ListUnlinked(ctx, nil, provider)
}

func (s *Service) cancelInStore(ctx context.Context, provider, originalTransactionID string, canceledAt time.Time) error {
	return s.casRetry(ctx, func() error {
		sub, err := s.subs.Get(ctx, nil, provider, originalTransactionID)
		if err != nil {
			return err
		}
		if err := sub.Cancel(canceledAt); err != nil {
			return err
		}
		return s.subs.Update(ctx, nil, sub)
	})
}

func (s *Service) casRetry(ctx context.Context, fn func() error) error {
	return resilience.Retry(ctx, s.cfg.ConflictRetries, s.backoff,
		func(err error) bool { return pkgerrors.KindOf(err) == pkgerrors.KindConflict },
		fn)
}
