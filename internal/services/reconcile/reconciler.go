package reconcile

import (
	"context"

	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	"github.com/paykit/engine/internal/services/registry"
	"github.com/paykit/engine/internal/services/subscription"
	"github.com/paykit/engine/internal/services/transaction"
	pkgerrors "github.com/paykit/engine/pkg/errors"
	"github.com/paykit/engine/pkg/observability"
	"github.com/paykit/engine/pkg/timeutil"
)

const (
	loopTransactions = "transactions"
	loopRenewal      = "renewal"
	loopUncompleted  = "uncompleted"
)

// ErrorSink receives per-item reconciliation errors. A failing item is
// reported and skipped; the pass keeps going.
type ErrorSink func(error)

// Reconciler is the polling counterpart to the callback dispatcher: it
// pulls provider state for aggregates that stopped moving and applies the
// same transitions a callback would. Each loop is single-flight per
// provider via leases.
type Reconciler struct {
	registry *registry.Registry
	txs      *transaction.Service
	subs     *subscription.Service
	leases   *LeaseManager
	clock    timeutil.Clock
	logger   ports.Logger
	sink     ErrorSink
}

// NewReconciler creates a reconciler. sink may be nil; errors are then
// only logged and counted.
func NewReconciler(
	reg *registry.Registry,
	txs *transaction.Service,
	subs *subscription.Service,
	leases *LeaseManager,
	clock timeutil.Clock,
	logger ports.Logger,
	sink ErrorSink,
) *Reconciler {
	return &Reconciler{
		registry: reg,
		txs:      txs,
		subs:     subs,
		leases:   leases,
		clock:    clock,
		logger:   logger,
		sink:     sink,
	}
}

// CheckTransactions resolves the provider's pending transactions whose
// payment window has lapsed: the provider is polled for each and the
// reported fate is applied, including the downstream subscription effects.
// Returns immediately when another pass holds the lease.
func (r *Reconciler) CheckTransactions(ctx context.Context, provider string) error {
	return r.run(ctx, provider, loopTransactions, func(ctx context.Context) error {
		expired, err := r.txs.ListExpired(ctx, provider)
		if err != nil {
			return err
		}

		for _, t := range expired {
			if err := ctx.Err(); err != nil {
				return pkgerrors.Wrap(pkgerrors.KindCanceled, "transaction reconciliation interrupted", err)
			}
			updated, err := r.txs.Reconcile(ctx, t)
			if err != nil {
				r.reportItem(provider, loopTransactions, err)
				continue
			}
			if err := r.applyTransactionOutcome(ctx, updated); err != nil {
				r.reportItem(provider, loopTransactions, err)
			}
		}
		return nil
	})
}

func (r *Reconciler) applyTransactionOutcome(ctx context.Context, t *models.Transaction) error {
	switch t.Status() {
	case models.TxStatusCompleted:
		_, err := r.subs.OnTransactionConfirmed(ctx, t)
		if pkgerrors.KindOf(err) == pkgerrors.KindNotFound {
			return nil
		}
		return err
	case models.TxStatusCanceled:
		return r.subs.OnInitialTransactionCanceled(ctx, t)
	default:
		return nil
	}
}

// CheckSubscriptionRenewal recharges the provider's subscriptions inside
// their renewal window. Each subscription gets one attempt per pass; the
// adapter decides renewed, failed-but-retryable, or canceled.
func (r *Reconciler) CheckSubscriptionRenewal(ctx context.Context, provider string) error {
	return r.run(ctx, provider, loopRenewal, func(ctx context.Context) error {
		due, err := r.subs.ListDueForRenewal(ctx, provider)
		if err != nil {
			return err
		}

		for _, sub := range due {
			if err := ctx.Err(); err != nil {
				return pkgerrors.Wrap(pkgerrors.KindCanceled, "renewal reconciliation interrupted", err)
			}
			if _, err := r.subs.Renew(ctx, sub); err != nil {
				if pkgerrors.KindOf(err) == pkgerrors.KindAlreadyApplied {
					continue
				}
				r.reportItem(provider, loopRenewal, err)
			}
		}
		return nil
	})
}

// CheckUncompletedSubscription resolves confirmed subscriptions whose
// subscribed linkage never arrived: the provider is polled and the
// reported state is applied. Providers without the query capability are
// skipped.
func (r *Reconciler) CheckUncompletedSubscription(ctx context.Context, provider string) error {
	return r.run(ctx, provider, loopUncompleted, func(ctx context.Context) error {
		adapter, err := r.registry.Provider(provider)
		if err != nil {
			return err
		}
		if !adapter.Supports(ports.CapabilityQuerySubscription) {
			return nil
		}

		unlinked, err := r.subs.ListUnlinked(ctx, provider)
		if err != nil {
			return err
		}

		for _, sub := range unlinked {
			if err := ctx.Err(); err != nil {
				return pkgerrors.Wrap(pkgerrors.KindCanceled, "subscription reconciliation interrupted", err)
			}
			if err := r.resolveUnlinked(ctx, adapter, provider, sub); err != nil {
				r.reportItem(provider, loopUncompleted, err)
			}
		}
		return nil
	})
}

func (r *Reconciler) resolveUnlinked(ctx context.Context, adapter ports.ProviderAdapter, provider string, sub *models.Subscription) error {
	status, err := adapter.QuerySubscriptionStatus(ctx, sub.OriginalTransactionID)
	if err != nil {
		return pkgerrors.NewProviderError(provider, "querySubscriptionStatus", err)
	}

	switch status.Type {
	case ports.SubQuerySubscribed:
		subscribedAt := status.SubscribedAt
		if subscribedAt.IsZero() {
			subscribedAt = r.clock.Now()
		}
		_, err := r.subs.OnSubscribed(ctx, provider, sub.OriginalTransactionID, subscribedAt)
		if pkgerrors.KindOf(err) == pkgerrors.KindAlreadyApplied {
			return nil
		}
		return err

	case ports.SubQueryCanceled:
		canceledAt := status.CanceledAt
		if canceledAt.IsZero() {
			canceledAt = r.clock.Now()
		}
		_, err := r.subs.ApplyCanceled(ctx, provider, sub.OriginalTransactionID, canceledAt, "provider reported canceled")
		if pkgerrors.KindOf(err) == pkgerrors.KindAlreadyApplied {
			return nil
		}
		return err

	default:
		return pkgerrors.Newf(pkgerrors.KindProviderFailure,
			"provider %s returned unknown subscription status %q", provider, status.Type)
	}
}

func (r *Reconciler) run(ctx context.Context, provider, loop string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCanceled, loop+" reconciliation", err)
	}

	if !r.leases.TryAcquire(provider, loop) {
		observability.RecordReconcileRun(provider, loop, "skipped", 0)
		r.logger.Debug("reconcile pass already running",
			ports.String("provider", provider),
			ports.String("loop", loop))
		return nil
	}
	defer r.leases.Release(provider, loop)

	started := r.clock.Now()
	err := fn(ctx)
	elapsed := r.clock.Now().Sub(started)
	observability.RecordReconcileRun(provider, loop, "completed", elapsed)

	if err != nil {
		r.logger.Error("reconcile pass failed",
			ports.String("provider", provider),
			ports.String("loop", loop),
			ports.Err(err))
		return err
	}

	r.logger.Info("reconcile pass completed",
		ports.String("provider", provider),
		ports.String("loop", loop))
	return nil
}

func (r *Reconciler) reportItem(provider, loop string, err error) {
	observability.RecordReconcileItemError(provider, loop)
	r.logger.Warn("reconcile item failed",
		ports.String("provider", provider),
		ports.String("loop", loop),
		ports.Err(err))
	if r.sink != nil {
		r.sink(err)
	}
}
