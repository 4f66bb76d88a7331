package callback

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

// Dispatcher routes provider-initiated callbacks into the two state
// machines. Callbacks are the push path; everything a callback can do, the
// reconciliation loops can also reach by polling, so a dropped callback is
// an availability problem, never a correctness one.
type Dispatcher struct {
	registry *registry.Registry
	txs      *transaction.Service
	subs     *subscription.Service
	clock    timeutil.Clock
	logger   ports.Logger
}

// NewDispatcher creates a callback dispatcher.
func NewDispatcher(
	reg *registry.Registry,
	txs *transaction.Service,
	subs *subscription.Service,
	clock timeutil.Clock,
	logger ports.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		txs:      txs,
		subs:     subs,
		clock:    clock,
		logger:   logger,
	}
}

// HandleCallback parses one raw provider payload and applies the event.
//
// Replayed events and events conflicting with a terminal state both come
// back as callback_rejected so the ingress layer can answer the provider
// with a non-retriable status. Payloads the adapter cannot decode come
// back as unrecognized_event.
func (d *Dispatcher) HandleCallback(ctx context.Context, provider string, payload []byte) error {
	adapter, err := d.registry.Provider(provider)
	if err != nil {
		return err
	}

	ev, err := adapter.ParseCallback(ctx, payload)
	if err != nil {
		observability.RecordCallback(provider, "unknown", "unrecognized")
		if pkgerrors.KindOf(err) == pkgerrors.KindUnrecognizedEvent {
			return err
		}
		return pkgerrors.Wrap(pkgerrors.KindUnrecognizedEvent, "parse callback", err)
	}

	err = d.apply(ctx, provider, ev)
	status := "applied"
	if err != nil {
		switch pkgerrors.KindOf(err) {
		case pkgerrors.KindAlreadyApplied, pkgerrors.KindConflictingTerminalTransition:
			status = "rejected"
			err = pkgerrors.Wrap(pkgerrors.KindCallbackRejected, "callback replays or contradicts recorded state", err)
		case pkgerrors.KindUnrecognizedEvent:
			status = "unrecognized"
		default:
			status = "error"
		}
	}
	observability.RecordCallback(provider, string(ev.Type), status)

	if err != nil {
		d.logger.Warn("callback not applied",
			ports.String("provider", provider),
			ports.String("event_type", string(ev.Type)),
			ports.String("status", status),
			ports.Err(err))
		return err
	}

	d.logger.Info("callback applied",
		ports.String("provider", provider),
		ports.String("event_type", string(ev.Type)))
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, provider string, ev *models.Event) error {
	switch ev.Type {
	case models.EventPaymentConfirmed:
		purchasedAt := ev.PurchasedAt
		if purchasedAt.IsZero() {
			purchasedAt = d.clock.Now()
		}
		t, err := d.txs.Confirm(ctx, provider, ev.TransactionID, purchasedAt)
		if err != nil {
			return err
		}
		_, err = d.subs.OnTransactionConfirmed(ctx, t)
		return err

	case models.EventPaymentCanceled:
		canceledAt := ev.CanceledAt
		if canceledAt.IsZero() {
			canceledAt = d.clock.Now()
		}
		t, err := d.txs.Cancel(ctx, provider, ev.TransactionID, canceledAt)
		if err != nil {
			return err
		}
		return d.subs.OnInitialTransactionCanceled(ctx, t)

	case models.EventSubscribed:
		subscribedAt := ev.SubscribedAt
		if subscribedAt.IsZero() {
			subscribedAt = d.clock.Now()
		}
		_, err := d.subs.OnSubscribed(ctx, provider, ev.OriginalTransactionID, subscribedAt)
		return err

	case models.EventSubscriptionRenewal:
		_, err := d.subs.ApplyRenewal(ctx, provider, ev.OriginalTransactionID, subscription.RenewalEvent{
			TransactionID: ev.TransactionID,
			PurchasedAt:   ev.PurchasedAt,
			Duration:      ev.Duration,
			Raw:           ev.Raw,
		})
		return err

	case models.EventSubscriptionCanceled:
		canceledAt := ev.CanceledAt
		if canceledAt.IsZero() {
			canceledAt = d.clock.Now()
		}
		_, err := d.subs.ApplyCanceled(ctx, provider, ev.OriginalTransactionID, canceledAt, ev.Reason)
		return err

	default:
		return pkgerrors.Newf(pkgerrors.KindUnrecognizedEvent,
			"provider %s emitted unknown event type %q", provider, ev.Type)
	}
}
