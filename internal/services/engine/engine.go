package engine

import (
	"context"
	"time"

	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	"github.com/paykit/engine/internal/services/action"
	"github.com/paykit/engine/internal/services/callback"
	"github.com/paykit/engine/internal/services/reconcile"
	"github.com/paykit/engine/internal/services/registry"
	"github.com/paykit/engine/internal/services/subscription"
	"github.com/paykit/engine/internal/services/transaction"
	"github.com/paykit/engine/internal/services/user"
	pkgerrors "github.com/paykit/engine/pkg/errors"
	"github.com/paykit/engine/pkg/timeutil"
)

// Config carries the engine-level knobs shared across the services.
type Config struct {
	// PurchaseExpiresAfter is the payment window for prepared transactions.
	PurchaseExpiresAfter time.Duration

	// RenewalBefore is how early before expiry a subscription becomes
	// eligible for recharging.
	RenewalBefore time.Duration

	// LeaseTTL bounds how long a crashed reconciliation pass can hold its
	// single-flight lease.
	LeaseTTL time.Duration

	// ConflictRetries bounds optimistic-lock retries inside the services.
	ConflictRetries int

	// ActionMaxAttempts bounds delivery attempts per queued action.
	ActionMaxAttempts int32

	// CascadeExpiredPrepare cancels a still-pending subscription when its
	// initiating payment expires or is canceled.
	CascadeExpiredPrepare bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PurchaseExpiresAfter:  30 * time.Minute,
		RenewalBefore:         24 * time.Hour,
		LeaseTTL:              5 * time.Minute,
		ConflictRetries:       3,
		ActionMaxAttempts:     5,
		CascadeExpiredPrepare: true,
	}
}

// Deps are the infrastructure dependencies the engine composes over.
type Deps struct {
	DB            ports.DBPort
	Transactions  ports.TransactionRepository
	Subscriptions ports.SubscriptionRepository
	Actions       ports.ActionRepository
	Registry      *registry.Registry
	Clock         timeutil.Clock
	Logger        ports.Logger

	// ErrorSink receives per-item reconciliation errors; nil means log-only.
	ErrorSink reconcile.ErrorSink
}

// Engine is the composed orchestration facade: the two state machines,
// callback ingress, the reconciliation loops, the action queue, and the
// user projection behind one surface.
type Engine struct {
	registry     *registry.Registry
	transactions *transaction.Service
	subscription *subscription.Service
	dispatcher   *callback.Dispatcher
	reconciler   *reconcile.Reconciler
	users        *user.Service
	actions      *action.Queue
	clock        timeutil.Clock
	logger       ports.Logger
}

// New wires the engine together and registers the built-in action
// handlers.
func New(cfg Config, deps Deps) *Engine {
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	actions := action.NewQueue(deps.DB, deps.Actions, clock, deps.Logger, cfg.ActionMaxAttempts)

	txs := transaction.NewService(deps.DB, deps.Transactions, deps.Registry, clock, deps.Logger,
		transaction.Config{
			PurchaseExpiresAfter: cfg.PurchaseExpiresAfter,
			ConflictRetries:      cfg.ConflictRetries,
		})

	subs := subscription.NewService(deps.DB, deps.Subscriptions, deps.Transactions, deps.Registry,
		actions, clock, deps.Logger,
		subscription.Config{
			PurchaseExpiresAfter:  cfg.PurchaseExpiresAfter,
			RenewalBefore:         cfg.RenewalBefore,
			ConflictRetries:       cfg.ConflictRetries,
			CascadeExpiredPrepare: cfg.CascadeExpiredPrepare,
		})

	dispatcher := callback.NewDispatcher(deps.Registry, txs, subs, clock, deps.Logger)

	leases := reconcile.NewLeaseManager(clock, cfg.LeaseTTL)
	reconciler := reconcile.NewReconciler(deps.Registry, txs, subs, leases, clock, deps.Logger, deps.ErrorSink)

	users := user.NewService(deps.Subscriptions, deps.Transactions, clock)

	e := &Engine{
		registry:     deps.Registry,
		transactions: txs,
		subscription: subs,
		dispatcher:   dispatcher,
		reconciler:   reconciler,
		users:        users,
		actions:      actions,
		clock:        clock,
		logger:       deps.Logger,
	}
	e.registerActionHandlers(deps)
	return e
}

func (e *Engine) registerActionHandlers(deps Deps) {
	e.actions.RegisterHandler(models.ActionCancelProviderSubscription, func(ctx context.Context, a *models.Action) error {
		adapter, err := e.registry.Provider(a.Provider)
		if err != nil {
			return err
		}
		if !adapter.Supports(ports.CapabilityCancelSubscription) {
			return pkgerrors.Newf(pkgerrors.KindUnsupportedOperation,
				"provider %s does not support cancellation", a.Provider)
		}
		original, err := deps.Transactions.Get(ctx, nil, a.Provider, a.AggregateID)
		if err != nil {
			return err
		}
		canceled, err := adapter.CancelSubscription(ctx, original)
		if err != nil {
			return pkgerrors.NewProviderError(a.Provider, "cancelSubscription", err)
		}
		if !canceled {
			e.logger.Info("provider reported subscription already inactive",
				ports.String("provider", a.Provider),
				ports.String("subscription", a.AggregateID))
		}
		return nil
	})

	e.actions.RegisterHandler(models.ActionNotifySubscriptionActivated, func(ctx context.Context, a *models.Action) error {
		e.logger.Info("subscription activated",
			ports.String("provider", a.Provider),
			ports.String("subscription", a.AggregateID),
			ports.String("user_id", a.UserID))
		return nil
	})
}

// RegisterActionHandler exposes the queue for application-supplied
// handlers, e.g. pushing activation events to a notification bus.
func (e *Engine) RegisterActionHandler(kind models.ActionKind, fn action.HandlerFunc) {
	e.actions.RegisterHandler(kind, fn)
}

// PreparePurchase stages a one-off purchase.
func (e *Engine) PreparePurchase(ctx context.Context, provider, productID, userID string) (*transaction.PrepareOutcome, error) {
	return e.transactions.PreparePurchase(ctx, provider, productID, userID)
}

// PrepareSubscription stages a subscription purchase, handling same-plan
// idempotency and plan changes.
func (e *Engine) PrepareSubscription(ctx context.Context, provider, productID, userID string) (*subscription.PrepareOutcome, error) {
	return e.subscription.Prepare(ctx, provider, productID, userID)
}

// HandleCallback applies one raw provider callback payload.
func (e *Engine) HandleCallback(ctx context.Context, provider string, payload []byte) error {
	return e.dispatcher.HandleCallback(ctx, provider, payload)
}

// CheckTransactions runs the expired-transaction reconciliation pass.
func (e *Engine) CheckTransactions(ctx context.Context, provider string) error {
	return e.reconciler.CheckTransactions(ctx, provider)
}

// CheckSubscriptionRenewal runs the renewal pass.
func (e *Engine) CheckSubscriptionRenewal(ctx context.Context, provider string) error {
	return e.reconciler.CheckSubscriptionRenewal(ctx, provider)
}

// CheckUncompletedSubscription runs the missing-linkage pass.
func (e *Engine) CheckUncompletedSubscription(ctx context.Context, provider string) error {
	return e.reconciler.CheckUncompletedSubscription(ctx, provider)
}

// CancelSubscription is the operator-initiated cancellation.
func (e *Engine) CancelSubscription(ctx context.Context, provider, originalTransactionID string) (*models.Subscription, error) {
	return e.subscription.Cancel(ctx, provider, originalTransactionID)
}

// GetTransaction returns a transaction's persisted state.
func (e *Engine) GetTransaction(ctx context.Context, provider, transactionID string) (*models.Transaction, error) {
	return e.transactions.Get(ctx, provider, transactionID)
}

// GetSubscription returns a subscription's persisted state.
func (e *Engine) GetSubscription(ctx context.Context, provider, originalTransactionID string) (*models.Subscription, error) {
	return e.subscription.Get(ctx, provider, originalTransactionID)
}

// User builds the user entitlement projection.
func (e *Engine) User(ctx context.Context, userID string) (*models.User, error) {
	return e.users.User(ctx, userID)
}

// RunActionQueue drains queued actions until the context ends.
func (e *Engine) RunActionQueue(ctx context.Context, interval time.Duration) error {
	return e.actions.Run(ctx, interval)
}

// DrainActions processes one batch of pending actions, for tests and
// cron-style deployments.
func (e *Engine) DrainActions(ctx context.Context) (int, error) {
	return e.actions.RunOnce(ctx)
}

// Providers lists the registered provider names.
func (e *Engine) Providers() []string {
	return e.registry.Providers()
}
