package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fakeprovider "github.com/paykit/engine/internal/adapters/provider/fake"
	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	"github.com/paykit/engine/internal/services/action"
	"github.com/paykit/engine/internal/services/registry"
	"github.com/paykit/engine/internal/services/subscription"
	"github.com/paykit/engine/internal/services/transaction"
	"github.com/paykit/engine/internal/testutil/fakes"
	"github.com/paykit/engine/pkg/timeutil"
)

type reconcilerHarness struct {
	reconciler *Reconciler
	leases     *LeaseManager
	txs        *transaction.Service
	subs       *subscription.Service
	provider   *fakeprovider.Provider
	clock      *timeutil.FakeClock
	sunk       []error
}

func newReconcilerHarness(t *testing.T) *reconcilerHarness {
	t.Helper()

	clock := timeutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	provider := fakeprovider.New("testpay", clock)
	provider.AddProduct(&models.Product{
		ID:       "premium-monthly",
		Group:    "membership",
		Type:     models.ProductTypeSubscription,
		Duration: 30 * 24 * time.Hour,
	})
	provider.AddProduct(&models.Product{
		ID:    "coin-pack",
		Group: "coins",
		Type:  models.ProductTypePurchase,
	})

	db := fakes.NewDB()
	txRepo := fakes.NewTransactionRepository()
	subRepo := fakes.NewSubscriptionRepository()
	reg := registry.New(provider)
	logger := fakes.NewLogger()
	queue := action.NewQueue(db, fakes.NewActionRepository(), clock, logger, 5)

	txs := transaction.NewService(db, txRepo, reg, clock, logger, transaction.Config{
		PurchaseExpiresAfter: 30 * time.Minute,
	})
	subs := subscription.NewService(db, subRepo, txRepo, reg, queue, clock, logger, subscription.Config{
		PurchaseExpiresAfter:  30 * time.Minute,
		RenewalBefore:         12 * time.Hour,
		CascadeExpiredPrepare: true,
	})

	h := &reconcilerHarness{
		leases:   NewLeaseManager(clock, 5*time.Minute),
		txs:      txs,
		subs:     subs,
		provider: provider,
		clock:    clock,
	}
	h.reconciler = NewReconciler(reg, txs, subs, h.leases, clock, logger, func(err error) {
		h.sunk = append(h.sunk, err)
	})
	return h
}

func TestCheckTransactionsResolvesExpired(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	paid, err := h.subs.Prepare(ctx, "testpay", "premium-monthly", "user-1")
	require.NoError(t, err)
	unpaid, err := h.subs.Prepare(ctx, "testpay", "premium-monthly", "user-2")
	require.NoError(t, err)

	h.provider.ScriptTransactionStatus(paid.Transaction.TransactionID, &ports.TransactionStatusResult{
		Type:        ports.TxQuerySuccess,
		PurchasedAt: h.clock.Now(),
	})

	h.clock.Advance(31 * time.Minute)
	require.NoError(t, h.reconciler.CheckTransactions(ctx, "testpay"))

	// The affirmed payment completed and activated its subscription.
	sub, err := h.subs.Get(ctx, "testpay", paid.Subscription.OriginalTransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.SubStatusActive, sub.Status(h.clock.Now()))

	// The voided payment canceled and cascaded onto its pending
	// subscription.
	tx, err := h.txs.Get(ctx, "testpay", unpaid.Transaction.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCanceled, tx.Status())
	sub, err = h.subs.Get(ctx, "testpay", unpaid.Subscription.OriginalTransactionID)
	require.NoError(t, err)
	assert.True(t, sub.IsCanceled())
	assert.Empty(t, h.sunk)
}

func TestCheckTransactionsSkipsWhenLeaseHeld(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	out, err := h.subs.Prepare(ctx, "testpay", "premium-monthly", "user-1")
	require.NoError(t, err)
	h.clock.Advance(31 * time.Minute)

	require.True(t, h.leases.TryAcquire("testpay", "transactions"))
	require.NoError(t, h.reconciler.CheckTransactions(ctx, "testpay"))

	tx, err := h.txs.Get(ctx, "testpay", out.Transaction.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, tx.Status(), "a held lease skips the pass")
}

func TestCheckSubscriptionRenewalRecharges(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	out, err := h.subs.Prepare(ctx, "testpay", "premium-monthly", "user-1")
	require.NoError(t, err)
	sub := activate(t, h, out)

	h.clock.Set(sub.ExpiresAt.Add(-6 * time.Hour))
	require.NoError(t, h.reconciler.CheckSubscriptionRenewal(ctx, "testpay"))

	renewed, err := h.subs.Get(ctx, "testpay", sub.OriginalTransactionID)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.Equal(sub.ExpiresAt.Add(30*24*time.Hour)))
	assert.Empty(t, h.sunk)
}

func TestCheckSubscriptionRenewalReportsItemErrors(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	out, err := h.subs.Prepare(ctx, "testpay", "premium-monthly", "user-1")
	require.NoError(t, err)
	sub := activate(t, h, out)

	h.provider.SetCapability(ports.CapabilityRecharge, false)
	h.clock.Set(sub.ExpiresAt.Add(-6 * time.Hour))

	// The pass itself succeeds; the failing item is reported to the sink.
	require.NoError(t, h.reconciler.CheckSubscriptionRenewal(ctx, "testpay"))
	assert.Len(t, h.sunk, 1)
}

func TestCheckUncompletedSubscriptionLinks(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	out, err := h.subs.Prepare(ctx, "testpay", "premium-monthly", "user-1")
	require.NoError(t, err)
	confirmInitial(t, h, out)

	require.NoError(t, h.reconciler.CheckUncompletedSubscription(ctx, "testpay"))

	sub, err := h.subs.Get(ctx, "testpay", out.Subscription.OriginalTransactionID)
	require.NoError(t, err)
	assert.True(t, sub.RenewalEnabled)
}

func TestCheckUncompletedSubscriptionAppliesProviderCancellation(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	out, err := h.subs.Prepare(ctx, "testpay", "premium-monthly", "user-1")
	require.NoError(t, err)
	confirmInitial(t, h, out)
	originalID := out.Subscription.OriginalTransactionID

	h.provider.ScriptSubscriptionStatus(originalID, &ports.SubscriptionStatusResult{
		Type:                  ports.SubQueryCanceled,
		OriginalTransactionID: originalID,
		CanceledAt:            h.clock.Now(),
	})

	require.NoError(t, h.reconciler.CheckUncompletedSubscription(ctx, "testpay"))

	sub, err := h.subs.Get(ctx, "testpay", originalID)
	require.NoError(t, err)
	assert.True(t, sub.IsCanceled())
}

func TestCheckUncompletedSubscriptionWithoutQueryCapability(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	out, err := h.subs.Prepare(ctx, "testpay", "premium-monthly", "user-1")
	require.NoError(t, err)
	confirmInitial(t, h, out)

	h.provider.SetCapability(ports.CapabilityQuerySubscription, false)
	require.NoError(t, h.reconciler.CheckUncompletedSubscription(ctx, "testpay"))

	sub, err := h.subs.Get(ctx, "testpay", out.Subscription.OriginalTransactionID)
	require.NoError(t, err)
	assert.False(t, sub.RenewalEnabled, "providers without the capability are skipped")
}

// confirmInitial completes the initiating payment and folds it into the
// subscription, leaving the subscribed linkage pending.
func confirmInitial(t *testing.T, h *reconcilerHarness, out *subscription.PrepareOutcome) *models.Subscription {
	t.Helper()
	ctx := context.Background()

	_, err := h.txs.Confirm(ctx, "testpay", out.Transaction.TransactionID, h.clock.Now())
	require.NoError(t, err)
	tx, err := h.txs.Get(ctx, "testpay", out.Transaction.TransactionID)
	require.NoError(t, err)
	sub, err := h.subs.OnTransactionConfirmed(ctx, tx)
	require.NoError(t, err)
	return sub
}

func activate(t *testing.T, h *reconcilerHarness, out *subscription.PrepareOutcome) *models.Subscription {
	t.Helper()
	sub := confirmInitial(t, h, out)
	sub, err := h.subs.OnSubscribed(context.Background(), "testpay", sub.OriginalTransactionID, h.clock.Now())
	require.NoError(t, err)
	return sub
}
