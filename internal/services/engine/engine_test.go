package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fakeprovider "github.com/paykit/engine/internal/adapters/provider/fake"
	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	"github.com/paykit/engine/internal/services/registry"
	"github.com/paykit/engine/internal/testutil/fakes"
	pkgerrors "github.com/paykit/engine/pkg/errors"
	"github.com/paykit/engine/pkg/timeutil"
)

const day = 24 * time.Hour

type harness struct {
	engine   *Engine
	provider *fakeprovider.Provider
	clock    *timeutil.FakeClock
	actions  *fakes.ActionRepository
	txs      *fakes.TransactionRepository
	subs     *fakes.SubscriptionRepository
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	clock := timeutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	provider := fakeprovider.New("fakepay", clock)
	provider.AddProduct(&models.Product{
		ID:       "premium-monthly",
		Group:    "membership",
		Type:     models.ProductTypeSubscription,
		Duration: 30 * day,
	})
	provider.AddProduct(&models.Product{
		ID:       "premium-yearly",
		Group:    "membership",
		Type:     models.ProductTypeSubscription,
		Duration: 365 * day,
	})
	provider.AddProduct(&models.Product{
		ID:       "basic-daily",
		Group:    "news",
		Type:     models.ProductTypeSubscription,
		Duration: day,
	})
	provider.AddProduct(&models.Product{
		ID:    "coin-pack-100",
		Group: "coins",
		Type:  models.ProductTypePurchase,
	})

	txs := fakes.NewTransactionRepository()
	subs := fakes.NewSubscriptionRepository()
	actions := fakes.NewActionRepository()

	eng := New(cfg, Deps{
		DB:            fakes.NewDB(),
		Transactions:  txs,
		Subscriptions: subs,
		Actions:       actions,
		Registry:      registry.New(provider),
		Clock:         clock,
		Logger:        fakes.NewLogger(),
	})

	return &harness{
		engine:   eng,
		provider: provider,
		clock:    clock,
		actions:  actions,
		txs:      txs,
		subs:     subs,
	}
}

func defaultConfig() Config {
	cfg := DefaultConfig()
	cfg.RenewalBefore = 12 * time.Hour
	return cfg
}

func (h *harness) callback(t *testing.T, payload fakeprovider.CallbackPayload) error {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return h.engine.HandleCallback(context.Background(), "fakepay", raw)
}

func (h *harness) confirmPayment(t *testing.T, transactionID string) {
	t.Helper()
	require.NoError(t, h.callback(t, fakeprovider.CallbackPayload{
		Type:          string(models.EventPaymentConfirmed),
		TransactionID: transactionID,
		PurchasedAt:   h.clock.Now(),
	}))
}

func (h *harness) linkSubscribed(t *testing.T, originalID string) {
	t.Helper()
	require.NoError(t, h.callback(t, fakeprovider.CallbackPayload{
		Type:                  string(models.EventSubscribed),
		OriginalTransactionID: originalID,
		SubscribedAt:          h.clock.Now(),
	}))
}

func TestSubscribeHappyPath(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	out, err := h.engine.PrepareSubscription(ctx, "fakepay", "premium-monthly", "user-1")
	require.NoError(t, err)
	require.False(t, out.Reused)
	require.NotEmpty(t, out.Response)

	originalID := out.Subscription.OriginalTransactionID
	h.confirmPayment(t, out.Transaction.TransactionID)
	h.linkSubscribed(t, originalID)

	sub, err := h.engine.GetSubscription(ctx, "fakepay", originalID)
	require.NoError(t, err)
	assert.Equal(t, models.SubStatusActive, sub.Status(h.clock.Now()))
	assert.True(t, sub.RenewalEnabled)
	assert.Len(t, sub.TransactionIDs, 1)

	tx, err := h.engine.GetTransaction(ctx, "fakepay", out.Transaction.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 30*day, tx.Duration)
	assert.Equal(t, models.TxStatusCompleted, tx.Status())

	// Replaying either callback is rejected loudly and changes nothing.
	err = h.callback(t, fakeprovider.CallbackPayload{
		Type:          string(models.EventPaymentConfirmed),
		TransactionID: out.Transaction.TransactionID,
		PurchasedAt:   h.clock.Now(),
	})
	assert.ErrorIs(t, err, pkgerrors.ErrCallbackRejected)

	err = h.callback(t, fakeprovider.CallbackPayload{
		Type:                  string(models.EventSubscribed),
		OriginalTransactionID: originalID,
		SubscribedAt:          h.clock.Now(),
	})
	assert.ErrorIs(t, err, pkgerrors.ErrCallbackRejected)

	after, err := h.engine.GetSubscription(ctx, "fakepay", originalID)
	require.NoError(t, err)
	assert.Equal(t, sub.Version, after.Version)
}

func TestExpiredPrepareCancelsTransaction(t *testing.T) {
	cfg := defaultConfig()
	cfg.PurchaseExpiresAfter = 2 * time.Second
	h := newHarness(t, cfg)
	ctx := context.Background()

	out, err := h.engine.PrepareSubscription(ctx, "fakepay", "premium-monthly", "user-1")
	require.NoError(t, err)

	h.clock.Advance(3 * time.Second)

	// The unscripted fake provider reports unpaid orders as canceled.
	require.NoError(t, h.engine.CheckTransactions(ctx, "fakepay"))

	tx, err := h.engine.GetTransaction(ctx, "fakepay", out.Transaction.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCanceled, tx.Status())

	// The cascade flips the never-confirmed subscription to canceled.
	sub, err := h.engine.GetSubscription(ctx, "fakepay", out.Subscription.OriginalTransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.SubStatusCanceled, sub.Status(h.clock.Now()))
}

func TestRenewalCascade(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	out, err := h.engine.PrepareSubscription(ctx, "fakepay", "basic-daily", "user-1")
	require.NoError(t, err)
	originalID := out.Subscription.OriginalTransactionID
	startsAt := h.clock.Now()

	h.confirmPayment(t, out.Transaction.TransactionID)
	h.linkSubscribed(t, originalID)

	// Two successful renewals via callback extend coverage to three days.
	for _, renewalID := range []string{"renew-1", "renew-2"} {
		require.NoError(t, h.callback(t, fakeprovider.CallbackPayload{
			Type:                  string(models.EventSubscriptionRenewal),
			TransactionID:         renewalID,
			OriginalTransactionID: originalID,
			PurchasedAt:           h.clock.Now(),
			DurationSeconds:       int64(day / time.Second),
		}))
	}

	sub, err := h.engine.GetSubscription(ctx, "fakepay", originalID)
	require.NoError(t, err)
	assert.True(t, sub.ExpiresAt.Equal(startsAt.Add(3*day)))

	// Enter the renewal window; the scripted recharge fails recoverably.
	h.clock.Set(sub.ExpiresAt.Add(-6 * time.Hour))
	h.provider.ScriptRecharge(originalID, &ports.RechargeResult{
		Outcome:  ports.RechargeFailed,
		FailedAt: h.clock.Now(),
		Reason:   "card declined",
	})
	require.NoError(t, h.engine.CheckSubscriptionRenewal(ctx, "fakepay"))

	sub, err = h.engine.GetSubscription(ctx, "fakepay", originalID)
	require.NoError(t, err)
	assert.NotNil(t, sub.LastFailedAt)
	assert.Equal(t, models.SubStatusActive, sub.Status(h.clock.Now()))

	// The next attempt reports the subscription gone at the provider.
	h.provider.ScriptRecharge(originalID, &ports.RechargeResult{
		Outcome:    ports.RechargeCanceled,
		CanceledAt: h.clock.Now(),
		Reason:     "too many failures",
	})
	require.NoError(t, h.engine.CheckSubscriptionRenewal(ctx, "fakepay"))

	sub, err = h.engine.GetSubscription(ctx, "fakepay", originalID)
	require.NoError(t, err)
	assert.False(t, sub.RenewalEnabled)
	assert.NotNil(t, sub.CanceledAt)
	assert.True(t, sub.ExpiresAt.Equal(startsAt.Add(3*day)))
}

func TestPlanChange(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	monthly, err := h.engine.PrepareSubscription(ctx, "fakepay", "premium-monthly", "user-1")
	require.NoError(t, err)
	monthlyStart := h.clock.Now()
	h.confirmPayment(t, monthly.Transaction.TransactionID)

	yearly, err := h.engine.PrepareSubscription(ctx, "fakepay", "premium-yearly", "user-1")
	require.NoError(t, err)
	require.False(t, yearly.Reused)

	// The superseded subscription is canceled in-store and the
	// provider-side cancellation is delivered through the action queue.
	prior, err := h.engine.GetSubscription(ctx, "fakepay", monthly.Subscription.OriginalTransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.SubStatusCanceled, prior.Status(h.clock.Now()))

	_, err = h.engine.DrainActions(ctx)
	require.NoError(t, err)
	assert.True(t, h.provider.CanceledAtProvider(prior.OriginalTransactionID))

	next, err := h.engine.GetSubscription(ctx, "fakepay", yearly.Subscription.OriginalTransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.SubStatusPending, next.Status(h.clock.Now()))

	h.confirmPayment(t, yearly.Transaction.TransactionID)

	next, err = h.engine.GetSubscription(ctx, "fakepay", yearly.Subscription.OriginalTransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.SubStatusNotStart, next.Status(h.clock.Now()))
	assert.True(t, next.StartsAt.Equal(prior.ExpiresAt))
	assert.True(t, next.ExpiresAt.Equal(monthlyStart.Add(30*day).Add(365*day)))

	user, err := h.engine.User(ctx, "user-1")
	require.NoError(t, err)
	expire, ok := user.GetExpireTime("membership")
	require.True(t, ok)
	assert.True(t, expire.Equal(next.ExpiresAt))
}

func TestCancellationViaCallback(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	out, err := h.engine.PrepareSubscription(ctx, "fakepay", "premium-monthly", "user-1")
	require.NoError(t, err)
	originalID := out.Subscription.OriginalTransactionID
	startsAt := h.clock.Now()

	h.confirmPayment(t, out.Transaction.TransactionID)
	h.linkSubscribed(t, originalID)

	require.NoError(t, h.callback(t, fakeprovider.CallbackPayload{
		Type:                  string(models.EventSubscriptionCanceled),
		OriginalTransactionID: originalID,
		CanceledAt:            h.clock.Now(),
		Reason:                "user request",
	}))

	sub, err := h.engine.GetSubscription(ctx, "fakepay", originalID)
	require.NoError(t, err)
	assert.Equal(t, models.SubStatusCanceled, sub.Status(h.clock.Now()))
	assert.False(t, sub.RenewalEnabled)
	// The already-paid period is retained.
	assert.True(t, sub.ExpiresAt.Equal(startsAt.Add(30*day)))
}

func TestTwoPurchasesDifferentPaths(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	first, err := h.engine.PreparePurchase(ctx, "fakepay", "coin-pack-100", "user-1")
	require.NoError(t, err)

	// First purchase resolves by polling: the provider affirms success
	// after the payment window lapsed.
	h.provider.ScriptTransactionStatus(first.Transaction.TransactionID, &ports.TransactionStatusResult{
		Type:        ports.TxQuerySuccess,
		PurchasedAt: h.clock.Now(),
	})
	h.clock.Advance(DefaultConfig().PurchaseExpiresAfter + time.Minute)
	require.NoError(t, h.engine.CheckTransactions(ctx, "fakepay"))

	// Second purchase resolves by callback.
	second, err := h.engine.PreparePurchase(ctx, "fakepay", "coin-pack-100", "user-1")
	require.NoError(t, err)
	h.confirmPayment(t, second.Transaction.TransactionID)

	for _, id := range []string{first.Transaction.TransactionID, second.Transaction.TransactionID} {
		tx, err := h.engine.GetTransaction(ctx, "fakepay", id)
		require.NoError(t, err)
		assert.Equal(t, models.TxStatusCompleted, tx.Status())
	}

	user, err := h.engine.User(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, user.PurchaseTransactions, 2)
}

func TestSamePlanPrepareIsIdempotent(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	first, err := h.engine.PrepareSubscription(ctx, "fakepay", "premium-monthly", "user-1")
	require.NoError(t, err)
	h.confirmPayment(t, first.Transaction.TransactionID)

	second, err := h.engine.PrepareSubscription(ctx, "fakepay", "premium-monthly", "user-1")
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Subscription.OriginalTransactionID, second.Subscription.OriginalTransactionID)
	assert.Nil(t, second.Response)
}

func TestOperatorCancelQueuesProviderCancellation(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	out, err := h.engine.PrepareSubscription(ctx, "fakepay", "premium-monthly", "user-1")
	require.NoError(t, err)
	originalID := out.Subscription.OriginalTransactionID
	h.confirmPayment(t, out.Transaction.TransactionID)

	sub, err := h.engine.CancelSubscription(ctx, "fakepay", originalID)
	require.NoError(t, err)
	assert.NotNil(t, sub.CanceledAt)

	queued := h.actions.ByKind(models.ActionCancelProviderSubscription)
	require.Len(t, queued, 1)
	assert.Equal(t, models.ActionStatusPending, queued[0].Status)

	_, err = h.engine.DrainActions(ctx)
	require.NoError(t, err)
	assert.True(t, h.provider.CanceledAtProvider(originalID))
}

func TestUncompletedSubscriptionResolvedByPolling(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	out, err := h.engine.PrepareSubscription(ctx, "fakepay", "premium-monthly", "user-1")
	require.NoError(t, err)
	originalID := out.Subscription.OriginalTransactionID
	h.confirmPayment(t, out.Transaction.TransactionID)

	// The subscribed callback never arrived; polling fills the gap.
	require.NoError(t, h.engine.CheckUncompletedSubscription(ctx, "fakepay"))

	sub, err := h.engine.GetSubscription(ctx, "fakepay", originalID)
	require.NoError(t, err)
	assert.True(t, sub.RenewalEnabled)
}
