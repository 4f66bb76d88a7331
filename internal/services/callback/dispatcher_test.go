package callback

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fakeprovider "github.com/paykit/engine/internal/adapters/provider/fake"
	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/services/action"
	"github.com/paykit/engine/internal/services/registry"
	"github.com/paykit/engine/internal/services/subscription"
	"github.com/paykit/engine/internal/services/transaction"
	"github.com/paykit/engine/internal/testutil/fakes"
	pkgerrors "github.com/paykit/engine/pkg/errors"
	"github.com/paykit/engine/pkg/timeutil"
)

type dispatcherHarness struct {
	dispatcher *Dispatcher
	subs       *subscription.Service
	provider   *fakeprovider.Provider
	clock      *timeutil.FakeClock
}

func newDispatcherHarness(t *testing.T) *dispatcherHarness {
	t.Helper()

	clock := timeutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	provider := fakeprovider.New("testpay", clock)
	provider.AddProduct(&models.Product{
		ID:       "premium-monthly",
		Group:    "membership",
		Type:     models.ProductTypeSubscription,
		Duration: 30 * 24 * time.Hour,
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

	return &dispatcherHarness{
		dispatcher: NewDispatcher(reg, txs, subs, clock, logger),
		subs:       subs,
		provider:   provider,
		clock:      clock,
	}
}

func (h *dispatcherHarness) handle(t *testing.T, payload fakeprovider.CallbackPayload) error {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return h.dispatcher.HandleCallback(context.Background(), "testpay", raw)
}

func TestHandleCallbackMalformedPayload(t *testing.T) {
	h := newDispatcherHarness(t)

	err := h.dispatcher.HandleCallback(context.Background(), "testpay", []byte("not json"))
	assert.ErrorIs(t, err, pkgerrors.ErrUnrecognizedEvent)
}

func TestHandleCallbackUnknownEventType(t *testing.T) {
	h := newDispatcherHarness(t)

	err := h.handle(t, fakeprovider.CallbackPayload{Type: "refund-issued", TransactionID: "txn-1"})
	assert.ErrorIs(t, err, pkgerrors.ErrUnrecognizedEvent)
}

func TestHandleCallbackUnknownProvider(t *testing.T) {
	h := newDispatcherHarness(t)

	err := h.dispatcher.HandleCallback(context.Background(), "ghostpay", []byte(`{"type":"payment-confirmed"}`))
	assert.ErrorIs(t, err, pkgerrors.ErrProviderFailure)
}

func TestHandleCallbackConfirmsAndActivates(t *testing.T) {
	h := newDispatcherHarness(t)
	ctx := context.Background()

	out, err := h.subs.Prepare(ctx, "testpay", "premium-monthly", "user-1")
	require.NoError(t, err)

	require.NoError(t, h.handle(t, fakeprovider.CallbackPayload{
		Type:          string(models.EventPaymentConfirmed),
		TransactionID: out.Transaction.TransactionID,
		PurchasedAt:   h.clock.Now(),
	}))

	sub, err := h.subs.Get(ctx, "testpay", out.Subscription.OriginalTransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.SubStatusActive, sub.Status(h.clock.Now()))
}

func TestHandleCallbackReplayIsRejected(t *testing.T) {
	h := newDispatcherHarness(t)
	ctx := context.Background()

	out, err := h.subs.Prepare(ctx, "testpay", "premium-monthly", "user-1")
	require.NoError(t, err)

	payload := fakeprovider.CallbackPayload{
		Type:          string(models.EventPaymentConfirmed),
		TransactionID: out.Transaction.TransactionID,
		PurchasedAt:   h.clock.Now(),
	}
	require.NoError(t, h.handle(t, payload))

	err = h.handle(t, payload)
	assert.ErrorIs(t, err, pkgerrors.ErrCallbackRejected)
}

func TestHandleCallbackConflictingTerminalIsRejected(t *testing.T) {
	h := newDispatcherHarness(t)
	ctx := context.Background()

	out, err := h.subs.Prepare(ctx, "testpay", "premium-monthly", "user-1")
	require.NoError(t, err)

	require.NoError(t, h.handle(t, fakeprovider.CallbackPayload{
		Type:          string(models.EventPaymentCanceled),
		TransactionID: out.Transaction.TransactionID,
		CanceledAt:    h.clock.Now(),
	}))

	// The provider later contradicts itself; the recorded terminal state
	// wins and the callback is rejected.
	err = h.handle(t, fakeprovider.CallbackPayload{
		Type:          string(models.EventPaymentConfirmed),
		TransactionID: out.Transaction.TransactionID,
		PurchasedAt:   h.clock.Now(),
	})
	assert.ErrorIs(t, err, pkgerrors.ErrCallbackRejected)
}

func TestHandleCallbackPaymentCanceledCascades(t *testing.T) {
	h := newDispatcherHarness(t)
	ctx := context.Background()

	out, err := h.subs.Prepare(ctx, "testpay", "premium-monthly", "user-1")
	require.NoError(t, err)

	require.NoError(t, h.handle(t, fakeprovider.CallbackPayload{
		Type:          string(models.EventPaymentCanceled),
		TransactionID: out.Transaction.TransactionID,
		CanceledAt:    h.clock.Now(),
	}))

	sub, err := h.subs.Get(ctx, "testpay", out.Subscription.OriginalTransactionID)
	require.NoError(t, err)
	assert.True(t, sub.IsCanceled())
}

func TestHandleCallbackSubscriptionLifecycleEvents(t *testing.T) {
	h := newDispatcherHarness(t)
	ctx := context.Background()

	out, err := h.subs.Prepare(ctx, "testpay", "premium-monthly", "user-1")
	require.NoError(t, err)
	originalID := out.Subscription.OriginalTransactionID

	require.NoError(t, h.handle(t, fakeprovider.CallbackPayload{
		Type:          string(models.EventPaymentConfirmed),
		TransactionID: out.Transaction.TransactionID,
		PurchasedAt:   h.clock.Now(),
	}))
	require.NoError(t, h.handle(t, fakeprovider.CallbackPayload{
		Type:                  string(models.EventSubscribed),
		OriginalTransactionID: originalID,
		SubscribedAt:          h.clock.Now(),
	}))
	require.NoError(t, h.handle(t, fakeprovider.CallbackPayload{
		Type:                  string(models.EventSubscriptionRenewal),
		TransactionID:         "renew-1",
		OriginalTransactionID: originalID,
		PurchasedAt:           h.clock.Now(),
		DurationSeconds:       int64((30 * 24 * time.Hour) / time.Second),
	}))
	require.NoError(t, h.handle(t, fakeprovider.CallbackPayload{
		Type:                  string(models.EventSubscriptionCanceled),
		OriginalTransactionID: originalID,
		CanceledAt:            h.clock.Now(),
		Reason:                "user request",
	}))

	sub, err := h.subs.Get(ctx, "testpay", originalID)
	require.NoError(t, err)
	assert.True(t, sub.IsCanceled())
	assert.Contains(t, sub.TransactionIDs, "renew-1")
	assert.True(t, sub.ExpiresAt.Equal(sub.StartsAt.Add(60*24*time.Hour)))
}
