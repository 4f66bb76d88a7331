package transaction

import (
	"context"
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

type txHarness struct {
	svc      *Service
	repo     *fakes.TransactionRepository
	provider *fakeprovider.Provider
	clock    *timeutil.FakeClock
}

func newTxHarness(t *testing.T) *txHarness {
	t.Helper()

	clock := timeutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	provider := fakeprovider.New("testpay", clock)
	provider.AddProduct(&models.Product{
		ID:    "coin-pack",
		Group: "coins",
		Type:  models.ProductTypePurchase,
	})
	provider.AddProduct(&models.Product{
		ID:       "premium",
		Group:    "membership",
		Type:     models.ProductTypeSubscription,
		Duration: 30 * 24 * time.Hour,
	})

	repo := fakes.NewTransactionRepository()
	svc := NewService(fakes.NewDB(), repo, registry.New(provider), clock, fakes.NewLogger(), Config{
		PurchaseExpiresAfter: 30 * time.Minute,
	})

	return &txHarness{svc: svc, repo: repo, provider: provider, clock: clock}
}

func TestPreparePurchase(t *testing.T) {
	h := newTxHarness(t)
	ctx := context.Background()

	out, err := h.svc.PreparePurchase(ctx, "testpay", "coin-pack", "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, out.Response)

	tx := out.Transaction
	assert.Equal(t, models.TxStatusPending, tx.Status())
	assert.Equal(t, "", tx.OriginalTransactionID)
	assert.True(t, tx.PaymentExpiresAt.Equal(h.clock.Now().Add(30*time.Minute)))

	stored, err := h.svc.Get(ctx, "testpay", tx.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, tx.TransactionID, stored.TransactionID)
}

func TestPreparePurchaseRejectsNonPurchaseProduct(t *testing.T) {
	h := newTxHarness(t)

	_, err := h.svc.PreparePurchase(context.Background(), "testpay", "premium", "user-1")
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownProduct)
}

func TestPreparePurchaseUnknownProvider(t *testing.T) {
	h := newTxHarness(t)

	_, err := h.svc.PreparePurchase(context.Background(), "ghostpay", "coin-pack", "user-1")
	assert.ErrorIs(t, err, pkgerrors.ErrProviderFailure)
}

func TestConfirmReplaySemantics(t *testing.T) {
	h := newTxHarness(t)
	ctx := context.Background()

	out, err := h.svc.PreparePurchase(ctx, "testpay", "coin-pack", "user-1")
	require.NoError(t, err)
	id := out.Transaction.TransactionID

	confirmed, err := h.svc.Confirm(ctx, "testpay", id, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCompleted, confirmed.Status())

	_, err = h.svc.Confirm(ctx, "testpay", id, h.clock.Now())
	assert.ErrorIs(t, err, pkgerrors.ErrAlreadyApplied)

	// A completed transaction never flips to canceled.
	_, err = h.svc.Cancel(ctx, "testpay", id, h.clock.Now())
	assert.ErrorIs(t, err, pkgerrors.ErrConflictingTerminalTransition)

	stored, err := h.svc.Get(ctx, "testpay", id)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCompleted, stored.Status())
}

func TestListExpired(t *testing.T) {
	h := newTxHarness(t)
	ctx := context.Background()

	out, err := h.svc.PreparePurchase(ctx, "testpay", "coin-pack", "user-1")
	require.NoError(t, err)

	expired, err := h.svc.ListExpired(ctx, "testpay")
	require.NoError(t, err)
	assert.Empty(t, expired, "inside the payment window nothing is expired")

	h.clock.Advance(31 * time.Minute)
	expired, err = h.svc.ListExpired(ctx, "testpay")
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, out.Transaction.TransactionID, expired[0].TransactionID)

	// Terminal transactions leave the pending set.
	_, err = h.svc.Confirm(ctx, "testpay", out.Transaction.TransactionID, h.clock.Now())
	require.NoError(t, err)
	expired, err = h.svc.ListExpired(ctx, "testpay")
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestReconcileAppliesProviderVerdict(t *testing.T) {
	h := newTxHarness(t)
	ctx := context.Background()

	paid, err := h.svc.PreparePurchase(ctx, "testpay", "coin-pack", "user-1")
	require.NoError(t, err)
	unpaid, err := h.svc.PreparePurchase(ctx, "testpay", "coin-pack", "user-2")
	require.NoError(t, err)

	h.provider.ScriptTransactionStatus(paid.Transaction.TransactionID, &ports.TransactionStatusResult{
		Type:        ports.TxQuerySuccess,
		PurchasedAt: h.clock.Now(),
	})

	updated, err := h.svc.Reconcile(ctx, paid.Transaction)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCompleted, updated.Status())

	// Unscripted transactions report canceled, like a voided order.
	updated, err = h.svc.Reconcile(ctx, unpaid.Transaction)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCanceled, updated.Status())
}

func TestReconcileIsQuietOnReplay(t *testing.T) {
	h := newTxHarness(t)
	ctx := context.Background()

	out, err := h.svc.PreparePurchase(ctx, "testpay", "coin-pack", "user-1")
	require.NoError(t, err)
	id := out.Transaction.TransactionID

	_, err = h.svc.Confirm(ctx, "testpay", id, h.clock.Now())
	require.NoError(t, err)

	h.provider.ScriptTransactionStatus(id, &ports.TransactionStatusResult{
		Type:        ports.TxQuerySuccess,
		PurchasedAt: h.clock.Now(),
	})

	// Polling a transaction that already reached the reported state is a
	// no-op, unlike the loud callback path.
	stale, err := h.svc.Get(ctx, "testpay", id)
	require.NoError(t, err)
	updated, err := h.svc.Reconcile(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCompleted, updated.Status())
}
