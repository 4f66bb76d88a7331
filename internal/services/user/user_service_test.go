package user

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/testutil/fakes"
	"github.com/paykit/engine/pkg/timeutil"
)

const day = 24 * time.Hour

func TestUserProjection(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewFakeClock(now)

	subRepo := fakes.NewSubscriptionRepository()
	txRepo := fakes.NewTransactionRepository()
	svc := NewService(subRepo, txRepo, clock)

	canceledAt := now.Add(-day)
	require.NoError(t, subRepo.Insert(ctx, nil, &models.Subscription{
		Provider:              "testpay",
		OriginalTransactionID: "sub-active",
		UserID:                "user-1",
		ProductID:             "premium-monthly",
		ProductGroup:          "membership",
		StartsAt:              now.Add(-10 * day),
		ExpiresAt:             now.Add(20 * day),
		Version:               1,
	}))
	// Canceled but still inside its paid window: dropped from the visible
	// list, still counted for group expiry.
	require.NoError(t, subRepo.Insert(ctx, nil, &models.Subscription{
		Provider:              "testpay",
		OriginalTransactionID: "sub-canceled",
		UserID:                "user-1",
		ProductID:             "premium-yearly",
		ProductGroup:          "membership",
		StartsAt:              now.Add(-5 * day),
		ExpiresAt:             now.Add(360 * day),
		CanceledAt:            &canceledAt,
		Version:               1,
	}))

	purchasedAt := now.Add(-2 * day)
	require.NoError(t, txRepo.Insert(ctx, nil, &models.Transaction{
		Provider:      "testpay",
		TransactionID: "txn-coins",
		UserID:        "user-1",
		ProductID:     "coin-pack",
		Type:          models.ProductTypePurchase,
		CreatedAt:     purchasedAt,
		StartsAt:      purchasedAt,
		PurchasedAt:   &purchasedAt,
		CompletedAt:   &purchasedAt,
		Version:       1,
	}))
	require.NoError(t, txRepo.Insert(ctx, nil, &models.Transaction{
		Provider:      "testpay",
		TransactionID: "txn-pending",
		UserID:        "user-1",
		ProductID:     "coin-pack",
		Type:          models.ProductTypePurchase,
		CreatedAt:     now,
		StartsAt:      now,
		Version:       1,
	}))

	u, err := svc.User(ctx, "user-1")
	require.NoError(t, err)

	require.Len(t, u.Subscriptions, 1)
	assert.Equal(t, "sub-active", u.Subscriptions[0].OriginalTransactionID)

	require.Len(t, u.PurchaseTransactions, 1)
	assert.Equal(t, "txn-coins", u.PurchaseTransactions[0].TransactionID)

	expire, ok := u.GetExpireTime("membership")
	require.True(t, ok)
	assert.True(t, expire.Equal(now.Add(360*day)), "canceled subscription holds the latest expiry")

	_, ok = u.GetExpireTime("coins")
	assert.False(t, ok)
}

func TestUserProjectionEmpty(t *testing.T) {
	clock := timeutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(fakes.NewSubscriptionRepository(), fakes.NewTransactionRepository(), clock)

	u, err := svc.User(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, u.Subscriptions)
	assert.Empty(t, u.PurchaseTransactions)
}
