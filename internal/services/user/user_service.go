package user

import (
	"context"
	"fmt"

	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	"github.com/paykit/engine/pkg/timeutil"
)

// Service assembles the read-side user projection from both repositories.
type Service struct {
	subs  ports.SubscriptionRepository
	txs   ports.TransactionRepository
	clock timeutil.Clock
}

// NewService creates a user projection service.
func NewService(subs ports.SubscriptionRepository, txs ports.TransactionRepository, clock timeutil.Clock) *Service {
	return &Service{subs: subs, txs: txs, clock: clock}
}

// User builds the projection: every subscription of the user (canceled
// ones feed group expiry but are dropped from the visible list) plus the
// completed purchase transactions.
func (s *Service) User(ctx context.Context, userID string) (*models.User, error) {
	subs, err := s.subs.ListByUser(ctx, nil, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for user %s: %w", userID, err)
	}

	purchases, err := s.txs.ListCompletedPurchases(ctx, nil, userID)
	if err != nil {
		return nil, fmt.Errorf("list purchases for user %s: %w", userID, err)
	}

	return models.NewUser(userID, subs, purchases), nil
}
