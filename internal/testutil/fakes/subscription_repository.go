package fakes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	pkgerrors "github.com/paykit/engine/pkg/errors"
)

// SubscriptionRepository is an in-memory ports.SubscriptionRepository.
type SubscriptionRepository struct {
	mu   sync.Mutex
	rows map[subKey]*models.Subscription
}

type subKey struct {
	provider              string
	originalTransactionID string
}

func NewSubscriptionRepository() *SubscriptionRepository {
	return &SubscriptionRepository{rows: make(map[subKey]*models.Subscription)}
}

func copySubscription(s *models.Subscription) *models.Subscription {
	c := *s
	c.TransactionIDs = append([]string(nil), s.TransactionIDs...)
	return &c
}

func (r *SubscriptionRepository) Insert(ctx context.Context, tx ports.DBTX, s *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := subKey{s.Provider, s.OriginalTransactionID}
	if _, exists := r.rows[key]; exists {
		return pkgerrors.Newf(pkgerrors.KindDuplicateAggregate,
			"subscription %s/%s already exists", s.Provider, s.OriginalTransactionID)
	}
	r.rows[key] = copySubscription(s)
	return nil
}

func (r *SubscriptionRepository) Get(ctx context.Context, db ports.DBTX, provider, originalTransactionID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.rows[subKey{provider, originalTransactionID}]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.KindNotFound,
			"subscription %s/%s not found", provider, originalTransactionID)
	}
	return copySubscription(s), nil
}

func (r *SubscriptionRepository) Update(ctx context.Context, tx ports.DBTX, s *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := subKey{s.Provider, s.OriginalTransactionID}
	stored, ok := r.rows[key]
	if !ok || stored.Version != s.Version {
		return pkgerrors.Newf(pkgerrors.KindConflict,
			"subscription %s/%s version %d is stale", s.Provider, s.OriginalTransactionID, s.Version)
	}
	s.Version++
	r.rows[key] = copySubscription(s)
	return nil
}

func (r *SubscriptionRepository) ListDueForRenewal(ctx context.Context, db ports.DBTX, provider string, now time.Time, renewalBefore time.Duration) ([]*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Subscription
	for _, s := range r.rows {
		if s.Provider != provider || s.IsCanceled() || !s.RenewalEnabled {
			continue
		}
		if s.InRenewalWindow(now, renewalBefore) {
			out = append(out, copySubscription(s))
		}
	}
	sortByExpiry(out)
	return out, nil
}

func (r *SubscriptionRepository) ListLiveForUserGroup(ctx context.Context, db ports.DBTX, userID, group string, now time.Time) ([]*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Subscription
	for _, s := range r.rows {
		if s.UserID == userID && s.ProductGroup == group && s.Live(now) {
			out = append(out, copySubscription(s))
		}
	}
	sortByExpiry(out)
	return out, nil
}

func (r *SubscriptionRepository) ListByUser(ctx context.Context, db ports.DBTX, userID string) ([]*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Subscription
	for _, s := range r.rows {
		if s.UserID == userID {
			out = append(out, copySubscription(s))
		}
	}
	sortByExpiry(out)
	return out, nil
}

func (r *SubscriptionRepository) ListUnlinked(ctx context.Context, db ports.DBTX, provider string) ([]*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Subscription
	for _, s := range r.rows {
		if s.Provider == provider && !s.IsCanceled() && !s.RenewalEnabled && !s.ExpiresAt.IsZero() {
			out = append(out, copySubscription(s))
		}
	}
	sortByExpiry(out)
	return out, nil
}

func sortByExpiry(subs []*models.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].ExpiresAt.Equal(subs[j].ExpiresAt) {
			return subs[i].OriginalTransactionID < subs[j].OriginalTransactionID
		}
		return subs[i].ExpiresAt.Before(subs[j].ExpiresAt)
	})
}
