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

// TransactionRepository is an in-memory ports.TransactionRepository.
type TransactionRepository struct {
	mu   sync.Mutex
	rows map[txKey]*models.Transaction
}

type txKey struct {
	provider      string
	transactionID string
}

func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{rows: make(map[txKey]*models.Transaction)}
}

func copyTransaction(t *models.Transaction) *models.Transaction {
	c := *t
	return &c
}

func (r *TransactionRepository) Insert(ctx context.Context, tx ports.DBTX, t *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := txKey{t.Provider, t.TransactionID}
	if _, exists := r.rows[key]; exists {
		return pkgerrors.Newf(pkgerrors.KindDuplicateAggregate,
			"transaction %s/%s already exists", t.Provider, t.TransactionID)
	}
	r.rows[key] = copyTransaction(t)
	return nil
}

func (r *TransactionRepository) Get(ctx context.Context, db ports.DBTX, provider, transactionID string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.rows[txKey{provider, transactionID}]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.KindNotFound,
			"transaction %s/%s not found", provider, transactionID)
	}
	return copyTransaction(t), nil
}

func (r *TransactionRepository) Update(ctx context.Context, tx ports.DBTX, t *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := txKey{t.Provider, t.TransactionID}
	stored, ok := r.rows[key]
	if !ok || stored.Version != t.Version {
		return pkgerrors.Newf(pkgerrors.KindConflict,
			"transaction %s/%s version %d is stale", t.Provider, t.TransactionID, t.Version)
	}
	t.Version++
	r.rows[key] = copyTransaction(t)
	return nil
}

func (r *TransactionRepository) ListPending(ctx context.Context, db ports.DBTX, provider string, expiresBefore *time.Time) ([]*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Transaction
	for _, t := range r.rows {
		if t.Provider != provider || t.IsTerminal() {
			continue
		}
		if expiresBefore != nil && t.PaymentExpiresAt.After(*expiresBefore) {
			continue
		}
		out = append(out, copyTransaction(t))
	}
	sortByCreated(out)
	return out, nil
}

func (r *TransactionRepository) ListByOriginal(ctx context.Context, db ports.DBTX, provider, originalTransactionID string) ([]*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Transaction
	for _, t := range r.rows {
		if t.Provider == provider && t.OriginalTransactionID == originalTransactionID {
			out = append(out, copyTransaction(t))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (r *TransactionRepository) ListCompletedPurchases(ctx context.Context, db ports.DBTX, userID string) ([]*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Transaction
	for _, t := range r.rows {
		if t.UserID == userID && t.Type == models.ProductTypePurchase && t.Status() == models.TxStatusCompleted {
			out = append(out, copyTransaction(t))
		}
	}
	sortByCreated(out)
	return out, nil
}

func sortByCreated(ts []*models.Transaction) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].TransactionID < ts[j].TransactionID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}
