package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	"github.com/paykit/engine/internal/services/registry"
	pkgerrors "github.com/paykit/engine/pkg/errors"
	"github.com/paykit/engine/pkg/resilience"
	"github.com/paykit/engine/pkg/timeutil"
)

// Config carries the transaction machine's knobs.
type Config struct {
	// PurchaseExpiresAfter is the payment window granted to a newly
	// prepared transaction.
	PurchaseExpiresAfter time.Duration

	// ConflictRetries bounds internal retries of optimistic-lock conflicts.
	ConflictRetries int
}

// Service drives the lifecycle of single payment attempts:
// pending -> completed or pending -> canceled, with terminal states
// immutable once reached.
type Service struct {
	db       ports.DBPort
	repo     ports.TransactionRepository
	registry *registry.Registry
	clock    timeutil.Clock
	logger   ports.Logger
	cfg      Config
	backoff  resilience.BackoffStrategy
}

// NewService creates a transaction service.
func NewService(
	db ports.DBPort,
	repo ports.TransactionRepository,
	reg *registry.Registry,
	clock timeutil.Clock,
	logger ports.Logger,
	cfg Config,
) *Service {
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	return &Service{
		db:       db,
		repo:     repo,
		registry: reg,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		backoff:  resilience.ConflictBackoff(),
	}
}

// PrepareOutcome is returned from a prepare operation. Response is the
// opaque provider payload the caller forwards to its payment client.
type PrepareOutcome struct {
	Response    json.RawMessage
	Transaction *models.Transaction
}

// PreparePurchase stages a one-off purchase: the adapter reserves a
// transaction at the provider and the engine persists it pending with a
// payment window of PurchaseExpiresAfter.
func (s *Service) PreparePurchase(ctx context.Context, provider, productID, userID string) (*PrepareOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindCanceled, "prepare purchase", err)
	}

	adapter, err := s.registry.Provider(provider)
	if err != nil {
		return nil, err
	}

	product, err := s.registry.Product(ctx, provider, productID)
	if err != nil {
		return nil, err
	}
	if product.Type != models.ProductTypePurchase {
		return nil, pkgerrors.Newf(pkgerrors.KindUnknownProduct, "product %q is not a purchase", productID)
	}

	now := s.clock.Now()
	paymentExpiresAt := now.Add(s.cfg.PurchaseExpiresAfter)

	prep, err := adapter.PreparePurchaseData(ctx, ports.PreparePurchaseRequest{
		Product:          product,
		UserID:           userID,
		PaymentExpiresAt: paymentExpiresAt,
	})
	if err != nil {
		return nil, pkgerrors.NewProviderError(provider, "preparePurchaseData", err)
	}

	t := &models.Transaction{
		Provider:         provider,
		TransactionID:    prep.TransactionID,
		UserID:           userID,
		ProductID:        productID,
		Type:             models.ProductTypePurchase,
		CreatedAt:        now,
		StartsAt:         now,
		PaymentExpiresAt: paymentExpiresAt,
		Raw:              prep.Response,
		Version:          1,
		SchemaVersion:    models.CurrentSchemaVersion,
	}

	err = s.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return s.repo.Insert(ctx, tx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("insert purchase transaction: %w", err)
	}

	s.logger.Info("purchase prepared",
		ports.String("provider", provider),
		ports.String("transaction_id", t.TransactionID),
		ports.String("product_id", productID),
		ports.String("user_id", userID))

	return &PrepareOutcome{Response: prep.Response, Transaction: t}, nil
}

// Get returns the current persisted state of a transaction.
func (s *Service) Get(ctx context.Context, provider, transactionID string) (*models.Transaction, error) {
	return s.repo.Get(ctx, nil, provider, transactionID)
}

// Confirm applies the completed terminal transition. Replays surface as
// already_applied; a completed-over-canceled clash surfaces as
// conflicting_terminal_transition and is never retried.
func (s *Service) Confirm(ctx context.Context, provider, transactionID string, purchasedAt time.Time) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.casRetry(ctx, func() error {
		t, err := s.repo.Get(ctx, nil, provider, transactionID)
		if err != nil {
			return err
		}
		if err := t.Complete(purchasedAt, s.clock.Now()); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, nil, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("transaction completed",
		ports.String("provider", provider),
		ports.String("transaction_id", transactionID))
	return out, nil
}

// Cancel applies the canceled terminal transition with the same replay
// semantics as Confirm.
func (s *Service) Cancel(ctx context.Context, provider, transactionID string, canceledAt time.Time) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.casRetry(ctx, func() error {
		t, err := s.repo.Get(ctx, nil, provider, transactionID)
		if err != nil {
			return err
		}
		if err := t.Cancel(canceledAt); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, nil, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("transaction canceled",
		ports.String("provider", provider),
		ports.String("transaction_id", transactionID))
	return out, nil
}

// ListExpired returns the provider's pending transactions whose payment
// window has lapsed.
func (s *Service) ListExpired(ctx context.Context, provider string) ([]*models.Transaction, error) {
	now := s.clock.Now()
	return s.repo.ListPending(ctx, nil, provider, &now)
}

// Reconcile polls the provider for the fate of a stuck transaction and
// applies the result. A provider that does not affirm success past the
// payment window leads to cancellation. Returns the transaction in its
// post-reconciliation state.
func (s *Service) Reconcile(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindCanceled, "reconcile transaction", err)
	}

	adapter, err := s.registry.Provider(t.Provider)
	if err != nil {
		return nil, err
	}

	status, err := adapter.QueryTransactionStatus(ctx, t.TransactionID)
	if err != nil {
		return nil, pkgerrors.NewProviderError(t.Provider, "queryTransactionStatus", err)
	}

	switch status.Type {
	case ports.TxQuerySuccess:
		purchasedAt := status.PurchasedAt
		if purchasedAt.IsZero() {
			purchasedAt = s.clock.Now()
		}
		updated, err := s.Confirm(ctx, t.Provider, t.TransactionID, purchasedAt)
		if pkgerrors.KindOf(err) == pkgerrors.KindAlreadyApplied {
			return s.repo.Get(ctx, nil, t.Provider, t.TransactionID)
		}
		return updated, err

	case ports.TxQueryCanceled:
		canceledAt := status.CanceledAt
		if canceledAt.IsZero() {
			canceledAt = s.clock.Now()
		}
		updated, err := s.Cancel(ctx, t.Provider, t.TransactionID, canceledAt)
		if pkgerrors.KindOf(err) == pkgerrors.KindAlreadyApplied {
			return s.repo.Get(ctx, nil, t.Provider, t.TransactionID)
		}
		return updated, err

	default:
		return nil, pkgerrors.Newf(pkgerrors.KindProviderFailure,
			"provider %s returned unknown transaction status %q", t.Provider, status.Type)
	}
}

// casRetry retries fn a bounded number of times on optimistic-lock
// conflicts. Terminal-transition clashes are not retried.
func (s *Service) casRetry(ctx context.Context, fn func() error) error {
	return resilience.Retry(ctx, s.cfg.ConflictRetries, s.backoff,
		func(err error) bool { return pkgerrors.KindOf(err) == pkgerrors.KindConflict },
		fn)
}
