package ports

import (
	"context"

	"github.com/google/uuid"
	"github.com/paykit/engine/internal/domain/models"
)

// ActionRepository persists post-transition side effects. Insert runs in
// the same store transaction as the transition that enqueues the action so
// a crash between transition and effect cannot lose the effect.
type ActionRepository interface {
	Insert(ctx context.Context, tx DBTX, a *models.Action) error

	Get(ctx context.Context, db DBTX, id uuid.UUID) (*models.Action, error)

	// ListPending returns up to limit pending actions, oldest first.
	ListPending(ctx context.Context, db DBTX, limit int32) ([]*models.Action, error)

	// Update persists status, attempts and lastError.
	Update(ctx context.Context, db DBTX, a *models.Action) error
}
