package fakes

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	pkgerrors "github.com/paykit/engine/pkg/errors"
)

// ActionRepository is an in-memory ports.ActionRepository.
type ActionRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Action
}

func NewActionRepository() *ActionRepository {
	return &ActionRepository{rows: make(map[uuid.UUID]*models.Action)}
}

func copyAction(a *models.Action) *models.Action {
	c := *a
	return &c
}

func (r *ActionRepository) Insert(ctx context.Context, tx ports.DBTX, a *models.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rows[a.ID]; exists {
		return pkgerrors.Newf(pkgerrors.KindDuplicateAggregate, "action %s already exists", a.ID)
	}
	r.rows[a.ID] = copyAction(a)
	return nil
}

func (r *ActionRepository) Get(ctx context.Context, db ports.DBTX, id uuid.UUID) (*models.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.rows[id]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.KindNotFound, "action %s not found", id)
	}
	return copyAction(a), nil
}

func (r *ActionRepository) ListPending(ctx context.Context, db ports.DBTX, limit int32) ([]*models.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Action
	for _, a := range r.rows {
		if a.Status == models.ActionStatusPending {
			out = append(out, copyAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ActionRepository) Update(ctx context.Context, db ports.DBTX, a *models.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[a.ID]; !ok {
		return pkgerrors.Newf(pkgerrors.KindNotFound, "action %s not found", a.ID)
	}
	r.rows[a.ID] = copyAction(a)
	return nil
}

// ByKind returns delivered and pending actions of one kind, for test
// assertions.
func (r *ActionRepository) ByKind(kind models.ActionKind) []*models.Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Action
	for _, a := range r.rows {
		if a.Kind == kind {
			out = append(out, copyAction(a))
		}
	}
	return out
}
