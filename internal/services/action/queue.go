package action

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	"github.com/paykit/engine/pkg/observability"
	"github.com/paykit/engine/pkg/timeutil"
)

// HandlerFunc executes one queued action. Delivery is at-least-once, so
// handlers must tolerate replays.
type HandlerFunc func(ctx context.Context, a *models.Action) error

// Queue is the persisted post-transition effect queue. Actions are
// enqueued inside the same store transaction as the state transition that
// triggered them; a worker drains them afterwards, surviving crashes in
// between.
type Queue struct {
	db     ports.DBPort
	repo   ports.ActionRepository
	clock  timeutil.Clock
	logger ports.Logger

	mu       sync.RWMutex
	handlers map[models.ActionKind]HandlerFunc

	maxAttempts int32
	batchSize   int32
}

// NewQueue creates an action queue. Actions are marked failed after
// maxAttempts unsuccessful deliveries.
func NewQueue(db ports.DBPort, repo ports.ActionRepository, clock timeutil.Clock, logger ports.Logger, maxAttempts int32) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{
		db:          db,
		repo:        repo,
		clock:       clock,
		logger:      logger,
		handlers:    make(map[models.ActionKind]HandlerFunc),
		maxAttempts: maxAttempts,
		batchSize:   64,
	}
}

// RegisterHandler binds a handler to an action kind.
func (q *Queue) RegisterHandler(kind models.ActionKind, fn HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = fn
}

// Enqueue persists a pending action inside the caller's transaction so the
// action commits or rolls back together with its trigger transition.
func (q *Queue) Enqueue(ctx context.Context, tx ports.DBTX, a *models.Action) error {
	if err := q.repo.Insert(ctx, tx, a); err != nil {
		return fmt.Errorf("enqueue action %s: %w", a.Kind, err)
	}
	return nil
}

// RunOnce drains one batch of pending actions. Per-action failures are
// recorded on the action and do not abort the batch.
func (q *Queue) RunOnce(ctx context.Context) (int, error) {
	actions, err := q.repo.ListPending(ctx, nil, q.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending actions: %w", err)
	}

	processed := 0
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		q.dispatch(ctx, a)
		processed++
	}
	return processed, nil
}

// Run drains the queue on the given interval until the context ends.
func (q *Queue) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := q.RunOnce(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("action queue pass failed", ports.Err(err))
			}
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, a *models.Action) {
	q.mu.RLock()
	handler, ok := q.handlers[a.Kind]
	q.mu.RUnlock()

	a.Attempts++
	a.UpdatedAt = q.clock.Now()

	if !ok {
		a.Status = models.ActionStatusFailed
		a.LastError = fmt.Sprintf("no handler registered for kind %q", a.Kind)
		q.logger.Error("action has no handler",
			ports.String("action_id", a.ID.String()),
			ports.String("kind", string(a.Kind)))
	} else if err := handler(ctx, a); err != nil {
		a.LastError = err.Error()
		if a.Attempts >= q.maxAttempts {
			a.Status = models.ActionStatusFailed
		}
		q.logger.Warn("action delivery failed",
			ports.String("action_id", a.ID.String()),
			ports.String("kind", string(a.Kind)),
			ports.Int("attempts", int(a.Attempts)),
			ports.Err(err))
	} else {
		a.Status = models.ActionStatusDone
		a.LastError = ""
	}

	observability.RecordAction(string(a.Kind), string(a.Status))

	if err := q.repo.Update(ctx, nil, a); err != nil {
		q.logger.Error("persist action state failed",
			ports.String("action_id", a.ID.String()),
			ports.Err(err))
	}
}
