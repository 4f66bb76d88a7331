package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
)

// ActionRepository implements ports.ActionRepository on PostgreSQL.
type ActionRepository struct {
	db ports.DBPort
}

// NewActionRepository creates a new action repository
func NewActionRepository(db ports.DBPort) *ActionRepository {
	return &ActionRepository{db: db}
}

func (r *ActionRepository) q(db ports.DBTX) ports.DBTX {
	if db != nil {
		return db
	}
	return r.db.GetDB()
}

const actionColumns = `id, kind, provider, aggregate_id, user_id, payload,
	status, attempts, last_error, created_at, updated_at`

// Insert persists a pending action
func (r *ActionRepository) Insert(ctx context.Context, tx ports.DBTX, a *models.Action) error {
	_, err := r.q(tx).Exec(ctx, `
		INSERT INTO actions (`+actionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID,
		string(a.Kind),
		a.Provider,
		a.AggregateID,
		a.UserID,
		rawOrEmpty(a.Payload),
		string(a.Status),
		a.Attempts,
		nullText(a.LastError),
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return mapInsertErr(err, fmt.Sprintf("action %s", a.ID))
	}
	return nil
}

// Get retrieves an action by id
func (r *ActionRepository) Get(ctx context.Context, db ports.DBTX, id uuid.UUID) (*models.Action, error) {
	row := r.q(db).QueryRow(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		WHERE id = $1`,
		id)

	a, err := scanAction(row)
	if err != nil {
		return nil, mapGetErr(err, fmt.Sprintf("action %s", id))
	}
	return a, nil
}

// ListPending returns up to limit pending actions, oldest first
func (r *ActionRepository) ListPending(ctx context.Context, db ports.DBTX, limit int32) ([]*models.Action, error) {
	rows, err := r.q(db).Query(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`,
		string(models.ActionStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()

	var out []*models.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return out, nil
}

// Update persists delivery state
func (r *ActionRepository) Update(ctx context.Context, db ports.DBTX, a *models.Action) error {
	_, err := r.q(db).Exec(ctx, `
		UPDATE actions
		SET status = $1, attempts = $2, last_error = $3, updated_at = $4
		WHERE id = $5`,
		string(a.Status),
		a.Attempts,
		nullText(a.LastError),
		a.UpdatedAt,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	return nil
}

func scanAction(row pgx.Row) (*models.Action, error) {
	var (
		a         models.Action
		kind      string
		status    string
		lastError pgtype.Text
	)
	err := row.Scan(
		&a.ID,
		&kind,
		&a.Provider,
		&a.AggregateID,
		&a.UserID,
		&a.Payload,
		&status,
		&a.Attempts,
		&lastError,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Kind = models.ActionKind(kind)
	a.Status = models.ActionStatus(status)
	a.LastError = lastError.String
	return &a, nil
}
