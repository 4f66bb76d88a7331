package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActionKind names a post-transition side effect.
type ActionKind string

const (
	// ActionCancelProviderSubscription asks the provider to stop billing a
	// superseded or canceled subscription.
	ActionCancelProviderSubscription ActionKind = "cancel-provider-subscription"
	// ActionNotifySubscriptionActivated emits the activation notification
	// after the first confirmed payment.
	ActionNotifySubscriptionActivated ActionKind = "notify-subscription-activated"
)

// ActionStatus tracks the delivery state of a queued action.
type ActionStatus string

const (
	ActionStatusPending ActionStatus = "pending"
	ActionStatusDone    ActionStatus = "done"
	ActionStatusFailed  ActionStatus = "failed"
)

// Action is a persisted post-transition effect. It is written in the same
// repository transaction as the transition that triggered it, so crash
// recovery re-drives it. Delivery is at-least-once; handlers must be
// idempotent.
type Action struct {
	ID       uuid.UUID
	Kind     ActionKind
	Provider string

	// AggregateID locates the target aggregate: the subscription's
	// original transaction id for subscription actions.
	AggregateID string
	UserID      string

	Payload json.RawMessage

	Status    ActionStatus
	Attempts  int32
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAction creates a pending action.
func NewAction(kind ActionKind, provider, aggregateID, userID string, payload json.RawMessage, now time.Time) *Action {
	return &Action{
		ID:          uuid.New(),
		Kind:        kind,
		Provider:    provider,
		AggregateID: aggregateID,
		UserID:      userID,
		Payload:     payload,
		Status:      ActionStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
