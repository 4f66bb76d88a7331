package models

import (
	"encoding/json"
	"time"

	"github.com/paykit/engine/pkg/errors"
)

// TransactionStatus is derived from the terminal timestamps, never stored.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusCanceled  TransactionStatus = "canceled"
)

// Transaction is a single payment attempt. Identity is (Provider,
// TransactionID), globally unique. CompletedAt and CanceledAt are mutually
// exclusive; whichever is set first is terminal and immutable.
type Transaction struct {
	Provider      string
	TransactionID string
	UserID        string
	ProductID     string
	Type          ProductType

	CreatedAt        time.Time
	StartsAt         time.Time
	PaymentExpiresAt time.Time
	PurchasedAt      *time.Time
	CompletedAt      *time.Time
	CanceledAt       *time.Time

	// Duration is set for subscription transactions only and is the
	// entitlement this payment contributes once completed.
	Duration time.Duration

	// OriginalTransactionID links renewals (and the initiating payment
	// itself) to the subscription they belong to. Empty for purchases.
	OriginalTransactionID string

	// Raw is the opaque provider response captured at preparation or
	// confirmation time.
	Raw json.RawMessage

	Version       int64
	SchemaVersion int32
}

// Status derives the lifecycle state from the terminal timestamps.
func (t *Transaction) Status() TransactionStatus {
	switch {
	case t.CompletedAt != nil:
		return TxStatusCompleted
	case t.CanceledAt != nil:
		return TxStatusCanceled
	default:
		return TxStatusPending
	}
}

// IsTerminal reports whether the transaction reached completed or canceled.
func (t *Transaction) IsTerminal() bool {
	return t.CompletedAt != nil || t.CanceledAt != nil
}

// Complete transitions pending -> completed. Replaying a completion is
// reported as already_applied so callers can decide between a quiet no-op
// (polling) and a loud rejection (callbacks). Completing a canceled
// transaction is a conflicting terminal transition and always an error.
func (t *Transaction) Complete(purchasedAt, completedAt time.Time) error {
	if t.CompletedAt != nil {
		return errors.Newf(errors.KindAlreadyApplied, "transaction %s already completed", t.TransactionID)
	}
	if t.CanceledAt != nil {
		return errors.Newf(errors.KindConflictingTerminalTransition,
			"transaction %s is canceled and cannot be completed", t.TransactionID)
	}
	if purchasedAt.After(completedAt) {
		purchasedAt = completedAt
	}
	t.PurchasedAt = &purchasedAt
	t.CompletedAt = &completedAt
	return nil
}

// Cancel transitions pending -> canceled, with the same replay semantics
// as Complete.
func (t *Transaction) Cancel(canceledAt time.Time) error {
	if t.CanceledAt != nil {
		return errors.Newf(errors.KindAlreadyApplied, "transaction %s already canceled", t.TransactionID)
	}
	if t.CompletedAt != nil {
		return errors.Newf(errors.KindConflictingTerminalTransition,
			"transaction %s is completed and cannot be canceled", t.TransactionID)
	}
	t.CanceledAt = &canceledAt
	return nil
}

// PaymentExpired reports whether the payment window has lapsed while the
// transaction is still pending.
func (t *Transaction) PaymentExpired(now time.Time) bool {
	return !t.IsTerminal() && !t.PaymentExpiresAt.After(now)
}
