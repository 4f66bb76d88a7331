package models

import (
	"time"

	"github.com/paykit/engine/pkg/errors"
)

// SubscriptionStatus is derived from timestamps relative to a clock.
type SubscriptionStatus string

const (
	SubStatusPending  SubscriptionStatus = "pending"
	SubStatusNotStart SubscriptionStatus = "not-start"
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusExpired  SubscriptionStatus = "expired"
)

// Subscription is a recurring entitlement identified by (Provider,
// OriginalTransactionID). TransactionIDs is ordered: the first entry is the
// initiating payment, subsequent entries are renewals. StartsAt/ExpiresAt are
// derived from the confirmed transactions and recomputed on every write that
// adds or removes one.
type Subscription struct {
	Provider              string
	OriginalTransactionID string
	UserID                string
	ProductID             string
	ProductGroup          string

	TransactionIDs []string

	StartsAt  time.Time
	ExpiresAt time.Time

	CanceledAt     *time.Time
	RenewalEnabled bool

	// LastFailedAt records the most recent recoverable recharge failure.
	LastFailedAt    *time.Time
	RenewalAttempts int32

	Version       int64
	SchemaVersion int32
}

// Status derives the lifecycle state at the given instant. A subscription
// with no confirmed payment yet has a zero ExpiresAt and reports pending.
func (s *Subscription) Status(now time.Time) SubscriptionStatus {
	switch {
	case s.CanceledAt != nil:
		return SubStatusCanceled
	case s.ExpiresAt.IsZero():
		return SubStatusPending
	case now.Before(s.StartsAt):
		return SubStatusNotStart
	case now.Before(s.ExpiresAt):
		return SubStatusActive
	default:
		return SubStatusExpired
	}
}

// IsCanceled reports whether the subscription reached its terminal state.
func (s *Subscription) IsCanceled() bool {
	return s.CanceledAt != nil
}

// Live reports whether the subscription still claims the product group:
// not canceled, and either unconfirmed or not yet lapsed.
func (s *Subscription) Live(now time.Time) bool {
	switch s.Status(now) {
	case SubStatusPending, SubStatusNotStart, SubStatusActive:
		return true
	default:
		return false
	}
}

// InRenewalWindow reports whether the subscription is inside
// [ExpiresAt - renewalBefore, ExpiresAt).
func (s *Subscription) InRenewalWindow(now time.Time, renewalBefore time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt.Add(-renewalBefore)) && now.Before(s.ExpiresAt)
}

// ContainsTransaction reports whether id is already linked.
func (s *Subscription) ContainsTransaction(id string) bool {
	for _, linked := range s.TransactionIDs {
		if linked == id {
			return true
		}
	}
	return false
}

// LinkTransaction appends a transaction identity, keeping order and
// ignoring duplicates.
func (s *Subscription) LinkTransaction(id string) {
	if !s.ContainsTransaction(id) {
		s.TransactionIDs = append(s.TransactionIDs, id)
	}
}

// Recompute rederives StartsAt and ExpiresAt from the linked transactions:
// StartsAt is the StartsAt of the first completed transaction, ExpiresAt is
// StartsAt plus the sum of completed durations. With no completed
// transaction both stay zero and the subscription remains pending.
func (s *Subscription) Recompute(transactions []*Transaction) {
	byID := make(map[string]*Transaction, len(transactions))
	for _, t := range transactions {
		byID[t.TransactionID] = t
	}

	var startsAt time.Time
	var total time.Duration
	for _, id := range s.TransactionIDs {
		t, ok := byID[id]
		if !ok || t.Status() != TxStatusCompleted {
			continue
		}
		if startsAt.IsZero() {
			startsAt = t.StartsAt
		}
		total += t.Duration
	}

	if startsAt.IsZero() {
		s.StartsAt = time.Time{}
		s.ExpiresAt = time.Time{}
		return
	}
	s.StartsAt = startsAt
	s.ExpiresAt = startsAt.Add(total)
}

// EnableRenewal binds the out-of-band subscribed linkage. Re-applying the
// linkage is reported as already_applied; binding a canceled subscription
// is a conflicting terminal transition.
func (s *Subscription) EnableRenewal() error {
	if s.CanceledAt != nil {
		return errors.Newf(errors.KindConflictingTerminalTransition,
			"subscription %s is canceled", s.OriginalTransactionID)
	}
	if s.RenewalEnabled {
		return errors.Newf(errors.KindAlreadyApplied,
			"subscription %s already has renewal enabled", s.OriginalTransactionID)
	}
	s.RenewalEnabled = true
	return nil
}

// Cancel transitions to the terminal canceled state. The accrued
// entitlement window is retained: ExpiresAt is not touched.
func (s *Subscription) Cancel(canceledAt time.Time) error {
	if s.CanceledAt != nil {
		return errors.Newf(errors.KindAlreadyApplied,
			"subscription %s already canceled", s.OriginalTransactionID)
	}
	s.CanceledAt = &canceledAt
	s.RenewalEnabled = false
	return nil
}

// RecordRenewalFailure marks a recoverable recharge failure; the
// subscription stays active and eligible for retry.
func (s *Subscription) RecordRenewalFailure(failedAt time.Time) {
	s.LastFailedAt = &failedAt
	s.RenewalAttempts++
}

// ResetRenewalFailures clears failure tracking after a successful renewal.
func (s *Subscription) ResetRenewalFailures() {
	s.LastFailedAt = nil
	s.RenewalAttempts = 0
}
