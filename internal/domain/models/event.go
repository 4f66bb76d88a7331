package models

import (
	"encoding/json"
	"time"
)

// EventType tags provider-initiated events parsed from callbacks or
// produced by status polling.
type EventType string

const (
	EventPaymentConfirmed     EventType = "payment-confirmed"
	EventPaymentCanceled      EventType = "payment-canceled"
	EventSubscribed           EventType = "subscribed"
	EventSubscriptionRenewal  EventType = "subscription-renewal"
	EventSubscriptionCanceled EventType = "subscription-canceled"
)

// Event is the discriminated provider event. Type selects which fields
// are meaningful; the dispatcher rejects types it does not recognize.
type Event struct {
	Type EventType

	TransactionID         string
	OriginalTransactionID string

	PurchasedAt  time.Time
	SubscribedAt time.Time
	CanceledAt   time.Time
	FailedAt     time.Time

	// Duration is the entitlement granted by a subscription-renewal event.
	Duration time.Duration

	Reason string

	// Raw preserves the provider payload for audit storage.
	Raw json.RawMessage
}
