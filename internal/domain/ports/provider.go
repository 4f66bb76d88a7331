package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/paykit/engine/internal/domain/models"
)

// Capability names an optional provider adapter operation. Adapters
// advertise what they support; the engine fails loudly instead of
// silently skipping a missing operation.
type Capability string

const (
	CapabilityCancelSubscription Capability = "cancel-subscription"
	CapabilityQuerySubscription  Capability = "query-subscription"
	CapabilityRecharge           Capability = "recharge"
)

// PreparePurchaseRequest carries the engine state an adapter needs to
// stage a one-off purchase with its provider.
type PreparePurchaseRequest struct {
	Product          *models.Product
	UserID           string
	PaymentExpiresAt time.Time
}

// PrepareSubscriptionRequest carries the engine state an adapter needs to
// stage the initial payment of a subscription.
type PrepareSubscriptionRequest struct {
	Product          *models.Product
	UserID           string
	StartsAt         time.Time
	PaymentExpiresAt time.Time
}

// PrepareResult is the provider's staging result. Response is opaque to
// the engine and forwarded verbatim to the caller's payment client.
type PrepareResult struct {
	Response              json.RawMessage
	TransactionID         string
	OriginalTransactionID string
	Duration              time.Duration
}

// TransactionStatusType is the outcome of polling a transaction.
type TransactionStatusType string

const (
	TxQuerySuccess  TransactionStatusType = "success"
	TxQueryCanceled TransactionStatusType = "canceled"
)

// TransactionStatusResult reports the provider-side fate of a payment.
type TransactionStatusResult struct {
	Type        TransactionStatusType
	PurchasedAt time.Time
	CanceledAt  time.Time
}

// SubscriptionStatusType is the outcome of polling a subscription.
type SubscriptionStatusType string

const (
	SubQuerySubscribed SubscriptionStatusType = "subscribed"
	SubQueryCanceled   SubscriptionStatusType = "canceled"
)

// SubscriptionStatusResult reports the provider-side subscription state.
type SubscriptionStatusResult struct {
	Type                  SubscriptionStatusType
	OriginalTransactionID string
	SubscribedAt          time.Time
	CanceledAt            time.Time
}

// RechargeOutcome discriminates the result of a renewal charge attempt.
type RechargeOutcome string

const (
	RechargeRenewed  RechargeOutcome = "subscription-renewal"
	RechargeFailed   RechargeOutcome = "recharge-failed"
	RechargeCanceled RechargeOutcome = "subscription-canceled"
)

// RechargeResult is the adapter's verdict on one renewal attempt.
// RechargeRenewed fills TransactionID/PurchasedAt/Duration; RechargeFailed
// fills FailedAt/Reason and leaves the subscription retryable;
// RechargeCanceled fills CanceledAt/Reason and is terminal.
type RechargeResult struct {
	Outcome RechargeOutcome

	TransactionID string
	PurchasedAt   time.Time
	Duration      time.Duration

	FailedAt   time.Time
	CanceledAt time.Time
	Reason     string

	Raw json.RawMessage
}

// ProviderAdapter is the engine-facing wrapper around one payment
// back-end. Adapters are untrusted: every result is validated against the
// engine's own state before a transition is applied.
type ProviderAdapter interface {
	Name() string

	// Supports reports whether an optional operation is implemented.
	Supports(c Capability) bool

	// RequireProduct resolves a product descriptor or fails with
	// unknown_product.
	RequireProduct(ctx context.Context, productID string) (*models.Product, error)

	PreparePurchaseData(ctx context.Context, req PreparePurchaseRequest) (*PrepareResult, error)
	PrepareSubscriptionData(ctx context.Context, req PrepareSubscriptionRequest) (*PrepareResult, error)

	// ParseCallback decodes a provider-initiated payload into a tagged
	// event, or fails with unrecognized_event.
	ParseCallback(ctx context.Context, payload []byte) (*models.Event, error)

	QueryTransactionStatus(ctx context.Context, transactionID string) (*TransactionStatusResult, error)
	QuerySubscriptionStatus(ctx context.Context, originalTransactionID string) (*SubscriptionStatusResult, error)

	// RechargeSubscription attempts one renewal charge. attempt carries
	// the consecutive-failure counter so the provider can apply its own
	// grace semantics.
	RechargeSubscription(ctx context.Context, original *models.Transaction, attempt int) (*RechargeResult, error)

	// CancelSubscription stops provider-side billing. Only valid when
	// Supports(CapabilityCancelSubscription).
	CancelSubscription(ctx context.Context, original *models.Transaction) (bool, error)
}
