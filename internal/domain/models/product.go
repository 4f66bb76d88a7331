package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductType distinguishes recurring entitlements from one-off purchases
type ProductType string

const (
	ProductTypeSubscription ProductType = "subscription"
	ProductTypePurchase     ProductType = "purchase"
)

// Product is an immutable descriptor resolved from a provider adapter.
// Group names a mutually-exclusive family (e.g., "membership"): a user
// holds at most one live subscription per group, and changing plans
// within a group supersedes the prior subscription.
type Product struct {
	ID    string
	Group string
	Type  ProductType
	// Duration is the entitlement period granted per confirmed payment.
	// Required for subscriptions, zero for purchases.
	Duration time.Duration
	Price    decimal.Decimal
	Currency string
}

// IsSubscription reports whether the product grants a recurring entitlement.
func (p *Product) IsSubscription() bool {
	return p.Type == ProductTypeSubscription
}
