package models

import "time"

// User is a read-only projection of a user's entitlements.
// Subscriptions holds the non-canceled subscriptions; PurchaseTransactions
// holds all completed purchase-type transactions. Group expiry is computed
// over every subscription, canceled included, because cancellation retains
// the already-paid entitlement window.
type User struct {
	UserID               string
	Subscriptions        []*Subscription
	PurchaseTransactions []*Transaction

	groupExpiry map[string]time.Time
}

// NewUser builds the projection from the user's full subscription set and
// completed purchases.
func NewUser(userID string, subscriptions []*Subscription, purchases []*Transaction) *User {
	u := &User{
		UserID:               userID,
		PurchaseTransactions: purchases,
		groupExpiry:          make(map[string]time.Time),
	}
	for _, s := range subscriptions {
		if !s.IsCanceled() {
			u.Subscriptions = append(u.Subscriptions, s)
		}
		if s.ExpiresAt.IsZero() {
			continue
		}
		if cur, ok := u.groupExpiry[s.ProductGroup]; !ok || s.ExpiresAt.After(cur) {
			u.groupExpiry[s.ProductGroup] = s.ExpiresAt
		}
	}
	return u
}

// GetExpireTime returns the latest ExpiresAt across the user's
// subscriptions in the group; ok is false when the user never held a
// confirmed subscription in that group.
func (u *User) GetExpireTime(group string) (time.Time, bool) {
	t, ok := u.groupExpiry[group]
	return t, ok
}
