// Package fake is an in-process provider adapter with deterministic,
// scriptable behavior. It backs the development wiring and the service
// tests; its callback payload format doubles as a reference for real
// adapter implementations.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	pkgerrors "github.com/paykit/engine/pkg/errors"
	"github.com/paykit/engine/pkg/timeutil"
)

// CallbackPayload is the wire format the fake provider emits and parses.
type CallbackPayload struct {
	Type                  string    `json:"type"`
	TransactionID         string    `json:"transaction_id"`
	OriginalTransactionID string    `json:"original_transaction_id,omitempty"`
	PurchasedAt           time.Time `json:"purchased_at,omitempty"`
	SubscribedAt          time.Time `json:"subscribed_at,omitempty"`
	CanceledAt            time.Time `json:"canceled_at,omitempty"`
	DurationSeconds       int64     `json:"duration_seconds,omitempty"`
	Reason                string    `json:"reason,omitempty"`
}

// Provider is a scriptable ProviderAdapter. Zero value is not usable;
// construct with New.
type Provider struct {
	name         string
	clock        timeutil.Clock
	capabilities map[ports.Capability]bool

	mu       sync.Mutex
	products map[string]*models.Product
	seq      int

	// Scripted poll and recharge results, keyed by transaction id or
	// original transaction id.
	txStatuses  map[string]*ports.TransactionStatusResult
	subStatuses map[string]*ports.SubscriptionStatusResult
	recharges   map[string][]*ports.RechargeResult

	canceled map[string]bool
}

// New creates a fake provider with all capabilities enabled.
func New(name string, clock timeutil.Clock) *Provider {
	return &Provider{
		name:  name,
		clock: clock,
		capabilities: map[ports.Capability]bool{
			ports.CapabilityCancelSubscription: true,
			ports.CapabilityQuerySubscription:  true,
			ports.CapabilityRecharge:           true,
		},
		products:    make(map[string]*models.Product),
		txStatuses:  make(map[string]*ports.TransactionStatusResult),
		subStatuses: make(map[string]*ports.SubscriptionStatusResult),
		recharges:   make(map[string][]*ports.RechargeResult),
		canceled:    make(map[string]bool),
	}
}

func (p *Provider) Name() string { return p.name }

// Supports reports a scripted capability.
func (p *Provider) Supports(c ports.Capability) bool {
	return p.capabilities[c]
}

// SetCapability enables or disables an optional operation.
func (p *Provider) SetCapability(c ports.Capability, enabled bool) {
	p.capabilities[c] = enabled
}

// AddProduct registers a product descriptor.
func (p *Provider) AddProduct(product *models.Product) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.products[product.ID] = product
}

// RequireProduct resolves a registered product.
func (p *Provider) RequireProduct(ctx context.Context, productID string) (*models.Product, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	product, ok := p.products[productID]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.KindUnknownProduct,
			"provider %s has no product %q", p.name, productID)
	}
	return product, nil
}

// PreparePurchaseData stages a purchase with a generated transaction id.
func (p *Provider) PreparePurchaseData(ctx context.Context, req ports.PreparePurchaseRequest) (*ports.PrepareResult, error) {
	id := p.nextID("txn")
	response, _ := json.Marshal(map[string]string{
		"provider":       p.name,
		"transaction_id": id,
		"pay_url":        fmt.Sprintf("https://pay.%s.example/%s", p.name, id),
	})
	return &ports.PrepareResult{
		Response:      response,
		TransactionID: id,
	}, nil
}

// PrepareSubscriptionData stages a subscription's initial payment.
func (p *Provider) PrepareSubscriptionData(ctx context.Context, req ports.PrepareSubscriptionRequest) (*ports.PrepareResult, error) {
	id := p.nextID("txn")
	response, _ := json.Marshal(map[string]string{
		"provider":       p.name,
		"transaction_id": id,
		"pay_url":        fmt.Sprintf("https://pay.%s.example/%s", p.name, id),
	})
	return &ports.PrepareResult{
		Response:              response,
		TransactionID:         id,
		OriginalTransactionID: id,
		Duration:              req.Product.Duration,
	}, nil
}

// ParseCallback decodes the fake wire format.
func (p *Provider) ParseCallback(ctx context.Context, payload []byte) (*models.Event, error) {
	var cb CallbackPayload
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindUnrecognizedEvent, "malformed callback payload", err)
	}
	if cb.Type == "" {
		return nil, pkgerrors.New(pkgerrors.KindUnrecognizedEvent, "callback payload has no type")
	}
	return &models.Event{
		Type:                  models.EventType(cb.Type),
		TransactionID:         cb.TransactionID,
		OriginalTransactionID: cb.OriginalTransactionID,
		PurchasedAt:           cb.PurchasedAt,
		SubscribedAt:          cb.SubscribedAt,
		CanceledAt:            cb.CanceledAt,
		Duration:              time.Duration(cb.DurationSeconds) * time.Second,
		Reason:                cb.Reason,
		Raw:                   payload,
	}, nil
}

// ScriptTransactionStatus sets the poll result for a transaction.
func (p *Provider) ScriptTransactionStatus(transactionID string, result *ports.TransactionStatusResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txStatuses[transactionID] = result
}

// QueryTransactionStatus returns the scripted result; unscripted
// transactions report canceled, matching a provider that voided an
// unpaid order.
func (p *Provider) QueryTransactionStatus(ctx context.Context, transactionID string) (*ports.TransactionStatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if result, ok := p.txStatuses[transactionID]; ok {
		return result, nil
	}
	return &ports.TransactionStatusResult{
		Type:       ports.TxQueryCanceled,
		CanceledAt: p.clock.Now(),
	}, nil
}

// ScriptSubscriptionStatus sets the poll result for a subscription.
func (p *Provider) ScriptSubscriptionStatus(originalTransactionID string, result *ports.SubscriptionStatusResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subStatuses[originalTransactionID] = result
}

// QuerySubscriptionStatus returns the scripted result; unscripted
// subscriptions report subscribed.
func (p *Provider) QuerySubscriptionStatus(ctx context.Context, originalTransactionID string) (*ports.SubscriptionStatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if result, ok := p.subStatuses[originalTransactionID]; ok {
		return result, nil
	}
	return &ports.SubscriptionStatusResult{
		Type:                  ports.SubQuerySubscribed,
		OriginalTransactionID: originalTransactionID,
		SubscribedAt:          p.clock.Now(),
	}, nil
}

// ScriptRecharge queues recharge outcomes for a subscription; each
// attempt consumes one. When the queue drains, attempts renew.
func (p *Provider) ScriptRecharge(originalTransactionID string, results ...*ports.RechargeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recharges[originalTransactionID] = append(p.recharges[originalTransactionID], results...)
}

// RechargeSubscription pops the next scripted outcome or renews with a
// generated transaction id.
func (p *Provider) RechargeSubscription(ctx context.Context, original *models.Transaction, attempt int) (*ports.RechargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := original.OriginalTransactionID
	if queue := p.recharges[key]; len(queue) > 0 {
		result := queue[0]
		p.recharges[key] = queue[1:]
		return result, nil
	}

	return &ports.RechargeResult{
		Outcome:       ports.RechargeRenewed,
		TransactionID: p.nextIDLocked("txn"),
		PurchasedAt:   p.clock.Now(),
		Duration:      original.Duration,
	}, nil
}

// CancelSubscription records the provider-side cancellation. Returns
// false on replay, matching a subscription already inactive upstream.
func (p *Provider) CancelSubscription(ctx context.Context, original *models.Transaction) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := original.OriginalTransactionID
	if p.canceled[key] {
		return false, nil
	}
	p.canceled[key] = true
	return true, nil
}

// CanceledAtProvider reports whether a provider-side cancellation was
// recorded, for test assertions.
func (p *Provider) CanceledAtProvider(originalTransactionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled[originalTransactionID]
}

func (p *Provider) nextID(prefix string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextIDLocked(prefix)
}

func (p *Provider) nextIDLocked(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%s-%04d-%s", prefix, p.name, p.seq, uuid.NewString()[:8])
}
