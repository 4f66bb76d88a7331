package reconcile

import (
	"sync"
	"time"

	"github.com/paykit/engine/pkg/timeutil"
)

// LeaseManager serializes reconciliation passes per (provider, loop).
// Leases live in process memory with a TTL so a crashed holder cannot
// block the loop forever; multi-instance deployments shard providers
// across instances instead of sharing leases.
type LeaseManager struct {
	clock timeutil.Clock
	ttl   time.Duration

	mu     sync.Mutex
	leases map[leaseKey]time.Time
}

type leaseKey struct {
	provider string
	loop     string
}

// NewLeaseManager creates a lease manager with the given TTL.
func NewLeaseManager(clock timeutil.Clock, ttl time.Duration) *LeaseManager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LeaseManager{
		clock:  clock,
		ttl:    ttl,
		leases: make(map[leaseKey]time.Time),
	}
}

// TryAcquire takes the lease if it is free or expired. Returns false when
// another pass holds it.
func (m *LeaseManager) TryAcquire(provider, loop string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := leaseKey{provider: provider, loop: loop}
	now := m.clock.Now()
	if expiry, held := m.leases[key]; held && now.Before(expiry) {
		return false
	}
	m.leases[key] = now.Add(m.ttl)
	return true
}

// Release frees the lease.
func (m *LeaseManager) Release(provider, loop string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, leaseKey{provider: provider, loop: loop})
}
