package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/paykit/engine/pkg/timeutil"
)

func TestLeaseSingleFlight(t *testing.T) {
	clock := timeutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewLeaseManager(clock, 5*time.Minute)

	assert.True(t, m.TryAcquire("testpay", "transactions"))
	assert.False(t, m.TryAcquire("testpay", "transactions"))

	// Other loops and providers are independent.
	assert.True(t, m.TryAcquire("testpay", "renewal"))
	assert.True(t, m.TryAcquire("otherpay", "transactions"))

	m.Release("testpay", "transactions")
	assert.True(t, m.TryAcquire("testpay", "transactions"))
}

func TestLeaseExpiresAfterTTL(t *testing.T) {
	clock := timeutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewLeaseManager(clock, 5*time.Minute)

	assert.True(t, m.TryAcquire("testpay", "transactions"))

	// A crashed holder never releases; the TTL unblocks the loop.
	clock.Advance(4 * time.Minute)
	assert.False(t, m.TryAcquire("testpay", "transactions"))

	clock.Advance(2 * time.Minute)
	assert.True(t, m.TryAcquire("testpay", "transactions"))
}
