package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fakeprovider "github.com/paykit/engine/internal/adapters/provider/fake"
	"github.com/paykit/engine/internal/domain/models"
	pkgerrors "github.com/paykit/engine/pkg/errors"
	"github.com/paykit/engine/pkg/timeutil"
)

func newFake(name string) *fakeprovider.Provider {
	clock := timeutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return fakeprovider.New(name, clock)
}

func TestProviderLookup(t *testing.T) {
	reg := New(newFake("testpay"), newFake("otherpay"))

	adapter, err := reg.Provider("testpay")
	require.NoError(t, err)
	assert.Equal(t, "testpay", adapter.Name())

	_, err = reg.Provider("ghostpay")
	assert.ErrorIs(t, err, pkgerrors.ErrProviderFailure)

	assert.ElementsMatch(t, []string{"testpay", "otherpay"}, reg.Providers())
}

func TestRegisterReplacesAdapter(t *testing.T) {
	reg := New(newFake("testpay"))

	replacement := newFake("testpay")
	reg.Register(replacement)

	adapter, err := reg.Provider("testpay")
	require.NoError(t, err)
	assert.Same(t, replacement, adapter)
}

func TestProductResolution(t *testing.T) {
	fake := newFake("testpay")
	fake.AddProduct(&models.Product{
		ID:       "premium-monthly",
		Group:    "membership",
		Type:     models.ProductTypeSubscription,
		Duration: 30 * 24 * time.Hour,
	})
	reg := New(fake)
	ctx := context.Background()

	product, err := reg.Product(ctx, "testpay", "premium-monthly")
	require.NoError(t, err)
	assert.Equal(t, "membership", product.Group)

	_, err = reg.Product(ctx, "testpay", "unknown")
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownProduct)

	_, err = reg.Product(ctx, "ghostpay", "premium-monthly")
	assert.ErrorIs(t, err, pkgerrors.ErrProviderFailure)
}

func TestProductCaching(t *testing.T) {
	fake := newFake("testpay")
	fake.AddProduct(&models.Product{
		ID:       "premium-monthly",
		Group:    "membership",
		Type:     models.ProductTypeSubscription,
		Duration: 30 * 24 * time.Hour,
	})
	reg := New(fake)
	ctx := context.Background()

	first, err := reg.Product(ctx, "testpay", "premium-monthly")
	require.NoError(t, err)

	// A later change at the adapter is not observed: descriptors are
	// cached for the process lifetime.
	fake.AddProduct(&models.Product{
		ID:       "premium-monthly",
		Group:    "membership",
		Type:     models.ProductTypeSubscription,
		Duration: 7 * 24 * time.Hour,
	})

	cached, err := reg.Product(ctx, "testpay", "premium-monthly")
	require.NoError(t, err)
	assert.Same(t, first, cached)
	assert.Equal(t, 30*24*time.Hour, cached.Duration)
}
