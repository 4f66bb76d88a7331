package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineErrorIs(t *testing.T) {
	err := Newf(KindConflict, "version %d is stale", 3)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrCallbackRejected)
}

func TestEngineErrorIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("update subscription: %w", New(KindConflictingTerminalTransition, "transaction already completed"))
	assert.ErrorIs(t, err, ErrConflictingTerminalTransition)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(KindProviderFailure, "query transaction status", cause)
	assert.ErrorIs(t, err, ErrProviderFailure)
	assert.ErrorContains(t, err, "connection refused")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUnknownProduct, KindOf(Newf(KindUnknownProduct, "no product %q", "gold")))
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("plain")))
}

func TestProviderErrorMatchesProviderFailure(t *testing.T) {
	err := NewProviderError("appstore", "rechargeSubscription", fmt.Errorf("503"))
	assert.ErrorIs(t, err, ErrProviderFailure)
	assert.ErrorContains(t, err, "rechargeSubscription")
}
