package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrfAndKindOf(t *testing.T) {
	err := Errf(KindRiskRejected, "RISK_CAP_EXCEEDED: qty %d", 300)
	assert.Equal(t, KindRiskRejected, KindOf(err))
	assert.True(t, IsKind(err, KindRiskRejected))
	assert.Contains(t, err.Error(), "RISK_CAP_EXCEEDED: qty 300")

	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestWrapErrUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := WrapErr(KindTransientBroker, cause, "quote fetch failed")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindTransientBroker, KindOf(err))
	assert.Contains(t, err.Error(), "quote fetch failed")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := Errf(KindStateIntegrity, "checksum mismatch")
	outer := fmt.Errorf("startup: %w", inner)

	var ee *EngineError
	require.True(t, errors.As(outer, &ee))
	assert.Equal(t, KindStateIntegrity, KindOf(outer))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Errf(KindTransientBroker, "timeout")))
	assert.True(t, Retryable(Errf(KindRateLimited, "429")))
	assert.False(t, Retryable(Errf(KindOrderRejected, "insufficient margin")))
	assert.False(t, Retryable(Errf(KindStateIntegrity, "bad ledger")))
	assert.False(t, Retryable(errors.New("plain")))
	assert.False(t, Retryable(nil))
}

func TestEngineErrorMessageShape(t *testing.T) {
	err := &EngineError{
		Kind: KindOrderTimeout, Message: "no terminal state",
		Symbol: "TCS", ClientOrderID: "coid-1",
	}
	assert.Equal(t, "ORDER_TIMEOUT: no terminal state (TCS/coid-1)", err.Error())
}
