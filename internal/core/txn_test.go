package core

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestNewBusyBackoffShape(t *testing.T) {
	b := newBusyBackoff(50*time.Millisecond, time.Second)
	eb, ok := b.(*backoff.ExponentialBackOff)
	if !assert.True(t, ok) {
		return
	}
	assert.Equal(t, 2*time.Millisecond, eb.InitialInterval)
	assert.Equal(t, 2.0, eb.Multiplier)
	assert.Equal(t, 50*time.Millisecond, eb.MaxInterval)
	assert.Equal(t, time.Second, eb.MaxElapsedTime)
}

func TestWithTransactionGuardMarksRolledBackOnNonBusyError(t *testing.T) {
	h := &HandleBase{depth: 1}
	err := withTransactionGuard(h, func() error {
		return errors.New("constraint failed")
	})
	assert.Error(t, err)
	assert.True(t, h.everRolledBack)
}

func TestWithTransactionGuardToleratesBusyError(t *testing.T) {
	h := &HandleBase{depth: 1}
	err := withTransactionGuard(h, func() error {
		return ErrBusy
	})
	assert.Error(t, err)
	assert.False(t, h.everRolledBack, "a busy error is retryable and should not poison the handle")
}

func TestWithTransactionGuardNoopOutsideTransaction(t *testing.T) {
	h := &HandleBase{depth: 0}
	err := withTransactionGuard(h, func() error {
		return errors.New("boom")
	})
	assert.Error(t, err)
	assert.False(t, h.everRolledBack, "depth 0 means no open transaction to poison")
}
