package dmq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyNilErrorDrops(t *testing.T) {
	handler := NewErrorHandler(5)
	assert.Equal(t, DecisionDrop, handler.Classify(nil, 1))
}

func TestClassifySerializationErrorDeadLettersImmediately(t *testing.T) {
	handler := NewErrorHandler(5)

	err := &SerializationError{Queue: DonationNewQueue, Err: errors.New("bad json")}
	assert.Equal(t, DecisionDeadLetter, handler.Classify(err, 1))

	wrapped := fmt.Errorf("handling failed: %w", err)
	assert.Equal(t, DecisionDeadLetter, handler.Classify(wrapped, 1))
}

func TestClassifyValidationErrorDeadLettersImmediately(t *testing.T) {
	handler := NewErrorHandler(5)

	err := &ValidationError{Reason: "amount must be positive"}
	assert.Equal(t, DecisionDeadLetter, handler.Classify(err, 1))
}

func TestClassifyTransientErrorRetriesWithinBudget(t *testing.T) {
	handler := NewErrorHandler(5)

	err := Transient(errors.New("payment gateway timeout"))

	for attempt := uint32(1); attempt < 5; attempt++ {
		assert.Equal(t, DecisionRetry, handler.Classify(err, attempt), attempt)
	}
	assert.Equal(t, DecisionDeadLetter, handler.Classify(err, 5))
	assert.Equal(t, DecisionDeadLetter, handler.Classify(err, 6))
}

func TestClassifyUnknownErrorIsTreatedAsTransient(t *testing.T) {
	handler := NewErrorHandler(3)

	err := errors.New("database connection reset")
	assert.Equal(t, DecisionRetry, handler.Classify(err, 1))
	assert.Equal(t, DecisionRetry, handler.Classify(err, 2))
	assert.Equal(t, DecisionDeadLetter, handler.Classify(err, 3))
}

func TestNewErrorHandlerZeroBudgetDefaults(t *testing.T) {
	handler := NewErrorHandler(0)
	assert.Equal(t, uint32(5), handler.MaxAttempts())
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "retry", DecisionRetry.String())
	assert.Equal(t, "deadletter", DecisionDeadLetter.String())
	assert.Equal(t, "drop", DecisionDrop.String())
	assert.Equal(t, "unknown", Decision(42).String())
}

func TestTransientMarker(t *testing.T) {
	base := errors.New("socket closed")

	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsTransient(base))
	assert.Nil(t, Transient(nil))
	assert.ErrorIs(t, Transient(base), base)
}
