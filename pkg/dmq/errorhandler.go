package dmq

import "errors"

// Decision is the outcome of classifying a handler failure.
type Decision int

const (
	// DecisionRetry redelivers the message after backoff.
	DecisionRetry Decision = iota

	// DecisionDeadLetter rejects the message without requeue so the broker
	// routes it to the queue's configured dead-letter exchange.
	DecisionDeadLetter

	// DecisionDrop acknowledges the message without further action.
	DecisionDrop
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionDeadLetter:
		return "deadletter"
	case DecisionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// ErrorHandler classifies consumer-handler failures into retryable vs. poison.
// It is a pure decision function - no state beyond the configured budget.
type ErrorHandler struct {
	maxAttempts uint32
}

// NewErrorHandler builds a classifier with the given retry budget. A zero
// budget falls back to the platform default of 5 attempts.
func NewErrorHandler(maxAttempts uint32) *ErrorHandler {
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &ErrorHandler{maxAttempts: maxAttempts}
}

// MaxAttempts exposes the configured budget.
func (h *ErrorHandler) MaxAttempts() uint32 { return h.maxAttempts }

// Classify maps a handler error and the current attempt count (1-based) to a
// decision.
//
// Deserialization failures are fatal - the content will never become
// parseable. Validation failures are a function of message content, so
// retrying cannot help either. Everything else is treated as potentially
// transient and retried until the budget is exhausted, then dead-lettered so
// a permanently failing message can't amplify into an infinite redelivery
// loop.
func (h *ErrorHandler) Classify(err error, attempt uint32) Decision {

	if err == nil {
		return DecisionDrop
	}

	var serr *SerializationError
	if errors.As(err, &serr) {
		return DecisionDeadLetter
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		return DecisionDeadLetter
	}

	if attempt >= h.maxAttempts {
		return DecisionDeadLetter
	}

	return DecisionRetry
}
