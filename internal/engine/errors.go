package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/haggle/internal/negotiation"
)

// ErrorClass categorizes task failures for the retry decision.
type ErrorClass string

const (
	// ErrorClassStale means the negotiation moved on since the task was
	// queued (not active, expired, or no longer the seller's turn).
	ErrorClassStale ErrorClass = "STALE"

	// ErrorClassInvalidInput covers validation failures that a retry
	// cannot fix.
	ErrorClassInvalidInput ErrorClass = "INVALID_INPUT"

	// ErrorClassProtocol covers other protocol rejections.
	ErrorClassProtocol ErrorClass = "PROTOCOL"

	// ErrorClassTimeout indicates the task deadline passed.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassTransient is the default: storage hiccups and pricing model
	// failures that may succeed on the next attempt.
	ErrorClassTransient ErrorClass = "TRANSIENT"
)

// ClassifyError categorizes a processor error.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassTransient
	}
	if errors.Is(err, ErrDecisionNotRecorded) {
		return ErrorClassProtocol
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	if errors.Is(err, negotiation.ErrStaleWrite) {
		return ErrorClassStale
	}

	switch negotiation.CodeOf(err) {
	case negotiation.CodeNotActive, negotiation.CodeExpired, negotiation.CodeNotYourTurn:
		return ErrorClassStale
	case negotiation.CodeValidation, negotiation.CodePriceOutOfBounds:
		return ErrorClassInvalidInput
	case negotiation.CodeUnauthorized, negotiation.CodeNotFound,
		negotiation.CodeRoundLimitExceeded, negotiation.CodeQueueConflict:
		return ErrorClassProtocol
	case negotiation.CodePricingModel:
		return ErrorClassTransient
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}
	return ErrorClassTransient
}

// Retryable reports whether a task failing with class gets another attempt.
func (c ErrorClass) Retryable() bool {
	return c == ErrorClassTimeout || c == ErrorClassTransient
}
