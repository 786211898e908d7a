package negotiation

import (
	"errors"
	"fmt"
)

// Code classifies protocol failures. The gateway maps codes to HTTP statuses.
type Code string

const (
	CodeUnauthorized       Code = "unauthorized"
	CodeNotFound           Code = "not_found"
	CodeNotActive          Code = "not_active"
	CodeNotYourTurn        Code = "not_your_turn"
	CodeRoundLimitExceeded Code = "round_limit_exceeded"
	CodeExpired            Code = "expired"
	CodePriceOutOfBounds   Code = "price_out_of_bounds"
	CodeValidation         Code = "validation_error"
	CodeQueueConflict      Code = "queue_conflict"
	CodePricingModel       Code = "pricing_model_error"
)

// Error is a protocol failure with a human-readable reason.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Reason
}

// Is matches any *Error carrying the same code, so errors.Is(err, ErrExpired)
// works regardless of the reason text.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrUnauthorized       = &Error{Code: CodeUnauthorized}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrNotActive          = &Error{Code: CodeNotActive}
	ErrNotYourTurn        = &Error{Code: CodeNotYourTurn}
	ErrRoundLimitExceeded = &Error{Code: CodeRoundLimitExceeded}
	ErrExpired            = &Error{Code: CodeExpired}
	ErrPriceOutOfBounds   = &Error{Code: CodePriceOutOfBounds}
	ErrValidation         = &Error{Code: CodeValidation}
	ErrQueueConflict      = &Error{Code: CodeQueueConflict}
	ErrPricingModel       = &Error{Code: CodePricingModel}
)

// ErrStaleWrite is returned by a Repository when an optimistic write matched
// no row because the negotiation moved on since it was read.
var ErrStaleWrite = errors.New("negotiation: stale write")

// ErrAlreadyOpen is returned by Repository.CreateNegotiation when the buyer
// already holds an open negotiation on the item.
var ErrAlreadyOpen = errors.New("negotiation: open negotiation exists")

// Errorf builds a protocol error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf returns the protocol code carried by err, or "" for other errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
