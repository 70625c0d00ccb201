// Package apperr carries the reason codes the kiosk UI branches on ("show
// retry", "request a new OTP", "contact support").
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable, UI-visible failure reason
type Code string

const (
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeInvalidAmount      Code = "INVALID_AMOUNT"
	CodeInvalidAccount     Code = "INVALID_ACCOUNT"
	CodeUnknownDepartment  Code = "UNKNOWN_DEPARTMENT"
	CodeAccountNotFound    Code = "ACCOUNT_NOT_FOUND"
	CodeAccountNotLinked   Code = "ACCOUNT_NOT_LINKED"
	CodeChallengeNotFound  Code = "CHALLENGE_NOT_FOUND"
	CodeInvalidOTP         Code = "INVALID_OTP"
	CodeExpired            Code = "EXPIRED"
	CodeOTPExhausted       Code = "OTP_EXHAUSTED"
	CodeOTPSuperseded      Code = "OTP_SUPERSEDED"
	CodeOTPAlreadyUsed     Code = "OTP_ALREADY_USED"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeDeliveryFailed     Code = "OTP_DELIVERY_FAILED"
	CodeAlreadyPaid        Code = "ALREADY_PAID"
	CodeOrderNotFound      Code = "ORDER_NOT_FOUND"
	CodeSignatureInvalid   Code = "SIGNATURE_INVALID"
	CodeAlreadyFinalized   Code = "ALREADY_FINALIZED"
	CodeNotVerified        Code = "NOT_VERIFIED"
	CodeNotDemo            Code = "NOT_DEMO"
	CodeGatewayUnavailable Code = "GATEWAY_UNAVAILABLE"
	CodeGatewayRejected    Code = "GATEWAY_REJECTED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeInternal           Code = "INTERNAL"
)

// Error is a failure with a reason code. Err, when set, is the underlying cause
// and is never shown to clients.
type Error struct {
	Code    Code
	Message string
	Err     error
	// AttemptsRemaining is set on INVALID_OTP so the UI can show how many tries are left
	AttemptsRemaining *int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error without an underlying cause
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that keeps err in the chain
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the reason code in err's chain, or CodeInternal
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given reason code
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
