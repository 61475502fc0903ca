// Package core holds the cross-engine error taxonomy (spec §7). Every
// engine method returns one of these kinds instead of an ad hoc error
// string, so callers (the scheduler, the outer UI) can switch on Kind/Code
// without parsing messages.
package core

import "fmt"

// Kind is the top-level disposition of an error, per spec §7's table.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindEmergencyStop Kind = "emergency_stop"
	KindRPCTransient  Kind = "rpc_transient"
	KindRPCTimeout    Kind = "rpc_timeout"
	KindChainPending  Kind = "chain_pending"
	KindChainReverted Kind = "chain_reverted"
	KindLockUnavail   Kind = "lock_unavailable"
	KindConflict      Kind = "conflict"
	KindInternal      Kind = "internal"
)

// Validation sub-codes, spec §4.8 (withdrawal) plus §4.5.1 (deposit creation).
const (
	CodeEmergencyStop          = "EMERGENCY_STOP"
	CodeMinAmount              = "MIN_AMOUNT"
	CodeUserBanned             = "USER_BANNED"
	CodeFinpassRecovery        = "FINPASS_RECOVERY"
	CodeFraudDetection         = "FRAUD_DETECTION"
	CodeInsufficientBalance    = "INSUFFICIENT_BALANCE"
	CodePlexPaymentRequired    = "PLEX_PAYMENT_REQUIRED"
	CodeInsufficientPlexWallet = "INSUFFICIENT_PLEX_BALANCE"
	CodeDailyLimit             = "DAILY_LIMIT"

	CodeInvalidLevel     = "INVALID_LEVEL"
	CodeInvalidAmount    = "INVALID_AMOUNT"
	CodeBelowMinimum     = "BELOW_MINIMUM"
	CodeLevelUnavailable = "LEVEL_UNAVAILABLE"
	CodeAmountTooLow     = "AMOUNT_TOO_LOW"
)

// Error is the concrete error type returned by every engine method. It is
// deliberately not a set of sentinel errors (spec §9: "model as sum types
// per engine... thread them through a result wrapper"), so that Code is
// always present alongside Kind.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an *Error carrying an underlying cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Validation is shorthand for the common case of a user-facing precondition
// failure (disposition: "Returned to caller; no retry").
func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
