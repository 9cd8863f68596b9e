// Package errs defines the error taxonomy surfaced to control-plane callers
// (spec §7): admission-time rejections, invocation-time failures, and
// transient errors retried with capped backoff. Modeled on the teacher's
// typed-error-with-Unwrap pattern (see DepositMismatchError in
// services/gasbank/marble/service.go).
package errs

import (
	"errors"
	"fmt"
)

// Sentinel categories. Use errors.Is against these, not string comparison.
var (
	ErrOverloaded        = errors.New("rejected: overloaded")
	ErrInsufficientFunds = errors.New("rejected: insufficient funds")
	ErrPolicyDenied      = errors.New("rejected: policy denied")
	ErrBadRequest        = errors.New("rejected: bad request")

	ErrTimeout          = errors.New("invocation timeout")
	ErrResourceExceeded = errors.New("invocation resource exceeded")

	ErrUncaught      = errors.New("user code threw")
	ErrCompileError  = errors.New("user code failed to compile")
	ErrBindingDenied = errors.New("host binding denied")

	ErrChainUnavailable = errors.New("transient: chain unavailable")
	ErrRPCTimeout       = errors.New("transient: rpc timeout")
	ErrStoreTransient   = errors.New("transient: store unavailable")

	ErrReplay       = errors.New("meta-tx: replay")
	ErrExpired      = errors.New("meta-tx: expired")
	ErrBadSignature = errors.New("meta-tx: bad signature")

	ErrNotFound           = errors.New("not found")
	ErrAttestationFailed  = errors.New("tee: attestation failed")
	ErrKeyExpired         = errors.New("tee: key expired")
	ErrUsageExhausted     = errors.New("tee: usage exhausted")
	ErrInvalidCiphertext  = errors.New("secrets: invalid ciphertext")
)

// UserFacing is the shape returned across the control-plane boundary:
// {kind, message, invocation_id} without leaking internals.
type UserFacing struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	InvocationID string `json:"invocation_id,omitempty"`
}

func (u *UserFacing) Error() string {
	return fmt.Sprintf("%s: %s", u.Kind, u.Message)
}

// ToUserFacing redacts an internal error down to {kind, message,
// invocation_id}, including the stack only when includeStack is true (the
// function owner opted in).
func ToUserFacing(invocationID string, err error, includeStack bool, stack string) *UserFacing {
	kind := "Internal"
	switch {
	case errors.Is(err, ErrOverloaded):
		kind = "Rejected.Overloaded"
	case errors.Is(err, ErrInsufficientFunds):
		kind = "Rejected.InsufficientFunds"
	case errors.Is(err, ErrPolicyDenied):
		kind = "Rejected.PolicyDenied"
	case errors.Is(err, ErrBadRequest):
		kind = "Rejected.BadRequest"
	case errors.Is(err, ErrTimeout):
		kind = "Timeout"
	case errors.Is(err, ErrResourceExceeded):
		kind = "ResourceExceeded"
	case errors.Is(err, ErrUncaught):
		kind = "Failed.Uncaught"
	case errors.Is(err, ErrCompileError):
		kind = "Failed.CompileError"
	case errors.Is(err, ErrBindingDenied):
		kind = "Failed.BindingDenied"
	}

	msg := err.Error()
	if includeStack && stack != "" {
		msg = msg + "\n" + stack
	}
	return &UserFacing{Kind: kind, Message: msg, InvocationID: invocationID}
}

// RetriableTransient reports whether err is one of the Transient(*) family
// that the scheduler should retry with capped exponential backoff.
func RetriableTransient(err error) bool {
	return errors.Is(err, ErrChainUnavailable) || errors.Is(err, ErrRPCTimeout) || errors.Is(err, ErrStoreTransient)
}
