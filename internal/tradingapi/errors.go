package tradingapi

import "errors"

// TransientAPIError wraps a recoverable failure: network error, rate
// limit, or 5xx. Callers retry next tick; nothing counts how often it
// repeats.
type TransientAPIError struct {
	Op  string
	Err error
}

func (e *TransientAPIError) Error() string { return "transient api error: " + e.Op + ": " + e.Err.Error() }
func (e *TransientAPIError) Unwrap() error { return e.Err }

// UnknownOrderError means the order id is unrecognized by the
// exchange. The reconciler applies its two-strike rule to these.
type UnknownOrderError struct {
	ID string
}

func (e *UnknownOrderError) Error() string { return "unknown order: " + e.ID }

// ValidationError means the operator supplied malformed command
// arguments. It is returned synchronously with a usage example.
type ValidationError struct {
	Usage string
	Err   error
}

func (e *ValidationError) Error() string { return "validation error: " + e.Err.Error() + " (usage: " + e.Usage + ")" }
func (e *ValidationError) Unwrap() error { return e.Err }

// FatalError is an unrecoverable misconfiguration (e.g. pair not
// listed by the exchange). No package in this module returns or checks
// for it; the scheduler logs every tick error alike and keeps running.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "fatal: " + e.Reason }

// IsTransient reports whether err is (or wraps) a TransientAPIError.
func IsTransient(err error) bool {
	var t *TransientAPIError
	return errors.As(err, &t)
}

// IsUnknownOrder reports whether err is (or wraps) an UnknownOrderError.
func IsUnknownOrder(err error) bool {
	var u *UnknownOrderError
	return errors.As(err, &u)
}
