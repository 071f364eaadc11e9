package syncguard

import (
	"errors"
	"fmt"
)

// Code identifies the category of a SyncGuard error, per the backend
// contract's error table. Contention and absence are results, not errors,
// and never appear here.
type Code string

const (
	// CodeAcquisitionTimeout means the retry loop exhausted its retries or
	// its deadline. It is never returned by a single backend call.
	CodeAcquisitionTimeout Code = "acquisition_timeout"
	// CodeServiceUnavailable means the backend is unreachable.
	CodeServiceUnavailable Code = "service_unavailable"
	// CodeNetworkTimeout means the transport to the backend timed out.
	CodeNetworkTimeout Code = "network_timeout"
	// CodeRateLimited means the backend is throttling requests.
	CodeRateLimited Code = "rate_limited"
	// CodeAuthFailed means the backend rejected our credentials.
	CodeAuthFailed Code = "auth_failed"
	// CodeInvalidArgument means a key, lock ID, or TTL failed validation,
	// or a key could not be made to fit the storage-key size budget.
	CodeInvalidArgument Code = "invalid_argument"
	// CodeAborted means cooperative cancellation was observed.
	CodeAborted Code = "aborted"
	// CodeInternal means an invariant was violated: fence overflow,
	// duplicate document detected, or unexpected substrate state.
	CodeInternal Code = "internal"
)

// Error is the structured error type every SyncGuard operation returns.
// It wraps Cause so errors.Is/errors.As see through to the original
// backend error.
type Error struct {
	Code   Code
	Key    string
	LockID string
	Cause  error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Key != "" {
		msg = fmt.Sprintf("%s (key=%s)", msg, e.Key)
	}
	if e.LockID != "" {
		msg = fmt.Sprintf("%s (lock_id=%s)", msg, e.LockID)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// newError constructs an *Error. cause may be nil.
func newError(code Code, key, lockID string, cause error) *Error {
	return &Error{Code: code, Key: key, LockID: lockID, Cause: cause}
}

// CodeOf extracts the Code from err, walking the Unwrap chain. It returns
// ("", false) if err (or anything it wraps) is not a *Error.
func CodeOf(err error) (Code, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}

// IsAborted reports whether err represents cooperative cancellation.
func IsAborted(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == CodeAborted
}

// IsAcquisitionTimeout reports whether err represents retry-loop exhaustion.
func IsAcquisitionTimeout(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == CodeAcquisitionTimeout
}

// IsInvalidArgument reports whether err represents a validation failure
// raised before any I/O took place.
func IsInvalidArgument(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == CodeInvalidArgument
}

// IsRetryableBackendError reports whether err is a transient backend
// condition worth retrying at the caller's own, external backoff policy.
// The acquisition engine itself never auto-retries these; it only retries
// Locked results (see Engine.Acquire).
func IsRetryableBackendError(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case CodeServiceUnavailable, CodeNetworkTimeout, CodeRateLimited:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether err represents a condition that retrying
// will not fix.
func IsPermanent(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case CodeInvalidArgument, CodeAuthFailed, CodeInternal:
		return true
	default:
		return false
	}
}
