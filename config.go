package syncguard

import "time"

// DefaultTTL is the TTL applied when an acquire call doesn't specify one.
const DefaultTTL = 30 * time.Second

// Backoff selects how the base retry delay grows across attempts.
type Backoff int

const (
	// BackoffExponential doubles the base delay on every attempt:
	// retryDelay * 2^i.
	BackoffExponential Backoff = iota
	// BackoffFixed uses the same base delay on every attempt.
	BackoffFixed
)

// Jitter selects how the base delay is randomized before sleeping.
type Jitter int

const (
	// JitterEqual halves the base delay and adds a uniform random
	// amount up to the other half: d/2 + rand*(d/2). This is the
	// default — it never lets an attempt sleep for zero time, while
	// still de-correlating competing clients.
	JitterEqual Jitter = iota
	// JitterNone sleeps for exactly the base delay.
	JitterNone
	// JitterFull sleeps for a uniform random duration in [0, d).
	JitterFull
)

// AcquireOptions configures the retry/backoff/deadline behavior of
// Engine.Acquire. The zero value is not valid; use DefaultAcquireOptions.
type AcquireOptions struct {
	// MaxRetries is the number of attempts beyond the first.
	MaxRetries int
	// RetryDelay is the base delay fed into the backoff/jitter formulas.
	RetryDelay time.Duration
	// Backoff selects Fixed or Exponential growth of the base delay.
	Backoff Backoff
	// Jitter selects how the base delay is randomized.
	Jitter Jitter
	// Timeout bounds the entire retry loop, from the first attempt to
	// the last sleep.
	Timeout time.Duration
}

// DefaultAcquireOptions returns sensible defaults for most callers: 10
// retries, 100ms base delay, exponential backoff, equal jitter, 5s
// overall deadline.
func DefaultAcquireOptions() AcquireOptions {
	return AcquireOptions{
		MaxRetries: 10,
		RetryDelay: 100 * time.Millisecond,
		Backoff:    BackoffExponential,
		Jitter:     JitterEqual,
		Timeout:    5 * time.Second,
	}
}

// Validate reports whether o is usable by the acquisition engine.
func (o AcquireOptions) Validate() error {
	if o.MaxRetries < 0 {
		return newError(CodeInvalidArgument, "", "", newPlainError("MaxRetries must be non-negative"))
	}
	if o.RetryDelay <= 0 {
		return newError(CodeInvalidArgument, "", "", newPlainError("RetryDelay must be positive"))
	}
	if o.Timeout <= 0 {
		return newError(CodeInvalidArgument, "", "", newPlainError("Timeout must be positive"))
	}
	return nil
}

// ReleaseErrorSource distinguishes a manual release call from an
// automatic scope-exit release, for the benefit of OnReleaseError.
type ReleaseErrorSource int

const (
	// SourceManual means the caller invoked Handle.Release directly.
	SourceManual ReleaseErrorSource = iota
	// SourceDisposal means the error came from the automatic scope-exit
	// path (Handle.Close / the deadline handler).
	SourceDisposal
)

// ReleaseErrorInfo is passed to OnReleaseError alongside the error.
type ReleaseErrorInfo struct {
	LockID string
	Key    string
	Source ReleaseErrorSource
}

// OnReleaseError is invoked when an automatic (disposal-path) release
// fails. Manual releases propagate their error to the caller instead and
// never invoke this hook. Implementations must not panic; the handle
// wraps every call so a panicking hook cannot escape.
type OnReleaseError func(err error, info ReleaseErrorInfo)

// defaultOnReleaseError is the library-default sink used when no hook is
// configured: it logs through the supplied Logger, falling back to
// NoOpLogger.
func defaultOnReleaseError(logger Logger) OnReleaseError {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return func(err error, info ReleaseErrorInfo) {
		logger.Warn("automatic lock release failed",
			"key", info.Key,
			"lock_id", info.LockID,
			"source", info.Source,
			"error", err,
		)
	}
}
