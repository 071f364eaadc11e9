package syncguard

import (
	"context"
	"math/rand"
	"strconv"
	"time"
)

// Engine drives the retry/backoff/jitter/deadline loop on top of an
// abstract Backend, and hands a successful attempt off
// to a scoped Handle. It carries no mutable state of its own beyond its
// injected collaborators — all per-attempt state lives on the stack of
// Acquire/Do.
type Engine struct {
	backend        Backend
	logger         Logger
	metrics        Metrics
	onReleaseError OnReleaseError
	disposeTimeout time.Duration
	stripes        *localStripes
	backendName    string
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithLogger injects a structured logger. Defaults to NoOpLogger.
func WithLogger(l Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics injects a metrics sink. Defaults to NoOpMetrics.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithOnReleaseError overrides the default on-release-error sink, which
// otherwise logs through the configured Logger.
func WithOnReleaseError(fn OnReleaseError) EngineOption {
	return func(e *Engine) { e.onReleaseError = fn }
}

// WithDisposeTimeout bounds automatic scope-exit release: if the backend
// release hasn't completed within d, a cancellation is forwarded to it
// and the timeout is reported through OnReleaseError.
func WithDisposeTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.disposeTimeout = d }
}

// WithLocalCoordination serializes in-process acquisition attempts on
// the same key through a table of stripeCount mutexes before they reach
// the backend (see local_coordination.go). Off by default.
func WithLocalCoordination(stripeCount int) EngineOption {
	return func(e *Engine) { e.stripes = newLocalStripes(stripeCount) }
}

// WithBackendName tags telemetry and metrics with a human-readable
// backend name ("redis", "sql", ...). Defaults to "unknown".
func WithBackendName(name string) EngineOption {
	return func(e *Engine) { e.backendName = name }
}

// NewEngine constructs an Engine over backend.
func NewEngine(backend Backend, opts ...EngineOption) *Engine {
	e := &Engine{
		backend:     backend,
		logger:      &NoOpLogger{},
		metrics:     &NoOpMetrics{},
		backendName: "unknown",
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.onReleaseError == nil {
		e.onReleaseError = defaultOnReleaseError(e.logger)
	}
	return e
}

// Acquire runs the retry loop for key/ttl and, on success, returns a
// scoped Handle the caller owns and must Close (directly or via defer).
// A failed acquisition never allocates a Handle that talks to the
// backend — Acquire returns a nil Handle and a non-nil error instead; see
// Do for a variant that manages the Handle itself and returns only an
// error.
func (e *Engine) Acquire(ctx context.Context, key string, ttl time.Duration, opts ...AcquireOptions) (*Handle, error) {
	o := resolveAcquireOptions(opts)
	if err := o.Validate(); err != nil {
		return nil, err
	}

	normalizedKey, err := validateKey(key)
	if err != nil {
		return nil, err
	}
	if err := validateTTL(ttl); err != nil {
		return nil, err
	}

	start := time.Now()
	var attemptResult *AcquireResult
	var lastErr error

	for attempt := 0; ; attempt++ {
		if elapsed := time.Since(start); elapsed >= o.Timeout {
			lastErr = newError(CodeAcquisitionTimeout, key, "", nil)
			break
		}
		select {
		case <-ctx.Done():
			lastErr = newError(CodeAborted, key, "", ctx.Err())
			e.metrics.Increment(MetricAcquireAborted, "backend", e.backendName)
			return nil, lastErr
		default:
		}

		res, reason, err := e.attemptAcquire(ctx, normalizedKey, ttl)
		if err != nil {
			e.metrics.Increment(MetricAcquireError, "backend", e.backendName)
			return nil, err
		}
		if reason == ReasonNone {
			attemptResult = res
			break
		}

		// reason == ReasonLocked: contention, maybe retry.
		e.metrics.Increment(MetricAcquireContended, "backend", e.backendName)
		if attempt >= o.MaxRetries {
			lastErr = newError(CodeAcquisitionTimeout, key, "", nil)
			break
		}

		delay := computeDelay(o, attempt)
		if elapsed := time.Since(start); elapsed+delay > o.Timeout {
			delay = o.Timeout - elapsed
		}
		if delay < 0 {
			lastErr = newError(CodeAcquisitionTimeout, key, "", nil)
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = newError(CodeAborted, key, "", ctx.Err())
			e.metrics.Increment(MetricAcquireAborted, "backend", e.backendName)
			return nil, lastErr
		case <-timer.C:
		}
	}

	e.metrics.Timing(MetricAcquireDuration, time.Since(start), "backend", e.backendName)

	if attemptResult == nil {
		if lastErr == nil {
			lastErr = newError(CodeAcquisitionTimeout, key, "", nil)
		}
		e.metrics.Increment(MetricAcquireTimeout, "backend", e.backendName)
		return nil, lastErr
	}

	e.metrics.Increment(MetricAcquireSuccess, "backend", e.backendName)
	if n, perr := strconv.ParseInt(attemptResult.Fence, 10, 64); perr == nil && fenceNearOverflow(n) {
		e.logger.Warn("fence counter approaching overflow", "key", key, "fence", attemptResult.Fence)
		e.metrics.Increment(MetricFenceOverflowWarn, "backend", e.backendName)
	}
	return newHandle(e, normalizedKey, attemptResult), nil
}

// attemptAcquire makes exactly one backend call, optionally serialized
// through the local stripe table first.
func (e *Engine) attemptAcquire(ctx context.Context, key string, ttl time.Duration) (*AcquireResult, Reason, error) {
	if e.stripes == nil {
		return e.backend.Acquire(ctx, key, ttl)
	}

	var res *AcquireResult
	var reason Reason
	err := e.stripes.withStripe(ctx, key, func() error {
		var innerErr error
		res, reason, innerErr = e.backend.Acquire(ctx, key, ttl)
		return innerErr
	})
	return res, reason, err
}

// Do acquires key, runs fn exactly once while holding it, and always
// releases exactly once afterward — on success, on fn's error, and on a
// panic from fn (the lock is released before the panic continues to
// unwind). Release errors never mask fn's outcome: they go to
// OnReleaseError and are swallowed, matching the manual-vs-automatic
// split (see Handle).
func (e *Engine) Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error, opts ...AcquireOptions) error {
	handle, err := e.Acquire(ctx, key, ttl, opts...)
	if err != nil {
		return err
	}
	defer handle.Close()

	return fn(ctx)
}

// computeDelay implements the backoff and jitter formulas for the
// given 0-indexed attempt.
func computeDelay(o AcquireOptions, attempt int) time.Duration {
	base := o.RetryDelay
	if o.Backoff == BackoffExponential {
		base = base << uint(attempt) // retryDelay * 2^attempt
		if base < o.RetryDelay {     // overflow guard
			base = o.Timeout
		}
	}

	switch o.Jitter {
	case JitterNone:
		return base
	case JitterFull:
		return time.Duration(rand.Float64() * float64(base))
	default: // JitterEqual
		half := base / 2
		return half + time.Duration(rand.Float64()*float64(half))
	}
}

func resolveAcquireOptions(opts []AcquireOptions) AcquireOptions {
	if len(opts) > 0 {
		return opts[0]
	}
	return DefaultAcquireOptions()
}
