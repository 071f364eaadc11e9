package syncguard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is a scoped reference to a held lock, returned by Engine.Acquire.
// It is safe to call Release/Extend/Close from multiple goroutines: the
// first Release (manual or automatic) wins, and every other caller
// gets ReasonAbsent rather than issuing a second backend call.
type Handle struct {
	engine *Engine
	key    string
	lockID string
	fence  string

	released      atomic.Bool
	releaseOnce   sync.Once
	releaseErr    error
	releaseReason Reason
}

func newHandle(engine *Engine, key string, res *AcquireResult) *Handle {
	return &Handle{
		engine: engine,
		key:    key,
		lockID: res.LockID,
		fence:  res.Fence,
	}
}

// Key returns the normalized key this handle holds the lock for.
func (h *Handle) Key() string { return h.key }

// LockID returns the opaque identifier assigned to this acquisition.
func (h *Handle) LockID() string { return h.lockID }

// Fence returns the monotonic fencing token assigned to this acquisition,
// Callers that write through to a downstream resource
// should attach this token and have that resource reject any token lower
// than the last one it accepted.
func (h *Handle) Fence() string { return h.fence }

// Release drops the lock, reporting ReasonAbsent if it was already
// released, had expired, or had been taken over by another owner.
// Release is idempotent: calling it again after it has already run
// (from any path) returns ReasonAbsent without a second backend call. This is the manual path — its error is returned directly to the
// caller rather than routed through OnReleaseError.
func (h *Handle) Release(ctx context.Context) (Reason, error) {
	return h.release(ctx, SourceManual)
}

// Extend refreshes the lock's TTL, reporting ReasonAbsent under the same
// conditions as Release. Extend never changes what Release/Close
// consider "already released" — a successful Extend after a concurrent
// Release still reports ReasonAbsent.
func (h *Handle) Extend(ctx context.Context, ttl time.Duration) (*ExtendResult, Reason, error) {
	if h.released.Load() {
		return nil, ReasonAbsent, nil
	}
	if err := validateTTL(ttl); err != nil {
		return nil, ReasonNone, err
	}

	res, reason, err := h.engine.backend.Extend(ctx, h.lockID, ttl)
	if err != nil {
		h.engine.metrics.Increment(MetricExtendError, "backend", h.engine.backendName)
		return nil, ReasonNone, err
	}
	if reason == ReasonAbsent {
		h.engine.metrics.Increment(MetricExtendAbsent, "backend", h.engine.backendName)
		return nil, reason, nil
	}

	h.engine.metrics.Increment(MetricExtendSuccess, "backend", h.engine.backendName)
	return res, ReasonNone, nil
}

// Close releases the lock automatically, swallowing the outcome: any
// error is routed to the engine's OnReleaseError hook instead of being
// returned, since Close is meant for `defer handle.Close()` where there
// is no caller left to hand an error to. If the engine was configured
// with a dispose timeout, Close bounds the release call to it and
// reports a timeout through the same hook.
func (h *Handle) Close() {
	ctx := context.Background()
	var cancel context.CancelFunc
	if h.engine.disposeTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.engine.disposeTimeout)
		defer cancel()
	}

	_, err := h.release(ctx, SourceDisposal)
	if err == nil {
		return
	}

	info := ReleaseErrorInfo{LockID: h.lockID, Key: h.key, Source: SourceDisposal}
	if ctx.Err() == context.DeadlineExceeded {
		h.engine.metrics.Increment(MetricDisposalTimeout, "backend", h.engine.backendName)
	}
	h.engine.metrics.Increment(MetricDisposalReleaseError, "backend", h.engine.backendName)
	safeInvokeOnReleaseError(h.engine.onReleaseError, err, info)
}

// release performs the at-most-once backend call and returns its result
// to the caller that made it. Every caller after the first — regardless
// of source — waits for that call to finish and then gets ReasonAbsent
// with a nil error.
func (h *Handle) release(ctx context.Context, source ReleaseErrorSource) (Reason, error) {
	alreadyReleased := true
	h.releaseOnce.Do(func() {
		alreadyReleased = false
		reason, err := h.engine.backend.Release(ctx, h.lockID)
		h.released.Store(true)
		if err != nil {
			h.engine.metrics.Increment(MetricReleaseError, "backend", h.engine.backendName)
			h.releaseErr = err
			return
		}
		h.releaseReason = reason
		if reason == ReasonAbsent {
			h.engine.metrics.Increment(MetricReleaseAbsent, "backend", h.engine.backendName)
			return
		}
		h.engine.metrics.Increment(MetricReleaseSuccess, "backend", h.engine.backendName)
	})

	if alreadyReleased {
		h.engine.metrics.Increment(MetricReleaseDupe, "backend", h.engine.backendName)
		return ReasonAbsent, nil
	}
	if h.releaseErr != nil {
		return ReasonNone, h.releaseErr
	}
	return h.releaseReason, nil
}

// safeInvokeOnReleaseError guards against a panicking hook: OnReleaseError
// runs on the automatic disposal path, often from a deferred Close with
// nothing upstream to recover a panic.
func safeInvokeOnReleaseError(fn OnReleaseError, err error, info ReleaseErrorInfo) {
	defer func() { _ = recover() }()
	fn(err, info)
}
