package syncguard

import (
	"context"
	"time"
)

// EventType enumerates the operations a TelemetryBackend reports.
type EventType string

const (
	EventAcquire     EventType = "acquire"
	EventRelease     EventType = "release"
	EventExtend      EventType = "extend"
	EventIsLocked    EventType = "is_locked"
	EventLookupByKey EventType = "lookup_by_key"
	EventLookupByID  EventType = "lookup_by_id"
)

// RawIdentifiers carries the unhashed key and lock ID for an Event, only
// populated when the TelemetryBackend was built with includeRaw.
type RawIdentifiers struct {
	Key    string
	LockID string
}

// Event describes one completed backend operation. By default only
// hashes are included; Raw is non-nil only when the caller explicitly
// opted in via WithTelemetry(backend, onEvent, WithRawIdentifiers()).
type Event struct {
	Type       EventType
	KeyHash    string
	LockIDHash string
	Reason     Reason
	Fence      string
	Err        error
	Raw        *RawIdentifiers
}

// OnEvent observes a completed operation. It must not block: the
// decorator invokes it synchronously after the wrapped call returns, so a
// slow hook delays the caller. A panic in the hook is recovered and
// discarded.
type OnEvent func(Event)

// TelemetryBackend decorates a Backend with an OnEvent hook, without
// altering any result, error, or Reason it returns. It is purely an
// observation tap — acquire/release semantics are exactly the wrapped
// backend's.
type TelemetryBackend struct {
	Backend
	onEvent    OnEvent
	includeRaw bool
}

// TelemetryOption configures a TelemetryBackend at construction time.
type TelemetryOption func(*TelemetryBackend)

// WithRawIdentifiers opts an event stream into carrying the unhashed key
// and lock ID on every Event. Off by default.
func WithRawIdentifiers() TelemetryOption {
	return func(t *TelemetryBackend) { t.includeRaw = true }
}

// WithTelemetry wraps backend so every operation also calls onEvent.
func WithTelemetry(backend Backend, onEvent OnEvent, opts ...TelemetryOption) *TelemetryBackend {
	t := &TelemetryBackend{Backend: backend, onEvent: onEvent}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TelemetryBackend) emit(ev Event) {
	if t.onEvent == nil {
		return
	}
	defer func() { _ = recover() }()
	t.onEvent(ev)
}

func (t *TelemetryBackend) rawOf(key, lockID string) *RawIdentifiers {
	if !t.includeRaw {
		return nil
	}
	return &RawIdentifiers{Key: key, LockID: lockID}
}

func (t *TelemetryBackend) Acquire(ctx context.Context, key string, ttl time.Duration) (*AcquireResult, Reason, error) {
	res, reason, err := t.Backend.Acquire(ctx, key, ttl)
	ev := Event{Type: EventAcquire, KeyHash: hashKey(key), Reason: reason, Err: err}
	lockID := ""
	if res != nil {
		lockID = res.LockID
		ev.LockIDHash = hashLockID(res.LockID)
		ev.Fence = res.Fence
	}
	ev.Raw = t.rawOf(key, lockID)
	t.emit(ev)
	return res, reason, err
}

func (t *TelemetryBackend) Release(ctx context.Context, lockID string) (Reason, error) {
	reason, err := t.Backend.Release(ctx, lockID)
	t.emit(Event{Type: EventRelease, LockIDHash: hashLockID(lockID), Reason: reason, Err: err, Raw: t.rawOf("", lockID)})
	return reason, err
}

func (t *TelemetryBackend) Extend(ctx context.Context, lockID string, ttl time.Duration) (*ExtendResult, Reason, error) {
	res, reason, err := t.Backend.Extend(ctx, lockID, ttl)
	t.emit(Event{Type: EventExtend, LockIDHash: hashLockID(lockID), Reason: reason, Err: err, Raw: t.rawOf("", lockID)})
	return res, reason, err
}

func (t *TelemetryBackend) IsLocked(ctx context.Context, key string) (bool, error) {
	locked, err := t.Backend.IsLocked(ctx, key)
	t.emit(Event{Type: EventIsLocked, KeyHash: hashKey(key), Err: err, Raw: t.rawOf(key, "")})
	return locked, err
}

func (t *TelemetryBackend) LookupByKey(ctx context.Context, key string) (*LockInfo, error) {
	info, err := t.Backend.LookupByKey(ctx, key)
	t.emit(Event{Type: EventLookupByKey, KeyHash: hashKey(key), Err: err, Raw: t.rawOf(key, "")})
	return info, err
}

func (t *TelemetryBackend) LookupByID(ctx context.Context, lockID string) (*LockInfo, error) {
	info, err := t.Backend.LookupByID(ctx, lockID)
	t.emit(Event{Type: EventLookupByID, LockIDHash: hashLockID(lockID), Err: err, Raw: t.rawOf("", lockID)})
	return info, err
}
