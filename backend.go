package syncguard

import (
	"context"
	"time"
)

// TimeAuthority describes where a backend's "now" comes from when it
// evaluates liveness: the storage substrate itself, or the calling
// process.
type TimeAuthority int

const (
	// TimeAuthorityServer means the backend computes `now` inside its own
	// atomic section (Redis TIME, SQL now()).
	TimeAuthorityServer TimeAuthority = iota
	// TimeAuthorityClient means the backend trusts the caller's wall
	// clock, bounded by Tolerance.
	TimeAuthorityClient
)

func (a TimeAuthority) String() string {
	if a == TimeAuthorityClient {
		return "client"
	}
	return "server"
}

// Capabilities describes what a Backend implementation guarantees. All
// backends shipped in this module set SupportsFencing true.
type Capabilities struct {
	SupportsFencing bool
	TimeAuthority   TimeAuthority
}

// LockInfo is the read-only view of a lock record returned by Lookup.
// Backends always populate every field, raw identifiers included: the
// sanitization boundary lives in Diagnostics, not here. GetByKey/GetByID
// zero the raw fields before returning; GetByKeyRaw/GetByIDRaw pass them
// through for callers that genuinely need the raw identifiers.
type LockInfo struct {
	KeyHash      string
	LockIDHash   string
	Fence        string
	AcquiredAtMS int64
	ExpiresAtMS  int64

	Key    string
	LockID string
}

// AcquireResult is the successful outcome of a single acquire attempt.
type AcquireResult struct {
	LockID      string
	Fence       string
	ExpiresAtMS int64
}

// ExtendResult is the successful outcome of an extend call.
type ExtendResult struct {
	ExpiresAtMS int64
}

// Reason enumerates the non-fatal "miss" outcomes a backend operation
// can report instead of an error.
type Reason int

const (
	// ReasonNone means the operation has no miss reason (it succeeded).
	ReasonNone Reason = iota
	// ReasonLocked means acquire found a live record already present.
	ReasonLocked
	// ReasonAbsent means release/extend found no matching, live,
	// owned record — expired, wrong owner, and never-existed are
	// deliberately indistinguishable (this is what makes release/extend
	// safe under concurrent ownership races).
	ReasonAbsent
)

// Backend is the contract every storage substrate implements. All
// operations are single-attempt: acquire returns ReasonLocked on
// contention rather than retrying, and retrying is the acquisition
// engine's job (see Engine.Acquire), not the backend's.
type Backend interface {
	// Acquire makes one attempt to take the lock on key for ttl. On
	// contention it returns (nil, ReasonLocked, nil).
	Acquire(ctx context.Context, key string, ttl time.Duration) (*AcquireResult, Reason, error)

	// Release drops the lock identified by lockID. Expired, wrong-owner,
	// and never-existed are all reported as ReasonAbsent — release is
	// idempotent with respect to absence.
	Release(ctx context.Context, lockID string) (Reason, error)

	// Extend refreshes the TTL of the lock identified by lockID. Same
	// absence semantics as Release.
	Extend(ctx context.Context, lockID string, ttl time.Duration) (*ExtendResult, Reason, error)

	// IsLocked reports whether key currently has a live record. Backends
	// may optionally cull an expired record as a side effect (see
	// WithRedisCleanupInIsLocked / WithSQLCleanupInIsLocked); by default
	// this is read-only.
	IsLocked(ctx context.Context, key string) (bool, error)

	// LookupByKey returns the info for the live record on key, raw
	// identifiers included (see LockInfo), or (nil, nil) if none exists.
	LookupByKey(ctx context.Context, key string) (*LockInfo, error)

	// LookupByID returns the info for the record owned by lockID, raw
	// identifiers included, or (nil, nil) if none exists. Atomicity here is relaxed
	// relative to LookupByKey to accommodate substrates without
	// multi-key transactions; it only guarantees the
	// observation corresponds to some state the key passed through.
	LookupByID(ctx context.Context, lockID string) (*LockInfo, error)

	// Capabilities describes this backend's fencing support and time
	// authority.
	Capabilities() Capabilities
}
