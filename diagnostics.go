package syncguard

import "context"

// Diagnostics offers read-only, sanitized-by-default introspection over a
// Backend, independent of the acquisition engine. It is safe to share
// across goroutines.
type Diagnostics struct {
	backend Backend
}

// NewDiagnostics wraps backend for introspection use.
func NewDiagnostics(backend Backend) *Diagnostics {
	return &Diagnostics{backend: backend}
}

// IsLocked reports whether key currently has a live holder.
func (d *Diagnostics) IsLocked(ctx context.Context, key string) (bool, error) {
	key, err := validateKey(key)
	if err != nil {
		return false, err
	}
	return d.backend.IsLocked(ctx, key)
}

// GetByKey returns the sanitized record for key, or nil if none exists.
// The returned LockInfo carries hashes, never the raw key or lock ID;
// use GetByKeyRaw when the raw identifiers are genuinely needed.
func (d *Diagnostics) GetByKey(ctx context.Context, key string) (*LockInfo, error) {
	info, err := d.GetByKeyRaw(ctx, key)
	return sanitize(info), err
}

// GetByKeyRaw is GetByKey but additionally surfaces the raw key and lock
// ID. Use is advisory only — never gate correctness decisions on it; the
// atomic backend mutations are the only correctness boundary.
func (d *Diagnostics) GetByKeyRaw(ctx context.Context, key string) (*LockInfo, error) {
	key, err := validateKey(key)
	if err != nil {
		return nil, err
	}
	return d.backend.LookupByKey(ctx, key)
}

// GetByID returns the sanitized record owned by lockID, or nil if none
// exists.
func (d *Diagnostics) GetByID(ctx context.Context, lockID string) (*LockInfo, error) {
	info, err := d.GetByIDRaw(ctx, lockID)
	return sanitize(info), err
}

// GetByIDRaw is GetByID but additionally surfaces the raw key and lock
// ID. Same advisory-only caveat as GetByKeyRaw.
func (d *Diagnostics) GetByIDRaw(ctx context.Context, lockID string) (*LockInfo, error) {
	if err := validateLockID(lockID); err != nil {
		return nil, err
	}
	return d.backend.LookupByID(ctx, lockID)
}

// sanitize returns a copy of info with raw identifiers cleared, or nil
// unchanged.
func sanitize(info *LockInfo) *LockInfo {
	if info == nil {
		return nil
	}
	clean := *info
	clean.Key = ""
	clean.LockID = ""
	return &clean
}

// Owns reports whether lockID currently owns the live record on key. It
// composes GetByKey with a hash comparison rather than exposing a
// dedicated backend operation, since ownership is fully determined by
// the sanitized view.
func (d *Diagnostics) Owns(ctx context.Context, key, lockID string) (bool, error) {
	info, err := d.GetByKey(ctx, key)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	return info.LockIDHash == hashLockID(lockID), nil
}
