package syncguard

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBody mirrors the JSON object the Lua scripts read and write at the
// lock key. Field names are part of the on-wire storage format, not just
// Go-internal convenience, since scripts and Go both read/write them.
type redisBody struct {
	LockID      string `json:"lock_id"`
	Fence       int64  `json:"fence"`
	AcquiredAt  int64  `json:"acquired_at_ms"`
	ExpiresAt   int64  `json:"expires_at_ms"`
	Key         string `json:"key"`
}

// RedisBackend implements Backend on top of a single *redis.Client,
// following the dual-key-plus-counter layout and script set below.
type RedisBackend struct {
	client            *redis.Client
	prefix            string
	tolerance         time.Duration
	cleanupInIsLocked bool
	keyByteLimit      int
}

// RedisBackendOption configures a RedisBackend at construction time.
type RedisBackendOption func(*RedisBackend)

// WithRedisTolerance overrides the default clock-skew tolerance (Tolerance).
func WithRedisTolerance(d time.Duration) RedisBackendOption {
	return func(b *RedisBackend) { b.tolerance = d }
}

// WithRedisCleanupInIsLocked makes IsLocked opportunistically delete a
// non-live record's lock key and id key as a side effect. Off by default,
// matching the "is_locked reads only the lock key" default.
func WithRedisCleanupInIsLocked() RedisBackendOption {
	return func(b *RedisBackend) { b.cleanupInIsLocked = true }
}

// WithRedisKeyByteLimit overrides the byte budget used to decide whether
// a derived storage key needs hash-surrogate shortening.
func WithRedisKeyByteLimit(n int) RedisBackendOption {
	return func(b *RedisBackend) { b.keyByteLimit = n }
}

// NewRedisBackend constructs a RedisBackend. prefix must not contain
// "fence:" and must not end in "fence", to keep the fence-counter
// namespace from colliding with lock/id keys.
func NewRedisBackend(client *redis.Client, prefix string, opts ...RedisBackendOption) (*RedisBackend, error) {
	if strings.Contains(prefix, "fence:") || strings.HasSuffix(prefix, "fence") {
		return nil, newError(CodeInvalidArgument, "", "", newPlainError("prefix must not contain \"fence:\" or end with \"fence\""))
	}

	b := &RedisBackend{
		client:       client,
		prefix:       prefix,
		tolerance:    Tolerance,
		keyByteLimit: 512,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *RedisBackend) Capabilities() Capabilities {
	return Capabilities{SupportsFencing: true, TimeAuthority: TimeAuthorityServer}
}

func (b *RedisBackend) lockKey(storageKey string) string { return storageKey }
func (b *RedisBackend) idKey(lockID string) string       { return b.prefix + ":id:" + lockID }

func (b *RedisBackend) fenceKey(storageKey string) (string, error) {
	return deriveFenceKey(b.prefix, storageKey, b.keyByteLimit, 0)
}

func (b *RedisBackend) storageKey(key string) (string, error) {
	return deriveStorageKey(b.prefix, key, b.keyByteLimit, 0)
}

func (b *RedisBackend) Acquire(ctx context.Context, key string, ttl time.Duration) (*AcquireResult, Reason, error) {
	key, err := validateKey(key)
	if err != nil {
		return nil, ReasonNone, err
	}
	if err := validateTTL(ttl); err != nil {
		return nil, ReasonNone, err
	}
	storageKey, err := b.storageKey(key)
	if err != nil {
		return nil, ReasonNone, err
	}
	fenceKey, err := b.fenceKey(storageKey)
	if err != nil {
		return nil, ReasonNone, err
	}
	lockID, err := NewLockID()
	if err != nil {
		return nil, ReasonNone, err
	}

	res, err := redisAcquireScript.Run(ctx, b.client,
		[]string{b.lockKey(storageKey), b.idKey(lockID), fenceKey},
		lockID, ttl.Milliseconds(), b.tolerance.Milliseconds(), storageKey, key, maxFence,
	).Slice()
	if err != nil {
		return nil, ReasonNone, b.wrapErr("acquire", err)
	}

	ok, _ := toInt64(res[0])
	if ok == 0 {
		return nil, ReasonLocked, nil
	}

	fence, err := strconv.ParseInt(res[1].(string), 10, 64)
	if err != nil {
		return nil, ReasonNone, newError(CodeInternal, key, lockID, err)
	}
	expiresAt, err := strconv.ParseInt(res[2].(string), 10, 64)
	if err != nil {
		return nil, ReasonNone, newError(CodeInternal, key, lockID, err)
	}
	fenceStr, err := formatFence(fence)
	if err != nil {
		return nil, ReasonNone, newError(CodeInternal, key, lockID, err)
	}

	return &AcquireResult{LockID: lockID, Fence: fenceStr, ExpiresAtMS: expiresAt}, ReasonNone, nil
}

func (b *RedisBackend) Release(ctx context.Context, lockID string) (Reason, error) {
	if err := validateLockID(lockID); err != nil {
		return ReasonNone, err
	}
	res, err := redisReleaseScript.Run(ctx, b.client,
		[]string{b.idKey(lockID)},
		lockID, b.tolerance.Milliseconds(),
	).Slice()
	if err != nil {
		return ReasonNone, b.wrapErr("release", err)
	}
	if ok, _ := toInt64(res[0]); ok == 0 {
		return ReasonAbsent, nil
	}
	return ReasonNone, nil
}

func (b *RedisBackend) Extend(ctx context.Context, lockID string, ttl time.Duration) (*ExtendResult, Reason, error) {
	if err := validateLockID(lockID); err != nil {
		return nil, ReasonNone, err
	}
	if err := validateTTL(ttl); err != nil {
		return nil, ReasonNone, err
	}
	res, err := redisExtendScript.Run(ctx, b.client,
		[]string{b.idKey(lockID)},
		lockID, b.tolerance.Milliseconds(), ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, ReasonNone, b.wrapErr("extend", err)
	}
	if ok, _ := toInt64(res[0]); ok == 0 {
		return nil, ReasonAbsent, nil
	}

	expiresAt, err := strconv.ParseInt(res[1].(string), 10, 64)
	if err != nil {
		return nil, ReasonNone, newError(CodeInternal, "", lockID, err)
	}
	return &ExtendResult{ExpiresAtMS: expiresAt}, ReasonNone, nil
}

func (b *RedisBackend) IsLocked(ctx context.Context, key string) (bool, error) {
	key, err := validateKey(key)
	if err != nil {
		return false, err
	}
	storageKey, err := b.storageKey(key)
	if err != nil {
		return false, err
	}

	cleanup := int64(0)
	if b.cleanupInIsLocked {
		cleanup = 1
	}

	res, err := redisIsLockedScript.Run(ctx, b.client,
		[]string{b.lockKey(storageKey)},
		b.tolerance.Milliseconds(), cleanup, b.prefix+":id:",
	).Int64()
	if err != nil {
		return false, b.wrapErr("is_locked", err)
	}
	return res == 1, nil
}

func (b *RedisBackend) LookupByKey(ctx context.Context, key string) (*LockInfo, error) {
	key, err := validateKey(key)
	if err != nil {
		return nil, err
	}
	storageKey, err := b.storageKey(key)
	if err != nil {
		return nil, err
	}

	raw, err := redisLookupByKeyScript.Run(ctx, b.client,
		[]string{b.lockKey(storageKey)},
		b.tolerance.Milliseconds(),
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, b.wrapErr("lookup_by_key", err)
	}
	if raw == "" {
		return nil, nil
	}
	return decodeLockInfo(raw)
}

func (b *RedisBackend) LookupByID(ctx context.Context, lockID string) (*LockInfo, error) {
	if err := validateLockID(lockID); err != nil {
		return nil, err
	}
	raw, err := redisLookupByIDScript.Run(ctx, b.client,
		[]string{b.idKey(lockID)},
		b.tolerance.Milliseconds(),
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, b.wrapErr("lookup_by_id", err)
	}
	if raw == "" {
		return nil, nil
	}
	return decodeLockInfo(raw)
}

func decodeLockInfo(raw string) (*LockInfo, error) {
	var body redisBody
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, newError(CodeInternal, "", "", err)
	}
	fenceStr, err := formatFence(body.Fence)
	if err != nil {
		fenceStr = ""
	}
	return &LockInfo{
		KeyHash:      hashKey(body.Key),
		LockIDHash:   hashLockID(body.LockID),
		Fence:        fenceStr,
		AcquiredAtMS: body.AcquiredAt,
		ExpiresAtMS:  body.ExpiresAt,
		Key:          body.Key,
		LockID:       body.LockID,
	}, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func (b *RedisBackend) wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeNetworkTimeout, "", "", err)
	}
	if strings.Contains(err.Error(), fenceOverflowMsg) {
		return newError(CodeInternal, "", "", err)
	}
	return newError(CodeServiceUnavailable, "", "", err)
}
