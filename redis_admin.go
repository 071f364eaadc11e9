package syncguard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdmin provides out-of-band operational tooling over a Redis
// lock store: listing, forced release, and orphan cleanup. None of its
// operations are part of the correctness protocol — they exist for
// human and on-call use.
type RedisAdmin struct {
	client  *redis.Client
	prefix  string
	logger  Logger
	metrics Metrics
}

// NewRedisAdmin creates an administrative helper over the same prefix a
// RedisBackend was constructed with.
func NewRedisAdmin(client *redis.Client, prefix string, logger Logger, metrics Metrics) *RedisAdmin {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &RedisAdmin{client: client, prefix: prefix, logger: logger, metrics: metrics}
}

// AdminLockInfo is the raw view ListLocks returns: unlike Diagnostics,
// admin tooling operates on the live key space directly and therefore
// always sees raw keys.
type AdminLockInfo struct {
	StorageKey string
	LockID     string
	Fence      string
	TTL        time.Duration
	ExpiresAt  time.Time
}

// ListLocks scans the lock-key namespace and returns every record still
// present, regardless of liveness tolerance (a raw TTL<0 entry has
// already been reaped by Redis itself and never appears here).
func (a *RedisAdmin) ListLocks(ctx context.Context) ([]AdminLockInfo, error) {
	pattern := a.prefix + ":*"

	var infos []AdminLockInfo
	var cursor uint64
	for {
		keys, next, err := a.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, newError(CodeServiceUnavailable, "", "", fmt.Errorf("scan lock keys: %w", err))
		}

		for _, key := range keys {
			if a.isAuxiliaryKey(key) {
				continue
			}

			raw, err := a.client.Get(ctx, key).Result()
			if err != nil {
				a.logger.Warn("failed to read lock record", "key", key, "error", err)
				continue
			}
			info, err := decodeLockInfo(raw)
			if err != nil {
				a.logger.Warn("failed to decode lock record", "key", key, "error", err)
				continue
			}

			ttl, err := a.client.TTL(ctx, key).Result()
			if err != nil {
				ttl = -1
			}

			infos = append(infos, AdminLockInfo{
				StorageKey: key,
				LockID:     info.LockID,
				Fence:      info.Fence,
				TTL:        ttl,
				ExpiresAt:  time.UnixMilli(info.ExpiresAtMS),
			})
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	a.metrics.Gauge(MetricOrphanCleanup+".active", float64(len(infos)))
	return infos, nil
}

// isAuxiliaryKey reports whether key is an id-key or fence-key rather
// than a primary lock record, so ListLocks doesn't double count or try
// to JSON-decode a fence counter.
func (a *RedisAdmin) isAuxiliaryKey(key string) bool {
	rest := strings.TrimPrefix(key, a.prefix+":")
	return strings.HasPrefix(rest, "id:") || strings.HasPrefix(rest, "fence:")
}

// ForceRelease deletes a lock's storage key, id key, by lock ID,
// bypassing the release script's ownership check entirely. This is a
// break-glass operation: use it only when the holder is known to be
// gone for good (crashed process, decommissioned host), since it does
// not verify current ownership the way Handle.Release does.
func (a *RedisAdmin) ForceRelease(ctx context.Context, lockID string) error {
	idKey := a.prefix + ":id:" + lockID
	storageKey, err := a.client.Get(ctx, idKey).Result()
	if err == redis.Nil {
		return newError(CodeInvalidArgument, "", lockID, fmt.Errorf("no lock found for id"))
	}
	if err != nil {
		return newError(CodeServiceUnavailable, "", lockID, err)
	}

	if err := a.client.Del(ctx, storageKey, idKey).Err(); err != nil {
		return newError(CodeServiceUnavailable, "", lockID, fmt.Errorf("force release: %w", err))
	}

	a.logger.Warn("force-released lock", "lock_id", lockID, "storage_key", storageKey)
	a.metrics.Increment(MetricForceRelease)
	return nil
}

// CleanupOrphaned force-releases every lock record whose remaining TTL
// is below minRemaining (entries without a TTL are skipped), on the
// theory that anything this close to natural expiry is safe to reclaim
// early. It never touches fence counters.
func (a *RedisAdmin) CleanupOrphaned(ctx context.Context, minRemaining time.Duration) (int, error) {
	locks, err := a.ListLocks(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, lock := range locks {
		if lock.TTL < 0 || lock.TTL >= minRemaining {
			continue
		}
		if err := a.ForceRelease(ctx, lock.LockID); err != nil {
			a.logger.Warn("failed to clean up orphaned lock", "lock_id", lock.LockID, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		a.metrics.Increment(MetricOrphanCleanup, "removed", strconv.Itoa(removed))
	}
	return removed, nil
}

// FenceCounterAudit inspects fence counters for corruption. Deleting a
// fence counter is forbidden — repair only ever raises a counter's
// floor, since lowering it would let a previously issued fence token be
// reissued and break the strict-monotonicity invariant callers rely on.
type FenceCounterAudit struct {
	client  *redis.Client
	prefix  string
	logger  Logger
	metrics Metrics
}

// NewFenceCounterAudit creates a fence-counter audit utility.
func NewFenceCounterAudit(client *redis.Client, prefix string, logger Logger, metrics Metrics) *FenceCounterAudit {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &FenceCounterAudit{client: client, prefix: prefix, logger: logger, metrics: metrics}
}

// FenceAuditReport summarizes one audit pass.
type FenceAuditReport struct {
	Timestamp    time.Time
	TotalCounted int
	Invalid      []string
	NearOverflow []string
	Values       map[string]int64
}

// Audit scans every fence counter under the configured prefix and flags
// non-integer values (data corruption — INCR should make this
// impossible outside manual tampering) and values past
// warnFenceThreshold.
func (a *FenceCounterAudit) Audit(ctx context.Context) (*FenceAuditReport, error) {
	report := &FenceAuditReport{
		Timestamp: time.Now(),
		Values:    make(map[string]int64),
	}

	pattern := a.prefix + ":fence:*"
	var cursor uint64
	for {
		keys, next, err := a.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, newError(CodeServiceUnavailable, "", "", fmt.Errorf("scan fence counters: %w", err))
		}

		for _, key := range keys {
			raw, err := a.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				a.logger.Warn("failed to read fence counter", "key", key, "error", err)
				continue
			}

			val, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				report.Invalid = append(report.Invalid, key)
				a.metrics.Increment(MetricFenceAuditInvalid, "key", key)
				continue
			}

			report.Values[key] = val
			report.TotalCounted++
			if fenceNearOverflow(val) {
				report.NearOverflow = append(report.NearOverflow, key)
				a.metrics.Increment(MetricFenceOverflowWarn, "key", key)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	a.logger.Info("fence counter audit completed",
		"total", report.TotalCounted,
		"invalid", len(report.Invalid),
		"near_overflow", len(report.NearOverflow),
	)
	return report, nil
}

// RaiseFloor repairs a corrupted or suspiciously low fence counter by
// raising it to at least minValue. It refuses to lower a counter — the
// only direction that preserves the fencing invariant — and is a no-op
// if the stored value is already >= minValue.
func (a *FenceCounterAudit) RaiseFloor(ctx context.Context, key string, minValue int64) error {
	current, err := a.client.Get(ctx, key).Int64()
	_, corrupted := err.(*strconv.NumError)
	if err != nil && err != redis.Nil && !corrupted {
		return newError(CodeServiceUnavailable, "", "", fmt.Errorf("read fence counter: %w", err))
	}
	if current >= minValue {
		return nil
	}

	if err := a.client.Set(ctx, key, minValue, 0).Err(); err != nil {
		return newError(CodeServiceUnavailable, "", "", fmt.Errorf("raise fence floor: %w", err))
	}

	a.logger.Info("fence counter floor raised", "key", key, "old_value", current, "new_value", minValue)
	return nil
}
