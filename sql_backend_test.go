package syncguard

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func newTestSQLBackend(t *testing.T) (*SQLBackend, *fakeSQLPool) {
	t.Helper()
	pool := newFakeSQLPool(DefaultLocksTable, DefaultFenceTable)
	b, err := NewSQLBackend(pool)
	if err != nil {
		t.Fatalf("NewSQLBackend() error: %v", err)
	}
	return b, pool
}

func TestSQLBackendRejectsSameTableNames(t *testing.T) {
	pool := newFakeSQLPool("same", "same")
	if _, err := NewSQLBackend(pool, WithSQLTables("same", "same")); err == nil {
		t.Fatalf("expected an error when locks table and fence table are equal")
	}
}

func TestSQLBackendAcquireReleaseRoundTrip(t *testing.T) {
	b, _ := newTestSQLBackend(t)
	ctx := context.Background()

	res, reason, err := b.Acquire(ctx, "orders/1", time.Second)
	if err != nil || reason != ReasonNone {
		t.Fatalf("Acquire() = %v, %v, %v", res, reason, err)
	}
	if res.Fence != "000000000000001" {
		t.Fatalf("Fence = %q, want the first fence value", res.Fence)
	}

	locked, err := b.IsLocked(ctx, "orders/1")
	if err != nil || !locked {
		t.Fatalf("IsLocked() = %v, %v; want true, nil", locked, err)
	}

	reason, err = b.Release(ctx, res.LockID)
	if err != nil || reason != ReasonNone {
		t.Fatalf("Release() = %v, %v; want ReasonNone, nil", reason, err)
	}

	locked, err = b.IsLocked(ctx, "orders/1")
	if err != nil || locked {
		t.Fatalf("IsLocked() after Release() = %v, %v; want false, nil", locked, err)
	}
}

func TestSQLBackendAcquireContention(t *testing.T) {
	b, _ := newTestSQLBackend(t)
	ctx := context.Background()

	if _, reason, err := b.Acquire(ctx, "orders/2", time.Minute); err != nil || reason != ReasonNone {
		t.Fatalf("first Acquire() = %v, %v", reason, err)
	}

	_, reason, err := b.Acquire(ctx, "orders/2", time.Minute)
	if err != nil {
		t.Fatalf("second Acquire() error: %v", err)
	}
	if reason != ReasonLocked {
		t.Fatalf("second Acquire() reason = %v, want ReasonLocked", reason)
	}
}

func TestSQLBackendReleaseAbsent(t *testing.T) {
	b, _ := newTestSQLBackend(t)
	id, _ := NewLockID()

	reason, err := b.Release(context.Background(), id)
	if err != nil || reason != ReasonAbsent {
		t.Fatalf("Release() of an unknown lock id = %v, %v; want ReasonAbsent, nil", reason, err)
	}
}

func TestSQLBackendExtend(t *testing.T) {
	b, _ := newTestSQLBackend(t)
	ctx := context.Background()

	res, _, err := b.Acquire(ctx, "orders/3", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	ext, reason, err := b.Extend(ctx, res.LockID, 10*time.Second)
	if err != nil || reason != ReasonNone {
		t.Fatalf("Extend() = %v, %v, %v", ext, reason, err)
	}
	if ext.ExpiresAtMS <= res.ExpiresAtMS {
		t.Fatalf("Extend() did not push expiry forward: %d <= %d", ext.ExpiresAtMS, res.ExpiresAtMS)
	}
}

func TestSQLBackendLookupByKeyAndByID(t *testing.T) {
	b, _ := newTestSQLBackend(t)
	ctx := context.Background()

	res, _, err := b.Acquire(ctx, "orders/4", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	byKey, err := b.LookupByKey(ctx, "orders/4")
	if err != nil || byKey == nil {
		t.Fatalf("LookupByKey() = %v, %v", byKey, err)
	}
	if byKey.LockID != res.LockID {
		t.Fatalf("LookupByKey().LockID = %q, want %q", byKey.LockID, res.LockID)
	}

	byID, err := b.LookupByID(ctx, res.LockID)
	if err != nil || byID == nil {
		t.Fatalf("LookupByID() = %v, %v", byID, err)
	}
	if byID.Key != "orders/4" {
		t.Fatalf("LookupByID().Key = %q, want orders/4", byID.Key)
	}
}

func TestSQLBackendLookupMissing(t *testing.T) {
	b, _ := newTestSQLBackend(t)
	ctx := context.Background()

	info, err := b.LookupByKey(ctx, "never-locked")
	if err != nil || info != nil {
		t.Fatalf("LookupByKey() for a missing key = %v, %v; want nil, nil", info, err)
	}
}

func TestSQLBackendAcquireAfterExpiry(t *testing.T) {
	b, pool := newTestSQLBackend(t)
	ctx := context.Background()

	base := time.Now()
	pool.clock = func() time.Time { return base }

	if _, _, err := b.Acquire(ctx, "orders/5", time.Second); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	pool.clock = func() time.Time { return base.Add(5 * time.Second) }

	res, reason, err := b.Acquire(ctx, "orders/5", time.Second)
	if err != nil || reason != ReasonNone {
		t.Fatalf("Acquire() after expiry = %v, %v, %v", res, reason, err)
	}
	if res.Fence != "000000000000002" {
		t.Fatalf("Fence = %q, want the fence counter to have advanced", res.Fence)
	}
}

func TestNewClientTimeSQLBackendUsesInjectedClock(t *testing.T) {
	pool := newFakeSQLPool(DefaultLocksTable, DefaultFenceTable)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b, err := NewClientTimeSQLBackend(pool, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewClientTimeSQLBackend() error: %v", err)
	}
	if b.Capabilities().TimeAuthority != TimeAuthorityClient {
		t.Fatalf("Capabilities().TimeAuthority = %v, want TimeAuthorityClient", b.Capabilities().TimeAuthority)
	}

	res, _, err := b.Acquire(context.Background(), "orders/6", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	wantExpiry := now.Add(time.Second).UnixMilli()
	if res.ExpiresAtMS != wantExpiry {
		t.Fatalf("ExpiresAtMS = %d, want %d (derived from the injected clock)", res.ExpiresAtMS, wantExpiry)
	}
}

func TestSQLBackendRejectsMalformedLockIDWithoutIO(t *testing.T) {
	// A nil pool would panic on Begin, so these passing proves validation
	// short-circuits before any transaction starts.
	b, err := NewSQLBackend(nil)
	if err != nil {
		t.Fatalf("NewSQLBackend() error: %v", err)
	}
	ctx := context.Background()

	if _, err := b.Release(ctx, "nope"); !IsInvalidArgument(err) {
		t.Fatalf("Release() with a malformed id = %v, want invalid_argument", err)
	}
	if _, _, err := b.Extend(ctx, "nope", time.Second); !IsInvalidArgument(err) {
		t.Fatalf("Extend() with a malformed id = %v, want invalid_argument", err)
	}
	if _, err := b.LookupByID(ctx, "nope"); !IsInvalidArgument(err) {
		t.Fatalf("LookupByID() with a malformed id = %v, want invalid_argument", err)
	}
}

func TestSQLBackendCleanupInIsLockedCullsStaleRows(t *testing.T) {
	pool := newFakeSQLPool(DefaultLocksTable, DefaultFenceTable)
	base := time.Now()
	pool.clock = func() time.Time { return base }

	b, err := NewSQLBackend(pool, WithSQLCleanupInIsLocked())
	if err != nil {
		t.Fatalf("NewSQLBackend() error: %v", err)
	}
	ctx := context.Background()

	if _, _, err := b.Acquire(ctx, "orders/7", time.Second); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	pool.clock = func() time.Time { return base.Add(10 * time.Second) }

	locked, err := b.IsLocked(ctx, "orders/7")
	if err != nil || locked {
		t.Fatalf("IsLocked() = %v, %v; want false, nil", locked, err)
	}

	storageKey, err := b.storageKey("orders/7")
	if err != nil {
		t.Fatalf("storageKey() error: %v", err)
	}
	fenceKey, err := deriveFenceKey(b.prefix, storageKey, b.keyByteLimit, 0)
	if err != nil {
		t.Fatalf("deriveFenceKey() error: %v", err)
	}
	pool.store.mu.Lock()
	_, still := pool.store.locks[storageKey]
	_, fenceSurvives := pool.store.fences[fenceKey]
	pool.store.mu.Unlock()
	if still {
		t.Fatalf("expected the stale row to be culled")
	}
	if !fenceSurvives {
		t.Fatalf("cleanup must never remove the fence counter")
	}
}

func TestSQLBackendClientTimeCleanupGuardLeavesRecentlyExpiredRows(t *testing.T) {
	pool := newFakeSQLPool(DefaultLocksTable, DefaultFenceTable)
	base := time.Now()
	clock := func() time.Time { return base }

	b, err := NewClientTimeSQLBackend(pool, func() time.Time { return clock() }, WithSQLCleanupInIsLocked())
	if err != nil {
		t.Fatalf("NewClientTimeSQLBackend() error: %v", err)
	}
	ctx := context.Background()

	if _, _, err := b.Acquire(ctx, "orders/8", time.Second); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	// Dead on our clock, but within the extra client-time guard window:
	// expiry+tolerance passed, expiry+tolerance+1s not yet.
	clock = func() time.Time { return base.Add(2500 * time.Millisecond) }

	locked, err := b.IsLocked(ctx, "orders/8")
	if err != nil || locked {
		t.Fatalf("IsLocked() = %v, %v; want false, nil", locked, err)
	}

	storageKey, err := b.storageKey("orders/8")
	if err != nil {
		t.Fatalf("storageKey() error: %v", err)
	}
	pool.store.mu.Lock()
	_, still := pool.store.locks[storageKey]
	pool.store.mu.Unlock()
	if !still {
		t.Fatalf("client-time cleanup culled a row inside the guard window")
	}
}

func TestSQLBackendConcurrentAcquireHasOneWinner(t *testing.T) {
	b, _ := newTestSQLBackend(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes, contended int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, reason, err := b.Acquire(ctx, "orders/race", time.Minute)
			if err != nil {
				t.Errorf("Acquire() error: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if reason == ReasonLocked {
				contended++
			} else {
				successes++
			}
		}()
	}
	wg.Wait()

	if successes != 1 || contended != workers-1 {
		t.Fatalf("got %d successes and %d contended, want exactly 1 and %d", successes, contended, workers-1)
	}
}

// racingSQLPool simulates a READ COMMITTED anomaly: the guarded SELECT
// ... FOR UPDATE finds no row to lock, and a competing transaction's
// commit becomes visible before this transaction's locks-table insert.
type racingSQLPool struct {
	inner      *fakeSQLPool
	storageKey string
	row        fakeLockRow
	raced      bool
}

func (p *racingSQLPool) Begin(ctx context.Context) (sqlTx, error) {
	tx, err := p.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &racingSQLTx{fakeSQLTx: tx.(*fakeSQLTx), race: p}, nil
}

type racingSQLTx struct {
	*fakeSQLTx
	race *racingSQLPool
}

func (tx *racingSQLTx) QueryRow(ctx context.Context, sql string, args ...interface{}) sqlRow {
	if strings.Contains(sql, "FOR UPDATE") && !tx.race.raced {
		tx.race.raced = true
		// The racer's commit: visible both to this transaction's insert
		// (READ COMMITTED) and in the store once this transaction rolls
		// back. The store mutex is already held by this transaction.
		tx.fakeSQLTx.locks[tx.race.storageKey] = tx.race.row
		tx.fakeSQLTx.pool.store.locks[tx.race.storageKey] = tx.race.row
		return errRow(pgx.ErrNoRows)
	}
	return tx.fakeSQLTx.QueryRow(ctx, sql, args...)
}

func TestSQLBackendAcquireReadGapRaceReturnsLocked(t *testing.T) {
	inner := newFakeSQLPool(DefaultLocksTable, DefaultFenceTable)
	base := time.Now()
	inner.clock = func() time.Time { return base }

	probe, err := NewSQLBackend(inner)
	if err != nil {
		t.Fatalf("NewSQLBackend() error: %v", err)
	}
	storageKey, err := probe.storageKey("orders/gap")
	if err != nil {
		t.Fatalf("storageKey() error: %v", err)
	}

	winnerID, _ := NewLockID()
	pool := &racingSQLPool{
		inner:      inner,
		storageKey: storageKey,
		row: fakeLockRow{
			userKey:    "orders/gap",
			lockID:     winnerID,
			fence:      "000000000000001",
			acquiredAt: base.UnixMilli(),
			expiresAt:  base.Add(time.Minute).UnixMilli(),
		},
	}
	b, err := NewSQLBackend(pool)
	if err != nil {
		t.Fatalf("NewSQLBackend() error: %v", err)
	}

	_, reason, err := b.Acquire(context.Background(), "orders/gap", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if reason != ReasonLocked {
		t.Fatalf("Acquire() reason = %v, want ReasonLocked when a racer's row lands in the read gap", reason)
	}

	info, err := probe.LookupByKey(context.Background(), "orders/gap")
	if err != nil || info == nil {
		t.Fatalf("LookupByKey() = %v, %v; want the winner's record intact", info, err)
	}
	if info.LockID != winnerID {
		t.Fatalf("the losing acquire overwrote the winner's lock: got %q, want %q", info.LockID, winnerID)
	}
}

func TestSQLBackendWithSQLPrefixAvoidsLeadingColon(t *testing.T) {
	pool := newFakeSQLPool(DefaultLocksTable, DefaultFenceTable)
	b, err := NewSQLBackend(pool, WithSQLPrefix("orders-service"))
	if err != nil {
		t.Fatalf("NewSQLBackend() error: %v", err)
	}
	key, err := b.storageKey("42")
	if err != nil {
		t.Fatalf("storageKey() error: %v", err)
	}
	if key != "orders-service:42" {
		t.Fatalf("storageKey() = %q, want orders-service:42", key)
	}
}
