package syncguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// sqlRow, sqlTx, and sqlPool are narrow interfaces matching the exact
// methods SQLBackend needs from pgx.Row/pgx.Tx/pgxpool.Pool. Keeping them
// narrow (rather than depending on pgx.Tx's full ~12-method surface)
// means tests can supply a hand-written fake tx/pool without having to
// stub out transaction isolation levels, prepared statements, COPY, and
// everything else pgx.Tx carries that this backend never calls.
type sqlRow interface {
	Scan(dest ...interface{}) error
}

type sqlTx interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) sqlRow
	Exec(ctx context.Context, sql string, args ...interface{}) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type sqlPool interface {
	Begin(ctx context.Context) (sqlTx, error)
}

// pgxTxAdapter adapts a real pgx.Tx to sqlTx.
type pgxTxAdapter struct{ tx pgx.Tx }

func (a pgxTxAdapter) QueryRow(ctx context.Context, sql string, args ...interface{}) sqlRow {
	return a.tx.QueryRow(ctx, sql, args...)
}

func (a pgxTxAdapter) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	tag, err := a.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (a pgxTxAdapter) Commit(ctx context.Context) error   { return a.tx.Commit(ctx) }
func (a pgxTxAdapter) Rollback(ctx context.Context) error { return a.tx.Rollback(ctx) }

// pgxPoolAdapter adapts a real *pgxpool.Pool to sqlPool.
type pgxPoolAdapter struct{ pool *pgxpool.Pool }

// NewPgxPool wraps an existing pgxpool.Pool for use with NewSQLBackend
// and Migrate.
func NewPgxPool(pool *pgxpool.Pool) sqlPool {
	return pgxPoolAdapter{pool: pool}
}

func (p pgxPoolAdapter) Begin(ctx context.Context) (sqlTx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgxTxAdapter{tx: tx}, nil
}

// SQLBackend implements Backend over two relational tables, following
// a read-modify-write-in-a-transaction protocol. The zero value is
// not usable; construct with NewSQLBackend or NewClientTimeSQLBackend.
type SQLBackend struct {
	pool              sqlPool
	locksTable        string
	fenceTable        string
	prefix            string
	tolerance         time.Duration
	keyByteLimit      int
	timeAuthority     TimeAuthority
	clock             func() time.Time
	cleanupInIsLocked bool
}

// SQLBackendOption configures an SQLBackend at construction time.
type SQLBackendOption func(*SQLBackend)

// WithSQLTables overrides the default table names.
func WithSQLTables(locksTable, fenceTable string) SQLBackendOption {
	return func(b *SQLBackend) { b.locksTable, b.fenceTable = locksTable, fenceTable }
}

// WithSQLTolerance overrides the default clock-skew tolerance.
func WithSQLTolerance(d time.Duration) SQLBackendOption {
	return func(b *SQLBackend) { b.tolerance = d }
}

// WithSQLKeyByteLimit overrides the byte budget used for storage-key
// derivation.
func WithSQLKeyByteLimit(n int) SQLBackendOption {
	return func(b *SQLBackend) { b.keyByteLimit = n }
}

// WithSQLPrefix namespaces storage keys for callers sharing one table
// across multiple logical lock domains. Defaults to "lock".
func WithSQLPrefix(prefix string) SQLBackendOption {
	return func(b *SQLBackend) { b.prefix = prefix }
}

// WithSQLCleanupInIsLocked makes IsLocked delete a non-live row as a side
// effect. Off by default. On a client-time backend the delete only fires
// once the record has been expired for more than tolerance plus an extra
// second, so a record that is still live on another client's clock is
// never culled.
func WithSQLCleanupInIsLocked() SQLBackendOption {
	return func(b *SQLBackend) { b.cleanupInIsLocked = true }
}

// NewSQLBackend constructs a server-time SQLBackend: liveness is judged
// against `SELECT now()` read inside the same transaction as the
// mutation, so Capabilities().TimeAuthority is TimeAuthorityServer.
func NewSQLBackend(pool sqlPool, opts ...SQLBackendOption) (*SQLBackend, error) {
	b := newSQLBackend(pool, TimeAuthorityServer, nil, opts...)
	return b, validateSQLTables(b)
}

// NewClientTimeSQLBackend constructs a client-time SQLBackend: liveness
// is judged against the calling process's wall clock instead of a
// server-side read, for substrates without a transactional "now" (see
// DESIGN.md). clock defaults to time.Now when nil.
func NewClientTimeSQLBackend(pool sqlPool, clock func() time.Time, opts ...SQLBackendOption) (*SQLBackend, error) {
	if clock == nil {
		clock = time.Now
	}
	b := newSQLBackend(pool, TimeAuthorityClient, clock, opts...)
	return b, validateSQLTables(b)
}

func newSQLBackend(pool sqlPool, authority TimeAuthority, clock func() time.Time, opts ...SQLBackendOption) *SQLBackend {
	b := &SQLBackend{
		pool:          pool,
		locksTable:    DefaultLocksTable,
		fenceTable:    DefaultFenceTable,
		prefix:        "lock",
		tolerance:     Tolerance,
		keyByteLimit:  512,
		timeAuthority: authority,
		clock:         clock,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func validateSQLTables(b *SQLBackend) error {
	if b.locksTable == b.fenceTable {
		return newError(CodeInvalidArgument, "", "", newPlainError("locks table and fence table must differ"))
	}
	return nil
}

func (b *SQLBackend) Capabilities() Capabilities {
	return Capabilities{SupportsFencing: true, TimeAuthority: b.timeAuthority}
}

// now returns the liveness-evaluation instant: a server-side read inside
// tx for TimeAuthorityServer, or the injected clock for
// TimeAuthorityClient.
func (b *SQLBackend) now(ctx context.Context, tx sqlTx) (time.Time, error) {
	if b.timeAuthority == TimeAuthorityClient {
		return b.clock(), nil
	}
	var now time.Time
	if err := tx.QueryRow(ctx, "SELECT now()").Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("read server time: %w", err)
	}
	return now, nil
}

func (b *SQLBackend) storageKey(key string) (string, error) {
	return deriveStorageKey(b.prefix, key, b.keyByteLimit, 0)
}

func (b *SQLBackend) Acquire(ctx context.Context, key string, ttl time.Duration) (*AcquireResult, Reason, error) {
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

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, ReasonNone, b.wrapErr("acquire", err)
	}
	defer tx.Rollback(ctx)

	now, err := b.now(ctx, tx)
	if err != nil {
		return nil, ReasonNone, b.wrapErr("acquire", err)
	}
	nowMS := now.UnixMilli()

	var existingExpiresAt int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf("SELECT expires_at_ms FROM %s WHERE storage_key=$1 FOR UPDATE", b.locksTable),
		storageKey,
	).Scan(&existingExpiresAt)
	switch {
	case err == nil:
		if isLiveMS(nowMS, existingExpiresAt, b.tolerance.Milliseconds()) {
			return nil, ReasonLocked, nil
		}
	case errors.Is(err, pgx.ErrNoRows):
		// No existing record; falls through to insert.
	default:
		return nil, ReasonNone, b.wrapErr("acquire", err)
	}

	fenceKey, err := deriveFenceKey(b.prefix, storageKey, b.keyByteLimit, 0)
	if err != nil {
		return nil, ReasonNone, err
	}

	var fence int64
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (fence_key, fence, key_debug) VALUES ($1, 1, $2)
		ON CONFLICT (fence_key) DO UPDATE SET fence = %s.fence + 1
		RETURNING fence`, b.fenceTable, b.fenceTable),
		fenceKey, key,
	).Scan(&fence)
	if err != nil {
		return nil, ReasonNone, b.wrapErr("acquire", err)
	}
	if fence > maxFence {
		return nil, ReasonNone, newError(CodeInternal, key, "", fmt.Errorf("fence %d exceeds maximum %d", fence, maxFence))
	}
	fenceStr, err := formatFence(fence)
	if err != nil {
		return nil, ReasonNone, err
	}

	lockID, err := NewLockID()
	if err != nil {
		return nil, ReasonNone, err
	}
	expiresAtMS := nowMS + ttl.Milliseconds()

	// The earlier SELECT ... FOR UPDATE only locks a row that already
	// exists; two transactions racing on an absent key both reach this
	// insert. The conflict guard re-checks liveness against the row the
	// first committer made visible, so the loser's update matches nothing
	// and reports zero rows instead of overwriting a live holder.
	liveBoundary := nowMS - b.tolerance.Milliseconds()
	affected, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (storage_key, user_key, lock_id, fence, acquired_at_ms, expires_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (storage_key) DO UPDATE SET
			user_key = EXCLUDED.user_key,
			lock_id = EXCLUDED.lock_id,
			fence = EXCLUDED.fence,
			acquired_at_ms = EXCLUDED.acquired_at_ms,
			expires_at_ms = EXCLUDED.expires_at_ms
		WHERE %s.expires_at_ms <= $7`, b.locksTable, b.locksTable),
		storageKey, key, lockID, fenceStr, nowMS, expiresAtMS, liveBoundary,
	)
	if err != nil {
		return nil, ReasonNone, b.wrapErr("acquire", err)
	}
	if affected == 0 {
		// Rolling back also undoes the fence increment, so contention
		// never burns fence values.
		return nil, ReasonLocked, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, ReasonNone, b.wrapErr("acquire", err)
	}

	return &AcquireResult{LockID: lockID, Fence: fenceStr, ExpiresAtMS: expiresAtMS}, ReasonNone, nil
}

type lockRow struct {
	expiresAtMS int64
	fence       string
	acquiredAt  int64
	userKey     string
}

// findByLockID runs the indexed secondary lookup this backend uses in
// place of a reverse index: SELECT ... WHERE lock_id = ? with post-read
// liveness verification performed by the caller. storage_key is the
// table's primary key, so this relies on the index on lock_id (see
// migrationDDL) rather than a full scan. That index is not unique, and
// no duplicate check is made here: LIMIT 1 returns one row even if
// several share a lock_id. lock_id is acquire-time random (128 bits),
// never user-supplied.
func (b *SQLBackend) findByLockID(ctx context.Context, tx sqlTx, lockID string) (storageKey string, row lockRow, found bool, err error) {
	var sk string
	var r lockRow
	scanErr := tx.QueryRow(ctx, fmt.Sprintf(
		"SELECT storage_key, expires_at_ms, fence, acquired_at_ms, user_key FROM %s WHERE lock_id=$1 LIMIT 1", b.locksTable),
		lockID,
	).Scan(&sk, &r.expiresAtMS, &r.fence, &r.acquiredAt, &r.userKey)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return "", lockRow{}, false, nil
	}
	if scanErr != nil {
		return "", lockRow{}, false, scanErr
	}
	return sk, r, true, nil
}

func (b *SQLBackend) Release(ctx context.Context, lockID string) (Reason, error) {
	if err := validateLockID(lockID); err != nil {
		return ReasonNone, err
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return ReasonNone, b.wrapErr("release", err)
	}
	defer tx.Rollback(ctx)

	now, err := b.now(ctx, tx)
	if err != nil {
		return ReasonNone, b.wrapErr("release", err)
	}

	storageKey, row, found, err := b.findByLockID(ctx, tx, lockID)
	if err != nil {
		return ReasonNone, b.wrapErr("release", err)
	}
	if !found || !isLiveMS(now.UnixMilli(), row.expiresAtMS, b.tolerance.Milliseconds()) {
		return ReasonAbsent, nil
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE storage_key=$1", b.locksTable), storageKey); err != nil {
		return ReasonNone, b.wrapErr("release", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ReasonNone, b.wrapErr("release", err)
	}
	return ReasonNone, nil
}

func (b *SQLBackend) Extend(ctx context.Context, lockID string, ttl time.Duration) (*ExtendResult, Reason, error) {
	if err := validateLockID(lockID); err != nil {
		return nil, ReasonNone, err
	}
	if err := validateTTL(ttl); err != nil {
		return nil, ReasonNone, err
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, ReasonNone, b.wrapErr("extend", err)
	}
	defer tx.Rollback(ctx)

	now, err := b.now(ctx, tx)
	if err != nil {
		return nil, ReasonNone, b.wrapErr("extend", err)
	}
	nowMS := now.UnixMilli()

	storageKey, row, found, err := b.findByLockID(ctx, tx, lockID)
	if err != nil {
		return nil, ReasonNone, b.wrapErr("extend", err)
	}
	if !found || !isLiveMS(nowMS, row.expiresAtMS, b.tolerance.Milliseconds()) {
		return nil, ReasonAbsent, nil
	}

	expiresAtMS := nowMS + ttl.Milliseconds()
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET expires_at_ms=$1 WHERE storage_key=$2", b.locksTable),
		expiresAtMS, storageKey,
	); err != nil {
		return nil, ReasonNone, b.wrapErr("extend", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, ReasonNone, b.wrapErr("extend", err)
	}
	return &ExtendResult{ExpiresAtMS: expiresAtMS}, ReasonNone, nil
}

func (b *SQLBackend) IsLocked(ctx context.Context, key string) (bool, error) {
	if !b.cleanupInIsLocked {
		info, err := b.LookupByKey(ctx, key)
		if err != nil {
			return false, err
		}
		return info != nil, nil
	}

	key, err := validateKey(key)
	if err != nil {
		return false, err
	}
	storageKey, err := b.storageKey(key)
	if err != nil {
		return false, err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return false, b.wrapErr("is_locked", err)
	}
	defer tx.Rollback(ctx)

	now, err := b.now(ctx, tx)
	if err != nil {
		return false, b.wrapErr("is_locked", err)
	}
	nowMS := now.UnixMilli()

	var expiresAtMS int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf("SELECT expires_at_ms FROM %s WHERE storage_key=$1 FOR UPDATE", b.locksTable),
		storageKey,
	).Scan(&expiresAtMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, b.wrapErr("is_locked", err)
	}
	if isLiveMS(nowMS, expiresAtMS, b.tolerance.Milliseconds()) {
		return true, nil
	}

	// On a client-time backend our clock alone says the record is dead;
	// another client's clock may lag by up to the tolerance, so cull only
	// records expired past tolerance plus an extra second of guard.
	cullAfter := expiresAtMS + b.tolerance.Milliseconds()
	if b.timeAuthority == TimeAuthorityClient {
		cullAfter += 1000
	}
	if nowMS > cullAfter {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE storage_key=$1", b.locksTable), storageKey,
		); err != nil {
			return false, b.wrapErr("is_locked", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return false, b.wrapErr("is_locked", err)
		}
	}
	return false, nil
}

func (b *SQLBackend) LookupByKey(ctx context.Context, key string) (*LockInfo, error) {
	key, err := validateKey(key)
	if err != nil {
		return nil, err
	}
	storageKey, err := b.storageKey(key)
	if err != nil {
		return nil, err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, b.wrapErr("lookup_by_key", err)
	}
	defer tx.Rollback(ctx)

	now, err := b.now(ctx, tx)
	if err != nil {
		return nil, b.wrapErr("lookup_by_key", err)
	}

	var r lockRow
	var lockID string
	err = tx.QueryRow(ctx, fmt.Sprintf(
		"SELECT lock_id, expires_at_ms, fence, acquired_at_ms, user_key FROM %s WHERE storage_key=$1", b.locksTable),
		storageKey,
	).Scan(&lockID, &r.expiresAtMS, &r.fence, &r.acquiredAt, &r.userKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, b.wrapErr("lookup_by_key", err)
	}
	if !isLiveMS(now.UnixMilli(), r.expiresAtMS, b.tolerance.Milliseconds()) {
		return nil, nil
	}

	return rowToLockInfo(lockID, r), nil
}

func (b *SQLBackend) LookupByID(ctx context.Context, lockID string) (*LockInfo, error) {
	if err := validateLockID(lockID); err != nil {
		return nil, err
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, b.wrapErr("lookup_by_id", err)
	}
	defer tx.Rollback(ctx)

	now, err := b.now(ctx, tx)
	if err != nil {
		return nil, b.wrapErr("lookup_by_id", err)
	}

	_, row, found, err := b.findByLockID(ctx, tx, lockID)
	if err != nil {
		return nil, b.wrapErr("lookup_by_id", err)
	}
	if !found || !isLiveMS(now.UnixMilli(), row.expiresAtMS, b.tolerance.Milliseconds()) {
		return nil, nil
	}
	return rowToLockInfo(lockID, row), nil
}

func rowToLockInfo(lockID string, r lockRow) *LockInfo {
	return &LockInfo{
		KeyHash:      hashKey(r.userKey),
		LockIDHash:   hashLockID(lockID),
		Fence:        r.fence,
		AcquiredAtMS: r.acquiredAt,
		ExpiresAtMS:  r.expiresAtMS,
		Key:          r.userKey,
		LockID:       lockID,
	}
}

func (b *SQLBackend) wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeNetworkTimeout, "", "", fmt.Errorf("%s: %w", op, err))
	}
	return newError(CodeServiceUnavailable, "", "", fmt.Errorf("%s: %w", op, err))
}
