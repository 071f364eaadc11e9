package syncguard

import (
	"context"
	"fmt"
)

// DefaultLocksTable and DefaultFenceTable name the two tables SQLBackend
// expects by default. A config that points both names at the same table
// is rejected, mirroring the Redis adapter's "fence:" prefix guard.
const (
	DefaultLocksTable = "syncguard_locks"
	DefaultFenceTable = "syncguard_fence_counters"
)

// migrationDDL returns the statements that create the lock and fence
// tables if they don't already exist. Fence counters are never dropped
// by any statement here or anywhere else in this package, keeping the
// fence-counter/key mapping permanent.
func migrationDDL(locksTable, fenceTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			storage_key     TEXT PRIMARY KEY,
			user_key        TEXT NOT NULL,
			lock_id         TEXT NOT NULL,
			fence           TEXT NOT NULL,
			acquired_at_ms  BIGINT NOT NULL,
			expires_at_ms   BIGINT NOT NULL
		)`, locksTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_lock_id_idx ON %s (lock_id)`, locksTable, locksTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			fence_key TEXT PRIMARY KEY,
			fence     BIGINT NOT NULL,
			key_debug TEXT
		)`, fenceTable),
	}
}

// Migrate creates the lock and fence tables if absent. It is idempotent
// and safe to call on every process start.
func Migrate(ctx context.Context, pool sqlPool, locksTable, fenceTable string) error {
	if locksTable == fenceTable {
		return newError(CodeInvalidArgument, "", "", newPlainError("locks table and fence table must differ"))
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return newError(CodeServiceUnavailable, "", "", fmt.Errorf("begin migration: %w", err))
	}
	defer tx.Rollback(ctx)

	for _, stmt := range migrationDDL(locksTable, fenceTable) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return newError(CodeInternal, "", "", fmt.Errorf("run migration statement: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return newError(CodeServiceUnavailable, "", "", fmt.Errorf("commit migration: %w", err))
	}
	return nil
}
