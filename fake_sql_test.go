package syncguard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// fakeSQLStore is a minimal in-memory relational store that understands
// just enough of SQLBackend's fixed query shapes to exercise its
// read-modify-write-in-a-transaction protocol without a real pgx pool.
type fakeSQLStore struct {
	mu     sync.Mutex
	locks  map[string]fakeLockRow
	fences map[string]int64
}

type fakeLockRow struct {
	userKey    string
	lockID     string
	fence      string
	acquiredAt int64
	expiresAt  int64
}

func newFakeSQLStore() *fakeSQLStore {
	return &fakeSQLStore{
		locks:  make(map[string]fakeLockRow),
		fences: make(map[string]int64),
	}
}

type fakeSQLPool struct {
	store      *fakeSQLStore
	locksTable string
	fenceTable string
	clock      func() time.Time
}

func newFakeSQLPool(locksTable, fenceTable string) *fakeSQLPool {
	return &fakeSQLPool{store: newFakeSQLStore(), locksTable: locksTable, fenceTable: fenceTable, clock: time.Now}
}

// Begin takes the store lock and holds it until Commit or Rollback, so
// concurrent transactions serialize the way Postgres row locks would.
// Each transaction stages its writes on copies and publishes them on
// Commit; Rollback discards them.
func (p *fakeSQLPool) Begin(ctx context.Context) (sqlTx, error) {
	p.store.mu.Lock()

	locksCopy := make(map[string]fakeLockRow, len(p.store.locks))
	for k, v := range p.store.locks {
		locksCopy[k] = v
	}
	fencesCopy := make(map[string]int64, len(p.store.fences))
	for k, v := range p.store.fences {
		fencesCopy[k] = v
	}

	return &fakeSQLTx{pool: p, locks: locksCopy, fences: fencesCopy}, nil
}

type fakeSQLTx struct {
	pool   *fakeSQLPool
	locks  map[string]fakeLockRow
	fences map[string]int64
	done   bool
}

type fakeRow struct {
	scan func(dest ...interface{}) error
}

func (r fakeRow) Scan(dest ...interface{}) error { return r.scan(dest...) }

func errRow(err error) fakeRow {
	return fakeRow{scan: func(dest ...interface{}) error { return err }}
}

func (tx *fakeSQLTx) QueryRow(ctx context.Context, sql string, args ...interface{}) sqlRow {
	switch {
	case strings.Contains(sql, "SELECT now()"):
		return fakeRow{scan: func(dest ...interface{}) error {
			*(dest[0].(*time.Time)) = tx.pool.clock()
			return nil
		}}

	case strings.Contains(sql, "FOR UPDATE"):
		storageKey := args[0].(string)
		row, ok := tx.locks[storageKey]
		if !ok {
			return errRow(pgx.ErrNoRows)
		}
		return fakeRow{scan: func(dest ...interface{}) error {
			*(dest[0].(*int64)) = row.expiresAt
			return nil
		}}

	case strings.Contains(sql, "INSERT INTO "+tx.pool.fenceTable):
		fenceKey := args[0].(string)
		tx.fences[fenceKey]++
		val := tx.fences[fenceKey]
		return fakeRow{scan: func(dest ...interface{}) error {
			*(dest[0].(*int64)) = val
			return nil
		}}

	case strings.Contains(sql, "WHERE storage_key=$1"):
		storageKey := args[0].(string)
		row, ok := tx.locks[storageKey]
		if !ok {
			return errRow(pgx.ErrNoRows)
		}
		return fakeRow{scan: func(dest ...interface{}) error {
			*(dest[0].(*string)) = row.lockID
			*(dest[1].(*int64)) = row.expiresAt
			*(dest[2].(*string)) = row.fence
			*(dest[3].(*int64)) = row.acquiredAt
			*(dest[4].(*string)) = row.userKey
			return nil
		}}

	case strings.Contains(sql, "WHERE lock_id=$1"):
		lockID := args[0].(string)
		for sk, row := range tx.locks {
			if row.lockID == lockID {
				sk, row := sk, row
				return fakeRow{scan: func(dest ...interface{}) error {
					*(dest[0].(*string)) = sk
					*(dest[1].(*int64)) = row.expiresAt
					*(dest[2].(*string)) = row.fence
					*(dest[3].(*int64)) = row.acquiredAt
					*(dest[4].(*string)) = row.userKey
					return nil
				}}
			}
		}
		return errRow(pgx.ErrNoRows)

	default:
		return errRow(fmt.Errorf("fakeSQLTx.QueryRow: unrecognized query: %s", sql))
	}
}

func (tx *fakeSQLTx) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO "+tx.pool.locksTable):
		storageKey := args[0].(string)
		liveBoundary := args[6].(int64)
		if existing, ok := tx.locks[storageKey]; ok && existing.expiresAt > liveBoundary {
			// Conflict guard: the stored row is still live, the upsert's
			// WHERE clause matches nothing.
			return 0, nil
		}
		tx.locks[storageKey] = fakeLockRow{
			userKey:    args[1].(string),
			lockID:     args[2].(string),
			fence:      args[3].(string),
			acquiredAt: args[4].(int64),
			expiresAt:  args[5].(int64),
		}
		return 1, nil

	case strings.Contains(sql, "DELETE FROM "+tx.pool.locksTable):
		storageKey := args[0].(string)
		if _, ok := tx.locks[storageKey]; !ok {
			return 0, nil
		}
		delete(tx.locks, storageKey)
		return 1, nil

	case strings.Contains(sql, "UPDATE "+tx.pool.locksTable):
		expiresAtMS := args[0].(int64)
		storageKey := args[1].(string)
		row, ok := tx.locks[storageKey]
		if !ok {
			return 0, nil
		}
		row.expiresAt = expiresAtMS
		tx.locks[storageKey] = row
		return 1, nil

	default:
		return 0, fmt.Errorf("fakeSQLTx.Exec: unrecognized statement: %s", sql)
	}
}

// finish releases the store lock exactly once; Commit followed by the
// deferred Rollback must not double-unlock.
func (tx *fakeSQLTx) finish() {
	if tx.done {
		return
	}
	tx.done = true
	tx.pool.store.mu.Unlock()
}

func (tx *fakeSQLTx) Commit(ctx context.Context) error {
	if !tx.done {
		tx.pool.store.locks = tx.locks
		tx.pool.store.fences = tx.fences
	}
	tx.finish()
	return nil
}

func (tx *fakeSQLTx) Rollback(ctx context.Context) error {
	tx.finish()
	return nil
}
