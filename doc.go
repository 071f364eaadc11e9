// Package syncguard provides distributed mutual exclusion with fencing
// tokens over Redis or a relational store: a client acquires a named
// lock, works while holding it, and releases it; a per-lock TTL frees
// the resource if the client crashes.
//
// # Overview
//
// SyncGuard offers the same operational contract over two substrates —
// Redis (server time, Lua-script atomicity) and SQL (row transactions,
// server or client time) — plus the machinery around it:
//
//   - Monotonic fencing tokens per key, for rejecting stale writers downstream
//   - A retry engine with exponential backoff, jitter, deadlines, and cancellation
//   - A scoped handle guaranteeing at-most-one release per acquisition
//   - Sanitized diagnostics and an opt-in telemetry event stream
//   - Full observability (Prometheus metrics + structured logging)
//
// # Quick Start
//
// Redis backend with the acquisition engine:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	backend, _ := syncguard.NewRedisBackend(client, "myapp")
//	engine := syncguard.NewEngine(backend, syncguard.WithBackendName("redis"))
//
//	err := engine.Do(ctx, "payment:1", 30*time.Second, func(ctx context.Context) error {
//	    // The lock is held for the duration of this function and is
//	    // released exactly once afterward, even on error or panic.
//	    return processPayment(ctx)
//	})
//
// Manual handle management:
//
//	handle, err := engine.Acquire(ctx, "payment:1", 30*time.Second)
//	if err != nil {
//	    return err
//	}
//	defer handle.Close()
//
//	// handle.Fence() is the token downstream writers should check.
//	// handle.Extend(ctx, ttl) refreshes the lease mid-flight.
//
// SQL backend over pgx:
//
//	pool := syncguard.NewPgxPool(pgxPool)
//	syncguard.Migrate(ctx, pool, syncguard.DefaultLocksTable, syncguard.DefaultFenceTable)
//	backend, _ := syncguard.NewSQLBackend(pool)
//
// # Core Concepts
//
// Backend: the storage contract — single-attempt Acquire, idempotent
// Release/Extend, IsLocked, and sanitized Lookup. Contention and absence
// are results (Reason values), never errors.
//
// Fencing token: a 15-digit, zero-padded, strictly increasing counter per
// key. The lock itself is advisory under network partitions; the fence is
// the correctness mechanism for downstream writes. Fence counters are
// never deleted, so a token can never be reissued.
//
// Engine: drives the retry loop over any Backend and wraps success in a
// Handle. It retries contention only — substrate errors propagate for the
// caller's own policy (see IsRetryableBackendError).
//
// Handle: the scoped reference to a held lock. Manual Release returns its
// error; automatic Close routes failures to the OnReleaseError hook and
// never panics. Close waits for the backend release; WithDisposeTimeout
// bounds that wait.
//
// # Critical Gotchas
//
// 1. The lock is not a consensus protocol. Under a partition two holders
// may briefly both believe they own a key; attach handle.Fence() to
// downstream writes and reject lower tokens there.
//
// 2. Diagnostics are advisory. Never gate correctness on Diagnostics or
// IsLocked — the atomic backend mutations are the only correctness
// boundary.
//
// 3. Client-time SQL backends trust the caller's clock, bounded by a
// fixed 1s tolerance. Keep client clocks sane (NTP) or use the
// server-time constructor.
//
// # Observability
//
//	logger, _ := syncguard.NewProductionZapLogger()
//	metrics := syncguard.NewPrometheusMetrics(nil)
//	engine := syncguard.NewEngine(backend,
//	    syncguard.WithLogger(logger),
//	    syncguard.WithMetrics(metrics),
//	)
//
// An event stream with hashed identifiers is available by wrapping any
// backend with WithTelemetry; RedisAdmin and FenceCounterAudit provide
// operational tooling for on-call use.
package syncguard
