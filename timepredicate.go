package syncguard

import "time"

// Tolerance is the library-wide clock-skew allowance added to a lock's
// expiry before it is declared dead. It is normative for every backend
// and is deliberately not a configuration field: bounded skew tolerance
// only works as a safety margin if every backend and every client agrees
// on the same number.
const Tolerance = 1000 * time.Millisecond

// isLive reports whether a lock record with the given expiry is still
// alive at `now`, allowing for Tolerance worth of clock skew between the
// writer that stamped expiresAt and the reader calling isLive.
//
//	is_live(now, expires_at, tolerance) := now < expires_at + tolerance
func isLive(now, expiresAt time.Time, tolerance time.Duration) bool {
	return now.Before(expiresAt.Add(tolerance))
}

// isLiveMS is the millisecond-unix-timestamp form used by backends that
// store time as integers, which both adapters do.
func isLiveMS(nowMS, expiresAtMS int64, toleranceMS int64) bool {
	return nowMS < expiresAtMS+toleranceMS
}
