package syncguard

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// maxFence is the highest fence value that may ever be written. Values
// above it trip an Internal error (fence overflow); values above
// warnFenceThreshold still succeed but are worth a diagnostic warning.
const (
	maxFence           int64 = 900_000_000_000_000 // 9e14
	warnFenceThreshold int64 = 90_000_000_000_000  // 9e13
	fenceDigits              = 15
)

// normalizeKey applies NFC normalization, the canonical form every key
// hash and storage-key derivation is computed over.
func normalizeKey(key string) string {
	return norm.NFC.String(key)
}

// hashKey returns the first 12 bytes (96 bits) of SHA-256(NFC(key)) as
// lowercase hex. Used only for sanitized diagnostics; never for
// correctness-bearing storage addressing (see deriveStorageKey for that).
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(normalizeKey(key)))
	return hex.EncodeToString(sum[:12])
}

// hashLockID returns the sanitized digest of a lock ID for telemetry.
func hashLockID(lockID string) string {
	sum := sha256.Sum256([]byte(lockID))
	return hex.EncodeToString(sum[:12])
}

// formatFence renders n as a 15-character zero-padded decimal string.
// Lexicographic order on the result coincides with numeric order on n.
// Callers above maxFence get CodeInternal; values above
// warnFenceThreshold succeed but are worth a warning (the engine logs
// one on acquire, and FenceCounterAudit flags the counter).
func formatFence(n int64) (string, error) {
	if n > maxFence {
		return "", newError(CodeInternal, "", "", fmt.Errorf("fence %d exceeds maximum %d", n, maxFence))
	}
	return fmt.Sprintf("%0*d", fenceDigits, n), nil
}

// fenceNearOverflow reports whether n is past the warn threshold, for
// callers that want to log before the hard ceiling is hit.
func fenceNearOverflow(n int64) bool {
	return n > warnFenceThreshold
}

// deriveStorageKey derives a storage key: return
// "prefix:key" verbatim when it fits the byte budget (with `reserve`
// bytes held back for whatever the caller appends, e.g. a TTL-bearing
// companion key), otherwise fall back to a stable hashed surrogate.
func deriveStorageKey(prefix, key string, byteLimit, reserve int) (string, error) {
	normalized := normalizeKey(key)
	verbatim := prefix + ":" + normalized
	if len(prefix)+1+len(normalized)+reserve <= byteLimit {
		return verbatim, nil
	}

	sum := sha256.Sum256([]byte(verbatim))
	surrogate := base64.RawURLEncoding.EncodeToString(sum[:16]) // 22 chars
	hashed := prefix + ":" + surrogate
	if len(prefix)+1+len(surrogate)+reserve > byteLimit {
		return "", newError(CodeInvalidArgument, key, "", fmt.Errorf(
			"prefix %q leaves no room for a storage key within %d bytes", prefix, byteLimit))
	}
	return hashed, nil
}

// deriveFenceKey maps a storage key to its fence-counter key. A second
// application of deriveStorageKey guarantees a stable 1:1 mapping even
// after the lock key itself was truncated to a hashed surrogate.
func deriveFenceKey(prefix, storageKey string, byteLimit, reserve int) (string, error) {
	return deriveStorageKey(prefix, "fence:"+storageKey, byteLimit, reserve)
}
