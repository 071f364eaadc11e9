package syncguard

import (
	"crypto/rand"
	"encoding/base64"
	"regexp"
)

// lockIDPattern is the sole accepted shape for a lock ID: exactly 22
// characters drawn from the unpadded base64url alphabet. This is also
// exactly what NewLockID produces from 16 random bytes.
var lockIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{22}$`)

// NewLockID draws 16 bytes from a cryptographically secure source and
// returns their unpadded base64url encoding: exactly 22 characters,
// globally unique with overwhelming probability (128 bits of entropy).
func NewLockID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", newError(CodeInternal, "", "", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// IsValidLockID reports whether s has the shape NewLockID produces.
// Validation is pure and runs before any I/O; it never allocates beyond
// the regexp match.
func IsValidLockID(s string) bool {
	return lockIDPattern.MatchString(s)
}
