package controller

import (
	"crypto/hmac"
	"crypto/sha256"
)

// verifySecurityContext compares the peer's reported security context
// against the per-name policy (spec §4.1 "Per-name policy may
// additionally pin a required peer security context"). An empty
// policy accepts any context, including none. Grounded on
// server/auth/token/auth_token.go's HMAC-signed-token comparison
// (hmac.Equal over a derived digest) rather than a plain string
// compare, so the check runs in constant time regardless of where a
// mismatch occurs.
func verifySecurityContext(required, presented string) bool {
	if required == "" {
		return true
	}
	want := sha256.Sum256([]byte(required))
	got := sha256.Sum256([]byte(presented))
	return hmac.Equal(want[:], got[:])
}
