// ABOUTME: Constant-time secret comparison for token and password checks
// ABOUTME: Length mismatches short-circuit; equal-length compares are timing-safe

package auth

import "crypto/subtle"

// SecretEqual compares a presented secret against the configured one
// without leaking positional information through timing. Mismatched
// lengths return early: length alone reveals negligible information
// about the secret.
func SecretEqual(presented, configured string) bool {
	if len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
