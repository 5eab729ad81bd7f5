package admission

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// tokenRandomBytes is the length of the random token material before
// encoding.
const tokenRandomBytes = 32

// HintLen is how many trailing hex characters of a token are retained
// unhashed so operators can recognize a token in logs/listings without the
// full secret ever being persisted.
const HintLen = 12

// GenerateToken returns a fresh random bearer token string with the given
// prefix (e.g. "agt_" for agent tokens, "ait_" for agent invites).
func GenerateToken(prefix string) (string, error) {
	raw := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("admission: generating token: %w", err)
	}
	return prefix + hex.EncodeToString(raw), nil
}

// HashToken returns the sha256:<hex> form persisted in AgentAuth.TokenHash
// and AgentInvite.TokenHash — the raw token is never stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Hint returns the last HintLen characters of raw, stored alongside the
// hash so listings can show e.g. "...a1b2c3d4e5f6" without ever persisting
// or logging the full token.
func Hint(raw string) string {
	if len(raw) <= HintLen {
		return raw
	}
	return raw[len(raw)-HintLen:]
}

// VerifyToken reports whether raw hashes to want, using a constant-time
// comparison to avoid timing side channels on the stored hash.
func VerifyToken(raw, want string) bool {
	got := HashToken(raw)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
