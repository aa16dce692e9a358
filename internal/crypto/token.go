// Package crypto implements session token generation.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// TokenBytes is the entropy of a random session token.
const TokenBytes = 32

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewSessionToken returns a hex encoded random token.
func NewSessionToken() (string, error) {
	b, err := RandBytes(TokenBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// LegacySessionToken derives the deterministic token older deployments issued:
// SHA-256 over {"username":...,"timestamp":<unix millis>}. Anyone who knows the
// username and issue time can recompute it; use only for compatibility.
func LegacySessionToken(username string, at time.Time) string {
	payload, _ := json.Marshal(struct {
		Username  string `json:"username"`
		Timestamp int64  `json:"timestamp"`
	}{username, at.UnixMilli()})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
