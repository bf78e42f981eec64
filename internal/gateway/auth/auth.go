package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// KeyPrefix is the namespace tag prepended to generated API keys.
const KeyPrefix = "aiag"

// GeneratedKey is a freshly issued API key. Only Prefix and LastChars are
// meant for display after issuance; Key itself is shown exactly once.
type GeneratedKey struct {
	Key       string
	Hash      string
	Prefix    string
	LastChars string
}

// HashKey computes the sha256 hex digest used to store and look up API keys.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateKey produces a new API key from 32 cryptographically random bytes.
func GenerateKey() (*GeneratedKey, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}

	key := fmt.Sprintf("%s_%s", KeyPrefix, hex.EncodeToString(buf[:]))

	return &GeneratedKey{
		Key:       key,
		Hash:      HashKey(key),
		Prefix:    key[:12],
		LastChars: key[len(key)-4:],
	}, nil
}

// ExtractKey pulls the caller credential from the request, checking the
// Authorization header (Bearer), the X-API-Key header, and the api_key query
// parameter in that order. Returns "" when none is present.
func ExtractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}

	if h := r.Header.Get("X-API-Key"); h != "" {
		return h
	}

	return r.URL.Query().Get("api_key")
}

// ClientIP resolves the caller's address from proxy headers: the first
// X-Forwarded-For entry, then X-Real-IP, else "unknown".
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}

	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}

	return "unknown"
}
