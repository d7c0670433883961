// ABOUTME: Admin token generation, hashing and verification for the ops admin routes.
// ABOUTME: Tokens are opaque strings (pl_ prefix + random bytes). Only the sha256 is configured.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// TokenPrefix is the human-readable prefix on all Passline admin tokens.
const TokenPrefix = "pl_"

// GenerateToken creates a new admin token. Returns the raw token (shown to the
// operator once), its sha256 hex hash (what ADMIN_TOKEN_SHA256 holds), and any error.
func GenerateToken() (rawToken, tokenHash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate admin token: %w", err)
	}
	rawToken = TokenPrefix + hex.EncodeToString(b)
	return rawToken, HashToken(rawToken), nil
}

// HashToken returns the sha256 hex hash of rawToken.
func HashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// VerifyToken reports whether rawToken hashes to wantHash, in constant time.
// An empty wantHash never matches.
func VerifyToken(rawToken, wantHash string) bool {
	if wantHash == "" || rawToken == "" {
		return false
	}
	got := HashToken(rawToken)
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(wantHash))) == 1
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header, or "" if absent.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
