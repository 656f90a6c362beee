package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// TokenLength is the number of random bytes in opaque tokens (256 bits)
const TokenLength = 32

// GenerateToken returns a base64url encoded random token of TokenLength bytes
func GenerateToken() (string, error) {
	return GenerateTokenN(TokenLength)
}

// GenerateTokenN returns a base64url encoded random token of n bytes
func GenerateTokenN(n int) (string, error) {
	randomBytes := make([]byte, n)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// HashToken computes the SHA256 hash of a token for lookup or comparison
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// DeriveOTPToken derives the lookup token for an email and code pair:
// base64url(HMAC-SHA256(salt, email ":" code)). The email is normalized first.
func DeriveOTPToken(salt []byte, email, code string) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(NormalizeEmail(email)))
	mac.Write([]byte{':'})
	mac.Write([]byte(code))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ConstantTimeEqual compares two strings without leaking timing. Empty
// strings never match.
func ConstantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NormalizeEmail lower-cases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// LocalPart returns the part of an email before '@'
func LocalPart(email string) string {
	if i := strings.IndexByte(email, '@'); i >= 0 {
		return email[:i]
	}
	return email
}

// ValidEmail performs a minimal structural check on an email address
func ValidEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
