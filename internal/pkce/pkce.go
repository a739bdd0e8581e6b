// Package pkce generates and verifies Proof Key for Code Exchange
// material (RFC 7636) for the authorization code flow.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Method is the only challenge transformation this package produces.
const Method = "S256"

// verifierBytes is the entropy fed into the code verifier. 32 bytes
// encode to 43 base64url characters, the RFC 7636 minimum length.
const verifierBytes = 32

// Pair holds a code verifier and its derived S256 challenge. The
// verifier stays on the client; the challenge travels in the
// authorization request.
type Pair struct {
	Verifier  string
	Challenge string
}

// New generates a fresh verifier/challenge pair.
func New() (Pair, error) {
	buf := make([]byte, verifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return Pair{}, fmt.Errorf("generating code verifier: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(buf)
	return Pair{
		Verifier:  verifier,
		Challenge: ChallengeFrom(verifier),
	}, nil
}

// ChallengeFrom derives the S256 code challenge for a verifier.
func ChallengeFrom(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify reports whether verifier hashes to challenge. Comparison is
// constant time; empty inputs never verify.
func Verify(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := ChallengeFrom(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidVerifier reports whether s is a legal RFC 7636 code verifier:
// 43-128 characters drawn from the unreserved base64url alphabet.
func ValidVerifier(s string) bool {
	if len(s) < 43 || len(s) > 128 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}
