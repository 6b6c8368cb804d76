// Package pkce generates PKCE (RFC 7636) pairs and OAuth state tokens.
//
// Both the verifier and the state are drawn from crypto/rand. Only the
// challenge ever leaves the server; the verifier stays in flow state.
package pkce

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// MethodS256 is the only challenge method this service issues.
const MethodS256 = "S256"

// stateBytes is the raw entropy behind each state token (256 bits).
const stateBytes = 32

// Pair is a PKCE verifier and its derived challenge.
type Pair struct {
	Verifier  string
	Challenge string
	Method    string
}

// Generate returns a fresh PKCE pair with a 32-byte random verifier.
func Generate() Pair {
	verifier := oauth2.GenerateVerifier()
	return Pair{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
		Method:    MethodS256,
	}
}

// Challenge derives the S256 challenge for verifier.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Matches reports whether challenge was derived from verifier, in constant time.
func Matches(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(Challenge(verifier)), []byte(challenge)) == 1
}

// NewState returns a base64url state token carrying 256 bits of entropy.
func NewState() (string, error) {
	var b [stateBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating state with rand: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
