// Package auth holds the cryptographic building blocks of the SMART
// authorization flow: PKCE and nonce generation, ID token decoding and
// verification, client assertions and the operator's public key set.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// DefaultEntropyBytes is the amount of randomness in state and nonce values.
const DefaultEntropyBytes = 32

// PKCE is a proof key pair for one authorization attempt. The verifier is a
// secret and is only ever sent to the token endpoint.
type PKCE struct {
	CodeVerifier  string
	CodeChallenge string
	Method        string
}

// RandomString returns byteLength bytes from crypto/rand encoded as
// base64url without padding.
func RandomString(byteLength int) (string, error) {
	if byteLength <= 0 {
		return "", fmt.Errorf("random string: byte length must be positive, got %d", byteLength)
	}
	b := make([]byte, byteLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random string: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GeneratePKCE creates a verifier with 32 bytes of entropy and its S256
// challenge, base64url(SHA-256(verifier)).
func GeneratePKCE() PKCE {
	verifier := oauth2.GenerateVerifier()
	return PKCE{
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:        "S256",
	}
}

// GenerateState returns a fresh OAuth state value.
func GenerateState() (string, error) {
	return RandomString(DefaultEntropyBytes)
}

// GenerateNonce returns a fresh OpenID Connect nonce.
func GenerateNonce() (string, error) {
	return RandomString(DefaultEntropyBytes)
}
