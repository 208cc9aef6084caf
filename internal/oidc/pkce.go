package oidc

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// SecretLength is the number of random bytes behind state, code
	// verifier and nonce values. 32 bytes encode to a 43 character verifier.
	SecretLength = 32

	// ChallengeMethodS256 is the only challenge method this client sends.
	ChallengeMethodS256 = "S256"
	// ChallengeMethodPlain is accepted by ValidateCodeVerifier only.
	ChallengeMethodPlain = "plain"
)

// GenerateRandomSecret returns length bytes from crypto/rand encoded as
// base64url without padding.
func GenerateRandomSecret(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DeriveChallenge returns the S256 code challenge for verifier.
func DeriveChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidateCodeVerifier checks a code verifier against a challenge, as the
// provider does at the token endpoint.
func ValidateCodeVerifier(codeVerifier, codeChallenge, codeChallengeMethod string) bool {
	if codeChallenge == "" {
		// No PKCE was used
		return codeVerifier == ""
	}

	if codeVerifier == "" {
		return false
	}

	var computed string
	switch codeChallengeMethod {
	case ChallengeMethodPlain:
		computed = codeVerifier
	case ChallengeMethodS256:
		computed = DeriveChallenge(codeVerifier)
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) == 1
}
