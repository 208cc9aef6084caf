package crypto

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims represents the claims of an OIDC ID token.
type Claims struct {
	Nonce           string `json:"nonce,omitempty"`
	AuthorizedParty string `json:"azp,omitempty"`

	// Standard OIDC profile claims
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`

	jwt.RegisteredClaims
}

// TokenSigner signs ID tokens with a key pair, as a provider does.
type TokenSigner struct {
	keyPair *KeyPair
	issuer  string
}

// NewTokenSigner creates a new TokenSigner.
func NewTokenSigner(keyPair *KeyPair, issuer string) *TokenSigner {
	return &TokenSigner{
		keyPair: keyPair,
		issuer:  issuer,
	}
}

// IssueIDToken signs an ID token for subject with the usual registered
// claims filled in. Fields already set in claims are kept.
func (s *TokenSigner) IssueIDToken(subject string, audience []string, expiry time.Duration, claims *Claims) (string, error) {
	now := time.Now().UTC()
	if claims == nil {
		claims = &Claims{}
	}

	rc := &claims.RegisteredClaims
	if rc.Issuer == "" {
		rc.Issuer = s.issuer
	}
	if rc.Subject == "" {
		rc.Subject = subject
	}
	if len(rc.Audience) == 0 {
		rc.Audience = jwt.ClaimStrings(audience)
	}
	if rc.ExpiresAt == nil {
		rc.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))
	}
	if rc.IssuedAt == nil {
		rc.IssuedAt = jwt.NewNumericDate(now)
	}
	if rc.ID == "" {
		rc.ID = uuid.New().String()
	}

	return s.Sign(claims)
}

// Sign signs arbitrary claims with the key's algorithm and kid header.
func (s *TokenSigner) Sign(claims jwt.Claims) (string, error) {
	return s.sign(claims, true)
}

// SignWithoutKid signs claims without a kid header.
func (s *TokenSigner) SignWithoutKid(claims jwt.Claims) (string, error) {
	return s.sign(claims, false)
}

func (s *TokenSigner) sign(claims jwt.Claims, withKid bool) (string, error) {
	method := jwt.GetSigningMethod(s.keyPair.Alg)
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm: %s", s.keyPair.Alg)
	}

	token := jwt.NewWithClaims(method, claims)
	if withKid {
		token.Header["kid"] = s.keyPair.Kid
	}

	tokenString, err := token.SignedString(s.keyPair.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// KeyID returns the key ID used for signing.
func (s *TokenSigner) KeyID() string {
	return s.keyPair.Kid
}
