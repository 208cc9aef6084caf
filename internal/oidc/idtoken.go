package oidc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tendant/simple-rp/internal/crypto"
	rperrors "github.com/tendant/simple-rp/internal/errors"
	"github.com/tendant/simple-rp/internal/metrics"
)

// DefaultClockSkew is the leeway applied to exp, iat and nbf.
const DefaultClockSkew = time.Minute

// KeySource resolves the verification key for a kid.
type KeySource interface {
	Lookup(ctx context.Context, kid string) (any, error)
}

// IDTokenClaims are the validated claims of an ID token.
type IDTokenClaims struct {
	Issuer          string
	Subject         string
	Audience        []string
	ExpiresAt       time.Time
	IssuedAt        time.Time
	Nonce           string
	AuthorizedParty string
	// Raw holds every claim of the token.
	Raw map[string]any
}

// Validator checks ID token signatures and claims for one client.
type Validator struct {
	clientID    string
	keys        KeySource
	allowedAlgs []string
	skew        time.Duration
	now         func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithAllowedAlgs sets the accepted signature algorithms.
func WithAllowedAlgs(algs []string) ValidatorOption {
	return func(v *Validator) {
		if len(algs) > 0 {
			v.allowedAlgs = algs
		}
	}
}

// WithClockSkew sets the leeway for time-based claims.
func WithClockSkew(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		if d > 0 {
			v.skew = d
		}
	}
}

// WithValidatorClock sets the time source, for tests.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a Validator for clientID using keys for signatures.
func NewValidator(clientID string, keys KeySource, opts ...ValidatorOption) *Validator {
	v := &Validator{
		clientID:    clientID,
		keys:        keys,
		allowedAlgs: []string{crypto.Algorithm},
		skew:        DefaultClockSkew,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies idToken and returns its claims. Any failure is a
// token_invalid error whose reason names the check that failed. An empty
// expectedNonce skips the nonce check.
func (v *Validator) Validate(ctx context.Context, idToken, expectedIssuer, expectedNonce string) (*IDTokenClaims, error) {
	claims, err := v.validate(ctx, idToken, expectedIssuer, expectedNonce)
	if err != nil {
		metrics.RecordIDTokenValidation(rperrors.ReasonOf(err))
		return nil, err
	}
	metrics.RecordIDTokenValidation("valid")
	return claims, nil
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

func (v *Validator) validate(ctx context.Context, idToken, expectedIssuer, expectedNonce string) (*IDTokenClaims, error) {
	parser := jwt.NewParser()

	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return nil, rperrors.TokenInvalid(rperrors.ReasonMalformed, errors.New("token is not a compact JWS"))
	}
	headerJSON, err := parser.DecodeSegment(parts[0])
	if err != nil {
		return nil, rperrors.TokenInvalid(rperrors.ReasonMalformed, err)
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, rperrors.TokenInvalid(rperrors.ReasonMalformed, err)
	}
	if !slices.Contains(v.allowedAlgs, header.Alg) {
		return nil, rperrors.TokenInvalid(rperrors.ReasonAlgorithmNotAllowed, errors.New("alg "+header.Alg))
	}

	mapClaims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(idToken, mapClaims,
		func(*jwt.Token) (any, error) {
			return v.keys.Lookup(ctx, header.Kid)
		},
		jwt.WithValidMethods(v.allowedAlgs),
		jwt.WithIssuer(expectedIssuer),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.skew),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, rperrors.TokenInvalid(reasonFor(err), err)
	}

	claims, err := extractClaims(mapClaims)
	if err != nil {
		return nil, err
	}

	// A token for several audiences must name this client as its
	// authorized party.
	if len(claims.Audience) > 1 || claims.AuthorizedParty != "" {
		if claims.AuthorizedParty != v.clientID {
			return nil, rperrors.TokenInvalid(rperrors.ReasonAudienceMismatch, errors.New("azp does not match client id"))
		}
	}

	if expectedNonce != "" {
		if subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(expectedNonce)) != 1 {
			return nil, rperrors.TokenInvalid(rperrors.ReasonNonceMismatch, nil)
		}
	}
	return claims, nil
}

// reasonFor maps a parser error to a failure reason. When several claims
// fail at once the first match in check order wins.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, crypto.ErrKeyNotFound):
		return rperrors.ReasonKeyNotFound
	case errors.Is(err, crypto.ErrJWKSUnavailable):
		return rperrors.ReasonJWKSUnavailable
	case errors.Is(err, jwt.ErrTokenMalformed):
		return rperrors.ReasonMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return rperrors.ReasonSignatureInvalid
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return rperrors.ReasonIssuerMismatch
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return rperrors.ReasonExpired
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return rperrors.ReasonIssuedInFuture
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return rperrors.ReasonNotYetValid
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return rperrors.ReasonAudienceMismatch
	default:
		return rperrors.ReasonMalformed
	}
}

func extractClaims(mc jwt.MapClaims) (*IDTokenClaims, error) {
	claims := &IDTokenClaims{Raw: map[string]any(mc)}

	claims.Issuer, _ = mc.GetIssuer()
	claims.Subject, _ = mc.GetSubject()
	if claims.Subject == "" {
		return nil, rperrors.TokenInvalid(rperrors.ReasonMalformed, errors.New("missing sub claim"))
	}
	aud, _ := mc.GetAudience()
	claims.Audience = []string(aud)

	if exp, _ := mc.GetExpirationTime(); exp != nil {
		claims.ExpiresAt = exp.Time
	}
	iat, _ := mc.GetIssuedAt()
	if iat == nil {
		return nil, rperrors.TokenInvalid(rperrors.ReasonMalformed, errors.New("missing iat claim"))
	}
	claims.IssuedAt = iat.Time

	if nonce, ok := mc["nonce"].(string); ok {
		claims.Nonce = nonce
	}
	if azp, ok := mc["azp"].(string); ok {
		claims.AuthorizedParty = azp
	}
	return claims, nil
}
