// Package crypto provides signing keys, JWT signing and JWKS key sets.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

const (
	// DefaultKeySize is the default RSA key size in bits.
	DefaultKeySize = 2048
	// Algorithm is the default JWT signing algorithm.
	Algorithm = "RS256"
	// KeyUse is the JWK key use.
	KeyUse = "sig"
)

// KeyPair is an asymmetric signing key with its JWK metadata.
type KeyPair struct {
	Kid        string
	Alg        string
	PrivateKey crypto.Signer
	PublicKey  crypto.PublicKey
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Active     bool
}

// GenerateKeyPair generates a new RSA key pair for RS256.
func GenerateKeyPair(keySize int) (*KeyPair, error) {
	if keySize == 0 {
		keySize = DefaultKeySize
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return newKeyPair(privateKey, Algorithm), nil
}

// GenerateKeyPairForAlg generates a key pair suitable for alg. RS256/384/512,
// PS256/384/512 and ES256/384/512 are supported.
func GenerateKeyPairForAlg(alg string) (*KeyPair, error) {
	switch alg {
	case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512":
		kp, err := GenerateKeyPair(DefaultKeySize)
		if err != nil {
			return nil, err
		}
		kp.Alg = alg
		return kp, nil
	case "ES256", "ES384", "ES512":
		curve := map[string]elliptic.Curve{
			"ES256": elliptic.P256(),
			"ES384": elliptic.P384(),
			"ES512": elliptic.P521(),
		}[alg]
		privateKey, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate EC key: %w", err)
		}
		return newKeyPair(privateKey, alg), nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s", alg)
	}
}

func newKeyPair(key crypto.Signer, alg string) *KeyPair {
	return &KeyPair{
		Kid:        uuid.New().String(),
		Alg:        alg,
		PrivateKey: key,
		PublicKey:  key.Public(),
		CreatedAt:  time.Now(),
		Active:     true,
	}
}

// ToJWK converts a KeyPair to its public JWK.
func (kp *KeyPair) ToJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       kp.PublicKey,
		KeyID:     kp.Kid,
		Algorithm: kp.Alg,
		Use:       KeyUse,
	}
}

// IsExpired checks if the key has expired.
func (kp *KeyPair) IsExpired() bool {
	if kp.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(kp.ExpiresAt)
}
