package crypto

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// KeyRing holds a provider's signing keys: one active key used for signing
// and any rotated-out keys still published for verification.
type KeyRing struct {
	alg  string
	mu   sync.RWMutex
	keys []*KeyPair
}

// NewKeyRing creates a KeyRing with a fresh active key for alg.
func NewKeyRing(alg string) (*KeyRing, error) {
	if alg == "" {
		alg = Algorithm
	}
	key, err := GenerateKeyPairForAlg(alg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &KeyRing{alg: alg, keys: []*KeyPair{key}}, nil
}

// Active returns the current signing key.
func (r *KeyRing) Active() *KeyPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.keys {
		if k.Active {
			return k
		}
	}
	return nil
}

// Rotate generates a new active key. The previous key stays published for
// retain so that tokens it signed can still be verified.
func (r *KeyRing) Rotate(retain time.Duration) (*KeyPair, error) {
	key, err := GenerateKeyPairForAlg(r.alg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.Active {
			k.Active = false
			k.ExpiresAt = time.Now().Add(retain)
		}
	}
	r.keys = append(r.keys, key)
	return key, nil
}

// Get returns a key by its ID (kid).
func (r *KeyRing) Get(kid string) (*KeyPair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return nil, false
}

// JWKS returns the public keys that are not expired.
func (r *KeyRing) JWKS() jose.JSONWebKeySet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(r.keys))}
	for _, k := range r.keys {
		if k.IsExpired() {
			continue
		}
		set.Keys = append(set.Keys, k.ToJWK())
	}
	return set
}

// CleanupExpired removes inactive keys whose retention has passed.
func (r *KeyRing) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.keys[:0]
	removed := 0
	for _, k := range r.keys {
		if !k.Active && k.IsExpired() {
			removed++
			continue
		}
		kept = append(kept, k)
	}
	r.keys = kept
	return removed
}
