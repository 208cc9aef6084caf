package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
)

// Key lookup errors.
var (
	ErrKeyNotFound     = errors.New("signing key not found in JWKS")
	ErrJWKSUnavailable = errors.New("JWKS unavailable")
)

// DefaultJWKSCacheTTL is how long a fetched key set is trusted.
const DefaultJWKSCacheTTL = 5 * time.Minute

// JWKSFetcher returns the raw JSON of a key set.
type JWKSFetcher func(ctx context.Context) ([]byte, error)

// KeySet is a cached remote JSON Web Key Set. Keys are looked up by kid; an
// unknown kid forces one refetch so provider key rotation is picked up
// without waiting for the cache to expire.
type KeySet struct {
	fetch JWKSFetcher
	ttl   time.Duration
	now   func() time.Time

	mu        sync.RWMutex
	keys      *jose.JSONWebKeySet
	fetchedAt time.Time

	group singleflight.Group
}

// KeySetOption configures a KeySet.
type KeySetOption func(*KeySet)

// WithCacheTTL sets how long a fetched key set is used before refetching.
func WithCacheTTL(ttl time.Duration) KeySetOption {
	return func(ks *KeySet) {
		if ttl > 0 {
			ks.ttl = ttl
		}
	}
}

// NewKeySet creates a KeySet backed by fetch.
func NewKeySet(fetch JWKSFetcher, opts ...KeySetOption) *KeySet {
	ks := &KeySet{
		fetch: fetch,
		ttl:   DefaultJWKSCacheTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(ks)
	}
	return ks
}

// ParseJWKS decodes a JWKS document. Keys that go-jose cannot parse make the
// whole document invalid.
func ParseJWKS(data []byte) (*jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &set, nil
}

// Lookup returns the public key for kid. An empty kid is accepted only when
// the set holds exactly one key.
func (ks *KeySet) Lookup(ctx context.Context, kid string) (any, error) {
	set, err := ks.get(ctx, false)
	if err != nil {
		return nil, err
	}
	if key, ok := selectKey(set, kid); ok {
		return key, nil
	}

	set, err = ks.get(ctx, true)
	if err != nil {
		return nil, err
	}
	if key, ok := selectKey(set, kid); ok {
		return key, nil
	}
	if kid == "" {
		return nil, fmt.Errorf("%w: no kid in token header and JWKS has %d keys", ErrKeyNotFound, len(set.Keys))
	}
	return nil, fmt.Errorf("%w: kid=%s", ErrKeyNotFound, kid)
}

// Invalidate drops the cached key set.
func (ks *KeySet) Invalidate() {
	ks.mu.Lock()
	ks.keys = nil
	ks.mu.Unlock()
}

func selectKey(set *jose.JSONWebKeySet, kid string) (any, bool) {
	if kid == "" {
		if len(set.Keys) == 1 {
			return set.Keys[0].Key, true
		}
		return nil, false
	}
	for _, k := range set.Key(kid) {
		if k.Use == "" || k.Use == KeyUse {
			return k.Key, true
		}
	}
	return nil, false
}

func (ks *KeySet) get(ctx context.Context, force bool) (*jose.JSONWebKeySet, error) {
	if !force {
		ks.mu.RLock()
		set, fetchedAt := ks.keys, ks.fetchedAt
		ks.mu.RUnlock()
		if set != nil && ks.now().Sub(fetchedAt) < ks.ttl {
			return set, nil
		}
	}

	v, err, _ := ks.group.Do("jwks", func() (any, error) {
		data, err := ks.fetch(ctx)
		if err != nil {
			return nil, err
		}
		set, err := ParseJWKS(data)
		if err != nil {
			return nil, err
		}
		ks.mu.Lock()
		ks.keys = set
		ks.fetchedAt = ks.now()
		ks.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	}
	return v.(*jose.JSONWebKeySet), nil
}
