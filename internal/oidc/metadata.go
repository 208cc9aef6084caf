package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	rperrors "github.com/tendant/simple-rp/internal/errors"
)

// DefaultMetadataCacheTTL is how long a discovery document is reused.
const DefaultMetadataCacheTTL = time.Hour

// Metadata is the subset of the provider's discovery document the relying
// party uses.
type Metadata struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported,omitempty"`
	ScopesSupported                  []string `json:"scopes_supported,omitempty"`
}

// validate checks mandatory fields and, when expectedIssuer is set, that
// the document describes that issuer.
func (m *Metadata) validate(expectedIssuer string) error {
	required := []struct {
		name  string
		value string
	}{
		{"issuer", m.Issuer},
		{"authorization_endpoint", m.AuthorizationEndpoint},
		{"token_endpoint", m.TokenEndpoint},
		{"userinfo_endpoint", m.UserinfoEndpoint},
		{"jwks_uri", m.JWKSURI},
	}

	var missing []string
	for _, f := range required {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return rperrors.MetadataMalformed("discovery document missing " + strings.Join(missing, ", "))
	}

	for _, f := range required[1:] {
		if !isAbsoluteHTTPURL(f.value) {
			return rperrors.MetadataMalformed(fmt.Sprintf("%s is not an absolute http(s) URL", f.name))
		}
	}

	if expectedIssuer != "" && strings.TrimSuffix(m.Issuer, "/") != strings.TrimSuffix(expectedIssuer, "/") {
		return rperrors.MetadataMalformed(fmt.Sprintf("issuer %q does not match configured issuer %q", m.Issuer, expectedIssuer))
	}
	return nil
}

func isAbsoluteHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// MetadataResolver fetches and caches the provider discovery document.
// Concurrent refreshes share one request.
type MetadataResolver struct {
	http           *providerHTTP
	discoveryURL   string
	expectedIssuer string
	ttl            time.Duration
	now            func() time.Time
	logger         *slog.Logger

	mu        sync.RWMutex
	cached    *Metadata
	fetchedAt time.Time

	group singleflight.Group
}

func newMetadataResolver(h *providerHTTP, discoveryURL, expectedIssuer string, ttl time.Duration, logger *slog.Logger) *MetadataResolver {
	if ttl <= 0 {
		ttl = DefaultMetadataCacheTTL
	}
	return &MetadataResolver{
		http:           h,
		discoveryURL:   discoveryURL,
		expectedIssuer: expectedIssuer,
		ttl:            ttl,
		now:            time.Now,
		logger:         logger,
	}
}

// Resolve returns the provider metadata, fetching it when the cache is
// empty or stale.
func (r *MetadataResolver) Resolve(ctx context.Context) (*Metadata, error) {
	if md := r.fresh(); md != nil {
		return md, nil
	}

	v, err, _ := r.group.Do("metadata", func() (any, error) {
		// Double-check after acquiring the flight
		if md := r.fresh(); md != nil {
			return md, nil
		}

		md, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cached = md
		r.fetchedAt = r.now()
		r.mu.Unlock()
		return md, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Metadata), nil
}

// Invalidate drops the cached document.
func (r *MetadataResolver) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

func (r *MetadataResolver) fresh() *Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cached != nil && r.now().Sub(r.fetchedAt) < r.ttl {
		return r.cached
	}
	return nil
}

func (r *MetadataResolver) fetch(ctx context.Context) (*Metadata, error) {
	body, err := r.http.get(ctx, endpointDiscovery, r.discoveryURL, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return nil, rperrors.MetadataUnavailable(fmt.Sprintf("discovery returned status %d", se.StatusCode), err)
		}
		return nil, rperrors.MetadataUnavailable("discovery request failed", err)
	}

	var md Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, rperrors.MetadataMalformed("discovery document is not valid JSON")
	}
	if err := md.validate(r.expectedIssuer); err != nil {
		return nil, err
	}

	if len(md.CodeChallengeMethodsSupported) > 0 && !slices.Contains(md.CodeChallengeMethodsSupported, ChallengeMethodS256) {
		r.logger.Warn("provider does not advertise S256 PKCE support", "issuer", md.Issuer)
	}
	r.logger.Debug("resolved provider metadata", "issuer", md.Issuer)
	return &md, nil
}
