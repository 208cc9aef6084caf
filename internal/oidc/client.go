// Package oidc implements the relying party side of the OpenID Connect
// authorization code flow with PKCE.
package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tendant/simple-rp/internal/crypto"
	"github.com/tendant/simple-rp/internal/store"
)

// DefaultStateTTL bounds how long a user may take at the provider.
const DefaultStateTTL = 10 * time.Minute

// Config describes the client registration and the provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Issuer is the expected issuer identifier. DiscoveryURL defaults to
	// Issuer + "/.well-known/openid-configuration".
	Issuer       string
	DiscoveryURL string

	Scopes []string
	Prompt string

	AllowedAlgs []string
	ClockSkew   time.Duration

	StateTTL         time.Duration
	HTTPTimeout      time.Duration
	MetadataCacheTTL time.Duration
	JWKSCacheTTL     time.Duration
}

// Client runs login flows against one provider.
type Client struct {
	cfg       Config
	states    store.StateStore
	http      *providerHTTP
	metadata  *MetadataResolver
	keys      *crypto.KeySet
	validator *Validator
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets the client used for provider calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http.client = hc
	}
}

// WithRetryInterval sets the wait before the single retry of a failed GET.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) {
		c.http.retryMin = d
	}
}

// WithClock sets the clock used to stamp flow states.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a Client. States are kept in states between Begin and
// Complete.
func NewClient(cfg Config, states store.StateStore, opts ...Option) (*Client, error) {
	if cfg.ClientID == "" || cfg.RedirectURI == "" {
		return nil, fmt.Errorf("client id and redirect uri are required")
	}
	if cfg.Issuer == "" && cfg.DiscoveryURL == "" {
		return nil, fmt.Errorf("issuer or discovery url is required")
	}
	if states == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if cfg.DiscoveryURL == "" {
		cfg.DiscoveryURL = cfg.Issuer + "/.well-known/openid-configuration"
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid"}
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{crypto.Algorithm}
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}

	c := &Client{
		cfg:    cfg,
		states: states,
		http: &providerHTTP{
			client:   &http.Client{Timeout: cfg.HTTPTimeout},
			timeout:  cfg.HTTPTimeout,
			retryMin: 200 * time.Millisecond,
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.logger = c.logger

	c.metadata = newMetadataResolver(c.http, cfg.DiscoveryURL, cfg.Issuer, cfg.MetadataCacheTTL, c.logger)
	c.keys = crypto.NewKeySet(c.fetchJWKS, crypto.WithCacheTTL(cfg.JWKSCacheTTL))
	c.validator = NewValidator(cfg.ClientID, c.keys,
		WithAllowedAlgs(cfg.AllowedAlgs),
		WithClockSkew(cfg.ClockSkew),
	)
	return c, nil
}

// Resolve returns the provider metadata.
func (c *Client) Resolve(ctx context.Context) (*Metadata, error) {
	return c.metadata.Resolve(ctx)
}

// Validator returns the ID token validator bound to this client.
func (c *Client) Validator() *Validator {
	return c.validator
}

func (c *Client) fetchJWKS(ctx context.Context) ([]byte, error) {
	md, err := c.metadata.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return c.http.get(ctx, endpointJWKS, md.JWKSURI, nil)
}
