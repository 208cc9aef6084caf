// Package config handles application configuration via environment variables.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the relying party.
type Config struct {
	// Server settings
	Host string `env:"RP_HOST" env-default:"0.0.0.0"`
	Port int    `env:"RP_PORT" env-default:"3000"`

	// Client registration at the provider
	ClientID     string `env:"RP_CLIENT_ID"`
	ClientSecret string `env:"RP_CLIENT_SECRET"`
	RedirectURI  string `env:"RP_REDIRECT_URI"`

	// Provider
	IssuerURL    string   `env:"RP_ISSUER_URL"`
	DiscoveryURL string   `env:"RP_DISCOVERY_URL"` // defaults to {issuer}/.well-known/openid-configuration
	Scopes       []string `env:"RP_SCOPES" env-separator:" " env-default:"openid email phone address profile"`
	Prompt       string   `env:"RP_PROMPT" env-default:"login"`

	// ID token validation
	AllowedAlgs []string      `env:"RP_ALLOWED_ALGS" env-separator:"," env-default:"RS256"`
	ClockSkew   time.Duration `env:"RP_CLOCK_SKEW" env-default:"1m"`

	// Outbound calls and caches
	HTTPTimeout      time.Duration `env:"RP_HTTP_TIMEOUT" env-default:"10s"`
	MetadataCacheTTL time.Duration `env:"RP_METADATA_CACHE_TTL" env-default:"1h"`
	JWKSCacheTTL     time.Duration `env:"RP_JWKS_CACHE_TTL" env-default:"5m"`

	// Flow state storage
	StateTTL             time.Duration `env:"RP_STATE_TTL" env-default:"10m"`
	StateCleanupInterval time.Duration `env:"RP_STATE_CLEANUP_INTERVAL" env-default:"1m"`
	StateStore           string        `env:"RP_STATE_STORE" env-default:"memory"` // memory or redis

	// Redis settings (used when StateStore is "redis")
	RedisAddr      string `env:"RP_REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword  string `env:"RP_REDIS_PASSWORD"`
	RedisDB        int    `env:"RP_REDIS_DB" env-default:"0"`
	RedisKeyPrefix string `env:"RP_REDIS_KEY_PREFIX" env-default:"rp:"`

	// Session settings
	SessionTTL   time.Duration `env:"RP_SESSION_TTL" env-default:"8h"`
	CookieSecret string        `env:"RP_COOKIE_SECRET"`
	CookieSecure bool          `env:"RP_COOKIE_SECURE" env-default:"false"`

	// Rate limiting and callback lockout
	LoginRateLimit      int           `env:"RP_LOGIN_RATE_LIMIT" env-default:"20"`      // requests per minute per IP
	CallbackMaxFailures int           `env:"RP_CALLBACK_MAX_FAILURES" env-default:"10"` // 0 disables lockout
	CallbackLockout     time.Duration `env:"RP_CALLBACK_LOCKOUT" env-default:"5m"`

	// Logging
	LogLevel  string `env:"RP_LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"RP_LOG_FORMAT" env-default:"json"` // json or text

	// Internal flags (not from env)
	CookieSecretGenerated bool `env:"-"` // True if secret was auto-generated
}

// Load reads configuration from an optional .env file and the environment.
// The file named by RP_ENV_FILE (default ".env") is loaded first; variables
// already present in the environment win.
func Load() (*Config, error) {
	envFile := os.Getenv("RP_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.IssuerURL = strings.TrimSuffix(cfg.IssuerURL, "/")
	if cfg.DiscoveryURL == "" && cfg.IssuerURL != "" {
		cfg.DiscoveryURL = cfg.IssuerURL + "/.well-known/openid-configuration"
	}

	// Generate random cookie secret if not provided
	if cfg.CookieSecret == "" {
		secret, err := generateRandomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate cookie secret: %w", err)
		}
		cfg.CookieSecret = secret
		cfg.CookieSecretGenerated = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that the required client and provider settings are present.
func (c *Config) Validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "RP_CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "RP_CLIENT_SECRET")
	}
	if c.RedirectURI == "" {
		missing = append(missing, "RP_REDIRECT_URI")
	}
	if c.IssuerURL == "" {
		missing = append(missing, "RP_ISSUER_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if _, err := c.CallbackPath(); err != nil {
		return err
	}
	if len(c.AllowedAlgs) == 0 {
		return fmt.Errorf("RP_ALLOWED_ALGS must not be empty")
	}
	for _, alg := range c.AllowedAlgs {
		if strings.HasPrefix(alg, "HS") || strings.EqualFold(alg, "none") {
			return fmt.Errorf("RP_ALLOWED_ALGS: %s is not an acceptable id token algorithm", alg)
		}
	}
	switch c.StateStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("RP_STATE_STORE must be 'memory' or 'redis', got %q", c.StateStore)
	}
	return nil
}

// Addr returns the server address in host:port format.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CallbackPath returns the path component of the redirect URI, which is
// where the provider sends the user agent back to.
func (c *Config) CallbackPath() (string, error) {
	u, err := url.Parse(c.RedirectURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("RP_REDIRECT_URI must be an absolute URL, got %q", c.RedirectURI)
	}
	if u.Path == "" {
		return "/", nil
	}
	return u.Path, nil
}

// String renders the configuration with secrets redacted, for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"addr=%s client_id=%s client_secret=%s redirect_uri=%s issuer=%s discovery=%s scopes=%q state_store=%s cookie_secret=%s",
		c.Addr(), c.ClientID, redact(c.ClientSecret), c.RedirectURI, c.IssuerURL, c.DiscoveryURL,
		strings.Join(c.Scopes, " "), c.StateStore, redact(c.CookieSecret),
	)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "[REDACTED]"
}

// generateRandomSecret generates a cryptographically secure random string.
func generateRandomSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
