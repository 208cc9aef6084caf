package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	clearRPEnvVars()
	setRequiredEnv()
	defer clearRPEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Expected default host '0.0.0.0', got '%s'", cfg.Host)
	}
	if cfg.Port != 3000 {
		t.Errorf("Expected default port 3000, got %d", cfg.Port)
	}
	if cfg.DiscoveryURL != "http://localhost:8080/realms/master/.well-known/openid-configuration" {
		t.Errorf("Expected discovery URL derived from issuer, got '%s'", cfg.DiscoveryURL)
	}
	if strings.Join(cfg.Scopes, " ") != "openid email phone address profile" {
		t.Errorf("Expected default scopes, got %q", cfg.Scopes)
	}
	if cfg.Prompt != "login" {
		t.Errorf("Expected default prompt 'login', got '%s'", cfg.Prompt)
	}
	if len(cfg.AllowedAlgs) != 1 || cfg.AllowedAlgs[0] != "RS256" {
		t.Errorf("Expected allowed algs [RS256], got %v", cfg.AllowedAlgs)
	}
	if cfg.StateTTL != 10*time.Minute {
		t.Errorf("Expected state TTL 10m, got %v", cfg.StateTTL)
	}
	if cfg.HTTPTimeout != 10*time.Second {
		t.Errorf("Expected http timeout 10s, got %v", cfg.HTTPTimeout)
	}
	if cfg.StateStore != "memory" {
		t.Errorf("Expected state store 'memory', got '%s'", cfg.StateStore)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("Expected default log format 'json', got '%s'", cfg.LogFormat)
	}
	if cfg.LoginRateLimit != 20 {
		t.Errorf("Expected default login rate limit 20, got %d", cfg.LoginRateLimit)
	}
	if cfg.CallbackMaxFailures != 10 || cfg.CallbackLockout != 5*time.Minute {
		t.Errorf("Expected callback lockout 10 failures / 5m, got %d / %v", cfg.CallbackMaxFailures, cfg.CallbackLockout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearRPEnvVars()
	setRequiredEnv()
	os.Setenv("RP_PORT", "9090")
	os.Setenv("RP_ISSUER_URL", "https://idp.example.com/")
	os.Setenv("RP_DISCOVERY_URL", "https://idp.example.com/custom/discovery")
	os.Setenv("RP_SCOPES", "openid email")
	os.Setenv("RP_ALLOWED_ALGS", "RS256,ES256")
	os.Setenv("RP_STATE_STORE", "redis")
	os.Setenv("RP_REDIS_ADDR", "redis:6379")
	os.Setenv("RP_COOKIE_SECRET", "my-secret-key")
	os.Setenv("RP_LOG_LEVEL", "debug")
	defer clearRPEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Port)
	}
	if cfg.IssuerURL != "https://idp.example.com" {
		t.Errorf("Expected trailing slash trimmed from issuer, got '%s'", cfg.IssuerURL)
	}
	if cfg.DiscoveryURL != "https://idp.example.com/custom/discovery" {
		t.Errorf("Expected explicit discovery URL, got '%s'", cfg.DiscoveryURL)
	}
	if len(cfg.Scopes) != 2 || cfg.Scopes[1] != "email" {
		t.Errorf("Expected scopes [openid email], got %v", cfg.Scopes)
	}
	if len(cfg.AllowedAlgs) != 2 || cfg.AllowedAlgs[1] != "ES256" {
		t.Errorf("Expected allowed algs [RS256 ES256], got %v", cfg.AllowedAlgs)
	}
	if cfg.StateStore != "redis" || cfg.RedisAddr != "redis:6379" {
		t.Errorf("Expected redis state store at redis:6379, got %s %s", cfg.StateStore, cfg.RedisAddr)
	}
	if cfg.CookieSecret != "my-secret-key" || cfg.CookieSecretGenerated {
		t.Error("Expected configured cookie secret to be used")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.LogLevel)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	clearRPEnvVars()
	defer clearRPEnvVars()

	dir := t.TempDir()
	envFile := filepath.Join(dir, "rp.env")
	content := "RP_CLIENT_ID=file-client\nRP_CLIENT_SECRET=file-secret\n" +
		"RP_REDIRECT_URI=http://localhost:3000/callback\nRP_ISSUER_URL=http://localhost:8080/realms/master\n"
	if err := os.WriteFile(envFile, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	os.Setenv("RP_ENV_FILE", envFile)
	// Real environment wins over the file.
	os.Setenv("RP_CLIENT_ID", "env-client")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ClientID != "env-client" {
		t.Errorf("Expected environment to win, got '%s'", cfg.ClientID)
	}
	if cfg.ClientSecret != "file-secret" {
		t.Errorf("Expected secret from env file, got '%s'", cfg.ClientSecret)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	clearRPEnvVars()
	os.Setenv("RP_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	defer clearRPEnvVars()

	_, err := Load()
	if err == nil {
		t.Fatal("Expected error for missing required config")
	}
	for _, name := range []string{"RP_CLIENT_ID", "RP_CLIENT_SECRET", "RP_REDIRECT_URI", "RP_ISSUER_URL"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("Expected error to mention %s, got %v", name, err)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ClientID:     "client",
			ClientSecret: "secret",
			RedirectURI:  "http://localhost:3000/callback",
			IssuerURL:    "http://localhost:8080",
			AllowedAlgs:  []string{"RS256"},
			StateStore:   "memory",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "relative redirect", mutate: func(c *Config) { c.RedirectURI = "/callback" }, wantErr: true},
		{name: "symmetric alg", mutate: func(c *Config) { c.AllowedAlgs = []string{"HS256"} }, wantErr: true},
		{name: "none alg", mutate: func(c *Config) { c.AllowedAlgs = []string{"none"} }, wantErr: true},
		{name: "empty algs", mutate: func(c *Config) { c.AllowedAlgs = nil }, wantErr: true},
		{name: "unknown store", mutate: func(c *Config) { c.StateStore = "file" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCookieSecretAutoGeneration(t *testing.T) {
	clearRPEnvVars()
	setRequiredEnv()
	defer clearRPEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.CookieSecret == "" {
		t.Error("Cookie secret should be auto-generated")
	}
	if !cfg.CookieSecretGenerated {
		t.Error("CookieSecretGenerated flag should be true")
	}

	cfg2, _ := Load()
	if cfg.CookieSecret == cfg2.CookieSecret {
		t.Error("Different loads should generate different secrets")
	}
}

func TestCallbackPath(t *testing.T) {
	cfg := &Config{RedirectURI: "http://localhost:8080/realms/Test/account/Callback"}
	path, err := cfg.CallbackPath()
	if err != nil {
		t.Fatalf("CallbackPath failed: %v", err)
	}
	if path != "/realms/Test/account/Callback" {
		t.Errorf("Expected callback path, got '%s'", path)
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := &Config{
		Host:         "0.0.0.0",
		Port:         3000,
		ClientID:     "TestClient",
		ClientSecret: "uIbQKQh7I1k4xAW66SOMhx5Nn1MzJpsn",
		CookieSecret: "cookie-secret-value",
	}

	s := cfg.String()
	if strings.Contains(s, cfg.ClientSecret) {
		t.Error("String() must not contain the client secret")
	}
	if strings.Contains(s, cfg.CookieSecret) {
		t.Error("String() must not contain the cookie secret")
	}
	if !strings.Contains(s, "client_id=TestClient") {
		t.Errorf("String() should contain the client id, got %s", s)
	}
}

func TestAddr(t *testing.T) {
	cfg := &Config{
		Host: "0.0.0.0",
		Port: 8080,
	}

	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Expected '0.0.0.0:8080', got '%s'", cfg.Addr())
	}
}

func setRequiredEnv() {
	os.Setenv("RP_ENV_FILE", filepath.Join(os.TempDir(), "simple-rp-absent.env"))
	os.Setenv("RP_CLIENT_ID", "TestClient")
	os.Setenv("RP_CLIENT_SECRET", "test-secret")
	os.Setenv("RP_REDIRECT_URI", "http://localhost:3000/callback")
	os.Setenv("RP_ISSUER_URL", "http://localhost:8080/realms/master")
}

func clearRPEnvVars() {
	vars := []string{
		"RP_ENV_FILE", "RP_HOST", "RP_PORT",
		"RP_CLIENT_ID", "RP_CLIENT_SECRET", "RP_REDIRECT_URI",
		"RP_ISSUER_URL", "RP_DISCOVERY_URL", "RP_SCOPES", "RP_PROMPT",
		"RP_ALLOWED_ALGS", "RP_CLOCK_SKEW", "RP_HTTP_TIMEOUT",
		"RP_METADATA_CACHE_TTL", "RP_JWKS_CACHE_TTL",
		"RP_STATE_TTL", "RP_STATE_CLEANUP_INTERVAL", "RP_STATE_STORE",
		"RP_REDIS_ADDR", "RP_REDIS_PASSWORD", "RP_REDIS_DB", "RP_REDIS_KEY_PREFIX",
		"RP_SESSION_TTL", "RP_COOKIE_SECRET", "RP_COOKIE_SECURE",
		"RP_LOGIN_RATE_LIMIT", "RP_CALLBACK_MAX_FAILURES", "RP_CALLBACK_LOCKOUT",
		"RP_LOG_LEVEL", "RP_LOG_FORMAT",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
}
