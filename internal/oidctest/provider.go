// Package oidctest provides an in-process OpenID Connect provider for tests.
// It issues real signed ID tokens, checks PKCE at its token endpoint and can
// be told to fail in the ways real providers do.
package oidctest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/simple-rp/internal/crypto"
	"github.com/tendant/simple-rp/internal/oidc"
)

// Endpoint names used by Requests.
const (
	Discovery = "discovery"
	Authorize = "authorize"
	Token     = "token"
	JWKS      = "jwks"
	UserInfo  = "userinfo"
)

// Default client registration.
const (
	DefaultClientID     = "TestClient"
	DefaultClientSecret = "test-client-secret"
	DefaultSubject      = "248289761001"
)

type grant struct {
	clientID    string
	redirectURI string
	challenge   string
	method      string
	nonce       string
	subject     string
	expiresAt   time.Time
}

type failure struct {
	status    int
	body      string
	remaining int // <0 means always
}

// Provider is an OIDC provider served by httptest.
type Provider struct {
	Server       *httptest.Server
	Issuer       string
	ClientID     string
	ClientSecret string
	Keys         *crypto.KeyRing

	mu           sync.Mutex
	redirectURIs []string
	subject      string
	profile      map[string]any
	userInfoSub  string
	codes        map[string]*grant
	accessTokens map[string]string
	failures     map[string]*failure
	requests     map[string]int
	claimsHook   func(*crypto.Claims)
	tokenHook    func(resp map[string]any)
	metadataHook func(md map[string]any)
	signer       *crypto.TokenSigner
}

// Option configures the Provider.
type Option func(*Provider)

// WithClient sets the registered client credentials.
func WithClient(id, secret string) Option {
	return func(p *Provider) {
		p.ClientID = id
		p.ClientSecret = secret
	}
}

// WithSigningAlg sets the signing algorithm of the provider keys.
func WithSigningAlg(alg string) Option {
	return func(p *Provider) {
		ring, err := crypto.NewKeyRing(alg)
		if err != nil {
			panic(err)
		}
		p.Keys = ring
	}
}

// WithRedirectURI registers an allowed redirect URI. When none is
// registered any redirect URI is accepted.
func WithRedirectURI(uri string) Option {
	return func(p *Provider) {
		p.redirectURIs = append(p.redirectURIs, uri)
	}
}

// NewProvider starts a provider. It is closed when the test ends.
func NewProvider(t testing.TB, opts ...Option) *Provider {
	t.Helper()

	p := &Provider{
		ClientID:     DefaultClientID,
		ClientSecret: DefaultClientSecret,
		subject:      DefaultSubject,
		profile: map[string]any{
			"email":          "janedoe@example.com",
			"email_verified": true,
			"name":           "Jane Doe",
		},
		codes:        make(map[string]*grant),
		accessTokens: make(map[string]string),
		failures:     make(map[string]*failure),
		requests:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.Keys == nil {
		ring, err := crypto.NewKeyRing(crypto.Algorithm)
		if err != nil {
			t.Fatalf("failed to create provider keys: %v", err)
		}
		p.Keys = ring
	}

	p.Server = httptest.NewServer(p.routes())
	p.Issuer = p.Server.URL
	p.signer = crypto.NewTokenSigner(p.Keys.Active(), p.Issuer)
	t.Cleanup(p.Server.Close)
	return p
}

func (p *Provider) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/authorize", p.handleAuthorize)
	r.Post("/token", p.handleToken)
	r.Get("/jwks", p.handleJWKS)
	r.Get("/userinfo", p.handleUserInfo)
	return r
}

// DiscoveryURL returns the provider's discovery document URL.
func (p *Provider) DiscoveryURL() string {
	return p.Issuer + "/.well-known/openid-configuration"
}

// ClientConfig returns a client configuration for this provider.
func (p *Provider) ClientConfig(redirectURI string) oidc.Config {
	return oidc.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURI:  redirectURI,
		Issuer:       p.Issuer,
		Scopes:       []string{"openid", "email", "profile"},
		Prompt:       "login",
		AllowedAlgs:  []string{p.Keys.Active().Alg},
	}
}

// Requests returns how many requests an endpoint has received.
func (p *Provider) Requests(endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[endpoint]
}

// Fail makes endpoint answer with status and body for the next times
// requests, or for every request when times is negative.
func (p *Provider) Fail(endpoint string, status int, body string, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[endpoint] = &failure{status: status, body: body, remaining: times}
}

// SetSubject sets the subject of issued tokens and userinfo.
func (p *Provider) SetSubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subject = sub
}

// SetUserInfoSubject makes userinfo report sub instead of the token subject.
func (p *Provider) SetUserInfoSubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfoSub = sub
}

// SetClaimsHook lets a test alter ID token claims before signing.
func (p *Provider) SetClaimsHook(fn func(*crypto.Claims)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claimsHook = fn
}

// SetTokenResponseHook lets a test alter the token response body.
func (p *Provider) SetTokenResponseHook(fn func(resp map[string]any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenHook = fn
}

// SetMetadataHook lets a test alter the discovery document.
func (p *Provider) SetMetadataHook(fn func(md map[string]any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metadataHook = fn
}

// RotateKeys switches signing to a new key. The old key stays published.
func (p *Provider) RotateKeys() error {
	key, err := p.Keys.Rotate(time.Hour)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.signer = crypto.NewTokenSigner(key, p.Issuer)
	p.mu.Unlock()
	return nil
}

// SignIDToken signs claims with the active key, for hand-made tokens.
func (p *Provider) SignIDToken(claims *crypto.Claims) (string, error) {
	p.mu.Lock()
	signer := p.signer
	p.mu.Unlock()
	return signer.IssueIDToken(claims.Subject, []string{p.ClientID}, time.Hour, claims)
}

// count records a request and returns the injected failure, if any.
func (p *Provider) count(endpoint string) *failure {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests[endpoint]++

	f, ok := p.failures[endpoint]
	if !ok {
		return nil
	}
	if f.remaining == 0 {
		delete(p.failures, endpoint)
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f
}

func writeFailure(w http.ResponseWriter, f *failure) {
	if f.body != "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(f.status)
	_, _ = w.Write([]byte(f.body))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if f := p.count(Discovery); f != nil {
		writeFailure(w, f)
		return
	}

	md := map[string]any{
		"issuer":                                p.Issuer,
		"authorization_endpoint":                p.Issuer + "/authorize",
		"token_endpoint":                        p.Issuer + "/token",
		"userinfo_endpoint":                     p.Issuer + "/userinfo",
		"jwks_uri":                              p.Issuer + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{p.Keys.Active().Alg},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"scopes_supported":                      []string{"openid", "email", "phone", "address", "profile"},
	}

	p.mu.Lock()
	hook := p.metadataHook
	p.mu.Unlock()
	if hook != nil {
		hook(md)
	}
	writeJSON(w, http.StatusOK, md)
}

// handleAuthorize signs the user in without interaction and redirects back
// with a code.
func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if f := p.count(Authorize); f != nil {
		writeFailure(w, f)
		return
	}

	redirect, err := p.Approve(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Approve validates an authorization request and returns the callback URL
// carrying a fresh code and the request's state.
func (p *Provider) Approve(q url.Values) (string, error) {
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	if clientID != p.ClientID {
		return "", fmt.Errorf("unknown client_id")
	}
	if q.Get("response_type") != "code" {
		return "", fmt.Errorf("response_type must be 'code'")
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != oidc.ChallengeMethodS256 {
		return "", fmt.Errorf("S256 code_challenge is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.redirectURIs) > 0 {
		allowed := false
		for _, uri := range p.redirectURIs {
			if uri == redirectURI {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("invalid redirect_uri")
		}
	}

	code, err := oidc.GenerateRandomSecret(16)
	if err != nil {
		return "", err
	}
	p.codes[code] = &grant{
		clientID:    clientID,
		redirectURI: redirectURI,
		challenge:   q.Get("code_challenge"),
		method:      q.Get("code_challenge_method"),
		nonce:       q.Get("nonce"),
		subject:     p.subject,
		expiresAt:   time.Now().Add(time.Minute),
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect_uri")
	}
	rq := u.Query()
	rq.Set("code", code)
	if state := q.Get("state"); state != "" {
		rq.Set("state", state)
	}
	u.RawQuery = rq.Encode()
	return u.String(), nil
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if f := p.count(Token); f != nil {
		writeFailure(w, f)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}
	if clientID != p.ClientID || clientSecret != p.ClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	p.mu.Lock()
	code := r.PostForm.Get("code")
	g, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()

	switch {
	case !ok || time.Now().After(g.expiresAt):
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code is invalid or expired")
		return
	case g.clientID != clientID || g.redirectURI != r.PostForm.Get("redirect_uri"):
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code was issued for another request")
		return
	case !oidc.ValidateCodeVerifier(r.PostForm.Get("code_verifier"), g.challenge, g.method):
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	p.mu.Lock()
	signer, hook, tokenHook := p.signer, p.claimsHook, p.tokenHook
	p.mu.Unlock()

	claims := &crypto.Claims{
		Nonce:         g.nonce,
		Email:         "janedoe@example.com",
		EmailVerified: true,
		Name:          "Jane Doe",
	}
	claims.Subject = g.subject
	if hook != nil {
		hook(claims)
	}
	idToken, err := signer.IssueIDToken(g.subject, []string{p.ClientID}, time.Hour, claims)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	accessToken, err := oidc.GenerateRandomSecret(24)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	p.mu.Lock()
	p.accessTokens[accessToken] = g.subject
	p.mu.Unlock()

	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   300,
		"id_token":     idToken,
		"scope":        "openid email profile",
	}
	if tokenHook != nil {
		tokenHook(resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if f := p.count(JWKS); f != nil {
		writeFailure(w, f)
		return
	}
	writeJSON(w, http.StatusOK, p.Keys.JWKS())
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if f := p.count(UserInfo); f != nil {
		writeFailure(w, f)
		return
	}

	token, err := oidc.ExtractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	p.mu.Lock()
	subject, ok := p.accessTokens[token]
	override := p.userInfoSub
	info := make(map[string]any, len(p.profile)+1)
	for k, v := range p.profile {
		info[k] = v
	}
	p.mu.Unlock()

	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if override != "" {
		subject = override
	}
	info["sub"] = subject
	writeJSON(w, http.StatusOK, info)
}
