package oidc_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tendant/simple-rp/internal/crypto"
	rperrors "github.com/tendant/simple-rp/internal/errors"
	"github.com/tendant/simple-rp/internal/oidc"
	"github.com/tendant/simple-rp/internal/oidctest"
	"github.com/tendant/simple-rp/internal/store/memory"
)

const testRedirectURI = "http://localhost:3000/callback"

func newClient(t *testing.T, p *oidctest.Provider, mutate ...func(*oidc.Config)) *oidc.Client {
	t.Helper()
	cfg := p.ClientConfig(testRedirectURI)
	for _, m := range mutate {
		m(&cfg)
	}

	st := memory.NewStore()
	t.Cleanup(func() { st.Close() })

	c, err := oidc.NewClient(cfg, st.States(), oidc.WithRetryInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

// login starts a flow and lets the provider approve it, returning the state
// and code the callback would receive.
func login(t *testing.T, c *oidc.Client, p *oidctest.Provider) (string, string) {
	t.Helper()
	req, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		t.Fatalf("invalid authorization URL: %v", err)
	}

	redirect, err := p.Approve(u.Query())
	if err != nil {
		t.Fatalf("provider rejected authorization request: %v", err)
	}
	cb, _ := url.Parse(redirect)
	return cb.Query().Get("state"), cb.Query().Get("code")
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected %s error, got nil", code)
	}
	if !rperrors.IsCode(err, code) {
		t.Fatalf("Expected %s, got %v", code, err)
	}
}

func assertReason(t *testing.T, err error, reason string) {
	t.Helper()
	assertCode(t, err, rperrors.CodeTokenInvalid)
	if got := rperrors.ReasonOf(err); got != reason {
		t.Fatalf("Expected reason %s, got %s (%v)", reason, got, err)
	}
}

func TestCompleteHappyPath(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	state, code := login(t, c, p)
	result, err := c.Complete(context.Background(), state, code)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if result.Subject != oidctest.DefaultSubject {
		t.Errorf("Expected subject %s, got %s", oidctest.DefaultSubject, result.Subject)
	}
	if result.Profile["email"] != "janedoe@example.com" {
		t.Errorf("Expected profile email, got %v", result.Profile)
	}
	if result.Claims.Issuer != p.Issuer {
		t.Errorf("Expected issuer %s, got %s", p.Issuer, result.Claims.Issuer)
	}
	if result.Claims.Nonce == "" {
		t.Error("ID token should carry the nonce sent at login")
	}
	if result.Tokens.AccessToken == "" || result.Tokens.IDToken == "" {
		t.Error("Result should carry the tokens")
	}
	if result.FlowID == "" {
		t.Error("Result should carry the flow id")
	}
	if n := p.Requests(oidctest.Token); n != 1 {
		t.Errorf("Expected 1 token request, got %d", n)
	}
}

func TestBeginAuthorizationParameters(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	authURL, state, err := c.BuildAuthorizationURL(context.Background())
	if err != nil {
		t.Fatalf("BuildAuthorizationURL failed: %v", err)
	}

	u, _ := url.Parse(authURL)
	if !strings.HasPrefix(authURL, p.Issuer+"/authorize?") {
		t.Errorf("URL should target the authorization endpoint: %s", authURL)
	}
	q := u.Query()
	if q.Get("state") != state {
		t.Errorf("Returned state should match the URL state")
	}
	if len(state) != 43 {
		t.Errorf("Expected 43 character state, got %d", len(state))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("Expected S256, got %s", q.Get("code_challenge_method"))
	}
	if len(q.Get("code_challenge")) != 43 {
		t.Errorf("Expected 43 character challenge, got %q", q.Get("code_challenge"))
	}
	if q.Get("response_type") != "code" {
		t.Errorf("Expected response_type=code, got %s", q.Get("response_type"))
	}
	if q.Get("client_id") != p.ClientID || q.Get("redirect_uri") != testRedirectURI {
		t.Errorf("Unexpected client parameters: %v", q)
	}
	if q.Get("scope") != "openid email profile" {
		t.Errorf("Unexpected scope: %s", q.Get("scope"))
	}
	if q.Get("nonce") == "" {
		t.Error("Expected a nonce")
	}
	if q.Get("prompt") != "login" {
		t.Errorf("Expected prompt=login, got %s", q.Get("prompt"))
	}
	if strings.Contains(authURL, "code_verifier") {
		t.Error("The verifier must never appear in the authorization URL")
	}
}

func TestBeginUniquePerLogin(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	u1, s1, _ := c.BuildAuthorizationURL(context.Background())
	u2, s2, _ := c.BuildAuthorizationURL(context.Background())

	if s1 == s2 {
		t.Error("States should differ between logins")
	}
	q1, _ := url.Parse(u1)
	q2, _ := url.Parse(u2)
	if q1.Query().Get("code_challenge") == q2.Query().Get("code_challenge") {
		t.Error("Challenges should differ between logins")
	}
	if q1.Query().Get("nonce") == q2.Query().Get("nonce") {
		t.Error("Nonces should differ between logins")
	}
}

func TestCompleteUnknownStateSkipsTokenRequest(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	_, err := c.Complete(context.Background(), "never-issued", "some-code")
	assertCode(t, err, rperrors.CodeStateNotFound)

	if n := p.Requests(oidctest.Token); n != 0 {
		t.Errorf("No token request should be made, got %d", n)
	}
}

func TestCompleteEmptyState(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	_, err := c.Complete(context.Background(), "", "code")
	assertCode(t, err, rperrors.CodeStateNotFound)
}

func TestCompleteReplayRejected(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	state, code := login(t, c, p)
	if _, err := c.Complete(context.Background(), state, code); err != nil {
		t.Fatalf("First Complete failed: %v", err)
	}

	_, err := c.Complete(context.Background(), state, code)
	assertCode(t, err, rperrors.CodeStateNotFound)
	if n := p.Requests(oidctest.Token); n != 1 {
		t.Errorf("Replay should not reach the token endpoint, got %d requests", n)
	}
}

func TestCompleteExpiredState(t *testing.T) {
	p := oidctest.NewProvider(t)
	now := time.Now()
	clock := func() time.Time { return now }

	st := memory.NewStore(memory.WithClock(clock))
	t.Cleanup(func() { st.Close() })
	cfg := p.ClientConfig(testRedirectURI)
	cfg.StateTTL = time.Minute
	c, err := oidc.NewClient(cfg, st.States(), oidc.WithClock(clock))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	state, code := login(t, c, p)
	now = now.Add(61 * time.Second)

	_, err = c.Complete(context.Background(), state, code)
	assertCode(t, err, rperrors.CodeStateNotFound)
	if n := p.Requests(oidctest.Token); n != 0 {
		t.Errorf("Expired state should not reach the token endpoint, got %d requests", n)
	}
}

func TestCompleteConcurrentSameState(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)
	state, code := login(t, c, p)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Complete(context.Background(), state, code); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("Expected exactly one successful completion, got %d", successes)
	}
	if n := p.Requests(oidctest.Token); n != 1 {
		t.Errorf("Expected 1 token request, got %d", n)
	}
}

func TestCompleteConcurrentIndependentFlows(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	type pair struct{ state, code string }
	pairs := make([]pair, 10)
	for i := range pairs {
		s, code := login(t, c, p)
		pairs[i] = pair{s, code}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(pairs))
	for _, pr := range pairs {
		wg.Add(1)
		go func(pr pair) {
			defer wg.Done()
			if _, err := c.Complete(context.Background(), pr.state, pr.code); err != nil {
				errs <- err
			}
		}(pr)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Independent flow failed: %v", err)
	}
}

func TestTokenEndpointRejection(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)
	p.Fail(oidctest.Token, http.StatusBadRequest, `{"error":"invalid_grant"}`, -1)

	state, code := login(t, c, p)
	_, err := c.Complete(context.Background(), state, code)
	assertCode(t, err, rperrors.CodeTokenExchangeFailed)

	var e *rperrors.Error
	if !errors.As(err, &e) || e.Status != http.StatusBadRequest || !strings.Contains(e.Body, "invalid_grant") {
		t.Errorf("Error should carry status and body, got %+v", e)
	}
	if n := p.Requests(oidctest.Token); n != 1 {
		t.Errorf("Token request must not be retried, got %d", n)
	}
	if n := p.Requests(oidctest.JWKS); n != 0 {
		t.Errorf("No JWKS fetch after failed exchange, got %d", n)
	}
}

func TestTokenEndpointServerErrorNotRetried(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)
	p.Fail(oidctest.Token, http.StatusServiceUnavailable, "", -1)

	state, code := login(t, c, p)
	_, err := c.Complete(context.Background(), state, code)
	assertCode(t, err, rperrors.CodeTokenExchangeFailed)
	if n := p.Requests(oidctest.Token); n != 1 {
		t.Errorf("Token request must not be retried, got %d", n)
	}
}

func TestWrongVerifierRejectedByProvider(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	_, code := login(t, c, p)
	_, err := c.Exchange(context.Background(), code, "not-the-right-verifier-not-the-right-verifier")
	assertCode(t, err, rperrors.CodeTokenExchangeFailed)
}

func TestTokenResponseMissingIDToken(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)
	p.SetTokenResponseHook(func(resp map[string]any) { delete(resp, "id_token") })

	state, code := login(t, c, p)
	_, err := c.Complete(context.Background(), state, code)
	assertCode(t, err, rperrors.CodeTokenResponseMalformed)
}

func TestTokenResponseMissingAccessToken(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)
	p.SetTokenResponseHook(func(resp map[string]any) { delete(resp, "access_token") })

	state, code := login(t, c, p)
	_, err := c.Complete(context.Background(), state, code)
	assertCode(t, err, rperrors.CodeTokenResponseMalformed)
}

func TestClientSecretNotInErrors(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)
	p.Fail(oidctest.Token, http.StatusUnauthorized, `{"error":"invalid_client"}`, -1)

	state, code := login(t, c, p)
	_, err := c.Complete(context.Background(), state, code)
	if err == nil || strings.Contains(err.Error(), p.ClientSecret) {
		t.Errorf("Error must not contain the client secret: %v", err)
	}
}

func TestIDTokenClaimFailures(t *testing.T) {
	tests := []struct {
		name   string
		hook   func(c *crypto.Claims)
		reason string
	}{
		{
			name:   "expired",
			hook:   func(c *crypto.Claims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour)) },
			reason: rperrors.ReasonExpired,
		},
		{
			name:   "issuer mismatch",
			hook:   func(c *crypto.Claims) { c.Issuer = "https://evil.example.com" },
			reason: rperrors.ReasonIssuerMismatch,
		},
		{
			name:   "audience mismatch",
			hook:   func(c *crypto.Claims) { c.Audience = jwt.ClaimStrings{"someone-else"} },
			reason: rperrors.ReasonAudienceMismatch,
		},
		{
			name:   "multiple audiences without azp",
			hook:   func(c *crypto.Claims) { c.Audience = jwt.ClaimStrings{oidctest.DefaultClientID, "other"} },
			reason: rperrors.ReasonAudienceMismatch,
		},
		{
			name:   "nonce mismatch",
			hook:   func(c *crypto.Claims) { c.Nonce = "attacker-nonce" },
			reason: rperrors.ReasonNonceMismatch,
		},
		{
			name:   "nonce missing",
			hook:   func(c *crypto.Claims) { c.Nonce = "" },
			reason: rperrors.ReasonNonceMismatch,
		},
		{
			name:   "issued in future",
			hook:   func(c *crypto.Claims) { c.IssuedAt = jwt.NewNumericDate(time.Now().Add(time.Hour)) },
			reason: rperrors.ReasonIssuedInFuture,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := oidctest.NewProvider(t)
			c := newClient(t, p)
			p.SetClaimsHook(tt.hook)

			state, code := login(t, c, p)
			_, err := c.Complete(context.Background(), state, code)
			assertReason(t, err, tt.reason)

			if n := p.Requests(oidctest.UserInfo); n != 0 {
				t.Errorf("Userinfo must not be fetched for an invalid token, got %d", n)
			}
		})
	}
}

func TestIDTokenMultipleAudiencesWithAzp(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)
	p.SetClaimsHook(func(cl *crypto.Claims) {
		cl.Audience = jwt.ClaimStrings{oidctest.DefaultClientID, "other"}
		cl.AuthorizedParty = oidctest.DefaultClientID
	})

	state, code := login(t, c, p)
	if _, err := c.Complete(context.Background(), state, code); err != nil {
		t.Fatalf("Token naming this client as azp should be accepted: %v", err)
	}
}

func TestIDTokenWithinClockSkew(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p, func(cfg *oidc.Config) { cfg.ClockSkew = time.Minute })
	p.SetClaimsHook(func(cl *crypto.Claims) {
		cl.IssuedAt = jwt.NewNumericDate(time.Now().Add(30 * time.Second))
	})

	state, code := login(t, c, p)
	if _, err := c.Complete(context.Background(), state, code); err != nil {
		t.Fatalf("iat within skew should be accepted: %v", err)
	}
}

func TestValidateTamperedSignature(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)
	md, err := c.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	claims := &crypto.Claims{Nonce: "n"}
	claims.Subject = "user"
	token, err := p.SignIDToken(claims)
	if err != nil {
		t.Fatalf("SignIDToken failed: %v", err)
	}

	// Swap in a different payload while keeping the original signature.
	other := &crypto.Claims{Nonce: "n"}
	other.Subject = "admin"
	forged, _ := p.SignIDToken(other)
	parts := strings.Split(token, ".")
	forgedParts := strings.Split(forged, ".")
	tampered := parts[0] + "." + forgedParts[1] + "." + parts[2]

	_, err = c.Validator().Validate(context.Background(), tampered, md.Issuer, "n")
	assertReason(t, err, rperrors.ReasonSignatureInvalid)
}

func TestValidateMalformedToken(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	_, err := c.Validator().Validate(context.Background(), "not-a-jwt", p.Issuer, "")
	assertReason(t, err, rperrors.ReasonMalformed)
}

func TestValidateAlgorithmNotAllowed(t *testing.T) {
	p := oidctest.NewProvider(t, oidctest.WithSigningAlg("ES256"))
	c := newClient(t, p, func(cfg *oidc.Config) { cfg.AllowedAlgs = []string{"RS256"} })

	state, code := login(t, c, p)
	_, err := c.Complete(context.Background(), state, code)
	assertReason(t, err, rperrors.ReasonAlgorithmNotAllowed)
	if n := p.Requests(oidctest.JWKS); n != 0 {
		t.Errorf("Disallowed algorithm should be rejected before JWKS fetch, got %d", n)
	}
}

func TestValidateRejectsHMACAndNone(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	claims := jwt.MapClaims{
		"iss": p.Issuer, "sub": "user", "aud": p.ClientID,
		"exp": time.Now().Add(time.Hour).Unix(), "iat": time.Now().Unix(),
	}
	hs, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(p.ClientSecret))
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, token := range map[string]string{"HS256": hs, "none": none} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Validator().Validate(context.Background(), token, p.Issuer, "")
			assertReason(t, err, rperrors.ReasonAlgorithmNotAllowed)
		})
	}
}

func TestValidateES256WhenAllowed(t *testing.T) {
	p := oidctest.NewProvider(t, oidctest.WithSigningAlg("ES256"))
	c := newClient(t, p)

	state, code := login(t, c, p)
	if _, err := c.Complete(context.Background(), state, code); err != nil {
		t.Fatalf("ES256 token should validate when allowed: %v", err)
	}
}

func TestKeyRotationRefreshesJWKS(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	state, code := login(t, c, p)
	if _, err := c.Complete(context.Background(), state, code); err != nil {
		t.Fatalf("Complete before rotation failed: %v", err)
	}

	if err := p.RotateKeys(); err != nil {
		t.Fatalf("RotateKeys failed: %v", err)
	}
	state, code = login(t, c, p)
	if _, err := c.Complete(context.Background(), state, code); err != nil {
		t.Fatalf("Complete after rotation failed: %v", err)
	}
	if n := p.Requests(oidctest.JWKS); n != 2 {
		t.Errorf("Expected one forced JWKS refresh, got %d fetches", n)
	}
}

func TestUnknownKid(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	stranger, _ := crypto.GenerateKeyPair(2048)
	signer := crypto.NewTokenSigner(stranger, p.Issuer)
	token, _ := signer.IssueIDToken("user", []string{p.ClientID}, time.Hour, nil)

	_, err := c.Validator().Validate(context.Background(), token, p.Issuer, "")
	assertReason(t, err, rperrors.ReasonKeyNotFound)
}

func TestJWKSUnavailable(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)
	p.Fail(oidctest.JWKS, http.StatusInternalServerError, "", -1)

	state, code := login(t, c, p)
	_, err := c.Complete(context.Background(), state, code)
	assertReason(t, err, rperrors.ReasonJWKSUnavailable)
}

func TestUserInfoUnavailable(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)
	p.Fail(oidctest.UserInfo, http.StatusInternalServerError, "", -1)

	state, code := login(t, c, p)
	_, err := c.Complete(context.Background(), state, code)
	assertCode(t, err, rperrors.CodeUserInfoUnavailable)
	if n := p.Requests(oidctest.UserInfo); n != 2 {
		t.Errorf("Expected one retry of userinfo, got %d requests", n)
	}
}

func TestUserInfoUnauthorizedNotRetried(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)
	p.Fail(oidctest.UserInfo, http.StatusUnauthorized, "", -1)

	state, code := login(t, c, p)
	_, err := c.Complete(context.Background(), state, code)
	assertCode(t, err, rperrors.CodeUserInfoUnavailable)
	if n := p.Requests(oidctest.UserInfo); n != 1 {
		t.Errorf("4xx should not be retried, got %d requests", n)
	}
}

func TestUserInfoSubjectMismatch(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)
	p.SetUserInfoSubject("someone-else")

	state, code := login(t, c, p)
	_, err := c.Complete(context.Background(), state, code)
	assertCode(t, err, rperrors.CodeUserInfoUnavailable)
	if got := rperrors.ReasonOf(err); got != rperrors.ReasonSubjectMismatch {
		t.Errorf("Expected reason %s, got %s", rperrors.ReasonSubjectMismatch, got)
	}
}

func TestFetchUserInfoWithoutExpectedSubject(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	state, code := login(t, c, p)
	result, err := c.Complete(context.Background(), state, code)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	p.SetUserInfoSubject("whoever")
	profile, err := c.FetchUserInfo(context.Background(), result.Tokens.AccessToken, "")
	if err != nil {
		t.Fatalf("FetchUserInfo failed: %v", err)
	}
	if profile.Subject() != "whoever" {
		t.Errorf("Expected subject whoever, got %s", profile.Subject())
	}
}

func TestFetchUserInfoRequiresAccessToken(t *testing.T) {
	p := oidctest.NewProvider(t)
	c := newClient(t, p)

	_, err := c.FetchUserInfo(context.Background(), "", "")
	assertCode(t, err, rperrors.CodeInvalidInput)
	if n := p.Requests(oidctest.UserInfo); n != 0 {
		t.Errorf("Expected no userinfo request, got %d", n)
	}
}
