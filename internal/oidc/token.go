package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"

	rperrors "github.com/tendant/simple-rp/internal/errors"
)

// TokenResponse represents the token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token"`
	Scope        string `json:"scope,omitempty"`
}

// LogValue keeps token values out of logs.
func (t *TokenResponse) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token_type", t.TokenType),
		slog.Int("expires_in", t.ExpiresIn),
		slog.String("scope", t.Scope),
		slog.Bool("has_refresh_token", t.RefreshToken != ""),
	)
}

// tokenErrorResponse is the RFC 6749 section 5.2 error body.
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Exchange redeems an authorization code at the token endpoint using the
// code verifier of the flow that obtained it. Codes are single-use, so the
// request is never retried.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*TokenResponse, error) {
	if code == "" {
		return nil, rperrors.InvalidInput("authorization code is required")
	}
	md, err := c.metadata.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURI},
		"code_verifier": {verifier},
		"client_id":     {c.cfg.ClientID},
	}
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	body, err := c.http.postForm(ctx, endpointToken, md.TokenEndpoint, form.Encode())
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			var te tokenErrorResponse
			if json.Unmarshal(se.Body, &te) == nil && te.Error != "" {
				c.logger.Warn("token endpoint rejected code",
					"status", se.StatusCode, "error", te.Error, "error_description", te.ErrorDescription)
			}
			return nil, rperrors.TokenExchangeFailed(se.StatusCode, se.Body, nil)
		}
		return nil, rperrors.TokenExchangeFailed(0, nil, err)
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, rperrors.TokenResponseMalformed("token response is not valid JSON")
	}
	if tokens.AccessToken == "" {
		return nil, rperrors.TokenResponseMalformed("token response missing access_token")
	}
	if tokens.IDToken == "" {
		return nil, rperrors.TokenResponseMalformed("token response missing id_token")
	}
	return &tokens, nil
}
