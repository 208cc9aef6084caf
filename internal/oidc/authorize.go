package oidc

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-rp/internal/domain"
	rperrors "github.com/tendant/simple-rp/internal/errors"
)

// AuthorizationRequest is a started login: the URL to send the user agent
// to and the state that will come back on the callback.
type AuthorizationRequest struct {
	URL       string
	State     string
	FlowID    string
	ExpiresAt time.Time
}

// BuildAuthorizationURL creates and stores fresh flow secrets and returns
// the provider authorization URL together with its state value.
func (c *Client) BuildAuthorizationURL(ctx context.Context) (string, string, error) {
	req, err := c.Begin(ctx)
	if err != nil {
		return "", "", err
	}
	return req.URL, req.State, nil
}

func (c *Client) newAuthorizationRequest(ctx context.Context) (*AuthorizationRequest, error) {
	md, err := c.metadata.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	fs, err := c.newFlowState()
	if err != nil {
		return nil, err
	}

	authURL, err := buildAuthorizationURL(md.AuthorizationEndpoint, authorizationParams{
		ClientID:      c.cfg.ClientID,
		RedirectURI:   c.cfg.RedirectURI,
		Scope:         strings.Join(c.cfg.Scopes, " "),
		State:         fs.State,
		CodeChallenge: DeriveChallenge(fs.CodeVerifier),
		Nonce:         fs.Nonce,
		Prompt:        c.cfg.Prompt,
	})
	if err != nil {
		return nil, err
	}

	if err := c.states.Put(ctx, fs); err != nil {
		return nil, fmt.Errorf("failed to store flow state: %w", err)
	}

	return &AuthorizationRequest{
		URL:       authURL,
		State:     fs.State,
		FlowID:    fs.ID,
		ExpiresAt: fs.ExpiresAt,
	}, nil
}

func (c *Client) newFlowState() (*domain.FlowState, error) {
	state, err := GenerateRandomSecret(SecretLength)
	if err != nil {
		return nil, rperrors.Internal("failed to generate state", err)
	}
	verifier, err := GenerateRandomSecret(SecretLength)
	if err != nil {
		return nil, rperrors.Internal("failed to generate code verifier", err)
	}
	nonce, err := GenerateRandomSecret(SecretLength)
	if err != nil {
		return nil, rperrors.Internal("failed to generate nonce", err)
	}

	now := c.now()
	return &domain.FlowState{
		ID:           uuid.New().String(),
		State:        state,
		CodeVerifier: verifier,
		Nonce:        nonce,
		RedirectURI:  c.cfg.RedirectURI,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.cfg.StateTTL),
	}, nil
}

type authorizationParams struct {
	ClientID      string
	RedirectURI   string
	Scope         string
	State         string
	CodeChallenge string
	Nonce         string
	Prompt        string
}

// buildAuthorizationURL adds the request parameters to endpoint, keeping
// any query parameters the endpoint already carries.
func buildAuthorizationURL(endpoint string, p authorizationParams) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", rperrors.MetadataMalformed("authorization_endpoint is not a valid URL")
	}

	q := u.Query()
	q.Set("client_id", p.ClientID)
	q.Set("scope", p.Scope)
	q.Set("response_type", "code")
	q.Set("redirect_uri", p.RedirectURI)
	q.Set("state", p.State)
	q.Set("code_challenge_method", ChallengeMethodS256)
	q.Set("code_challenge", p.CodeChallenge)
	if p.Nonce != "" {
		q.Set("nonce", p.Nonce)
	}
	if p.Prompt != "" {
		q.Set("prompt", p.Prompt)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
