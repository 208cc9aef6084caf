package oidc

import (
	"context"
	"time"

	rperrors "github.com/tendant/simple-rp/internal/errors"
	"github.com/tendant/simple-rp/internal/metrics"
)

// Result is the outcome of a completed login: one validated identity.
type Result struct {
	FlowID  string
	Subject string
	Claims  *IDTokenClaims
	Profile Profile
	Tokens  *TokenResponse
}

// Begin starts a login. The returned URL must be sent to the user agent as
// a redirect.
func (c *Client) Begin(ctx context.Context) (*AuthorizationRequest, error) {
	req, err := c.newAuthorizationRequest(ctx)
	if err != nil {
		c.logger.Error("failed to start login", "error", err, "error_code", rperrors.CodeOf(err))
		return nil, err
	}

	metrics.RecordFlowStarted()
	c.logger.Info("login started", "flow_id", req.FlowID)
	return req, nil
}

// Complete finishes the login identified by state with the authorization
// code the provider returned. The state is consumed before anything else
// happens, so a state can complete at most once.
func (c *Client) Complete(ctx context.Context, state, code string) (*Result, error) {
	flowID := ""
	result, err := c.complete(ctx, state, code, &flowID)
	if err != nil {
		c.logger.Warn("login failed",
			"flow_id", flowID,
			"state", state,
			"error_code", rperrors.CodeOf(err),
			"reason", rperrors.ReasonOf(err),
			"error", err,
			"at", c.now().UTC().Format(time.RFC3339),
		)
		metrics.RecordFlowCompleted(rperrors.CodeOf(err))
		return nil, err
	}

	metrics.RecordFlowCompleted("success")
	c.logger.Info("login completed", "flow_id", flowID, "subject", result.Subject, "tokens", result.Tokens)
	return result, nil
}

func (c *Client) complete(ctx context.Context, state, code string, flowID *string) (*Result, error) {
	if state == "" {
		return nil, rperrors.StateNotFound()
	}
	fs, err := c.states.Take(ctx, state)
	if err != nil {
		return nil, err
	}
	*flowID = fs.ID

	md, err := c.metadata.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	tokens, err := c.Exchange(ctx, code, fs.CodeVerifier)
	if err != nil {
		return nil, err
	}

	claims, err := c.validator.Validate(ctx, tokens.IDToken, md.Issuer, fs.Nonce)
	if err != nil {
		return nil, err
	}

	profile, err := c.FetchUserInfo(ctx, tokens.AccessToken, claims.Subject)
	if err != nil {
		return nil, err
	}

	return &Result{
		FlowID:  fs.ID,
		Subject: claims.Subject,
		Claims:  claims,
		Profile: profile,
		Tokens:  tokens,
	}, nil
}
