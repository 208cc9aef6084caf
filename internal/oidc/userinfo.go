package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	rperrors "github.com/tendant/simple-rp/internal/errors"
)

// Profile holds the claims returned by the userinfo endpoint, as sent.
type Profile map[string]any

// Subject returns the sub claim.
func (p Profile) Subject() string {
	sub, _ := p["sub"].(string)
	return sub
}

// FetchUserInfo retrieves the profile of the user the access token was
// issued for. When expectedSubject is set, the userinfo sub must equal it.
func (c *Client) FetchUserInfo(ctx context.Context, accessToken, expectedSubject string) (Profile, error) {
	if accessToken == "" {
		return nil, rperrors.InvalidInput("access token is required")
	}
	md, err := c.metadata.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)
	body, err := c.http.get(ctx, endpointUserInfo, md.UserinfoEndpoint, header)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return nil, rperrors.UserInfoUnavailable(fmt.Sprintf("userinfo returned status %d", se.StatusCode), err)
		}
		return nil, rperrors.UserInfoUnavailable("userinfo request failed", err)
	}

	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, rperrors.UserInfoUnavailable("userinfo response is not a JSON object", err)
	}
	if profile == nil {
		return nil, rperrors.UserInfoUnavailable("userinfo response is empty", nil)
	}

	if expectedSubject != "" && profile.Subject() != expectedSubject {
		e := rperrors.UserInfoUnavailable("userinfo subject does not match id token", nil)
		e.Reason = rperrors.ReasonSubjectMismatch
		return nil, e
	}
	return profile, nil
}

// ExtractBearerToken extracts the bearer token from the Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", rperrors.InvalidInput("missing authorization header")
	}

	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", rperrors.InvalidInput("invalid authorization header")
	}
	return token, nil
}
