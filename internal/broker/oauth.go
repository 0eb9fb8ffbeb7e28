package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/mirinaemaru/cautostock-sub000/pkg/errors"
	apphttp "github.com/mirinaemaru/cautostock-sub000/pkg/http"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// OAuthTokenFetcher exchanges app credentials for an access token at the
// brokerage token endpoint. The client must be unsigned; signing depends
// on the token this fetches.
func OAuthTokenFetcher(client *apphttp.Client, appKey, appSecret string) TokenFetcher {
	return func(ctx context.Context) (string, time.Time, error) {
		body, err := client.Post(ctx, "/v1/oauth2/token", map[string]string{
			"grant_type": "client_credentials",
			"appkey":     appKey,
			"appsecret":  appSecret,
		})
		if err != nil {
			return "", time.Time{}, fmt.Errorf("%w: token request: %v", apperrors.ErrAuthenticationFailed, err)
		}

		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return "", time.Time{}, fmt.Errorf("parse token response: %w", err)
		}
		if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
			return "", time.Time{}, fmt.Errorf("%w: malformed token response", apperrors.ErrAuthenticationFailed)
		}
		return tr.AccessToken, time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second), nil
	}
}
