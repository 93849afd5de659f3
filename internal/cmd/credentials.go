package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenSource builds the service credential from the environment.
//
// Two mechanisms are supported, checked in order:
//
//   - CASESWEEP_SERVICE_TOKEN: a static bearer token. Simple, but it does
//     not refresh; long runs should prefer client credentials.
//   - CASESWEEP_OAUTH_CLIENT_ID / CASESWEEP_OAUTH_CLIENT_SECRET /
//     CASESWEEP_OAUTH_TOKEN_URL (+ optional CASESWEEP_OAUTH_SCOPES,
//     space-separated): the OAuth2 client-credentials flow, which yields a
//     self-refreshing token source.
func tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if token := viper.GetString("service.token"); token != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}), nil
	}

	clientID := viper.GetString("oauth.client_id")
	clientSecret := viper.GetString("oauth.client_secret")
	tokenURL := viper.GetString("oauth.token_url")

	if clientID == "" || clientSecret == "" || tokenURL == "" {
		return nil, fmt.Errorf("no credentials configured: set CASESWEEP_SERVICE_TOKEN, " +
			"or CASESWEEP_OAUTH_CLIENT_ID, CASESWEEP_OAUTH_CLIENT_SECRET and CASESWEEP_OAUTH_TOKEN_URL")
	}

	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	if scopes := viper.GetString("oauth.scopes"); scopes != "" {
		cfg.Scopes = strings.Fields(scopes)
	}

	return cfg.TokenSource(ctx), nil
}
