// Package auth obtains machine-to-machine bearer tokens for the submission
// API and the event bus.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenProvider returns a bearer token for outbound requests.
type TokenProvider func(ctx context.Context) (string, error)

// Options configures a client-credentials grant.
type Options struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Audience     string
	// HTTPClient is used for token requests; http.DefaultClient when nil.
	HTTPClient *http.Client
}

// ClientCredentials returns a provider backed by an OAuth2 client-credentials
// grant. The token is cached and only re-requested shortly before expiry.
func ClientCredentials(opts Options) (TokenProvider, error) {
	if opts.TokenURL == "" || opts.ClientID == "" {
		return nil, errors.New("auth: token url and client id are required")
	}
	cfg := &clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     opts.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if opts.Audience != "" {
		cfg.EndpointParams = url.Values{"audience": {opts.Audience}}
	}

	// The source outlives any single request, so it gets its own context.
	base := context.Background()
	if opts.HTTPClient != nil {
		base = context.WithValue(base, oauth2.HTTPClient, opts.HTTPClient)
	}
	source := cfg.TokenSource(base)

	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		tok, err := source.Token()
		if err != nil {
			return "", fmt.Errorf("auth: get m2m token: %w", err)
		}
		return tok.AccessToken, nil
	}, nil
}

// Static always returns token. Used by tests and local development.
func Static(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}
