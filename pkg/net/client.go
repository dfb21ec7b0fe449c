package net

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// GetKeyClient returns a client that sends apiKey as a bearer credential
// on every request. The base transport and timeout match GetHTTPClient.
func GetKeyClient(ctx context.Context, apiKey string) (*http.Client, error) {
	base, err := GetHTTPClient()
	if err != nil {
		return nil, err
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey})
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	c := oauth2.NewClient(ctx, src)
	c.Timeout = time.Duration(timeoutInSeconds) * time.Second
	c.Jar = base.Jar
	return c, nil
}
