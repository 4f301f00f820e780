package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/joshp123/homeconnect/internal/apierror"
	"github.com/joshp123/homeconnect/internal/clock"
)

// Refresher exchanges a refresh token for a new TokenSet.
type Refresher struct {
	config     *oauth2.Config
	httpClient *http.Client
	clock      clock.Clock
}

func NewRefresher(decl Declaration, clientID, clientSecret string, httpClient *http.Client, clk clock.Clock) *Refresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Refresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  decl.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: strings.Fields(decl.Scope),
		},
		httpClient: httpClient,
		clock:      clk,
	}
}

// Refresh runs a refresh_token grant. The returned TokenSet keeps the old
// refresh token when the server does not rotate it.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	if refreshToken == "" {
		return TokenSet{}, fmt.Errorf("refresh token is required")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	issuedAt := r.clock.Now()
	source := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return TokenSet{}, apierror.HTTPStatus("token refresh", retrieveErr.Response.StatusCode, string(retrieveErr.Body))
		}
		return TokenSet{}, apierror.Network("token refresh", err)
	}

	tokens := TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    expiresIn(token),
		IssuedAt:     issuedAt,
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

func expiresIn(token *oauth2.Token) time.Duration {
	switch v := token.Extra("expires_in").(type) {
	case float64:
		return time.Duration(v) * time.Second
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Duration(n) * time.Second
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	if token.Expiry.IsZero() {
		return 0
	}
	return time.Until(token.Expiry).Round(time.Second)
}
