package gcal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// OAuth holds the application's Google client settings. Every HTTP exchange
// it performs, token endpoint included, is bounded by the configured timeout.
type OAuth struct {
	cfg     *oauth2.Config
	timeout time.Duration
}

func NewOAuth(clientID, clientSecret, redirectURL string, timeout time.Duration) *OAuth {
	return &OAuth{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		},
		timeout: timeout,
	}
}

// WithEndpoint overrides the token endpoints. Used by tests.
func (o *OAuth) WithEndpoint(ep oauth2.Endpoint) *OAuth {
	o.cfg.Endpoint = ep
	return o
}

func (o *OAuth) httpClient() *http.Client {
	return &http.Client{Timeout: o.timeout}
}

func (o *OAuth) bounded(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient())
}

// AuthCodeURL asks for offline access and forces the consent screen so
// Google issues a refresh token every time.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (o *OAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := o.cfg.Exchange(o.bounded(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// Refresh trades a refresh token for a new access token.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := o.cfg.TokenSource(o.bounded(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return tok, nil
}

// Client returns a Calendar authenticated with a fixed access token. Token
// refresh is the caller's job.
func (o *OAuth) Client(ctx context.Context, tok *oauth2.Token) (Calendar, error) {
	client := &http.Client{
		Timeout: o.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(tok),
			Base:   http.DefaultTransport,
		},
	}
	return NewCalendar(ctx, client)
}

// Scope returns the space-separated scopes Google granted with tok.
func Scope(tok *oauth2.Token) string {
	if s, ok := tok.Extra("scope").(string); ok {
		return s
	}
	return ""
}
