// idp.go -- government identity provider over OAuth2 code flow + PKCE.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"

	"github.com/MGallo-Code/agegate/internal/pkce"
)

var tracer = otel.Tracer("github.com/MGallo-Code/agegate/internal/oauth")

// Config describes a provider registration.
type Config struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string // static callback; the only redirect_uri ever sent
	Scopes       []string
	// OIDCIssuer, when set, enables discovery and ID token verification.
	// The date of birth is then read from the verified ID token only.
	OIDCIssuer string
	Timeout    time.Duration
}

// IdentityProvider implements Provider using golang.org/x/oauth2, with optional
// go-oidc ID token verification.
type IdentityProvider struct {
	name       string
	config     *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
}

// NewIdentityProvider builds an IdentityProvider from cfg.
// When cfg.OIDCIssuer is set this fetches the discovery document, so it makes an
// outbound request at startup and fails if the issuer is unreachable.
func NewIdentityProvider(ctx context.Context, cfg Config) (*IdentityProvider, error) {
	if cfg.RedirectURL == "" {
		return nil, errors.New("oauth: redirect url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "idp"
	}

	p := &IdentityProvider{
		name: name,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: cfg.Scopes,
		},
		httpClient: &http.Client{Timeout: timeout},
	}

	if cfg.OIDCIssuer != "" {
		op, err := oidc.NewProvider(oidc.ClientContext(ctx, p.httpClient), cfg.OIDCIssuer)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery: %w", err)
		}
		p.verifier = op.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	}
	return p, nil
}

// Name returns the configured provider name.
func (p *IdentityProvider) Name() string { return p.name }

// AuthCodeURL builds the authorization URL with state, S256 challenge and purpose embedded.
func (p *IdentityProvider) AuthCodeURL(state, codeChallenge string, purpose Purpose) string {
	return p.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.MethodS256),
		oauth2.SetAuthURLParam("purpose", string(purpose)),
	)
}

// Exchange trades an authorization code for the subject's date of birth.
// Single attempt; failures are returned to the caller, never retried.
func (p *IdentityProvider) Exchange(ctx context.Context, code, codeVerifier string) (*Attributes, error) {
	ctx, span := tracer.Start(ctx, "oauth.Exchange")
	defer span.End()
	span.SetAttributes(attribute.String("idp.name", p.name))

	attrs, err := p.exchange(ctx, code, codeVerifier)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exchange failed")
		return nil, err
	}
	return attrs, nil
}

func (p *IdentityProvider) exchange(ctx context.Context, code, codeVerifier string) (*Attributes, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	if p.verifier != nil {
		return p.attributesFromIDToken(ctx, token)
	}

	// Providers without OIDC return the attribute alongside the access token.
	dob := extraString(token, "dob")
	if dob == "" {
		dob = extraString(token, "birthdate")
	}
	birthDate, err := ParseBirthDate(dob)
	if err != nil {
		if errors.Is(err, ErrMissingAttribute) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMissingAttribute, err)
	}
	return &Attributes{Subject: extraString(token, "sub"), BirthDate: birthDate}, nil
}

// attributesFromIDToken verifies the ID token signature, audience and expiry, then reads birthdate.
func (p *IdentityProvider) attributesFromIDToken(ctx context.Context, token *oauth2.Token) (*Attributes, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("no id_token in token response")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}

	var c struct {
		Sub       string `json:"sub"`
		Birthdate string `json:"birthdate"`
		DOB       string `json:"dob"`
	}
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("extracting id token claims: %w", err)
	}
	raw := c.Birthdate
	if raw == "" {
		raw = c.DOB
	}
	birthDate, err := ParseBirthDate(raw)
	if err != nil {
		if errors.Is(err, ErrMissingAttribute) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMissingAttribute, err)
	}
	return &Attributes{Subject: c.Sub, BirthDate: birthDate}, nil
}

// extraString reads a string field from the raw token response; other types count as absent.
func extraString(token *oauth2.Token, key string) string {
	v, _ := token.Extra(key).(string)
	return v
}
