// Package vtoken issues and verifies signed age verification tokens.
//
// A token is an HS256 JWT asserting the boolean outcome of one age check for
// one widget. It carries no date of birth and no age. Signing and verification
// are pure functions of (payload, key, clock); nothing here touches the network
// or storage.
package vtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/MGallo-Code/agegate/internal/agecheck"
)

// ErrInvalidToken covers malformed tokens, bad signatures and wrong issuers.
var ErrInvalidToken = errors.New("invalid verification token")

// ErrTokenExpired is returned for well-signed tokens past their expiry.
var ErrTokenExpired = errors.New("verification token expired")

// AccountSubject is the widget id placed in tokens issued to logged-in accounts.
const AccountSubject = "account"

// Assertion is the verified content of a token.
type Assertion struct {
	ID           string // jti; unique per issued token
	IsAdult      bool
	AgeThreshold int
	WidgetID     string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// claims is the JWT payload.
type claims struct {
	IsAdult      bool   `json:"is_adult"`
	AgeThreshold int    `json:"age_threshold"`
	WidgetID     string `json:"widget_id"`
	jwt.RegisteredClaims
}

// Signer signs and verifies tokens with a shared HMAC key.
type Signer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock replaces time.Now; used by tests to move past expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner returns a Signer for key. The key should be at least 32 bytes.
func NewSigner(key []byte, issuer string, opts ...Option) *Signer {
	s := &Signer{key: key, issuer: issuer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign issues a token for outcome scoped to widgetID, valid for validityDays from now.
// Expiry is fixed here and never recomputed by verifiers.
func (s *Signer) Sign(outcome agecheck.Outcome, widgetID string, validityDays int) (string, Assertion, error) {
	if validityDays <= 0 {
		return "", Assertion{}, fmt.Errorf("validity days must be positive, got %d", validityDays)
	}
	// NumericDate has second precision; truncate so the returned Assertion matches what Verify yields.
	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.AddDate(0, 0, validityDays)
	jti, err := uuid.NewV4()
	if err != nil {
		return "", Assertion{}, fmt.Errorf("generating token id: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		IsAdult:      outcome.IsAdult,
		AgeThreshold: outcome.AgeThreshold,
		WidgetID:     widgetID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", Assertion{}, fmt.Errorf("signing verification token: %w", err)
	}
	return signed, Assertion{
		ID:           jti.String(),
		IsAdult:      outcome.IsAdult,
		AgeThreshold: outcome.AgeThreshold,
		WidgetID:     widgetID,
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt,
	}, nil
}

// Verify checks signature, issuer and expiry and returns the signed assertion.
// Returns ErrTokenExpired or ErrInvalidToken on failure.
func (s *Signer) Verify(tokenString string) (*Assertion, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.IssuedAt == nil || c.WidgetID == "" {
		return nil, ErrInvalidToken
	}
	return &Assertion{
		ID:           c.ID,
		IsAdult:      c.IsAdult,
		AgeThreshold: c.AgeThreshold,
		WidgetID:     c.WidgetID,
		IssuedAt:     c.IssuedAt.Time.UTC(),
		ExpiresAt:    c.ExpiresAt.Time.UTC(),
	}, nil
}
