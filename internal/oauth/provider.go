// provider.go -- identity provider interface and shared types.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMissingAttribute is returned by Exchange when the provider's response
// carries no usable date of birth.
var ErrMissingAttribute = errors.New("provider did not return date of birth")

// ErrProviderDenied is returned by CallbackError when the user declined consent
// at the provider.
var ErrProviderDenied = errors.New("provider denied authorization")

// CallbackError converts the error/error_description pair a provider appends to the
// redirect into an error. access_denied wraps ErrProviderDenied; every other code is
// an opaque provider failure.
func CallbackError(code, description string) error {
	if code == "access_denied" {
		return fmt.Errorf("%w: %s", ErrProviderDenied, description)
	}
	return fmt.Errorf("provider error %q: %s", code, description)
}

// Purpose tells the provider what the authorization is for.
// Sent as the "purpose" authorization parameter.
type Purpose string

const (
	// PurposeOneTime is an anonymous, single verification from a widget.
	PurposeOneTime Purpose = "verification"
	// PurposeRecurring ties the verification to a platform account.
	PurposeRecurring Purpose = "recurring"
)

// Attributes holds the verified attributes returned by the provider.
// BirthDate is consumed by the age check and must not be stored or logged.
type Attributes struct {
	Subject   string // provider-specific subject id; empty if the provider did not send one
	BirthDate time.Time
}

// Provider is an OAuth2 identity provider that can attest a date of birth.
// PKCE (RFC 7636) is required: callers pass the code_challenge to AuthCodeURL and the
// matching code_verifier to Exchange.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// AuthCodeURL returns the authorization URL with state, PKCE challenge and purpose embedded.
	// The redirect_uri is fixed at construction; callers cannot influence it.
	AuthCodeURL(state, codeChallenge string, purpose Purpose) string

	// Exchange trades an authorization code for verified attributes.
	// The code_verifier must match the code_challenge passed to AuthCodeURL.
	Exchange(ctx context.Context, code, codeVerifier string) (*Attributes, error)
}
