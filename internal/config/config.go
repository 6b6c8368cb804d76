// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all env configuration vars for the age verification service.
type Config struct {
	DatabaseURL string     `env:"DATABASE_URL,required,notEmpty"`
	RedisURL    string     `env:"REDIS_URL,required,notEmpty"`
	Port        string     `env:"PORT" envDefault:"7865"`
	LogLevel    slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	// PublicBaseURL is the externally reachable origin of this service, e.g. https://verify.example.com.
	// Used for the IdP redirect_uri and as the origin the opener script trusts.
	PublicBaseURL string `env:"PUBLIC_BASE_URL,required,notEmpty"`

	// Identity provider (OAuth2 authorization-code + PKCE).
	IDPName         string        `env:"IDP_NAME" envDefault:"government-idp"`
	IDPClientID     string        `env:"IDP_CLIENT_ID,required,notEmpty"`
	IDPClientSecret string        `env:"IDP_CLIENT_SECRET"`
	IDPAuthURL      string        `env:"IDP_AUTH_URL,required,notEmpty"`
	IDPTokenURL     string        `env:"IDP_TOKEN_URL,required,notEmpty"`
	IDPScopes       []string      `env:"IDP_SCOPES" envSeparator:" " envDefault:"openid"`
	IDPOIDCIssuer   string        `env:"IDP_OIDC_ISSUER"` // optional; enables ID token verification
	IDPTimeout      time.Duration `env:"IDP_TIMEOUT" envDefault:"10s"`

	// Verification token signing. Key must be at least 32 bytes.
	TokenSigningKey string `env:"TOKEN_SIGNING_KEY,required,notEmpty"`
	TokenIssuer     string `env:"TOKEN_ISSUER" envDefault:"agegate"`

	// FlowStateTTL bounds the time between Initiate and Callback.
	FlowStateTTL time.Duration `env:"FLOW_STATE_TTL" envDefault:"10m"`

	// Account flow (logged-in platform users) has no widget config, so these stand in for it.
	AccountAgeThreshold int `env:"ACCOUNT_AGE_THRESHOLD" envDefault:"18"`
	AccountValidityDays int `env:"ACCOUNT_VALIDITY_DAYS" envDefault:"365"`

	// Rate limit policy for Initiate per caller.
	// Defaults: max=10, window=10m, lockout=15m.
	RateInitiateMax     int           `env:"RATE_INITIATE_MAX" envDefault:"10"`
	RateInitiateWindow  time.Duration `env:"RATE_INITIATE_WINDOW" envDefault:"10m"`
	RateInitiateLockout time.Duration `env:"RATE_INITIATE_LOCKOUT" envDefault:"15m"`

	// Rate limit policy for Complete per caller.
	// Defaults: max=20, window=10m, lockout=15m.
	RateCompleteMax     int           `env:"RATE_COMPLETE_MAX" envDefault:"20"`
	RateCompleteWindow  time.Duration `env:"RATE_COMPLETE_WINDOW" envDefault:"10m"`
	RateCompleteLockout time.Duration `env:"RATE_COMPLETE_LOCKOUT" envDefault:"15m"`

	// Rate limit policy for the public session status read per caller.
	// Defaults: max=60, window=1m, lockout=5m.
	RateStatusMax     int           `env:"RATE_STATUS_MAX" envDefault:"60"`
	RateStatusWindow  time.Duration `env:"RATE_STATUS_WINDOW" envDefault:"1m"`
	RateStatusLockout time.Duration `env:"RATE_STATUS_LOCKOUT" envDefault:"5m"`

	// TurnstileSecret enables the CAPTCHA gate on anonymous Initiate. Empty disables it.
	TurnstileSecret string `env:"TURNSTILE_SECRET"`

	// Popup/opener handshake timing.
	PopupCloseDelay time.Duration `env:"POPUP_CLOSE_DELAY" envDefault:"1500ms"`
	OpenerTimeout   time.Duration `env:"OPENER_TIMEOUT" envDefault:"5m"`

	// RequireCompletionToken rejects verified_adult completions that carry no signed token.
	RequireCompletionToken bool `env:"REQUIRE_COMPLETION_TOKEN" envDefault:"true"`

	// OTelEndpoint enables OTLP/HTTP trace export when set.
	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	// RetentionPeriod is how long expired verification sessions are kept before cleanup.
	RetentionPeriod time.Duration `env:"RETENTION_PERIOD" envDefault:"720h"`
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables are missing or any value is out of range.
func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate checks cross-field constraints the struct tags cannot express.
func (c *Config) validate() error {
	base, err := url.Parse(c.PublicBaseURL)
	if err != nil || base.Host == "" {
		return fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL")
	}
	// Redirects and tokens must not travel over plain HTTP outside local dev.
	if base.Scheme != "https" && !isLocalHost(base.Hostname()) {
		return fmt.Errorf("PUBLIC_BASE_URL must start with https://")
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")

	if len(c.TokenSigningKey) < 32 {
		return fmt.Errorf("TOKEN_SIGNING_KEY must be at least 32 bytes")
	}
	if c.AccountAgeThreshold <= 0 || c.AccountAgeThreshold > 150 {
		return fmt.Errorf("ACCOUNT_AGE_THRESHOLD out of range: %d", c.AccountAgeThreshold)
	}
	if c.AccountValidityDays <= 0 {
		return fmt.Errorf("ACCOUNT_VALIDITY_DAYS must be positive")
	}

	// A zero value here would turn into SET PX 0 in the limiter script.
	for name, d := range map[string]time.Duration{
		"FLOW_STATE_TTL":        c.FlowStateTTL,
		"IDP_TIMEOUT":           c.IDPTimeout,
		"RATE_INITIATE_WINDOW":  c.RateInitiateWindow,
		"RATE_INITIATE_LOCKOUT": c.RateInitiateLockout,
		"RATE_COMPLETE_WINDOW":  c.RateCompleteWindow,
		"RATE_COMPLETE_LOCKOUT": c.RateCompleteLockout,
		"RATE_STATUS_WINDOW":    c.RateStatusWindow,
		"RATE_STATUS_LOCKOUT":   c.RateStatusLockout,
		"OPENER_TIMEOUT":        c.OpenerTimeout,
		"RETENTION_PERIOD":      c.RetentionPeriod,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if c.RateInitiateMax <= 0 || c.RateCompleteMax <= 0 || c.RateStatusMax <= 0 {
		return fmt.Errorf("RATE_INITIATE_MAX, RATE_COMPLETE_MAX and RATE_STATUS_MAX must be positive")
	}
	if c.PopupCloseDelay < 0 {
		return fmt.Errorf("POPUP_CLOSE_DELAY must not be negative")
	}
	return nil
}

// CallbackURL is the only redirect_uri this service ever registers with the IdP.
func (c *Config) CallbackURL() string {
	return c.PublicBaseURL + "/v1/age-verification/callback"
}

func isLocalHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
