// idp.go
//
// IDPStub is an in-process identity provider for tests. It enforces PKCE on the
// token endpoint: a code only redeems with the verifier whose S256 challenge was
// presented at authorization time, and only once.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/MGallo-Code/agegate/internal/pkce"
)

// StubClientID is the client_id the stub accepts.
const StubClientID = "stub-client"

type stubGrant struct {
	challenge   string
	redirectURI string
	dob         string
}

// IDPStub serves /authorize and /token.
type IDPStub struct {
	Server *httptest.Server

	// DOB is returned for codes issued via /authorize. DDMMYYYY; empty omits the attribute.
	// Set it before the flow starts; SetDOB is safe while requests are in flight.
	DOB string

	mu        sync.Mutex
	grants    map[string]stubGrant
	exchanges int
	lastQuery url.Values
}

// NewIDPStub starts the stub; it is closed via t.Cleanup.
func NewIDPStub(t testing.TB) *IDPStub {
	t.Helper()
	s := StartIDPStub()
	t.Cleanup(s.Close)
	return s
}

// StartIDPStub starts the stub outside a test, e.g. in TestMain. Caller must Close it.
func StartIDPStub() *IDPStub {
	s := &IDPStub{grants: make(map[string]stubGrant)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", s.authorize)
	mux.HandleFunc("POST /token", s.token)
	s.Server = httptest.NewServer(mux)
	return s
}

// Close shuts the stub server down.
func (s *IDPStub) Close() { s.Server.Close() }

// SetDOB changes the date of birth for subsequent authorizations.
func (s *IDPStub) SetDOB(dob string) {
	s.mu.Lock()
	s.DOB = dob
	s.mu.Unlock()
}

// AuthURL returns the stub's authorization endpoint.
func (s *IDPStub) AuthURL() string { return s.Server.URL + "/authorize" }

// TokenURL returns the stub's token endpoint.
func (s *IDPStub) TokenURL() string { return s.Server.URL + "/token" }

// IssueCode registers a code bound to challenge, as if the user had consented.
func (s *IDPStub) IssueCode(challenge, dob string) string {
	code := randomString()
	s.mu.Lock()
	s.grants[code] = stubGrant{challenge: challenge, dob: dob}
	s.mu.Unlock()
	return code
}

// Exchanges returns how many token requests the stub has received.
func (s *IDPStub) Exchanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchanges
}

// LastAuthorizeQuery returns the query of the most recent /authorize request.
func (s *IDPStub) LastAuthorizeQuery() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery
}

// authorize issues a code for the request's challenge and redirects back with it.
func (s *IDPStub) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("response_type") != "code" || q.Get("client_id") != StubClientID || q.Get("code_challenge_method") != "S256" {
		http.Error(w, "bad authorization request", http.StatusBadRequest)
		return
	}
	code := randomString()
	s.mu.Lock()
	s.lastQuery = q
	s.grants[code] = stubGrant{challenge: q.Get("code_challenge"), redirectURI: q.Get("redirect_uri"), dob: s.DOB}
	s.mu.Unlock()

	target, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	back := target.Query()
	back.Set("code", code)
	back.Set("state", q.Get("state"))
	target.RawQuery = back.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// token redeems a code once, checking the PKCE verifier.
func (s *IDPStub) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, "invalid_request")
		return
	}
	s.mu.Lock()
	s.exchanges++
	code := r.PostForm.Get("code")
	grant, ok := s.grants[code]
	delete(s.grants, code)
	s.mu.Unlock()

	if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("client_id") != StubClientID {
		writeOAuthError(w, "invalid_client")
		return
	}
	if !ok || !pkce.Matches(r.PostForm.Get("code_verifier"), grant.challenge) {
		writeOAuthError(w, "invalid_grant")
		return
	}
	if grant.redirectURI != "" && grant.redirectURI != r.PostForm.Get("redirect_uri") {
		writeOAuthError(w, "invalid_grant")
		return
	}

	resp := map[string]any{
		"access_token": randomString(),
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if grant.dob != "" {
		resp["dob"] = grant.dob
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeOAuthError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func randomString() string {
	var b [16]byte
	rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}
