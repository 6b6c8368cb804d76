package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MGallo-Code/agegate/internal/metrics"
	"github.com/MGallo-Code/agegate/internal/oauth"
	"github.com/MGallo-Code/agegate/internal/store"
	"github.com/MGallo-Code/agegate/internal/testutil"
	"github.com/MGallo-Code/agegate/internal/vtoken"
)

const (
	testBaseURL    = "https://verify.example.com"
	testOrigin     = "https://shop.example"
	testSigningKey = "test-signing-key-0123456789abcdef"
)

// testClock is a settable clock shared by the handler, signer and flow store.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	h     *Handler
	repo  *testutil.MemoryRepository
	flows *testutil.MemoryFlowStore
	cache *testutil.MockCache
	rl    *testutil.MockRateLimiter
	stub  *testutil.IDPStub
	clock *testClock
}

// newTestEnv wires a Handler over in-memory fakes and the PKCE-enforcing IdP stub.
// Widget W1 is registered with threshold 18 and 365 validity days.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
	stub := testutil.NewIDPStub(t)

	idp, err := oauth.NewIdentityProvider(context.Background(), oauth.Config{
		Name:        "stub",
		ClientID:    testutil.StubClientID,
		AuthURL:     stub.AuthURL(),
		TokenURL:    stub.TokenURL(),
		RedirectURL: testBaseURL + "/v1/age-verification/callback",
		Scopes:      []string{"openid"},
		Timeout:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewIdentityProvider: %v", err)
	}

	repo := testutil.NewMemoryRepository()
	repo.Now = clock.Now
	repo.AddWidget(store.Widget{ID: "W1", AgeVerificationEnabled: true, AgeThreshold: 18, ValidityDays: 365})
	repo.AddWidget(store.Widget{ID: "W-off", AgeVerificationEnabled: false, AgeThreshold: 18, ValidityDays: 365})
	repo.AddWidget(store.Widget{
		ID: "W-pinned", AgeVerificationEnabled: true, AgeThreshold: 21, ValidityDays: 30,
		AllowedOrigins: []string{"https://pinned.example"},
	})

	env := &testEnv{
		repo:  repo,
		flows: testutil.NewMemoryFlowStore(clock.Now),
		cache: testutil.NewMockCache(),
		rl:    &testutil.MockRateLimiter{},
		stub:  stub,
		clock: clock,
	}
	env.h = &Handler{
		FS:      env.flows,
		PS:      repo,
		RS:      env.cache,
		RL:      env.rl,
		IdP:     idp,
		Signer:  vtoken.NewSigner([]byte(testSigningKey), "agegate-test", vtoken.WithClock(clock.Now)),
		Metrics: metrics.New(prometheus.NewRegistry()),
		Cfg: Settings{
			PublicBaseURL:          testBaseURL,
			FlowStateTTL:           10 * time.Minute,
			AccountAgeThreshold:    18,
			AccountValidityDays:    365,
			InitiatePolicy:         store.RateLimit{MaxAttempts: 10, Window: 10 * time.Minute, LockoutTTL: 15 * time.Minute},
			CompletePolicy:         store.RateLimit{MaxAttempts: 20, Window: 10 * time.Minute, LockoutTTL: 15 * time.Minute},
			StatusPolicy:           store.RateLimit{MaxAttempts: 60, Window: time.Minute, LockoutTTL: 5 * time.Minute},
			PopupCloseDelay:        1500 * time.Millisecond,
			OpenerTimeout:          5 * time.Minute,
			RequireCompletionToken: true,
		},
		Now: clock.Now,
	}
	return env
}

// dobForAge returns a DDMMYYYY date of birth making the subject exactly age today.
func (e *testEnv) dobForAge(age int) string {
	return e.clock.Now().AddDate(-age, 0, -1).Format("02012006")
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encoding body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status: expected %d, got %d (body %s)", status, rec.Code, rec.Body.String())
	}
	body := decodeJSON[errorBody](t, rec)
	if body.Error != code {
		t.Errorf("error code: expected %q, got %q", code, body.Error)
	}
}

// initiate runs Initiate for widgetID from testOrigin and returns the response.
func (e *testEnv) initiate(t *testing.T, widgetID string) initiateResponse {
	t.Helper()
	rec := postJSON(t, e.h.Initiate, "/v1/age-verification/initiate", map[string]string{
		"widgetId": widgetID,
		"origin":   testOrigin,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Initiate: expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
	return decodeJSON[initiateResponse](t, rec)
}

// authorize follows authURL at the stub as a consenting user and returns the callback query.
func (e *testEnv) authorize(t *testing.T, authURL string) url.Values {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(authURL)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize: expected 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("authorize: bad Location: %v", err)
	}
	return loc.Query()
}

var (
	resultJSONRe = regexp.MustCompile(`(?s)<script type="application/json" id="agegate-result">(.*?)</script>`)
	targetRe     = regexp.MustCompile(`var target = ("[^"]*");`)
)

// callback runs Callback with query and extracts the posted message and target origin.
func (e *testEnv) callback(t *testing.T, query url.Values) (resultMessage, string, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/age-verification/callback?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	e.h.Callback(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Callback: expected 200, got %d", rec.Code)
	}
	msg, target := parseResultPage(t, rec.Body.String())
	return msg, target, rec
}

func parseResultPage(t *testing.T, page string) (resultMessage, string) {
	t.Helper()
	m := resultJSONRe.FindStringSubmatch(page)
	if m == nil {
		t.Fatalf("result page has no message element:\n%s", page)
	}
	var msg resultMessage
	if err := json.Unmarshal([]byte(m[1]), &msg); err != nil {
		t.Fatalf("decoding message %q: %v", m[1], err)
	}
	tm := targetRe.FindStringSubmatch(page)
	if tm == nil {
		t.Fatalf("result page has no target origin:\n%s", page)
	}
	var target string
	if err := json.Unmarshal([]byte(tm[1]), &target); err != nil {
		t.Fatalf("decoding target %q: %v", tm[1], err)
	}
	return msg, target
}
