package verify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/agegate/internal/pkce"
	"github.com/MGallo-Code/agegate/internal/store"
	"github.com/MGallo-Code/agegate/internal/testutil"
)

func TestInitiate(t *testing.T) {
	t.Run("returns auth url and stores flow state once", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.initiate(t, "W1")

		if resp.State == "" {
			t.Fatal("expected non-empty state")
		}
		u, err := url.Parse(resp.AuthURL)
		if err != nil {
			t.Fatalf("parse authUrl: %v", err)
		}
		q := u.Query()
		if q.Get("state") != resp.State {
			t.Errorf("state param: expected %q, got %q", resp.State, q.Get("state"))
		}
		if q.Get("redirect_uri") != testBaseURL+"/v1/age-verification/callback" {
			t.Errorf("redirect_uri: got %q", q.Get("redirect_uri"))
		}
		if q.Get("code_challenge_method") != "S256" || q.Get("purpose") != "verification" {
			t.Errorf("unexpected params: %v", q)
		}

		fs, err := env.flows.TakeFlow(context.Background(), resp.State)
		if err != nil {
			t.Fatalf("TakeFlow: %v", err)
		}
		if pkce.Challenge(fs.Verifier) != q.Get("code_challenge") {
			t.Error("stored verifier does not derive the published challenge")
		}
		if fs.Kind != store.FlowWidget || fs.WidgetID != "W1" || fs.AgeThreshold != 18 || fs.ValidityDays != 365 {
			t.Errorf("unexpected flow state: %+v", fs)
		}
		if fs.OpenerOrigin != testOrigin {
			t.Errorf("OpenerOrigin: expected %q, got %q", testOrigin, fs.OpenerOrigin)
		}
		if strings.Contains(resp.AuthURL, fs.Verifier) {
			t.Error("verifier leaked into auth url")
		}

		if _, err := env.flows.TakeFlow(context.Background(), resp.State); !errors.Is(err, store.ErrFlowNotFound) {
			t.Errorf("second take: expected ErrFlowNotFound, got %v", err)
		}
	})

	t.Run("each call gets a fresh state and verifier", func(t *testing.T) {
		env := newTestEnv(t)
		a := env.initiate(t, "W1")
		b := env.initiate(t, "W1")
		if a.State == b.State {
			t.Error("states repeated")
		}
		qa, _ := url.Parse(a.AuthURL)
		qb, _ := url.Parse(b.AuthURL)
		if qa.Query().Get("code_challenge") == qb.Query().Get("code_challenge") {
			t.Error("challenges repeated")
		}
	})

	t.Run("falls back to Origin header", func(t *testing.T) {
		env := newTestEnv(t)
		req := httptest.NewRequest(http.MethodPost, "/v1/age-verification/initiate", strings.NewReader(`{"widgetId":"W1"}`))
		req.Header.Set("Origin", "https://Other.example")
		rec := httptest.NewRecorder()
		env.h.Initiate(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		resp := decodeJSON[initiateResponse](t, rec)
		fs, _ := env.flows.TakeFlow(context.Background(), resp.State)
		if fs.OpenerOrigin != "https://other.example" {
			t.Errorf("OpenerOrigin: got %q", fs.OpenerOrigin)
		}
	})

	t.Run("rate limit key is per caller ip", func(t *testing.T) {
		env := newTestEnv(t)
		env.initiate(t, "W1")
		keys := env.rl.Keys()
		if len(keys) != 1 || keys[0] != "initiate:ip:192.0.2.1" {
			t.Errorf("rate limit keys: got %v", keys)
		}
	})

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed body", `{"widgetId":`, http.StatusBadRequest, CodeInvalidRequest},
		{"missing widgetId", `{}`, http.StatusBadRequest, CodeInvalidRequest},
		{"unknown widget", `{"widgetId":"nope","origin":"https://shop.example"}`, http.StatusNotFound, CodeWidgetNotFound},
		{"verification disabled", `{"widgetId":"W-off","origin":"https://shop.example"}`, http.StatusForbidden, CodeVerificationNotEnabled},
		{"origin with path", `{"widgetId":"W1","origin":"https://shop.example/page"}`, http.StatusBadRequest, CodeInvalidRequest},
		{"non-http origin", `{"widgetId":"W1","origin":"javascript:alert(1)"}`, http.StatusBadRequest, CodeInvalidRequest},
		{"origin not on allow-list", `{"widgetId":"W-pinned","origin":"https://shop.example"}`, http.StatusForbidden, CodeOriginNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodPost, "/v1/age-verification/initiate", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			env.h.Initiate(rec, req)
			assertError(t, rec, tc.status, tc.code)
			if env.flows.Len() != 0 {
				t.Error("flow state stored for rejected request")
			}
		})
	}

	t.Run("allow-listed origin is accepted", func(t *testing.T) {
		env := newTestEnv(t)
		rec := postJSON(t, env.h.Initiate, "/v1/age-verification/initiate", map[string]string{
			"widgetId": "W-pinned", "origin": "https://pinned.example",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
		}
	})

	t.Run("rate limited returns 429 with Retry-After", func(t *testing.T) {
		env := newTestEnv(t)
		env.rl.Deny = true
		env.rl.RetryAfter = 90*time.Second + 200*time.Millisecond

		rec := postJSON(t, env.h.Initiate, "/v1/age-verification/initiate", map[string]string{"widgetId": "W1"})
		assertError(t, rec, http.StatusTooManyRequests, CodeRateLimited)
		if got := rec.Header().Get("Retry-After"); got != "91" {
			t.Errorf("Retry-After: expected 91, got %q", got)
		}
	})

	t.Run("limiter failure fails closed", func(t *testing.T) {
		env := newTestEnv(t)
		env.rl.Err = errors.New("redis down")
		rec := postJSON(t, env.h.Initiate, "/v1/age-verification/initiate", map[string]string{"widgetId": "W1"})
		assertError(t, rec, http.StatusInternalServerError, CodeServerError)
	})

	t.Run("captcha rejection returns 403", func(t *testing.T) {
		env := newTestEnv(t)
		env.h.Captcha = &testutil.MockCaptcha{Err: errors.New("rejected")}
		rec := postJSON(t, env.h.Initiate, "/v1/age-verification/initiate", map[string]string{
			"widgetId": "W1", "origin": testOrigin, "captchaToken": "bad",
		})
		assertError(t, rec, http.StatusForbidden, CodeCaptchaFailed)
	})

	t.Run("captcha pass proceeds", func(t *testing.T) {
		env := newTestEnv(t)
		env.h.Captcha = &testutil.MockCaptcha{}
		env.initiate(t, "W1")
	})

	t.Run("widget store failure returns 500", func(t *testing.T) {
		env := newTestEnv(t)
		env.repo.GetWidgetErr = errors.New("connection reset")
		rec := postJSON(t, env.h.Initiate, "/v1/age-verification/initiate", map[string]string{"widgetId": "W1"})
		assertError(t, rec, http.StatusInternalServerError, CodeServerError)
	})

	t.Run("flow store failure fails closed", func(t *testing.T) {
		env := newTestEnv(t)
		env.h.FS = testutil.FailingFlowStore{Err: errors.New("redis down")}
		rec := postJSON(t, env.h.Initiate, "/v1/age-verification/initiate", map[string]string{
			"widgetId": "W1", "origin": testOrigin,
		})
		assertError(t, rec, http.StatusInternalServerError, CodeServerError)
		if strings.Contains(rec.Body.String(), "authUrl") {
			t.Error("auth url returned without stored state")
		}
	})
}

func TestAccountInitiate(t *testing.T) {
	withUser := func(r *http.Request, id uuid.UUID) *http.Request {
		ctx := context.WithValue(r.Context(), userIDKey, id)
		return r.WithContext(ctx)
	}

	t.Run("stores account flow with configured threshold", func(t *testing.T) {
		env := newTestEnv(t)
		userID, _ := uuid.NewV7()
		req := withUser(httptest.NewRequest(http.MethodPost, "/v1/age-verification/account/initiate", nil), userID)
		req.Header.Set("Origin", "https://dashboard.example")
		rec := httptest.NewRecorder()
		env.h.AccountInitiate(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
		}

		resp := decodeJSON[initiateResponse](t, rec)
		u, _ := url.Parse(resp.AuthURL)
		if u.Query().Get("purpose") != "recurring" {
			t.Errorf("purpose: got %q", u.Query().Get("purpose"))
		}
		fs, err := env.flows.TakeFlow(context.Background(), resp.State)
		if err != nil {
			t.Fatalf("TakeFlow: %v", err)
		}
		if fs.Kind != store.FlowAccount || fs.AccountID != userID || fs.AgeThreshold != 18 || fs.ValidityDays != 365 {
			t.Errorf("unexpected flow state: %+v", fs)
		}
		if fs.OpenerOrigin != "https://dashboard.example" {
			t.Errorf("OpenerOrigin: got %q", fs.OpenerOrigin)
		}
		if keys := env.rl.Keys(); len(keys) != 1 || keys[0] != "initiate:account:"+userID.String() {
			t.Errorf("rate limit keys: got %v", keys)
		}
	})

	t.Run("defaults origin to service origin", func(t *testing.T) {
		env := newTestEnv(t)
		userID, _ := uuid.NewV7()
		req := withUser(httptest.NewRequest(http.MethodPost, "/v1/age-verification/account/initiate", nil), userID)
		rec := httptest.NewRecorder()
		env.h.AccountInitiate(rec, req)
		resp := decodeJSON[initiateResponse](t, rec)
		fs, _ := env.flows.TakeFlow(context.Background(), resp.State)
		if fs.OpenerOrigin != testBaseURL {
			t.Errorf("OpenerOrigin: got %q", fs.OpenerOrigin)
		}
	})

	t.Run("missing session context returns 500", func(t *testing.T) {
		env := newTestEnv(t)
		rec := httptest.NewRecorder()
		env.h.AccountInitiate(rec, httptest.NewRequest(http.MethodPost, "/v1/age-verification/account/initiate", nil))
		assertError(t, rec, http.StatusInternalServerError, CodeServerError)
	})
}
