package verify

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
)

func attrValue(attrs []any, key string) (any, bool) {
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == key {
			return attrs[i+1], true
		}
	}
	return nil, false
}

func TestReqAttrs(t *testing.T) {
	t.Run("includes request id", func(t *testing.T) {
		var got []any
		h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = reqAttrs(r)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/age-verification/callback", nil))

		if v, ok := attrValue(got, "request_id"); !ok || v == "" {
			t.Errorf("request_id missing: %v", got)
		}
		if v, _ := attrValue(got, "path"); v != "/v1/age-verification/callback" {
			t.Errorf("path: got %v", v)
		}
		if _, ok := attrValue(got, "trace_id"); ok {
			t.Error("trace_id present without a span")
		}
	})

	t.Run("includes trace id from span context", func(t *testing.T) {
		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    trace.TraceID{0x0a, 0x0b},
			SpanID:     trace.SpanID{0x01},
			TraceFlags: trace.FlagsSampled,
		})
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(trace.ContextWithSpanContext(req.Context(), sc))

		v, ok := attrValue(reqAttrs(req), "trace_id")
		if !ok || v != sc.TraceID().String() {
			t.Errorf("trace_id: got %v", v)
		}
	})
}

func TestStatePrefix(t *testing.T) {
	if got := statePrefix("abcdefghijklmnop"); got != "abcdefgh" {
		t.Errorf("expected 8-char prefix, got %q", got)
	}
	if got := statePrefix("abc"); got != "abc" {
		t.Errorf("short state: got %q", got)
	}
}
