// views.go -- HTML and script rendering for the popup and opener.
package verify

import (
	"bytes"
	"crypto/rand"
	"embed"
	"encoding/base64"
	"encoding/json"
	"html/template"
	"net/http"
	texttemplate "text/template"
	"time"
)

//go:embed assets
var assets embed.FS

var (
	pageTemplates = template.Must(template.ParseFS(assets, "assets/*.html"))

	// widget.js is not HTML; values are injected pre-encoded as JSON.
	widgetTemplate = texttemplate.Must(texttemplate.New("widget.js").Funcs(texttemplate.FuncMap{
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}).ParseFS(assets, "assets/widget.js"))
)

const (
	routePrefix  = "/v1/age-verification"
	initiatePath = routePrefix + "/initiate"
	popupPath    = routePrefix + "/popup"
	completePath = routePrefix + "/complete"
)

// resultMessage is the single message the popup posts to its opener.
type resultMessage struct {
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	Kind         string     `json:"kind,omitempty"`
	WidgetID     string     `json:"widgetId,omitempty"`
	IsAdult      *bool      `json:"isAdult,omitempty"`
	AgeThreshold int        `json:"ageThreshold,omitempty"`
	VerifiedAge  *int       `json:"verifiedAge,omitempty"`
	Token        string     `json:"token,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Error        string     `json:"error,omitempty"`
	Message      string     `json:"message,omitempty"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

func newNonce() string {
	var b [16]byte
	rand.Read(b[:])
	return base64.StdEncoding.EncodeToString(b[:])
}

// setPageHeaders applies the headers shared by popup pages. The opener policy must stay
// unsafe-none or the browser severs window.opener across the provider redirect.
func setPageHeaders(w http.ResponseWriter, nonce string) {
	hdr := w.Header()
	hdr.Set("Content-Type", "text/html; charset=utf-8")
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("Referrer-Policy", "no-referrer")
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("Cross-Origin-Opener-Policy", "unsafe-none")
	hdr.Set("Content-Security-Policy",
		"default-src 'none'; script-src 'nonce-"+nonce+"'; connect-src 'self'; base-uri 'none'; form-action 'none'")
}

// renderResult writes the delivery page: post msg to target, then close after the configured delay.
// Always 200, so the popup shows the page whatever the outcome.
func (h *Handler) renderResult(w http.ResponseWriter, r *http.Request, msg resultMessage, target string) {
	msg.Type = MessageType
	nonce := newNonce()

	var buf bytes.Buffer
	err := pageTemplates.ExecuteTemplate(&buf, "result.html", struct {
		Message      resultMessage
		TargetOrigin string
		CloseDelayMs int64
		Nonce        string
	}{msg, target, h.Cfg.PopupCloseDelay.Milliseconds(), nonce})
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	setPageHeaders(w, nonce)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// Popup handles GET /popup?widget_id&origin[&captcha_token] -- the first page loaded in the popup.
// It starts the flow from inside the popup and navigates to the provider, so the opener
// never handles the authorization URL.
func (h *Handler) Popup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	origin, ok := normalizeOrigin(q.Get("origin"))
	widgetID := q.Get("widget_id")
	if widgetID == "" || !ok {
		logInfo(r, "popup opened without widget_id or origin")
		h.Metrics.PopupError(CodeMissingParams)
		h.renderResult(w, r, errorMessage(CodeMissingParams), "*")
		return
	}

	nonce := newNonce()
	var buf bytes.Buffer
	err := pageTemplates.ExecuteTemplate(&buf, "popup.html", struct {
		WidgetID     string
		Origin       string
		CaptchaToken string
		InitiatePath string
		MessageType  string
		CloseDelayMs int64
		Nonce        string
	}{widgetID, origin, q.Get("captcha_token"), initiatePath, MessageType, h.Cfg.PopupCloseDelay.Milliseconds(), nonce})
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	setPageHeaders(w, nonce)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// WidgetScript handles GET /widget.js -- the opener-side script embedding sites load.
func (h *Handler) WidgetScript(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	err := widgetTemplate.ExecuteTemplate(&buf, "widget.js", struct {
		ServiceOrigin string
		MessageType   string
		PopupPath     string
		CompletePath  string
		TimeoutMs     int64
	}{h.Cfg.PublicBaseURL, MessageType, popupPath, completePath, h.Cfg.OpenerTimeout.Milliseconds()})
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
