// initiate.go -- POST /v1/age-verification/initiate and /account/initiate.
package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/agegate/internal/oauth"
	"github.com/MGallo-Code/agegate/internal/pkce"
	"github.com/MGallo-Code/agegate/internal/store"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 4 << 10

type initiateResponse struct {
	AuthURL string `json:"authUrl"`
	State   string `json:"state"`
}

// Initiate handles POST /initiate for anonymous widget visitors.
// Body: {widgetId, origin?, captchaToken?}. origin falls back to the Origin header and
// becomes the only window the result is posted to.
// Returns 200 {authUrl, state}; 400/403/404 for client errors; 429 when rate limited.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		WidgetID     string `json:"widgetId"`
		Origin       string `json:"origin"`
		CaptchaToken string `json:"captchaToken"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		logWarn(r, "failed to decode initiate input", "error", err)
		BadRequest(w, CodeInvalidRequest, "error decoding request body")
		return
	}
	if in.WidgetID == "" {
		BadRequest(w, CodeInvalidRequest, "widgetId is required")
		return
	}

	if !h.allow(w, r, "initiate", "initiate:ip:"+clientIP(r), h.Cfg.InitiatePolicy) {
		return
	}

	if h.Captcha != nil {
		if err := h.Captcha.Verify(r.Context(), in.CaptchaToken, clientIP(r)); err != nil {
			logInfo(r, "captcha verification failed", "widget_id", in.WidgetID, "error", err)
			Forbidden(w, CodeCaptchaFailed, "captcha verification failed")
			return
		}
	}

	widget, err := h.PS.GetWidget(r.Context(), in.WidgetID)
	if err != nil {
		if errors.Is(err, store.ErrWidgetNotFound) {
			NotFound(w, CodeWidgetNotFound, "widget not found")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	if !widget.AgeVerificationEnabled {
		Forbidden(w, CodeVerificationNotEnabled, "age verification is not enabled for this widget")
		return
	}

	origin, ok := h.openerOrigin(in.Origin, r)
	if !ok {
		BadRequest(w, CodeInvalidRequest, "origin must be an http(s) origin")
		return
	}
	if !originAllowed(origin, widget.AllowedOrigins) {
		logWarn(r, "initiate from disallowed origin", "widget_id", widget.ID, "origin", origin)
		Forbidden(w, CodeOriginNotAllowed, "origin not allowed for this widget")
		return
	}

	h.startFlow(w, r, store.FlowState{
		Kind:         store.FlowWidget,
		WidgetID:     widget.ID,
		AgeThreshold: widget.AgeThreshold,
		ValidityDays: widget.ValidityDays,
		OpenerOrigin: origin,
	}, oauth.PurposeOneTime)
}

// AccountInitiate handles POST /account/initiate for logged-in platform users.
// Requires RequireAuth + CSRFMiddleware. Body is optional: {origin?}.
func (h *Handler) AccountInitiate(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	var in struct {
		Origin string `json:"origin"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
			logWarn(r, "failed to decode account initiate input", "error", err)
			BadRequest(w, CodeInvalidRequest, "error decoding request body")
			return
		}
	}

	if !h.allow(w, r, "initiate", "initiate:account:"+userID.String(), h.Cfg.InitiatePolicy) {
		return
	}

	origin, ok := h.openerOrigin(in.Origin, r)
	if !ok {
		BadRequest(w, CodeInvalidRequest, "origin must be an http(s) origin")
		return
	}

	h.startFlow(w, r, store.FlowState{
		Kind:         store.FlowAccount,
		AccountID:    userID,
		AgeThreshold: h.Cfg.AccountAgeThreshold,
		ValidityDays: h.Cfg.AccountValidityDays,
		OpenerOrigin: origin,
	}, oauth.PurposeRecurring)
}

// openerOrigin picks the explicit origin, then the request's Origin header, then this service's own origin.
func (h *Handler) openerOrigin(explicit string, r *http.Request) (string, bool) {
	for _, candidate := range []string{explicit, r.Header.Get("Origin"), h.Cfg.PublicBaseURL} {
		if candidate != "" {
			return normalizeOrigin(candidate)
		}
	}
	return "", false
}

// startFlow generates the PKCE pair and state, stores the flow, and returns the authorization URL.
// Any store failure fails the request; a flow is never started without its state on file.
func (h *Handler) startFlow(w http.ResponseWriter, r *http.Request, fs store.FlowState, purpose oauth.Purpose) {
	pair := pkce.Generate()
	state, err := pkce.NewState()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	fs.Verifier = pair.Verifier
	fs.CreatedAt = h.now().UTC()

	if err := h.FS.PutFlow(r.Context(), state, fs, h.Cfg.FlowStateTTL); err != nil {
		InternalServerError(w, r, fmt.Errorf("storing flow state: %w", err))
		return
	}

	h.Metrics.Initiated(fs.Kind)
	args := []any{"kind", fs.Kind, "state", statePrefix(state), "opener_origin", fs.OpenerOrigin}
	if fs.Kind == store.FlowWidget {
		args = append(args, "widget_id", fs.WidgetID)
	} else if fs.AccountID != uuid.Nil {
		args = append(args, "account_id", fs.AccountID)
	}
	logInfo(r, "age verification initiated", args...)

	writeJSON(w, http.StatusOK, initiateResponse{
		AuthURL: h.IdP.AuthCodeURL(state, pair.Challenge, purpose),
		State:   state,
	})
}
