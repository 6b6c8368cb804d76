// complete.go -- POST /v1/age-verification/complete, the Completion Recorder.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/agegate/internal/agecheck"
	"github.com/MGallo-Code/agegate/internal/store"
	"github.com/MGallo-Code/agegate/internal/vtoken"
)

// maxVisitorIDLen bounds client-chosen visitor ids.
const maxVisitorIDLen = 255

type completeResponse struct {
	Success   bool      `json:"success"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Complete handles POST /complete, called by the opener after it receives the popup's message.
// Body: {widgetId, visitorId, verificationOutcome, verifiedAge?, token?}.
// Upserts one verification session per (widget, visitor); a repeat completion overwrites.
// Returns 200 {success, expiresAt}; 400/403/404 with a stable code; 429 when rate limited.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	var in struct {
		WidgetID            string `json:"widgetId"`
		VisitorID           string `json:"visitorId"`
		VerificationOutcome string `json:"verificationOutcome"`
		VerifiedAge         *int   `json:"verifiedAge"`
		Token               string `json:"token"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		logWarn(r, "failed to decode complete input", "error", err)
		BadRequest(w, CodeInvalidRequest, "error decoding request body")
		return
	}

	if !h.allow(w, r, "complete", "complete:ip:"+clientIP(r), h.Cfg.CompletePolicy) {
		return
	}

	if in.WidgetID == "" || in.VisitorID == "" {
		BadRequest(w, CodeInvalidRequest, "widgetId and visitorId are required")
		return
	}
	if len(in.VisitorID) > maxVisitorIDLen {
		BadRequest(w, CodeInvalidRequest, "visitorId is too long")
		return
	}
	category, ok := agecheck.ParseCategory(in.VerificationOutcome)
	if !ok {
		BadRequest(w, CodeInvalidOutcome, "verificationOutcome must be verified_adult, blocked_minor or limited_access")
		return
	}
	if in.VerifiedAge != nil && (*in.VerifiedAge < 0 || *in.VerifiedAge > 150) {
		BadRequest(w, CodeInvalidRequest, "verifiedAge out of range")
		return
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

	var digest *string
	if in.Token != "" {
		assertion, err := h.Signer.Verify(in.Token)
		if err != nil {
			logInfo(r, "complete with invalid token", "widget_id", in.WidgetID, "error", err)
			BadRequest(w, CodeInvalidToken, "verification token is invalid or expired")
			return
		}
		if assertion.WidgetID != widget.ID {
			logWarn(r, "complete with token for another widget", "widget_id", widget.ID)
			BadRequest(w, CodeInvalidToken, "verification token is invalid or expired")
			return
		}
		if !outcomeMatches(category, assertion) {
			logWarn(r, "complete outcome contradicts token", "widget_id", widget.ID, "outcome", category)
			BadRequest(w, CodeOutcomeMismatch, "verificationOutcome does not match the verification token")
			return
		}
		// Adulthood is only proven at the threshold the token was signed for.
		if category.RequiresAdult() && assertion.AgeThreshold < widget.AgeThreshold {
			logWarn(r, "complete with token below widget threshold", "widget_id", widget.ID,
				"token_threshold", assertion.AgeThreshold, "widget_threshold", widget.AgeThreshold)
			BadRequest(w, CodeOutcomeMismatch, "verification token does not cover the widget's age threshold")
			return
		}
		sum := sha256.Sum256([]byte(in.Token))
		d := hex.EncodeToString(sum[:])
		digest = &d
	} else if category.RequiresAdult() && h.Cfg.RequireCompletionToken {
		BadRequest(w, CodeInvalidToken, "verified_adult requires a verification token")
		return
	}

	if category.RequiresAdult() && in.VerifiedAge != nil && *in.VerifiedAge < widget.AgeThreshold {
		BadRequest(w, CodeOutcomeMismatch, "verifiedAge is below the widget's age threshold")
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	now := h.now().UTC()
	vs := store.VerificationSession{
		ID:          id,
		WidgetID:    widget.ID,
		VisitorID:   in.VisitorID,
		Status:      category.Status(),
		Outcome:     string(category),
		VerifiedAge: in.VerifiedAge,
		TokenDigest: digest,
		VerifiedAt:  now,
		ExpiresAt:   now.AddDate(0, 0, widget.ValidityDays),
	}
	if err := h.PS.UpsertVerificationSession(r.Context(), vs); err != nil {
		if errors.Is(err, store.ErrTokenReused) {
			logWarn(r, "verification token reused for another visitor", "widget_id", widget.ID)
			BadRequest(w, CodeInvalidToken, "verification token has already been used")
			return
		}
		if errors.Is(err, store.ErrInvalidVerification) {
			logWarn(r, "verification session rejected by database", "widget_id", widget.ID, "error", err)
			BadRequest(w, CodeInvalidRequest, "verification could not be recorded")
			return
		}
		logError(r, "failed to record verification session", "widget_id", widget.ID, "error", err)
		InternalServerError(w, r, err)
		return
	}

	h.Metrics.Completed(string(category))
	logInfo(r, "verification session recorded", "widget_id", widget.ID, "outcome", category, "has_token", digest != nil)
	writeJSON(w, http.StatusOK, completeResponse{Success: true, ExpiresAt: vs.ExpiresAt})
}

// outcomeMatches reports whether category agrees with the signed result.
// limited_access is a site policy choice and is accepted with either result.
func outcomeMatches(category agecheck.Category, a *vtoken.Assertion) bool {
	switch category {
	case agecheck.CategoryVerifiedAdult:
		return a.IsAdult
	case agecheck.CategoryBlockedMinor:
		return !a.IsAdult
	default:
		return true
	}
}
