// status.go -- read endpoints for recorded verifications.
package verify

import (
	"errors"
	"net/http"
	"time"

	"github.com/MGallo-Code/agegate/internal/store"
)

type accountStatusResponse struct {
	Verified         bool       `json:"verified"`
	IsAdult          bool       `json:"isAdult"`
	ConsentValid     bool       `json:"consentValid"`
	ConsentValidTill *time.Time `json:"consentValidTill"`
	VerifiedAt       *time.Time `json:"verifiedAt"`
}

// AccountStatus handles GET /account/status for the authenticated principal.
// "Not verified" is a normal 200 with verified=false.
func (h *Handler) AccountStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	av, err := h.PS.GetAccountVerification(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotVerified) {
			writeJSON(w, http.StatusOK, accountStatusResponse{})
			return
		}
		logError(r, "failed to fetch account verification", "account_id", userID, "error", err)
		InternalServerError(w, r, err)
		return
	}

	valid := h.now().Before(av.ExpiresAt)
	writeJSON(w, http.StatusOK, accountStatusResponse{
		Verified:         true,
		IsAdult:          av.IsAdult,
		ConsentValid:     valid,
		ConsentValidTill: &av.ExpiresAt,
		VerifiedAt:       &av.VerifiedAt,
	})
}

type sessionStatusResponse struct {
	Verified  bool       `json:"verified"`
	Status    string     `json:"status,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// SessionStatus handles GET /session?widget_id&visitor_id so an embedding page can skip
// the popup for a visitor who already has an unexpired result on file.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	widgetID := r.URL.Query().Get("widget_id")
	visitorID := r.URL.Query().Get("visitor_id")
	if widgetID == "" || visitorID == "" || len(visitorID) > maxVisitorIDLen {
		BadRequest(w, CodeInvalidRequest, "widget_id and visitor_id are required")
		return
	}

	if !h.allow(w, r, "status", "status:ip:"+clientIP(r), h.Cfg.StatusPolicy) {
		return
	}

	vs, err := h.PS.GetVerificationSession(r.Context(), widgetID, visitorID)
	if err != nil {
		if errors.Is(err, store.ErrNotVerified) {
			writeJSON(w, http.StatusOK, sessionStatusResponse{})
			return
		}
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionStatusResponse{
		Verified:  true,
		Status:    vs.Status,
		Outcome:   vs.Outcome,
		ExpiresAt: &vs.ExpiresAt,
	})
}
