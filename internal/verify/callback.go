// callback.go -- GET /v1/age-verification/callback, the provider's redirect target.
//
// Runs inside the popup. Every path ends in exactly one posted message:
// success with the signed token, or error with a stable code.
package verify

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MGallo-Code/agegate/internal/agecheck"
	"github.com/MGallo-Code/agegate/internal/oauth"
	"github.com/MGallo-Code/agegate/internal/store"
	"github.com/MGallo-Code/agegate/internal/vtoken"
)

var tracer = otel.Tracer("github.com/MGallo-Code/agegate/internal/verify")

// errorDescriptions are the human-readable texts shown in the popup and posted to the opener.
// Provider internals never reach the browser.
var errorDescriptions = map[string]string{
	CodeMissingParams:      "The verification response was incomplete. Please start again.",
	CodeSessionExpired:     "This verification session has expired. Please start again.",
	CodeAccessDenied:       "Verification was cancelled.",
	CodeMissingAttribute:   "The identity provider did not share a date of birth.",
	CodeVerificationFailed: "Verification failed. Please try again.",
	CodeServerError:        "Something went wrong. Please try again.",
}

func errorMessage(code string) resultMessage {
	return resultMessage{Status: statusError, Error: code, Message: errorDescriptions[code]}
}

// Callback handles the provider redirect: ?code&state on success, ?error&error_description
// (plus state) on refusal. Always answers 200 with the delivery page.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "verify.Callback")
	defer span.End()
	r = r.WithContext(ctx)

	msg, target := h.callback(r)

	result := "delivered"
	if msg.Status == statusError {
		result = msg.Error
		span.SetStatus(codes.Error, result)
	}
	span.SetAttributes(attribute.String("verify.result", result))
	h.Metrics.Callback(result)
	h.renderResult(w, r, msg, target)
}

// callback walks the flow and returns the message to post and the window origin to post it to.
// Before the flow state is consumed the opener is unknown, so those error messages, which carry
// nothing but a code, go to any origin.
func (h *Handler) callback(r *http.Request) (resultMessage, string) {
	ctx := r.Context()
	q := r.URL.Query()
	state := q.Get("state")

	if providerErr := q.Get("error"); providerErr != "" {
		err := oauth.CallbackError(providerErr, q.Get("error_description"))
		target := "*"
		// Burn the state so it cannot be replayed with a code later.
		if state != "" {
			if fs, takeErr := h.FS.TakeFlow(ctx, state); takeErr == nil {
				target = fs.OpenerOrigin
			}
		}
		if errors.Is(err, oauth.ErrProviderDenied) {
			logInfo(r, "provider authorization denied", "state", statePrefix(state))
			return errorMessage(CodeAccessDenied), target
		}
		logWarn(r, "provider returned error", "state", statePrefix(state), "error", err)
		return errorMessage(CodeVerificationFailed), target
	}

	code := q.Get("code")
	if code == "" || state == "" {
		logInfo(r, "callback missing code or state")
		return errorMessage(CodeMissingParams), "*"
	}

	fs, err := h.FS.TakeFlow(ctx, state)
	if err != nil {
		if errors.Is(err, store.ErrFlowNotFound) {
			logInfo(r, "callback with unknown, expired or replayed state", "state", statePrefix(state))
			return errorMessage(CodeSessionExpired), "*"
		}
		logError(r, "failed to take flow state", "state", statePrefix(state), "error", err)
		return errorMessage(CodeServerError), "*"
	}
	target := fs.OpenerOrigin

	started := time.Now()
	attrs, err := h.IdP.Exchange(ctx, code, fs.Verifier)
	elapsed := time.Since(started)
	h.Metrics.ObserveExchange(elapsed.Seconds())
	logDebug(r, "code exchange finished", "idp", h.IdP.Name(), "kind", fs.Kind, "duration", elapsed, "ok", err == nil)
	if err != nil {
		if errors.Is(err, oauth.ErrMissingAttribute) {
			logWarn(r, "provider response missing date of birth", "idp", h.IdP.Name(), "kind", fs.Kind)
			return errorMessage(CodeMissingAttribute), target
		}
		logWarn(r, "code exchange failed", "idp", h.IdP.Name(), "kind", fs.Kind, "error", err)
		return errorMessage(CodeVerificationFailed), target
	}

	outcome, err := agecheck.Evaluate(attrs.BirthDate, fs.AgeThreshold, h.now().UTC())
	if err != nil {
		logWarn(r, "provider returned unusable date of birth", "idp", h.IdP.Name(), "error", err)
		return errorMessage(CodeVerificationFailed), target
	}

	subject := fs.WidgetID
	if fs.Kind == store.FlowAccount {
		subject = vtoken.AccountSubject
	}
	token, assertion, err := h.Signer.Sign(outcome, subject, fs.ValidityDays)
	if err != nil {
		logError(r, "failed to sign verification token", "error", err)
		return errorMessage(CodeServerError), target
	}

	if fs.Kind == store.FlowAccount {
		if err := h.recordAccount(ctx, fs, outcome, assertion); err != nil {
			logError(r, "failed to record account verification", "account_id", fs.AccountID, "error", err)
			return errorMessage(CodeServerError), target
		}
	}

	logInfo(r, "age verification delivered",
		"kind", fs.Kind, "widget_id", fs.WidgetID, "is_adult", outcome.IsAdult, "age_threshold", outcome.AgeThreshold)

	isAdult := outcome.IsAdult
	age := outcome.SubjectAge
	expiresAt := assertion.ExpiresAt
	return resultMessage{
		Status:       statusSuccess,
		Kind:         fs.Kind,
		WidgetID:     fs.WidgetID,
		IsAdult:      &isAdult,
		AgeThreshold: outcome.AgeThreshold,
		VerifiedAge:  &age,
		Token:        token,
		ExpiresAt:    &expiresAt,
	}, target
}

// recordAccount stores the result for a logged-in account. Account flows have no
// Complete step, so this is their only durable record.
func (h *Handler) recordAccount(ctx context.Context, fs *store.FlowState, outcome agecheck.Outcome, a vtoken.Assertion) error {
	return h.PS.UpsertAccountVerification(ctx, store.AccountVerification{
		AccountID:    fs.AccountID,
		IsAdult:      outcome.IsAdult,
		AgeThreshold: outcome.AgeThreshold,
		VerifiedAt:   a.IssuedAt,
		ExpiresAt:    a.ExpiresAt,
	})
}
