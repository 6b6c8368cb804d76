// responses.go -- Package-wide JSON response helpers.
//
// Every error body has the shape {"error": "<code>", "message": "<text>"}.
// Codes are stable and machine-readable; messages are for humans.
package verify

import (
	"encoding/json"
	"net/http"
)

// Stable error codes returned to clients.
const (
	CodeInvalidRequest         = "invalid_request"
	CodeWidgetNotFound         = "widget_not_found"
	CodeVerificationNotEnabled = "verification_not_enabled"
	CodeInvalidOutcome         = "invalid_outcome"
	CodeInvalidToken           = "invalid_token"
	CodeOutcomeMismatch        = "outcome_mismatch"
	CodeCaptchaFailed          = "captcha_failed"
	CodeOriginNotAllowed       = "origin_not_allowed"
	CodeRateLimited            = "rate_limited"
	CodeSessionExpired         = "session_expired"
	CodeAccessDenied           = "access_denied"
	CodeMissingParams          = "missing_params"
	CodeMissingAttribute       = "missing_attribute"
	CodeVerificationFailed     = "verification_failed"
	CodeServerError            = "server_error"
	CodeUnauthorized           = "unauthorized"
	CodeForbidden              = "forbidden"
	CodeMethodNotAllowed       = "method_not_allowed"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error body with a stable code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// InternalServerError logs err and returns a generic 500. Never exposes internal details.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeError(w, http.StatusInternalServerError, CodeServerError, "internal server error")
}

// BadRequest returns a 400 with the given code and message.
func BadRequest(w http.ResponseWriter, code, message string) {
	writeError(w, http.StatusBadRequest, code, message)
}

// Unauthorized returns a generic 401.
func Unauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
}

// Forbidden returns a 403 with the given code.
func Forbidden(w http.ResponseWriter, code, message string) {
	writeError(w, http.StatusForbidden, code, message)
}

// NotFound returns a 404 with the given code.
func NotFound(w http.ResponseWriter, code, message string) {
	writeError(w, http.StatusNotFound, code, message)
}

// MethodNotAllowed returns a 405. Suitable as chi's MethodNotAllowed handler.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
}
