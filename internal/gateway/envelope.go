package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/taskrelay/internal/router"
	"github.com/basket/taskrelay/internal/shared"
)

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, envelope{Error: &errorBody{Code: code, Message: message, Details: details}})
}

// writeError maps err onto an HTTP status and the error envelope. Rate
// limit rejections also carry Retry-After and X-RateLimit-* headers.
func writeError(w http.ResponseWriter, err error) {
	code := router.Code(err)
	status := httpStatus(code)
	details := errorDetails(err)

	if code == shared.CodeRateLimited {
		setRateLimitHeaders(w, details)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeFailure(w, status, code, shared.Redact(msg), details)
}

func httpStatus(code string) int {
	switch code {
	case "VALIDATION_ERROR", shared.CodeIllegalTransition:
		return http.StatusBadRequest
	case "NOT_FOUND":
		return http.StatusNotFound
	case "ORIGIN_REJECTED":
		return http.StatusForbidden
	case shared.CodeRateLimited:
		return http.StatusTooManyRequests
	case shared.CodeNotConfigured:
		return http.StatusServiceUnavailable
	case CodeAuthMissing, CodeAuthInvalid:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func errorDetails(err error) map[string]any {
	var vErr *shared.ValidationError
	if errors.As(err, &vErr) {
		return vErr.Details
	}
	var nf *shared.NotFoundError
	if errors.As(err, &nf) {
		return map[string]any{"resource": nf.Resource, "id": nf.ID}
	}
	var opErr *shared.OperationError
	if errors.As(err, &opErr) {
		return opErr.Details
	}
	return nil
}

func setRateLimitHeaders(w http.ResponseWriter, details map[string]any) {
	h := w.Header()
	if v, ok := details["limit"].(int); ok {
		h.Set("X-RateLimit-Limit", strconv.Itoa(v))
	}
	if v, ok := details["remaining"].(int); ok {
		h.Set("X-RateLimit-Remaining", strconv.Itoa(v))
	}
	if v, ok := details["resetAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			h.Set("X-RateLimit-Reset", strconv.FormatInt(t.Unix(), 10))
		}
	}
	retry := int64(1)
	if ms, ok := details["retryAfterMs"].(int64); ok && ms > 0 {
		retry = (ms + 999) / 1000
	}
	h.Set("Retry-After", strconv.FormatInt(retry, 10))
}
