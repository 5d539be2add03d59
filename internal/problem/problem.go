// Package problem implements RFC 9457 Problem Details error bodies,
// the engine's one user-visible error format. Raw exception text and
// stack traces never escape past this package.
package problem

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ReasonCode is a machine-readable error tag, independent of the HTTP
// status it happens to map to.
type ReasonCode string

const (
	InvalidMoneyScale ReasonCode = "INVALID_MONEY_SCALE"
	AuthInvalid       ReasonCode = "AUTH_INVALID"
	TenantMismatch    ReasonCode = "TENANT_MISMATCH"
	BudgetDrained     ReasonCode = "BUDGET_DRAINED"
	IdempotencyConflict ReasonCode = "IDEMPOTENCY_CONFLICT"
	IdempotencyRetry  ReasonCode = "IDEMPOTENCY_RETRY"
	QueueEnqueueFailed ReasonCode = "QUEUE_ENQUEUE_FAILED"
	RateLimited       ReasonCode = "RATE_LIMITED"
	RunNotFound       ReasonCode = "RUN_NOT_FOUND"
	RunExpired        ReasonCode = "RUN_EXPIRED"
	ExecutorTimeout   ReasonCode = "EXECUTOR_TIMEOUT"
	WorkerTimeout     ReasonCode = "WORKER_TIMEOUT"
	ReservationExpired ReasonCode = "RESERVATION_EXPIRED"
	ResultUploadFailed ReasonCode = "RESULT_UPLOAD_FAILED"
	ReconcileNoResult ReasonCode = "RECONCILE_NO_RESULT"
	ActualExceedsReserved ReasonCode = "ACTUAL_EXCEEDS_RESERVED"
	ValidationFailed  ReasonCode = "VALIDATION_FAILED"
	InternalError     ReasonCode = "INTERNAL_ERROR"
)

// statusFor is the default reason-code -> HTTP status mapping. Call
// sites may still override with a specific status via WithStatus.
var statusFor = map[ReasonCode]int{
	InvalidMoneyScale:     http.StatusUnprocessableEntity,
	AuthInvalid:           http.StatusUnauthorized,
	TenantMismatch:        http.StatusNotFound,
	BudgetDrained:         http.StatusPaymentRequired,
	IdempotencyConflict:   http.StatusConflict,
	IdempotencyRetry:      http.StatusConflict,
	QueueEnqueueFailed:    http.StatusServiceUnavailable,
	RateLimited:           http.StatusTooManyRequests,
	RunNotFound:           http.StatusNotFound,
	RunExpired:            http.StatusGone,
	ValidationFailed:      http.StatusBadRequest,
	InternalError:         http.StatusInternalServerError,
}

// Details is the RFC 9457 response body, extended with the engine's
// own reason_code, trace_id, and run_id fields.
type Details struct {
	Type     string     `json:"type"`
	Title    string     `json:"title"`
	Status   int        `json:"status"`
	Detail   string     `json:"detail,omitempty"`
	Reason   ReasonCode `json:"reason_code"`
	TraceID  string     `json:"trace_id,omitempty"`
	RunID    string     `json:"run_id,omitempty"`
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// New builds a Details for reason, using the default status mapping.
func New(reason ReasonCode, detail, traceID string) *Details {
	status, ok := statusFor[reason]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Details{
		Type:    "https://consonant.dev/problems/" + string(reason),
		Title:   string(reason),
		Status:  status,
		Detail:  detail,
		Reason:  reason,
		TraceID: traceID,
	}
}

// WithRunID attaches a run id to the problem body.
func (d *Details) WithRunID(runID string) *Details {
	d.RunID = runID
	return d
}

// WithStatus overrides the default HTTP status for the reason code
// (the HTTP layer uses it for 405 Method Not Allowed).
func (d *Details) WithStatus(status int) *Details {
	d.Status = status
	return d
}

// WithRetryAfter sets the advisory retry delay (for 409/429 bodies).
func (d *Details) WithRetryAfter(seconds int) *Details {
	d.RetryAfterSeconds = seconds
	return d
}

// WriteJSON writes the problem details as
// application/problem+json, setting Retry-After when present.
func (d *Details) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	if d.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	}
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d)
}
