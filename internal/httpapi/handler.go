// Package httpapi provides the HTTP/JSON REST API for the run engine.
//
// Endpoints:
//
//	POST /v1/runs            - submit a run
//	GET  /v1/runs/:run_id    - poll a run's status
//	GET  /health             - liveness check
//	GET  /ready              - readiness check
//	GET  /metrics            - Prometheus metrics
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/consonant/runengine/internal/auth"
	"github.com/consonant/runengine/internal/problem"
	"github.com/consonant/runengine/internal/submission"
)

// Handler provides the engine's REST API endpoints.
type Handler struct {
	service *submission.Service
	authn   *auth.Authenticator
	log     zerolog.Logger
}

// NewHandler creates a new REST API handler.
func NewHandler(service *submission.Service, authn *auth.Authenticator, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		authn:   authn,
		log:     logger.With().Str("component", "httpapi").Logger(),
	}
}

// RegisterRoutes registers all REST API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/runs", h.handleSubmit)
	mux.HandleFunc("/v1/runs/", h.handlePoll)

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

// handleSubmit handles POST /v1/runs
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		problem.New(problem.ValidationFailed, "method not allowed", "").WithStatus(http.StatusMethodNotAllowed).WriteJSON(w)
		return
	}

	tenantID, authErr := h.resolveTenant(r)
	if authErr != nil {
		authErr.WriteJSON(w)
		return
	}

	var req submission.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.New(problem.ValidationFailed, "malformed JSON body: "+err.Error(), "").WriteJSON(w)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	receipt, err := h.service.Submit(r.Context(), tenantID, req)
	if err != nil {
		err.WriteJSON(w)
		return
	}
	setCostHeaders(w, receipt.ReservedCost, receipt.UsedCost, receipt.BalanceRemaining)
	writeJSON(w, http.StatusAccepted, receipt)
}

// handlePoll handles GET /v1/runs/:run_id
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		problem.New(problem.ValidationFailed, "method not allowed", "").WithStatus(http.StatusMethodNotAllowed).WriteJSON(w)
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		problem.New(problem.ValidationFailed, "invalid run_id", "").WriteJSON(w)
		return
	}

	tenantID, authErr := h.resolveTenant(r)
	if authErr != nil {
		authErr.WriteJSON(w)
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = uuid.NewString()
	}

	result, err := h.service.Poll(r.Context(), tenantID, runID, traceID)
	if err != nil {
		err.WriteJSON(w)
		return
	}
	setCostHeaders(w, result.ReservedCost, result.UsedCost, result.BalanceRemaining)
	writeJSON(w, http.StatusOK, result)
}

// setCostHeaders sets the three cost headers required on every run
// response: reserved, used, and the tenant's remaining balance, each a
// 4-decimal display string matching the figures in the response body.
func setCostHeaders(w http.ResponseWriter, reserved, used, balanceRemaining string) {
	w.Header().Set("X-Cost-Reserved", reserved)
	w.Header().Set("X-Cost-Used", used)
	w.Header().Set("X-Balance-Remaining", balanceRemaining)
}

func (h *Handler) resolveTenant(r *http.Request) (string, *problem.Details) {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	tenantID, err := h.authn.ResolveTenant(r.Context(), bearer)
	if err != nil {
		if err == auth.ErrInvalidToken {
			return "", problem.New(problem.AuthInvalid, "invalid or missing bearer token", "")
		}
		h.log.Error().Err(err).Msg("auth lookup failed")
		return "", problem.New(problem.InternalError, "authentication unavailable", "")
	}
	return tenantID, nil
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady handles GET /ready
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
