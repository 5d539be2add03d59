// Package submission implements the Submission Service's two public
// operations, submit and poll: auth -> validate -> reserve -> persist
// -> return receipt, with an idempotency gate in front of the
// reservation.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/consonant/runengine/internal/canonicaljson"
	"github.com/consonant/runengine/internal/idempotency"
	"github.com/consonant/runengine/internal/ids"
	"github.com/consonant/runengine/internal/ledger"
	"github.com/consonant/runengine/internal/money"
	"github.com/consonant/runengine/internal/objectstore"
	"github.com/consonant/runengine/internal/pack"
	"github.com/consonant/runengine/internal/problem"
	"github.com/consonant/runengine/internal/queue"
	"github.com/consonant/runengine/internal/ratelimit"
	"github.com/consonant/runengine/internal/runs"
)

// fingerprintExcludeFields are the insignificant fields — client
// trace hints, version strings — stripped before fingerprinting.
var fingerprintExcludeFields = []string{"trace_id", "client_version"}

// SubmitRequest is the decoded submission body.
type SubmitRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	PackType       string          `json:"pack_type"`
	Inputs         json.RawMessage `json:"inputs"`
	MaxCost        string          `json:"max_cost"`
	TimeboxSec     int             `json:"timebox_sec"`
	TraceID        string          `json:"trace_id,omitempty"`
	ClientVersion  string          `json:"client_version,omitempty"`
}

// Receipt is the submit response body. ReservedCost, UsedCost, and
// BalanceRemaining are not part of the JSON body; the handler reads
// them to populate the X-Cost-Reserved, X-Cost-Used, and
// X-Balance-Remaining response headers so headers and body are
// computed from the same values.
type Receipt struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Reserved string `json:"reserved"`

	ReservedCost     string `json:"-"`
	UsedCost         string `json:"-"`
	BalanceRemaining string `json:"-"`
}

// PollResult is the poll response body. UsedCost and BalanceRemaining
// mirror ActualCost and the tenant's current balance for the
// X-Cost-Used and X-Balance-Remaining response headers; see Receipt.
type PollResult struct {
	RunID          string `json:"run_id"`
	Status         string `json:"status"`
	PollIntervalMS int    `json:"poll_interval_ms,omitempty"`
	ResultURL      string `json:"result_url,omitempty"`
	ResultHash     string `json:"result_hash,omitempty"`
	ReservedCost   string `json:"reserved_cost"`
	ActualCost     string `json:"actual_cost,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`

	UsedCost         string `json:"-"`
	BalanceRemaining string `json:"-"`
}

// Config carries the submission service's tunables.
type Config struct {
	MinimumFeeFloor     money.Micros
	MinimumFeeCeiling   money.Micros
	MinimumFeeRate      float64
	ReservationTTL      time.Duration
	RetentionWindow     time.Duration
	PollIntervalMS      int
	PresignedURLTTL     time.Duration
	TimeboxSecMin       int
	TimeboxSecMax       int
	IdempotencyKeyMinLen int
	IdempotencyKeyMaxLen int
}

// Service implements submit and poll.
type Service struct {
	repo    *runs.Repository
	ledger  *ledger.Ledger
	gate    *idempotency.Gate
	queue   *queue.Queue
	objects *objectstore.Store
	limiter *ratelimit.Limiter
	packs   *pack.Registry
	cfg     Config
	log     zerolog.Logger
}

func NewService(repo *runs.Repository, l *ledger.Ledger, gate *idempotency.Gate, q *queue.Queue,
	objects *objectstore.Store, limiter *ratelimit.Limiter, packs *pack.Registry, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		repo: repo, ledger: l, gate: gate, queue: q, objects: objects,
		limiter: limiter, packs: packs, cfg: cfg,
		log: logger.With().Str("component", "submission").Logger(),
	}
}

// Submit validates, reserves funds, persists the run, and enqueues it
// for execution, guarded end to end by the idempotency gate.
func (s *Service) Submit(ctx context.Context, tenantID string, req SubmitRequest) (*Receipt, *problem.Details) {
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	if err := s.validate(req); err != nil {
		return nil, err
	}

	if _, err := s.packs.Lookup(req.PackType); err != nil {
		return nil, problem.New(problem.ValidationFailed, fmt.Sprintf("unknown pack_type %q", req.PackType), traceID)
	}

	maxCost, parseErr := money.ParseDecimalString(req.MaxCost)
	if parseErr != nil {
		return nil, problem.New(problem.InvalidMoneyScale, parseErr.Error(), traceID)
	}
	if maxCost <= 0 {
		return nil, problem.New(problem.InvalidMoneyScale, "max_cost must be greater than zero", traceID)
	}

	// Step 1: canonical-JSON fingerprint, excluding trace/version fields.
	payload := map[string]any{
		"pack_type":       req.PackType,
		"inputs":          json.RawMessage(req.Inputs),
		"max_cost":        req.MaxCost,
		"timebox_sec":     req.TimeboxSec,
		"trace_id":        req.TraceID,
		"client_version":  req.ClientVersion,
	}
	fingerprint, err := canonicaljson.Fingerprint(payload, fingerprintExcludeFields...)
	if err != nil {
		return nil, problem.New(problem.InternalError, "failed to compute request fingerprint", traceID)
	}

	// Step 2: SETNX the idempotency lock.
	lockToken := uuid.NewString()
	decision, mapping, err := s.gate.Acquire(ctx, tenantID, req.IdempotencyKey, fingerprint, lockToken)
	if err != nil {
		return nil, problem.New(problem.InternalError, "idempotency gate unavailable", traceID)
	}

	if decision != idempotency.DecisionProceed {
		return s.resolveIdempotencyDecision(ctx, decision, mapping, tenantID, traceID)
	}
	defer s.gate.Release(ctx, tenantID, req.IdempotencyKey, lockToken)

	// Step 3: re-check under the lock.
	decision, mapping, err = s.gate.Recheck(ctx, tenantID, req.IdempotencyKey, fingerprint)
	if err != nil {
		return nil, problem.New(problem.InternalError, "idempotency gate unavailable", traceID)
	}
	if decision != idempotency.DecisionProceed {
		return s.resolveIdempotencyDecision(ctx, decision, mapping, tenantID, traceID)
	}

	// Step 4: Reserve on the ledger.
	runID := ids.NewRunID()
	_, err = s.ledger.Reserve(ctx, tenantID, runID, maxCost)
	if err != nil {
		switch {
		case isInsufficientBalance(err):
			return nil, problem.New(problem.BudgetDrained, "tenant balance insufficient for requested max_cost", traceID)
		case isAlreadyReserved(err):
			s.log.Error().Str("run_id", runID).Msg("fresh run_id already has a reservation: id generation bug")
			return nil, problem.New(problem.InternalError, "reservation collision on a fresh run id", traceID)
		default:
			return nil, problem.New(problem.InternalError, "ledger unavailable", traceID)
		}
	}

	// Step 5: insert the run row.
	now := time.Now().UTC()
	minFee := money.MinimumFee(maxCost, s.cfg.MinimumFeeRate, s.cfg.MinimumFeeFloor, s.cfg.MinimumFeeCeiling)
	run := &runs.Run{
		RunID:              runID,
		TenantID:           tenantID,
		PackType:           req.PackType,
		IdempotencyKey:     req.IdempotencyKey,
		PayloadFingerprint: fingerprint,
		Inputs:             req.Inputs,
		TimeboxSec:         req.TimeboxSec,
		ReservedAmount:     maxCost,
		MinimumFeeAmount:   minFee,
		RetentionUntil:     now.Add(s.cfg.RetentionWindow),
		TraceID:            traceID,
	}
	if err := s.repo.Insert(ctx, run); err != nil {
		s.ledger.RefundFull(ctx, tenantID, runID)
		return nil, problem.New(problem.InternalError, "failed to persist run", traceID)
	}

	// Step 6: write the idempotency mapping.
	if err := s.gate.WriteMapping(ctx, tenantID, req.IdempotencyKey,
		idempotency.Mapping{RunID: runID, PayloadFingerprint: fingerprint}, s.cfg.RetentionWindow); err != nil {
		s.log.Warn().Err(err).Str("run_id", runID).Msg("failed to write idempotency mapping; retries will re-reserve")
	}

	// Step 7: enqueue.
	if err := s.queue.Enqueue(ctx, runID); err != nil {
		s.ledger.RefundFull(ctx, tenantID, runID)
		ok, markErr := s.repo.MarkEnqueueFailed(ctx, runID, run.Version, string(problem.QueueEnqueueFailed))
		if markErr != nil || !ok {
			s.log.Error().Err(markErr).Str("run_id", runID).Msg("failed to mark run FAILED after enqueue failure")
		}
		return nil, problem.New(problem.QueueEnqueueFailed, "failed to enqueue run for processing", traceID).WithRunID(runID)
	}

	remaining := s.remainingBalanceString(ctx, tenantID)
	return &Receipt{
		RunID: runID, Status: string(runs.StatusQueued), Reserved: maxCost.String(),
		ReservedCost: maxCost.String(), UsedCost: money.Micros(0).String(), BalanceRemaining: remaining,
	}, nil
}

func (s *Service) resolveIdempotencyDecision(ctx context.Context, decision idempotency.Decision, mapping *idempotency.Mapping, tenantID, traceID string) (*Receipt, *problem.Details) {
	switch decision {
	case idempotency.DecisionReplay:
		run, err := s.repo.GetByID(ctx, tenantID, mapping.RunID)
		if err != nil {
			return nil, problem.New(problem.InternalError, "failed to load replayed run", traceID)
		}
		used := money.Micros(0)
		if run.ActualAmount != nil {
			used = *run.ActualAmount
		}
		remaining := s.remainingBalanceString(ctx, tenantID)
		return &Receipt{
			RunID: run.RunID, Status: string(run.Status), Reserved: run.ReservedAmount.String(),
			ReservedCost: run.ReservedAmount.String(), UsedCost: used.String(), BalanceRemaining: remaining,
		}, nil
	case idempotency.DecisionConflict:
		return nil, problem.New(problem.IdempotencyConflict, "idempotency key reused with a different request body", traceID)
	default: // DecisionRetryAdvisory
		return nil, problem.New(problem.IdempotencyRetry, "another submission with this idempotency key is in flight", traceID).WithRetryAfter(1)
	}
}

func (s *Service) validate(req SubmitRequest) *problem.Details {
	if req.IdempotencyKey == "" {
		return problem.New(problem.ValidationFailed, "idempotency_key is required", req.TraceID)
	}
	n := len(req.IdempotencyKey)
	if n < s.cfg.IdempotencyKeyMinLen || n > s.cfg.IdempotencyKeyMaxLen {
		return problem.New(problem.ValidationFailed,
			fmt.Sprintf("idempotency_key must be %d-%d characters", s.cfg.IdempotencyKeyMinLen, s.cfg.IdempotencyKeyMaxLen), req.TraceID)
	}
	if req.TimeboxSec < s.cfg.TimeboxSecMin || req.TimeboxSec > s.cfg.TimeboxSecMax {
		return problem.New(problem.ValidationFailed,
			fmt.Sprintf("timebox_sec must be between %d and %d", s.cfg.TimeboxSecMin, s.cfg.TimeboxSecMax), req.TraceID)
	}
	if req.PackType == "" {
		return problem.New(problem.ValidationFailed, "pack_type is required", req.TraceID)
	}
	return nil
}

// Poll reports a run's current status, rate-limited per tenant.
func (s *Service) Poll(ctx context.Context, tenantID, runID, traceID string) (*PollResult, *problem.Details) {
	allowed, retryAfter, err := s.limiter.Allow(ctx, tenantID)
	if err != nil {
		s.log.Warn().Err(err).Msg("rate limiter unavailable, failing open")
	} else if !allowed {
		return nil, problem.New(problem.RateLimited, "poll rate limit exceeded", traceID).WithRetryAfter(retryAfter)
	}

	run, err := s.repo.GetByID(ctx, tenantID, runID)
	if err != nil {
		return nil, problem.New(problem.RunNotFound, "run not found", traceID)
	}

	if time.Now().UTC().After(run.RetentionUntil) {
		return nil, problem.New(problem.RunExpired, "run result has expired past its retention window", traceID).WithRunID(runID)
	}

	result := &PollResult{
		RunID:        run.RunID,
		Status:       string(run.Status),
		ReservedCost: run.ReservedAmount.String(),
	}

	switch run.Status {
	case runs.StatusQueued, runs.StatusProcessing:
		result.PollIntervalMS = s.cfg.PollIntervalMS
	case runs.StatusCompleted:
		if run.ResultBucket == nil || run.ResultKey == nil {
			return nil, problem.New(problem.InternalError, "completed run missing result pointer", traceID).WithRunID(runID)
		}
		url, err := s.objects.PresignGet(ctx, *run.ResultKey, s.cfg.PresignedURLTTL)
		if err != nil {
			return nil, problem.New(problem.InternalError, "failed to presign result url", traceID).WithRunID(runID)
		}
		result.ResultURL = url
		if run.ResultHash != nil {
			result.ResultHash = *run.ResultHash
		}
		if run.ActualAmount != nil {
			result.ActualCost = run.ActualAmount.String()
		}
	case runs.StatusFailed:
		if run.LastErrorReason != nil {
			result.FailureReason = *run.LastErrorReason
		}
		if run.ActualAmount != nil {
			result.ActualCost = run.ActualAmount.String()
		}
	case runs.StatusExpired:
		return nil, problem.New(problem.RunExpired, "run result has expired", traceID).WithRunID(runID)
	}

	used := money.Micros(0)
	if run.ActualAmount != nil {
		used = *run.ActualAmount
	}
	result.UsedCost = used.String()
	result.BalanceRemaining = s.remainingBalanceString(ctx, tenantID)

	return result, nil
}

// remainingBalanceString reads the tenant's current available balance
// for the X-Balance-Remaining header. A ledger read failure is logged
// and reported as "0.0000" rather than failing the request outright;
// the header is best-effort, the response body is authoritative.
func (s *Service) remainingBalanceString(ctx context.Context, tenantID string) string {
	balance, err := s.ledger.GetBalance(ctx, tenantID)
	if err != nil {
		s.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to read balance for response header")
		return money.Micros(0).String()
	}
	return balance.String()
}

func isInsufficientBalance(err error) bool { return errors.Is(err, ledger.ErrInsufficientBalance) }
func isAlreadyReserved(err error) bool      { return errors.Is(err, ledger.ErrAlreadyReserved) }
