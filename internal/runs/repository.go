package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/consonant/runengine/internal/money"
)

// ErrNotFound is returned when a row doesn't exist at all (as opposed
// to a CAS predicate simply not matching, which repository methods
// report via a bool rather than an error — affected-rows=0 is the
// signal for a lost race, not a failure).
var ErrNotFound = errors.New("runs: not found")

// Repository is the sole writer of authoritative run state. Every
// mutating method here is a single short CAS transaction: it never
// holds a lock across a ledger or object-store call.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewRepository(db *sql.DB, logger zerolog.Logger) *Repository {
	return &Repository{db: db, log: logger.With().Str("component", "runs_repository").Logger()}
}

// withRetry retries transient errors a bounded number of times with
// exponential backoff.
func withRetry(ctx context.Context, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(fn, b)
}

// Insert creates a fresh run row: status=QUEUED, money_state=RESERVED,
// version=0, finalize_stage=NULL.
func (r *Repository) Insert(ctx context.Context, run *Run) error {
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO runs (
				run_id, tenant_id, pack_type, status, money_state,
				idempotency_key, payload_fingerprint, inputs, timebox_sec, version,
				reserved_amount, minimum_fee_amount,
				retention_until, trace_id, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$11,$12,$13,NOW(),NOW())
		`, run.RunID, run.TenantID, run.PackType, StatusQueued, MoneyReserved,
			run.IdempotencyKey, run.PayloadFingerprint, []byte(run.Inputs), run.TimeboxSec,
			int64(run.ReservedAmount), int64(run.MinimumFeeAmount),
			run.RetentionUntil, run.TraceID)
		return err
	})
}

// GetByID reads a run by id, scoped by tenant under a stealth-404
// policy: callers pass the authenticated tenant and get ErrNotFound
// for both "doesn't exist" and "belongs to someone else."
func (r *Repository) GetByID(ctx context.Context, tenantID, runID string) (*Run, error) {
	run, err := r.getByIDNoScope(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return run, nil
}

// GetByIDUnscoped reads a run without a tenant check. Used only by
// workers and background sweepers, which act on a run_id pulled off
// the queue or a DB scan rather than an authenticated request.
func (r *Repository) GetByIDUnscoped(ctx context.Context, runID string) (*Run, error) {
	return r.getByIDNoScope(ctx, runID)
}

func (r *Repository) getByIDNoScope(ctx context.Context, runID string) (*Run, error) {
	var run Run
	err := withRetry(ctx, func() error {
		row := r.db.QueryRowContext(ctx, `
			SELECT run_id, tenant_id, pack_type, status, money_state,
			       idempotency_key, payload_fingerprint, inputs, timebox_sec, version,
			       reserved_amount, actual_amount, minimum_fee_amount,
			       result_bucket, result_key, result_hash,
			       retention_until, lease_token, lease_expires_at,
			       finalize_stage, finalize_token, finalize_claimed_at,
			       last_error_reason, trace_id, created_at, updated_at
			FROM runs WHERE run_id = $1
		`, runID)
		return scanRun(row, &run)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner, run *Run) error {
	var reserved, minFee int64
	var actual sql.NullInt64
	var resultBucket, resultKey, resultHash sql.NullString
	var leaseToken, finalizeToken, lastError sql.NullString
	var leaseExpires, finalizeClaimedAt sql.NullTime
	var finalizeStage sql.NullString
	var inputs []byte

	if err := row.Scan(
		&run.RunID, &run.TenantID, &run.PackType, &run.Status, &run.MoneyState,
		&run.IdempotencyKey, &run.PayloadFingerprint, &inputs, &run.TimeboxSec, &run.Version,
		&reserved, &actual, &minFee,
		&resultBucket, &resultKey, &resultHash,
		&run.RetentionUntil, &leaseToken, &leaseExpires,
		&finalizeStage, &finalizeToken, &finalizeClaimedAt,
		&lastError, &run.TraceID, &run.CreatedAt, &run.UpdatedAt,
	); err != nil {
		return err
	}

	run.Inputs = json.RawMessage(inputs)
	run.ReservedAmount = money.Micros(reserved)
	run.MinimumFeeAmount = money.Micros(minFee)
	if actual.Valid {
		v := money.Micros(actual.Int64)
		run.ActualAmount = &v
	}
	if resultBucket.Valid {
		run.ResultBucket = &resultBucket.String
	}
	if resultKey.Valid {
		run.ResultKey = &resultKey.String
	}
	if resultHash.Valid {
		run.ResultHash = &resultHash.String
	}
	if leaseToken.Valid {
		run.LeaseToken = &leaseToken.String
	}
	if leaseExpires.Valid {
		run.LeaseExpiresAt = &leaseExpires.Time
	}
	run.FinalizeStage = FinalizeStage(finalizeStage.String)
	if finalizeToken.Valid {
		run.FinalizeToken = &finalizeToken.String
	}
	if finalizeClaimedAt.Valid {
		run.FinalizeClaimedAt = &finalizeClaimedAt.Time
	}
	if lastError.Valid {
		run.LastErrorReason = &lastError.String
	}
	return nil
}

// casResult runs an UPDATE and reports whether exactly one row
// matched. Zero rows is not an error — it's the CAS-loss signal: the
// loser observes 0 rows and exits side-effect free.
func casResult(ctx context.Context, db *sql.DB, query string, args ...any) (bool, error) {
	var affected int64
	err := withRetry(ctx, func() error {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		affected = n
		return nil
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ClaimDequeue performs the QUEUED -> PROCESSING transition (worker
// step 2). Returns false if the run is no longer QUEUED at the
// expected version (lost the race to a duplicate delivery or a
// sweeper).
func (r *Repository) ClaimDequeue(ctx context.Context, runID string, expectVersion int64, leaseToken string, leaseTTL time.Duration) (bool, error) {
	return casResult(ctx, r.db, `
		UPDATE runs SET
			status = $1,
			lease_token = $2,
			lease_expires_at = NOW() + $3 * INTERVAL '1 second',
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $4 AND version = $5 AND status = $6
	`, StatusProcessing, leaseToken, int(leaseTTL.Seconds()), runID, expectVersion, StatusQueued)
}

// ExtendLease is the worker heartbeat's DB-side renewal: bump
// lease_expires_at under a version-CAS. A mismatch (0 rows) means a
// reaper has already advanced the version by claiming, and the
// executor must abort.
func (r *Repository) ExtendLease(ctx context.Context, runID string, expectVersion int64, leaseToken string, leaseTTL time.Duration) (bool, error) {
	return casResult(ctx, r.db, `
		UPDATE runs SET
			lease_expires_at = NOW() + $1 * INTERVAL '1 second',
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $2 AND version = $3 AND status = $4 AND lease_token = $5
	`, int(leaseTTL.Seconds()), runID, expectVersion, StatusProcessing, leaseToken)
}

// ClaimFinalizeByWorker is Phase A for the success path: only succeeds
// if the run is still PROCESSING, still held by this worker's lease,
// and nobody else has claimed finalize yet.
func (r *Repository) ClaimFinalizeByWorker(ctx context.Context, runID string, expectVersion int64, leaseToken, finalizeToken string) (bool, error) {
	return casResult(ctx, r.db, `
		UPDATE runs SET
			finalize_stage = $1,
			finalize_token = $2,
			finalize_claimed_at = NOW(),
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $3 AND version = $4 AND status = $5
		  AND lease_token = $6 AND finalize_stage IS NULL
	`, FinalizeClaimed, finalizeToken, runID, expectVersion, StatusProcessing, leaseToken)
}

// ClaimFinalizeByReaper is Phase A for the zombie-reaper path:
// succeeds only if the lease has actually expired and nobody (worker
// or another reaper) has claimed finalize yet.
func (r *Repository) ClaimFinalizeByReaper(ctx context.Context, runID string, expectVersion int64, finalizeToken string) (bool, error) {
	return casResult(ctx, r.db, `
		UPDATE runs SET
			finalize_stage = $1,
			finalize_token = $2,
			finalize_claimed_at = NOW(),
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $3 AND version = $4 AND status = $5
		  AND lease_expires_at < NOW() AND finalize_stage IS NULL
	`, FinalizeClaimed, finalizeToken, runID, expectVersion, StatusProcessing)
}

// ClaimFinalizeForReservationSweep is Phase A for the reservation
// sweeper: the run never left QUEUED, so there is no lease to check —
// only the version and the still-QUEUED status.
func (r *Repository) ClaimFinalizeForReservationSweep(ctx context.Context, runID string, expectVersion int64, finalizeToken string) (bool, error) {
	return casResult(ctx, r.db, `
		UPDATE runs SET
			finalize_stage = $1,
			finalize_token = $2,
			finalize_claimed_at = NOW(),
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $3 AND version = $4 AND status = $5 AND finalize_stage IS NULL
	`, FinalizeClaimed, finalizeToken, runID, expectVersion, StatusQueued)
}

// CommitCompleted is Phase C for the worker success path.
func (r *Repository) CommitCompleted(ctx context.Context, runID string, expectVersion int64, finalizeToken string, actual money.Micros, bucket, key, hash string) (bool, error) {
	return casResult(ctx, r.db, `
		UPDATE runs SET
			status = $1, money_state = $2,
			actual_amount = $3,
			result_bucket = $4, result_key = $5, result_hash = $6,
			finalize_stage = $7,
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $8 AND version = $9
		  AND finalize_stage = $10 AND finalize_token = $11
	`, StatusCompleted, MoneySettled, int64(actual), bucket, key, hash, FinalizeCommitted,
		runID, expectVersion, FinalizeClaimed, finalizeToken)
}

// CommitFailed is Phase C for every FAILED-terminal path: reaper
// timeout, worker upload failure, reservation sweeper, and the
// reconciler's no-result case. All of them share the same shape:
// settle already happened (or never needed to), set status=FAILED,
// money_state=SETTLED or REFUNDED, record the reason.
func (r *Repository) CommitFailed(ctx context.Context, runID string, expectVersion int64, finalizeToken string, moneyState MoneyState, actual money.Micros, reason string) (bool, error) {
	return casResult(ctx, r.db, `
		UPDATE runs SET
			status = $1, money_state = $2,
			actual_amount = $3,
			last_error_reason = $4,
			finalize_stage = $5,
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $6 AND version = $7
		  AND finalize_stage = $8 AND finalize_token = $9
	`, StatusFailed, moneyState, int64(actual), reason, FinalizeCommitted,
		runID, expectVersion, FinalizeClaimed, finalizeToken)
}

// CommitDisputed is the reconciler's impossible-condition path: the
// claimed row's object-store metadata reports actual > reserved. It
// is never auto-settled; the reservation is left in place for manual
// review.
func (r *Repository) CommitDisputed(ctx context.Context, runID string, expectVersion int64, finalizeToken string, reported money.Micros) (bool, error) {
	return casResult(ctx, r.db, `
		UPDATE runs SET
			status = $1, money_state = $2,
			actual_amount = $3,
			last_error_reason = $4,
			finalize_stage = $5,
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $6 AND version = $7
		  AND finalize_stage = $8 AND finalize_token = $9
	`, StatusFailed, MoneyDisputed, int64(reported), "ACTUAL_EXCEEDS_RESERVED", FinalizeCommitted,
		runID, expectVersion, FinalizeClaimed, finalizeToken)
}

// MarkEnqueueFailed drives a just-inserted run straight to
// FAILED/REFUNDED: at this point in the submission request no other
// process can possibly be racing this run_id yet, so a single CAS
// transition (skipping CLAIMED) is sufficient.
func (r *Repository) MarkEnqueueFailed(ctx context.Context, runID string, expectVersion int64, reason string) (bool, error) {
	return casResult(ctx, r.db, `
		UPDATE runs SET
			status = $1, money_state = $2,
			last_error_reason = $3,
			finalize_stage = $4,
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $5 AND version = $6 AND status = $7
	`, StatusFailed, MoneyRefunded, reason, FinalizeCommitted, runID, expectVersion, StatusQueued)
}

// ExpireRows transitions terminal runs past retention_until to
// EXPIRED and clears the result pointer columns. Used by the
// retention sweeper.
func (r *Repository) ExpireRows(ctx context.Context, limit int) (int64, error) {
	var affected int64
	err := withRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `
			UPDATE runs SET
				status = $1,
				result_bucket = NULL, result_key = NULL, result_hash = NULL,
				version = version + 1,
				updated_at = NOW()
			WHERE run_id IN (
				SELECT run_id FROM runs
				WHERE status IN ($2, $3, $4) AND retention_until < NOW()
				LIMIT $5
			)
		`, StatusExpired, StatusCompleted, StatusFailed, StatusExpired, limit)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		affected = n
		return nil
	})
	return affected, err
}

// FindExpiredLeases pages through candidates for the zombie reaper:
// PROCESSING runs whose lease has expired and that nobody has claimed
// yet.
func (r *Repository) FindExpiredLeases(ctx context.Context, limit int) ([]*Run, error) {
	return r.queryRuns(ctx, `
		SELECT run_id, tenant_id, pack_type, status, money_state,
		       idempotency_key, payload_fingerprint, inputs, timebox_sec, version,
		       reserved_amount, actual_amount, minimum_fee_amount,
		       result_bucket, result_key, result_hash,
		       retention_until, lease_token, lease_expires_at,
		       finalize_stage, finalize_token, finalize_claimed_at,
		       last_error_reason, trace_id, created_at, updated_at
		FROM runs
		WHERE status = $1 AND lease_expires_at < NOW() AND finalize_stage IS NULL
		ORDER BY lease_expires_at ASC
		LIMIT $2
	`, StatusProcessing, limit)
}

// FindStuckReservations finds QUEUED runs whose queue message was
// evidently lost. Used by the reservation sweeper.
func (r *Repository) FindStuckReservations(ctx context.Context, olderThan time.Duration, limit int) ([]*Run, error) {
	return r.queryRuns(ctx, `
		SELECT run_id, tenant_id, pack_type, status, money_state,
		       idempotency_key, payload_fingerprint, inputs, timebox_sec, version,
		       reserved_amount, actual_amount, minimum_fee_amount,
		       result_bucket, result_key, result_hash,
		       retention_until, lease_token, lease_expires_at,
		       finalize_stage, finalize_token, finalize_claimed_at,
		       last_error_reason, trace_id, created_at, updated_at
		FROM runs
		WHERE status = $1 AND created_at < NOW() - $2 * INTERVAL '1 second'
		ORDER BY created_at ASC
		LIMIT $3
	`, StatusQueued, int(olderThan.Seconds()), limit)
}

// FindStaleClaims finds rows stuck in CLAIMED past the reconciliation
// window.
func (r *Repository) FindStaleClaims(ctx context.Context, olderThan time.Duration, limit int) ([]*Run, error) {
	return r.queryRuns(ctx, `
		SELECT run_id, tenant_id, pack_type, status, money_state,
		       idempotency_key, payload_fingerprint, inputs, timebox_sec, version,
		       reserved_amount, actual_amount, minimum_fee_amount,
		       result_bucket, result_key, result_hash,
		       retention_until, lease_token, lease_expires_at,
		       finalize_stage, finalize_token, finalize_claimed_at,
		       last_error_reason, trace_id, created_at, updated_at
		FROM runs
		WHERE finalize_stage = $1 AND finalize_claimed_at < NOW() - $2 * INTERVAL '1 second'
		ORDER BY finalize_claimed_at ASC
		LIMIT $3
	`, FinalizeClaimed, int(olderThan.Seconds()), limit)
}

// ListByTenant supports the admin CLI's `runs list`.
func (r *Repository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Run, error) {
	return r.queryRuns(ctx, `
		SELECT run_id, tenant_id, pack_type, status, money_state,
		       idempotency_key, payload_fingerprint, inputs, timebox_sec, version,
		       reserved_amount, actual_amount, minimum_fee_amount,
		       result_bucket, result_key, result_hash,
		       retention_until, lease_token, lease_expires_at,
		       finalize_stage, finalize_token, finalize_claimed_at,
		       last_error_reason, trace_id, created_at, updated_at
		FROM runs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
}

func (r *Repository) queryRuns(ctx context.Context, query string, args ...any) ([]*Run, error) {
	var out []*Run
	err := withRetry(ctx, func() error {
		out = nil
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var run Run
			if err := scanRun(rows, &run); err != nil {
				return fmt.Errorf("runs: scan: %w", err)
			}
			out = append(out, &run)
		}
		return rows.Err()
	})
	return out, err
}
