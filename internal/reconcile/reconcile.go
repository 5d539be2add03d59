// Package reconcile implements the reconciliation loop: the narrow
// crash-window repair for runs stuck in finalize_stage=CLAIMED after
// ledger settle succeeded but the database commit never landed (or
// never got the chance to).
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/consonant/runengine/internal/ledger"
	"github.com/consonant/runengine/internal/money"
	"github.com/consonant/runengine/internal/objectstore"
	"github.com/consonant/runengine/internal/problem"
	"github.com/consonant/runengine/internal/runs"
)

// Config carries the loop's cadence and staleness window.
type Config struct {
	Interval     time.Duration
	StaleWindow  time.Duration
	BatchSize    int
	ResultBucket string
}

// HeadReader is the narrow slice of *objectstore.Store the loop needs.
type HeadReader interface {
	HeadResult(ctx context.Context, key string) (exists bool, actualCostMicros int64, err error)
}

// Loop runs the reconciliation sweep.
type Loop struct {
	repo    *runs.Repository
	ledger  *ledger.Ledger
	objects HeadReader
	cfg     Config
	log     zerolog.Logger
}

func New(repo *runs.Repository, l *ledger.Ledger, objects HeadReader, cfg Config, logger zerolog.Logger) *Loop {
	return &Loop{repo: repo, ledger: l, objects: objects, cfg: cfg, log: logger.With().Str("component", "reconcile").Logger()}
}

// Start launches the ticker-driven loop; it runs until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweepOnce(ctx)
			}
		}
	}()
}

// RunOnce runs a single reconciliation pass synchronously, for the
// admin CLI's "reconcile-now" command.
func (l *Loop) RunOnce(ctx context.Context) {
	l.sweepOnce(ctx)
}

// sweepOnce lists stale claims and reconciles each one.
func (l *Loop) sweepOnce(ctx context.Context) {
	candidates, err := l.repo.FindStaleClaims(ctx, l.cfg.StaleWindow, l.cfg.BatchSize)
	if err != nil {
		l.log.Error().Err(err).Msg("failed to list stale claims")
		return
	}
	for _, run := range candidates {
		l.reconcileOne(ctx, run)
	}
}

func (l *Loop) reconcileOne(ctx context.Context, run *runs.Run) {
	runLog := l.log.With().Str("run_id", run.RunID).Logger()

	key := objectstore.ResultKey(run.TenantID, run.RunID, run.CreatedAt)
	exists, actualCostMicros, err := l.objects.HeadResult(ctx, key)
	if err != nil {
		runLog.Error().Err(err).Msg("head probe failed; will retry next sweep")
		return
	}

	if exists {
		l.reconcileCompleted(ctx, runLog, run, key, money.Micros(actualCostMicros))
		return
	}
	l.reconcileNoResult(ctx, runLog, run)
}

// reconcileCompleted handles the "object landed, DB commit didn't"
// case. The ledger settle from step 7 of the worker algorithm may or
// may not have already run; either outcome converges on the same
// actual_amount, taken from the artifact's own metadata tag since
// that is the one value every crash point preserves.
func (l *Loop) reconcileCompleted(ctx context.Context, runLog zerolog.Logger, run *runs.Run, key string, actual money.Micros) {
	if actual > run.ReservedAmount {
		l.disputeOne(ctx, runLog, run, actual)
		return
	}

	finalizeToken, ok := claimedToken(run)
	if !ok {
		runLog.Error().Msg("stale claim missing finalize_token; skipping")
		return
	}

	settleRes, settleErr := l.ledger.Settle(ctx, run.TenantID, run.RunID, actual)
	charge := actual
	if settleErr == nil {
		charge = settleRes.Charge
	} else if settleErr != ledger.ErrNoReservation {
		runLog.Error().Err(settleErr).Msg("settle failed during reconciliation; will retry next sweep")
		return
	}

	committed, err := l.repo.CommitCompleted(ctx, run.RunID, run.Version, finalizeToken, charge, l.cfg.ResultBucket, key, "")
	if err != nil || !committed {
		runLog.Error().Err(err).Bool("committed", committed).Msg("reconciliation commit did not apply")
		return
	}
	runLog.Warn().Str("actual_cost", charge.String()).Msg("reconciled a stale claim as completed")
}

// reconcileNoResult handles the "object never landed" case: the
// worker died before (or during) upload. Settle the minimum fee and
// commit FAILED.
func (l *Loop) reconcileNoResult(ctx context.Context, runLog zerolog.Logger, run *runs.Run) {
	finalizeToken, ok := claimedToken(run)
	if !ok {
		runLog.Error().Msg("stale claim missing finalize_token; skipping")
		return
	}

	settleRes, settleErr := l.ledger.Settle(ctx, run.TenantID, run.RunID, run.MinimumFeeAmount)
	charge := run.MinimumFeeAmount
	if settleErr == nil {
		charge = settleRes.Charge
	} else if settleErr != ledger.ErrNoReservation {
		runLog.Error().Err(settleErr).Msg("settle failed during reconciliation; will retry next sweep")
		return
	}

	committed, err := l.repo.CommitFailed(ctx, run.RunID, run.Version, finalizeToken, runs.MoneySettled,
		charge, string(problem.ReconcileNoResult))
	if err != nil || !committed {
		runLog.Error().Err(err).Bool("committed", committed).Msg("reconciliation commit did not apply")
		return
	}
	runLog.Warn().Msg("reconciled a stale claim as failed: no result artifact found")
}

func claimedToken(run *runs.Run) (string, bool) {
	if run.FinalizeToken == nil {
		return "", false
	}
	return *run.FinalizeToken, true
}

// disputeOne handles the one reachable path to DISPUTED: a
// reconciler-observed actual cost that exceeds the reservation, since
// the ledger's own Settle script always clips charge to the
// reservation and can never produce this state on its own.
func (l *Loop) disputeOne(ctx context.Context, runLog zerolog.Logger, run *runs.Run, reported money.Micros) {
	finalizeToken, ok := claimedToken(run)
	if !ok {
		runLog.Error().Msg("stale claim missing finalize_token; skipping")
		return
	}
	committed, err := l.repo.CommitDisputed(ctx, run.RunID, run.Version, finalizeToken, reported)
	if err != nil || !committed {
		runLog.Error().Err(err).Bool("committed", committed).Msg("dispute commit did not apply")
		return
	}
	runLog.Error().Str("reported", reported.String()).Str("reserved", run.ReservedAmount.String()).
		Msg("disputed run: reported actual cost exceeds reservation")
}
