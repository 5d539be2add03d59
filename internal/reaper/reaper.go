// Package reaper runs the four ticker-driven background sweeps that
// keep the run table moving forward when a worker dies mid-flight:
// the zombie reaper (expired leases), the reservation sweeper (lost
// queue messages), the retention sweeper (result expiry), and the
// queue sweep (redelivery and dead-lettering of stale in-flight
// messages).
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/consonant/runengine/internal/ids"
	"github.com/consonant/runengine/internal/ledger"
	"github.com/consonant/runengine/internal/problem"
	"github.com/consonant/runengine/internal/queue"
	"github.com/consonant/runengine/internal/runs"
)

// Config carries the four sweepers' cadences and batch sizes.
type Config struct {
	ReaperInterval           time.Duration
	ReservationSweepInterval time.Duration
	ReservationTTL           time.Duration
	RetentionSweepInterval   time.Duration
	QueueSweepInterval       time.Duration
	BatchSize                int
}

// Sweeper owns the four background loops.
type Sweeper struct {
	repo   *runs.Repository
	ledger *ledger.Ledger
	queue  *queue.Queue
	cfg    Config
	log    zerolog.Logger
}

func New(repo *runs.Repository, l *ledger.Ledger, q *queue.Queue, cfg Config, logger zerolog.Logger) *Sweeper {
	return &Sweeper{repo: repo, ledger: l, queue: q, cfg: cfg, log: logger.With().Str("component", "reaper").Logger()}
}

// Start launches all four loops and returns immediately; they run
// until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go s.runEvery(ctx, s.cfg.ReaperInterval, s.sweepExpiredLeases)
	go s.runEvery(ctx, s.cfg.ReservationSweepInterval, s.sweepStuckReservations)
	go s.runEvery(ctx, s.cfg.RetentionSweepInterval, s.sweepRetention)
	go s.runEvery(ctx, s.cfg.QueueSweepInterval, s.sweepQueue)
}

func (s *Sweeper) runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// sweepExpiredLeases is the zombie reaper loop: claim, settle the
// minimum fee, commit FAILED with WORKER_TIMEOUT.
func (s *Sweeper) sweepExpiredLeases(ctx context.Context) {
	candidates, err := s.repo.FindExpiredLeases(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list expired leases")
		return
	}
	for _, run := range candidates {
		s.reapOne(ctx, run)
	}
}

func (s *Sweeper) reapOne(ctx context.Context, run *runs.Run) {
	runLog := s.log.With().Str("run_id", run.RunID).Str("sweep", "zombie_reaper").Logger()

	finalizeToken := ids.NewToken()
	claimed, err := s.repo.ClaimFinalizeByReaper(ctx, run.RunID, run.Version, finalizeToken)
	if err != nil {
		runLog.Error().Err(err).Msg("claim failed")
		return
	}
	if !claimed {
		runLog.Debug().Msg("lost claim race, worker or another reaper already finalizing")
		return
	}
	run.Version++

	settleRes, err := s.ledger.Settle(ctx, run.TenantID, run.RunID, run.MinimumFeeAmount)
	if err != nil {
		runLog.Error().Err(err).Msg("settle with minimum fee failed after claim; reconciliation loop must repair")
		return
	}

	committed, err := s.repo.CommitFailed(ctx, run.RunID, run.Version, finalizeToken, runs.MoneySettled,
		settleRes.Charge, string(problem.WorkerTimeout))
	if err != nil || !committed {
		runLog.Error().Err(err).Bool("committed", committed).Msg("commit failed after settle; reconciliation loop must repair")
		return
	}
	runLog.Warn().Str("minimum_fee", settleRes.Charge.String()).Msg("reaped a zombie run")
}

// sweepStuckReservations is the reservation sweeper: a run that never
// left QUEUED because its queue message was lost. The ledger
// reservation is refunded in full, not settled.
func (s *Sweeper) sweepStuckReservations(ctx context.Context) {
	candidates, err := s.repo.FindStuckReservations(ctx, s.cfg.ReservationTTL, s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list stuck reservations")
		return
	}
	for _, run := range candidates {
		s.sweepOneReservation(ctx, run)
	}
}

func (s *Sweeper) sweepOneReservation(ctx context.Context, run *runs.Run) {
	runLog := s.log.With().Str("run_id", run.RunID).Str("sweep", "reservation_sweeper").Logger()

	finalizeToken := ids.NewToken()
	claimed, err := s.repo.ClaimFinalizeForReservationSweep(ctx, run.RunID, run.Version, finalizeToken)
	if err != nil {
		runLog.Error().Err(err).Msg("claim failed")
		return
	}
	if !claimed {
		runLog.Debug().Msg("lost claim race, a worker picked up the message after all")
		return
	}
	run.Version++

	refundRes, err := s.ledger.RefundFull(ctx, run.TenantID, run.RunID)
	if err != nil {
		runLog.Error().Err(err).Msg("refund failed after claim; reconciliation loop must repair")
		return
	}

	committed, err := s.repo.CommitFailed(ctx, run.RunID, run.Version, finalizeToken, runs.MoneyRefunded,
		0, string(problem.ReservationExpired))
	if err != nil || !committed {
		runLog.Error().Err(err).Bool("committed", committed).Msg("commit failed after refund; reconciliation loop must repair")
		return
	}
	runLog.Warn().Str("refunded", refundRes.Refund.String()).Msg("swept a stuck reservation")
}

// sweepQueue redelivers messages whose visibility timeout expired
// without an Ack — a worker that died between Dequeue and Ack — and
// dead-letters any message that has exceeded MaxReceives. The reaper
// owns this cadence; no other process calls SweepStale.
func (s *Sweeper) sweepQueue(ctx context.Context) {
	redelivered, deadLettered, err := s.queue.SweepStale(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("queue sweep failed")
		return
	}
	if redelivered > 0 || deadLettered > 0 {
		s.log.Info().Int("redelivered", redelivered).Int("dead_lettered", deadLettered).Msg("queue sweep")
	}
}

// sweepRetention is the daily retention sweeper.
func (s *Sweeper) sweepRetention(ctx context.Context) {
	n, err := s.repo.ExpireRows(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if n > 0 {
		s.log.Info().Int64("expired", n).Msg("retention sweep expired rows")
	}
}
