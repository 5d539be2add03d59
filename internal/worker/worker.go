// Package worker implements the run engine's per-message worker loop:
// dequeue, claim PROCESSING, run a heartbeat alongside a timeboxed
// executor invocation, upload the result, and drive the two-phase
// finalize to a terminal commit. The pool shape is N goroutines
// ranging over one dequeue loop; the heartbeat renews the lease at a
// fraction of its TTL and aborts the executor's context if it ever
// loses the renewal race.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/consonant/runengine/internal/ids"
	"github.com/consonant/runengine/internal/ledger"
	"github.com/consonant/runengine/internal/objectstore"
	"github.com/consonant/runengine/internal/pack"
	"github.com/consonant/runengine/internal/problem"
	"github.com/consonant/runengine/internal/queue"
	"github.com/consonant/runengine/internal/runs"
)

// Config carries the worker pool's tunables.
type Config struct {
	PoolSize          int
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	DequeueTimeout    time.Duration
	ResultBucket      string
}

// ResultPutter is the narrow slice of *objectstore.Store the worker
// needs, so tests can substitute a fake instead of a real S3 client.
type ResultPutter interface {
	PutResult(ctx context.Context, in objectstore.PutResultInput) (*objectstore.PutResultOutput, error)
}

// Pool runs Config.PoolSize worker goroutines pulling from the queue.
type Pool struct {
	repo    *runs.Repository
	ledger  *ledger.Ledger
	queue   *queue.Queue
	objects ResultPutter
	packs   *pack.Registry
	cfg     Config
	log     zerolog.Logger

	breakers   sync.Map // pack_type -> *gobreaker.CircuitBreaker
	breakersMu sync.Mutex

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func NewPool(repo *runs.Repository, l *ledger.Ledger, q *queue.Queue, objects ResultPutter,
	packs *pack.Registry, cfg Config, logger zerolog.Logger) *Pool {
	return &Pool{
		repo: repo, ledger: l, queue: q, objects: objects, packs: packs, cfg: cfg,
		log:    logger.With().Str("component", "worker").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker pool. Stop cancels every in-flight run's
// context and waits for the goroutines to exit.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.PoolSize; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	defer p.wg.Done()
	logger := p.log.With().Int("worker_id", workerID).Logger()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, err := p.queue.Dequeue(ctx, p.cfg.DequeueTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
			continue
		}

		p.processMessage(ctx, logger, msg)
	}
}

// processMessage dequeues one run and drives it from claim through a
// timeboxed execution to a terminal commit.
func (p *Pool) processMessage(ctx context.Context, logger zerolog.Logger, msg *queue.Message) {
	runLog := logger.With().Str("run_id", msg.RunID).Logger()

	// Step 1: read the run; skip duplicate delivery of a terminal run.
	run, err := p.repo.GetByIDUnscoped(ctx, msg.RunID)
	if err != nil {
		runLog.Error().Err(err).Msg("failed to load run for processing, leaving message for redelivery")
		return
	}
	if run.Status.IsTerminal() {
		p.ackAndForget(ctx, msg, runLog, "run already terminal, duplicate delivery")
		return
	}

	// Step 2: QUEUED -> PROCESSING.
	leaseToken := ids.NewToken()
	ok, err := p.repo.ClaimDequeue(ctx, run.RunID, run.Version, leaseToken, p.cfg.LeaseTTL)
	if err != nil {
		runLog.Error().Err(err).Msg("claim dequeue failed, leaving message for redelivery")
		return
	}
	if !ok {
		p.ackAndForget(ctx, msg, runLog, "lost the race to claim dequeue")
		return
	}
	if err := p.ledger.SetLease(ctx, run.RunID, leaseToken, p.cfg.LeaseTTL); err != nil {
		runLog.Warn().Err(err).Msg("failed to set cache-side lease; db lease still authoritative")
	}
	run.Version++
	run.Status = runs.StatusProcessing

	// Step 3: heartbeat runs alongside execution; cancelling execCtx
	// signals the executor to abort if the heartbeat detects takeover.
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	aborted := make(chan struct{})
	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go p.heartbeat(execCtx, runLog, run.RunID, leaseToken, &run.Version, cancel, aborted, &heartbeatWG)

	// Step 4: execute with a hard timeout.
	executor, err := p.packs.Lookup(run.PackType)
	if err != nil {
		runLog.Error().Err(err).Msg("unknown pack_type at execution time, leaving lease to expire")
		cancel()
		heartbeatWG.Wait()
		return
	}
	out, execErr := p.executeWithBreaker(execCtx, run, executor)
	if execErr != nil {
		runLog.Warn().Err(execErr).Msg("executor failed; leaving lease to expire for reaper")
		cancel()
		heartbeatWG.Wait()
		return
	}
	select {
	case <-aborted:
		runLog.Warn().Msg("heartbeat detected takeover mid-execution; discarding result")
		heartbeatWG.Wait()
		return
	default:
	}

	actual := out.ActualCost
	if actual > run.ReservedAmount {
		actual = run.ReservedAmount
	}

	// Step 5: upload.
	key := objectstore.ResultKey(run.TenantID, run.RunID, run.CreatedAt)
	putOut, uploadErr := p.objects.PutResult(ctx, objectstore.PutResultInput{
		TenantID:   run.TenantID,
		RunID:      run.RunID,
		Key:        key,
		Body:       out.Result,
		ActualCost: int64(actual),
	})
	if uploadErr != nil {
		cancel()
		heartbeatWG.Wait()
		p.finalizeUploadFailure(ctx, runLog, run, leaseToken)
		return
	}

	// The heartbeat goroutine is done renewing leases once the upload
	// has landed; stop it here, before run.Version is touched again, so
	// the Phase A claim below doesn't race its unsynchronized
	// *version reads and writes.
	cancel()
	heartbeatWG.Wait()

	// Step 6: Phase A claim.
	finalizeToken := ids.NewToken()
	claimed, err := p.repo.ClaimFinalizeByWorker(ctx, run.RunID, run.Version, leaseToken, finalizeToken)
	if err != nil {
		runLog.Error().Err(err).Msg("finalize claim failed, leaving message for redelivery")
		return
	}
	if !claimed {
		// Do not settle, do not touch the ledger: something else already
		// owns finalize for this run.
		p.ackAndForget(ctx, msg, runLog, "lost finalize claim race")
		return
	}
	run.Version++

	// Step 7: Settle.
	settleRes, err := p.ledger.Settle(ctx, run.TenantID, run.RunID, actual)
	if err != nil {
		runLog.Error().Err(err).Msg("settle failed after finalize claim; reconciler must repair")
		return
	}

	// Step 8: Phase C commit.
	committed, err := p.repo.CommitCompleted(ctx, run.RunID, run.Version, finalizeToken, settleRes.Charge, p.cfg.ResultBucket, key, putOut.SHA256Hex)
	if err != nil || !committed {
		runLog.Error().Err(err).Bool("committed", committed).
			Msg("phase C commit failed; reconciliation loop must repair this run")
		return
	}

	// Step 9: delete the queue message.
	if err := p.queue.Ack(ctx, msg); err != nil {
		runLog.Warn().Err(err).Msg("failed to ack queue message after successful commit")
	}
	runLog.Info().Str("actual_cost", settleRes.Charge.String()).Msg("run completed")
}

// finalizeUploadFailure handles a result-upload failure after the run
// was already claimed for execution: it must still drive to terminal,
// settling the minimum fee and committing FAILED.
func (p *Pool) finalizeUploadFailure(ctx context.Context, runLog zerolog.Logger, run *runs.Run, leaseToken string) {
	finalizeToken := ids.NewToken()
	claimed, err := p.repo.ClaimFinalizeByWorker(ctx, run.RunID, run.Version, leaseToken, finalizeToken)
	if err != nil || !claimed {
		runLog.Error().Err(err).Bool("claimed", claimed).Msg("could not claim finalize after upload failure; reaper will time it out")
		return
	}
	run.Version++

	settleRes, err := p.ledger.Settle(ctx, run.TenantID, run.RunID, run.MinimumFeeAmount)
	if err != nil {
		runLog.Error().Err(err).Msg("settle with minimum fee failed after upload failure")
		return
	}

	committed, err := p.repo.CommitFailed(ctx, run.RunID, run.Version, finalizeToken, runs.MoneySettled,
		settleRes.Charge, string(problem.ResultUploadFailed))
	if err != nil || !committed {
		runLog.Error().Err(err).Bool("committed", committed).Msg("commit after upload failure did not apply; reconciliation must repair")
	}
}

// heartbeat extends both the cache lease and the DB lease_expires_at
// every HeartbeatInterval. A failed CAS (reaper took over) cancels
// execCtx and closes aborted.
func (p *Pool) heartbeat(ctx context.Context, runLog zerolog.Logger, runID, leaseToken string, version *int64, cancel context.CancelFunc, aborted chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ledger.SetLease(ctx, runID, leaseToken, p.cfg.LeaseTTL); err != nil {
				runLog.Warn().Err(err).Msg("heartbeat cache renewal failed")
			}
			ok, err := p.repo.ExtendLease(ctx, runID, *version, leaseToken, p.cfg.LeaseTTL)
			if err != nil {
				runLog.Warn().Err(err).Msg("heartbeat db renewal error; will retry next tick")
				continue
			}
			if !ok {
				runLog.Warn().Msg("heartbeat lost the lease CAS; a reaper has taken over, aborting executor")
				close(aborted)
				cancel()
				return
			}
			*version++
		}
	}
}

// executeWithBreaker wraps pack execution in a per-pack_type circuit
// breaker so a pack timing out on every call trips open and fails
// fast instead of occupying lease slots. The hard timeout is the
// run's own configured timebox, run.TimeboxSec.
func (p *Pool) executeWithBreaker(ctx context.Context, run *runs.Run, executor pack.Executor) (pack.Output, error) {
	breaker := p.breakerFor(run.PackType)

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(run.TimeboxSec)*time.Second)
	defer cancel()

	result, err := breaker.Execute(func() (interface{}, error) {
		return executor.Execute(execCtx, pack.Input{RunID: run.RunID, Inputs: run.Inputs, Reserved: run.ReservedAmount})
	})
	if err != nil {
		return pack.Output{}, fmt.Errorf("executor: %w", err)
	}
	out, ok := result.(pack.Output)
	if !ok {
		return pack.Output{}, fmt.Errorf("executor: unexpected result type %T", result)
	}
	return out, nil
}

func (p *Pool) breakerFor(packType string) *gobreaker.CircuitBreaker {
	if b, ok := p.breakers.Load(packType); ok {
		return b.(*gobreaker.CircuitBreaker)
	}

	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()
	if b, ok := p.breakers.Load(packType); ok {
		return b.(*gobreaker.CircuitBreaker)
	}

	settings := gobreaker.Settings{
		Name:        "pack:" + packType,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	b := gobreaker.NewCircuitBreaker(settings)
	p.breakers.Store(packType, b)
	return b
}

func (p *Pool) ackAndForget(ctx context.Context, msg *queue.Message, runLog zerolog.Logger, reason string) {
	runLog.Info().Str("reason", reason).Msg("acking message without action")
	if err := p.queue.Ack(ctx, msg); err != nil {
		runLog.Warn().Err(err).Msg("failed to ack message")
	}
}

