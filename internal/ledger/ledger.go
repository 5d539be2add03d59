// Package ledger provides atomic balance management using Redis and
// PostgreSQL.
//
// Every reservation, settlement, and refund in the engine flows
// through this package. It maintains two synchronized data stores:
//
// 1. Redis - hot cache for sub-millisecond balance checks and the
//    atomic multi-key operations (Reserve, Settle, RefundFull).
// 2. PostgreSQL - durable audit trail of every ledger mutation.
//
// Redis is FAST but VOLATILE; it is never the source of truth for a
// run's execution state — that lives in internal/runs, written
// synchronously against Postgres under optimistic-lock CAS. This
// package's own Postgres writes (the audit_transactions mirror) are
// asynchronous and best-effort: losing one delays a reconciliation
// report, it never corrupts a balance, because Redis (its Lua scripts,
// plus INCRBY for operator credits) is the only place balance
// arithmetic happens.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/consonant/runengine/internal/money"
)

// Outcome is the result tag a ledger script reports in its return
// array's first element.
type Outcome string

const (
	OutcomeOK              Outcome = "OK"
	OutcomeAlreadyReserved Outcome = "ALREADY_RESERVED"
	OutcomeInsufficient    Outcome = "INSUFFICIENT"
	OutcomeNoReserve       Outcome = "NO_RESERVE"
)

// ErrAlreadyReserved, ErrInsufficientBalance, and ErrNoReservation wrap
// the outcome tags into errors so callers can errors.Is them.
var (
	ErrAlreadyReserved     = errors.New("ledger: reservation already exists")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrNoReservation       = errors.New("ledger: no reservation for run")
)

// ReserveResult is returned by Reserve on success.
type ReserveResult struct {
	NewBalance money.Micros
}

// SettleResult is returned by Settle and RefundFull on success.
type SettleResult struct {
	Charge     money.Micros
	Refund     money.Micros
	NewBalance money.Micros
}

// writeOp is one entry in the async audit-mirror queue: every
// Reserve/Settle/RefundFull call is durably recorded into
// audit_transactions, independent of the authoritative Run row (owned
// by internal/runs, not by this queue).
type writeOp struct {
	TenantID string
	RunID    string
	Op       string // "RESERVE", "SETTLE", "REFUND_FULL"
	Amount   money.Micros
}

// Ledger wraps a Redis client with the three scripted money operations
// and the background audit-mirror worker pool.
type Ledger struct {
	redis *redis.Client
	db    *sql.DB
	log   zerolog.Logger

	reserveScript *redis.Script
	settleScript  *redis.Script

	writeQueue chan writeOp
	wg         sync.WaitGroup

	reservationTTL time.Duration
}

const (
	reserveScriptSrc = `
local balance_key = KEYS[1]
local reservation_key = KEYS[2]
local reserved_amount = tonumber(ARGV[1])
local tenant_id = ARGV[2]
local created_at = ARGV[3]
local reservation_ttl = tonumber(ARGV[4])

if redis.call("EXISTS", reservation_key) == 1 then
	return {"ALREADY_RESERVED", "0"}
end

local balance = tonumber(redis.call("GET", balance_key) or "0")
if balance < reserved_amount then
	return {"INSUFFICIENT", tostring(balance)}
end

local new_balance = balance - reserved_amount
redis.call("SET", balance_key, tostring(new_balance))
redis.call("HSET", reservation_key, "tenant_id", tenant_id, "reserved_amount", tostring(reserved_amount), "created_at", created_at)
redis.call("EXPIRE", reservation_key, reservation_ttl)

return {"OK", tostring(new_balance)}
`

	settleScriptSrc = `
local balance_key = KEYS[1]
local reservation_key = KEYS[2]
local charge_amount = tonumber(ARGV[1])

if redis.call("EXISTS", reservation_key) == 0 then
	return {"NO_RESERVE", "0", "0", "0"}
end

local reserved = tonumber(redis.call("HGET", reservation_key, "reserved_amount"))
local charge = charge_amount
if charge > reserved then
	charge = reserved
end
local refund = reserved - charge

local balance = tonumber(redis.call("GET", balance_key) or "0")
local new_balance = balance + refund
redis.call("SET", balance_key, tostring(new_balance))
redis.call("DEL", reservation_key)

return {"OK", tostring(charge), tostring(refund), tostring(new_balance)}
`
)

// New connects to Redis and Postgres, compiles the Lua scripts, and
// starts the audit-mirror worker pool.
func New(redisAddr, redisPassword, postgresURL string, reservationTTL time.Duration, logger zerolog.Logger) (*Ledger, error) {
	log := logger.With().Str("component", "ledger").Logger()
	log.Info().Str("redis_addr", redisAddr).Msg("initializing ledger")

	rdb := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     100,
		MinIdleConns: 25,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Info().Msg("redis connection established")

	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	log.Info().Msg("postgres connection established")

	l := &Ledger{
		redis:          rdb,
		db:             db,
		log:            log,
		reserveScript:  redis.NewScript(reserveScriptSrc),
		settleScript:   redis.NewScript(settleScriptSrc),
		writeQueue:     make(chan writeOp, 10000),
		reservationTTL: reservationTTL,
	}

	numWorkers := 10
	l.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go l.asyncAuditWorker(i)
	}
	log.Info().Int("num_workers", numWorkers).Msg("async audit mirror workers started")

	return l, nil
}

// NewWithClients wires a Ledger around already-connected Redis and
// Postgres clients, skipping the dial/ping handshake in New. Used by
// callers (and tests) that already manage those connections'
// lifecycle elsewhere — e.g. a test harness pairing miniredis with
// go-sqlmock.
func NewWithClients(redisClient *redis.Client, db *sql.DB, reservationTTL time.Duration, logger zerolog.Logger) *Ledger {
	log := logger.With().Str("component", "ledger").Logger()
	l := &Ledger{
		redis:          redisClient,
		db:             db,
		log:            log,
		reserveScript:  redis.NewScript(reserveScriptSrc),
		settleScript:   redis.NewScript(settleScriptSrc),
		writeQueue:     make(chan writeOp, 10000),
		reservationTTL: reservationTTL,
	}
	numWorkers := 10
	l.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go l.asyncAuditWorker(i)
	}
	return l
}

func balanceKey(tenantID string) string  { return "balance:" + tenantID }
func reservationKey(runID string) string { return "reservation:" + runID }
func leaseKey(runID string) string       { return "lease:" + runID }

// Reserve atomically checks and decrements a tenant's balance and
// creates the reservation hash.
func (l *Ledger) Reserve(ctx context.Context, tenantID, runID string, amount money.Micros) (*ReserveResult, error) {
	start := time.Now()

	var res []interface{}
	err := l.withRetry(ctx, func() error {
		var err error
		res, err = l.reserveScript.Run(ctx, l.redis,
			[]string{balanceKey(tenantID), reservationKey(runID)},
			int64(amount), tenantID, time.Now().UTC().Format(time.RFC3339), int(l.reservationTTL.Seconds()),
		).Slice()
		return err
	})
	if err != nil {
		l.log.Error().Err(err).Str("tenant_id", tenantID).Str("run_id", runID).Msg("reserve lua script failed")
		return nil, fmt.Errorf("reserve script execution failed: %w", err)
	}

	outcome, balance, err := parseOutcome(res)
	if err != nil {
		return nil, err
	}

	l.log.Debug().Str("tenant_id", tenantID).Str("run_id", runID).
		Int64("amount", int64(amount)).Str("outcome", outcome).
		Dur("duration", time.Since(start)).Msg("reserve completed")

	switch Outcome(outcome) {
	case OutcomeAlreadyReserved:
		return nil, ErrAlreadyReserved
	case OutcomeInsufficient:
		return nil, fmt.Errorf("%w: balance=%d requested=%d", ErrInsufficientBalance, balance, int64(amount))
	case OutcomeOK:
		l.enqueueAudit(writeOp{TenantID: tenantID, RunID: runID, Op: "RESERVE", Amount: amount})
		return &ReserveResult{NewBalance: money.Micros(balance)}, nil
	default:
		return nil, fmt.Errorf("ledger: reserve: unexpected outcome %q", outcome)
	}
}

// Settle atomically clips charge to the reservation, refunds the
// remainder to balance, and deletes the reservation.
func (l *Ledger) Settle(ctx context.Context, tenantID, runID string, charge money.Micros) (*SettleResult, error) {
	var res []interface{}
	err := l.withRetry(ctx, func() error {
		var err error
		res, err = l.settleScript.Run(ctx, l.redis,
			[]string{balanceKey(tenantID), reservationKey(runID)},
			int64(charge),
		).Slice()
		return err
	})
	if err != nil {
		l.log.Error().Err(err).Str("tenant_id", tenantID).Str("run_id", runID).Msg("settle lua script failed")
		return nil, fmt.Errorf("settle script execution failed: %w", err)
	}
	return l.parseSettleResult(tenantID, runID, "SETTLE", res)
}

// RefundFull is Settle with charge=0.
func (l *Ledger) RefundFull(ctx context.Context, tenantID, runID string) (*SettleResult, error) {
	var res []interface{}
	err := l.withRetry(ctx, func() error {
		var err error
		res, err = l.settleScript.Run(ctx, l.redis,
			[]string{balanceKey(tenantID), reservationKey(runID)},
			int64(0),
		).Slice()
		return err
	})
	if err != nil {
		l.log.Error().Err(err).Str("tenant_id", tenantID).Str("run_id", runID).Msg("refund lua script failed")
		return nil, fmt.Errorf("refund script execution failed: %w", err)
	}
	return l.parseSettleResult(tenantID, runID, "REFUND_FULL", res)
}

func (l *Ledger) parseSettleResult(tenantID, runID, op string, res []interface{}) (*SettleResult, error) {
	if len(res) != 4 {
		return nil, fmt.Errorf("ledger: settle: malformed script reply %v", res)
	}
	outcome, ok := res[0].(string)
	if !ok {
		return nil, fmt.Errorf("ledger: settle: malformed outcome %v", res[0])
	}
	if Outcome(outcome) == OutcomeNoReserve {
		return nil, ErrNoReservation
	}
	charge, err := parseInt(res[1])
	if err != nil {
		return nil, err
	}
	refund, err := parseInt(res[2])
	if err != nil {
		return nil, err
	}
	newBalance, err := parseInt(res[3])
	if err != nil {
		return nil, err
	}

	l.log.Info().Str("tenant_id", tenantID).Str("run_id", runID).Str("op", op).
		Int64("charge", charge).Int64("refund", refund).Msg("settlement completed")

	l.enqueueAudit(writeOp{TenantID: tenantID, RunID: runID, Op: op, Amount: money.Micros(charge)})
	return &SettleResult{
		Charge:     money.Micros(charge),
		Refund:     money.Micros(refund),
		NewBalance: money.Micros(newBalance),
	}, nil
}

// GetBalance returns a tenant's current balance, without side effects.
func (l *Ledger) GetBalance(ctx context.Context, tenantID string) (money.Micros, error) {
	var v string
	err := l.withRetry(ctx, func() error {
		var err error
		v, err = l.redis.Get(ctx, balanceKey(tenantID)).Result()
		if errors.Is(err, redis.Nil) {
			v = "0"
			return nil
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("get balance failed: %w", err)
	}
	n, err := parseInt(v)
	if err != nil {
		return 0, err
	}
	return money.Micros(n), nil
}

// CreditBalance deposits funds into a tenant's balance. Used by the
// admin top-up path (runadmin balance credit) and tenant onboarding.
func (l *Ledger) CreditBalance(ctx context.Context, tenantID string, amount money.Micros) error {
	return l.withRetry(ctx, func() error {
		return l.redis.IncrBy(ctx, balanceKey(tenantID), int64(amount)).Err()
	})
}

// SetLease writes the cache-side lease token with the given TTL.
// Called on worker dequeue and refreshed by the heartbeat.
func (l *Ledger) SetLease(ctx context.Context, runID, leaseToken string, ttl time.Duration) error {
	return l.withRetry(ctx, func() error {
		return l.redis.Set(ctx, leaseKey(runID), leaseToken, ttl).Err()
	})
}

// CheckLease reads back the current lease token. The heartbeat uses
// this to detect a reaper takeover: an empty result or a different
// token means abort immediately.
func (l *Ledger) CheckLease(ctx context.Context, runID string) (string, error) {
	v, err := l.redis.Get(ctx, leaseKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// asyncAuditWorker drains the audit-mirror queue into Postgres.
func (l *Ledger) asyncAuditWorker(workerID int) {
	defer l.wg.Done()
	logger := l.log.With().Int("worker_id", workerID).Logger()
	logger.Info().Msg("audit mirror worker started")

	for op := range l.writeQueue {
		err := l.withRetry(context.Background(), func() error {
			_, err := l.db.Exec(`
				INSERT INTO audit_transactions (id, tenant_id, run_id, op, amount, created_at)
				VALUES ($1, $2, $3, $4, $5, NOW())
			`, uuid.New().String(), op.TenantID, op.RunID, op.Op, int64(op.Amount))
			return err
		})
		if err != nil {
			logger.Error().Err(err).Str("run_id", op.RunID).Str("op", op.Op).
				Msg("audit mirror write failed after retries")
		}
	}

	logger.Info().Msg("audit mirror worker stopped")
}

func (l *Ledger) enqueueAudit(op writeOp) {
	select {
	case l.writeQueue <- op:
	default:
		l.log.Warn().Str("run_id", op.RunID).Msg("audit mirror queue full, dropping entry")
	}
}

// withRetry wraps transient Redis/Postgres errors with a bounded
// exponential backoff, replacing a hand-rolled sleep-and-double loop.
func (l *Ledger) withRetry(ctx context.Context, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(fn, b)
}

// GetDB returns the PostgreSQL connection. The cmd entry points build
// the run repository and authenticator on it, and runadmin admin
// verify-integrity uses it to query audit_transactions directly.
func (l *Ledger) GetDB() *sql.DB {
	return l.db
}

// Close stops the audit-mirror workers and closes both store
// connections.
func (l *Ledger) Close() error {
	l.log.Info().Msg("shutting down ledger")
	close(l.writeQueue)
	l.wg.Wait()

	if err := l.redis.Close(); err != nil {
		l.log.Error().Err(err).Msg("redis close failed")
	}
	if err := l.db.Close(); err != nil {
		l.log.Error().Err(err).Msg("postgres close failed")
	}

	l.log.Info().Msg("ledger shutdown complete")
	return nil
}

func parseOutcome(res []interface{}) (string, int64, error) {
	if len(res) != 2 {
		return "", 0, fmt.Errorf("ledger: malformed script reply %v", res)
	}
	outcome, ok := res[0].(string)
	if !ok {
		return "", 0, fmt.Errorf("ledger: malformed outcome %v", res[0])
	}
	n, err := parseInt(res[1])
	if err != nil {
		return "", 0, err
	}
	return outcome, n, nil
}

func parseInt(v interface{}) (int64, error) {
	switch t := v.(type) {
	case string:
		var n int64
		_, err := fmt.Sscanf(t, "%d", &n)
		return n, err
	case int64:
		return t, nil
	default:
		return 0, fmt.Errorf("ledger: unexpected numeric type %T", v)
	}
}
