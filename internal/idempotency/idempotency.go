// Package idempotency implements the submission idempotency gate:
// SETNX lock-on-key plus a payload-fingerprint comparison, collapsing
// client retries into a single run without a double reservation. A
// dedicated 5-second SETNX lock key guards the critical section,
// separate from the durable mapping record.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Decision is the three-way branch outcome of evaluating an
// idempotency key against the existing lock and mapping state.
type Decision int

const (
	// DecisionProceed means the caller acquired the lock (or the
	// mapping doesn't exist yet) and should perform the reservation.
	DecisionProceed Decision = iota
	// DecisionReplay means a mapping already exists with a matching
	// fingerprint: return the existing run_id, no new reservation.
	DecisionReplay
	// DecisionConflict means a mapping exists with a different
	// fingerprint: the caller reused a key for a different request.
	DecisionConflict
	// DecisionRetryAdvisory means another submission is mid-flight for
	// this key; the caller should ask the client to retry shortly.
	DecisionRetryAdvisory
)

// Mapping is the durable idempotency record, keyed by
// (tenant_id, idempotency_key).
type Mapping struct {
	RunID              string `json:"run_id"`
	PayloadFingerprint string `json:"payload_fingerprint"`
}

// Gate implements the lock+mapping dance against Redis.
type Gate struct {
	redis  *redis.Client
	log    zerolog.Logger
	lockTTL time.Duration
}

func New(client *redis.Client, logger zerolog.Logger) *Gate {
	return &Gate{redis: client, log: logger.With().Str("component", "idempotency").Logger(), lockTTL: 5 * time.Second}
}

func lockKey(tenantID, idempotencyKey string) string {
	return fmt.Sprintf("idemlock:%s:%s", tenantID, idempotencyKey)
}

func mappingKey(tenantID, idempotencyKey string) string {
	return fmt.Sprintf("idemmap:%s:%s", tenantID, idempotencyKey)
}

// Acquire attempts the SETNX lock and, on contention, evaluates the
// three-way branch against the existing mapping. lockToken is an
// opaque caller-generated value used to release only the lock this
// caller holds.
func (g *Gate) Acquire(ctx context.Context, tenantID, idempotencyKey, payloadFingerprint, lockToken string) (Decision, *Mapping, error) {
	ok, err := g.redis.SetNX(ctx, lockKey(tenantID, idempotencyKey), lockToken, g.lockTTL).Result()
	if err != nil {
		return DecisionProceed, nil, fmt.Errorf("idempotency: acquire lock: %w", err)
	}
	if ok {
		return DecisionProceed, nil, nil
	}

	return g.evaluateMapping(ctx, tenantID, idempotencyKey, payloadFingerprint)
}

// Recheck re-evaluates the mapping after the lock is held — the same
// three-way branch as Acquire, guarding against a mapping having been
// written between the lock attempt and this read, e.g. by a request
// that held the lock, wrote the mapping, and released it a moment
// before this caller's SETNX succeeded on expiry. With the lock held,
// an absent mapping means DecisionProceed.
func (g *Gate) Recheck(ctx context.Context, tenantID, idempotencyKey, payloadFingerprint string) (Decision, *Mapping, error) {
	decision, m, err := g.evaluateMapping(ctx, tenantID, idempotencyKey, payloadFingerprint)
	if err == nil && decision == DecisionRetryAdvisory {
		return DecisionProceed, nil, nil
	}
	return decision, m, err
}

func (g *Gate) evaluateMapping(ctx context.Context, tenantID, idempotencyKey, payloadFingerprint string) (Decision, *Mapping, error) {
	raw, err := g.redis.Get(ctx, mappingKey(tenantID, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return DecisionRetryAdvisory, nil, nil
	}
	if err != nil {
		return DecisionProceed, nil, fmt.Errorf("idempotency: read mapping: %w", err)
	}

	var m Mapping
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return DecisionProceed, nil, fmt.Errorf("idempotency: malformed mapping: %w", err)
	}

	if m.PayloadFingerprint == payloadFingerprint {
		return DecisionReplay, &m, nil
	}
	return DecisionConflict, &m, nil
}

// WriteMapping persists the durable idempotency record with the given
// TTL, which the caller sets to the run's retention window.
func (g *Gate) WriteMapping(ctx context.Context, tenantID, idempotencyKey string, m Mapping, ttl time.Duration) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("idempotency: marshal mapping: %w", err)
	}
	if err := g.redis.Set(ctx, mappingKey(tenantID, idempotencyKey), body, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: write mapping: %w", err)
	}
	return nil
}

// Release drops the SETNX lock, but only if it's still held by
// lockToken (an owner-checked delete; a stale caller whose lock
// already expired and was re-acquired by someone else must not clear
// it out from under them). TTL-driven expiry is also an acceptable
// release path.
func (g *Gate) Release(ctx context.Context, tenantID, idempotencyKey, lockToken string) error {
	const script = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`
	return redis.NewScript(script).Run(ctx, g.redis, []string{lockKey(tenantID, idempotencyKey)}, lockToken).Err()
}
