// Package queue implements an at-least-once work queue on top of
// Redis, using the classic reliable-queue pattern: LPUSH to enqueue,
// BRPOPLPUSH to dequeue into a per-consumer in-flight list (giving a
// visibility window instead of an outright pop), and a periodic sweep
// that returns stale in-flight entries to the main queue. No example
// repo in the retrieval pack depends on a dedicated message-queue
// client (SQS, AMQP, Kafka), so the queue is built directly on
// go-redis, the cache client the engine already depends on for the
// ledger.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// ErrEmpty is returned by Dequeue when no message is available within
// the poll timeout.
var ErrEmpty = errors.New("queue: empty")

// Message is one unit of queued work: a run id plus a receive counter
// used for dead-lettering.
type Message struct {
	RunID       string    `json:"run_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	ReceiveCount int      `json:"receive_count"`
}

// Queue wraps go-redis with the reliable-queue primitives.
type Queue struct {
	redis *redis.Client
	log   zerolog.Logger

	mainKey       string
	inFlightKey   string
	visibility    time.Duration
	maxReceives   int
}

// Config configures queue naming and visibility.
type Config struct {
	Name          string
	Visibility    time.Duration // should equal the lease TTL (spec: aligned to lease TTL)
	MaxReceives   int           // dead-letter threshold
}

func New(client *redis.Client, cfg Config, logger zerolog.Logger) *Queue {
	if cfg.MaxReceives <= 0 {
		cfg.MaxReceives = 5
	}
	return &Queue{
		redis:       client,
		log:         logger.With().Str("component", "queue").Str("queue", cfg.Name).Logger(),
		mainKey:     "queue:" + cfg.Name,
		inFlightKey: "queue:" + cfg.Name + ":inflight",
		visibility:  cfg.Visibility,
		maxReceives: cfg.MaxReceives,
	}
}

// Enqueue pushes a new run id onto the queue for at-least-once
// delivery.
func (q *Queue) Enqueue(ctx context.Context, runID string) error {
	msg := Message{RunID: runID, EnqueuedAt: time.Now().UTC(), ReceiveCount: 0}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}
	if err := q.redis.LPush(ctx, q.mainKey, body).Err(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks (up to timeout) for a message, moving it atomically
// into the in-flight list. The message stays in the in-flight list
// until Ack removes it or SweepStale returns it to the main queue.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	raw, err := q.redis.BRPopLPush(ctx, q.mainKey, q.inFlightKey, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Malformed entry: drop it from in-flight so it doesn't wedge the
		// sweeper forever, and surface the error to the caller.
		q.redis.LRem(ctx, q.inFlightKey, 1, raw)
		return nil, fmt.Errorf("queue: malformed message: %w", err)
	}
	msg.ReceiveCount++

	// Re-serialize with the bumped receive count and swap it in place so
	// a sweep redelivery carries the updated count.
	updated, err := json.Marshal(msg)
	if err == nil {
		pipe := q.redis.TxPipeline()
		pipe.LRem(ctx, q.inFlightKey, 1, raw)
		pipe.LPush(ctx, q.inFlightKey, updated)
		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Warn().Err(err).Str("run_id", msg.RunID).Msg("failed to persist bumped receive count")
		}
	}

	return &msg, nil
}

// Ack removes a message from the in-flight list after its run has
// reached a terminal commit. Messages are deleted only after the
// worker's terminal commit succeeds, never before.
func (q *Queue) Ack(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(*msg)
	if err != nil {
		return fmt.Errorf("queue: marshal ack message: %w", err)
	}
	removed, err := q.redis.LRem(ctx, q.inFlightKey, 1, body).Result()
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	if removed == 0 {
		// The receive count in body may not byte-match what's still in the
		// list (a concurrent sweep rewrote it); fall back to scanning.
		return q.ackByRunID(ctx, msg.RunID)
	}
	return nil
}

func (q *Queue) ackByRunID(ctx context.Context, runID string) error {
	entries, err := q.redis.LRange(ctx, q.inFlightKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: ack scan: %w", err)
	}
	for _, e := range entries {
		var m Message
		if err := json.Unmarshal([]byte(e), &m); err != nil {
			continue
		}
		if m.RunID == runID {
			if err := q.redis.LRem(ctx, q.inFlightKey, 1, e).Err(); err != nil {
				return fmt.Errorf("queue: ack scan remove: %w", err)
			}
			return nil
		}
	}
	return nil
}

// SweepStale returns in-flight entries older than their visibility
// window back onto the main queue, and dead-letters any that have
// exceeded maxReceives. It should be called periodically (the reaper
// owns this cadence). Returns the count of messages redelivered and
// dead-lettered.
func (q *Queue) SweepStale(ctx context.Context) (redelivered int, deadLettered int, err error) {
	entries, err := q.redis.LRange(ctx, q.inFlightKey, 0, -1).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: sweep scan: %w", err)
	}

	for _, e := range entries {
		var msg Message
		if err := json.Unmarshal([]byte(e), &msg); err != nil {
			q.redis.LRem(ctx, q.inFlightKey, 1, e)
			continue
		}
		if time.Since(msg.EnqueuedAt) < q.visibility {
			continue
		}

		if msg.ReceiveCount >= q.maxReceives {
			if err := q.redis.LRem(ctx, q.inFlightKey, 1, e).Err(); err != nil {
				return redelivered, deadLettered, fmt.Errorf("queue: sweep dead-letter: %w", err)
			}
			if err := q.redis.LPush(ctx, q.mainKey+":dead", e).Err(); err != nil {
				q.log.Warn().Err(err).Str("run_id", msg.RunID).Msg("failed to record dead-letter")
			}
			deadLettered++
			continue
		}

		pipe := q.redis.TxPipeline()
		pipe.LRem(ctx, q.inFlightKey, 1, e)
		pipe.LPush(ctx, q.mainKey, e)
		if _, err := pipe.Exec(ctx); err != nil {
			return redelivered, deadLettered, fmt.Errorf("queue: sweep redeliver: %w", err)
		}
		redelivered++
	}

	return redelivered, deadLettered, nil
}

// DeadLetterCount reports how many messages are parked in the
// dead-letter list (admin visibility).
func (q *Queue) DeadLetterCount(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, q.mainKey+":dead").Result()
}
