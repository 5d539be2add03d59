// Package ratelimit implements a per-tenant fixed-window limiter for
// the poll endpoint, using a Redis INCR/EXPIRE pair run as a small
// atomic Lua script, in the same style as the ledger's own scripts,
// rather than a separate token-bucket library.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const windowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_seconds = tonumber(ARGV[2])

local count = redis.call("INCR", key)
if count == 1 then
	redis.call("EXPIRE", key, window_seconds)
end

if count > limit then
	local ttl = redis.call("TTL", key)
	return {0, ttl}
end

return {1, 0}
`

// Limiter enforces a fixed per-tenant request budget per fixed window
// of the configured length, starting at the window's first request.
type Limiter struct {
	redis        *redis.Client
	script       *redis.Script
	limit        int
	window       time.Duration
}

func New(client *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{redis: client, script: redis.NewScript(windowScript), limit: limit, window: window}
}

// Allow reports whether the call is within budget, and if not, how
// many seconds until the window resets (used to populate the 429's
// Retry-After header).
func (l *Limiter) Allow(ctx context.Context, tenantID string) (allowed bool, retryAfterSeconds int, err error) {
	res, err := l.script.Run(ctx, l.redis,
		[]string{"ratelimit:" + tenantID},
		l.limit, int(l.window.Seconds()),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: malformed script reply %v", res)
	}
	ok, ok1 := res[0].(int64)
	retryAfter, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, fmt.Errorf("ratelimit: malformed script reply types %v", res)
	}
	return ok == 1, int(retryAfter), nil
}
