package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-outbox/internal/pkg/logger"
)

// SendLimiter is a Redis-backed backstop on per-project send throughput.
// The capacity model already portions out quota per tick; the limiter
// guards against quota double-spend when the tick cursor and the claim
// queries race across replicas. A nil limiter allows everything.
type SendLimiter struct {
	redis  *redis.Client
	script *redis.Script
	window time.Duration
}

// The check and increment must be one atomic step; GET-then-INCR lets two
// replicas both pass the check.
const sendLimitLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// NewSendLimiter creates a limiter over a one-minute bucket. client may be
// nil when Redis is not configured.
func NewSendLimiter(client *redis.Client) *SendLimiter {
	if client == nil {
		return nil
	}
	return &SendLimiter{
		redis:  client,
		script: redis.NewScript(sendLimitLuaScript),
		window: time.Minute,
	}
}

// Allow atomically reserves count sends for the project inside the current
// window, with the limit derived from ratePerSecond. Redis failures allow
// the send: the limiter is a backstop, not the source of truth.
func (l *SendLimiter) Allow(ctx context.Context, projectID string, count int, ratePerSecond float64) bool {
	if l == nil {
		return true
	}

	limit := int64(ratePerSecond*l.window.Seconds()) + 1
	now := time.Now()
	key := fmt.Sprintf("sendlimit:%s:%d", projectID, now.Unix()/int64(l.window.Seconds()))

	result, err := l.script.Run(ctx, l.redis,
		[]string{key},
		count,
		limit,
		int(2*l.window.Seconds()),
	).Slice()
	if err != nil {
		logger.Warn("send limiter check failed, allowing",
			"project_id", projectID,
			"error", err.Error())
		return true
	}

	allowed, _ := result[0].(int64)
	return allowed == 1
}
