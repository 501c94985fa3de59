// Package redis counts per-recipient sends in fixed hour and day windows.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmehra2102/payment-reconciliation/internal/config"
)

type window struct {
	name  string
	size  time.Duration
	limit int
}

// Limiter is a soft limit: two workers can both pass the read before either
// increments, so a window may overshoot by the number of concurrent workers.
type Limiter struct {
	rdb      *redis.Client
	settings config.Provider
	now      func() time.Time
}

func NewLimiter(rdb *redis.Client, settings config.Provider) *Limiter {
	return &Limiter{rdb: rdb, settings: settings, now: time.Now}
}

func (l *Limiter) windows() []window {
	rl := l.settings.Settings().RateLimit
	var ws []window
	if rl.PerHour > 0 {
		ws = append(ws, window{name: "hour", size: time.Hour, limit: rl.PerHour})
	}
	if rl.PerDay > 0 {
		ws = append(ws, window{name: "day", size: 24 * time.Hour, limit: rl.PerDay})
	}
	return ws
}

func key(w window, recipient string, start time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", w.name, recipient, start.Unix())
}

// Allow consumes one slot in every configured window, or reports the first
// exhausted window and when it resets.
func (l *Limiter) Allow(ctx context.Context, recipient string) (bool, string, time.Time, error) {
	ws := l.windows()
	if len(ws) == 0 {
		return true, "", time.Time{}, nil
	}
	now := l.now().UTC()

	keys := make([]string, len(ws))
	starts := make([]time.Time, len(ws))
	for i, w := range ws {
		starts[i] = now.Truncate(w.size)
		keys[i] = key(w, recipient, starts[i])
	}

	counts, err := l.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return false, "", time.Time{}, fmt.Errorf("read rate windows: %w", err)
	}
	for i, w := range ws {
		if n := toInt(counts[i]); n >= w.limit {
			return false, w.name, starts[i].Add(w.size), nil
		}
	}

	_, err = l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, w := range ws {
			p.Incr(ctx, keys[i])
			p.Expire(ctx, keys[i], w.size+time.Minute)
		}
		return nil
	})
	if err != nil {
		return false, "", time.Time{}, fmt.Errorf("count send: %w", err)
	}
	return true, "", time.Time{}, nil
}

// refundScript decrements each window that still holds a count, so a refund
// that lands after its window expired is a no-op.
var refundScript = redis.NewScript(`
for _, k in ipairs(KEYS) do
  local n = tonumber(redis.call('GET', k) or '0')
  if n and n > 0 then
    redis.call('DECR', k)
  end
end
return 0
`)

// Refund gives back the slot an Allow at takenAt consumed in every window.
func (l *Limiter) Refund(ctx context.Context, recipient string, takenAt time.Time) error {
	ws := l.windows()
	if len(ws) == 0 {
		return nil
	}
	at := takenAt.UTC()
	keys := make([]string, len(ws))
	for i, w := range ws {
		keys[i] = key(w, recipient, at.Truncate(w.size))
	}
	if err := refundScript.Run(ctx, l.rdb, keys).Err(); err != nil {
		return fmt.Errorf("refund send: %w", err)
	}
	return nil
}

func toInt(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}
