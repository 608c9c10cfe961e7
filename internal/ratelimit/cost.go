// Package ratelimit enforces the gateway's spending and throughput limits:
// rolling cost windows per key and provider, atomic provider concurrency, and
// a per-key requests-per-minute bucket.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/relaygate/relaygate/internal/kv"
)

// Rolling window lengths for cost caps.
const (
	Window5h    = 5 * time.Hour
	WindowWeek  = 7 * 24 * time.Hour
	WindowMonth = 30 * 24 * time.Hour
)

// ConcurrencyWindow is the liveness window for provider concurrency slots.
const ConcurrencyWindow = 5 * time.Minute

// Caps are the three window limits for one scope. Zero means unlimited.
type Caps struct {
	Limit5h    float64
	LimitWeek  float64
	LimitMonth float64
}

// CheckResult reports a cost-window decision. When Allowed is false, Window
// names the first window found at or over its cap.
type CheckResult struct {
	Allowed bool    `json:"allowed"`
	Window  string  `json:"window,omitempty"`
	Current float64 `json:"current,omitempty"`
	Cap     float64 `json:"cap,omitempty"`
}

// CostLimiter tracks rolling USD spend per key and per provider in the KV
// store. Checks fail open: if the store is unreachable the request proceeds.
type CostLimiter struct {
	kv     kv.Store
	logger *slog.Logger
}

// NewCostLimiter creates a limiter over the given KV store.
func NewCostLimiter(store kv.Store, logger *slog.Logger) *CostLimiter {
	return &CostLimiter{kv: store, logger: logger}
}

type window struct {
	name string
	ttl  time.Duration
	cap  func(Caps) float64
}

var windows = []window{
	{name: "5h", ttl: Window5h, cap: func(c Caps) float64 { return c.Limit5h }},
	{name: "weekly", ttl: WindowWeek, cap: func(c Caps) float64 { return c.LimitWeek }},
	{name: "monthly", ttl: WindowMonth, cap: func(c Caps) float64 { return c.LimitMonth }},
}

func costKey(scope, id, windowName string) string {
	return fmt.Sprintf("cost:%s:%s:%s", scope, id, windowName)
}

// Check returns whether the scope is strictly below every configured cap. A
// KV read failure logs a warning and allows the request.
func (l *CostLimiter) Check(ctx context.Context, scope, id string, caps Caps) CheckResult {
	for _, w := range windows {
		limit := w.cap(caps)
		if limit <= 0 {
			continue
		}
		raw, ok, err := l.kv.Get(ctx, costKey(scope, id, w.name))
		if err != nil {
			l.logger.Warn("cost check failed open", "scope", scope, "id", id, "window", w.name, "error", err)
			return CheckResult{Allowed: true}
		}
		if !ok {
			continue
		}
		current, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			l.logger.Warn("cost counter unreadable", "scope", scope, "id", id, "window", w.name, "value", raw)
			continue
		}
		if current >= limit {
			return CheckResult{Allowed: false, Window: w.name, Current: current, Cap: limit}
		}
	}
	return CheckResult{Allowed: true}
}

// Track adds the cost of one finished request to all six counters (three
// windows for the key, three for the provider) in a single pipelined round
// trip, refreshing each TTL. A zero cost only refreshes TTLs, since
// incrementing by zero leaves the counter values unchanged.
func (l *CostLimiter) Track(ctx context.Context, keyID, providerID string, costUSD float64) error {
	incs := make([]kv.FloatIncrement, 0, len(windows)*2)
	for _, w := range windows {
		if keyID != "" {
			incs = append(incs, kv.FloatIncrement{Key: costKey("key", keyID, w.name), Delta: costUSD, TTL: w.ttl})
		}
		if providerID != "" {
			incs = append(incs, kv.FloatIncrement{Key: costKey("provider", providerID, w.name), Delta: costUSD, TTL: w.ttl})
		}
	}
	if err := l.kv.IncrManyByFloat(ctx, incs); err != nil {
		return fmt.Errorf("track cost: %w", err)
	}
	return nil
}

func concurrencyKey(providerID string) string {
	return "concurrency:provider:" + providerID
}

// CheckConcurrency atomically claims a concurrency slot for the session on
// the provider. The KV script sweeps stale slots, rejects when the provider
// is at its limit and the session holds no slot, and otherwise refreshes the
// session's slot. Fails open when the store is unreachable.
func (l *CostLimiter) CheckConcurrency(ctx context.Context, providerID, sessionID string, limit int64) kv.TrackResult {
	res, err := l.kv.CheckAndTrackSession(ctx, concurrencyKey(providerID), sessionID, limit, ConcurrencyWindow)
	if err != nil {
		l.logger.Warn("concurrency check failed open", "provider_id", providerID, "error", err)
		return kv.TrackResult{Allowed: true}
	}
	return res
}

// ReleaseConcurrency frees the session's slot on the provider, used when a
// selected provider is abandoned before any traffic was sent.
func (l *CostLimiter) ReleaseConcurrency(ctx context.Context, providerID, sessionID string) {
	if err := l.kv.ZRem(ctx, concurrencyKey(providerID), sessionID); err != nil {
		l.logger.Warn("concurrency release failed", "provider_id", providerID, "error", err)
	}
}

func keySessionsKey(keyID string) string {
	return "concurrency:key:" + keyID
}

// CheckKeySessions atomically claims a concurrent-session slot for the key,
// using the same sweep-check-track script as provider concurrency. Fails open
// when the store is unreachable.
func (l *CostLimiter) CheckKeySessions(ctx context.Context, keyID, sessionID string, limit int64) kv.TrackResult {
	res, err := l.kv.CheckAndTrackSession(ctx, keySessionsKey(keyID), sessionID, limit, ConcurrencyWindow)
	if err != nil {
		l.logger.Warn("key session check failed open", "key_id", keyID, "error", err)
		return kv.TrackResult{Allowed: true}
	}
	return res
}
