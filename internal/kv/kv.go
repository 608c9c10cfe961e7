// Package kv is a thin façade over the key/value store that holds all
// cross-process gateway state: cost counters, concurrency sets, and session
// indexes. Two implementations exist: Redis for production and Memory for
// tests and single-node development. Callers treat an unready store as a
// signal to fail open.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// Dependent services translate it into a fail-open decision.
var ErrUnavailable = errors.New("kv: store unavailable")

// Member is a sorted-set entry: an id scored by a unix timestamp.
type Member struct {
	ID    string
	Score float64
}

// FloatIncrement describes one IncrByFloat applied in a pipelined batch.
// TTL, when positive, is refreshed on the counter key after the increment.
type FloatIncrement struct {
	Key   string
	Delta float64
	TTL   time.Duration
}

// TrackResult is the outcome of the atomic concurrency check-and-track.
type TrackResult struct {
	Allowed        bool
	Count          int64 // set cardinality after the operation
	AlreadyTracked bool  // the session id was present before the call
}

// Store is the adapter surface required by the rate limiter, session tracker,
// and dispatcher. Implementations must make CheckAndTrackSession atomic:
// the expire-sweep, membership check, cardinality read, gate, and upsert
// happen as one indivisible operation.
type Store interface {
	// Ready reports whether the store is reachable. A false return is not an
	// error condition for callers; it selects the fail-open path.
	Ready(ctx context.Context) bool

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// IncrByFloat atomically adds delta to a numeric counter, creating it at
	// zero if absent, and refreshes the TTL when positive.
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)

	// IncrManyByFloat applies all increments in a single pipelined round trip.
	IncrManyByFloat(ctx context.Context, incs []FloatIncrement) error

	// ExistsMany reports, per key, whether the key exists. One round trip.
	ExistsMany(ctx context.Context, keys ...string) (map[string]bool, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRangeWithScores(ctx context.Context, key string) ([]Member, error)
	ZRemRangeByScore(ctx context.Context, key string, max float64) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// CheckAndTrackSession sweeps entries older than now-window from the
	// provider's active-session set, then admits the session id unless the
	// set is at limit and the id is not already a member. limit <= 0 means
	// unlimited. The whole sequence is atomic.
	CheckAndTrackSession(ctx context.Context, key, sessionID string, limit int64, window time.Duration) (TrackResult, error)
}
