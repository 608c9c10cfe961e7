package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on top of github.com/redis/go-redis/v9.
type Redis struct {
	client *redis.Client

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewRedis connects to the store at the given URL (redis://host:port/db).
// The connection is verified with a ping so misconfiguration fails at startup.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client, nowFunc: time.Now}, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return r.client.Ping(ctx).Err() == nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	var incr *redis.FloatCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrByFloat(ctx, key, delta)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: incrbyfloat %s: %v", ErrUnavailable, key, err)
	}
	return incr.Val(), nil
}

func (r *Redis) IncrManyByFloat(ctx context.Context, incs []FloatIncrement) error {
	if len(incs) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, inc := range incs {
			pipe.IncrByFloat(ctx, inc.Key, inc.Delta)
			if inc.TTL > 0 {
				pipe.Expire(ctx, inc.Key, inc.TTL)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: pipelined incr: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) ExistsMany(ctx context.Context, keys ...string) (map[string]bool, error) {
	if len(keys) == 0 {
		return map[string]bool{}, nil
	}
	cmds := make([]*redis.IntCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.Exists(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pipelined exists: %v", ErrUnavailable, err)
	}
	out := make(map[string]bool, len(keys))
	for i, k := range keys {
		out[k] = cmds[i].Val() > 0
	}
	return out, nil
}

func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("%w: zadd %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (r *Redis) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := r.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: zscore %s: %v", ErrUnavailable, key, err)
	}
	return score, true, nil
}

func (r *Redis) ZRangeWithScores(ctx context.Context, key string) ([]Member, error) {
	zs, err := r.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: zrange %s: %v", ErrUnavailable, key, err)
	}
	members := make([]Member, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		members = append(members, Member{ID: id, Score: z.Score})
	}
	return members, nil
}

func (r *Redis) ZRemRangeByScore(ctx context.Context, key string, max float64) error {
	maxArg := strconv.FormatFloat(max, 'f', -1, 64)
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", maxArg).Err(); err != nil {
		return fmt.Errorf("%w: zremrangebyscore %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("%w: zrem %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: zcard %s: %v", ErrUnavailable, key, err)
	}
	return n, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("%w: expire %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// checkAndTrackScript gates provider concurrency in one EVAL so the
// check-then-act sequence cannot race against concurrent selections.
// Returns {allowed, cardinality_after, already_tracked}.
var checkAndTrackScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local sid = ARGV[3]
local limit = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local tracked = redis.call('ZSCORE', key, sid)
local count = redis.call('ZCARD', key)

if limit > 0 and not tracked and count >= limit then
  return {0, count, 0}
end

redis.call('ZADD', key, now, sid)
redis.call('EXPIRE', key, window)
local after = redis.call('ZCARD', key)
if tracked then
  return {1, after, 1}
end
return {1, after, 0}
`)

func (r *Redis) CheckAndTrackSession(ctx context.Context, key, sessionID string, limit int64, window time.Duration) (TrackResult, error) {
	now := r.nowFunc().Unix()
	res, err := checkAndTrackScript.Run(ctx, r.client,
		[]string{key},
		now, int64(window.Seconds()), sessionID, limit,
	).Slice()
	if err != nil {
		return TrackResult{}, fmt.Errorf("%w: check-and-track %s: %v", ErrUnavailable, key, err)
	}
	if len(res) != 3 {
		return TrackResult{}, fmt.Errorf("check-and-track %s: unexpected reply %v", key, res)
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	tracked, _ := res[2].(int64)
	return TrackResult{
		Allowed:        allowed == 1,
		Count:          count,
		AlreadyTracked: tracked == 1,
	}, nil
}
