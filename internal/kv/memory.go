package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory implements Store in process memory. It backs tests and single-node
// deployments without a Redis. CheckAndTrackSession holds the store mutex for
// the whole sweep/check/upsert sequence, which gives it the same atomicity as
// the Redis script.
type Memory struct {
	mu      sync.Mutex
	values  map[string]memoryValue
	zsets   map[string]map[string]float64
	expiry  map[string]time.Time // zset expiry; string values carry their own
	nowFunc func() time.Time
}

type memoryValue struct {
	data      string
	expiresAt time.Time // zero = no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values:  make(map[string]memoryValue),
		zsets:   make(map[string]map[string]float64),
		expiry:  make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (m *Memory) SetNow(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = fn
}

func (m *Memory) Ready(context.Context) bool { return true }

// expired reports whether a string value is past its TTL. Caller holds m.mu.
func (m *Memory) expired(v memoryValue) bool {
	return !v.expiresAt.IsZero() && m.nowFunc().After(v.expiresAt)
}

// zsetLive returns the set for key, dropping it if its TTL lapsed.
// Caller holds m.mu.
func (m *Memory) zsetLive(key string) map[string]float64 {
	if exp, ok := m.expiry[key]; ok && m.nowFunc().After(exp) {
		delete(m.zsets, key)
		delete(m.expiry, key)
	}
	return m.zsets[key]
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok || m.expired(v) {
		delete(m.values, key)
		return "", false, nil
	}
	return v.data, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := memoryValue{data: value}
	if ttl > 0 {
		v.expiresAt = m.nowFunc().Add(ttl)
	}
	m.values[key] = v
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.zsets, k)
		delete(m.expiry, k)
	}
	return nil
}

func (m *Memory) IncrByFloat(_ context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrLocked(key, delta, ttl), nil
}

func (m *Memory) incrLocked(key string, delta float64, ttl time.Duration) float64 {
	var current float64
	if v, ok := m.values[key]; ok && !m.expired(v) {
		current, _ = strconv.ParseFloat(v.data, 64)
	}
	current += delta
	v := memoryValue{data: strconv.FormatFloat(current, 'f', -1, 64)}
	if ttl > 0 {
		v.expiresAt = m.nowFunc().Add(ttl)
	} else if prev, ok := m.values[key]; ok {
		v.expiresAt = prev.expiresAt
	}
	m.values[key] = v
	return current
}

func (m *Memory) IncrManyByFloat(_ context.Context, incs []FloatIncrement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range incs {
		m.incrLocked(inc.Key, inc.Delta, inc.TTL)
	}
	return nil
}

func (m *Memory) ExistsMany(_ context.Context, keys ...string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		v, ok := m.values[k]
		if ok && m.expired(v) {
			delete(m.values, k)
			ok = false
		}
		if !ok {
			ok = m.zsetLive(k) != nil
		}
		out[k] = ok
	}
	return out, nil
}

func (m *Memory) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsetLive(key)
	if set == nil {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (m *Memory) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsetLive(key)
	if set == nil {
		return 0, false, nil
	}
	score, ok := set[member]
	return score, ok, nil
}

func (m *Memory) ZRangeWithScores(_ context.Context, key string) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsetLive(key)
	members := make([]Member, 0, len(set))
	for id, score := range set {
		members = append(members, Member{ID: id, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].ID < members[j].ID
	})
	return members, nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zremRangeLocked(key, max)
	return nil
}

func (m *Memory) zremRangeLocked(key string, max float64) {
	set := m.zsetLive(key)
	for member, score := range set {
		if score <= max {
			delete(set, member)
		}
	}
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsetLive(key)
	for _, member := range members {
		delete(set, member)
	}
	return nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsetLive(key))), nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline := m.nowFunc().Add(ttl)
	if v, ok := m.values[key]; ok {
		v.expiresAt = deadline
		m.values[key] = v
	}
	if _, ok := m.zsets[key]; ok {
		m.expiry[key] = deadline
	}
	return nil
}

func (m *Memory) CheckAndTrackSession(_ context.Context, key, sessionID string, limit int64, window time.Duration) (TrackResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	m.zremRangeLocked(key, float64(now.Add(-window).Unix()))

	set := m.zsetLive(key)
	if set == nil {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	_, tracked := set[sessionID]
	count := int64(len(set))

	if limit > 0 && !tracked && count >= limit {
		return TrackResult{Allowed: false, Count: count, AlreadyTracked: false}, nil
	}

	set[sessionID] = float64(now.Unix())
	m.expiry[key] = now.Add(window)
	return TrackResult{
		Allowed:        true,
		Count:          int64(len(set)),
		AlreadyTracked: tracked,
	}, nil
}
