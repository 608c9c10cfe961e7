// Package session tracks live conversational threads. A session id names a
// thread that spans many HTTP requests; the tracker keeps sorted-set indexes
// (global, per-key, per-provider) scored by last-seen time, plus a small info
// record per session, all in the KV store so every gateway process sees the
// same view.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/kv"
)

// DefaultExpiry is how long a session stays live without a heartbeat.
const DefaultExpiry = 5 * time.Minute

const (
	globalIndexKey    = "sessions:active"
	keyIndexPrefix    = "sessions:key:"
	providerIndexKey  = "sessions:provider:"
	infoKeyPrefix     = "session:"
	infoKeySuffix     = ":info"
	infoRetentionSlop = 2 // info records outlive index entries by this factor
)

// Info is the per-session descriptor stored alongside the indexes.
type Info struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	KeyID      string    `json:"key_id"`
	ProviderID string    `json:"provider_id,omitempty"`
	Model      string    `json:"model,omitempty"`
	APIType    string    `json:"api_type,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Tracker maintains the session indexes. All methods fail open: a KV outage
// degrades session features but never blocks a request.
type Tracker struct {
	kv     kv.Store
	logger *slog.Logger
	expiry time.Duration

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithExpiry overrides the session liveness window.
func WithExpiry(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.expiry = d
		}
	}
}

// New creates a Tracker backed by the given KV store.
func New(store kv.Store, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		kv:      store,
		logger:  logger,
		expiry:  DefaultExpiry,
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// NewSessionID mints a fresh session id for requests that arrive without one.
func NewSessionID() string {
	return uuid.NewString()
}

func keyIndex(keyID string) string        { return keyIndexPrefix + keyID }
func providerIndex(provID string) string  { return providerIndexKey + provID }
func infoKey(sessionID string) string     { return infoKeyPrefix + sessionID + infoKeySuffix }
func (t *Tracker) cutoff() float64        { return float64(t.nowFunc().Add(-t.expiry).Unix()) }
func (t *Tracker) nowScore() float64      { return float64(t.nowFunc().Unix()) }
func (t *Tracker) infoTTL() time.Duration { return t.expiry * infoRetentionSlop }

// Touch records a heartbeat for the session across all three indexes and
// upserts the info record. Called once per request after provider selection.
func (t *Tracker) Touch(ctx context.Context, info Info) {
	now := t.nowFunc()
	score := t.nowScore()
	cutoff := t.cutoff()

	indexes := []string{globalIndexKey, keyIndex(info.KeyID)}
	if info.ProviderID != "" {
		indexes = append(indexes, providerIndex(info.ProviderID))
	}
	for _, idx := range indexes {
		if err := t.kv.ZRemRangeByScore(ctx, idx, cutoff); err != nil {
			t.logger.Warn("session sweep failed", "index", idx, "error", err)
			return
		}
		if err := t.kv.ZAdd(ctx, idx, info.SessionID, score); err != nil {
			t.logger.Warn("session heartbeat failed", "index", idx, "error", err)
			return
		}
		if err := t.kv.Expire(ctx, idx, t.infoTTL()); err != nil {
			t.logger.Warn("session index expire failed", "index", idx, "error", err)
		}
	}

	info.LastSeenAt = now
	if info.StartedAt.IsZero() {
		info.StartedAt = now
	}
	if existing, ok := t.getInfo(ctx, info.SessionID); ok {
		info.StartedAt = existing.StartedAt
	}
	data, err := json.Marshal(info)
	if err != nil {
		t.logger.Warn("session info encode failed", "session_id", info.SessionID, "error", err)
		return
	}
	if err := t.kv.Set(ctx, infoKey(info.SessionID), string(data), t.infoTTL()); err != nil {
		t.logger.Warn("session info write failed", "session_id", info.SessionID, "error", err)
	}
}

func (t *Tracker) getInfo(ctx context.Context, sessionID string) (Info, bool) {
	raw, ok, err := t.kv.Get(ctx, infoKey(sessionID))
	if err != nil || !ok {
		return Info{}, false
	}
	var info Info
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return Info{}, false
	}
	return info, true
}

// LastProvider returns the provider the session last used, for stickiness.
func (t *Tracker) LastProvider(ctx context.Context, sessionID string) (string, bool) {
	info, ok := t.getInfo(ctx, sessionID)
	if !ok || info.ProviderID == "" {
		return "", false
	}
	return info.ProviderID, true
}

// liveMembers sweeps an index and returns the members whose info record still
// exists. Stale members (index entry but no info) are purged.
func (t *Tracker) liveMembers(ctx context.Context, index string) ([]kv.Member, error) {
	if err := t.kv.ZRemRangeByScore(ctx, index, t.cutoff()); err != nil {
		return nil, fmt.Errorf("sweep %s: %w", index, err)
	}
	members, err := t.kv.ZRangeWithScores(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", index, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	infoKeys := make([]string, len(members))
	for i, m := range members {
		infoKeys[i] = infoKey(m.ID)
	}
	exists, err := t.kv.ExistsMany(ctx, infoKeys...)
	if err != nil {
		return nil, fmt.Errorf("info check: %w", err)
	}

	var live []kv.Member
	var stale []string
	for _, m := range members {
		if exists[infoKey(m.ID)] {
			live = append(live, m)
		} else {
			stale = append(stale, m.ID)
		}
	}
	if len(stale) > 0 {
		if err := t.kv.ZRem(ctx, index, stale...); err != nil {
			t.logger.Warn("stale session purge failed", "index", index, "error", err)
		}
	}
	return live, nil
}

// CountActive returns the number of live sessions globally. Fails open to 0.
func (t *Tracker) CountActive(ctx context.Context) int64 {
	return t.count(ctx, globalIndexKey)
}

// CountForKey returns the number of live sessions held by a key.
func (t *Tracker) CountForKey(ctx context.Context, keyID string) int64 {
	return t.count(ctx, keyIndex(keyID))
}

// CountForProvider returns the number of live sessions on a provider.
func (t *Tracker) CountForProvider(ctx context.Context, providerID string) int64 {
	return t.count(ctx, providerIndex(providerID))
}

func (t *Tracker) count(ctx context.Context, index string) int64 {
	live, err := t.liveMembers(ctx, index)
	if err != nil {
		t.logger.Warn("session count failed", "index", index, "error", err)
		return 0
	}
	return int64(len(live))
}

// ListActive returns the info records for all live sessions in the global
// index, most recently seen first.
func (t *Tracker) ListActive(ctx context.Context) ([]Info, error) {
	live, err := t.liveMembers(ctx, globalIndexKey)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(live))
	for i := len(live) - 1; i >= 0; i-- {
		if info, ok := t.getInfo(ctx, live[i].ID); ok {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// End drops the session from every index and deletes its info record.
func (t *Tracker) End(ctx context.Context, sessionID string) {
	info, _ := t.getInfo(ctx, sessionID)
	indexes := []string{globalIndexKey, keyIndex(info.KeyID)}
	if info.ProviderID != "" {
		indexes = append(indexes, providerIndex(info.ProviderID))
	}
	for _, idx := range indexes {
		if err := t.kv.ZRem(ctx, idx, sessionID); err != nil {
			t.logger.Warn("session removal failed", "index", idx, "error", err)
		}
	}
	if err := t.kv.Delete(ctx, infoKey(sessionID)); err != nil {
		t.logger.Warn("session info delete failed", "session_id", sessionID, "error", err)
	}
}
