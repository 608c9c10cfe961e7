// Package store persists the gateway catalog (users, keys, providers, model
// prices, sensitive words, settings) and the per-request usage records, and
// serves the aggregation queries behind the dashboard.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store defines the persistence interface for relaygate.
type Store interface {
	// Users
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpsertUser(ctx context.Context, u User) error

	// Keys
	ListKeys(ctx context.Context) ([]Key, error)
	ListActiveKeys(ctx context.Context) ([]Key, error)
	GetKey(ctx context.Context, id string) (*Key, error)
	CreateKey(ctx context.Context, k Key) error
	UpdateKey(ctx context.Context, k Key) error
	SoftDeleteKey(ctx context.Context, id string) error

	// Providers
	ListProviders(ctx context.Context) ([]Provider, error)
	GetProvider(ctx context.Context, id string) (*Provider, error)
	UpsertProvider(ctx context.Context, p Provider) error
	SoftDeleteProvider(ctx context.Context, id string) error

	// Model prices (append-only history; reads return latest per model)
	AppendModelPrice(ctx context.Context, p ModelPrice) error
	LatestModelPrices(ctx context.Context) ([]ModelPrice, error)

	// Sensitive words
	ListSensitiveWords(ctx context.Context) ([]SensitiveWord, error)
	UpsertSensitiveWord(ctx context.Context, w SensitiveWord) error
	DeleteSensitiveWord(ctx context.Context, id int64) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Usage records
	InsertMessageRequest(ctx context.Context, r MessageRequest) error
	GetMessageRequest(ctx context.Context, id string) (*MessageRequest, error)
	ListMessageRequests(ctx context.Context, q UsageQuery) ([]MessageRequest, error)

	// Aggregations
	SessionAggregate(ctx context.Context, sessionID string) (*SessionAggregate, error)
	UserRollups(ctx context.Context, since time.Time, limit int) ([]UserRollup, error)
	ProviderToday(ctx context.Context, providerID string, dayStart time.Time) (*ProviderToday, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Role values for User.Role.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Provider dialects.
const (
	ProviderTypeClaude = "claude"
	ProviderTypeCodex  = "codex"
)

// User is an account that owns keys. Mutable only through admin actions.
type User struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	RPMLimit      int        `json:"rpm_limit"`       // requests per minute, 0 = unlimited
	DailyQuotaUSD float64    `json:"daily_quota_usd"` // 0 = unlimited
	ProviderGroup string     `json:"provider_group,omitempty"`
	Enabled       bool       `json:"enabled"`
	CreatedAt     time.Time  `json:"created_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Key is a client-facing credential. The secret is stored as a bcrypt hash of
// its SHA-256; the plaintext is returned exactly once at creation.
type Key struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	SecretHash     string     `json:"-"`
	Name           string     `json:"name"`
	Enabled        bool       `json:"enabled"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Limit5hUSD     float64    `json:"limit_5h_usd"`
	LimitWeeklyUSD float64    `json:"limit_weekly_usd"`
	LimitMonthUSD  float64    `json:"limit_monthly_usd"`
	MaxSessions    int64      `json:"max_concurrent_sessions"`
	WebLogin       bool       `json:"web_login"` // control-plane login capability
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// Provider is an upstream endpoint account. Lower Priority wins; Weight
// drives the random draw inside a priority layer.
type Provider struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	BaseURL        string            `json:"base_url"`
	APIKey         string            `json:"-"`
	Type           string            `json:"type"` // claude or codex
	Enabled        bool              `json:"enabled"`
	Priority       int               `json:"priority"`
	Weight         int               `json:"weight"` // 1..100
	CostMultiplier float64           `json:"cost_multiplier"`
	GroupTag       string            `json:"group_tag,omitempty"`
	ModelRedirects map[string]string `json:"model_redirects,omitempty"`
	ModelWhitelist []string          `json:"model_whitelist,omitempty"`
	Limit5hUSD     float64           `json:"limit_5h_usd"`
	LimitWeeklyUSD float64           `json:"limit_weekly_usd"`
	LimitMonthUSD  float64           `json:"limit_monthly_usd"`
	MaxSessions    int64             `json:"max_concurrent_sessions"`
	CreatedAt      time.Time         `json:"created_at"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"`
}

// AllowsModel reports whether the provider's optional whitelist admits the
// model. The whitelist is checked against the requested model, before any
// redirect is applied.
func (p *Provider) AllowsModel(model string) bool {
	if len(p.ModelWhitelist) == 0 {
		return true
	}
	for _, m := range p.ModelWhitelist {
		if m == model {
			return true
		}
	}
	return false
}

// RedirectModel maps a requested model to the provider's target model,
// returning the input unchanged when no redirect is configured.
func (p *Provider) RedirectModel(model string) string {
	if target, ok := p.ModelRedirects[model]; ok && target != "" {
		return target
	}
	return model
}

// PriceData carries per-token unit costs in USD.
type PriceData struct {
	InputCostPerToken       float64  `json:"input_cost_per_token"`
	OutputCostPerToken      float64  `json:"output_cost_per_token"`
	CacheCreateCostPerToken *float64 `json:"cache_creation_input_token_cost,omitempty"`
	CacheReadCostPerToken   *float64 `json:"cache_read_input_token_cost,omitempty"`
}

// ModelPrice is one row of the append-only price history.
type ModelPrice struct {
	ID         int64     `json:"id"`
	ModelName  string    `json:"model_name"`
	Price      PriceData `json:"price_data"`
	ObservedAt time.Time `json:"observed_at"`
}

// Sensitive-word match modes.
const (
	MatchContains = "contains"
	MatchExact    = "exact"
	MatchRegex    = "regex"
)

// SensitiveWord is one admin-defined blocked term.
type SensitiveWord struct {
	ID        int64     `json:"id"`
	Word      string    `json:"word"`
	MatchType string    `json:"match_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage is the token counters extracted from an upstream response.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	CacheCreateTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens   int64 `json:"cache_read_input_tokens"`
}

// Total returns the sum of all token counters.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreateTokens + u.CacheReadTokens
}

// MessageRequest is the persisted record of one logical client request.
// Written once; identity fields are never mutated afterwards.
type MessageRequest struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	KeyID          string          `json:"key_id"`
	ProviderID     *string         `json:"provider_id,omitempty"` // nil when blocked pre-dispatch
	Model          string          `json:"model"`
	OriginalModel  string          `json:"original_model"` // pre-redirect
	SessionID      string          `json:"session_id"`
	StatusCode     int             `json:"status_code"`
	DurationMs     int64           `json:"duration_ms"`
	Usage          Usage           `json:"usage"`
	CostUSD        string          `json:"cost_usd"` // decimal string, 15 fractional digits
	CostMultiplier float64         `json:"cost_multiplier"`
	PriceMissing   bool            `json:"price_missing,omitempty"`
	DecisionChain  json.RawMessage `json:"decision_chain,omitempty"`
	BlockReason    string          `json:"block_reason,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	UserAgent      string          `json:"user_agent,omitempty"`
	MessageCount   int             `json:"message_count"`
	CreatedAt      time.Time       `json:"created_at"`
}

// UsageQuery filters ListMessageRequests. Zero values mean "no filter".
type UsageQuery struct {
	UserID    string
	KeyID     string
	SessionID string
	Limit     int
	Offset    int
}

// SessionAggregate is the dashboard roll-up for one session. Nil is returned
// when the session has no usage records.
type SessionAggregate struct {
	SessionID         string  `json:"session_id"`
	Requests          int64   `json:"requests"`
	InputTokens       int64   `json:"input_tokens"`
	OutputTokens      int64   `json:"output_tokens"`
	CacheCreateTokens int64   `json:"cache_creation_input_tokens"`
	CacheReadTokens   int64   `json:"cache_read_input_tokens"`
	CostUSD           float64 `json:"cost_usd"`
	DurationMs        int64   `json:"duration_ms"`
	DistinctProviders int64   `json:"distinct_providers"`
	DistinctModels    int64   `json:"distinct_models"`
}

// UserRollup is one leaderboard row.
type UserRollup struct {
	UserID      string  `json:"user_id"`
	Requests    int64   `json:"requests"`
	TotalTokens int64   `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
}

// ProviderToday is the per-provider dashboard snapshot.
type ProviderToday struct {
	ProviderID   string     `json:"provider_id"`
	Requests     int64      `json:"requests"`
	TotalTokens  int64      `json:"total_tokens"`
	CostUSD      float64    `json:"cost_usd"`
	LastCallAt   *time.Time `json:"last_call_at,omitempty"`
	LastStatus   int        `json:"last_status,omitempty"`
	LastDuration int64      `json:"last_duration_ms,omitempty"`
}
