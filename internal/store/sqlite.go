package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			rpm_limit INTEGER NOT NULL DEFAULT 0,
			daily_quota_usd REAL NOT NULL DEFAULT 0,
			provider_group TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			deleted_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			expires_at TEXT,
			limit_5h_usd REAL NOT NULL DEFAULT 0,
			limit_weekly_usd REAL NOT NULL DEFAULT 0,
			limit_monthly_usd REAL NOT NULL DEFAULT 0,
			max_sessions INTEGER NOT NULL DEFAULT 0,
			web_login INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			deleted_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_keys_user ON keys(user_id)`,
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			base_url TEXT NOT NULL,
			api_key TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			weight INTEGER NOT NULL DEFAULT 1,
			cost_multiplier REAL NOT NULL DEFAULT 1,
			group_tag TEXT NOT NULL DEFAULT '',
			model_redirects TEXT NOT NULL DEFAULT '{}',
			model_whitelist TEXT NOT NULL DEFAULT '[]',
			limit_5h_usd REAL NOT NULL DEFAULT 0,
			limit_weekly_usd REAL NOT NULL DEFAULT 0,
			limit_monthly_usd REAL NOT NULL DEFAULT 0,
			max_sessions INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			deleted_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS model_prices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model_name TEXT NOT NULL,
			price_data TEXT NOT NULL,
			observed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_model_prices_name ON model_prices(model_name, observed_at)`,
		`CREATE TABLE IF NOT EXISTS sensitive_words (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			word TEXT NOT NULL,
			match_type TEXT NOT NULL DEFAULT 'contains',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_requests (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			key_id TEXT NOT NULL,
			provider_id TEXT,
			model TEXT NOT NULL DEFAULT '',
			original_model TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_create_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd TEXT NOT NULL DEFAULT '0',
			cost_multiplier REAL NOT NULL DEFAULT 1,
			price_missing INTEGER NOT NULL DEFAULT 0,
			decision_chain TEXT NOT NULL DEFAULT '[]',
			block_reason TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_requests_session ON message_requests(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_message_requests_user ON message_requests(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_message_requests_provider ON message_requests(provider_id, created_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Timestamps are stored as RFC 3339 text.

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// Users

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, rpm_limit, daily_quota_usd, provider_group, enabled, created_at, deleted_at
		 FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var created string
	var deleted sql.NullString
	err := row.Scan(&u.ID, &u.Name, &u.Role, &u.RPMLimit, &u.DailyQuotaUSD, &u.ProviderGroup, &u.Enabled, &created, &deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(created)
	u.DeletedAt = parseTimePtr(deleted)
	return &u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, role, rpm_limit, daily_quota_usd, provider_group, enabled, created_at, deleted_at
		 FROM users WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		var created string
		var deleted sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.RPMLimit, &u.DailyQuotaUSD, &u.ProviderGroup, &u.Enabled, &created, &deleted); err != nil {
			return nil, err
		}
		u.CreatedAt = parseTime(created)
		u.DeletedAt = parseTimePtr(deleted)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, role, rpm_limit, daily_quota_usd, provider_group, enabled, created_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   role=excluded.role,
		   rpm_limit=excluded.rpm_limit,
		   daily_quota_usd=excluded.daily_quota_usd,
		   provider_group=excluded.provider_group,
		   enabled=excluded.enabled,
		   deleted_at=excluded.deleted_at`,
		u.ID, u.Name, u.Role, u.RPMLimit, u.DailyQuotaUSD, u.ProviderGroup, u.Enabled, fmtTime(u.CreatedAt), fmtTimePtr(u.DeletedAt))
	return err
}

// Keys

const keyColumns = `id, user_id, secret_hash, name, enabled, expires_at,
	limit_5h_usd, limit_weekly_usd, limit_monthly_usd, max_sessions, web_login, created_at, deleted_at`

// ListKeys returns every non-deleted key, including disabled and expired
// ones. Credential resolution scans this set so a known key that fails the
// activity check is reported as disabled, not invalid.
func (s *SQLiteStore) ListKeys(ctx context.Context) ([]Key, error) {
	return s.queryKeys(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE deleted_at IS NULL`)
}

func (s *SQLiteStore) ListActiveKeys(ctx context.Context) ([]Key, error) {
	return s.queryKeys(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE enabled = 1 AND deleted_at IS NULL`)
}

func (s *SQLiteStore) queryKeys(ctx context.Context, query string) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []Key
	for rows.Next() {
		k, err := scanKeyRow(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func scanKeyRow(rows *sql.Rows) (Key, error) {
	var k Key
	var expires, deleted sql.NullString
	var created string
	err := rows.Scan(&k.ID, &k.UserID, &k.SecretHash, &k.Name, &k.Enabled, &expires,
		&k.Limit5hUSD, &k.LimitWeeklyUSD, &k.LimitMonthUSD, &k.MaxSessions, &k.WebLogin, &created, &deleted)
	if err != nil {
		return Key{}, err
	}
	k.ExpiresAt = parseTimePtr(expires)
	k.CreatedAt = parseTime(created)
	k.DeletedAt = parseTimePtr(deleted)
	return k, nil
}

func (s *SQLiteStore) GetKey(ctx context.Context, id string) (*Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM keys WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	k, err := scanKeyRow(rows)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *SQLiteStore) CreateKey(ctx context.Context, k Key) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO keys (`+keyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.SecretHash, k.Name, k.Enabled, fmtTimePtr(k.ExpiresAt),
		k.Limit5hUSD, k.LimitWeeklyUSD, k.LimitMonthUSD, k.MaxSessions, k.WebLogin, fmtTime(k.CreatedAt), fmtTimePtr(k.DeletedAt))
	return err
}

func (s *SQLiteStore) UpdateKey(ctx context.Context, k Key) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE keys SET secret_hash=?, name=?, enabled=?, expires_at=?,
		   limit_5h_usd=?, limit_weekly_usd=?, limit_monthly_usd=?, max_sessions=?, web_login=?, deleted_at=?
		 WHERE id=?`,
		k.SecretHash, k.Name, k.Enabled, fmtTimePtr(k.ExpiresAt),
		k.Limit5hUSD, k.LimitWeeklyUSD, k.LimitMonthUSD, k.MaxSessions, k.WebLogin, fmtTimePtr(k.DeletedAt), k.ID)
	return err
}

func (s *SQLiteStore) SoftDeleteKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE keys SET deleted_at=? WHERE id=?`, fmtTime(time.Now()), id)
	return err
}

// Providers

const providerColumns = `id, name, base_url, api_key, type, enabled, priority, weight,
	cost_multiplier, group_tag, model_redirects, model_whitelist,
	limit_5h_usd, limit_weekly_usd, limit_monthly_usd, max_sessions, created_at, deleted_at`

func (s *SQLiteStore) ListProviders(ctx context.Context) ([]Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE deleted_at IS NULL ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var providers []Provider
	for rows.Next() {
		p, err := scanProviderRow(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func scanProviderRow(rows *sql.Rows) (Provider, error) {
	var p Provider
	var redirects, whitelist, created string
	var deleted sql.NullString
	err := rows.Scan(&p.ID, &p.Name, &p.BaseURL, &p.APIKey, &p.Type, &p.Enabled, &p.Priority, &p.Weight,
		&p.CostMultiplier, &p.GroupTag, &redirects, &whitelist,
		&p.Limit5hUSD, &p.LimitWeeklyUSD, &p.LimitMonthUSD, &p.MaxSessions, &created, &deleted)
	if err != nil {
		return Provider{}, err
	}
	if err := json.Unmarshal([]byte(redirects), &p.ModelRedirects); err != nil {
		return Provider{}, fmt.Errorf("provider %s redirects: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(whitelist), &p.ModelWhitelist); err != nil {
		return Provider{}, fmt.Errorf("provider %s whitelist: %w", p.ID, err)
	}
	p.CreatedAt = parseTime(created)
	p.DeletedAt = parseTimePtr(deleted)
	return p, nil
}

func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (*Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	p, err := scanProviderRow(rows)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) UpsertProvider(ctx context.Context, p Provider) error {
	redirects, err := json.Marshal(orEmptyMap(p.ModelRedirects))
	if err != nil {
		return err
	}
	whitelist, err := json.Marshal(orEmptySlice(p.ModelWhitelist))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO providers (`+providerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   base_url=excluded.base_url,
		   api_key=excluded.api_key,
		   type=excluded.type,
		   enabled=excluded.enabled,
		   priority=excluded.priority,
		   weight=excluded.weight,
		   cost_multiplier=excluded.cost_multiplier,
		   group_tag=excluded.group_tag,
		   model_redirects=excluded.model_redirects,
		   model_whitelist=excluded.model_whitelist,
		   limit_5h_usd=excluded.limit_5h_usd,
		   limit_weekly_usd=excluded.limit_weekly_usd,
		   limit_monthly_usd=excluded.limit_monthly_usd,
		   max_sessions=excluded.max_sessions,
		   deleted_at=excluded.deleted_at`,
		p.ID, p.Name, p.BaseURL, p.APIKey, p.Type, p.Enabled, p.Priority, p.Weight,
		p.CostMultiplier, p.GroupTag, string(redirects), string(whitelist),
		p.Limit5hUSD, p.LimitWeeklyUSD, p.LimitMonthUSD, p.MaxSessions, fmtTime(p.CreatedAt), fmtTimePtr(p.DeletedAt))
	return err
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *SQLiteStore) SoftDeleteProvider(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE providers SET deleted_at=? WHERE id=?`, fmtTime(time.Now()), id)
	return err
}

// Model prices

func (s *SQLiteStore) AppendModelPrice(ctx context.Context, p ModelPrice) error {
	data, err := json.Marshal(p.Price)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_prices (model_name, price_data, observed_at) VALUES (?, ?, ?)`,
		p.ModelName, string(data), fmtTime(p.ObservedAt))
	return err
}

// LatestModelPrices returns the most recent price row per model name.
func (s *SQLiteStore) LatestModelPrices(ctx context.Context) ([]ModelPrice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mp.id, mp.model_name, mp.price_data, mp.observed_at
		 FROM model_prices mp
		 JOIN (SELECT model_name, MAX(id) AS max_id FROM model_prices GROUP BY model_name) latest
		   ON mp.id = latest.max_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var prices []ModelPrice
	for rows.Next() {
		var p ModelPrice
		var data, observed string
		if err := rows.Scan(&p.ID, &p.ModelName, &data, &observed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &p.Price); err != nil {
			return nil, fmt.Errorf("price %s: %w", p.ModelName, err)
		}
		p.ObservedAt = parseTime(observed)
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// Sensitive words

func (s *SQLiteStore) ListSensitiveWords(ctx context.Context) ([]SensitiveWord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, word, match_type, created_at FROM sensitive_words ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var words []SensitiveWord
	for rows.Next() {
		var w SensitiveWord
		var created string
		if err := rows.Scan(&w.ID, &w.Word, &w.MatchType, &created); err != nil {
			return nil, err
		}
		w.CreatedAt = parseTime(created)
		words = append(words, w)
	}
	return words, rows.Err()
}

func (s *SQLiteStore) UpsertSensitiveWord(ctx context.Context, w SensitiveWord) error {
	if w.ID == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sensitive_words (word, match_type, created_at) VALUES (?, ?, ?)`,
			w.Word, w.MatchType, fmtTime(w.CreatedAt))
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sensitive_words SET word=?, match_type=? WHERE id=?`, w.Word, w.MatchType, w.ID)
	return err
}

func (s *SQLiteStore) DeleteSensitiveWord(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sensitive_words WHERE id=?`, id)
	return err
}

// Settings

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// Usage records

const messageRequestColumns = `id, user_id, key_id, provider_id, model, original_model, session_id,
	status_code, duration_ms, input_tokens, output_tokens, cache_create_tokens, cache_read_tokens,
	cost_usd, cost_multiplier, price_missing, decision_chain, block_reason, error_message,
	user_agent, message_count, created_at`

func (s *SQLiteStore) InsertMessageRequest(ctx context.Context, r MessageRequest) error {
	chain := r.DecisionChain
	if len(chain) == 0 {
		chain = json.RawMessage("[]")
	}
	var providerID any
	if r.ProviderID != nil {
		providerID = *r.ProviderID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_requests (`+messageRequestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.KeyID, providerID, r.Model, r.OriginalModel, r.SessionID,
		r.StatusCode, r.DurationMs, r.Usage.InputTokens, r.Usage.OutputTokens,
		r.Usage.CacheCreateTokens, r.Usage.CacheReadTokens,
		r.CostUSD, r.CostMultiplier, r.PriceMissing, string(chain), r.BlockReason, r.ErrorMessage,
		r.UserAgent, r.MessageCount, fmtTime(r.CreatedAt))
	return err
}

func scanMessageRequest(rows *sql.Rows) (MessageRequest, error) {
	var r MessageRequest
	var providerID sql.NullString
	var chain, created string
	err := rows.Scan(&r.ID, &r.UserID, &r.KeyID, &providerID, &r.Model, &r.OriginalModel, &r.SessionID,
		&r.StatusCode, &r.DurationMs, &r.Usage.InputTokens, &r.Usage.OutputTokens,
		&r.Usage.CacheCreateTokens, &r.Usage.CacheReadTokens,
		&r.CostUSD, &r.CostMultiplier, &r.PriceMissing, &chain, &r.BlockReason, &r.ErrorMessage,
		&r.UserAgent, &r.MessageCount, &created)
	if err != nil {
		return MessageRequest{}, err
	}
	if providerID.Valid {
		r.ProviderID = &providerID.String
	}
	r.DecisionChain = json.RawMessage(chain)
	r.CreatedAt = parseTime(created)
	return r, nil
}

func (s *SQLiteStore) GetMessageRequest(ctx context.Context, id string) (*MessageRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageRequestColumns+` FROM message_requests WHERE id=?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanMessageRequest(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) ListMessageRequests(ctx context.Context, q UsageQuery) ([]MessageRequest, error) {
	query := `SELECT ` + messageRequestColumns + ` FROM message_requests WHERE 1=1`
	var args []any
	if q.UserID != "" {
		query += ` AND user_id=?`
		args = append(args, q.UserID)
	}
	if q.KeyID != "" {
		query += ` AND key_id=?`
		args = append(args, q.KeyID)
	}
	if q.SessionID != "" {
		query += ` AND session_id=?`
		args = append(args, q.SessionID)
	}
	query += ` ORDER BY created_at DESC`
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []MessageRequest
	for rows.Next() {
		r, err := scanMessageRequest(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Aggregations

func (s *SQLiteStore) SessionAggregate(ctx context.Context, sessionID string) (*SessionAggregate, error) {
	var agg SessionAggregate
	var requests sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(cache_create_tokens), 0),
		        COALESCE(SUM(cache_read_tokens), 0),
		        COALESCE(SUM(CAST(cost_usd AS REAL)), 0),
		        COALESCE(SUM(duration_ms), 0),
		        COUNT(DISTINCT provider_id),
		        COUNT(DISTINCT model)
		 FROM message_requests WHERE session_id=?`, sessionID).
		Scan(&requests, &agg.InputTokens, &agg.OutputTokens, &agg.CacheCreateTokens,
			&agg.CacheReadTokens, &agg.CostUSD, &agg.DurationMs, &agg.DistinctProviders, &agg.DistinctModels)
	if err != nil {
		return nil, err
	}
	if !requests.Valid || requests.Int64 == 0 {
		return nil, nil
	}
	agg.SessionID = sessionID
	agg.Requests = requests.Int64
	return &agg, nil
}

func (s *SQLiteStore) UserRollups(ctx context.Context, since time.Time, limit int) ([]UserRollup, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, COUNT(*),
		        COALESCE(SUM(input_tokens + output_tokens + cache_create_tokens + cache_read_tokens), 0),
		        COALESCE(SUM(CAST(cost_usd AS REAL)), 0)
		 FROM message_requests WHERE created_at >= ?
		 GROUP BY user_id
		 ORDER BY SUM(CAST(cost_usd AS REAL)) DESC
		 LIMIT ?`, fmtTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rollups []UserRollup
	for rows.Next() {
		var r UserRollup
		if err := rows.Scan(&r.UserID, &r.Requests, &r.TotalTokens, &r.CostUSD); err != nil {
			return nil, err
		}
		rollups = append(rollups, r)
	}
	return rollups, rows.Err()
}

func (s *SQLiteStore) ProviderToday(ctx context.Context, providerID string, dayStart time.Time) (*ProviderToday, error) {
	var pt ProviderToday
	pt.ProviderID = providerID
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(input_tokens + output_tokens + cache_create_tokens + cache_read_tokens), 0),
		        COALESCE(SUM(CAST(cost_usd AS REAL)), 0)
		 FROM message_requests WHERE provider_id=? AND created_at >= ?`,
		providerID, fmtTime(dayStart)).
		Scan(&pt.Requests, &pt.TotalTokens, &pt.CostUSD)
	if err != nil {
		return nil, err
	}

	var created string
	err = s.db.QueryRowContext(ctx,
		`SELECT created_at, status_code, duration_ms FROM message_requests
		 WHERE provider_id=? ORDER BY created_at DESC LIMIT 1`, providerID).
		Scan(&created, &pt.LastStatus, &pt.LastDuration)
	if err == sql.ErrNoRows {
		return &pt, nil
	}
	if err != nil {
		return nil, err
	}
	t := parseTime(created)
	pt.LastCallAt = &t
	return &pt, nil
}
