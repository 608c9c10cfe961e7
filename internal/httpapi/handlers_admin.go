package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/store"
)

func VersionHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"version": d.Version})
	}
}

// CircuitsHandler returns the breaker snapshot for every provider seen so far.
func CircuitsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, d.Breakers.Snapshots())
	}
}

// CircuitResetHandler forces one provider's breaker back to closed.
func CircuitResetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !d.Breakers.Reset(id) {
			jsonError(w, "unknown provider", http.StatusNotFound)
			return
		}
		d.Logger.Info("circuit reset", "provider_id", id)
		writeJSON(w, map[string]any{"ok": true, "provider_id": id})
	}
}

func LogLevelGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"level": logging.Level()})
	}
}

func LogLevelPutHandler() http.HandlerFunc {
	type req struct {
		Level string `json:"level"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var in req
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Level == "" {
			jsonError(w, "level required", http.StatusBadRequest)
			return
		}
		logging.SetLevel(in.Level)
		writeJSON(w, map[string]string{"level": logging.Level()})
	}
}

func UsersListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := d.Store.ListUsers(r.Context())
		if err != nil {
			jsonError(w, "list users failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, users)
	}
}

func UsersUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var u store.User
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil || u.Name == "" {
			jsonError(w, "bad user payload", http.StatusBadRequest)
			return
		}
		if u.ID == "" {
			u.ID = uuid.NewString()
			u.CreatedAt = time.Now().UTC()
		}
		if u.Role == "" {
			u.Role = store.RoleUser
		}
		if err := d.Store.UpsertUser(r.Context(), u); err != nil {
			jsonError(w, "save user failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, u)
	}
}

func KeysListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := d.Store.ListActiveKeys(r.Context())
		if err != nil {
			jsonError(w, "list keys failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, keys)
	}
}

// KeysCreateHandler mints a key. The plaintext secret appears in this response
// and nowhere else; only its hash is stored.
func KeysCreateHandler(d Dependencies) http.HandlerFunc {
	type req struct {
		UserID         string     `json:"user_id"`
		Name           string     `json:"name"`
		ExpiresAt      *time.Time `json:"expires_at"`
		Limit5hUSD     float64    `json:"limit_5h_usd"`
		LimitWeeklyUSD float64    `json:"limit_weekly_usd"`
		LimitMonthUSD  float64    `json:"limit_monthly_usd"`
		MaxSessions    int64      `json:"max_concurrent_sessions"`
		WebLogin       bool       `json:"web_login"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var in req
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.UserID == "" || in.Name == "" {
			jsonError(w, "user_id and name required", http.StatusBadRequest)
			return
		}
		if u, err := d.Store.GetUser(r.Context(), in.UserID); err != nil || u == nil {
			jsonError(w, "unknown user", http.StatusBadRequest)
			return
		}
		plaintext, hash, id, err := auth.GenerateKey()
		if err != nil {
			jsonError(w, "key generation failed", http.StatusInternalServerError)
			return
		}
		k := store.Key{
			ID:             id,
			UserID:         in.UserID,
			SecretHash:     hash,
			Name:           in.Name,
			Enabled:        true,
			ExpiresAt:      in.ExpiresAt,
			Limit5hUSD:     in.Limit5hUSD,
			LimitWeeklyUSD: in.LimitWeeklyUSD,
			LimitMonthUSD:  in.LimitMonthUSD,
			MaxSessions:    in.MaxSessions,
			WebLogin:       in.WebLogin,
			CreatedAt:      time.Now().UTC(),
		}
		if err := d.Store.CreateKey(r.Context(), k); err != nil {
			jsonError(w, "save key failed", http.StatusInternalServerError)
			return
		}
		d.Logger.Info("key created", "key_id", id, "user_id", in.UserID)
		writeJSON(w, map[string]any{"key": k, "secret": plaintext})
	}
}

func KeysPatchHandler(d Dependencies) http.HandlerFunc {
	type req struct {
		Enabled        *bool      `json:"enabled"`
		ExpiresAt      *time.Time `json:"expires_at"`
		Limit5hUSD     *float64   `json:"limit_5h_usd"`
		LimitWeeklyUSD *float64   `json:"limit_weekly_usd"`
		LimitMonthUSD  *float64   `json:"limit_monthly_usd"`
		MaxSessions    *int64     `json:"max_concurrent_sessions"`
		WebLogin       *bool      `json:"web_login"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		k, err := d.Store.GetKey(r.Context(), id)
		if err != nil || k == nil {
			jsonError(w, "unknown key", http.StatusNotFound)
			return
		}
		var in req
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if in.Enabled != nil {
			k.Enabled = *in.Enabled
		}
		if in.ExpiresAt != nil {
			k.ExpiresAt = in.ExpiresAt
		}
		if in.Limit5hUSD != nil {
			k.Limit5hUSD = *in.Limit5hUSD
		}
		if in.LimitWeeklyUSD != nil {
			k.LimitWeeklyUSD = *in.LimitWeeklyUSD
		}
		if in.LimitMonthUSD != nil {
			k.LimitMonthUSD = *in.LimitMonthUSD
		}
		if in.MaxSessions != nil {
			k.MaxSessions = *in.MaxSessions
		}
		if in.WebLogin != nil {
			k.WebLogin = *in.WebLogin
		}
		if err := d.Store.UpdateKey(r.Context(), *k); err != nil {
			jsonError(w, "save key failed", http.StatusInternalServerError)
			return
		}
		d.Auth.Invalidate(id)
		writeJSON(w, k)
	}
}

func KeysDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := d.Store.SoftDeleteKey(r.Context(), id); err != nil {
			jsonError(w, "delete key failed", http.StatusInternalServerError)
			return
		}
		d.Auth.Invalidate(id)
		writeJSON(w, map[string]any{"ok": true})
	}
}

func ProvidersListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers, err := d.Store.ListProviders(r.Context())
		if err != nil {
			jsonError(w, "list providers failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, providers)
	}
}

func ProvidersUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p store.Provider
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			jsonError(w, "bad provider payload", http.StatusBadRequest)
			return
		}
		if p.Name == "" || p.BaseURL == "" {
			jsonError(w, "name and base_url required", http.StatusBadRequest)
			return
		}
		if p.Type != store.ProviderTypeClaude && p.Type != store.ProviderTypeCodex {
			jsonError(w, "type must be claude or codex", http.StatusBadRequest)
			return
		}
		if p.Weight < 1 || p.Weight > 100 {
			jsonError(w, "weight must be in [1,100]", http.StatusBadRequest)
			return
		}
		if p.CostMultiplier <= 0 {
			jsonError(w, "cost_multiplier must be > 0", http.StatusBadRequest)
			return
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
			p.CreatedAt = time.Now().UTC()
		}
		if err := d.Store.UpsertProvider(r.Context(), p); err != nil {
			jsonError(w, "save provider failed", http.StatusInternalServerError)
			return
		}
		d.Logger.Info("provider saved", "provider_id", p.ID, "type", p.Type)
		writeJSON(w, p)
	}
}

func ProvidersDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := d.Store.SoftDeleteProvider(r.Context(), id); err != nil {
			jsonError(w, "delete provider failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	}
}

func WordsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		words, err := d.Store.ListSensitiveWords(r.Context())
		if err != nil {
			jsonError(w, "list words failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, words)
	}
}

func WordsUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var word store.SensitiveWord
		if err := json.NewDecoder(r.Body).Decode(&word); err != nil || word.Word == "" {
			jsonError(w, "word required", http.StatusBadRequest)
			return
		}
		switch word.MatchType {
		case store.MatchContains, store.MatchExact, store.MatchRegex:
		default:
			jsonError(w, "match_type must be contains, exact, or regex", http.StatusBadRequest)
			return
		}
		if err := d.Store.UpsertSensitiveWord(r.Context(), word); err != nil {
			jsonError(w, "save word failed", http.StatusInternalServerError)
			return
		}
		if d.ReloadWords != nil {
			d.ReloadWords()
		}
		writeJSON(w, map[string]any{"ok": true})
	}
}

func WordsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			jsonError(w, "bad word id", http.StatusBadRequest)
			return
		}
		if err := d.Store.DeleteSensitiveWord(r.Context(), id); err != nil {
			jsonError(w, "delete word failed", http.StatusInternalServerError)
			return
		}
		if d.ReloadWords != nil {
			d.ReloadWords()
		}
		writeJSON(w, map[string]any{"ok": true})
	}
}

// PricesAppendHandler appends one price observation to the history and
// refreshes the in-memory registry so the new price is live immediately.
func PricesAppendHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p store.ModelPrice
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.ModelName == "" {
			jsonError(w, "model_name required", http.StatusBadRequest)
			return
		}
		if p.ObservedAt.IsZero() {
			p.ObservedAt = time.Now().UTC()
		}
		if err := d.Store.AppendModelPrice(r.Context(), p); err != nil {
			jsonError(w, "save price failed", http.StatusInternalServerError)
			return
		}
		if err := d.Prices.Refresh(r.Context()); err != nil {
			d.Logger.Warn("price refresh after append failed", "error", err)
		}
		writeJSON(w, map[string]any{"ok": true, "models": d.Prices.Len()})
	}
}

func PricesRefreshHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Prices.Refresh(r.Context()); err != nil {
			jsonError(w, "refresh failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"ok": true, "models": d.Prices.Len()})
	}
}

func SessionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := d.Sessions.ListActive(r.Context())
		if err != nil {
			jsonError(w, "list sessions failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"count": len(infos), "sessions": infos})
	}
}

func SessionAggregateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agg, err := d.Store.SessionAggregate(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			jsonError(w, "aggregate failed", http.StatusInternalServerError)
			return
		}
		if agg == nil {
			jsonError(w, "no usage for session", http.StatusNotFound)
			return
		}
		writeJSON(w, agg)
	}
}

// UsageHandler pages through raw usage records, newest first.
func UsageHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := store.UsageQuery{
			UserID:    r.URL.Query().Get("user_id"),
			KeyID:     r.URL.Query().Get("key_id"),
			SessionID: r.URL.Query().Get("session_id"),
			Limit:     queryInt(r, "limit", 50),
			Offset:    queryInt(r, "offset", 0),
		}
		if q.Limit > 500 {
			q.Limit = 500
		}
		recs, err := d.Store.ListMessageRequests(r.Context(), q)
		if err != nil {
			jsonError(w, "usage query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"count": len(recs), "requests": recs})
	}
}

// LeaderboardHandler returns the per-user spend roll-up since the start of the
// requested period (day by default, or month).
func LeaderboardHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loc := d.location()
		now := time.Now().In(loc)
		since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		if r.URL.Query().Get("period") == "month" {
			since = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		}
		rows, err := d.Store.UserRollups(r.Context(), since, queryInt(r, "limit", 20))
		if err != nil {
			jsonError(w, "leaderboard query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"since": since, "rows": rows})
	}
}

func ProviderTodayHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loc := d.location()
		now := time.Now().In(loc)
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		today, err := d.Store.ProviderToday(r.Context(), chi.URLParam(r, "id"), dayStart)
		if err != nil {
			jsonError(w, "provider query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, today)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
