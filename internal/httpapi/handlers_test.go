package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/circuitbreaker"
	"github.com/relaygate/relaygate/internal/dispatch"
	"github.com/relaygate/relaygate/internal/events"
	"github.com/relaygate/relaygate/internal/kv"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/pricing"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/selector"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/internal/upstream"
	"github.com/relaygate/relaygate/internal/wordfilter"
)

const testAdminToken = "admin-test-token"

// stubForwarder answers every upstream call with a fixed JSON body.
type stubForwarder struct {
	calls atomic.Int64
}

func (f *stubForwarder) Do(ctx context.Context, provider *store.Provider, path string, payload []byte, inbound http.Header) (*upstream.Response, error) {
	f.calls.Add(1)
	body := `{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":5}}`
	return &upstream.Response{
		Body:        io.NopCloser(strings.NewReader(body)),
		Header:      http.Header{},
		StatusCode:  http.StatusOK,
		ContentType: "application/json",
	}, nil
}

type fixture struct {
	ts       *httptest.Server
	store    store.Store
	auth     *auth.Authenticator
	upstream *stubForwarder
	reloads  atomic.Int64
}

func setupTestServer(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.NewSQLite("file:" + filepath.Join(t.TempDir(), "gw.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mem := kv.NewMemory()
	breakers := circuitbreaker.NewSet()
	limits := ratelimit.NewCostLimiter(mem, logger)
	sessions := session.New(mem, logger)
	prices := pricing.NewRegistry(db, logger)
	a := auth.New(db, testAdminToken)

	f := &fixture{store: db, auth: a, upstream: &stubForwarder{}}

	var filt atomic.Pointer[wordfilter.Filter]
	empty, _ := wordfilter.Compile(nil)
	filt.Store(empty)
	reload := func() {
		f.reloads.Add(1)
		words, err := db.ListSensitiveWords(context.Background())
		if err != nil {
			return
		}
		if compiled, err := wordfilter.Compile(words); err == nil {
			filt.Store(compiled)
		}
	}

	bus := events.NewBus()
	sel := selector.New(db, breakers, limits, sessions, logger)
	disp := dispatch.New(sel, f.upstream, breakers, limits, sessions, prices,
		func() *wordfilter.Filter { return filt.Load() }, db, bus, logger)

	rpm := ratelimit.NewRPMLimiter()
	t.Cleanup(rpm.Stop)

	r := chi.NewRouter()
	MountRoutes(r, Dependencies{
		Auth:             a,
		Dispatcher:       disp,
		Store:            db,
		KV:               mem,
		Breakers:         breakers,
		Sessions:         sessions,
		Prices:           prices,
		Metrics:          metrics.New(),
		EventBus:         bus,
		Logger:           logger,
		RPM:              rpm,
		RateLimitEnabled: true,
		ReloadWords:      reload,
		Version:          "test",
	})
	f.ts = httptest.NewServer(r)
	t.Cleanup(f.ts.Close)

	// Seed one enabled provider and its model price.
	if err := db.UpsertProvider(context.Background(), store.Provider{
		ID: "p1", Name: "primary", BaseURL: "https://up.example", Type: store.ProviderTypeClaude,
		Enabled: true, Priority: 0, Weight: 10, CostMultiplier: 1, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	if err := db.AppendModelPrice(context.Background(), store.ModelPrice{
		ModelName:  "claude-3-5-haiku",
		Price:      store.PriceData{InputCostPerToken: 0.001, OutputCostPerToken: 0.002},
		ObservedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed price: %v", err)
	}
	if err := prices.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh prices: %v", err)
	}
	return f
}

// seedKey creates a user and an active key, returning the plaintext secret.
func (f *fixture) seedKey(t *testing.T, u store.User, k store.Key) string {
	t.Helper()
	if err := f.store.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	plaintext, hash, id, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	k.ID = id
	k.UserID = u.ID
	k.SecretHash = hash
	k.Enabled = true
	k.CreatedAt = time.Now().UTC()
	if err := f.store.CreateKey(context.Background(), k); err != nil {
		t.Fatalf("seed key: %v", err)
	}
	return plaintext
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func proxyBody(model string) map[string]any {
	return map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}
}

func TestHealthz(t *testing.T) {
	f := setupTestServer(t)

	resp, err := http.Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "ok" || out["kv"] != "ok" {
		t.Fatalf("unexpected health payload: %v", out)
	}
}

func TestProxyRequiresCredential(t *testing.T) {
	f := setupTestServer(t)

	resp := f.do(t, "POST", "/v1/messages", "", proxyBody("claude-3-5-haiku"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestProxyDispatchesWithIssuedKey(t *testing.T) {
	f := setupTestServer(t)
	secret := f.seedKey(t,
		store.User{ID: "u1", Name: "alice", Role: store.RoleUser, Enabled: true},
		store.Key{Name: "main"})

	resp := f.do(t, "POST", "/v1/messages", secret, proxyBody("claude-3-5-haiku"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if f.upstream.calls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", f.upstream.calls.Load())
	}

	// The dispatch left a usage record behind.
	recs, err := f.store.ListMessageRequests(context.Background(), store.UsageQuery{UserID: "u1"})
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(recs) != 1 || recs[0].StatusCode != http.StatusOK {
		t.Fatalf("unexpected usage records: %+v", recs)
	}
}

func TestProxyBodyTooLarge(t *testing.T) {
	f := setupTestServer(t)
	secret := f.seedKey(t,
		store.User{ID: "u1", Name: "alice", Role: store.RoleUser, Enabled: true},
		store.Key{Name: "main"})

	big := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	req, _ := http.NewRequest("POST", f.ts.URL+"/v1/messages", bytes.NewReader(big))
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestProxyRPMLimit(t *testing.T) {
	f := setupTestServer(t)
	secret := f.seedKey(t,
		store.User{ID: "u1", Name: "alice", Role: store.RoleUser, RPMLimit: 1, Enabled: true},
		store.Key{Name: "main"})

	first := f.do(t, "POST", "/v1/messages", secret, proxyBody("claude-3-5-haiku"))
	_ = first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", first.StatusCode)
	}

	second := f.do(t, "POST", "/v1/messages", secret, proxyBody("claude-3-5-haiku"))
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", second.Header.Get("Retry-After"))
	}
}

func TestAdminRequiresAdminRole(t *testing.T) {
	f := setupTestServer(t)
	secret := f.seedKey(t,
		store.User{ID: "u1", Name: "alice", Role: store.RoleUser, Enabled: true},
		store.Key{Name: "main", WebLogin: true})

	resp := f.do(t, "GET", "/admin/v1/circuits", secret, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.StatusCode)
	}
}

func TestAdminRejectsProxyOnlyKey(t *testing.T) {
	f := setupTestServer(t)
	secret := f.seedKey(t,
		store.User{ID: "u1", Name: "alice", Role: store.RoleAdmin, Enabled: true},
		store.Key{Name: "main"}) // no web_login

	resp := f.do(t, "GET", "/admin/v1/circuits", secret, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for proxy-only key, got %d", resp.StatusCode)
	}
}

func TestCircuitsSnapshotAndReset(t *testing.T) {
	f := setupTestServer(t)

	resp := f.do(t, "GET", "/admin/v1/circuits", testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("circuits: expected 200, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	missing := f.do(t, "POST", "/admin/v1/circuits/nope/reset", testAdminToken, nil)
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("reset unknown: expected 404, got %d", missing.StatusCode)
	}
}

func TestLogLevelRoundTrip(t *testing.T) {
	f := setupTestServer(t)

	put := f.do(t, "PUT", "/admin/v1/loglevel", testAdminToken, map[string]string{"level": "debug"})
	_ = put.Body.Close()
	if put.StatusCode != http.StatusOK {
		t.Fatalf("put loglevel: expected 200, got %d", put.StatusCode)
	}

	get := f.do(t, "GET", "/admin/v1/loglevel", testAdminToken, nil)
	defer get.Body.Close()
	var out map[string]string
	if err := json.NewDecoder(get.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["level"] != "debug" {
		t.Fatalf("expected debug, got %q", out["level"])
	}

	reset := f.do(t, "PUT", "/admin/v1/loglevel", testAdminToken, map[string]string{"level": "info"})
	_ = reset.Body.Close()
}

func TestWordUpsertTriggersReloadAndBlocks(t *testing.T) {
	f := setupTestServer(t)
	secret := f.seedKey(t,
		store.User{ID: "u1", Name: "alice", Role: store.RoleUser, Enabled: true},
		store.Key{Name: "main"})

	resp := f.do(t, "POST", "/admin/v1/words", testAdminToken, store.SensitiveWord{
		Word: "forbidden", MatchType: store.MatchContains,
	})
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("word upsert: expected 200, got %d", resp.StatusCode)
	}
	if f.reloads.Load() == 0 {
		t.Fatal("word upsert should trigger a filter reload")
	}

	blocked := f.do(t, "POST", "/v1/messages", secret, map[string]any{
		"model":    "claude-3-5-haiku",
		"messages": []map[string]string{{"role": "user", "content": "this is FORBIDDEN text"}},
	})
	defer blocked.Body.Close()
	if blocked.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 block, got %d", blocked.StatusCode)
	}
	if f.upstream.calls.Load() != 0 {
		t.Fatal("blocked request must not reach upstream")
	}
}

func TestKeysCreateReturnsSecretOnce(t *testing.T) {
	f := setupTestServer(t)
	if err := f.store.UpsertUser(context.Background(), store.User{
		ID: "u1", Name: "alice", Role: store.RoleUser, Enabled: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	resp := f.do(t, "POST", "/admin/v1/keys", testAdminToken, map[string]any{
		"user_id": "u1", "name": "ci",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create key: expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Key    store.Key `json:"key"`
		Secret string    `json:"secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Secret == "" || !strings.HasPrefix(out.Secret, "rg_") {
		t.Fatalf("expected plaintext secret, got %q", out.Secret)
	}

	// The minted secret authenticates on the proxy surface.
	proxy := f.do(t, "POST", "/v1/messages", out.Secret, proxyBody("claude-3-5-haiku"))
	defer proxy.Body.Close()
	if proxy.StatusCode != http.StatusOK {
		t.Fatalf("minted key proxy call: expected 200, got %d", proxy.StatusCode)
	}
}

func TestKeyPatchDisableTakesEffect(t *testing.T) {
	f := setupTestServer(t)
	secret := f.seedKey(t,
		store.User{ID: "u1", Name: "alice", Role: store.RoleUser, Enabled: true},
		store.Key{Name: "main"})

	keys, err := f.store.ListActiveKeys(context.Background())
	if err != nil || len(keys) != 1 {
		t.Fatalf("list keys: %v (%d)", err, len(keys))
	}

	patch := f.do(t, "PATCH", fmt.Sprintf("/admin/v1/keys/%s", keys[0].ID), testAdminToken,
		map[string]any{"enabled": false})
	_ = patch.Body.Close()
	if patch.StatusCode != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d", patch.StatusCode)
	}

	resp := f.do(t, "POST", "/v1/messages", secret, proxyBody("claude-3-5-haiku"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disabled key: expected 403, got %d", resp.StatusCode)
	}
}

func TestUsageAndLeaderboardAfterDispatch(t *testing.T) {
	f := setupTestServer(t)
	secret := f.seedKey(t,
		store.User{ID: "u1", Name: "alice", Role: store.RoleUser, Enabled: true},
		store.Key{Name: "main"})

	resp := f.do(t, "POST", "/v1/messages", secret, proxyBody("claude-3-5-haiku"))
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proxy: expected 200, got %d", resp.StatusCode)
	}

	usage := f.do(t, "GET", "/admin/v1/usage?user_id=u1", testAdminToken, nil)
	defer usage.Body.Close()
	var page struct {
		Count    int                    `json:"count"`
		Requests []store.MessageRequest `json:"requests"`
	}
	if err := json.NewDecoder(usage.Body).Decode(&page); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if page.Count != 1 {
		t.Fatalf("expected 1 usage record, got %d", page.Count)
	}

	lb := f.do(t, "GET", "/admin/v1/leaderboard", testAdminToken, nil)
	defer lb.Body.Close()
	var board struct {
		Rows []store.UserRollup `json:"rows"`
	}
	if err := json.NewDecoder(lb.Body).Decode(&board); err != nil {
		t.Fatalf("decode leaderboard: %v", err)
	}
	if len(board.Rows) != 1 || board.Rows[0].UserID != "u1" {
		t.Fatalf("unexpected leaderboard: %+v", board.Rows)
	}
}

func TestProviderUpsertValidation(t *testing.T) {
	f := setupTestServer(t)

	bad := f.do(t, "POST", "/admin/v1/providers", testAdminToken, store.Provider{
		Name: "x", BaseURL: "https://x", Type: store.ProviderTypeClaude, Weight: 10, CostMultiplier: 0,
	})
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero multiplier: expected 400, got %d", bad.StatusCode)
	}

	good := f.do(t, "POST", "/admin/v1/providers", testAdminToken, store.Provider{
		Name: "x", BaseURL: "https://x", Type: store.ProviderTypeClaude, Weight: 10, CostMultiplier: 1.5,
	})
	defer good.Body.Close()
	if good.StatusCode != http.StatusOK {
		t.Fatalf("valid provider: expected 200, got %d", good.StatusCode)
	}
}
