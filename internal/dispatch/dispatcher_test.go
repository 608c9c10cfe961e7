package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/circuitbreaker"
	"github.com/relaygate/relaygate/internal/events"
	"github.com/relaygate/relaygate/internal/kv"
	"github.com/relaygate/relaygate/internal/pricing"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/selector"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/internal/upstream"
	"github.com/relaygate/relaygate/internal/wordfilter"
)

// fakeStore serves providers and prices and records inserted usage rows.
type fakeStore struct {
	store.Store
	mu        sync.Mutex
	providers []store.Provider
	prices    []store.ModelPrice
	words     []store.SensitiveWord
	inserted  []store.MessageRequest
}

func (s *fakeStore) ListProviders(ctx context.Context) ([]store.Provider, error) {
	return s.providers, nil
}

func (s *fakeStore) LatestModelPrices(ctx context.Context) ([]store.ModelPrice, error) {
	return s.prices, nil
}

func (s *fakeStore) InsertMessageRequest(ctx context.Context, r store.MessageRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, r)
	return nil
}

func (s *fakeStore) records(t *testing.T) []store.MessageRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.MessageRequest, len(s.inserted))
	copy(out, s.inserted)
	return out
}

// fakeUpstream scripts per-provider responses.
type fakeUpstream struct {
	mu        sync.Mutex
	responses map[string][]any // provider id -> queue of *upstream.Response factories or errors
	calls     []string
}

type streamBody struct{ events string }

// resetStream scripts a 200 event stream whose body fails mid-read.
type resetStream struct{ prefix string }

type resetBody struct{ r *strings.Reader }

func (b *resetBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		return n, errors.New("connection reset by peer")
	}
	return n, err
}

func (f *fakeUpstream) Do(ctx context.Context, provider *store.Provider, path string, payload []byte, inbound http.Header) (*upstream.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, provider.ID)
	queue := f.responses[provider.ID]
	if len(queue) == 0 {
		return nil, &upstream.StatusError{StatusCode: 500, Body: "unscripted"}
	}
	next := queue[0]
	f.responses[provider.ID] = queue[1:]
	switch v := next.(type) {
	case error:
		return nil, v
	case streamBody:
		return &upstream.Response{
			Body:        io.NopCloser(strings.NewReader(v.events)),
			StatusCode:  200,
			ContentType: "text/event-stream",
		}, nil
	case resetStream:
		return &upstream.Response{
			Body:        io.NopCloser(&resetBody{r: strings.NewReader(v.prefix)}),
			StatusCode:  200,
			ContentType: "text/event-stream",
		}, nil
	case string: // plain JSON body
		return &upstream.Response{
			Body:        io.NopCloser(strings.NewReader(v)),
			StatusCode:  200,
			ContentType: "application/json",
		}, nil
	default:
		panic("bad script entry")
	}
}

type fixture struct {
	d        *Dispatcher
	st       *fakeStore
	up       *fakeUpstream
	breakers *circuitbreaker.Set
	limits   *ratelimit.CostLimiter
	sessions *session.Tracker
	bus      *events.Bus
}

func newFixture(t *testing.T, providers ...store.Provider) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := kv.NewMemory()
	st := &fakeStore{
		providers: providers,
		prices: []store.ModelPrice{{
			ModelName: "claude-large",
			Price:     store.PriceData{InputCostPerToken: 0.001, OutputCostPerToken: 0.002},
		}},
	}
	breakers := circuitbreaker.NewSet()
	limits := ratelimit.NewCostLimiter(mem, logger)
	sessions := session.New(mem, logger)
	sel := selector.New(st, breakers, limits, sessions, logger)
	reg := pricing.NewRegistry(st, logger)
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	filter, err := wordfilter.Compile(st.words)
	if err != nil {
		t.Fatal(err)
	}
	up := &fakeUpstream{responses: map[string][]any{}}
	bus := events.NewBus()
	d := New(sel, up, breakers, limits, sessions, reg,
		func() *wordfilter.Filter { return filter }, st, bus, logger)
	return &fixture{d: d, st: st, up: up, breakers: breakers, limits: limits, sessions: sessions, bus: bus}
}

func claudeProvider(id string) store.Provider {
	return store.Provider{
		ID: id, Name: id, Type: store.ProviderTypeClaude, Enabled: true,
		Weight: 1, CostMultiplier: 1,
	}
}

func principal() *auth.Principal {
	return &auth.Principal{
		User: &store.User{ID: "u1", Role: store.RoleUser, Enabled: true},
		Key:  &store.Key{ID: "k1", UserID: "u1", Enabled: true},
	}
}

func proxyRequest(body string) (*httptest.ResponseRecorder, *http.Request, *Request) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	return httptest.NewRecorder(), r, &Request{
		Principal:    principal(),
		Body:         []byte(body),
		Header:       r.Header,
		Path:         "/v1/messages",
		ProviderType: store.ProviderTypeClaude,
		UserAgent:    "test/1.0",
	}
}

const claudeStream = "event: message_start\n" +
	"data: {\"message\":{\"usage\":{\"input_tokens\":100,\"cache_read_input_tokens\":5}}}\n\n" +
	"event: message_delta\n" +
	"data: {\"usage\":{\"output_tokens\":40}}\n\n"

func TestHandle_StreamHappyPath(t *testing.T) {
	f := newFixture(t, claudeProvider("a"))
	f.up.responses["a"] = []any{streamBody{claudeStream}}

	w, r, req := proxyRequest(`{"model":"claude-large","messages":[{"role":"user","content":"hi"}]}`)
	f.d.Handle(w, r, req)

	if w.Code != 200 {
		t.Fatalf("status: %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "message_start") {
		t.Fatalf("stream not relayed: %q", w.Body.String())
	}

	recs := f.st.records(t)
	if len(recs) != 1 {
		t.Fatalf("usage rows: %d", len(recs))
	}
	rec := recs[0]
	if rec.ProviderID == nil || *rec.ProviderID != "a" || rec.StatusCode != 200 {
		t.Fatalf("record: %+v", rec)
	}
	if rec.Usage.InputTokens != 100 || rec.Usage.OutputTokens != 40 || rec.Usage.CacheReadTokens != 5 {
		t.Fatalf("usage: %+v", rec.Usage)
	}
	// 100*0.001 + 40*0.002 + 5*(0.1*0.002) = 0.181
	if rec.CostUSD != "0.181000000000000" {
		t.Fatalf("cost: %s", rec.CostUSD)
	}
	if rec.SessionID == "" || rec.MessageCount != 1 {
		t.Fatalf("record fields: %+v", rec)
	}

	var chain []Attempt
	if err := json.Unmarshal(rec.DecisionChain, &chain); err != nil || len(chain) != 1 {
		t.Fatalf("chain: %v %s", err, rec.DecisionChain)
	}
	if chain[0].Reason != selector.ReasonInitialSelection || chain[0].AttemptNumber != 1 {
		t.Fatalf("chain entry: %+v", chain[0])
	}
}

func TestHandle_RetryCrossesProviders(t *testing.T) {
	f := newFixture(t, claudeProvider("a"), claudeProvider("b"))
	f.up.responses["a"] = []any{&upstream.StatusError{StatusCode: 502, Body: "bad gateway"}}
	f.up.responses["b"] = []any{streamBody{claudeStream}}
	// Pin the first attempt to a via session stickiness; the retry must then
	// cross to b.
	f.sessions.Touch(context.Background(), session.Info{SessionID: "sess", KeyID: "k1", ProviderID: "a"})

	w, r, req := proxyRequest(`{"model":"claude-large","metadata":{"session_id":"sess"},"messages":[]}`)
	f.d.Handle(w, r, req)

	if w.Code != 200 {
		t.Fatalf("status: %d body=%s", w.Code, w.Body.String())
	}
	calls := f.up.calls
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("retries must cross providers: %v", calls)
	}

	recs := f.st.records(t)
	var chain []Attempt
	_ = json.Unmarshal(recs[0].DecisionChain, &chain)
	if len(chain) != 2 {
		t.Fatalf("chain length: %d", len(chain))
	}
	if chain[0].Reason != selector.ReasonRetryFailed || chain[0].AttemptNumber != 1 {
		t.Fatalf("first attempt: %+v", chain[0])
	}
	if chain[1].Reason != selector.ReasonRetrySuccess || chain[1].AttemptNumber != 2 {
		t.Fatalf("second attempt: %+v", chain[1])
	}
}

func TestHandle_FatalUpstreamErrorPassesThrough(t *testing.T) {
	f := newFixture(t, claudeProvider("a"), claudeProvider("b"))
	f.up.responses["a"] = []any{&upstream.StatusError{StatusCode: 400, Body: `{"error":"bad request"}`}}
	f.up.responses["b"] = []any{&upstream.StatusError{StatusCode: 400, Body: `{"error":"bad request"}`}}

	w, r, req := proxyRequest(`{"model":"claude-large","messages":[]}`)
	f.d.Handle(w, r, req)

	if w.Code != 400 {
		t.Fatalf("status: %d", w.Code)
	}
	if len(f.up.calls) != 1 {
		t.Fatalf("fatal 4xx must not retry: %v", f.up.calls)
	}
	if w.Body.String() != `{"error":"bad request"}` {
		t.Fatalf("body not passed through: %q", w.Body.String())
	}
}

func TestHandle_ExhaustionReturns502(t *testing.T) {
	f := newFixture(t, claudeProvider("a"), claudeProvider("b"))
	f.up.responses["a"] = []any{&upstream.StatusError{StatusCode: 503, Body: "down"}}
	f.up.responses["b"] = []any{&upstream.StatusError{StatusCode: 503, Body: "down"}}

	w, r, req := proxyRequest(`{"model":"claude-large","messages":[]}`)
	f.d.Handle(w, r, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status after exhaustion: %d", w.Code)
	}
	recs := f.st.records(t)
	if len(recs) != 1 || recs[0].BlockReason != "no_candidate_provider" {
		t.Fatalf("record: %+v", recs)
	}
	var chain []Attempt
	_ = json.Unmarshal(recs[0].DecisionChain, &chain)
	// Two failed attempts plus the terminal no-candidate entry; attempt
	// numbers strictly increase and no provider repeats.
	seen := map[string]bool{}
	for i, a := range chain {
		if a.AttemptNumber != i+1 {
			t.Fatalf("attempt numbers not monotone: %+v", chain)
		}
		if a.ProviderID != "" {
			if seen[a.ProviderID] {
				t.Fatalf("provider repeated in chain: %+v", chain)
			}
			seen[a.ProviderID] = true
		}
	}
}

func TestHandle_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t, claudeProvider("a"))
	for i := 0; i < 6; i++ {
		f.up.responses["a"] = append(f.up.responses["a"], &upstream.StatusError{StatusCode: 502, Body: "x"})
	}

	// Five requests, each one failed attempt on the only provider.
	for i := 0; i < 5; i++ {
		w, r, req := proxyRequest(`{"model":"claude-large","messages":[]}`)
		f.d.Handle(w, r, req)
		if w.Code != http.StatusBadGateway && w.Code != http.StatusServiceUnavailable {
			t.Fatalf("request %d status: %d", i, w.Code)
		}
	}
	if f.breakers.For("a").CurrentState() != circuitbreaker.Open {
		t.Fatalf("breaker should be open after 5 failures: %s", f.breakers.For("a").CurrentState())
	}

	// The sixth request never reaches the upstream.
	before := len(f.up.calls)
	w, r, req := proxyRequest(`{"model":"claude-large","messages":[]}`)
	f.d.Handle(w, r, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("open breaker should yield 503: %d", w.Code)
	}
	if len(f.up.calls) != before {
		t.Fatal("open provider must not be called")
	}
}

func TestHandle_MidStreamResetCountsAgainstBreaker(t *testing.T) {
	f := newFixture(t, claudeProvider("a"))
	for i := 0; i < 5; i++ {
		f.up.responses["a"] = append(f.up.responses["a"],
			resetStream{"event: message_start\ndata: {\"message\":{\"usage\":{\"input_tokens\":1}}}\n\n"})
	}

	// Headers commit before the reset, so each request still reports 200; the
	// failures must land on the breaker anyway.
	for i := 0; i < 5; i++ {
		w, r, req := proxyRequest(`{"model":"claude-large","messages":[]}`)
		f.d.Handle(w, r, req)
		if w.Code != 200 {
			t.Fatalf("request %d: %d", i, w.Code)
		}
	}
	if got := f.breakers.For("a").CurrentState(); got != circuitbreaker.Open {
		t.Fatalf("breaker after 5 mid-stream resets: %s", got)
	}
}

func TestHandle_RetryAfterHintSurfaced(t *testing.T) {
	f := newFixture(t, claudeProvider("a"), claudeProvider("b"), claudeProvider("c"),
		claudeProvider("d"), claudeProvider("e"))
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.up.responses[id] = []any{&upstream.StatusError{
			StatusCode: 429, Body: "slow down", RetryAfterSecs: 7,
		}}
	}

	w, r, req := proxyRequest(`{"model":"claude-large","messages":[]}`)
	f.d.Handle(w, r, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status after exhaustion: %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "7" {
		t.Fatalf("Retry-After = %q, want 7", got)
	}
	recs := f.st.records(t)
	var chain []Attempt
	_ = json.Unmarshal(recs[0].DecisionChain, &chain)
	if len(chain) != 5 {
		t.Fatalf("chain length: %d", len(chain))
	}
	for _, a := range chain {
		if a.RetryAfterSecs != 7 {
			t.Fatalf("hint missing from chain entry: %+v", a)
		}
	}
}

func TestHandle_SensitiveWordBlocks(t *testing.T) {
	f := newFixture(t, claudeProvider("a"))
	f.st.words = []store.SensitiveWord{{Word: "forbidden", MatchType: store.MatchContains}}
	filter, _ := wordfilter.Compile(f.st.words)
	f.d.words = func() *wordfilter.Filter { return filter }

	w, r, req := proxyRequest(`{"model":"claude-large","messages":[{"role":"user","content":"a forbidden thing"}]}`)
	f.d.Handle(w, r, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "blocked_by_policy") {
		t.Fatalf("body: %s", w.Body.String())
	}
	if len(f.up.calls) != 0 {
		t.Fatal("blocked request must not reach upstream")
	}
	recs := f.st.records(t)
	if len(recs) != 1 {
		t.Fatalf("usage rows: %d", len(recs))
	}
	rec := recs[0]
	if rec.ProviderID != nil || rec.BlockReason != "sensitive_word" || rec.CostUSD != pricing.Zero() {
		t.Fatalf("blocked record: %+v", rec)
	}
}

func TestHandle_KeyCostCapReturns429(t *testing.T) {
	f := newFixture(t, claudeProvider("a"))
	req0 := principal()
	req0.Key.Limit5hUSD = 1
	if err := f.limits.Track(context.Background(), "k1", "", 1); err != nil {
		t.Fatal(err)
	}

	w, r, req := proxyRequest(`{"model":"claude-large","messages":[]}`)
	req.Principal = req0
	f.d.Handle(w, r, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status: %d", w.Code)
	}
	if len(f.up.calls) != 0 {
		t.Fatal("capped key must not reach upstream")
	}
	recs := f.st.records(t)
	if recs[0].BlockReason != "cost_window_5h" {
		t.Fatalf("record: %+v", recs[0])
	}
}

func TestHandle_KeySessionCapReturns429(t *testing.T) {
	f := newFixture(t, claudeProvider("a"))
	f.up.responses["a"] = []any{streamBody{claudeStream}, streamBody{claudeStream}}

	capped := principal()
	capped.Key.MaxSessions = 1

	w, r, req := proxyRequest(`{"model":"claude-large","metadata":{"session_id":"s1"},"messages":[]}`)
	req.Principal = capped
	f.d.Handle(w, r, req)
	if w.Code != 200 {
		t.Fatalf("first session: %d body=%s", w.Code, w.Body.String())
	}

	// A second distinct session on the same key exceeds the cap.
	w2, r2, req2 := proxyRequest(`{"model":"claude-large","metadata":{"session_id":"s2"},"messages":[]}`)
	req2.Principal = capped
	f.d.Handle(w2, r2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second session: %d", w2.Code)
	}
	if len(f.up.calls) != 1 {
		t.Fatalf("capped session must not reach upstream: %v", f.up.calls)
	}
	recs := f.st.records(t)
	if recs[len(recs)-1].BlockReason != "session_cap" {
		t.Fatalf("record: %+v", recs[len(recs)-1])
	}

	// The original session is already tracked and stays admitted.
	w3, r3, req3 := proxyRequest(`{"model":"claude-large","metadata":{"session_id":"s1"},"messages":[]}`)
	req3.Principal = capped
	f.d.Handle(w3, r3, req3)
	if w3.Code != 200 {
		t.Fatalf("tracked session rejected: %d", w3.Code)
	}
}

func TestHandle_ProviderCapAttributedToTrippingRequest(t *testing.T) {
	a := claudeProvider("a")
	a.Limit5hUSD = 0.2
	b := claudeProvider("b")
	f := newFixture(t, a, b)
	f.up.responses["a"] = []any{streamBody{claudeStream}}
	f.up.responses["b"] = []any{streamBody{claudeStream}}

	// Pin the session to provider a for the first request.
	f.sessions.Touch(context.Background(), session.Info{SessionID: "sess", KeyID: "k1", ProviderID: "a"})

	body := `{"model":"claude-large","metadata":{"session_id":"sess"},"messages":[]}`
	w, r, req := proxyRequest(body)
	f.d.Handle(w, r, req)
	if w.Code != 200 {
		t.Fatalf("first request: %d", w.Code)
	}
	recs := f.st.records(t)
	if *recs[0].ProviderID != "a" || recs[0].CostUSD != "0.181000000000000" {
		t.Fatalf("tripping request attribution: %+v", recs[0])
	}

	// Cost 0.181 is at/over a's 0.2? No: 0.181 < 0.2, so push it over.
	if err := f.limits.Track(context.Background(), "", "a", 0.02); err != nil {
		t.Fatal(err)
	}

	// Next request in the same session cannot reuse a (cost capped) and must
	// land on b.
	w2, r2, req2 := proxyRequest(body)
	f.d.Handle(w2, r2, req2)
	if w2.Code != 200 {
		t.Fatalf("second request: %d body=%s", w2.Code, w2.Body.String())
	}
	recs = f.st.records(t)
	if *recs[1].ProviderID != "b" {
		t.Fatalf("capped provider reused: %+v", recs[1])
	}
}

func TestHandle_UnknownModelFlagsPriceMissing(t *testing.T) {
	f := newFixture(t, claudeProvider("a"))
	f.up.responses["a"] = []any{streamBody{
		"data: {\"message\":{\"usage\":{\"input_tokens\":10}}}\n\n",
	}}

	w, r, req := proxyRequest(`{"model":"mystery","messages":[]}`)
	f.d.Handle(w, r, req)

	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
	recs := f.st.records(t)
	rec := recs[0]
	if !rec.PriceMissing || rec.CostUSD != pricing.Zero() {
		t.Fatalf("price-missing record: %+v", rec)
	}
}

func TestHandle_BadPayload(t *testing.T) {
	f := newFixture(t, claudeProvider("a"))

	w, r, req := proxyRequest(`{not json`)
	f.d.Handle(w, r, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", w.Code)
	}

	w, r, req = proxyRequest(`{"messages":[]}`)
	f.d.Handle(w, r, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing model: %d", w.Code)
	}
	if len(f.st.records(t)) != 0 {
		t.Fatal("unparseable payloads are rejected before any record is written")
	}
}

func TestHandle_JSONResponseUsage(t *testing.T) {
	f := newFixture(t, claudeProvider("a"))
	f.up.responses["a"] = []any{`{"id":"msg_1","usage":{"input_tokens":7,"output_tokens":3}}`}

	w, r, req := proxyRequest(`{"model":"claude-large","messages":[]}`)
	f.d.Handle(w, r, req)

	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
	recs := f.st.records(t)
	if recs[0].Usage.InputTokens != 7 || recs[0].Usage.OutputTokens != 3 {
		t.Fatalf("usage from json body: %+v", recs[0].Usage)
	}
}

func TestHandle_SessionStickinessAcrossRequests(t *testing.T) {
	f := newFixture(t, claudeProvider("a"), claudeProvider("b"))
	f.up.responses["a"] = []any{streamBody{claudeStream}, streamBody{claudeStream}, streamBody{claudeStream}}
	f.up.responses["b"] = []any{streamBody{claudeStream}, streamBody{claudeStream}, streamBody{claudeStream}}

	body := `{"model":"claude-large","metadata":{"session_id":"sticky"},"messages":[]}`
	var first string
	for i := 0; i < 3; i++ {
		w, r, req := proxyRequest(body)
		f.d.Handle(w, r, req)
		if w.Code != 200 {
			t.Fatalf("request %d: %d", i, w.Code)
		}
		recs := f.st.records(t)
		got := *recs[len(recs)-1].ProviderID
		if first == "" {
			first = got
		} else if got != first {
			t.Fatalf("session bounced from %s to %s", first, got)
		}
	}
}

func TestHandle_EventsPublished(t *testing.T) {
	f := newFixture(t, claudeProvider("a"))
	f.up.responses["a"] = []any{streamBody{claudeStream}}
	sub := f.bus.Subscribe(8)
	defer f.bus.Unsubscribe(sub)

	w, r, req := proxyRequest(`{"model":"claude-large","messages":[]}`)
	f.d.Handle(w, r, req)
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}

	select {
	case e := <-sub.C:
		if e.Type != events.EventDispatchSuccess || e.ProviderID != "a" {
			t.Fatalf("event: %+v", e)
		}
	default:
		t.Fatal("no event published")
	}
}
