// Package dispatch drives a proxied request through its lifecycle:
// authenticate (done upstream of this package), filter, select a provider,
// forward, and account. Retryable upstream failures loop back into selection
// with the failing provider excluded, up to a bounded attempt count.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/circuitbreaker"
	"github.com/relaygate/relaygate/internal/events"
	"github.com/relaygate/relaygate/internal/pricing"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/selector"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/internal/upstream"
	"github.com/relaygate/relaygate/internal/wordfilter"
)

const (
	defaultMaxAttempts = 5
	defaultDrainGrace  = 5 * time.Second
	accountingTimeout  = 10 * time.Second
)

// errClientGone marks a relay cut short by the client, not the upstream.
var errClientGone = errors.New("client disconnected mid-stream")

// Forwarder abstracts the upstream client for tests.
type Forwarder interface {
	Do(ctx context.Context, provider *store.Provider, path string, payload []byte, inbound http.Header) (*upstream.Response, error)
}

// Dispatcher owns the request state machine. All collaborators are injected
// by the composition root.
type Dispatcher struct {
	selector *selector.Selector
	client   Forwarder
	breakers *circuitbreaker.Set
	limits   *ratelimit.CostLimiter
	sessions *session.Tracker
	prices   *pricing.Registry
	words    func() *wordfilter.Filter
	store    store.Store
	bus      *events.Bus
	logger   *slog.Logger

	maxAttempts int
	drainGrace  time.Duration

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxAttempts caps the number of providers tried per request.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithDrainGrace sets how long a client-abandoned upstream stream is drained
// for its final usage summary.
func WithDrainGrace(g time.Duration) Option {
	return func(d *Dispatcher) {
		if g > 0 {
			d.drainGrace = g
		}
	}
}

// New wires a Dispatcher. words is called per request so filter rebuilds
// after admin edits take effect without restarting.
func New(
	sel *selector.Selector,
	client Forwarder,
	breakers *circuitbreaker.Set,
	limits *ratelimit.CostLimiter,
	sessions *session.Tracker,
	prices *pricing.Registry,
	words func() *wordfilter.Filter,
	st store.Store,
	bus *events.Bus,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		selector:    sel,
		client:      client,
		breakers:    breakers,
		limits:      limits,
		sessions:    sessions,
		prices:      prices,
		words:       words,
		store:       st,
		bus:         bus,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		drainGrace:  defaultDrainGrace,
		nowFunc:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Request is one inbound proxy call, already authenticated.
type Request struct {
	Principal    *auth.Principal
	Body         []byte
	Header       http.Header
	Path         string // upstream path, e.g. /v1/messages
	ProviderType string
	UserAgent    string
}

// Attempt is one entry of the request's decision chain.
type Attempt struct {
	ProviderID      string                   `json:"provider_id"`
	ProviderName    string                   `json:"provider_name"`
	Reason          string                   `json:"reason"`
	SelectionMethod string                   `json:"selection_method"`
	Priority        int                      `json:"priority"`
	Weight          int                      `json:"weight"`
	CostMultiplier  float64                  `json:"cost_multiplier"`
	CircuitState    string                   `json:"circuit_state"`
	AttemptNumber   int                      `json:"attempt_number"`
	Timestamp       time.Time                `json:"timestamp"`
	ErrorMessage    string                   `json:"error_message,omitempty"`
	RetryAfterSecs  int                      `json:"retry_after_secs,omitempty"`
	DecisionContext selector.DecisionContext `json:"decision_context"`
}

type payloadMeta struct {
	Model    string            `json:"model"`
	Stream   bool              `json:"stream"`
	Messages []json.RawMessage `json:"messages"`
	Metadata *struct {
		SessionID string `json:"session_id"`
	} `json:"metadata"`
}

// Handle runs the state machine and writes the response. The ResponseWriter
// is only touched once a terminal outcome is known, except for streaming
// relays which commit at the first upstream byte.
func (d *Dispatcher) Handle(w http.ResponseWriter, r *http.Request, req *Request) {
	start := d.nowFunc()
	requestID := uuid.NewString()
	logger := d.logger.With("request_id", requestID, "user_id", req.Principal.User.ID)

	var meta payloadMeta
	if err := json.Unmarshal(req.Body, &meta); err != nil || meta.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON with a model field")
		return
	}
	sessionID := resolveSessionID(req.Header, meta)

	rec := store.MessageRequest{
		ID:            requestID,
		UserID:        req.Principal.User.ID,
		KeyID:         keyID(req.Principal),
		Model:         meta.Model,
		OriginalModel: meta.Model,
		SessionID:     sessionID,
		CostUSD:       pricing.Zero(),
		UserAgent:     req.UserAgent,
		MessageCount:  len(meta.Messages),
		CreatedAt:     start,
	}

	// FILTERING: sensitive words end the request before any upstream traffic.
	if hit := d.words().Scan(wordfilter.ExtractTexts(req.Body)); hit != nil {
		logger.Info("request blocked", "word", hit.Word, "match_type", hit.MatchType)
		rec.StatusCode = http.StatusBadRequest
		rec.BlockReason = "sensitive_word"
		rec.DurationMs = d.sinceMs(start)
		d.persist(rec, logger)
		d.bus.Publish(events.Event{
			Type: events.EventRequestBlocked, RequestID: requestID,
			UserID: rec.UserID, SessionID: sessionID, Reason: "sensitive_word",
		})
		writeBlocked(w, hit)
		return
	}

	// Local key limits: cost windows and the concurrent-session cap, both
	// surfaced as 429.
	if key := req.Principal.Key; key != nil {
		check := d.limits.Check(r.Context(), "key", key.ID, ratelimit.Caps{
			Limit5h: key.Limit5hUSD, LimitWeek: key.LimitWeeklyUSD, LimitMonth: key.LimitMonthUSD,
		})
		if !check.Allowed {
			rec.StatusCode = http.StatusTooManyRequests
			rec.BlockReason = fmt.Sprintf("cost_window_%s", check.Window)
			rec.DurationMs = d.sinceMs(start)
			d.persist(rec, logger)
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited",
				fmt.Sprintf("spending cap reached for the %s window", check.Window))
			return
		}
		if key.MaxSessions > 0 {
			if res := d.limits.CheckKeySessions(r.Context(), key.ID, sessionID, key.MaxSessions); !res.Allowed {
				rec.StatusCode = http.StatusTooManyRequests
				rec.BlockReason = "session_cap"
				rec.DurationMs = d.sinceMs(start)
				d.persist(rec, logger)
				writeJSONError(w, http.StatusTooManyRequests, "rate_limited",
					"concurrent session cap reached for this key")
				return
			}
		}
	}

	d.dispatch(w, r, req, meta, sessionID, rec, start, logger)
}

// dispatch is the SELECTING/FORWARDING/ACCOUNTING loop.
func (d *Dispatcher) dispatch(
	w http.ResponseWriter, r *http.Request, req *Request,
	meta payloadMeta, sessionID string, rec store.MessageRequest,
	start time.Time, logger *slog.Logger,
) {
	exclude := make(map[string]bool)
	var chain []Attempt

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		sel, err := d.selector.Select(r.Context(), selector.Request{
			User:         req.Principal.User,
			Model:        meta.Model,
			ProviderType: req.ProviderType,
			SessionID:    sessionID,
			Exclude:      exclude,
		})
		if err != nil {
			d.finishNoCandidate(w, err, rec, chain, attempt, start, logger)
			return
		}
		provider := sel.Provider

		reason := sel.Reason
		if attempt > 1 {
			reason = selector.ReasonRetrySuccess
		}
		entry := Attempt{
			ProviderID:      provider.ID,
			ProviderName:    provider.Name,
			Reason:          reason,
			SelectionMethod: selectionMethod(sel),
			Priority:        provider.Priority,
			Weight:          provider.Weight,
			CostMultiplier:  provider.CostMultiplier,
			CircuitState:    d.breakers.For(provider.ID).CurrentState().String(),
			AttemptNumber:   attempt,
			Timestamp:       d.nowFunc(),
			DecisionContext: sel.Context,
		}

		resp, err := d.client.Do(r.Context(), provider, req.Path, req.Body, req.Header)
		if err != nil {
			if upstream.BreakerFailure(err) {
				d.breakers.For(provider.ID).RecordFailure()
			}
			d.limits.ReleaseConcurrency(r.Context(), provider.ID, sessionID)

			entry.Reason = selector.ReasonRetryFailed
			entry.ErrorMessage = err.Error()
			var se *upstream.StatusError
			if errors.As(err, &se) && se.RetryAfterSecs > 0 {
				entry.RetryAfterSecs = se.RetryAfterSecs
			}
			chain = append(chain, entry)
			logger.Warn("upstream attempt failed",
				"provider_id", provider.ID, "attempt", attempt, "error", err)

			if upstream.Retryable(err) && attempt < d.maxAttempts {
				exclude[provider.ID] = true
				continue
			}
			d.finishUpstreamError(w, err, provider, rec, chain, start, logger)
			return
		}

		chain = append(chain, entry)
		d.finishRelay(w, r, req, resp, sel, rec, chain, attempt, start, logger)
		return
	}
}

// finishRelay streams the upstream response to the client, extracts usage,
// and runs ACCOUNTING.
func (d *Dispatcher) finishRelay(
	w http.ResponseWriter, r *http.Request, req *Request,
	resp *upstream.Response, sel *selector.Result,
	rec store.MessageRequest, chain []Attempt, attempts int,
	start time.Time, logger *slog.Logger,
) {
	provider := sel.Provider
	var acc usageAccumulator
	relayErr := d.relay(w, resp, &acc)
	if relayErr != nil {
		// Stream broke after bytes were committed; nothing to retry. A broken
		// upstream counts against the breaker, a gone client does not.
		if !errors.Is(relayErr, errClientGone) && !errors.Is(relayErr, context.Canceled) {
			d.breakers.For(provider.ID).RecordFailure()
		}
		logger.Warn("relay interrupted", "provider_id", provider.ID, "error", relayErr)
	} else {
		d.breakers.For(provider.ID).RecordSuccess()
	}

	rec.StatusCode = resp.StatusCode
	rec.Usage = acc.usage
	rec.ProviderID = &provider.ID
	rec.Model = sel.Model
	rec.OriginalModel = sel.OriginalModel
	rec.CostMultiplier = provider.CostMultiplier
	rec.DurationMs = d.sinceMs(start)
	if relayErr != nil {
		rec.ErrorMessage = relayErr.Error()
	}

	// ACCOUNTING runs on its own context: the client may already be gone.
	ctx, cancel := context.WithTimeout(context.Background(), accountingTimeout)
	defer cancel()

	price, perr := d.prices.Lookup(sel.Model)
	if perr != nil {
		var unknown *pricing.ErrUnknownModel
		if errors.As(perr, &unknown) {
			rec.PriceMissing = true
			logger.Warn("price missing, cost recorded as zero", "model", sel.Model)
		}
	} else {
		cost := pricing.Calculate(acc.usage, price, provider.CostMultiplier)
		rec.CostUSD = cost.StringFixed(pricing.CostScale)
		costFloat, _ := cost.Float64()
		if err := d.limits.Track(ctx, rec.KeyID, provider.ID, costFloat); err != nil {
			logger.Warn("cost tracking failed", "error", err)
		}
	}

	d.sessions.Touch(ctx, session.Info{
		SessionID:  rec.SessionID,
		UserID:     rec.UserID,
		KeyID:      rec.KeyID,
		ProviderID: provider.ID,
		Model:      sel.Model,
		APIType:    req.ProviderType,
	})

	rec.DecisionChain = marshalChain(chain, logger)
	d.persist(rec, logger)

	d.bus.Publish(events.Event{
		Type:       events.EventDispatchSuccess,
		RequestID:  rec.ID,
		SessionID:  rec.SessionID,
		UserID:     rec.UserID,
		ProviderID: provider.ID,
		Model:      sel.Model,
		StatusCode: rec.StatusCode,
		Attempts:   attempts,
		LatencyMs:  float64(rec.DurationMs),
		CostUSD:    rec.CostUSD,
	})
}

// relay copies the upstream body to the client. Event streams are forwarded
// line by line with flushing; when the client disconnects mid-stream the
// upstream is drained for up to drainGrace so the final usage is not lost.
// JSON bodies are buffered, mined for usage, and written whole.
func (d *Dispatcher) relay(w http.ResponseWriter, resp *upstream.Response, acc *usageAccumulator) error {
	defer func() { _ = resp.Body.Close() }()

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	if isEventStream(resp.ContentType) {
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(resp.StatusCode)
		flush(w)

		// When the client drops mid-stream the scanner keeps reading upstream
		// for the final usage summary; the grace timer bounds that drain by
		// closing the body out from under it.
		var grace *time.Timer
		err := scanEventStream(resp.Body, w, acc, func() {
			grace = time.AfterFunc(d.drainGrace, func() { _ = resp.Body.Close() })
		})
		if grace != nil {
			grace.Stop()
		}
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read upstream body: %w", err)
	}
	acc.absorbJSON(body)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
	return nil
}

func (d *Dispatcher) finishNoCandidate(
	w http.ResponseWriter, err error,
	rec store.MessageRequest, chain []Attempt, attempt int,
	start time.Time, logger *slog.Logger,
) {
	status := http.StatusServiceUnavailable
	message := err.Error()
	var noCand *selector.NoCandidateError
	if errors.As(err, &noCand) {
		chain = append(chain, Attempt{
			Reason:          selector.ReasonConcurrentLimit,
			AttemptNumber:   attempt,
			Timestamp:       d.nowFunc(),
			ErrorMessage:    noCand.Error(),
			DecisionContext: noCand.Context,
		})
		if noCand.Stage != selector.StageConcurrency {
			chain[len(chain)-1].Reason = "no_candidate"
		}
	}
	if attempt > 1 {
		// Retries exhausted the pool rather than it being empty to begin with.
		status = http.StatusBadGateway
	}

	rec.StatusCode = status
	rec.BlockReason = "no_candidate_provider"
	rec.ErrorMessage = message
	rec.DurationMs = d.sinceMs(start)
	rec.DecisionChain = marshalChain(chain, logger)
	d.persist(rec, logger)
	d.bus.Publish(events.Event{
		Type: events.EventDispatchError, RequestID: rec.ID,
		UserID: rec.UserID, SessionID: rec.SessionID,
		StatusCode: status, Reason: "no_candidate_provider", ErrorMsg: message,
	})
	writeJSONError(w, status, "no_candidate_provider", message)
}

func (d *Dispatcher) finishUpstreamError(
	w http.ResponseWriter, err error, provider *store.Provider,
	rec store.MessageRequest, chain []Attempt,
	start time.Time, logger *slog.Logger,
) {
	status := http.StatusBadGateway
	body := ""
	var se *upstream.StatusError
	if errors.As(err, &se) {
		if se.RetryAfterSecs > 0 {
			// Last provider's 429 hint, passed on so the client can pace itself.
			w.Header().Set("Retry-After", strconv.Itoa(se.RetryAfterSecs))
		}
		if !upstream.Retryable(se) {
			// Fatal 4xx pass through as-is.
			status = se.StatusCode
			body = se.Body
		}
	}

	rec.StatusCode = status
	rec.ProviderID = &provider.ID
	rec.ErrorMessage = err.Error()
	rec.DurationMs = d.sinceMs(start)
	rec.DecisionChain = marshalChain(chain, logger)
	d.persist(rec, logger)
	d.bus.Publish(events.Event{
		Type: events.EventDispatchError, RequestID: rec.ID,
		UserID: rec.UserID, SessionID: rec.SessionID, ProviderID: provider.ID,
		StatusCode: status, Reason: "upstream_error", ErrorMsg: err.Error(),
	})

	if body != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}
	writeJSONError(w, status, "upstream_error", "all upstream attempts failed")
}

// persist writes the usage record; a failed write is logged, never surfaced.
func (d *Dispatcher) persist(rec store.MessageRequest, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), accountingTimeout)
	defer cancel()
	if err := d.store.InsertMessageRequest(ctx, rec); err != nil {
		logger.Error("usage record write failed", "error", err)
	}
}

func (d *Dispatcher) sinceMs(start time.Time) int64 {
	return d.nowFunc().Sub(start).Milliseconds()
}

func resolveSessionID(h http.Header, meta payloadMeta) string {
	if sid := h.Get("x-session-id"); sid != "" {
		return sid
	}
	if meta.Metadata != nil && meta.Metadata.SessionID != "" {
		return meta.Metadata.SessionID
	}
	return session.NewSessionID()
}

func keyID(p *auth.Principal) string {
	if p.Key != nil {
		return p.Key.ID
	}
	return "admin"
}

func selectionMethod(sel *selector.Result) string {
	switch {
	case sel.Reason == selector.ReasonSessionReuse:
		return "sticky"
	case len(sel.Context.Candidates) <= 1:
		return "single_candidate"
	default:
		return "weighted_random"
	}
}

func marshalChain(chain []Attempt, logger *slog.Logger) json.RawMessage {
	data, err := json.Marshal(chain)
	if err != nil {
		logger.Error("decision chain encode failed", "error", err)
		return json.RawMessage("[]")
	}
	return data
}

func isEventStream(contentType string) bool {
	return len(contentType) >= 17 && contentType[:17] == "text/event-stream"
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"type": kind, "message": message},
	})
}

func writeBlocked(w http.ResponseWriter, hit *wordfilter.Hit) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"type":    "blocked_by_policy",
			"message": "request blocked by content policy",
			"blocked_by": map[string]string{
				"sensitive_word": hit.Word,
				"match_type":     hit.MatchType,
			},
		},
	})
}
