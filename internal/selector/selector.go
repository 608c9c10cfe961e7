// Package selector picks the upstream provider for each dispatch attempt.
// The pipeline filters the provider table (enabled/type/whitelist, group,
// breaker health, concurrency, cost windows, exclusions), keeps the best
// priority layer, and draws weighted-randomly inside it. Every decision is
// captured in a DecisionContext for the request's audit chain.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/relaygate/relaygate/internal/circuitbreaker"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/store"
)

// Selection reasons recorded in the decision chain.
const (
	ReasonSessionReuse     = "session_reuse"
	ReasonInitialSelection = "initial_selection"
	ReasonRetrySuccess     = "retry_success"
	ReasonRetryFailed      = "retry_failed"
	ReasonConcurrentLimit  = "concurrent_limit_failed"
)

// Filter stage names, used in NoCandidateError and the decision context.
const (
	StageEnabledTypeModel = "enabled_type_model"
	StageGroup            = "group"
	StageHealth           = "health"
	StageConcurrency      = "concurrency"
	StageCostWindow       = "cost_window"
	StageExclusion        = "exclusion"
)

// Request is one selection attempt.
type Request struct {
	User         *store.User
	Model        string
	ProviderType string
	SessionID    string
	Exclude      map[string]bool // provider ids already tried in this request
}

// Result is a successful selection.
type Result struct {
	Provider      *store.Provider
	Model         string // outbound model, after any redirect
	OriginalModel string
	Reason        string
	Context       DecisionContext
}

// Candidate describes one provider considered in the final priority layer.
type Candidate struct {
	ProviderID     string  `json:"provider_id"`
	Name           string  `json:"name"`
	Priority       int     `json:"priority"`
	Weight         int     `json:"weight"`
	CostMultiplier float64 `json:"cost_multiplier"`
	Probability    float64 `json:"probability"`
}

// Rejection records a provider dropped by a filter stage.
type Rejection struct {
	ProviderID string `json:"provider_id"`
	Stage      string `json:"stage"`
	Reason     string `json:"reason"`
}

// StageCount records how a filter stage shrank the pool.
type StageCount struct {
	Stage  string `json:"stage"`
	Before int    `json:"before"`
	After  int    `json:"after"`
}

// DecisionContext is the selector's view of one attempt.
type DecisionContext struct {
	Stages           []StageCount `json:"stages,omitempty"`
	GroupFallback    bool         `json:"group_fallback,omitempty"`
	SelectedPriority int          `json:"selected_priority,omitempty"`
	Candidates       []Candidate  `json:"candidates,omitempty"`
	Rejected         []Rejection  `json:"rejected,omitempty"`
}

// NoCandidateError reports that selection emptied the pool, naming the last
// filter stage that rejected the remaining providers.
type NoCandidateError struct {
	Stage   string
	Context DecisionContext
}

func (e *NoCandidateError) Error() string {
	return fmt.Sprintf("no candidate provider: pool emptied at %s filter", e.Stage)
}

// Selector owns the selection pipeline. It holds no per-request state.
type Selector struct {
	store    store.Store
	breakers *circuitbreaker.Set
	limits   *ratelimit.CostLimiter
	sessions *session.Tracker
	logger   *slog.Logger

	// randFloat is used for testing; defaults to rand.Float64.
	randFloat func() float64
}

// New creates a Selector wired to the shared breaker set, cost limiter, and
// session tracker.
func New(st store.Store, breakers *circuitbreaker.Set, limits *ratelimit.CostLimiter, sessions *session.Tracker, logger *slog.Logger) *Selector {
	return &Selector{
		store:     st,
		breakers:  breakers,
		limits:    limits,
		sessions:  sessions,
		logger:    logger,
		randFloat: rand.Float64,
	}
}

// Select returns one provider for the attempt or a *NoCandidateError.
func (s *Selector) Select(ctx context.Context, req Request) (*Result, error) {
	providers, err := s.store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	if res := s.trySessionReuse(ctx, req, providers); res != nil {
		return res, nil
	}

	var dc DecisionContext

	// Enabled + type + whitelist. The whitelist is evaluated against the
	// requested model, before redirection.
	pool := make([]*store.Provider, 0, len(providers))
	for i := range providers {
		p := &providers[i]
		switch {
		case !p.Enabled:
			dc.Rejected = append(dc.Rejected, Rejection{p.ID, StageEnabledTypeModel, "disabled"})
		case p.Type != req.ProviderType:
			dc.Rejected = append(dc.Rejected, Rejection{p.ID, StageEnabledTypeModel, "wrong type"})
		case !p.AllowsModel(req.Model):
			dc.Rejected = append(dc.Rejected, Rejection{p.ID, StageEnabledTypeModel, "model not whitelisted"})
		default:
			pool = append(pool, p)
		}
	}
	dc.Stages = append(dc.Stages, StageCount{StageEnabledTypeModel, len(providers), len(pool)})
	if len(pool) == 0 {
		return nil, &NoCandidateError{Stage: StageEnabledTypeModel, Context: dc}
	}

	// Group filter, with unconditional fallback when it empties the pool.
	if group := userGroup(req.User); group != "" {
		grouped := filter(pool, func(p *store.Provider) bool { return p.GroupTag == group })
		if len(grouped) == 0 {
			dc.GroupFallback = true
		} else {
			for _, p := range pool {
				if p.GroupTag != group {
					dc.Rejected = append(dc.Rejected, Rejection{p.ID, StageGroup, "group mismatch"})
				}
			}
			dc.Stages = append(dc.Stages, StageCount{StageGroup, len(pool), len(grouped)})
			pool = grouped
		}
	}

	// Health: open breakers are skipped entirely.
	before := len(pool)
	healthy := pool[:0:0]
	for _, p := range pool {
		if s.breakers.For(p.ID).IsOpen() {
			dc.Rejected = append(dc.Rejected, Rejection{p.ID, StageHealth, "circuit open"})
			continue
		}
		healthy = append(healthy, p)
	}
	dc.Stages = append(dc.Stages, StageCount{StageHealth, before, len(healthy)})
	pool = healthy
	if len(pool) == 0 {
		return nil, &NoCandidateError{Stage: StageHealth, Context: dc}
	}

	// Concurrency: atomically claim a slot per surviving provider so two
	// concurrent selections cannot both land on the last free slot. Slots on
	// providers that lose the draw are released below.
	before = len(pool)
	admitted := pool[:0:0]
	for _, p := range pool {
		res := s.limits.CheckConcurrency(ctx, p.ID, req.SessionID, p.MaxSessions)
		if !res.Allowed {
			dc.Rejected = append(dc.Rejected, Rejection{p.ID, StageConcurrency,
				fmt.Sprintf("at session limit (%d)", res.Count)})
			continue
		}
		admitted = append(admitted, p)
	}
	dc.Stages = append(dc.Stages, StageCount{StageConcurrency, before, len(admitted)})
	pool = admitted
	if len(pool) == 0 {
		return nil, &NoCandidateError{Stage: StageConcurrency, Context: dc}
	}

	// Cost windows: a provider already at any cap is out.
	before = len(pool)
	affordable := pool[:0:0]
	for _, p := range pool {
		check := s.limits.Check(ctx, "provider", p.ID, ratelimit.Caps{
			Limit5h: p.Limit5hUSD, LimitWeek: p.LimitWeeklyUSD, LimitMonth: p.LimitMonthUSD,
		})
		if !check.Allowed {
			s.limits.ReleaseConcurrency(ctx, p.ID, req.SessionID)
			dc.Rejected = append(dc.Rejected, Rejection{p.ID, StageCostWindow,
				fmt.Sprintf("%s window at cap (%.4f/%.4f)", check.Window, check.Current, check.Cap)})
			continue
		}
		affordable = append(affordable, p)
	}
	dc.Stages = append(dc.Stages, StageCount{StageCostWindow, before, len(affordable)})
	pool = affordable
	if len(pool) == 0 {
		return nil, &NoCandidateError{Stage: StageCostWindow, Context: dc}
	}

	// Exclusions: providers already tried in this request.
	before = len(pool)
	fresh := pool[:0:0]
	for _, p := range pool {
		if req.Exclude[p.ID] {
			s.limits.ReleaseConcurrency(ctx, p.ID, req.SessionID)
			dc.Rejected = append(dc.Rejected, Rejection{p.ID, StageExclusion, "already attempted"})
			continue
		}
		fresh = append(fresh, p)
	}
	dc.Stages = append(dc.Stages, StageCount{StageExclusion, before, len(fresh)})
	pool = fresh
	if len(pool) == 0 {
		return nil, &NoCandidateError{Stage: StageExclusion, Context: dc}
	}

	// Priority layering: keep the minimum priority only.
	minPriority := pool[0].Priority
	for _, p := range pool[1:] {
		if p.Priority < minPriority {
			minPriority = p.Priority
		}
	}
	layer := filter(pool, func(p *store.Provider) bool { return p.Priority == minPriority })
	for _, p := range pool {
		if p.Priority != minPriority {
			s.limits.ReleaseConcurrency(ctx, p.ID, req.SessionID)
		}
	}
	dc.SelectedPriority = minPriority

	chosen := s.draw(layer, &dc)
	for _, p := range layer {
		if p.ID != chosen.ID {
			s.limits.ReleaseConcurrency(ctx, p.ID, req.SessionID)
		}
	}

	return &Result{
		Provider:      chosen,
		Model:         chosen.RedirectModel(req.Model),
		OriginalModel: req.Model,
		Reason:        ReasonInitialSelection,
		Context:       dc,
	}, nil
}

// trySessionReuse returns a sticky result when the session's last provider is
// still viable, or nil to fall through to full selection.
func (s *Selector) trySessionReuse(ctx context.Context, req Request, providers []store.Provider) *Result {
	if req.SessionID == "" {
		return nil
	}
	lastID, ok := s.sessions.LastProvider(ctx, req.SessionID)
	if !ok || req.Exclude[lastID] {
		return nil
	}
	var last *store.Provider
	for i := range providers {
		if providers[i].ID == lastID {
			last = &providers[i]
			break
		}
	}
	if last == nil || !last.Enabled || last.Type != req.ProviderType || !last.AllowsModel(req.Model) {
		return nil
	}
	if s.breakers.For(last.ID).IsOpen() {
		return nil
	}
	check := s.limits.Check(ctx, "provider", last.ID, ratelimit.Caps{
		Limit5h: last.Limit5hUSD, LimitWeek: last.LimitWeeklyUSD, LimitMonth: last.LimitMonthUSD,
	})
	if !check.Allowed {
		return nil
	}
	if res := s.limits.CheckConcurrency(ctx, last.ID, req.SessionID, last.MaxSessions); !res.Allowed {
		return nil
	}
	return &Result{
		Provider:      last,
		Model:         last.RedirectModel(req.Model),
		OriginalModel: req.Model,
		Reason:        ReasonSessionReuse,
		Context: DecisionContext{
			SelectedPriority: last.Priority,
			Candidates: []Candidate{{
				ProviderID: last.ID, Name: last.Name, Priority: last.Priority,
				Weight: last.Weight, CostMultiplier: last.CostMultiplier, Probability: 1,
			}},
		},
	}
}

// draw sorts the layer by ascending cost multiplier, records per-candidate
// probabilities from the weights, and picks one weighted-randomly. The cost
// ordering only shapes the recorded metadata; the draw itself is over weight.
func (s *Selector) draw(layer []*store.Provider, dc *DecisionContext) *store.Provider {
	sort.SliceStable(layer, func(i, j int) bool {
		return layer[i].CostMultiplier < layer[j].CostMultiplier
	})

	total := 0
	for _, p := range layer {
		total += weightOf(p)
	}
	dc.Candidates = make([]Candidate, len(layer))
	for i, p := range layer {
		dc.Candidates[i] = Candidate{
			ProviderID:     p.ID,
			Name:           p.Name,
			Priority:       p.Priority,
			Weight:         p.Weight,
			CostMultiplier: p.CostMultiplier,
			Probability:    float64(weightOf(p)) / float64(total),
		}
	}
	if len(layer) == 1 {
		return layer[0]
	}

	target := s.randFloat() * float64(total)
	acc := 0.0
	for _, p := range layer {
		acc += float64(weightOf(p))
		if target < acc {
			return p
		}
	}
	return layer[len(layer)-1]
}

func weightOf(p *store.Provider) int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}

func userGroup(u *store.User) string {
	if u == nil {
		return ""
	}
	return u.ProviderGroup
}

func filter(in []*store.Provider, keep func(*store.Provider) bool) []*store.Provider {
	out := in[:0:0]
	for _, p := range in {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}
