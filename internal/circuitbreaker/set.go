package circuitbreaker

import "sync"

// Set is a registry of breakers keyed by provider id. Breakers are created
// lazily in the Closed state, which is also the cold-start behavior after a
// process restart.
type Set struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []Option
	onChange func(providerID string, from, to State)
}

// NewSet creates an empty registry. The options are applied to every breaker
// the set creates.
func NewSet(opts ...Option) *Set {
	return &Set{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// OnStateChange registers a hook that fires with the provider id on every
// transition of any breaker the set creates afterwards. The hook runs while
// the breaker's mutex is held, so it must not call back into the breaker.
func (s *Set) OnStateChange(fn func(providerID string, from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// For returns the breaker for a provider, creating it on first use.
func (s *Set) For(providerID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[providerID]
	if !ok {
		opts := s.opts
		if s.onChange != nil {
			hook := s.onChange
			id := providerID
			opts = append(opts[:len(opts):len(opts)], WithOnStateChange(func(from, to State) {
				hook(id, from, to)
			}))
		}
		b = New(opts...)
		s.breakers[providerID] = b
	}
	return b
}

// Snapshots returns the current state of every known breaker, keyed by
// provider id.
func (s *Set) Snapshots() map[string]Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Snapshot, len(s.breakers))
	for id, b := range s.breakers {
		out[id] = b.Snapshot()
	}
	return out
}

// Reset forces a single provider's breaker back to Closed. It reports whether
// the provider had a breaker.
func (s *Set) Reset(providerID string) bool {
	s.mu.Lock()
	b, ok := s.breakers[providerID]
	s.mu.Unlock()
	if ok {
		b.Reset()
	}
	return ok
}
