package retry

import "sync"

// statKey identifies one (kind, strategy) counter pair.
type statKey struct {
	Kind     FailureKind
	Strategy Strategy
}

// Counter holds attempt and success counts for one (kind, strategy)
// pair.
type Counter struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
}

// Stats tracks per-(kind, strategy) attempt and success counters. The
// counters are observability only; they never feed back into strategy
// selection. Safe for concurrent use.
type Stats struct {
	mu       sync.Mutex
	counters map[statKey]*Counter
}

// NewStats returns an empty Stats.
func NewStats() *Stats {
	return &Stats{counters: make(map[statKey]*Counter)}
}

// RecordAttempt increments the attempt counter for the pair.
func (s *Stats) RecordAttempt(kind FailureKind, strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter(kind, strategy).Attempts++
}

// RecordSuccess increments the success counter for the pair.
func (s *Stats) RecordSuccess(kind FailureKind, strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter(kind, strategy).Successes++
}

// Get returns a copy of the counter for the pair.
func (s *Stats) Get(kind FailureKind, strategy Strategy) Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[statKey{kind, strategy}]; ok {
		return *c
	}
	return Counter{}
}

// Snapshot returns a copy of all counters keyed by "kind/strategy".
func (s *Stats) Snapshot() map[string]Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counter, len(s.counters))
	for k, c := range s.counters {
		out[string(k.Kind)+"/"+string(k.Strategy)] = *c
	}
	return out
}

// counter must be called with the lock held.
func (s *Stats) counter(kind FailureKind, strategy Strategy) *Counter {
	key := statKey{kind, strategy}
	c, ok := s.counters[key]
	if !ok {
		c = &Counter{}
		s.counters[key] = c
	}
	return c
}
