package twap

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Snapshot is a copy of the TWAP sub-state
type Snapshot struct {
	Enabled    bool
	InProgress bool
	Plan       *Plan
	// Current is false while Plan was priced from an older quote
	Current bool
}

// State holds the TWAP alternative of the current trade
type State struct {
	mu         sync.Mutex
	planner    *Planner
	featureOn  bool
	enabled    bool
	inProgress bool
	plan       *Plan
	planGen    uint64
	gen        uint64
	logger     zerolog.Logger
}

// NewState creates the sub-state. featureOn is the global feature flag.
func NewState(planner *Planner, featureOn bool, logger zerolog.Logger) *State {
	return &State{
		planner:   planner,
		featureOn: featureOn,
		logger:    logger.With().Str("component", "twap").Logger(),
	}
}

// Allowed reports whether the feature flag is on
func (s *State) Allowed() bool {
	return s.featureOn
}

// Enabled reports whether the plan feeds the confirmation action
func (s *State) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.featureOn && s.enabled
}

// Toggle switches the TWAP branch. The computed plan is kept.
func (s *State) Toggle(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Clear drops the plan and invalidates any in-flight computation. It
// returns the new generation.
func (s *State) Clear() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.plan = nil
	s.inProgress = false
	return s.gen
}

// Invalidate discards in-flight computations but keeps the current plan
// on display until a fresh one replaces it.
func (s *State) Invalidate() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.inProgress = false
	return s.gen
}

// Recompute derives a new plan from the single trade. It is a no-op while
// the feature is off or the branch is disabled.
func (s *State) Recompute(ctx context.Context, in Input) {
	s.RecomputeAt(ctx, s.Invalidate(), in)
}

// RecomputeAt is Recompute bound to a generation obtained from Clear or
// Invalidate. The plan is dropped if the generation moved on.
func (s *State) RecomputeAt(ctx context.Context, gen uint64, in Input) {
	s.mu.Lock()
	if !s.featureOn || !s.enabled || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.inProgress = true
	s.mu.Unlock()

	plan, err := s.planner.Plan(ctx, in)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.logger.Debug().Uint64("gen", gen).Uint64("current", s.gen).Msg("discarding stale plan")
		return
	}
	s.inProgress = false
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to compute twap")
		s.plan = nil
		return
	}
	s.plan = plan
	s.planGen = gen
}

// Current reports whether the plan was computed at the latest generation
func (s *State) Current() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan != nil && s.planGen == s.gen
}

// Snapshot returns a copy of the state
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Enabled:    s.featureOn && s.enabled,
		InProgress: s.inProgress,
		Current:    s.plan != nil && s.planGen == s.gen,
	}
	if s.plan != nil {
		p := *s.plan
		snap.Plan = &p
	}
	return snap
}

// Config returns the planner limits
func (s *State) Config() Config {
	if s.planner == nil {
		return DefaultConfig()
	}
	return s.planner.Config()
}
