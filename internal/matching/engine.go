package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/example/resource-allocator/internal/scheduler"
)

// Factor names used in score breakdowns.
const (
	FactorCapability   = "capability"
	FactorAvailability = "availability"
	FactorWorkload     = "workload"
	FactorAffinity     = "affinity"
	FactorPreference   = "preference"
)

// ErrInvalidRequest marks requests that cannot be matched as submitted.
var ErrInvalidRequest = errors.New("matching: invalid request")

// InvalidRequestError names the offending request field.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("matching: %s: %s", e.Field, e.Reason)
}

// Is lets callers compare against ErrInvalidRequest.
func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// Request is the part of an allocation request the engine scores against.
type Request struct {
	RequesterID string
	ContextID   string
	// Required maps a capability tag to the minimum proficiency level (1..5).
	Required  map[string]int
	Preferred []string
	// Window is the desired window, or a flexible range when Duration is
	// shorter than it.
	Window              scheduler.Window
	Duration            time.Duration
	PreferredResourceID string
	// Exclude removes resources from consideration, e.g. after a lost race.
	Exclude []string
	// Now anchors the rolling workload window. Zero means Window.Start.
	Now time.Time
}

// EffectiveDuration returns Duration, or the window length when unset.
func (r Request) EffectiveDuration() time.Duration {
	if r.Duration > 0 {
		return r.Duration
	}
	return r.Window.Duration()
}

// History counts prior successful bookings for a candidate.
type History struct {
	WithRequester int
	WithContext   int
}

// Constraints are the booking rules a candidate enforces on any window.
type Constraints struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	LeadTime    time.Duration
}

// Candidate is a resource snapshot taken by the caller. The engine never
// mutates it.
type Candidate struct {
	ResourceID   string
	Capabilities map[string]int
	Capacity     int
	Calendar     scheduler.Calendar
	Constraints  Constraints
	// Busy holds the reservations counting against capacity.
	Busy []scheduler.Window
	// Worked holds confirmed and completed bookings. Only the workload
	// factor reads it.
	Worked  []scheduler.Window
	History History
}

// searchRange is the part of the requested window the candidate could
// still accept: nothing before Now plus the lead time.
func (c Candidate) searchRange(req Request) scheduler.Window {
	rng := req.Window
	if req.Now.IsZero() {
		return rng
	}
	if floor := req.Now.Add(c.Constraints.LeadTime); floor.After(rng.Start) {
		rng.Start = floor
	}
	return rng
}

// Ranked is one scored candidate.
type Ranked struct {
	ResourceID string
	Score      float64
	Breakdown  map[string]float64
	// Window is the best sub-window of the requested range for this candidate.
	Window scheduler.Window
}

// Result is the advisory ranking for a request. NoEligible is an outcome, not
// a failure.
type Result struct {
	Candidates []Ranked
	NoEligible bool
	Reason     string
}

// Top returns the highest ranked candidate.
func (r Result) Top() (Ranked, bool) {
	if len(r.Candidates) == 0 {
		return Ranked{}, false
	}
	return r.Candidates[0], true
}

// Input is what a factor sees for a single candidate.
type Input struct {
	Request   Request
	Candidate Candidate
	// Window is the candidate's best window, already chosen by the engine.
	Window scheduler.Window
	Now    time.Time
}

// ScoreFunc returns a sub-score in [0,100].
type ScoreFunc func(in Input) float64

// Filter excludes candidates outright.
type Filter func(req Request, c Candidate) bool

// Factor is one weighted term of the final score.
type Factor struct {
	Name   string
	Weight float64
	Score  ScoreFunc
}

// Engine ranks candidates. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	factors []Factor
	filters []Filter
}

// Option customises an Engine.
type Option func(*Engine)

// WithFactor appends or replaces a factor by name.
func WithFactor(f Factor) Option {
	return func(e *Engine) {
		for i := range e.factors {
			if e.factors[i].Name == f.Name {
				e.factors[i] = f
				return
			}
		}
		e.factors = append(e.factors, f)
	}
}

// WithFilter appends a hard filter.
func WithFilter(f Filter) Option {
	return func(e *Engine) {
		e.filters = append(e.filters, f)
	}
}

// NewEngine builds an engine with the default factors weighted by w.
func NewEngine(w Weights, settings Settings, opts ...Option) *Engine {
	w = w.withDefaults()
	settings = settings.withDefaults()
	e := &Engine{
		factors: []Factor{
			{Name: FactorCapability, Weight: w.Capability, Score: CapabilityScore},
			{Name: FactorAvailability, Weight: w.Availability, Score: AvailabilityScore},
			{Name: FactorWorkload, Weight: w.Workload, Score: WorkloadScore(settings.WorkloadWindow)},
			{Name: FactorAffinity, Weight: w.Affinity, Score: AffinityScore(settings.AffinityCap)},
			{Name: FactorPreference, Weight: w.Preference, Score: PreferenceScore},
		},
		filters: []Filter{HasRequiredCapabilities, FitsConstraints},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate checks the request before any scoring happens.
func Validate(req Request) error {
	if len(req.Required) == 0 && req.PreferredResourceID == "" {
		return &InvalidRequestError{Field: "required", Reason: "at least one required capability or a resource hint is needed"}
	}
	for tag, level := range req.Required {
		if tag == "" {
			return &InvalidRequestError{Field: "required", Reason: "capability tag must not be empty"}
		}
		if level < 0 || level > MaxLevel {
			return &InvalidRequestError{Field: "required", Reason: fmt.Sprintf("level for %q must be between 0 and %d", tag, MaxLevel)}
		}
	}
	if !req.Window.Valid() {
		return &InvalidRequestError{Field: "window", Reason: "start must be before end"}
	}
	if req.Duration < 0 {
		return &InvalidRequestError{Field: "duration", Reason: "must be positive"}
	}
	if req.EffectiveDuration() > req.Window.Duration() {
		return &InvalidRequestError{Field: "duration", Reason: "must fit inside the window"}
	}
	return nil
}

// Match scores and ranks the pool. The context deadline is checked between
// candidates so large pools respect the match timeout.
func (e *Engine) Match(ctx context.Context, req Request, pool []Candidate) (Result, error) {
	if err := Validate(req); err != nil {
		return Result{}, err
	}
	if len(pool) == 0 {
		return Result{NoEligible: true, Reason: "empty candidate pool"}, nil
	}

	now := req.Now
	if now.IsZero() {
		now = req.Window.Start
	}
	excluded := make(map[string]struct{}, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = struct{}{}
	}

	ranked := make([]Ranked, 0, len(pool))
	for _, candidate := range pool {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("matching: %w", err)
		}
		if _, skip := excluded[candidate.ResourceID]; skip {
			continue
		}
		if !e.eligible(req, candidate) {
			continue
		}
		ranked = append(ranked, e.score(req, candidate, now))
	}

	if len(ranked) == 0 {
		return Result{NoEligible: true, Reason: "no candidate satisfies the required capabilities and booking rules"}, nil
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return less(ranked[i], ranked[j])
	})
	return Result{Candidates: ranked}, nil
}

func (e *Engine) eligible(req Request, c Candidate) bool {
	for _, filter := range e.filters {
		if !filter(req, c) {
			return false
		}
	}
	return true
}

func (e *Engine) score(req Request, c Candidate, now time.Time) Ranked {
	window, _ := BestWindow(c, c.searchRange(req), req.EffectiveDuration())
	in := Input{Request: req, Candidate: c, Window: window, Now: now}

	breakdown := make(map[string]float64, len(e.factors))
	var total, weights float64
	for _, factor := range e.factors {
		value := clamp(factor.Score(in))
		breakdown[factor.Name] = value
		if factor.Weight <= 0 {
			continue
		}
		total += factor.Weight * value
		weights += factor.Weight
	}
	score := 0.0
	if weights > 0 {
		score = total / weights
	}
	return Ranked{ResourceID: c.ResourceID, Score: score, Breakdown: breakdown, Window: window}
}

// less orders by score, then affinity, then lighter workload, then id.
func less(a, b Ranked) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Breakdown[FactorAffinity] != b.Breakdown[FactorAffinity] {
		return a.Breakdown[FactorAffinity] > b.Breakdown[FactorAffinity]
	}
	if a.Breakdown[FactorWorkload] != b.Breakdown[FactorWorkload] {
		return a.Breakdown[FactorWorkload] > b.Breakdown[FactorWorkload]
	}
	return a.ResourceID < b.ResourceID
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
