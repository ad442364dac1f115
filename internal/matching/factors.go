package matching

import (
	"sort"
	"time"

	"github.com/example/resource-allocator/internal/scheduler"
)

// MaxLevel is the highest proficiency level a capability can carry.
const MaxLevel = 5

// Weights configures the relative importance of the default factors.
type Weights struct {
	Capability   float64 `yaml:"capability"`
	Availability float64 `yaml:"availability"`
	Workload     float64 `yaml:"workload"`
	Affinity     float64 `yaml:"affinity"`
	Preference   float64 `yaml:"preference"`
}

// DefaultWeights returns the weights used when none are configured.
func DefaultWeights() Weights {
	return Weights{
		Capability:   0.40,
		Availability: 0.30,
		Workload:     0.15,
		Affinity:     0.10,
		Preference:   0.05,
	}
}

// IsZero reports whether no weight has been set.
func (w Weights) IsZero() bool {
	return w == Weights{}
}

func (w Weights) withDefaults() Weights {
	if w.IsZero() {
		return DefaultWeights()
	}
	return w
}

// Settings tunes the default scorers.
type Settings struct {
	// WorkloadWindow is the half-width of the rolling utilisation window.
	WorkloadWindow time.Duration
	// AffinityCap is the number of prior bookings that earns the full affinity score.
	AffinityCap int
}

func (s Settings) withDefaults() Settings {
	if s.WorkloadWindow <= 0 {
		s.WorkloadWindow = 7 * 24 * time.Hour
	}
	if s.AffinityCap <= 0 {
		s.AffinityCap = 5
	}
	return s
}

// HasRequiredCapabilities rejects candidates missing any required tag at the
// requested level.
func HasRequiredCapabilities(req Request, c Candidate) bool {
	for tag, minLevel := range req.Required {
		level, ok := c.Capabilities[tag]
		if !ok || level < minLevel {
			return false
		}
	}
	return true
}

// FitsConstraints rejects candidates whose duration bounds or lead time rule
// out every placement of the request.
func FitsConstraints(req Request, c Candidate) bool {
	d := req.EffectiveDuration()
	if c.Constraints.MinDuration > 0 && d < c.Constraints.MinDuration {
		return false
	}
	if c.Constraints.MaxDuration > 0 && d > c.Constraints.MaxDuration {
		return false
	}
	rng := c.searchRange(req)
	return rng.Valid() && rng.Duration() >= d
}

// CapabilityScore rewards proficiency on required tags (up to 80) and
// coverage of preferred tags (up to 20).
func CapabilityScore(in Input) float64 {
	required := 80.0
	if len(in.Request.Required) > 0 {
		var sum float64
		for tag := range in.Request.Required {
			level := in.Candidate.Capabilities[tag]
			if level > MaxLevel {
				level = MaxLevel
			}
			sum += float64(level) / MaxLevel
		}
		required = 80 * sum / float64(len(in.Request.Required))
	}

	bonus := 0.0
	if len(in.Request.Preferred) > 0 {
		matched := 0
		for _, tag := range in.Request.Preferred {
			if _, ok := in.Candidate.Capabilities[tag]; ok {
				matched++
			}
		}
		bonus = 20 * float64(matched) / float64(len(in.Request.Preferred))
	}
	return required + bonus
}

// AvailabilityScore is the free fraction of the chosen window.
func AvailabilityScore(in Input) float64 {
	return 100 * freeFraction(in.Candidate, in.Window)
}

// WorkloadScore is the inverse of utilisation over [now-half, now+half).
// Completed work in the past half counts as much as confirmed work ahead.
func WorkloadScore(half time.Duration) ScoreFunc {
	return func(in Input) float64 {
		rng := scheduler.Window{Start: in.Now.Add(-half), End: in.Now.Add(half)}
		capacity := in.Candidate.Capacity
		if capacity <= 0 {
			capacity = 1
		}
		open := scheduler.OpenDuration(in.Candidate.Calendar, rng)
		if open <= 0 {
			return 0
		}
		var booked time.Duration
		for _, w := range in.Candidate.Worked {
			if clipped, ok := w.Intersect(rng); ok {
				booked += clipped.Duration()
			}
		}
		util := booked.Hours() / (open.Hours() * float64(capacity))
		if util > 1 {
			util = 1
		}
		return 100 * (1 - util)
	}
}

// AffinityScore rewards prior successful bookings, capped at limit.
func AffinityScore(limit int) ScoreFunc {
	return func(in Input) float64 {
		count := in.Candidate.History.WithRequester
		if in.Request.ContextID != "" {
			count += in.Candidate.History.WithContext
		}
		if count > limit {
			count = limit
		}
		return 100 * float64(count) / float64(limit)
	}
}

// PreferenceScore honours an explicit resource hint.
func PreferenceScore(in Input) float64 {
	if in.Request.PreferredResourceID != "" && in.Request.PreferredResourceID == in.Candidate.ResourceID {
		return 100
	}
	return 0
}

// BestWindow picks the sub-window of rng with length d that has the largest
// free fraction for the candidate, preferring the earliest on ties. The
// fraction is returned alongside.
func BestWindow(c Candidate, rng scheduler.Window, d time.Duration) (scheduler.Window, float64) {
	if d <= 0 || d > rng.Duration() {
		return rng, freeFraction(c, rng)
	}
	if d == rng.Duration() {
		return rng, freeFraction(c, rng)
	}

	latest := rng.End.Add(-d)
	starts := []time.Time{rng.Start, latest}
	capacity := c.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	for _, slot := range scheduler.FreeWindows(c.Calendar, c.Busy, capacity, rng) {
		starts = append(starts, slot.Start, slot.End.Add(-d))
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	best := scheduler.Window{Start: rng.Start, End: rng.Start.Add(d)}
	bestFraction := -1.0
	for _, s := range starts {
		if s.Before(rng.Start) || s.After(latest) {
			continue
		}
		w := scheduler.Window{Start: s, End: s.Add(d)}
		fraction := freeFraction(c, w)
		if fraction > bestFraction {
			best, bestFraction = w, fraction
			if fraction >= 1 {
				break
			}
		}
	}
	return best, bestFraction
}

func freeFraction(c Candidate, w scheduler.Window) float64 {
	if !w.Valid() {
		return 0
	}
	capacity := c.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	free := scheduler.TotalDuration(scheduler.FreeWindows(c.Calendar, c.Busy, capacity, w))
	return float64(free) / float64(w.Duration())
}
