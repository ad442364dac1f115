package recurrence

import (
	"errors"
	"time"
)

var jst = time.FixedZone("JST", 9*60*60)

// DefaultMaxOccurrences bounds every expansion so a descriptor always yields a
// finite set of instances.
const DefaultMaxOccurrences = 366

// Frequency represents supported recurrence intervals.
type Frequency int

const (
	// FrequencyUnspecified indicates the rule frequency is not set.
	FrequencyUnspecified Frequency = iota
	// FrequencyDaily generates occurrences for each day within the range.
	FrequencyDaily
	// FrequencyWeekly generates occurrences for the selected weekdays.
	FrequencyWeekly
)

// ParseFrequency maps the wire names "daily" and "weekly".
func ParseFrequency(value string) Frequency {
	switch value {
	case "daily":
		return FrequencyDaily
	case "weekly":
		return FrequencyWeekly
	default:
		return FrequencyUnspecified
	}
}

// String returns the wire name of the frequency.
func (f Frequency) String() string {
	switch f {
	case FrequencyDaily:
		return "daily"
	case FrequencyWeekly:
		return "weekly"
	default:
		return ""
	}
}

// Rule describes how a booking repeats. The first occurrence is the base
// window itself when it matches the rule.
type Rule struct {
	Frequency Frequency
	// Interval repeats every N days (daily) or N weeks (weekly). Zero means 1.
	Interval int
	Weekdays []time.Weekday
	Until    *time.Time
	Count    int
}

// Occurrence represents a generated instance of a recurrence rule.
type Occurrence struct {
	Index int
	Start time.Time
	End   time.Time
}

// Engine expands recurrence rules into occurrences.
type Engine struct {
	location *time.Location
	max      int
}

// NewEngine constructs an Engine that evaluates weekdays in the provided
// location. If loc is nil, Asia/Tokyo (JST) is used.
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = jst
	}
	return &Engine{location: loc, max: DefaultMaxOccurrences}
}

// WithMaxOccurrences returns a copy of the engine with a different expansion cap.
func (e *Engine) WithMaxOccurrences(max int) *Engine {
	clone := *e
	if max > 0 {
		clone.max = max
	}
	return &clone
}

// ErrInvalidFrequency indicates the recurrence frequency is not supported.
var ErrInvalidFrequency = errors.New("recurrence: invalid frequency")

// ErrInvalidWindow indicates the generation window is unbounded.
var ErrInvalidWindow = errors.New("recurrence: rule requires an until date or a count")

// ErrInvalidDuration indicates the base schedule duration is invalid.
var ErrInvalidDuration = errors.New("recurrence: schedule duration must be positive")

// ErrTooManyOccurrences indicates the rule expands beyond the engine cap.
var ErrTooManyOccurrences = errors.New("recurrence: rule expands to too many occurrences")

// Expand produces every occurrence of rule anchored at the base window.
//
// The engine enforces the following semantics:
//   - Weekdays and wall-clock times are evaluated in the engine's location.
//   - Expansion stops at Until (inclusive of occurrences starting on or before it)
//     or after Count occurrences, whichever comes first.
//   - Weekly rules default to the base weekday when no weekdays are selected;
//     daily rules may optionally filter by weekdays.
//   - Expansions beyond the engine cap fail instead of truncating silently.
func (e *Engine) Expand(rule Rule, baseStart, baseEnd time.Time) ([]Occurrence, error) {
	loc := e.location
	if loc == nil {
		loc = jst
	}
	max := e.max
	if max <= 0 {
		max = DefaultMaxOccurrences
	}

	baseStart = baseStart.In(loc)
	baseEnd = baseEnd.In(loc)
	if !baseEnd.After(baseStart) {
		return nil, ErrInvalidDuration
	}
	duration := baseEnd.Sub(baseStart)

	if rule.Until == nil && rule.Count <= 0 {
		return nil, ErrInvalidWindow
	}
	if rule.Count > max {
		return nil, ErrTooManyOccurrences
	}

	var upperBound time.Time
	if rule.Until != nil {
		upperBound = rule.Until.In(loc)
		if upperBound.Before(baseStart) {
			return nil, nil
		}
	}

	interval := rule.Interval
	if interval <= 0 {
		interval = 1
	}

	weekdaySet := make(map[time.Weekday]struct{}, len(rule.Weekdays))
	for _, day := range rule.Weekdays {
		weekdaySet[day] = struct{}{}
	}
	if rule.Frequency == FrequencyWeekly && len(weekdaySet) == 0 {
		weekdaySet[baseStart.Weekday()] = struct{}{}
	}

	anchorWeek := startOfWeek(baseStart)
	occurrences := make([]Occurrence, 0)

	for dayOffset := 0; ; dayOffset++ {
		current := time.Date(baseStart.Year(), baseStart.Month(), baseStart.Day()+dayOffset,
			baseStart.Hour(), baseStart.Minute(), baseStart.Second(), baseStart.Nanosecond(), loc)
		if !upperBound.IsZero() && current.After(upperBound) {
			break
		}
		if rule.Count > 0 && len(occurrences) >= rule.Count {
			break
		}

		include, err := shouldInclude(rule.Frequency, weekdaySet, current, baseStart, anchorWeek, interval)
		if err != nil {
			return nil, err
		}
		if !include {
			continue
		}

		if len(occurrences) >= max {
			return nil, ErrTooManyOccurrences
		}
		occurrences = append(occurrences, Occurrence{
			Index: len(occurrences),
			Start: current,
			End:   current.Add(duration),
		})
	}

	return occurrences, nil
}

func startOfWeek(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, t.Location())
}

func shouldInclude(freq Frequency, weekdaySet map[time.Weekday]struct{}, current, base, anchorWeek time.Time, interval int) (bool, error) {
	switch freq {
	case FrequencyDaily:
		days := daysBetween(base, current)
		if days%interval != 0 {
			return false, nil
		}
		if len(weekdaySet) == 0 {
			return true, nil
		}
		_, ok := weekdaySet[current.Weekday()]
		return ok, nil
	case FrequencyWeekly:
		weeks := daysBetween(anchorWeek, startOfWeek(current)) / 7
		if weeks%interval != 0 {
			return false, nil
		}
		_, ok := weekdaySet[current.Weekday()]
		return ok, nil
	case FrequencyUnspecified:
		fallthrough
	default:
		return false, ErrInvalidFrequency
	}
}

// daysBetween counts calendar days, ignoring DST shifts.
func daysBetween(from, to time.Time) int {
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
