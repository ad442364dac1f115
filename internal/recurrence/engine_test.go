package recurrence

import (
	"errors"
	"testing"
	"time"
)

func TestEngine_Expand(t *testing.T) {
	t.Parallel()

	// Monday 2024-03-04 09:00 JST.
	baseStart := time.Date(2024, time.March, 4, 9, 0, 0, 0, jst)
	baseEnd := baseStart.Add(time.Hour)
	engine := NewEngine(nil)

	t.Run("respects weekday selections", func(t *testing.T) {
		t.Parallel()
		until := baseStart.AddDate(0, 0, 13)
		rule := Rule{
			Frequency: FrequencyWeekly,
			Weekdays:  []time.Weekday{time.Monday, time.Wednesday, time.Friday},
			Until:     &until,
		}

		occurrences, err := engine.Expand(rule, baseStart, baseEnd)
		if err != nil {
			t.Fatalf("Expand returned error: %v", err)
		}
		if len(occurrences) != 6 {
			t.Fatalf("expected 6 occurrences over two weeks, got %d", len(occurrences))
		}
		for i, occ := range occurrences {
			switch occ.Start.Weekday() {
			case time.Monday, time.Wednesday, time.Friday:
			default:
				t.Fatalf("occurrence %d on unexpected weekday %s", i, occ.Start.Weekday())
			}
			if occ.End.Sub(occ.Start) != time.Hour {
				t.Fatalf("occurrence %d has duration %s", i, occ.End.Sub(occ.Start))
			}
			if occ.Index != i {
				t.Fatalf("occurrence %d has index %d", i, occ.Index)
			}
			if i > 0 && !occ.Start.After(occurrences[i-1].Start) {
				t.Fatalf("occurrences not chronological at %d", i)
			}
		}
	})

	t.Run("stops after count", func(t *testing.T) {
		t.Parallel()
		occurrences, err := engine.Expand(Rule{Frequency: FrequencyDaily, Count: 3}, baseStart, baseEnd)
		if err != nil {
			t.Fatalf("Expand returned error: %v", err)
		}
		if len(occurrences) != 3 {
			t.Fatalf("expected 3 occurrences, got %d", len(occurrences))
		}
		if !occurrences[2].Start.Equal(baseStart.AddDate(0, 0, 2)) {
			t.Fatalf("unexpected last occurrence %s", occurrences[2].Start)
		}
	})

	t.Run("applies weekly interval", func(t *testing.T) {
		t.Parallel()
		occurrences, err := engine.Expand(Rule{Frequency: FrequencyWeekly, Interval: 2, Count: 3}, baseStart, baseEnd)
		if err != nil {
			t.Fatalf("Expand returned error: %v", err)
		}
		if len(occurrences) != 3 {
			t.Fatalf("expected 3 occurrences, got %d", len(occurrences))
		}
		for i, occ := range occurrences {
			want := baseStart.AddDate(0, 0, 14*i)
			if !occ.Start.Equal(want) {
				t.Fatalf("occurrence %d: expected %s, got %s", i, want, occ.Start)
			}
		}
	})

	t.Run("applies daily interval", func(t *testing.T) {
		t.Parallel()
		until := baseStart.AddDate(0, 0, 6)
		occurrences, err := engine.Expand(Rule{Frequency: FrequencyDaily, Interval: 3, Until: &until}, baseStart, baseEnd)
		if err != nil {
			t.Fatalf("Expand returned error: %v", err)
		}
		if len(occurrences) != 3 {
			t.Fatalf("expected days 0, 3 and 6, got %d occurrences", len(occurrences))
		}
	})

	t.Run("rejects unbounded rules", func(t *testing.T) {
		t.Parallel()
		if _, err := engine.Expand(Rule{Frequency: FrequencyDaily}, baseStart, baseEnd); !errors.Is(err, ErrInvalidWindow) {
			t.Fatalf("expected ErrInvalidWindow, got %v", err)
		}
	})

	t.Run("rejects expansions beyond the cap", func(t *testing.T) {
		t.Parallel()
		until := baseStart.AddDate(0, 0, 30)
		small := engine.WithMaxOccurrences(5)
		if _, err := small.Expand(Rule{Frequency: FrequencyDaily, Until: &until}, baseStart, baseEnd); !errors.Is(err, ErrTooManyOccurrences) {
			t.Fatalf("expected ErrTooManyOccurrences, got %v", err)
		}
		if _, err := engine.Expand(Rule{Frequency: FrequencyDaily, Count: DefaultMaxOccurrences + 1}, baseStart, baseEnd); !errors.Is(err, ErrTooManyOccurrences) {
			t.Fatalf("expected ErrTooManyOccurrences for count, got %v", err)
		}
	})

	t.Run("rejects invalid frequency and duration", func(t *testing.T) {
		t.Parallel()
		if _, err := engine.Expand(Rule{Count: 2}, baseStart, baseEnd); !errors.Is(err, ErrInvalidFrequency) {
			t.Fatalf("expected ErrInvalidFrequency, got %v", err)
		}
		if _, err := engine.Expand(Rule{Frequency: FrequencyDaily, Count: 2}, baseStart, baseStart); !errors.Is(err, ErrInvalidDuration) {
			t.Fatalf("expected ErrInvalidDuration, got %v", err)
		}
	})

	t.Run("evaluates weekdays in the engine location", func(t *testing.T) {
		t.Parallel()
		// 2024-03-04 23:30 UTC is Tuesday 08:30 in JST.
		start := time.Date(2024, time.March, 4, 23, 30, 0, 0, time.UTC)
		occurrences, err := NewEngine(nil).Expand(Rule{Frequency: FrequencyWeekly, Count: 1}, start, start.Add(time.Hour))
		if err != nil {
			t.Fatalf("Expand returned error: %v", err)
		}
		if occurrences[0].Start.Weekday() != time.Tuesday {
			t.Fatalf("expected JST Tuesday, got %s", occurrences[0].Start.Weekday())
		}

		utc, err := NewEngine(time.UTC).Expand(Rule{Frequency: FrequencyWeekly, Count: 1}, start, start.Add(time.Hour))
		if err != nil {
			t.Fatalf("Expand returned error: %v", err)
		}
		if utc[0].Start.Weekday() != time.Monday {
			t.Fatalf("expected UTC Monday, got %s", utc[0].Start.Weekday())
		}
	})
}

func TestParseFrequency(t *testing.T) {
	t.Parallel()

	for _, freq := range []Frequency{FrequencyDaily, FrequencyWeekly} {
		if got := ParseFrequency(freq.String()); got != freq {
			t.Fatalf("ParseFrequency(%q) = %v", freq.String(), got)
		}
	}
	if ParseFrequency("monthly") != FrequencyUnspecified {
		t.Fatalf("expected unsupported frequency to be unspecified")
	}
}
