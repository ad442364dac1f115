package recurrence

import (
	"testing"
	"time"
)

func BenchmarkEngineExpand(b *testing.B) {
	start := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)
	until := start.AddDate(0, 6, 0)

	cases := []struct {
		name string
		rule Rule
	}{
		{"weekdays until", Rule{
			Frequency: FrequencyWeekly,
			Weekdays:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			Until:     &until,
		}},
		{"daily count", Rule{Frequency: FrequencyDaily, Count: 90}},
		{"fortnightly", Rule{Frequency: FrequencyWeekly, Interval: 2, Until: &until}},
	}

	engine := NewEngine(time.UTC)
	for _, tc := range cases {
		b.Run(tc.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				occurrences, err := engine.Expand(tc.rule, start, end)
				if err != nil {
					b.Fatalf("unexpected error: %v", err)
				}
				if len(occurrences) == 0 {
					b.Fatal("expected occurrences")
				}
			}
		})
	}
}
