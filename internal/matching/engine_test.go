package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/resource-allocator/internal/scheduler"
)

func at(day, hour int) time.Time {
	return time.Date(2024, time.March, day, hour, 0, 0, 0, time.UTC)
}

func window(day, from, to int) scheduler.Window {
	return scheduler.Window{Start: at(day, from), End: at(day, to)}
}

func candidate(id string, caps map[string]int) Candidate {
	return Candidate{
		ResourceID:   id,
		Capabilities: caps,
		Capacity:     1,
		Calendar:     scheduler.Calendar{Location: time.UTC},
	}
}

func goRequest() Request {
	return Request{
		RequesterID: "requester-1",
		Required:    map[string]int{"go": 3},
		Window:      window(12, 10, 11),
	}
}

func ids(result Result) []string {
	out := make([]string, 0, len(result.Candidates))
	for _, c := range result.Candidates {
		out = append(out, c.ResourceID)
	}
	return out
}

func TestEngine_Match_HardFilter(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Weights{}, Settings{})
	pool := []Candidate{
		candidate("novice", map[string]int{"go": 2}),
		candidate("expert", map[string]int{"go": 5}),
		candidate("unrelated", map[string]int{"rust": 5}),
	}

	result, err := engine.Match(context.Background(), goRequest(), pool)
	require.NoError(t, err)
	assert.False(t, result.NoEligible)
	assert.Equal(t, []string{"expert"}, ids(result))

	top, ok := result.Top()
	require.True(t, ok)
	assert.InDelta(t, 80.0, top.Breakdown[FactorCapability], 0.001)
	assert.InDelta(t, 100.0, top.Breakdown[FactorAvailability], 0.001)
}

func TestEngine_Match_NoEligible(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Weights{}, Settings{})

	result, err := engine.Match(context.Background(), goRequest(), nil)
	require.NoError(t, err)
	assert.True(t, result.NoEligible)

	result, err = engine.Match(context.Background(), goRequest(), []Candidate{candidate("a", map[string]int{"java": 5})})
	require.NoError(t, err)
	assert.True(t, result.NoEligible)
	assert.Empty(t, result.Candidates)
}

func TestEngine_Match_Deterministic(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Weights{}, Settings{})
	pool := []Candidate{
		candidate("c", map[string]int{"go": 4}),
		candidate("a", map[string]int{"go": 4}),
		candidate("b", map[string]int{"go": 4}),
		candidate("d", map[string]int{"go": 5}),
	}
	want := []string{"d", "a", "b", "c"}

	var wg sync.WaitGroup
	results := make([][]string, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reversed := make([]Candidate, len(pool))
			for j := range pool {
				if i%2 == 0 {
					reversed[j] = pool[j]
				} else {
					reversed[j] = pool[len(pool)-1-j]
				}
			}
			result, err := engine.Match(context.Background(), goRequest(), reversed)
			if err != nil {
				t.Errorf("Match returned error: %v", err)
				return
			}
			results[i] = ids(result)
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		assert.Equal(t, want, got, "run %d", i)
	}
}

func TestEngine_Match_TieBreak(t *testing.T) {
	t.Parallel()

	capabilityOnly := NewEngine(Weights{Capability: 1}, Settings{})

	t.Run("higher affinity wins", func(t *testing.T) {
		t.Parallel()
		a := candidate("a", map[string]int{"go": 4})
		b := candidate("b", map[string]int{"go": 4})
		b.History = History{WithRequester: 2}

		result, err := capabilityOnly.Match(context.Background(), goRequest(), []Candidate{a, b})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, ids(result))
		assert.Equal(t, result.Candidates[0].Score, result.Candidates[1].Score)
	})

	t.Run("lighter workload wins", func(t *testing.T) {
		t.Parallel()
		a := candidate("a", map[string]int{"go": 4})
		a.Worked = []scheduler.Window{window(11, 9, 17)}
		b := candidate("b", map[string]int{"go": 4})

		result, err := capabilityOnly.Match(context.Background(), goRequest(), []Candidate{a, b})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, ids(result))
		assert.Less(t, result.Candidates[1].Breakdown[FactorWorkload], 100.0)
	})

	t.Run("resource id breaks full ties", func(t *testing.T) {
		t.Parallel()
		result, err := capabilityOnly.Match(context.Background(), goRequest(), []Candidate{
			candidate("zeta", map[string]int{"go": 4}),
			candidate("alpha", map[string]int{"go": 4}),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "zeta"}, ids(result))
	})
}

func TestEngine_Match_FlexibleRange(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Weights{}, Settings{})
	busy := candidate("busy-morning", map[string]int{"go": 5})
	busy.Busy = []scheduler.Window{window(12, 9, 11)}

	req := goRequest()
	req.Window = window(12, 9, 13)
	req.Duration = time.Hour

	result, err := engine.Match(context.Background(), req, []Candidate{busy})
	require.NoError(t, err)
	top, ok := result.Top()
	require.True(t, ok)
	assert.True(t, top.Window.Start.Equal(at(12, 11)), "suggested start %s", top.Window.Start)
	assert.Equal(t, time.Hour, top.Window.Duration())
	assert.InDelta(t, 100.0, top.Breakdown[FactorAvailability], 0.001)

	req.Duration = 0
	result, err = engine.Match(context.Background(), req, []Candidate{busy})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, result.Candidates[0].Breakdown[FactorAvailability], 0.001)
}

func TestEngine_Match_CalendarAndBlackouts(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Weights{}, Settings{})
	closed := candidate("closed", map[string]int{"go": 5})
	closed.Calendar = scheduler.Calendar{
		Location:  time.UTC,
		Weekly:    []scheduler.WeeklyWindow{{Weekday: time.Tuesday, Start: 9 * time.Hour, End: 17 * time.Hour}},
		Blackouts: []scheduler.Window{window(12, 10, 11)},
	}

	result, err := engine.Match(context.Background(), goRequest(), []Candidate{closed})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, result.Candidates[0].Breakdown[FactorAvailability], 0.001)
}

func TestEngine_Match_PreferenceAndExclusion(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Weights{}, Settings{})
	pool := []Candidate{
		candidate("a", map[string]int{"go": 3}),
		candidate("b", map[string]int{"go": 3}),
	}

	req := Request{PreferredResourceID: "b", Window: window(12, 10, 11)}
	result, err := engine.Match(context.Background(), req, pool)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(result))
	assert.InDelta(t, 100.0, result.Candidates[0].Breakdown[FactorPreference], 0.001)

	req.Exclude = []string{"b"}
	result, err = engine.Match(context.Background(), req, pool)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(result))
}

func TestEngine_Match_Validation(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Weights{}, Settings{})
	cases := map[string]Request{
		"no requirements":    {Window: window(12, 10, 11)},
		"inverted window":    {Required: map[string]int{"go": 1}, Window: scheduler.Window{Start: at(12, 11), End: at(12, 10)}},
		"negative duration":  {Required: map[string]int{"go": 1}, Window: window(12, 10, 11), Duration: -time.Minute},
		"duration too long":  {Required: map[string]int{"go": 1}, Window: window(12, 10, 11), Duration: 2 * time.Hour},
		"level out of range": {Required: map[string]int{"go": 9}, Window: window(12, 10, 11)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := engine.Match(context.Background(), req, []Candidate{candidate("a", map[string]int{"go": 5})})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
			var invalid *InvalidRequestError
			assert.True(t, errors.As(err, &invalid))
		})
	}
}

func TestEngine_Match_ContextCancelled(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Weights{}, Settings{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Match(ctx, goRequest(), []Candidate{candidate("a", map[string]int{"go": 5})})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScorers(t *testing.T) {
	t.Parallel()

	t.Run("capability with preferred bonus", func(t *testing.T) {
		t.Parallel()
		in := Input{
			Request:   Request{Required: map[string]int{"go": 1, "sql": 1}, Preferred: []string{"k8s", "aws"}},
			Candidate: candidate("a", map[string]int{"go": 5, "sql": 5, "k8s": 1}),
		}
		assert.InDelta(t, 90.0, CapabilityScore(in), 0.001)
	})

	t.Run("affinity is capped", func(t *testing.T) {
		t.Parallel()
		c := candidate("a", nil)
		c.History = History{WithRequester: 4, WithContext: 10}
		score := AffinityScore(5)
		assert.InDelta(t, 80.0, score(Input{Candidate: c}), 0.001)
		assert.InDelta(t, 100.0, score(Input{Request: Request{ContextID: "ctx"}, Candidate: c}), 0.001)
	})

	t.Run("workload reflects utilisation", func(t *testing.T) {
		t.Parallel()
		c := candidate("a", nil)
		c.Worked = []scheduler.Window{window(12, 0, 12)}
		score := WorkloadScore(12 * time.Hour)
		assert.InDelta(t, 50.0, score(Input{Candidate: c, Now: at(12, 12)}), 0.001)

		c.Capacity = 2
		assert.InDelta(t, 75.0, score(Input{Candidate: c, Now: at(12, 12)}), 0.001)
	})

	t.Run("workload ignores pending holds", func(t *testing.T) {
		t.Parallel()
		c := candidate("a", nil)
		c.Busy = []scheduler.Window{window(12, 0, 12)}
		assert.InDelta(t, 100.0, WorkloadScore(12*time.Hour)(Input{Candidate: c, Now: at(12, 12)}), 0.001)
	})
}

func TestEngine_Match_BookingConstraints(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Weights{}, Settings{})
	short := candidate("short", map[string]int{"go": 5})
	short.Constraints.MaxDuration = 30 * time.Minute
	long := candidate("long", map[string]int{"go": 5})
	long.Constraints.MinDuration = 2 * time.Hour
	notice := candidate("notice", map[string]int{"go": 5})
	notice.Constraints.LeadTime = 24 * time.Hour
	free := candidate("free", map[string]int{"go": 3})

	req := goRequest()
	req.Now = at(11, 12)
	result, err := engine.Match(context.Background(), req, []Candidate{short, long, notice, free})
	require.NoError(t, err)
	assert.Equal(t, []string{"free"}, ids(result))

	t.Run("lead time narrows a flexible range", func(t *testing.T) {
		t.Parallel()
		flexible := goRequest()
		flexible.Window = window(12, 9, 13)
		flexible.Duration = time.Hour
		flexible.Now = at(11, 11)
		result, err := engine.Match(context.Background(), flexible, []Candidate{notice})
		require.NoError(t, err)
		top, ok := result.Top()
		require.True(t, ok)
		assert.True(t, top.Window.Start.Equal(at(12, 11)), "suggested start %s", top.Window.Start)
	})

	t.Run("nothing left", func(t *testing.T) {
		t.Parallel()
		result, err := engine.Match(context.Background(), req, []Candidate{short, notice})
		require.NoError(t, err)
		assert.True(t, result.NoEligible)
	})
}
