package scheduler

import (
	"testing"
	"time"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, time.March, 12, hour, minute, 0, 0, time.UTC)
}

func win(h1, m1, h2, m2 int) Window {
	return Window{Start: at(h1, m1), End: at(h2, m2)}
}

func TestCheckCapacity(t *testing.T) {
	t.Parallel()

	t.Run("overlap exceeds single capacity", func(t *testing.T) {
		t.Parallel()
		existing := []Reservation{{ID: "booking-a", Window: win(10, 0, 11, 0)}}

		conflicts := CheckCapacity(existing, []Window{win(10, 30, 11, 30)}, 1)
		if len(conflicts) != 1 {
			t.Fatalf("expected 1 conflict, got %d", len(conflicts))
		}
		if conflicts[0].Type != ConflictTypeOverlap {
			t.Fatalf("expected overlap conflict, got %s", conflicts[0].Type)
		}
		if got := conflicts[0].WithReservation; len(got) != 1 || got[0] != "booking-a" {
			t.Fatalf("expected conflict with booking-a, got %v", got)
		}
	})

	t.Run("touching windows do not conflict", func(t *testing.T) {
		t.Parallel()
		existing := []Reservation{{ID: "booking-a", Window: win(10, 0, 11, 0)}}

		if conflicts := CheckCapacity(existing, []Window{win(11, 0, 12, 0)}, 1); len(conflicts) != 0 {
			t.Fatalf("expected no conflicts, got %v", conflicts)
		}
	})

	t.Run("capacity two admits a second overlapping booking", func(t *testing.T) {
		t.Parallel()
		existing := []Reservation{{ID: "a", Window: win(9, 0, 12, 0)}}

		if conflicts := CheckCapacity(existing, []Window{win(10, 0, 11, 0)}, 2); len(conflicts) != 0 {
			t.Fatalf("expected no conflicts, got %v", conflicts)
		}

		existing = append(existing, Reservation{ID: "b", Window: win(10, 30, 11, 30)})
		conflicts := CheckCapacity(existing, []Window{win(10, 45, 11, 0)}, 2)
		if len(conflicts) != 1 || conflicts[0].Peak != 2 || conflicts[0].Type != ConflictTypeCapacity {
			t.Fatalf("expected capacity conflict at peak 2, got %+v", conflicts)
		}
	})

	t.Run("candidates are checked against each other", func(t *testing.T) {
		t.Parallel()
		conflicts := CheckCapacity(nil, []Window{win(9, 0, 10, 0), win(9, 30, 10, 30), win(11, 0, 12, 0)}, 1)
		if len(conflicts) != 1 || conflicts[0].Index != 1 {
			t.Fatalf("expected only the second candidate to conflict, got %+v", conflicts)
		}
	})

	t.Run("every conflicting candidate is reported", func(t *testing.T) {
		t.Parallel()
		existing := []Reservation{{ID: "x", Window: win(9, 0, 18, 0)}}
		conflicts := CheckCapacity(existing, []Window{win(9, 0, 10, 0), win(11, 0, 12, 0)}, 1)
		if len(conflicts) != 2 {
			t.Fatalf("expected both candidates reported, got %d", len(conflicts))
		}
	})
}

func TestSegments(t *testing.T) {
	t.Parallel()

	busy := []Window{win(9, 0, 11, 0), win(10, 0, 12, 0)}
	segments := Segments(busy, win(8, 0, 13, 0))

	want := []Segment{
		{Window: win(8, 0, 9, 0), Count: 0},
		{Window: win(9, 0, 10, 0), Count: 1},
		{Window: win(10, 0, 11, 0), Count: 2},
		{Window: win(11, 0, 12, 0), Count: 1},
		{Window: win(12, 0, 13, 0), Count: 0},
	}
	if len(segments) != len(want) {
		t.Fatalf("expected %d segments, got %d: %+v", len(want), len(segments), segments)
	}
	for i := range want {
		if !segments[i].Window.Start.Equal(want[i].Window.Start) || !segments[i].Window.End.Equal(want[i].Window.End) || segments[i].Count != want[i].Count {
			t.Fatalf("segment %d: expected %+v, got %+v", i, want[i], segments[i])
		}
	}

	if peak := PeakConcurrency(busy, win(8, 0, 13, 0)); peak != 2 {
		t.Fatalf("expected peak 2, got %d", peak)
	}
}

func TestSubtractAndMerge(t *testing.T) {
	t.Parallel()

	rest := Subtract(win(9, 0, 17, 0), []Window{win(12, 0, 13, 0), win(8, 0, 9, 30)})
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining windows, got %+v", rest)
	}
	if !rest[0].Start.Equal(at(9, 30)) || !rest[0].End.Equal(at(12, 0)) {
		t.Fatalf("unexpected first remainder %+v", rest[0])
	}
	if !rest[1].Start.Equal(at(13, 0)) || !rest[1].End.Equal(at(17, 0)) {
		t.Fatalf("unexpected second remainder %+v", rest[1])
	}

	merged := Merge([]Window{win(13, 0, 14, 0), win(9, 0, 10, 0), win(10, 0, 11, 0)})
	if len(merged) != 2 || !merged[0].End.Equal(at(11, 0)) {
		t.Fatalf("expected touching windows merged, got %+v", merged)
	}
}
