package scheduler

import (
	"sort"
	"time"
)

// Reservation is a held interval on a resource, either a booking or a
// waitlist offer hold.
type Reservation struct {
	ID     string
	Holder string
	Window Window
}

// ConflictType describes why a candidate window cannot be reserved.
type ConflictType string

const (
	// ConflictTypeCapacity indicates the candidate would exceed the resource capacity.
	ConflictTypeCapacity ConflictType = "capacity"
	// ConflictTypeOverlap indicates the candidate overlaps an existing reservation.
	ConflictTypeOverlap ConflictType = "overlap"
)

// Conflict details a candidate window that collides with held reservations.
type Conflict struct {
	Index           int
	Window          Window
	Type            ConflictType
	Peak            int
	WithReservation []string
}

// Segment is a sub-window with a constant number of covering reservations.
type Segment struct {
	Window Window
	Count  int
}

// Segments splits rng into consecutive sub-windows labelled with how many busy
// windows cover each of them.
func Segments(busy []Window, rng Window) []Segment {
	if !rng.Valid() {
		return nil
	}
	points := []time.Time{rng.Start, rng.End}
	relevant := make([]Window, 0, len(busy))
	for _, b := range busy {
		clipped, ok := b.Intersect(rng)
		if !ok {
			continue
		}
		relevant = append(relevant, clipped)
		points = append(points, clipped.Start, clipped.End)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })

	segments := make([]Segment, 0, len(points))
	for i := 0; i+1 < len(points); i++ {
		a, b := points[i], points[i+1]
		if !a.Before(b) {
			continue
		}
		count := 0
		for _, w := range relevant {
			if !w.Start.After(a) && w.End.After(a) {
				count++
			}
		}
		segments = append(segments, Segment{Window: Window{Start: a, End: b}, Count: count})
	}
	return segments
}

// PeakConcurrency returns the highest number of busy windows covering any
// single instant inside w.
func PeakConcurrency(busy []Window, w Window) int {
	peak := 0
	for _, seg := range Segments(busy, w) {
		if seg.Count > peak {
			peak = seg.Count
		}
	}
	return peak
}

// DetectConflicts lists the existing reservations that overlap the candidate window.
func DetectConflicts(existing []Reservation, candidate Window) []Reservation {
	overlapping := make([]Reservation, 0)
	for _, r := range existing {
		if r.Window.Overlaps(candidate) {
			overlapping = append(overlapping, r)
		}
	}
	return overlapping
}

// CheckCapacity verifies that adding every candidate window keeps the number of
// concurrent reservations at or below capacity. Candidates are also checked
// against each other so a recurrence cannot overbook itself. Every failing
// candidate is reported; nothing is dropped.
func CheckCapacity(existing []Reservation, candidates []Window, capacity int) []Conflict {
	if capacity <= 0 {
		capacity = 1
	}
	busy := make([]Window, 0, len(existing)+len(candidates))
	for _, r := range existing {
		busy = append(busy, r.Window)
	}

	var conflicts []Conflict
	for i, candidate := range candidates {
		peak := PeakConcurrency(busy, candidate)
		if peak+1 > capacity {
			overlapping := DetectConflicts(existing, candidate)
			ids := make([]string, 0, len(overlapping))
			for _, r := range overlapping {
				ids = append(ids, r.ID)
			}
			kind := ConflictTypeCapacity
			if capacity == 1 {
				kind = ConflictTypeOverlap
			}
			conflicts = append(conflicts, Conflict{
				Index:           i,
				Window:          candidate,
				Type:            kind,
				Peak:            peak,
				WithReservation: ids,
			})
		}
		busy = append(busy, candidate)
	}
	return conflicts
}
