package scheduler

import (
	"sort"
	"time"
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the window has a positive length.
func (w Window) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && w.Start.Before(w.End)
}

// Duration returns the window length, or zero for invalid windows.
func (w Window) Duration() time.Duration {
	if !w.Valid() {
		return 0
	}
	return w.End.Sub(w.Start)
}

// Overlaps reports whether two half-open windows share any instant.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Contains reports whether other lies entirely within w.
func (w Window) Contains(other Window) bool {
	return !other.Start.Before(w.Start) && !other.End.After(w.End)
}

// Intersect returns the shared portion of both windows. The second return
// value is false when they do not overlap.
func (w Window) Intersect(other Window) (Window, bool) {
	start := w.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := w.End
	if other.End.Before(end) {
		end = other.End
	}
	if !start.Before(end) {
		return Window{}, false
	}
	return Window{Start: start, End: end}, true
}

// Shift moves the window by d.
func (w Window) Shift(d time.Duration) Window {
	return Window{Start: w.Start.Add(d), End: w.End.Add(d)}
}

// Expand widens the window by d on both sides.
func (w Window) Expand(d time.Duration) Window {
	return Window{Start: w.Start.Add(-d), End: w.End.Add(d)}
}

// In converts both bounds to loc.
func (w Window) In(loc *time.Location) Window {
	return Window{Start: w.Start.In(loc), End: w.End.In(loc)}
}

// Bounds returns the smallest window covering every window in ws.
func Bounds(ws []Window) (Window, bool) {
	if len(ws) == 0 {
		return Window{}, false
	}
	out := ws[0]
	for _, w := range ws[1:] {
		if w.Start.Before(out.Start) {
			out.Start = w.Start
		}
		if w.End.After(out.End) {
			out.End = w.End
		}
	}
	return out, true
}

// Merge coalesces overlapping or touching windows into a sorted, disjoint list.
func Merge(ws []Window) []Window {
	if len(ws) == 0 {
		return nil
	}
	sorted := make([]Window, len(ws))
	copy(sorted, ws)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].End.Before(sorted[j].End)
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	out := make([]Window, 0, len(sorted))
	current := sorted[0]
	for _, w := range sorted[1:] {
		if !w.Start.After(current.End) {
			if w.End.After(current.End) {
				current.End = w.End
			}
			continue
		}
		out = append(out, current)
		current = w
	}
	return append(out, current)
}

// Subtract removes every window in cut from base and returns the remainder in order.
func Subtract(base Window, cut []Window) []Window {
	remaining := []Window{base}
	for _, c := range Merge(cut) {
		next := remaining[:0:0]
		for _, r := range remaining {
			if !r.Overlaps(c) {
				next = append(next, r)
				continue
			}
			if r.Start.Before(c.Start) {
				next = append(next, Window{Start: r.Start, End: c.Start})
			}
			if c.End.Before(r.End) {
				next = append(next, Window{Start: c.End, End: r.End})
			}
		}
		remaining = next
	}
	return remaining
}

// TotalDuration sums the lengths of the windows.
func TotalDuration(ws []Window) time.Duration {
	var total time.Duration
	for _, w := range ws {
		total += w.Duration()
	}
	return total
}
