package scheduler

import (
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"
)

var jst = time.FixedZone("JST", 9*60*60)

// DefaultLocation is used when a calendar has no explicit time zone.
func DefaultLocation() *time.Location {
	return jst
}

// WeeklyWindow is a recurring open interval on a weekday, expressed as offsets
// from local midnight. End may be 24h to denote end of day.
type WeeklyWindow struct {
	Weekday time.Weekday
	Start   time.Duration
	End     time.Duration
}

// Calendar describes when a resource may be booked. Calendars are owned by a
// single resource and carry no shared state.
type Calendar struct {
	Weekly    []WeeklyWindow
	Blackouts []Window
	Location  *time.Location
}

// ParseClock converts "HH:MM" into an offset from midnight. "24:00" is accepted.
func ParseClock(value string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("scheduler: invalid clock %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("scheduler: invalid clock %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("scheduler: invalid clock %q", value)
	}
	if hour < 0 || hour > 24 || minute < 0 || minute > 59 || (hour == 24 && minute != 0) {
		return 0, fmt.Errorf("scheduler: clock %q out of range", value)
	}
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}

// FormatClock renders an offset from midnight as "HH:MM".
func FormatClock(d time.Duration) string {
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%02d:%02d", hours, minutes)
}

func (c Calendar) location() *time.Location {
	if c.Location == nil {
		return jst
	}
	return c.Location
}

// OpenWindows lazily walks the weekly availability inside rng, minus blackouts.
// A calendar without weekly windows is open around the clock. The sequence is
// bounded by rng and may be ranged over repeatedly.
func (c Calendar) OpenWindows(rng Window) iter.Seq[Window] {
	return func(yield func(Window) bool) {
		if !rng.Valid() {
			return
		}
		if len(c.Weekly) == 0 {
			for _, w := range Subtract(rng, c.Blackouts) {
				if !yield(w) {
					return
				}
			}
			return
		}

		loc := c.location()
		startLocal := rng.Start.In(loc)
		day := time.Date(startLocal.Year(), startLocal.Month(), startLocal.Day(), 0, 0, 0, 0, loc)
		for day.Before(rng.End) {
			for _, open := range c.dayWindows(day) {
				clipped, ok := open.Intersect(rng)
				if !ok {
					continue
				}
				for _, w := range Subtract(clipped, c.Blackouts) {
					if !yield(w) {
						return
					}
				}
			}
			day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
		}
	}
}

func (c Calendar) dayWindows(day time.Time) []Window {
	windows := make([]Window, 0, 2)
	for _, weekly := range c.Weekly {
		if weekly.Weekday != day.Weekday() || weekly.End <= weekly.Start {
			continue
		}
		windows = append(windows, Window{
			Start: atOffset(day, weekly.Start),
			End:   atOffset(day, weekly.End),
		})
	}
	return Merge(windows)
}

func atOffset(day time.Time, offset time.Duration) time.Time {
	hours := int(offset / time.Hour)
	minutes := int((offset % time.Hour) / time.Minute)
	return time.Date(day.Year(), day.Month(), day.Day(), hours, minutes, 0, 0, day.Location())
}

// Open reports whether w lies entirely inside the calendar's open windows.
func (c Calendar) Open(w Window) bool {
	if !w.Valid() {
		return false
	}
	opens := make([]Window, 0, 1)
	for open := range c.OpenWindows(w) {
		opens = append(opens, open)
	}
	return len(Subtract(w, opens)) == 0
}

// BlackedOut reports whether any blackout period touches w.
func (c Calendar) BlackedOut(w Window) bool {
	for _, b := range c.Blackouts {
		if b.Overlaps(w) {
			return true
		}
	}
	return false
}

// SlotState labels availability sub-windows.
type SlotState string

const (
	// SlotFree means at least one unit of capacity remains.
	SlotFree SlotState = "free"
	// SlotBooked means reservations consume the full capacity.
	SlotBooked SlotState = "booked"
)

// Slot is a labelled availability sub-window.
type Slot struct {
	Window    Window
	State     SlotState
	Remaining int
}

// Availability yields free/booked sub-windows of the calendar inside rng,
// given the currently held reservations and the resource capacity. The
// sequence is finite and restartable.
func Availability(cal Calendar, busy []Window, capacity int, rng Window) iter.Seq[Slot] {
	if capacity <= 0 {
		capacity = 1
	}
	return func(yield func(Slot) bool) {
		for open := range cal.OpenWindows(rng) {
			var pending *Slot
			for _, seg := range Segments(busy, open) {
				remaining := capacity - seg.Count
				if remaining < 0 {
					remaining = 0
				}
				state := SlotFree
				if remaining == 0 {
					state = SlotBooked
				}
				if pending != nil && pending.State == state && pending.Remaining == remaining && pending.Window.End.Equal(seg.Window.Start) {
					pending.Window.End = seg.Window.End
					continue
				}
				if pending != nil && !yield(*pending) {
					return
				}
				pending = &Slot{Window: seg.Window, State: state, Remaining: remaining}
			}
			if pending != nil && !yield(*pending) {
				return
			}
		}
	}
}

// FreeWindows collects the sub-windows of rng where at least one unit of
// capacity is open, merged and sorted.
func FreeWindows(cal Calendar, busy []Window, capacity int, rng Window) []Window {
	free := make([]Window, 0)
	for slot := range Availability(cal, busy, capacity, rng) {
		if slot.State == SlotFree {
			free = append(free, slot.Window)
		}
	}
	return Merge(free)
}

// OpenDuration sums the open time of the calendar inside rng.
func OpenDuration(cal Calendar, rng Window) time.Duration {
	var total time.Duration
	for w := range cal.OpenWindows(rng) {
		total += w.Duration()
	}
	return total
}
