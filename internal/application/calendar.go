package application

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/resource-allocator/internal/persistence"
	"github.com/example/resource-allocator/internal/scheduler"
)

// CalendarFor converts a resource's stored availability into a calendar.
func CalendarFor(r persistence.Resource) (scheduler.Calendar, error) {
	loc, err := resourceLocation(r)
	if err != nil {
		return scheduler.Calendar{}, err
	}
	cal := scheduler.Calendar{Location: loc}
	for _, w := range r.Availability {
		start, err := scheduler.ParseClock(w.Start)
		if err != nil {
			return scheduler.Calendar{}, err
		}
		end, err := scheduler.ParseClock(w.End)
		if err != nil {
			return scheduler.Calendar{}, err
		}
		cal.Weekly = append(cal.Weekly, scheduler.WeeklyWindow{Weekday: w.Weekday, Start: start, End: end})
	}
	for _, b := range r.Blackouts {
		cal.Blackouts = append(cal.Blackouts, scheduler.Window{Start: b.Start, End: b.End})
	}
	return cal, nil
}

func resourceLocation(r persistence.Resource) (*time.Location, error) {
	if r.TimeZone == "" {
		return scheduler.DefaultLocation(), nil
	}
	loc, err := time.LoadLocation(r.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", r.ID, err)
	}
	return loc, nil
}

func capacityOf(r persistence.Resource) int {
	if r.Capacity <= 0 {
		return 1
	}
	return r.Capacity
}

// checkConstraints applies the resource's booking rules to one window.
func checkConstraints(r persistence.Resource, cal scheduler.Calendar, w scheduler.Window, now time.Time) *ValidationError {
	vErr := &ValidationError{}
	if !r.Active {
		vErr.add("resource_id", "resource is inactive")
	}
	d := w.Duration()
	if r.Constraints.MinDuration > 0 && d < r.Constraints.MinDuration {
		vErr.add("duration", fmt.Sprintf("duration must be at least %s", r.Constraints.MinDuration))
	}
	if r.Constraints.MaxDuration > 0 && d > r.Constraints.MaxDuration {
		vErr.add("duration", fmt.Sprintf("duration must be at most %s", r.Constraints.MaxDuration))
	}
	if w.Start.Before(now) {
		vErr.add("start", "start must not be in the past")
	} else if r.Constraints.LeadTime > 0 && w.Start.Sub(now) < r.Constraints.LeadTime {
		vErr.add("start", fmt.Sprintf("bookings require %s advance notice", r.Constraints.LeadTime))
	}
	switch {
	case cal.BlackedOut(w):
		vErr.add("window", "window overlaps a blackout period")
	case !cal.Open(w):
		vErr.add("window", "window is outside the resource's available hours")
	}
	return vErr
}

func lockKey(resourceID string) string {
	return "resource:" + resourceID
}

func mapRepoError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, persistence.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrDuplicate):
		return ErrAlreadyExists
	case errors.Is(err, persistence.ErrConflict):
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	case errors.Is(err, persistence.ErrConstraintViolation):
		vErr := &ValidationError{}
		vErr.add("record", "record violates a storage constraint")
		return vErr
	}
	return err
}
