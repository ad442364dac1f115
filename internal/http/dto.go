package http

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/resource-allocator/internal/application"
	"github.com/example/resource-allocator/internal/scheduler"
)

// jsonDuration is a time.Duration encoded as a Go duration string ("1h30m").
type jsonDuration time.Duration

func (d jsonDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *jsonDuration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"1h30m\": %w", err)
	}
	if strings.TrimSpace(s) == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = jsonDuration(parsed)
	return nil
}

type windowDTO struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w windowDTO) toWindow() scheduler.Window {
	return scheduler.Window{Start: w.Start, End: w.End}
}

func toWindowDTO(w scheduler.Window) windowDTO {
	return windowDTO{Start: w.Start.UTC(), End: w.End.UTC()}
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekday(name string) (time.Weekday, bool) {
	wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
	return wd, ok
}

func weekdayName(wd time.Weekday) string {
	return strings.ToLower(wd.String())
}

func invalidField(field, message string) *application.ValidationError {
	return &application.ValidationError{FieldErrors: map[string]string{field: message}}
}
