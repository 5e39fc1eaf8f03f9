package badges

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultVIPThreshold is the connected-user count at which the VIP badge starts
// accruing.
const DefaultVIPThreshold = 50

// Config selects and parameterises the evaluators. Absent values disable the
// corresponding evaluator.
type Config struct {
	EventWindows     EventWindows `env:"REINVENT_DATES"`
	DesignatedUserID string       `env:"DESIGNATED_USER_ID"`
	VIPThreshold     int          `env:"VIP_THRESHOLD" envDefault:"50"`
}

// EventWindow is one conference edition. Start and End are inclusive; a
// date-only End covers that whole day in UTC.
type EventWindow struct {
	Year  int
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w EventWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// EventWindows is an ordered list; the first window containing a timestamp wins.
type EventWindows []EventWindow

// Match returns the first window containing t.
func (ws EventWindows) Match(t time.Time) (EventWindow, bool) {
	for _, w := range ws {
		if w.Contains(t) {
			return w, true
		}
	}
	return EventWindow{}, false
}

type rawWindow struct {
	Year  int    `json:"year"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// UnmarshalText parses a JSON array such as
// [{"year":2024,"start":"2024-12-01","end":"2024-12-06"}].
func (ws *EventWindows) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		*ws = nil
		return nil
	}
	var raw []rawWindow
	if err := json.Unmarshal(text, &raw); err != nil {
		return fmt.Errorf("parse event windows: %w", err)
	}
	out := make(EventWindows, 0, len(raw))
	for i, r := range raw {
		w, err := r.parse()
		if err != nil {
			return fmt.Errorf("event window %d: %w", i, err)
		}
		out = append(out, w)
	}
	*ws = out
	return nil
}

func (r rawWindow) parse() (EventWindow, error) {
	if r.Year <= 0 {
		return EventWindow{}, errors.New("year is required")
	}
	start, _, err := parseBound(r.Start)
	if err != nil {
		return EventWindow{}, fmt.Errorf("start: %w", err)
	}
	end, dateOnly, err := parseBound(r.End)
	if err != nil {
		return EventWindow{}, fmt.Errorf("end: %w", err)
	}
	if dateOnly {
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	if end.Before(start) {
		return EventWindow{}, errors.New("end is before start")
	}
	return EventWindow{Year: r.Year, Start: start, End: end}, nil
}

func parseBound(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%q is neither a date nor an RFC 3339 timestamp", s)
	}
	return t.UTC(), false, nil
}
