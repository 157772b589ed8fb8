package availability

import (
	"fmt"
	"strings"
	"time"

	"careops/internal/domain"
)

// DefaultStep is the slot granularity when none is configured.
const DefaultStep = 30 * time.Minute

// Window is a half-open [Start, End) range in minutes since midnight.
type Window struct {
	Start int
	End   int
}

var weekdays = []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FormatClock renders minutes since midnight as zero-padded "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// ParseWindow parses "HH:MM-HH:MM". The end must be after the start.
func ParseWindow(s string) (Window, error) {
	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("invalid window %q: expected HH:MM-HH:MM", s)
	}
	w := Window{}
	var err error
	if w.Start, err = ParseClock(start); err != nil {
		return Window{}, err
	}
	if w.End, err = ParseClock(end); err != nil {
		return Window{}, err
	}
	if w.End <= w.Start {
		return Window{}, fmt.Errorf("invalid window %q: end must be after start", s)
	}
	return w, nil
}

// Validate checks weekday keys and every window of a service's weekly availability.
func Validate(a domain.Availability) error {
	for day, windows := range a {
		if !knownWeekday(day) {
			return fmt.Errorf("unknown weekday %q", day)
		}
		for _, w := range windows {
			if _, err := ParseWindow(w); err != nil {
				return fmt.Errorf("%s: %w", day, err)
			}
		}
	}
	return nil
}

func knownWeekday(day string) bool {
	for _, d := range weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// Weekday returns the lowercase weekday name of a YYYY-MM-DD date.
func Weekday(date string) (string, error) {
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: expected YYYY-MM-DD", date)
	}
	return weekdays[d.Weekday()], nil
}

// Slots lists bookable start times for svc on date. booked holds start times already taken.
// Windows are walked in listed order, each in step increments from its start. A time is
// emitted when it is not booked and the service fits before the window ends. Overlapping
// windows may yield the same time twice.
func Slots(svc domain.Service, date string, booked []string, step time.Duration) ([]string, error) {
	day, err := Weekday(date)
	if err != nil {
		return nil, err
	}
	if step <= 0 {
		step = DefaultStep
	}
	stepMin := int(step / time.Minute)
	if stepMin <= 0 {
		return nil, fmt.Errorf("slot step %s is below one minute", step)
	}
	if svc.DurationMinutes <= 0 {
		return nil, fmt.Errorf("service %s has non-positive duration", svc.ID)
	}
	taken := make(map[int]struct{}, len(booked))
	for _, b := range booked {
		m, err := ParseClock(b)
		if err != nil {
			return nil, err
		}
		taken[m] = struct{}{}
	}
	slots := []string{}
	for _, raw := range svc.Availability[day] {
		w, err := ParseWindow(raw)
		if err != nil {
			return nil, err
		}
		for t := w.Start; t < w.End; t += stepMin {
			if t+svc.DurationMinutes > w.End {
				break
			}
			if _, ok := taken[t]; ok {
				continue
			}
			slots = append(slots, FormatClock(t))
		}
	}
	return slots, nil
}
