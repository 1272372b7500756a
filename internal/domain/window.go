package domain

import (
	"fmt"
	"time"
)

// TimeWindow is a half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls in [Start, End).
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration is End - Start.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("%s/%s", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// SplitWindow cuts [start, end) into consecutive chunks of the given size.
// The final chunk is truncated at end. A non-positive size or empty range
// yields nil.
func SplitWindow(start, end time.Time, size time.Duration) []TimeWindow {
	if size <= 0 || !start.Before(end) {
		return nil
	}
	var out []TimeWindow
	for cur := start; cur.Before(end); {
		next := cur.Add(size)
		if next.After(end) {
			next = end
		}
		out = append(out, TimeWindow{Start: cur, End: next})
		cur = next
	}
	return out
}

// MonthPeriods returns calendar-month windows covering [start, end).
func MonthPeriods(start, end time.Time) []TimeWindow {
	return calendarPeriods(start, end, func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}, func(t time.Time) time.Time { return t.AddDate(0, 1, 0) })
}

// YearPeriods returns calendar-year windows covering [start, end).
func YearPeriods(start, end time.Time) []TimeWindow {
	return calendarPeriods(start, end, func(t time.Time) time.Time {
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	}, func(t time.Time) time.Time { return t.AddDate(1, 0, 0) })
}

func calendarPeriods(start, end time.Time, floor, step func(time.Time) time.Time) []TimeWindow {
	if !start.Before(end) {
		return nil
	}
	var out []TimeWindow
	for cur := floor(start.UTC()); cur.Before(end); cur = step(cur) {
		out = append(out, TimeWindow{Start: cur, End: step(cur)})
	}
	return out
}
