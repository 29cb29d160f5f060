// Package quiethours decides whether a wall-clock time falls inside the
// configured "HH:MM"-"HH:MM" quiet window, and when the window next opens or
// closes.
package quiethours

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ClockTime is a time of day with minute resolution.
type ClockTime struct {
	Hour   int
	Minute int
}

func (c ClockTime) seconds() int {
	return c.Hour*3600 + c.Minute*60
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClock parses an "HH:MM" string.
func ParseClock(s string) (ClockTime, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ClockTime{}, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return ClockTime{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return ClockTime{}, fmt.Errorf("invalid minute in %q", s)
	}
	return ClockTime{Hour: hour, Minute: minute}, nil
}

// Window is a parsed quiet-hours window.
type Window struct {
	Start ClockTime
	End   ClockTime
}

// ParseWindow parses start and end "HH:MM" strings.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}

// Contains reports whether now falls in the window. Both ends are
// inclusive. A window whose start equals its end is empty.
func (w Window) Contains(now time.Time) bool {
	start, end := w.Start.seconds(), w.End.seconds()
	if start == end {
		return false
	}
	cur := now.Hour()*3600 + now.Minute()*60 + now.Second()
	if start < end {
		return start <= cur && cur <= end
	}
	// Spans midnight.
	return cur >= start || cur <= end
}

// UntilChange returns the time from now until the nearer of the next start
// or end boundary.
func (w Window) UntilChange(now time.Time) time.Duration {
	next := nextOccurrence(w.Start, now)
	if e := nextOccurrence(w.End, now); e.Before(next) {
		next = e
	}
	return next.Sub(now)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextOccurrence returns the first instant strictly after now at which the
// wall clock reads c, in now's location.
func nextOccurrence(c ClockTime, now time.Time) time.Time {
	sched, err := parser.Parse(fmt.Sprintf("%d %d * * *", c.Minute, c.Hour))
	if err != nil {
		// Unreachable for a parsed ClockTime.
		panic(err)
	}
	return sched.Next(now)
}

// IsQuietHours reports whether now falls inside the start-end window.
// Unparsable input is logged and treated as not quiet.
func IsQuietHours(start, end string, now time.Time) bool {
	w, err := ParseWindow(start, end)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"start": start,
			"end":   end,
		}).Errorf("invalid quiet hours format: %v", err)
		return false
	}
	return w.Contains(now)
}

// TimeUntilChange returns the number of seconds until the next quiet-hours
// boundary, or -1 if start or end cannot be parsed.
func TimeUntilChange(start, end string, now time.Time) float64 {
	w, err := ParseWindow(start, end)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"start": start,
			"end":   end,
		}).Errorf("invalid quiet hours format: %v", err)
		return -1
	}
	return w.UntilChange(now).Seconds()
}
