package webhook

import (
	"fmt"
	"strings"
	"time"
)

// Window restricts accepted signals to UTC hours and weekdays. StartHour == EndHour means all day;
// StartHour > EndHour wraps past midnight.
type Window struct {
	StartHour int      `yaml:"startHour"`
	EndHour   int      `yaml:"endHour"`
	Weekdays  []string `yaml:"weekdays"`
}

func (w Window) validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 {
		return fmt.Errorf("trading window hours out of range")
	}
	for _, d := range w.Weekdays {
		if _, ok := parseWeekday(d); !ok {
			return fmt.Errorf("unknown weekday %q", d)
		}
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	t = t.UTC()
	if len(w.Weekdays) > 0 {
		match := false
		for _, d := range w.Weekdays {
			if wd, ok := parseWeekday(d); ok && wd == t.Weekday() {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	h := t.Hour()
	switch {
	case w.StartHour == w.EndHour:
		return true
	case w.StartHour < w.EndHour:
		return h >= w.StartHour && h < w.EndHour
	default:
		return h >= w.StartHour || h < w.EndHour
	}
}

func parseWeekday(s string) (time.Weekday, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	if len(key) < 3 {
		return 0, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.HasPrefix(strings.ToLower(d.String()), key) {
			return d, true
		}
	}
	return 0, false
}

// checkSchedule enforces clock skew on the sender timestamp and the trading window on now.
func checkSchedule(sent time.Time, hasSent bool, now time.Time, maxSkew time.Duration, window *Window) error {
	if hasSent && maxSkew > 0 {
		skew := now.Sub(sent)
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			return invalid(fmt.Sprintf("timestamp %s outside allowed skew %s", sent.UTC().Format(time.RFC3339), maxSkew))
		}
	}
	if window != nil && !window.Contains(now) {
		return invalid("signal outside trading window")
	}
	return nil
}
