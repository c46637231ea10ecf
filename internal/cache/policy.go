// Package cache keeps rendered request artifacts keyed by the values they
// were computed from, with per-data-set expiration and a shared byte budget.
package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

var SystemClock Clock = ClockFunc(time.Now)

// Policy computes when an entry created at a given instant expires.
type Policy interface {
	Expires(created time.Time) time.Time
	String() string
}

// Interval expires entries a fixed duration after creation.
type Interval struct {
	Every time.Duration
}

func (p Interval) Expires(created time.Time) time.Time { return created.Add(p.Every) }
func (p Interval) String() string                      { return "interval(" + p.Every.String() + ")" }

// TimeOfDay expires entries at the next occurrence of a clock time in the
// creation instant's location.
type TimeOfDay struct {
	Hour, Minute int
}

func (p TimeOfDay) at(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, p.Hour, p.Minute, 0, 0, day.Location())
}

func (p TimeOfDay) Expires(created time.Time) time.Time {
	t := p.at(created)
	if !t.After(created) {
		t = p.at(created.AddDate(0, 0, 1))
	}
	return t
}

func (p TimeOfDay) String() string { return fmt.Sprintf("time_of_day(%02d:%02d)", p.Hour, p.Minute) }

// TimeAndInterval expires entries at the next boundary of Every-long slots
// anchored at a clock time, so all entries of one slot expire together.
type TimeAndInterval struct {
	Hour, Minute int
	Every        time.Duration
}

func (p TimeAndInterval) Expires(created time.Time) time.Time {
	anchor := TimeOfDay{Hour: p.Hour, Minute: p.Minute}.at(created)
	d := created.Sub(anchor)
	k := d / p.Every
	if d < 0 && d%p.Every != 0 {
		k--
	}
	return anchor.Add((k + 1) * p.Every)
}

func (p TimeAndInterval) String() string {
	return fmt.Sprintf("time_and_interval(%02d:%02d, %s)", p.Hour, p.Minute, p.Every)
}

// ParsePolicy builds a policy from its configuration: mode is interval,
// time_of_day or time_and_interval; at is "HH:MM".
func ParsePolicy(mode, at string, every time.Duration) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "interval":
		if every <= 0 {
			return nil, errors.Errorf("cache: interval policy needs a positive interval, got %s", every)
		}
		return Interval{Every: every}, nil
	case "time_of_day":
		h, m, err := parseClock(at)
		if err != nil {
			return nil, err
		}
		return TimeOfDay{Hour: h, Minute: m}, nil
	case "time_and_interval":
		h, m, err := parseClock(at)
		if err != nil {
			return nil, err
		}
		if every <= 0 {
			return nil, errors.Errorf("cache: time_and_interval policy needs a positive interval, got %s", every)
		}
		return TimeAndInterval{Hour: h, Minute: m, Every: every}, nil
	default:
		return nil, errors.Errorf("cache: unknown expiration mode %q", mode)
	}
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "cache: clock time %q", s)
	}
	return t.Hour(), t.Minute(), nil
}
