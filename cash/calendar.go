package cash

import (
	"strings"
	"time"
	_ "time/tzdata" // devices may ship without a zoneinfo database
)

// =============================================================================
// CLOCK
// =============================================================================

// Clock abstracts wall-clock time so retry timers and day boundaries can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// =============================================================================
// CALENDAR / TIMEZONE RESOLVER
// =============================================================================

// Zone is a resolved timezone.
type Zone struct {
	Name     string
	Location *time.Location
}

// Calendar resolves timezone hints and the current operational date.
type Calendar struct {
	// DefaultZone is used when a hint is empty or unknown.
	DefaultZone string
	Clock       Clock
}

// NewCalendar creates a calendar with the given default zone.
func NewCalendar(defaultZone string, clock Clock) *Calendar {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Calendar{DefaultZone: defaultZone, Clock: clock}
}

// ResolveTimezone returns a valid zone for hint, falling back to the
// calendar default and finally UTC.
func (c *Calendar) ResolveTimezone(hint string) Zone {
	for _, name := range []string{strings.TrimSpace(hint), c.DefaultZone} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return Zone{Name: name, Location: loc}
		}
	}
	return Zone{Name: "UTC", Location: time.UTC}
}

// CurrentOperationalDate returns "today" in zone.
func (c *Calendar) CurrentOperationalDate(zone Zone) Date {
	return DateOf(c.Clock.Now(), zone.Location)
}

// Today resolves hint and returns both the zone and today's date there.
func (c *Calendar) Today(hint string) (Zone, Date) {
	zone := c.ResolveTimezone(hint)
	return zone, c.CurrentOperationalDate(zone)
}
