// Package clock provides the kernel's time source: wall time, local-day
// epochs, daily phase resolution, and cron-style schedule parsing. The clock
// is injectable so scheduler and trigger tests run deterministically.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the monotonic time source used throughout the kernel.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// System is the real wall clock.
type System struct {
	loc *time.Location
}

// NewSystem returns a wall clock in the given location.
func NewSystem(loc *time.Location) *System {
	if loc == nil {
		loc = time.Local
	}
	return &System{loc: loc}
}

func (s *System) Now() time.Time           { return time.Now().In(s.loc) }
func (s *System) Location() *time.Location { return s.loc }

// Fake is a settable clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock frozen at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Location() *time.Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.Location()
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set jumps the fake clock to t. Never move it backwards in tests that
// exercise day-epoch logic.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// DayEpoch returns the integer local-day index for t: the number of calendar
// days since 1970-01-01 in t's location. Stable across DST because it is
// computed from the calendar date, not elapsed seconds.
func DayEpoch(t time.Time) int {
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

// =============================================================================
// PHASE SCHEDULE
// =============================================================================

// DefaultPhaseBoundaries is the built-in phase schedule.
var DefaultPhaseBoundaries = map[string]int{
	"morning":   6 * 60,
	"midday":    12 * 60,
	"afternoon": 17 * 60,
	"evening":   21 * 60,
	"night":     0,
}

// phaseBoundary pins a phase name to minutes-since-midnight.
type phaseBoundary struct {
	name   string
	minute int
}

// Phases resolves times to named day segments (morning/midday/afternoon/
// evening/night) against a configured boundary schedule.
type Phases struct {
	boundaries []phaseBoundary // sorted by minute ascending
}

// NewPhases builds a phase resolver from a map of phase name to
// minutes-since-midnight. Nil uses the default schedule.
func NewPhases(schedule map[string]int) *Phases {
	if len(schedule) == 0 {
		schedule = DefaultPhaseBoundaries
	}
	p := &Phases{}
	for name, minute := range schedule {
		p.boundaries = append(p.boundaries, phaseBoundary{name: name, minute: minute})
	}
	sort.Slice(p.boundaries, func(i, j int) bool {
		return p.boundaries[i].minute < p.boundaries[j].minute
	})
	return p
}

// At returns the phase name active at t.
func (p *Phases) At(t time.Time) string {
	minute := t.Hour()*60 + t.Minute()
	// Latest boundary at or before now; wrap to the last boundary of the
	// previous day when now precedes the first boundary.
	current := p.boundaries[len(p.boundaries)-1].name
	for _, b := range p.boundaries {
		if b.minute <= minute {
			current = b.name
		}
	}
	return current
}

// NextChange returns the instant of the next phase boundary strictly after t
// and the phase that begins there.
func (p *Phases) NextChange(t time.Time) (time.Time, string) {
	minute := t.Hour()*60 + t.Minute()
	y, mo, d := t.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
	for _, b := range p.boundaries {
		if b.minute > minute {
			return midnight.Add(time.Duration(b.minute) * time.Minute), b.name
		}
	}
	first := p.boundaries[0]
	return midnight.AddDate(0, 0, 1).Add(time.Duration(first.minute) * time.Minute), first.name
}

// Boundary returns the minutes-since-midnight boundary for a phase name.
func (p *Phases) Boundary(name string) (int, bool) {
	for _, b := range p.boundaries {
		if b.name == name {
			return b.minute, true
		}
	}
	return 0, false
}
