package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed cron-like spec with minute resolution. Grammar is the
// five-field "min hour dom month dow" subset with *, lists, ranges, and
// steps, plus the named phases @morning/@midday/@afternoon/@evening/@night
// resolved against a phase schedule.
type Schedule struct {
	raw    string
	minute map[int]bool
	hour   map[int]bool
	dom    map[int]bool
	month  map[int]bool
	dow    map[int]bool
}

type cronField struct {
	name string
	min  int
	max  int
}

var cronFields = []cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseSchedule parses spec. phases may be nil unless spec uses a @phase
// name.
func ParseSchedule(spec string, phases *Phases) (*Schedule, error) {
	raw := spec
	if strings.HasPrefix(spec, "@") {
		if phases == nil {
			phases = NewPhases(nil)
		}
		minute, ok := phases.Boundary(strings.TrimPrefix(spec, "@"))
		if !ok {
			return nil, fmt.Errorf("unknown phase %q", spec)
		}
		spec = fmt.Sprintf("%d %d * * *", minute%60, minute/60)
	}

	parts := strings.Fields(spec)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron spec %q: want 5 fields, got %d", raw, len(parts))
	}

	sets := make([]map[int]bool, 5)
	for i, part := range parts {
		set, err := parseCronField(part, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("cron spec %q: %w", raw, err)
		}
		sets[i] = set
	}

	return &Schedule{
		raw:    raw,
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    sets[4],
	}, nil
}

func parseCronField(expr string, f cronField) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, piece := range strings.Split(expr, ",") {
		step := 1
		if idx := strings.Index(piece, "/"); idx >= 0 {
			s, err := strconv.Atoi(piece[idx+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("%s: bad step in %q", f.name, piece)
			}
			step = s
			piece = piece[:idx]
		}

		lo, hi := f.min, f.max
		switch {
		case piece == "*":
			// full range
		case strings.Contains(piece, "-"):
			bounds := strings.SplitN(piece, "-", 2)
			a, errA := strconv.Atoi(bounds[0])
			b, errB := strconv.Atoi(bounds[1])
			if errA != nil || errB != nil || a > b {
				return nil, fmt.Errorf("%s: bad range %q", f.name, piece)
			}
			lo, hi = a, b
		default:
			v, err := strconv.Atoi(piece)
			if err != nil {
				return nil, fmt.Errorf("%s: bad value %q", f.name, piece)
			}
			lo, hi = v, v
		}

		if lo < f.min || hi > f.max {
			return nil, fmt.Errorf("%s: %q out of range [%d,%d]", f.name, piece, f.min, f.max)
		}
		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%s: empty field", f.name)
	}
	return set, nil
}

// String returns the original spec.
func (s *Schedule) String() string { return s.raw }

// Matches reports whether t falls in the schedule's minute slot.
func (s *Schedule) Matches(t time.Time) bool {
	if !s.minute[t.Minute()] || !s.hour[t.Hour()] || !s.month[int(t.Month())] {
		return false
	}
	return s.matchesDay(t)
}

// matchesDay applies cron's dom/dow union rule: when both fields are
// restricted, either matching admits the day.
func (s *Schedule) matchesDay(t time.Time) bool {
	domMatch := s.dom[t.Day()]
	dowMatch := s.dow[int(t.Weekday())]
	domAll := len(s.dom) == cronFields[2].max-cronFields[2].min+1
	dowAll := len(s.dow) == cronFields[4].max-cronFields[4].min+1

	switch {
	case domAll && dowAll:
		return true
	case domAll:
		return dowMatch
	case dowAll:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

// Next returns the first scheduled instant strictly after t, truncated to
// the minute. The search is bounded to four years to guard against impossible
// specs (e.g. Feb 30).
func (s *Schedule) Next(t time.Time) (time.Time, bool) {
	cur := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for cur.Before(limit) {
		if !s.month[int(cur.Month())] || !s.matchesDay(cur) {
			// Skip to next day's first minute.
			y, m, d := cur.Date()
			cur = time.Date(y, m, d, 0, 0, 0, 0, cur.Location()).AddDate(0, 0, 1)
			continue
		}
		if !s.hour[cur.Hour()] {
			cur = cur.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !s.minute[cur.Minute()] {
			cur = cur.Add(time.Minute)
			continue
		}
		return cur, true
	}
	return time.Time{}, false
}

// SlotID identifies the schedule slot containing t, used to prevent
// double-fires within one slot across tick jitter.
func (s *Schedule) SlotID(t time.Time) string {
	return t.Truncate(time.Minute).Format("2006-01-02T15:04")
}
