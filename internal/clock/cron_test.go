package clock

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, spec string) *Schedule {
	t.Helper()
	s, err := ParseSchedule(spec, nil)
	if err != nil {
		t.Fatalf("ParseSchedule(%q): %v", spec, err)
	}
	return s
}

func TestScheduleNextPhaseBoundaries(t *testing.T) {
	// The rhythm check spec from the phase runner.
	s := mustParse(t, "0 6,12,17,21 * * *")

	after := time.Date(2026, 8, 24, 5, 59, 30, 0, time.UTC)
	next, ok := s.Next(after)
	if !ok {
		t.Fatal("no next fire")
	}
	want := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next=%v, want %v", next, want)
	}

	// From just after 06:00 the next slot is midday.
	next, _ = s.Next(time.Date(2026, 8, 24, 6, 0, 4, 0, time.UTC))
	want = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next=%v, want %v", next, want)
	}

	// From late evening it wraps to tomorrow morning.
	next, _ = s.Next(time.Date(2026, 8, 24, 21, 30, 0, 0, time.UTC))
	want = time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("wrap next=%v, want %v", next, want)
	}
}

func TestScheduleMatchesSlotOnce(t *testing.T) {
	s := mustParse(t, "0 6 * * *")
	slot := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)

	if !s.Matches(slot) || !s.Matches(slot.Add(30*time.Second)) {
		t.Fatal("both instants are inside the 06:00 slot")
	}
	// Same SlotID for both, so the evaluator fires once despite jitter.
	if s.SlotID(slot) != s.SlotID(slot.Add(45*time.Second)) {
		t.Fatal("jittered instants should share a slot id")
	}
	if s.SlotID(slot) == s.SlotID(slot.Add(time.Minute)) {
		t.Fatal("next minute is a different slot")
	}
}

func TestScheduleSteps(t *testing.T) {
	s := mustParse(t, "*/15 * * * *")
	next, _ := s.Next(time.Date(2026, 8, 24, 10, 1, 0, 0, time.UTC))
	if next.Minute() != 15 {
		t.Fatalf("next minute=%d, want 15", next.Minute())
	}
}

func TestScheduleRangesAndDOW(t *testing.T) {
	// Weekdays at 09:30.
	s := mustParse(t, "30 9 * * 1-5")
	// 2026-08-22 is a Saturday.
	next, _ := s.Next(time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC))
	if next.Weekday() != time.Monday {
		t.Fatalf("next weekday=%v, want Monday", next.Weekday())
	}
	if next.Hour() != 9 || next.Minute() != 30 {
		t.Fatalf("next=%v, want 09:30", next)
	}
}

func TestSchedulePhaseNames(t *testing.T) {
	phases := NewPhases(nil)
	s, err := ParseSchedule("@evening", phases)
	if err != nil {
		t.Fatalf("parse @evening: %v", err)
	}
	next, _ := s.Next(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	if next.Hour() != 21 || next.Minute() != 0 {
		t.Fatalf("@evening next=%v, want 21:00", next)
	}

	if _, err := ParseSchedule("@brunch", phases); err == nil {
		t.Fatal("unknown phase accepted")
	}
}

func TestScheduleParseErrors(t *testing.T) {
	for _, bad := range []string{
		"",
		"* * * *",
		"61 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"a * * * *",
		"*/0 * * * *",
		"5-1 * * * *",
	} {
		if _, err := ParseSchedule(bad, nil); err == nil {
			t.Fatalf("spec %q accepted", bad)
		}
	}
}
