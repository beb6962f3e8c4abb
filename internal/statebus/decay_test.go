package statebus

import (
	"testing"
	"time"

	"reverie/internal/types"
)

func numeric(bus *Bus, name string) float64 {
	state := bus.Read()
	v, _ := state.Numeric(name)
	return v
}

func TestDecayTickPullsTowardBaseline(t *testing.T) {
	bus, _, clk := testBus(t)

	// Push curiosity well above its resting point.
	if _, err := bus.WriteDelta(&types.StateDelta{
		Source:  "research.wiki_page",
		Numeric: map[string]float64{"curiosity": 0.5},
	}); err != nil {
		t.Fatalf("WriteDelta: %v", err)
	}
	before := numeric(bus, "curiosity")

	loop := NewDecayLoop(bus, clk, DecayParams{
		Baseline:    map[string]float64{"curiosity": 0.4},
		DefaultRate: 0.1,
	})
	loop.Tick()

	after := numeric(bus, "curiosity")
	if after >= before {
		t.Fatalf("curiosity %v -> %v, expected a pull toward 0.4", before, after)
	}
	if after < 0.4 {
		t.Fatalf("curiosity %v overshot the baseline", after)
	}

	state := bus.Read()
	if state.LastUpdatedBy != DecaySource {
		t.Fatalf("last_updated_by=%s, want %s", state.LastUpdatedBy, DecaySource)
	}
}

func TestDecayAtBaselineIsNoOp(t *testing.T) {
	bus, _, clk := testBus(t)
	cur := numeric(bus, "contentment")

	loop := NewDecayLoop(bus, clk, DecayParams{
		Baseline:    map[string]float64{"contentment": cur},
		DefaultRate: 0.1,
	})

	rev := bus.Revision()
	loop.Tick()
	if bus.Revision() != rev {
		t.Fatalf("no-op decay bumped revision %d -> %d", rev, bus.Revision())
	}
}

func TestDecayDailyDriftBand(t *testing.T) {
	bus, _, clk := testBus(t)

	if _, err := bus.WriteDelta(&types.StateDelta{
		Source:  "x",
		Numeric: map[string]float64{"curiosity": 0.6}, // 0.4 -> 1.0
	}); err != nil {
		t.Fatalf("WriteDelta: %v", err)
	}

	loop := NewDecayLoop(bus, clk, DecayParams{
		Baseline:      map[string]float64{"curiosity": 0.0},
		DefaultRate:   0.5,
		MaxDailyDrift: 0.6,
	})

	// Enough ticks to exhaust the band many times over.
	for i := 0; i < 20; i++ {
		loop.Tick()
	}

	got := numeric(bus, "curiosity")
	// Drift is capped at 0.6 for the day, so curiosity cannot fall below 0.4.
	if got < 0.4-1e-9 {
		t.Fatalf("curiosity=%v, drift band exceeded", got)
	}

	// A new day resets the allowance.
	clk.Advance(24 * time.Hour)
	loop.Tick()
	after := numeric(bus, "curiosity")
	if after >= got {
		t.Fatalf("curiosity %v -> %v, expected drift to resume after rollover", got, after)
	}
}

func TestDecayPerFieldRates(t *testing.T) {
	bus, _, clk := testBus(t)

	if _, err := bus.WriteDelta(&types.StateDelta{
		Source:  "x",
		Numeric: map[string]float64{"anticipation": 0.7, "concern": 0.9},
	}); err != nil {
		t.Fatalf("WriteDelta: %v", err)
	}
	b1 := numeric(bus, "anticipation")
	b2 := numeric(bus, "concern")

	loop := NewDecayLoop(bus, clk, DecayParams{
		Baseline:    map[string]float64{"anticipation": 0.3, "concern": 0.1},
		Rates:       map[string]float64{"concern": 0.5},
		DefaultRate: 0.05,
	})
	loop.Tick()

	a1 := numeric(bus, "anticipation")
	a2 := numeric(bus, "concern")
	drop1 := b1 - a1
	drop2 := b2 - a2
	if drop1 <= 0 || drop2 <= 0 {
		t.Fatalf("drops=%v/%v, both fields should decay", drop1, drop2)
	}
	if drop2 <= drop1 {
		t.Fatalf("concern (rate 0.5) dropped %v, anticipation (rate 0.05) dropped %v", drop2, drop1)
	}
}
