package statebus

import (
	"context"
	"math"
	"time"

	"reverie/internal/clock"
	"reverie/internal/logging"
	"reverie/internal/types"
)

// DecayParams configures the periodic pull of emotional fields toward their
// baseline.
type DecayParams struct {
	Interval      time.Duration
	Baseline      map[string]float64
	Rates         map[string]float64
	DefaultRate   float64
	MaxDailyDrift float64
}

// DecaySource identifies decay deltas in the audit trail.
const DecaySource = "clock"

// DecayLoop applies exponential baseline drift on a fixed tick. Each tick is
// an ordinary state delta (source "clock") so drift shows up in the audit
// fields like any other write. Per-field drift is rate-limited to a daily
// band so compounding skew stays bounded.
type DecayLoop struct {
	bus    *Bus
	clk    clock.Clock
	params DecayParams

	// drift accumulates the absolute pull applied per field for the
	// current day epoch.
	drift    map[string]float64
	driftDay int
}

// NewDecayLoop builds the loop. Interval and rates fall back to safe
// defaults when unset.
func NewDecayLoop(bus *Bus, clk clock.Clock, params DecayParams) *DecayLoop {
	if params.Interval <= 0 {
		params.Interval = 60 * time.Second
	}
	if params.DefaultRate <= 0 {
		params.DefaultRate = 0.02
	}
	if params.MaxDailyDrift <= 0 {
		params.MaxDailyDrift = 0.5
	}
	return &DecayLoop{
		bus:    bus,
		clk:    clk,
		params: params,
		drift:  make(map[string]float64),
	}
}

// Run ticks until the context is cancelled.
func (d *DecayLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(d.params.Interval)
	defer ticker.Stop()
	logging.Bus("decay loop started (interval %v)", d.params.Interval)
	for {
		select {
		case <-ctx.Done():
			logging.Bus("decay loop stopped")
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}

// Tick applies one decay step. Exposed for deterministic tests.
func (d *DecayLoop) Tick() {
	now := d.clk.Now()
	if day := clock.DayEpoch(now); day != d.driftDay {
		d.driftDay = day
		d.drift = make(map[string]float64)
	}

	state := d.bus.Read()
	numeric := make(map[string]float64)
	for _, field := range types.EmotionalFieldNames() {
		baseline, ok := d.params.Baseline[field]
		if !ok {
			continue
		}
		cur, _ := state.Numeric(field)
		rate := d.params.DefaultRate
		if r, ok := d.params.Rates[field]; ok {
			rate = r
		}

		pull := rate * (baseline - cur)
		if pull == 0 {
			continue
		}

		// Respect the remaining daily drift allowance.
		remaining := d.params.MaxDailyDrift - d.drift[field]
		if remaining <= 0 {
			continue
		}
		if math.Abs(pull) > remaining {
			if pull > 0 {
				pull = remaining
			} else {
				pull = -remaining
			}
		}

		numeric[field] = pull
		d.drift[field] += math.Abs(pull)
	}

	if len(numeric) == 0 {
		return
	}

	_, err := d.bus.WriteDelta(&types.StateDelta{
		Source:    DecaySource,
		Timestamp: now,
		Reason:    "baseline decay",
		Numeric:   numeric,
	})
	if err != nil {
		logging.Get(logging.CategoryBus).Error("decay tick failed: %v", err)
	}
}
