package executor

import (
	"context"
	"fmt"

	"reverie/internal/clock"
	"reverie/internal/types"
)

// PhaseCheck is the system executor behind rhythm.phase_check. It compares
// the snapshot's rhythm phase with the wall clock and emits a corrective
// delta guarded by a CAS expectation, so two concurrent checks cannot fight.
func PhaseCheck(clk clock.Clock, phases *clock.Phases) Func {
	return func(ctx context.Context, ec types.ExecContext) (*types.NodeResult, error) {
		want := phases.At(clk.Now())
		if ec.State.RhythmPhase == want {
			return &types.NodeResult{}, nil
		}
		ec.Log("phase %s -> %s", ec.State.RhythmPhase, want)
		return &types.NodeResult{
			Output: fmt.Sprintf("phase advanced to %s", want),
			StateDelta: &types.StateDelta{
				Reason: "rhythm phase boundary",
				Set:    map[string]string{"rhythm_phase": want},
				Expect: map[string]string{"rhythm_phase": ec.State.RhythmPhase},
			},
		}, nil
	}
}
