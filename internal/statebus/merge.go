package statebus

import (
	"fmt"

	"reverie/internal/types"
)

// mergeOutcome reports what a merge changed and what it had to clamp.
type mergeOutcome struct {
	activityChanged bool
	phaseChanged    bool
	clamped         []string
}

// applyDelta merges delta into state in place. Numeric fields add and clamp;
// scalar fields replace (with optional CAS); set fields union or remove.
// Only structural problems return an error.
func applyDelta(state *types.GlobalState, delta *types.StateDelta) (mergeOutcome, error) {
	var out mergeOutcome

	// CAS expectations are checked before anything is applied.
	for key, want := range delta.Expect {
		got, err := scalarValue(state, key)
		if err != nil {
			return out, err
		}
		if got != want {
			return out, fmt.Errorf("%w: expectation on %s failed: have %q, want %q",
				types.ErrInvalidDelta, key, got, want)
		}
	}

	for name, add := range delta.Numeric {
		cur, _ := state.Numeric(name)
		raw := cur + add
		state.SetNumeric(name, raw)
		if raw < 0 || raw > 1 {
			out.clamped = append(out.clamped, fmt.Sprintf("%s: %0.3f clamped", name, raw))
		}
	}

	for key, val := range delta.Set {
		switch key {
		case "current_activity":
			next := types.Activity(val)
			if !next.Valid() {
				return out, fmt.Errorf("%w: unknown activity %q", types.ErrInvalidDelta, val)
			}
			prev := state.CurrentActivity
			if prev != types.ActivityIdle && next != types.ActivityIdle && prev != next {
				// Only a chat source may preempt a non-idle activity; everything
				// else must pass through idle.
				if delta.Source != "chat" {
					return out, fmt.Errorf("%w: activity transition %s -> %s without idle (source %s)",
						types.ErrInvalidDelta, prev, next, delta.Source)
				}
			}
			if prev != next {
				out.activityChanged = true
			}
			state.CurrentActivity = next
		case "active_session_id":
			state.ActiveSessionID = val
		case "active_user_id":
			state.ActiveUserID = val
		case "rhythm_phase":
			if state.RhythmPhase != val {
				out.phaseChanged = true
			}
			state.RhythmPhase = val
		case "rhythm_day_summary":
			state.RhythmDaySummary = val
		default:
			return out, fmt.Errorf("%w: unknown scalar field %q", types.ErrInvalidDelta, key)
		}
	}

	if delta.DayEpoch != nil {
		// day_epoch is monotonic; a stale value is clamped, not applied.
		if *delta.DayEpoch > state.DayEpoch {
			state.DayEpoch = *delta.DayEpoch
		} else if *delta.DayEpoch < state.DayEpoch {
			out.clamped = append(out.clamped,
				fmt.Sprintf("day_epoch: %d behind current %d, ignored", *delta.DayEpoch, state.DayEpoch))
		}
	}

	state.ActiveThreads = mergeSet(state.ActiveThreads, delta.AddThreads, delta.RemoveThreads)
	state.ActiveQuestions = mergeSet(state.ActiveQuestions, delta.AddQuestions, delta.RemoveQuestions)

	// Activity coherence: idle means no session, and a session implies an
	// activity. Violations are clamped toward idle and logged by the caller.
	if state.CurrentActivity == types.ActivityIdle && state.ActiveSessionID != "" {
		state.ActiveSessionID = ""
		out.clamped = append(out.clamped, "active_session_id cleared: activity is idle")
	}
	if state.CurrentActivity != types.ActivityIdle && state.ActiveSessionID == "" {
		state.CurrentActivity = types.ActivityIdle
		out.activityChanged = true
		out.clamped = append(out.clamped, "current_activity forced idle: no active session")
	}

	return out, nil
}

func scalarValue(state *types.GlobalState, key string) (string, error) {
	switch key {
	case "current_activity":
		return string(state.CurrentActivity), nil
	case "active_session_id":
		return state.ActiveSessionID, nil
	case "active_user_id":
		return state.ActiveUserID, nil
	case "rhythm_phase":
		return state.RhythmPhase, nil
	case "rhythm_day_summary":
		return state.RhythmDaySummary, nil
	}
	return "", fmt.Errorf("%w: unknown scalar field %q", types.ErrInvalidDelta, key)
}

// mergeSet unions adds (insertion order preserved, duplicates skipped),
// applies removals, and trims the oldest entries past the narrative cap.
func mergeSet(cur, add, remove []string) []string {
	if len(add) == 0 && len(remove) == 0 {
		return cur
	}

	seen := make(map[string]bool, len(cur)+len(add))
	out := make([]string, 0, len(cur)+len(add))
	for _, v := range cur {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range add {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	if len(remove) > 0 {
		drop := make(map[string]bool, len(remove))
		for _, v := range remove {
			drop[v] = true
		}
		kept := out[:0]
		for _, v := range out {
			if !drop[v] {
				kept = append(kept, v)
			}
		}
		out = kept
	}

	if len(out) > types.NarrativeCap {
		out = out[len(out)-types.NarrativeCap:]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
