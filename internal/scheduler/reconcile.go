package scheduler

import (
	"fmt"

	"reverie/internal/logging"
	"reverie/internal/statebus"
	"reverie/internal/types"
)

// Reconcile resolves state left behind by a previous process. Run before the
// loop starts:
//
//   - every record still marked running is closed as cancelled
//   - an active session whose node was among them is cleared back to idle
//   - a non-idle activity with no open record at all is also cleared
//
// Budget-side cleanup (stale reservations settled at estimate) happens in the
// budget manager's own restore.
func Reconcile(persist types.Persistence, bus *statebus.Bus) error {
	open, err := persist.OpenRecords()
	if err != nil {
		return fmt.Errorf("load open records: %w", err)
	}

	now := bus.Now()
	openSessions := make(map[string]string) // execution id -> node id
	for _, rec := range open {
		if err := persist.CloseRecord(rec.ID, now, types.OutcomeCancelled, 0, 0, "process restart"); err != nil {
			return fmt.Errorf("close record %s: %w", rec.ID, err)
		}
		openSessions[rec.ID] = rec.NodeID
		logging.Scheduler("reconciled %s (%s): running -> cancelled", rec.ID, rec.NodeID)
	}

	state := bus.Read()
	if state.ActiveSessionID == "" && state.CurrentActivity == types.ActivityIdle {
		return nil
	}

	nodeID := openSessions[state.ActiveSessionID]
	reason := "reconciliation: session not restarted"
	if nodeID != "" {
		reason = fmt.Sprintf("reconciliation: %s cancelled by restart", nodeID)
	}
	if _, err := bus.WriteDelta(&types.StateDelta{
		Source: "scheduler",
		Reason: reason,
		Set: map[string]string{
			"current_activity":  string(types.ActivityIdle),
			"active_session_id": "",
		},
		Event: types.EventSessionEnded,
		EventData: map[string]any{
			"node_id": nodeID, "session_id": state.ActiveSessionID, "reconciled": true,
		},
	}); err != nil {
		return fmt.Errorf("clear stale session: %w", err)
	}
	logging.Scheduler("reconciled stale session %s", state.ActiveSessionID)
	return nil
}
