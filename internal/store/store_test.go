package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"reverie/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "reverie.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if got, err := s.LoadSnapshot(); err != nil || got != nil {
		t.Fatalf("empty store: got %v, %v", got, err)
	}

	state := types.DefaultState()
	state.Revision = 42
	state.CurrentActivity = types.ActivityResearch
	state.ActiveSessionID = "sess-1"
	state.ActiveThreads = []string{"thread-a", "thread-b"}
	state.SetNumeric("unresolved_tension", 0.8)
	state.LastUpdatedBy = "research.wiki_page"

	if err := s.SaveSnapshot(state); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	// Round trip is exact apart from wall-clock audit timestamps.
	if diff := cmp.Diff(state, *loaded, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Fatalf("snapshot round trip mismatch (-want +got):\n%s", diff)
	}

	// Second save replaces, not appends.
	state.Revision = 43
	if err := s.SaveSnapshot(state); err != nil {
		t.Fatalf("SaveSnapshot 2: %v", err)
	}
	loaded, _ = s.LoadSnapshot()
	if loaded.Revision != 43 {
		t.Fatalf("revision=%d, want 43", loaded.Revision)
	}
}

func TestRecordLifecycle(t *testing.T) {
	s := openTestStore(t)
	started := time.Now()

	rec := types.ExecutionRecord{
		ID:              "exec-1",
		NodeID:          "research.wiki_page",
		Started:         started,
		Outcome:         types.OutcomeRunning,
		TriggeringEvent: "manual",
	}
	if err := s.AppendRecord(rec); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}

	open, err := s.OpenRecords()
	if err != nil {
		t.Fatalf("OpenRecords: %v", err)
	}
	if len(open) != 1 || open[0].ID != "exec-1" {
		t.Fatalf("open records=%+v, want exec-1", open)
	}

	if err := s.CloseRecord("exec-1", started.Add(time.Second), types.OutcomeOK, 1200, 0.28, ""); err != nil {
		t.Fatalf("CloseRecord: %v", err)
	}

	// Closing twice is an error: records are append-only after completion.
	if err := s.CloseRecord("exec-1", started.Add(2*time.Second), types.OutcomeError, 0, 0, "x"); err == nil {
		t.Fatal("double close accepted")
	}

	open, _ = s.OpenRecords()
	if len(open) != 0 {
		t.Fatalf("open records after close=%d, want 0", len(open))
	}

	recs, err := s.LoadRecords(types.RecordFilter{NodeID: "research.wiki_page"})
	if err != nil {
		t.Fatalf("LoadRecords: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records=%d, want 1", len(recs))
	}
	got := recs[0]
	if got.Outcome != types.OutcomeOK || got.TokensUsed != 1200 || got.DollarsUsed != 0.28 {
		t.Fatalf("closed record=%+v", got)
	}
	if !got.Ended.After(got.Started) {
		t.Fatal("ended should be after started")
	}
}

func TestLoadRecordsFilters(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().Add(-time.Hour)

	for i, node := range []string{"a", "b", "a"} {
		rec := types.ExecutionRecord{
			ID:      string(rune('r' + i)),
			NodeID:  node,
			Started: base.Add(time.Duration(i) * time.Minute),
			Ended:   base.Add(time.Duration(i)*time.Minute + time.Second),
			Outcome: types.OutcomeOK,
		}
		if err := s.AppendRecord(rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	recs, err := s.LoadRecords(types.RecordFilter{NodeID: "a"})
	if err != nil {
		t.Fatalf("LoadRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("filter node a: %d, want 2", len(recs))
	}
	// Newest first.
	if !recs[0].Started.After(recs[1].Started) {
		t.Fatal("records not newest-first")
	}

	recs, _ = s.LoadRecords(types.RecordFilter{Since: base.Add(90 * time.Second)})
	if len(recs) != 1 {
		t.Fatalf("since filter: %d, want 1", len(recs))
	}

	recs, _ = s.LoadRecords(types.RecordFilter{Limit: 1})
	if len(recs) != 1 {
		t.Fatalf("limit filter: %d, want 1", len(recs))
	}
}

func TestPruneRecordsKeepsOpenRows(t *testing.T) {
	s := openTestStore(t)
	old := time.Now().Add(-30 * 24 * time.Hour)

	s.AppendRecord(types.ExecutionRecord{
		ID: "old-done", NodeID: "n", Started: old, Ended: old.Add(time.Second), Outcome: types.OutcomeOK,
	})
	s.AppendRecord(types.ExecutionRecord{
		ID: "old-open", NodeID: "n", Started: old, Outcome: types.OutcomeRunning,
	})

	pruned, err := s.PruneRecords(time.Now().Add(-14*24*time.Hour), 0)
	if err != nil {
		t.Fatalf("PruneRecords: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned=%d, want 1", pruned)
	}

	open, _ := s.OpenRecords()
	if len(open) != 1 || open[0].ID != "old-open" {
		t.Fatalf("open record should survive pruning: %+v", open)
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if got, err := s.LoadLedger(20600); err != nil || got != nil {
		t.Fatalf("missing ledger: got %v, %v", got, err)
	}

	ledger := &types.BudgetLedger{
		DayEpoch:    20600,
		DailyBudget: 5.0,
		DailySpent:  0.60,
		ReservePool: 0.5,
		Categories: map[types.Category]*types.CategoryLedger{
			types.CategoryResearch: {Allocated: 1.0, Reserved: 0.30, Spent: 0.60},
		},
		Reservations: map[string]*types.Reservation{
			"tok-1": {Token: "tok-1", NodeID: "research.wiki_page", Category: types.CategoryResearch, Estimate: 0.30},
		},
	}
	if err := s.SaveLedger(ledger); err != nil {
		t.Fatalf("SaveLedger: %v", err)
	}

	loaded, err := s.LoadLedger(20600)
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if diff := cmp.Diff(ledger, loaded, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Fatalf("ledger round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestNodeOverlayRoundTrip(t *testing.T) {
	s := openTestStore(t)

	high := types.PriorityHigh
	until := time.Now().Add(time.Hour).Truncate(time.Nanosecond)
	ov := types.NodeOverlay{
		NodeID:           "dream.nightly",
		Enabled:          false,
		PriorityOverride: &high,
		SuspendedUntil:   &until,
	}
	if err := s.SaveNodeOverlay(ov); err != nil {
		t.Fatalf("SaveNodeOverlay: %v", err)
	}

	overlays, err := s.LoadNodeOverlays()
	if err != nil {
		t.Fatalf("LoadNodeOverlays: %v", err)
	}
	got, ok := overlays["dream.nightly"]
	if !ok {
		t.Fatal("overlay missing")
	}
	if got.Enabled || got.PriorityOverride == nil || *got.PriorityOverride != types.PriorityHigh {
		t.Fatalf("overlay=%+v", got)
	}
	if got.SuspendedUntil == nil || !got.SuspendedUntil.Equal(until) {
		t.Fatalf("suspended_until=%v, want %v", got.SuspendedUntil, until)
	}

	// Upsert replaces.
	ov.Enabled = true
	ov.PriorityOverride = nil
	ov.SuspendedUntil = nil
	if err := s.SaveNodeOverlay(ov); err != nil {
		t.Fatalf("SaveNodeOverlay 2: %v", err)
	}
	overlays, _ = s.LoadNodeOverlays()
	got = overlays["dream.nightly"]
	if !got.Enabled || got.PriorityOverride != nil || got.SuspendedUntil != nil {
		t.Fatalf("overlay after upsert=%+v", got)
	}
}
