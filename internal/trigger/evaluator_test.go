package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"reverie/internal/clock"
	"reverie/internal/registry"
	"reverie/internal/types"
)

// recordPersist keeps execution records and node overlays in memory.
type recordPersist struct {
	mu      sync.Mutex
	records []types.ExecutionRecord
}

func (p *recordPersist) AppendRecord(rec types.ExecutionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return nil
}

func (p *recordPersist) LoadRecords(f types.RecordFilter) ([]types.ExecutionRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.ExecutionRecord
	for i := len(p.records) - 1; i >= 0; i-- {
		rec := p.records[i]
		if f.NodeID != "" && rec.NodeID != f.NodeID {
			continue
		}
		if f.Outcome != "" && rec.Outcome != f.Outcome {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (p *recordPersist) CloseRecord(string, time.Time, types.Outcome, int, float64, string) error {
	return nil
}
func (p *recordPersist) OpenRecords() ([]types.ExecutionRecord, error) { return nil, nil }
func (p *recordPersist) SaveSnapshot(types.GlobalState) error          { return nil }
func (p *recordPersist) LoadSnapshot() (*types.GlobalState, error)     { return nil, nil }
func (p *recordPersist) SaveLedger(*types.BudgetLedger) error          { return nil }
func (p *recordPersist) LoadLedger(int) (*types.BudgetLedger, error)   { return nil, nil }
func (p *recordPersist) SaveNodeOverlay(types.NodeOverlay) error       { return nil }
func (p *recordPersist) LoadNodeOverlays() (map[string]types.NodeOverlay, error) {
	return nil, nil
}
func (p *recordPersist) Close() error { return nil }

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, types.ExecContext) (*types.NodeResult, error) {
	return &types.NodeResult{}, nil
}

func makeNode(id string, triggers ...types.Trigger) types.CognitiveNode {
	return types.CognitiveNode{
		ID:        id,
		Category:  types.CategoryResearch,
		CostClass: types.CostLight,
		Priority:  types.PriorityNormal,
		Enabled:   true,
		Triggers:  triggers,
		Executor:  nopExecutor{},
	}
}

type fixture struct {
	eval    *Evaluator
	reg     *registry.Registry
	persist *recordPersist
	clk     *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	persist := &recordPersist{}
	reg, err := registry.New(persist)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	clk := clock.NewFake(time.Date(2026, 8, 24, 5, 59, 0, 0, time.UTC))
	phases := clock.NewPhases(nil)
	return &fixture{
		eval:    New(reg, persist, clk, phases, Options{QuietWindow: 10 * time.Minute}),
		reg:     reg,
		persist: persist,
		clk:     clk,
	}
}

func (f *fixture) evaluate(t *testing.T) []Firing {
	t.Helper()
	return f.eval.Evaluate(types.DefaultState(), f.clk.Now())
}

func firingFor(fs []Firing, nodeID string) (Firing, bool) {
	for _, f := range fs {
		if f.NodeID == nodeID {
			return f, true
		}
	}
	return Firing{}, false
}

func TestScheduleFiresOncePerSlot(t *testing.T) {
	f := newFixture(t)
	node := makeNode("journal.daily", types.Trigger{Kind: types.TriggerSchedule, Spec: "0 6 * * *"})
	if err := f.reg.Register(node); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// 05:59, before the slot.
	if fs := f.evaluate(t); len(fs) != 0 {
		t.Fatalf("fired early: %+v", fs)
	}

	// Ticks inside the 06:00 minute: exactly one fire.
	f.clk.Advance(90 * time.Second) // 06:00:30
	fs := f.evaluate(t)
	got, ok := firingFor(fs, "journal.daily")
	if !ok {
		t.Fatal("schedule did not fire at 06:00")
	}
	if got.Kind != types.TriggerSchedule {
		t.Fatalf("kind=%s", got.Kind)
	}

	f.clk.Advance(5 * time.Second)
	if fs := f.evaluate(t); len(fs) != 0 {
		t.Fatalf("double fire within slot: %+v", fs)
	}

	// Next day's slot fires again.
	f.clk.Advance(24 * time.Hour)
	if fs := f.evaluate(t); len(fs) != 1 {
		t.Fatalf("next day: %+v", fs)
	}
}

func TestThresholdDebounce(t *testing.T) {
	f := newFixture(t)
	node := makeNode("dream.nightly", types.Trigger{
		Kind:       types.TriggerStateThreshold,
		Expression: "unresolved_tension > 0.7",
		Debounce:   6 * time.Hour,
	})
	if err := f.reg.Register(node); err != nil {
		t.Fatalf("Register: %v", err)
	}

	state := types.DefaultState()
	state.SetNumeric("unresolved_tension", 0.8)

	fs := f.eval.Evaluate(state, f.clk.Now())
	if _, ok := firingFor(fs, "dream.nightly"); !ok {
		t.Fatal("threshold did not fire at 0.8")
	}

	// Still above threshold an hour later: debounced.
	f.clk.Advance(time.Hour)
	state.SetNumeric("unresolved_tension", 0.82)
	fs = f.eval.Evaluate(state, f.clk.Now())
	if len(fs) != 0 {
		t.Fatalf("fired inside debounce window: %+v", fs)
	}

	// Past the debounce it fires again while still true.
	f.clk.Advance(6 * time.Hour)
	fs = f.eval.Evaluate(state, f.clk.Now())
	if _, ok := firingFor(fs, "dream.nightly"); !ok {
		t.Fatal("threshold did not refire after debounce")
	}
}

func TestThresholdBelowBoundDoesNotFire(t *testing.T) {
	f := newFixture(t)
	node := makeNode("dream.nightly", types.Trigger{
		Kind:       types.TriggerStateThreshold,
		Expression: "curiosity >= 0.6 && cognitive_load < 0.5",
	})
	if err := f.reg.Register(node); err != nil {
		t.Fatalf("Register: %v", err)
	}

	state := types.DefaultState() // curiosity 0.4
	if fs := f.eval.Evaluate(state, f.clk.Now()); len(fs) != 0 {
		t.Fatalf("fired below threshold: %+v", fs)
	}

	state.SetNumeric("curiosity", 0.7)
	if fs := f.eval.Evaluate(state, f.clk.Now()); len(fs) != 1 {
		t.Fatalf("compound expression: %+v", fs)
	}
}

func TestWatchesField(t *testing.T) {
	f := newFixture(t)
	node := makeNode("dream.nightly", types.Trigger{
		Kind:       types.TriggerStateThreshold,
		Expression: "unresolved_tension > 0.7",
	})
	if err := f.reg.Register(node); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Compilation happens on first evaluation.
	f.evaluate(t)

	if !f.eval.WatchesField("unresolved_tension") {
		t.Fatal("watched field not indexed")
	}
	if f.eval.WatchesField("curiosity") {
		t.Fatal("unwatched field reported as watched")
	}
}

func TestEventTriggerWithFilter(t *testing.T) {
	f := newFixture(t)
	node := makeNode("memory.capture", types.Trigger{
		Kind:        types.TriggerEvent,
		EventName:   types.EventSessionEnded,
		EventFilter: map[string]string{"activity": "chat"},
	})
	if err := f.reg.Register(node); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Wrong activity: filtered out.
	f.eval.OnEvent(types.Event{Name: types.EventSessionEnded, Data: map[string]any{"activity": "research"}})
	if fs := f.evaluate(t); len(fs) != 0 {
		t.Fatalf("filter let a mismatch through: %+v", fs)
	}

	f.eval.OnEvent(types.Event{Name: types.EventSessionEnded, Data: map[string]any{"activity": "chat"}})
	fs := f.evaluate(t)
	got, ok := firingFor(fs, "memory.capture")
	if !ok {
		t.Fatal("event trigger did not fire")
	}
	if got.Event == nil || got.Event.Name != types.EventSessionEnded {
		t.Fatalf("firing event=%+v", got.Event)
	}

	// Events are drained: the same event does not fire twice.
	if fs := f.evaluate(t); len(fs) != 0 {
		t.Fatalf("event refired: %+v", fs)
	}
}

func TestChainFiresAfterAllPredecessors(t *testing.T) {
	f := newFixture(t)
	node := makeNode("memory.summarize", types.Trigger{
		Kind:       types.TriggerChain,
		AfterNodes: []string{"research.wiki_page", "research.deep_dive"},
	})
	if err := f.reg.Register(node); err != nil {
		t.Fatalf("Register: %v", err)
	}

	now := f.clk.Now()
	f.persist.AppendRecord(types.ExecutionRecord{
		ID: "r1", NodeID: "research.wiki_page",
		Started: now.Add(-2 * time.Minute), Ended: now.Add(-time.Minute),
		Outcome: types.OutcomeOK,
	})

	// Only one predecessor done.
	if fs := f.evaluate(t); len(fs) != 0 {
		t.Fatalf("chain fired with missing predecessor: %+v", fs)
	}

	// A failed run of the second predecessor does not satisfy the chain.
	f.persist.AppendRecord(types.ExecutionRecord{
		ID: "r2", NodeID: "research.deep_dive",
		Started: now.Add(-time.Minute), Ended: now.Add(-30 * time.Second),
		Outcome: types.OutcomeError,
	})
	if fs := f.evaluate(t); len(fs) != 0 {
		t.Fatalf("chain fired on errored predecessor: %+v", fs)
	}

	f.persist.AppendRecord(types.ExecutionRecord{
		ID: "r3", NodeID: "research.deep_dive",
		Started: now.Add(-time.Minute), Ended: now.Add(-10 * time.Second),
		Outcome: types.OutcomeOK,
	})
	fs := f.evaluate(t)
	if _, ok := firingFor(fs, "memory.summarize"); !ok {
		t.Fatal("chain did not fire with both predecessors done")
	}

	// After dispatch, the chain is not satisfied again until newer successes.
	f.eval.NoteFired("memory.summarize", types.TriggerChain, f.clk.Now())
	f.clk.Advance(time.Minute)
	if fs := f.evaluate(t); len(fs) != 0 {
		t.Fatalf("chain refired on stale records: %+v", fs)
	}
}

func TestChainDedupSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	node := makeNode("memory.summarize", types.Trigger{
		Kind:       types.TriggerChain,
		AfterNodes: []string{"research.wiki_page"},
	})
	if err := f.reg.Register(node); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Records from a previous process: the predecessor succeeded and the
	// dependent already ran on that success.
	now := f.clk.Now()
	f.persist.AppendRecord(types.ExecutionRecord{
		ID: "r1", NodeID: "research.wiki_page",
		Started: now.Add(-10 * time.Minute), Ended: now.Add(-9 * time.Minute),
		Outcome: types.OutcomeOK,
	})
	f.persist.AppendRecord(types.ExecutionRecord{
		ID: "r2", NodeID: "memory.summarize",
		Started: now.Add(-8 * time.Minute), Ended: now.Add(-7 * time.Minute),
		Outcome: types.OutcomeOK,
	})

	// The evaluator is fresh, so the in-memory fire map is empty; the
	// stale completion must not fire the chain again.
	if fs := f.evaluate(t); len(fs) != 0 {
		t.Fatalf("chain refired after restart: %+v", fs)
	}

	// A predecessor success newer than the dependent's last run still
	// fires.
	f.persist.AppendRecord(types.ExecutionRecord{
		ID: "r3", NodeID: "research.wiki_page",
		Started: now.Add(-time.Minute), Ended: now.Add(-30 * time.Second),
		Outcome: types.OutcomeOK,
	})
	fs := f.evaluate(t)
	if _, ok := firingFor(fs, "memory.summarize"); !ok {
		t.Fatal("chain did not fire on a fresh predecessor success")
	}
}

func TestNodeRequestQuietWindow(t *testing.T) {
	f := newFixture(t)
	node := makeNode("research.wiki_page",
		types.Trigger{Kind: types.TriggerManual},
		types.Trigger{Kind: types.TriggerNodeRequest, FromAllowlist: []string{"chat.session"}},
	)
	if err := f.reg.Register(node); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Not in allowlist: dropped.
	f.eval.Request("dream.nightly", "research.wiki_page")
	if fs := f.evaluate(t); len(fs) != 0 {
		t.Fatalf("allowlist ignored: %+v", fs)
	}

	// Allowed and quiet: fires.
	f.eval.Request("chat.session", "research.wiki_page")
	fs := f.evaluate(t)
	got, ok := firingFor(fs, "research.wiki_page")
	if !ok || got.Kind != types.TriggerNodeRequest {
		t.Fatalf("request did not fire: %+v", fs)
	}

	// A recent manual dispatch suppresses requests for the quiet window.
	f.eval.NoteFired("research.wiki_page", types.TriggerManual, f.clk.Now())
	f.clk.Advance(5 * time.Minute)
	f.eval.Request("chat.session", "research.wiki_page")
	if fs := f.evaluate(t); len(fs) != 0 {
		t.Fatalf("request inside quiet window fired: %+v", fs)
	}

	f.clk.Advance(6 * time.Minute)
	f.eval.Request("chat.session", "research.wiki_page")
	if fs := f.evaluate(t); len(fs) != 1 {
		t.Fatalf("request after quiet window: %+v", fs)
	}
}

func TestRequestVetoedBySameBatchFiring(t *testing.T) {
	f := newFixture(t)
	node := makeNode("research.wiki_page",
		types.Trigger{Kind: types.TriggerStateThreshold, Expression: "curiosity > 0.6"},
		types.Trigger{Kind: types.TriggerNodeRequest},
	)
	if err := f.reg.Register(node); err != nil {
		t.Fatalf("Register: %v", err)
	}

	state := types.DefaultState()
	state.SetNumeric("curiosity", 0.9)
	f.eval.Request("chat.session", "research.wiki_page")

	fs := f.eval.Evaluate(state, f.clk.Now())
	if len(fs) != 1 {
		t.Fatalf("coalescing failed: %+v", fs)
	}
	if fs[0].Kind != types.TriggerStateThreshold {
		t.Fatalf("kind=%s, threshold should win over the request", fs[0].Kind)
	}
}

func TestDisabledNodeNeverFires(t *testing.T) {
	f := newFixture(t)
	node := makeNode("journal.daily", types.Trigger{Kind: types.TriggerSchedule, Spec: "* * * * *"})
	if err := f.reg.Register(node); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := f.reg.SetEnabled("journal.daily", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	f.clk.Advance(2 * time.Minute)
	if fs := f.evaluate(t); len(fs) != 0 {
		t.Fatalf("disabled node fired: %+v", fs)
	}
}
