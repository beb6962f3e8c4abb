package budget

import (
	"errors"
	"sync"
	"testing"
	"time"

	"reverie/internal/clock"
	"reverie/internal/types"
)

// ledgerPersist keeps ledgers by day epoch, in memory.
type ledgerPersist struct {
	mu      sync.Mutex
	ledgers map[int]*types.BudgetLedger
}

func newLedgerPersist() *ledgerPersist {
	return &ledgerPersist{ledgers: make(map[int]*types.BudgetLedger)}
}

func (p *ledgerPersist) SaveLedger(l *types.BudgetLedger) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ledgers[l.DayEpoch] = l.Clone()
	return nil
}

func (p *ledgerPersist) LoadLedger(epoch int) (*types.BudgetLedger, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.ledgers[epoch]
	if !ok {
		return nil, nil
	}
	return l.Clone(), nil
}

func (p *ledgerPersist) SaveSnapshot(types.GlobalState) error      { return nil }
func (p *ledgerPersist) LoadSnapshot() (*types.GlobalState, error) { return nil, nil }
func (p *ledgerPersist) AppendRecord(types.ExecutionRecord) error  { return nil }
func (p *ledgerPersist) CloseRecord(string, time.Time, types.Outcome, int, float64, string) error {
	return nil
}
func (p *ledgerPersist) LoadRecords(types.RecordFilter) ([]types.ExecutionRecord, error) {
	return nil, nil
}
func (p *ledgerPersist) OpenRecords() ([]types.ExecutionRecord, error) { return nil, nil }
func (p *ledgerPersist) SaveNodeOverlay(types.NodeOverlay) error       { return nil }
func (p *ledgerPersist) LoadNodeOverlays() (map[string]types.NodeOverlay, error) {
	return nil, nil
}
func (p *ledgerPersist) Close() error { return nil }

type eventCapture struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *eventCapture) Publish(ev types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCapture) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Name
	}
	return out
}

func testParams() Params {
	return Params{
		DailyBudgetUSD: 5.00,
		Allocations: map[types.Category]float64{
			types.CategoryResearch: 0.20, // $1.00
			types.CategoryChat:     0.25, // $1.25
			types.CategoryDream:    0.15, // $0.75
		},
		ReserveFraction:  0.10, // $0.50 + $1.50 unallocated = $2.00 pool
		MinimumChargeUSD: 0.01,
	}
}

func newTestManager(t *testing.T) (*Manager, *ledgerPersist, *clock.Fake, *eventCapture) {
	t.Helper()
	persist := newLedgerPersist()
	clk := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	events := &eventCapture{}
	m, err := New(testParams(), persist, clk, events)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, persist, clk, events
}

func TestReserveSettleCycle(t *testing.T) {
	m, _, _, events := newTestManager(t)

	before := m.Remaining(types.CategoryResearch)
	tok, err := m.Reserve("research.wiki_page", "exec-1", types.CategoryResearch, types.CostResearch, 0.30, types.PriorityNormal)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := m.Remaining(types.CategoryResearch); got != before-0.30 {
		t.Fatalf("remaining=%v, want %v", got, before-0.30)
	}

	if err := m.Settle(tok, 0.22); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if got := m.Remaining(types.CategoryResearch); got != before-0.22 {
		t.Fatalf("remaining after settle=%v, want %v", got, before-0.22)
	}

	ledger := m.Snapshot()
	if len(ledger.Reservations) != 0 {
		t.Fatalf("reservations left after settle: %d", len(ledger.Reservations))
	}
	if ledger.DailySpent != 0.22 {
		t.Fatalf("daily_spent=%v, want 0.22", ledger.DailySpent)
	}

	got := events.names()
	if len(got) != 2 || got[0] != types.EventBudgetReserved || got[1] != types.EventBudgetSettled {
		t.Fatalf("events=%v", got)
	}

	// The token is single-use.
	if err := m.Settle(tok, 0.1); !errors.Is(err, types.ErrReservationStale) {
		t.Fatalf("double settle: err=%v", err)
	}
}

func TestReserveDeniedWhenCategoryExhausted(t *testing.T) {
	m, _, _, events := newTestManager(t)

	// Research holds $1.00; two $0.50 holds commit all of it, the third
	// arrives with nothing left and is denied.
	for i := 0; i < 2; i++ {
		if _, err := m.Reserve("research.wiki_page", "", types.CategoryResearch, types.CostResearch, 0.50, types.PriorityNormal); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	_, err := m.Reserve("research.wiki_page", "", types.CategoryResearch, types.CostResearch, 0.30, types.PriorityNormal)
	if !errors.Is(err, types.ErrBudgetDenied) {
		t.Fatalf("err=%v, want ErrBudgetDenied", err)
	}

	names := events.names()
	if names[len(names)-1] != types.EventBudgetDenied {
		t.Fatalf("last event=%s, want budget.denied", names[len(names)-1])
	}
}

func TestCategoryAdmitsWhileAllowanceRemains(t *testing.T) {
	persist := newLedgerPersist()
	clk := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	m, err := New(Params{
		DailyBudgetUSD:   1.00,
		Allocations:      map[types.Category]float64{types.CategoryResearch: 0.50},
		ReserveFraction:  0.10,
		MinimumChargeUSD: 0.01,
	}, persist, clk, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// $0.50 for research. The first $0.30 fits outright; the second
	// overshoots the $0.20 left but the category still has allowance, so
	// it runs too rather than stranding the remainder.
	for i := 0; i < 2; i++ {
		tok, err := m.Reserve("research.wiki_page", "", types.CategoryResearch, types.CostResearch, 0.30, types.PriorityNormal)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if err := m.Settle(tok, 0.30); err != nil {
			t.Fatalf("settle %d: %v", i, err)
		}
	}
	if got := m.Snapshot().DailySpent; got < 0.60-1e-9 || got > 0.60+1e-9 {
		t.Fatalf("daily_spent=%v, want 0.60", got)
	}

	// Spend now exceeds the allocation, so the next dispatch is denied.
	if _, err := m.Reserve("research.wiki_page", "", types.CategoryResearch, types.CostResearch, 0.30, types.PriorityNormal); !errors.Is(err, types.ErrBudgetDenied) {
		t.Fatalf("err=%v, want ErrBudgetDenied", err)
	}
}

func TestCriticalPriorityDrawsReserve(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	// Exhaust the research category.
	tok, err := m.Reserve("research.wiki_page", "", types.CategoryResearch, types.CostResearch, 1.00, types.PriorityNormal)
	if err != nil {
		t.Fatalf("exhaust: %v", err)
	}
	if err := m.Settle(tok, 1.00); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	// Normal priority cannot touch the reserve.
	if _, err := m.Reserve("research.deep_dive", "", types.CategoryResearch, types.CostResearch, 0.30, types.PriorityNormal); !errors.Is(err, types.ErrBudgetDenied) {
		t.Fatalf("medium past cap: err=%v", err)
	}

	// Critical draws the shortfall from the reserve pool.
	tok, err = m.Reserve("research.deep_dive", "", types.CategoryResearch, types.CostResearch, 0.30, types.PriorityCritical)
	if err != nil {
		t.Fatalf("critical reserve: %v", err)
	}
	if err := m.Settle(tok, 0.25); err != nil {
		t.Fatalf("settle critical: %v", err)
	}

	ledger := m.Snapshot()
	if ledger.ReserveDrawn != 0.25 {
		t.Fatalf("reserve_drawn=%v, want 0.25", ledger.ReserveDrawn)
	}
}

func TestBudgetConservation(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	// Mix of settled, released and live holds; the invariant must hold at
	// every point: settled + live <= cap + reserve_drawn.
	check := func(stage string) {
		ledger := m.Snapshot()
		var live float64
		for _, res := range ledger.Reservations {
			live += res.Estimate
		}
		if ledger.DailySpent+live > ledger.DailyBudget+ledger.ReserveDrawn+1e-9 {
			t.Fatalf("%s: spent %.2f + live %.2f > cap %.2f + drawn %.2f",
				stage, ledger.DailySpent, live, ledger.DailyBudget, ledger.ReserveDrawn)
		}
	}

	t1, _ := m.Reserve("chat.session", "", types.CategoryChat, types.CostSession, 0.15, types.PriorityHigh)
	check("after reserve 1")
	t2, _ := m.Reserve("research.wiki_page", "", types.CategoryResearch, types.CostResearch, 0.30, types.PriorityNormal)
	check("after reserve 2")

	m.Settle(t1, 0.18)
	check("after settle")
	m.Release(t2, true)
	check("after release")
}

func TestReleaseMinimumCharge(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	tok, err := m.Reserve("dream.nightly", "", types.CategoryDream, types.CostDream, 0.20, types.PriorityLow)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := m.Release(tok, true); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := m.Snapshot().DailySpent; got != 0.01 {
		t.Fatalf("daily_spent=%v, want minimum charge 0.01", got)
	}

	// Without an LLM call nothing is charged.
	tok, _ = m.Reserve("dream.nightly", "", types.CategoryDream, types.CostDream, 0.20, types.PriorityLow)
	if err := m.Release(tok, false); err != nil {
		t.Fatalf("Release 2: %v", err)
	}
	if got := m.Snapshot().DailySpent; got != 0.01 {
		t.Fatalf("daily_spent=%v, want unchanged 0.01", got)
	}
}

func TestZeroEstimateUsesClassDefault(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	tok, err := m.Reserve("research.wiki_page", "", types.CategoryResearch, types.CostResearch, 0, types.PriorityNormal)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	res := m.Snapshot().Reservations[tok]
	if res.Estimate != types.CostResearch.DefaultEstimateUSD() {
		t.Fatalf("estimate=%v, want class default %v", res.Estimate, types.CostResearch.DefaultEstimateUSD())
	}
}

func TestRolloverMigratesOpenReservations(t *testing.T) {
	m, persist, clk, _ := newTestManager(t)
	startEpoch := m.Snapshot().DayEpoch

	tok, err := m.Reserve("dream.nightly", "exec-9", types.CategoryDream, types.CostDream, 0.20, types.PriorityLow)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	spentTok, _ := m.Reserve("chat.session", "", types.CategoryChat, types.CostSession, 0.15, types.PriorityHigh)
	m.Settle(spentTok, 0.15)

	clk.Advance(24 * time.Hour)
	if err := m.Rollover(startEpoch + 1); err != nil {
		t.Fatalf("Rollover: %v", err)
	}

	ledger := m.Snapshot()
	if ledger.DayEpoch != startEpoch+1 {
		t.Fatalf("epoch=%d, want %d", ledger.DayEpoch, startEpoch+1)
	}
	if ledger.DailySpent != 0 {
		t.Fatalf("new day spent=%v, want 0", ledger.DailySpent)
	}
	if _, ok := ledger.Reservations[tok]; !ok {
		t.Fatal("open reservation did not migrate")
	}

	// Settling against the new day works and charges the new ledger.
	if err := m.Settle(tok, 0.20); err != nil {
		t.Fatalf("settle migrated: %v", err)
	}
	if got := m.Snapshot().DailySpent; got != 0.20 {
		t.Fatalf("new day spent=%v, want 0.20", got)
	}

	// The prior ledger is archived with its spend intact.
	old, err := persist.LoadLedger(startEpoch)
	if err != nil || old == nil {
		t.Fatalf("archived ledger: %v, %v", old, err)
	}
	if old.DailySpent != 0.15 {
		t.Fatalf("archived spent=%v, want 0.15", old.DailySpent)
	}
}

func TestRestartSettlesOpenReservationsAtEstimate(t *testing.T) {
	persist := newLedgerPersist()
	clk := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))

	m, err := New(testParams(), persist, clk, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Reserve("research.wiki_page", "exec-1", types.CategoryResearch, types.CostResearch, 0.30, types.PriorityNormal); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Simulated crash: a fresh manager over the same persistence must not
	// lose the charge.
	m2, err := New(testParams(), persist, clk, nil)
	if err != nil {
		t.Fatalf("New 2: %v", err)
	}
	ledger := m2.Snapshot()
	if len(ledger.Reservations) != 0 {
		t.Fatalf("stale reservations survive restart: %d", len(ledger.Reservations))
	}
	if ledger.DailySpent != 0.30 {
		t.Fatalf("daily_spent=%v, want conservative 0.30", ledger.DailySpent)
	}
}

func TestUpdateParamsPreservesSpend(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	tok, _ := m.Reserve("chat.session", "", types.CategoryChat, types.CostSession, 0.15, types.PriorityHigh)
	m.Settle(tok, 0.15)

	params := testParams()
	params.DailyBudgetUSD = 10.00
	if err := m.UpdateParams(params); err != nil {
		t.Fatalf("UpdateParams: %v", err)
	}

	ledger := m.Snapshot()
	if ledger.DailyBudget != 10.00 {
		t.Fatalf("daily_budget=%v, want 10.00", ledger.DailyBudget)
	}
	if ledger.DailySpent != 0.15 {
		t.Fatalf("daily_spent=%v, spend should survive a cap change", ledger.DailySpent)
	}
	if got := ledger.Categories[types.CategoryChat].Allocated; got != 2.50 {
		t.Fatalf("chat allocation=%v, want 2.50", got)
	}
}
