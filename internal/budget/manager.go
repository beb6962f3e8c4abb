// Package budget tracks daily spend against a configured cap. Each local day
// gets its own ledger: per-category allocations carved from the daily budget,
// a reserve pool for priority overrides, and live reservations held open while
// a node runs. Every mutation is persisted so a crash mid-execution cannot
// lose a charge.
package budget

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"reverie/internal/clock"
	"reverie/internal/logging"
	"reverie/internal/types"
)

// Publisher receives budget lifecycle events. The state bus satisfies this.
type Publisher interface {
	Publish(types.Event)
}

// Params are the caps the manager enforces. Allocations are fractions of the
// daily budget; the reserve pool gets ReserveFraction plus whatever fraction
// the allocations leave unassigned.
type Params struct {
	DailyBudgetUSD   float64
	Allocations      map[types.Category]float64
	ReserveFraction  float64
	MinimumChargeUSD float64
}

// Manager owns the active ledger. All methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	params  Params
	ledger  *types.BudgetLedger
	persist types.Persistence
	clk     clock.Clock
	events  Publisher // optional
}

// New restores today's ledger or starts a fresh one. Reservations left open by
// a previous process are settled at their estimate: the charge may overstate
// the true spend, never understate it.
func New(params Params, persist types.Persistence, clk clock.Clock, events Publisher) (*Manager, error) {
	m := &Manager{
		params:  params,
		persist: persist,
		clk:     clk,
		events:  events,
	}

	epoch := clock.DayEpoch(clk.Now())
	loaded, err := persist.LoadLedger(epoch)
	if err != nil {
		return nil, fmt.Errorf("restore ledger: %w", err)
	}
	if loaded == nil {
		m.ledger = m.freshLedger(epoch)
		logging.Budget("new ledger for epoch %d: cap $%.2f, reserve $%.2f",
			epoch, m.ledger.DailyBudget, m.ledger.ReservePool)
	} else {
		m.ledger = loaded
		for token, res := range loaded.Reservations {
			m.settleLocked(res, res.Estimate)
			delete(loaded.Reservations, token)
			logging.Budget("settled stale reservation %s (%s) at estimate $%.2f",
				token, res.NodeID, res.Estimate)
		}
		logging.Budget("restored ledger for epoch %d: spent $%.2f of $%.2f",
			epoch, loaded.DailySpent, loaded.DailyBudget)
	}

	if err := persist.SaveLedger(m.ledger); err != nil {
		return nil, fmt.Errorf("persist ledger: %w", err)
	}
	return m, nil
}

func (m *Manager) freshLedger(epoch int) *types.BudgetLedger {
	cap := m.params.DailyBudgetUSD
	ledger := &types.BudgetLedger{
		DayEpoch:     epoch,
		DailyBudget:  cap,
		Categories:   make(map[types.Category]*types.CategoryLedger),
		Reservations: make(map[string]*types.Reservation),
	}

	var allocated float64
	for cat, frac := range m.params.Allocations {
		ledger.Categories[cat] = &types.CategoryLedger{Allocated: cap * frac}
		allocated += frac
	}
	// The reserve gets its own fraction plus anything the allocations
	// left unassigned.
	spare := 1.0 - allocated - m.params.ReserveFraction
	if spare < 0 {
		spare = 0
	}
	ledger.ReservePool = cap * (m.params.ReserveFraction + spare)
	return ledger
}

// Reserve places a hold for one execution, tagged by the execution id that
// will settle it. Admission is optimistic: as long as the category has any
// allowance left the hold is granted, even if the estimate overshoots what
// remains, so the last dispatch of the day runs rather than stalls. Once the
// category is fully committed only priority >= high may continue, drawing on
// the reserve pool. Denials return ErrBudgetDenied with the reason attached.
func (m *Manager) Reserve(nodeID, executionID string, category types.Category, class types.CostClass, estimate float64, priority types.Priority) (string, error) {
	if estimate <= 0 {
		estimate = class.DefaultEstimateUSD()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverIfStaleLocked()

	cat, ok := m.ledger.Categories[category]
	if !ok {
		// Category with no allocation: reserve-only territory.
		cat = &types.CategoryLedger{}
		m.ledger.Categories[category] = cat
	}

	catAvail := cat.Allocated - cat.Reserved - cat.Spent
	fromReserve := 0.0
	if catAvail <= 0 {
		if priority < types.PriorityHigh {
			return "", m.denyLocked(nodeID, category, estimate,
				fmt.Sprintf("category %s exhausted ($%.2f allocated, $%.2f spent or held)",
					category, cat.Allocated, cat.Spent+cat.Reserved))
		}
		reserveAvail := m.ledger.ReservePool - m.reservedFromReserveLocked()
		if estimate > reserveAvail {
			return "", m.denyLocked(nodeID, category, estimate,
				fmt.Sprintf("reserve exhausted ($%.2f available, $%.2f needed)", reserveAvail, estimate))
		}
		fromReserve = estimate
	}

	// Global cap: same optimistic rule against settled spend plus every live
	// hold, reserve draws excepted.
	globalAvail := m.ledger.DailyBudget + m.ledger.ReserveDrawn + fromReserve -
		m.ledger.DailySpent - m.liveReservedLocked()
	if globalAvail <= 0 {
		return "", m.denyLocked(nodeID, category, estimate,
			fmt.Sprintf("daily budget exhausted ($%.2f spent or held of $%.2f)",
				m.ledger.DailySpent+m.liveReservedLocked(), m.ledger.DailyBudget))
	}

	res := &types.Reservation{
		Token:       uuid.NewString(),
		NodeID:      nodeID,
		ExecutionID: executionID,
		Category:    category,
		CostClass:   class,
		Estimate:    estimate,
		FromReserve: fromReserve,
		Created:     m.clk.Now(),
	}
	m.ledger.Reservations[res.Token] = res
	cat.Reserved += estimate - fromReserve

	if err := m.saveLocked(); err != nil {
		delete(m.ledger.Reservations, res.Token)
		cat.Reserved -= estimate - fromReserve
		return "", err
	}

	logging.BudgetDebug("reserved $%.2f for %s (%s/%s, reserve draw $%.2f)",
		estimate, nodeID, category, class, fromReserve)
	m.publish(types.Event{
		Name: types.EventBudgetReserved, Source: "budget",
		Data: map[string]any{"node_id": nodeID, "token": res.Token, "estimate": estimate},
	})
	return res.Token, nil
}

// Settle closes a reservation at its actual cost.
func (m *Manager) Settle(token string, actual float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.ledger.Reservations[token]
	if !ok {
		return fmt.Errorf("%w: reservation %s", types.ErrReservationStale, token)
	}
	delete(m.ledger.Reservations, token)
	m.settleLocked(res, actual)

	if err := m.saveLocked(); err != nil {
		return err
	}
	logging.Budget("settled %s: $%.2f actual against $%.2f estimate", res.NodeID, actual, res.Estimate)
	m.publish(types.Event{
		Name: types.EventBudgetSettled, Source: "budget",
		Data: map[string]any{"node_id": res.NodeID, "token": token, "actual": actual},
	})
	return nil
}

// settleLocked records spend for a reservation that is already removed from
// the live map. The reserve is charged before the category, up to the portion
// the reservation drew.
func (m *Manager) settleLocked(res *types.Reservation, actual float64) {
	if actual < 0 {
		actual = 0
	}
	cat := m.ledger.Categories[res.Category]
	if cat == nil {
		cat = &types.CategoryLedger{}
		m.ledger.Categories[res.Category] = cat
	}
	cat.Reserved -= res.Estimate - res.FromReserve
	if cat.Reserved < 0 {
		cat.Reserved = 0
	}
	cat.Spent += actual
	m.ledger.DailySpent += actual

	if res.FromReserve > 0 {
		drawn := res.FromReserve
		if actual < drawn {
			drawn = actual
		}
		m.ledger.ReserveDrawn += drawn
	}
}

// Release drops a reservation without recording its estimate. When the
// execution already made an LLM call the minimum charge still applies.
func (m *Manager) Release(token string, llmCallMade bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.ledger.Reservations[token]
	if !ok {
		return fmt.Errorf("%w: reservation %s", types.ErrReservationStale, token)
	}
	delete(m.ledger.Reservations, token)

	charge := 0.0
	if llmCallMade && m.params.MinimumChargeUSD > 0 {
		charge = m.params.MinimumChargeUSD
		if charge > res.Estimate {
			charge = res.Estimate
		}
	}
	m.settleLocked(res, charge)

	if err := m.saveLocked(); err != nil {
		return err
	}
	logging.BudgetDebug("released %s (charge $%.2f)", res.NodeID, charge)
	return nil
}

// Remaining reports the unspent, unreserved allowance for one category.
func (m *Manager) Remaining(category types.Category) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	cat, ok := m.ledger.Categories[category]
	if !ok {
		return 0
	}
	avail := cat.Allocated - cat.Reserved - cat.Spent
	if avail < 0 {
		return 0
	}
	return avail
}

// RemainingGlobal reports the unspent, unreserved daily allowance.
func (m *Manager) RemainingGlobal() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	avail := m.ledger.DailyBudget + m.ledger.ReserveDrawn -
		m.ledger.DailySpent - m.liveReservedLocked()
	if avail < 0 {
		return 0
	}
	return avail
}

// Snapshot returns a deep copy of the active ledger.
func (m *Manager) Snapshot() *types.BudgetLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Clone()
}

// Rollover archives the current ledger and starts the given epoch fresh.
// Open reservations migrate so executions spanning midnight settle against
// the day they finish. Unspent reserve does not carry over.
func (m *Manager) Rollover(newEpoch int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rolloverLocked(newEpoch)
}

func (m *Manager) rolloverIfStaleLocked() {
	if epoch := clock.DayEpoch(m.clk.Now()); epoch > m.ledger.DayEpoch {
		if err := m.rolloverLocked(epoch); err != nil {
			logging.Get(logging.CategoryBudget).Error("lazy rollover failed: %v", err)
		}
	}
}

func (m *Manager) rolloverLocked(newEpoch int) error {
	if newEpoch <= m.ledger.DayEpoch {
		return nil
	}

	old := m.ledger
	next := m.freshLedger(newEpoch)
	for token, res := range old.Reservations {
		cp := *res
		next.Reservations[token] = &cp
		cat := next.Categories[res.Category]
		if cat == nil {
			cat = &types.CategoryLedger{}
			next.Categories[res.Category] = cat
		}
		cat.Reserved += res.Estimate - res.FromReserve
		delete(old.Reservations, token)
	}

	// The old ledger is archived as-is under its own epoch.
	if err := m.persist.SaveLedger(old); err != nil {
		return fmt.Errorf("archive ledger %d: %w", old.DayEpoch, err)
	}
	m.ledger = next
	if err := m.saveLocked(); err != nil {
		return err
	}
	logging.Budget("rolled ledger %d -> %d (migrated %d reservations, prior spend $%.2f)",
		old.DayEpoch, newEpoch, len(next.Reservations), old.DailySpent)
	return nil
}

// UpdateParams applies reloaded caps to the active ledger. Spend and
// reservations are untouched; allocations and the reserve pool are recomputed
// from the new fractions.
func (m *Manager) UpdateParams(params Params) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.params = params
	recomputed := m.freshLedger(m.ledger.DayEpoch)
	m.ledger.DailyBudget = recomputed.DailyBudget
	m.ledger.ReservePool = recomputed.ReservePool
	for cat, fresh := range recomputed.Categories {
		if existing, ok := m.ledger.Categories[cat]; ok {
			existing.Allocated = fresh.Allocated
		} else {
			m.ledger.Categories[cat] = fresh
		}
	}
	if err := m.saveLocked(); err != nil {
		return err
	}
	logging.Budget("caps updated: daily $%.2f, reserve $%.2f", params.DailyBudgetUSD, m.ledger.ReservePool)
	return nil
}

func (m *Manager) liveReservedLocked() float64 {
	var sum float64
	for _, res := range m.ledger.Reservations {
		sum += res.Estimate
	}
	return sum
}

func (m *Manager) reservedFromReserveLocked() float64 {
	var sum float64
	for _, res := range m.ledger.Reservations {
		sum += res.FromReserve
	}
	return sum
}

func (m *Manager) denyLocked(nodeID string, category types.Category, estimate float64, reason string) error {
	logging.Budget("denied %s (%s, $%.2f): %s", nodeID, category, estimate, reason)
	m.publish(types.Event{
		Name: types.EventBudgetDenied, Source: "budget",
		Data: map[string]any{"node_id": nodeID, "category": string(category), "reason": reason},
	})
	return fmt.Errorf("%w: %s", types.ErrBudgetDenied, reason)
}

func (m *Manager) saveLocked() error {
	if err := m.persist.SaveLedger(m.ledger); err != nil {
		return types.NewKernelError(types.KindPersistenceError, "persist ledger: %v", err)
	}
	return nil
}

func (m *Manager) publish(ev types.Event) {
	if m.events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = m.clk.Now()
	}
	m.events.Publish(ev)
}
