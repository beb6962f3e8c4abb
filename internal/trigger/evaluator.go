// Package trigger decides which nodes are ready to run. The evaluator is
// driven by the scheduler: once per tick, plus immediately when a state
// change touches a field some threshold trigger watches.
package trigger

import (
	"fmt"
	"sync"
	"time"

	"reverie/internal/clock"
	"reverie/internal/logging"
	"reverie/internal/registry"
	"reverie/internal/types"
)

// pendingEventCap bounds the queue of undrained events and node requests.
const pendingEventCap = 256

// Firing is one ready signal for a node. At most one firing per node comes
// out of a single evaluation; extra triggers coalesce.
type Firing struct {
	NodeID string
	Kind   types.TriggerKind
	Reason string
	Event  *types.Event // set for event firings
	At     time.Time
}

// Options tune the evaluator.
type Options struct {
	// QuietWindow suppresses NodeRequest firings for a node that had a
	// Schedule/Event/Manual fire recently.
	QuietWindow time.Duration
}

type nodeRequest struct {
	from, target string
	at           time.Time
}

// compiledTrigger caches per-trigger runtime state, keyed by node id and
// trigger index.
type compiledTrigger struct {
	expr      *Expr
	exprErr   bool // parse failed, logged once
	sched     *clock.Schedule
	schedErr  bool
	lastCheck time.Time // schedule scan cursor
	lastFire  time.Time // threshold debounce anchor
}

// Evaluator owns trigger state for every registered node.
type Evaluator struct {
	reg     *registry.Registry
	persist types.Persistence
	clk     clock.Clock
	phases  *clock.Phases
	quiet   time.Duration

	mu       sync.Mutex
	compiled map[string]*compiledTrigger
	lastFire map[string]time.Time // per node, any dispatch
	seeded   map[string]bool      // lastFire primed from persisted records
	hardFire map[string]time.Time // per node, schedule/event/manual dispatch
	events   []types.Event
	requests []nodeRequest
	watched  map[string]bool // fields referenced by any threshold expression
}

// New builds an evaluator over the registry. The schedule scan cursor starts
// at the current instant: slots that passed while the process was down do not
// fire retroactively, except the most recent one per trigger.
func New(reg *registry.Registry, persist types.Persistence, clk clock.Clock, phases *clock.Phases, opts Options) *Evaluator {
	if opts.QuietWindow <= 0 {
		opts.QuietWindow = 10 * time.Minute
	}
	return &Evaluator{
		reg:      reg,
		persist:  persist,
		clk:      clk,
		phases:   phases,
		quiet:    opts.QuietWindow,
		compiled: make(map[string]*compiledTrigger),
		lastFire: make(map[string]time.Time),
		seeded:   make(map[string]bool),
		hardFire: make(map[string]time.Time),
		watched:  make(map[string]bool),
	}
}

// OnEvent queues a bus event for the next evaluation. Bounded; overflow drops
// the oldest.
func (e *Evaluator) OnEvent(ev types.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) >= pendingEventCap {
		e.events = e.events[1:]
		logging.Get(logging.CategoryTrigger).Warn("event queue full, dropped oldest")
	}
	e.events = append(e.events, ev)
}

// Request queues a soft node request from one node to another.
func (e *Evaluator) Request(from, target string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.requests) >= pendingEventCap {
		e.requests = e.requests[1:]
	}
	e.requests = append(e.requests, nodeRequest{from: from, target: target, at: e.clk.Now()})
	logging.TriggerDebug("node request %s -> %s queued", from, target)
}

// WatchesField reports whether any threshold trigger reads the named field.
// The scheduler uses this to evaluate immediately on relevant state changes
// instead of waiting for the next tick.
func (e *Evaluator) WatchesField(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watched[name]
}

// NoteFired records a dispatch so debounce, chain and quiet-window tracking
// see it. Kind is the trigger kind that caused the dispatch.
func (e *Evaluator) NoteFired(nodeID string, kind types.TriggerKind, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFire[nodeID] = at
	switch kind {
	case types.TriggerSchedule, types.TriggerEvent, types.TriggerManual:
		e.hardFire[nodeID] = at
	}
}

// LastFired returns the node's most recent dispatch time (zero if never).
func (e *Evaluator) LastFired(nodeID string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFire[nodeID]
}

// Evaluate computes the ready set for the given snapshot. One firing per
// node; triggers are considered in declaration order and the first match
// wins. Disabled and suspended nodes are skipped entirely.
func (e *Evaluator) Evaluate(state types.GlobalState, now time.Time) []Firing {
	e.mu.Lock()
	events := e.events
	e.events = nil
	requests := e.requests
	e.requests = nil
	e.mu.Unlock()

	firings := make(map[string]Firing)
	entries := e.reg.List()

	for _, entry := range entries {
		if !entry.Runnable(now) {
			continue
		}
		node := entry.Node
		for i, tr := range node.Triggers {
			if _, done := firings[node.ID]; done {
				break
			}
			switch tr.Kind {
			case types.TriggerSchedule:
				if f, ok := e.checkSchedule(node.ID, i, tr, now); ok {
					firings[node.ID] = f
				}
			case types.TriggerStateThreshold:
				if f, ok := e.checkThreshold(node.ID, i, tr, state, now); ok {
					firings[node.ID] = f
				}
			case types.TriggerEvent:
				if f, ok := e.checkEvent(node.ID, tr, events, now); ok {
					firings[node.ID] = f
				}
			case types.TriggerChain:
				if f, ok := e.checkChain(node.ID, tr, now); ok {
					firings[node.ID] = f
				}
			case types.TriggerManual, types.TriggerNodeRequest:
				// Manual is explicit dispatch only; requests are handled
				// below so a hard firing in this batch can veto them.
			}
		}
	}

	// NodeRequests last: the quiet window counts firings from this very
	// batch as well as past dispatches.
	for _, req := range requests {
		entry, err := e.reg.Get(req.target)
		if err != nil || !entry.Runnable(now) {
			continue
		}
		if _, done := firings[req.target]; done {
			continue
		}
		tr, ok := requestTrigger(entry.Node)
		if !ok {
			logging.TriggerDebug("request %s -> %s: no node_request trigger, ignored", req.from, req.target)
			continue
		}
		if !allowed(tr.FromAllowlist, req.from) {
			logging.Trigger("request %s -> %s rejected: not in allowlist", req.from, req.target)
			continue
		}
		e.mu.Lock()
		last := e.hardFire[req.target]
		e.mu.Unlock()
		if !last.IsZero() && now.Sub(last) < e.quiet {
			logging.TriggerDebug("request %s -> %s suppressed: quiet window (%v left)",
				req.from, req.target, e.quiet-now.Sub(last))
			continue
		}
		firings[req.target] = Firing{
			NodeID: req.target,
			Kind:   types.TriggerNodeRequest,
			Reason: fmt.Sprintf("requested by %s", req.from),
			At:     now,
		}
	}

	out := make([]Firing, 0, len(firings))
	for _, f := range firings {
		out = append(out, f)
	}
	return out
}

func (e *Evaluator) checkSchedule(nodeID string, idx int, tr types.Trigger, now time.Time) (Firing, bool) {
	ct := e.compiledFor(nodeID, idx)
	if ct.schedErr {
		return Firing{}, false
	}
	if ct.sched == nil {
		sched, err := clock.ParseSchedule(tr.Spec, e.phases)
		if err != nil {
			ct.schedErr = true
			logging.Get(logging.CategoryTrigger).Error("%s: bad schedule %q: %v", nodeID, tr.Spec, err)
			return Firing{}, false
		}
		ct.sched = sched
		ct.lastCheck = now
	}

	loc := e.clk.Location()
	if tr.Timezone != "" {
		if l, err := time.LoadLocation(tr.Timezone); err == nil {
			loc = l
		}
	}

	next, ok := ct.sched.Next(ct.lastCheck.In(loc))
	if !ok || next.After(now.In(loc)) {
		return Firing{}, false
	}
	ct.lastCheck = now
	return Firing{
		NodeID: nodeID,
		Kind:   types.TriggerSchedule,
		Reason: fmt.Sprintf("schedule %q slot %s", tr.Spec, ct.sched.SlotID(next)),
		At:     now,
	}, true
}

func (e *Evaluator) checkThreshold(nodeID string, idx int, tr types.Trigger, state types.GlobalState, now time.Time) (Firing, bool) {
	ct := e.compiledFor(nodeID, idx)
	if ct.exprErr {
		return Firing{}, false
	}
	if ct.expr == nil {
		expr, err := ParseExpr(tr.Expression)
		if err != nil {
			ct.exprErr = true
			logging.Get(logging.CategoryTrigger).Error("%s: bad expression %q: %v", nodeID, tr.Expression, err)
			return Firing{}, false
		}
		ct.expr = expr
		e.mu.Lock()
		for _, f := range expr.Fields() {
			e.watched[f] = true
		}
		e.mu.Unlock()
	}

	hit, err := ct.expr.Eval(state.Numeric)
	if err != nil {
		if !ct.exprErr {
			ct.exprErr = true
			logging.Get(logging.CategoryTrigger).Error("%s: expression %q: %v", nodeID, tr.Expression, err)
		}
		return Firing{}, false
	}
	if !hit {
		return Firing{}, false
	}
	if !ct.lastFire.IsZero() && now.Sub(ct.lastFire) < tr.Debounce {
		return Firing{}, false
	}
	ct.lastFire = now
	return Firing{
		NodeID: nodeID,
		Kind:   types.TriggerStateThreshold,
		Reason: fmt.Sprintf("threshold %q", tr.Expression),
		At:     now,
	}, true
}

func (e *Evaluator) checkEvent(nodeID string, tr types.Trigger, events []types.Event, now time.Time) (Firing, bool) {
	for i := range events {
		ev := events[i]
		if ev.Name != tr.EventName {
			continue
		}
		if !filterMatches(tr.EventFilter, ev.Data) {
			continue
		}
		return Firing{
			NodeID: nodeID,
			Kind:   types.TriggerEvent,
			Reason: fmt.Sprintf("event %s", ev.Name),
			Event:  &ev,
			At:     now,
		}, true
	}
	return Firing{}, false
}

// checkChain fires when every predecessor has a successful record newer than
// this node's last dispatch.
func (e *Evaluator) checkChain(nodeID string, tr types.Trigger, now time.Time) (Firing, bool) {
	last := e.lastFireSeeded(nodeID)

	for _, pred := range tr.AfterNodes {
		recs, err := e.persist.LoadRecords(types.RecordFilter{
			NodeID:  pred,
			Outcome: types.OutcomeOK,
			Limit:   1,
		})
		if err != nil {
			logging.Get(logging.CategoryTrigger).Error("%s: chain lookup for %s: %v", nodeID, pred, err)
			return Firing{}, false
		}
		if len(recs) == 0 || !recs[0].Ended.After(last) {
			return Firing{}, false
		}
	}
	return Firing{
		NodeID: nodeID,
		Kind:   types.TriggerChain,
		Reason: fmt.Sprintf("chain after %v", tr.AfterNodes),
		At:     now,
	}, true
}

// lastFireSeeded returns the node's last dispatch time. On first use it is
// primed from the node's most recent persisted record, so a predecessor
// completion from before a restart cannot re-fire a chain that already ran.
func (e *Evaluator) lastFireSeeded(nodeID string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seeded[nodeID] {
		e.seeded[nodeID] = true
		recs, err := e.persist.LoadRecords(types.RecordFilter{NodeID: nodeID, Limit: 1})
		if err != nil {
			logging.Get(logging.CategoryTrigger).Error("%s: seed last fire: %v", nodeID, err)
		} else if len(recs) > 0 && recs[0].Started.After(e.lastFire[nodeID]) {
			e.lastFire[nodeID] = recs[0].Started
		}
	}
	return e.lastFire[nodeID]
}

// compiledFor is only called from Evaluate, which is single-threaded by the
// scheduler loop; the map itself is not locked.
func (e *Evaluator) compiledFor(nodeID string, idx int) *compiledTrigger {
	key := fmt.Sprintf("%s#%d", nodeID, idx)
	ct, ok := e.compiled[key]
	if !ok {
		ct = &compiledTrigger{}
		e.compiled[key] = ct
	}
	return ct
}

func requestTrigger(node types.CognitiveNode) (types.Trigger, bool) {
	for _, tr := range node.Triggers {
		if tr.Kind == types.TriggerNodeRequest {
			return tr, true
		}
	}
	return types.Trigger{}, false
}

func allowed(list []string, from string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == from {
			return true
		}
	}
	return false
}

func filterMatches(filter map[string]string, data map[string]any) bool {
	for k, want := range filter {
		got, ok := data[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}
