// Package scheduler drives the dispatch loop: collect the ready set from the
// trigger evaluator, sort it, reserve budget, and run executors on a bounded
// pool of worker slots. One control goroutine owns all scheduling decisions;
// workers only execute and report back.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"reverie/internal/budget"
	"reverie/internal/clock"
	"reverie/internal/logging"
	"reverie/internal/registry"
	"reverie/internal/statebus"
	"reverie/internal/trigger"
	"reverie/internal/types"
)

// manualQueueCap bounds pending manual dispatch requests.
const manualQueueCap = 128

// Config tunes the loop.
type Config struct {
	MaxConcurrent  int
	TickInterval   time.Duration
	Timeouts       map[types.CostClass]time.Duration
	RetentionDays  int
	RetentionCount int
}

// Pruner is the optional record-retention hook; the SQLite store implements
// it.
type Pruner interface {
	PruneRecords(cutoff time.Time, keepCount int) (int64, error)
}

type manualRequest struct {
	nodeID  string
	reason  string
	attempt int // >0 for retry redispatch
	at      time.Time
}

// execution tracks one in-flight dispatch.
type execution struct {
	id       string
	node     types.CognitiveNode
	priority types.Priority
	token    string
	firing   trigger.Firing
	attempt  int
	cancel   context.CancelFunc

	mu       sync.Mutex
	finished bool // set by whichever of worker/timeout wins
}

// finish claims the right to conclude this execution. The loser of the race
// (a worker returning after timeout reclaim) gets false and must drop its
// result.
func (x *execution) finish() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.finished {
		return false
	}
	x.finished = true
	return true
}

// Scheduler is the control loop.
type Scheduler struct {
	cfg     Config
	bus     *statebus.Bus
	budget  *budget.Manager
	reg     *registry.Registry
	eval    *trigger.Evaluator
	persist types.Persistence
	clk     clock.Clock
	pruner  Pruner // optional

	slots chan struct{}

	mu       sync.Mutex
	inflight map[string]*execution
	manual   []manualRequest
	dayEpoch int

	wg       sync.WaitGroup
	fatal    chan error
	kick     chan struct{}
	quit     chan struct{} // closed on shutdown, wakes parked retry backoffs
	quitOnce sync.Once
}

// New wires the loop. Call Reconcile before Run on a fresh process.
func New(cfg Config, bus *statebus.Bus, bm *budget.Manager, reg *registry.Registry, eval *trigger.Evaluator, persist types.Persistence, clk clock.Clock, pruner Pruner) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 14
	}
	if cfg.RetentionCount <= 0 {
		cfg.RetentionCount = 10000
	}
	return &Scheduler{
		cfg:      cfg,
		bus:      bus,
		budget:   bm,
		reg:      reg,
		eval:     eval,
		persist:  persist,
		clk:      clk,
		pruner:   pruner,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		inflight: make(map[string]*execution),
		dayEpoch: clock.DayEpoch(clk.Now()),
		fatal:    make(chan error, 1),
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// Fatal delivers unrecoverable persistence errors observed mid-loop.
func (s *Scheduler) Fatal() <-chan error { return s.fatal }

// Kick wakes the loop before the next tick. Used when a state change touches
// a watched threshold field.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Dispatch queues a manual dispatch for the node. The dispatch itself
// happens on the next loop iteration under normal budget rules.
func (s *Scheduler) Dispatch(nodeID, reason string) error {
	if _, err := s.reg.Get(nodeID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.manual) >= manualQueueCap {
		return fmt.Errorf("manual dispatch queue full")
	}
	s.manual = append(s.manual, manualRequest{nodeID: nodeID, reason: reason, at: s.clk.Now()})
	s.Kick()
	return nil
}

// Running lists node ids with an in-flight execution.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run drives ticks until the context is cancelled, then cancels in-flight
// work and waits for the workers to drain.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	logging.Scheduler("loop started (tick %v, %d slots)", s.cfg.TickInterval, s.cfg.MaxConcurrent)

	for {
		select {
		case <-ctx.Done():
			logging.Scheduler("shutdown: cancelling in-flight work")
			s.quitOnce.Do(func() { close(s.quit) })
			s.cancelAll()
			s.wg.Wait()
			logging.Scheduler("loop stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.kick:
			s.Tick(ctx)
		}
	}
}

// Tick runs one loop iteration. Exposed for deterministic tests.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clk.Now()
	s.checkDayRollover(now)

	state := s.bus.Read()
	firings := s.eval.Evaluate(state, now)
	manual, attempts := s.drainManual(now)
	firings = append(firings, manual...)

	ready := s.selectReady(firings, attempts)
	if len(ready) == 0 {
		return
	}

	for i, cand := range ready {
		select {
		case s.slots <- struct{}{}:
		default:
			logging.SchedulerDebug("no free slots, %s waits for the next tick", cand.firing.NodeID)
			for _, rest := range ready[i:] {
				s.requeue(rest)
			}
			return
		}
		if err := s.launch(ctx, cand, state); err != nil {
			<-s.slots
		}
	}
}

type candidate struct {
	firing   trigger.Firing
	node     types.CognitiveNode
	priority types.Priority
	lastFire time.Time
	attempt  int
	reason   string
}

// selectReady filters out running nodes and orders the rest: higher priority
// first, older last-fire first, then id.
func (s *Scheduler) selectReady(firings []trigger.Firing, attempts map[string]int) []candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []candidate
	seen := make(map[string]bool)
	for _, f := range firings {
		if seen[f.NodeID] {
			continue
		}
		seen[f.NodeID] = true
		if _, running := s.inflight[f.NodeID]; running {
			// Coalesced: the running instance covers this firing.
			logging.SchedulerDebug("%s already in flight, firing coalesced", f.NodeID)
			continue
		}
		entry, err := s.reg.Get(f.NodeID)
		if err != nil || !entry.Runnable(f.At) {
			continue
		}
		out = append(out, candidate{
			firing:   f,
			node:     entry.Node,
			priority: entry.EffectivePriority(),
			lastFire: s.eval.LastFired(f.NodeID),
			attempt:  attempts[f.NodeID],
			reason:   f.Reason,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		if !out[i].lastFire.Equal(out[j].lastFire) {
			return out[i].lastFire.Before(out[j].lastFire)
		}
		return out[i].firing.NodeID < out[j].firing.NodeID
	})
	return out
}

func (s *Scheduler) drainManual(now time.Time) ([]trigger.Firing, map[string]int) {
	s.mu.Lock()
	pending := s.manual
	s.manual = nil
	s.mu.Unlock()

	out := make([]trigger.Firing, 0, len(pending))
	attempts := make(map[string]int, len(pending))
	for _, req := range pending {
		out = append(out, trigger.Firing{
			NodeID: req.nodeID,
			Kind:   types.TriggerManual,
			Reason: req.reason,
			At:     now,
		})
		if req.attempt > attempts[req.nodeID] {
			attempts[req.nodeID] = req.attempt
		}
	}
	return out, attempts
}

// requeue keeps a slot-starved manual firing; trigger-driven firings
// re-evaluate naturally next tick.
func (s *Scheduler) requeue(cand candidate) {
	if cand.firing.Kind != types.TriggerManual {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.manual) < manualQueueCap {
		s.manual = append(s.manual, manualRequest{
			nodeID: cand.firing.NodeID, reason: cand.reason, attempt: cand.attempt, at: cand.firing.At,
		})
	}
}

// launch reserves budget and starts the worker. The caller holds a slot; on
// error the caller releases it.
func (s *Scheduler) launch(ctx context.Context, cand candidate, state types.GlobalState) error {
	node := cand.node
	now := s.clk.Now()
	execID := uuid.NewString()

	s.bus.Publish(types.Event{
		Name: types.EventNodeReady, Source: "scheduler",
		Data: map[string]any{"node_id": node.ID, "trigger": string(cand.firing.Kind)},
	})

	token, err := s.budget.Reserve(node.ID, execID, node.Category, node.CostClass,
		node.CostClass.DefaultEstimateUSD(), cand.priority)
	if err != nil {
		// Denied is expected flow: record it and move on.
		rec := types.ExecutionRecord{
			ID: execID, NodeID: node.ID, Started: now, Ended: now,
			Outcome:         types.OutcomeSkippedBudget,
			TriggeringEvent: string(cand.firing.Kind),
			Error:           err.Error(),
		}
		if perr := s.persist.AppendRecord(rec); perr != nil {
			s.reportFatal(perr)
		}
		logging.Scheduler("%s skipped: %v", node.ID, err)
		return err
	}

	rec := types.ExecutionRecord{
		ID: execID, NodeID: node.ID, Started: now,
		Outcome:         types.OutcomeRunning,
		TriggeringEvent: string(cand.firing.Kind),
	}
	if err := s.persist.AppendRecord(rec); err != nil {
		s.budget.Release(token, false)
		s.reportFatal(err)
		return err
	}

	timeout := s.timeoutFor(node.CostClass)
	execCtx, cancel := context.WithCancel(ctx)
	x := &execution{
		id: execID, node: node, priority: cand.priority,
		token: token, firing: cand.firing, attempt: cand.attempt, cancel: cancel,
	}

	s.mu.Lock()
	s.inflight[node.ID] = x
	s.mu.Unlock()
	s.eval.NoteFired(node.ID, cand.firing.Kind, now)

	if node.IsSession {
		if err := s.writeSessionStart(node, execID); err != nil {
			s.concludeSkipped(x, err)
			return err
		}
	}

	s.bus.Publish(types.Event{
		Name: types.EventNodeStarted, Source: "scheduler",
		Data: map[string]any{"node_id": node.ID, "execution_id": execID},
	})
	logging.Scheduler("dispatch %s (%s, priority %s, timeout %v, attempt %d)",
		node.ID, cand.firing.Kind, cand.priority, timeout, cand.attempt+1)

	s.wg.Add(1)
	go s.work(execCtx, x, state, timeout)
	return nil
}

// work runs the executor with timeout and grace handling, then routes the
// outcome. Runs on its own goroutine holding one slot.
func (s *Scheduler) work(ctx context.Context, x *execution, state types.GlobalState, timeout time.Duration) {
	defer s.wg.Done()
	defer func() { <-s.slots }()

	runCtx, cancelRun := context.WithTimeout(ctx, timeout)
	defer cancelRun()

	ec := types.ExecContext{
		State:            state,
		ExecutionID:      x.id,
		ReservationToken: x.token,
		TriggeringEvent:  x.firing.Reason,
		Log: func(format string, args ...interface{}) {
			logging.Node("[%s %s] "+format, append([]interface{}{x.node.ID, x.id[:8]}, args...)...)
		},
	}

	type outcome struct {
		result *types.NodeResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := x.node.Executor.Execute(runCtx, ec)
		done <- outcome{result: res, err: err}
	}()

	grace := timeout / 10
	if grace < time.Second {
		grace = time.Second
	}

	select {
	case out := <-done:
		if !x.finish() {
			return
		}
		if out.err != nil {
			if runCtx.Err() != nil {
				s.concludeTimeout(x)
			} else {
				s.concludeError(x, out.err)
			}
			return
		}
		s.concludeSuccess(x, out.result)
	case <-runCtx.Done():
		// Cancellation signalled; give the executor a grace period to
		// unwind before the slot is reclaimed.
		select {
		case out := <-done:
			if !x.finish() {
				return
			}
			if out.err == nil && ctx.Err() == nil {
				// Finished inside the grace window.
				s.concludeSuccess(x, out.result)
				return
			}
			s.concludeTimeout(x)
		case <-time.After(grace):
			if !x.finish() {
				return
			}
			logging.Get(logging.CategoryScheduler).Warn(
				"%s did not stop within grace %v, abandoning worker", x.node.ID, grace)
			s.concludeTimeout(x)
		}
	}
}

func (s *Scheduler) concludeSuccess(x *execution, result *types.NodeResult) {
	defer s.remove(x)
	now := s.clk.Now()
	if result == nil {
		result = &types.NodeResult{}
	}

	actual := result.DollarsUsed
	if err := s.budget.Settle(x.token, actual); err != nil {
		logging.Get(logging.CategoryScheduler).Error("%s: settle: %v", x.node.ID, err)
	}

	// Delta before record: a chain successor must observe both, and the
	// chain check reads records, so the record commits last.
	if result.StateDelta != nil {
		delta := result.StateDelta
		delta.Source = x.node.ID
		if _, err := s.bus.WriteDelta(delta); err != nil {
			logging.Get(logging.CategoryScheduler).Warn("%s: result delta rejected: %v", x.node.ID, err)
		}
	}
	if x.node.IsSession {
		s.writeSessionEnd(x.node, x.id)
	}

	if err := s.persist.CloseRecord(x.id, now, types.OutcomeOK, result.TokensUsed, actual, ""); err != nil {
		s.reportFatal(err)
	}

	s.bus.Publish(types.Event{
		Name: types.EventNodeCompleted, Source: "scheduler",
		Data: map[string]any{"node_id": x.node.ID, "execution_id": x.id, "dollars": actual},
	})
	logging.Scheduler("%s completed ($%.2f, %d tokens)", x.node.ID, actual, result.TokensUsed)

	for _, target := range result.ChainTo {
		if err := s.Dispatch(target, fmt.Sprintf("chained from %s", x.node.ID)); err != nil {
			logging.Get(logging.CategoryScheduler).Warn("%s: chain_to %s: %v", x.node.ID, target, err)
		}
	}
	for _, target := range result.RequestNodes {
		s.eval.Request(x.node.ID, target)
	}
}

func (s *Scheduler) concludeError(x *execution, execErr error) {
	defer s.remove(x)
	now := s.clk.Now()

	// The executor may have been billed before failing; free cost classes
	// skip the minimum charge.
	if err := s.budget.Release(x.token, x.node.CostClass != types.CostFree); err != nil {
		logging.Get(logging.CategoryScheduler).Error("%s: release: %v", x.node.ID, err)
	}
	if x.node.IsSession {
		s.writeSessionEnd(x.node, x.id)
	}
	if err := s.persist.CloseRecord(x.id, now, types.OutcomeError, 0, 0, execErr.Error()); err != nil {
		s.reportFatal(err)
	}
	s.bus.Publish(types.Event{
		Name: types.EventNodeErrored, Source: "scheduler",
		Data: map[string]any{"node_id": x.node.ID, "execution_id": x.id, "error": execErr.Error()},
	})
	logging.Scheduler("%s errored: %v", x.node.ID, execErr)

	s.maybeRetry(x)
}

func (s *Scheduler) concludeTimeout(x *execution) {
	defer s.remove(x)
	now := s.clk.Now()

	if err := s.budget.Release(x.token, x.node.CostClass != types.CostFree); err != nil {
		logging.Get(logging.CategoryScheduler).Error("%s: release: %v", x.node.ID, err)
	}
	if x.node.IsSession {
		s.writeSessionEnd(x.node, x.id)
	}
	if err := s.persist.CloseRecord(x.id, now, types.OutcomeCancelled, 0, 0, "timeout"); err != nil {
		s.reportFatal(err)
	}
	s.bus.Publish(types.Event{
		Name: types.EventNodeTimeout, Source: "scheduler",
		Data: map[string]any{"node_id": x.node.ID, "execution_id": x.id},
	})
	logging.Scheduler("%s timed out", x.node.ID)
}

// concludeSkipped unwinds a dispatch that failed before the worker started.
func (s *Scheduler) concludeSkipped(x *execution, cause error) {
	defer s.remove(x)
	x.finish()
	s.budget.Release(x.token, false)
	if err := s.persist.CloseRecord(x.id, s.clk.Now(), types.OutcomeError, 0, 0, cause.Error()); err != nil {
		s.reportFatal(err)
	}
	logging.Get(logging.CategoryScheduler).Error("%s failed to start: %v", x.node.ID, cause)
}

func (s *Scheduler) maybeRetry(x *execution) {
	policy := x.node.Retry
	if policy == nil || x.attempt+1 >= policy.MaxAttempts {
		return
	}
	attempt := x.attempt + 1
	backoff := policy.Backoff
	logging.Scheduler("%s retry %d/%d in %v", x.node.ID, attempt+1, policy.MaxAttempts, backoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-s.quit:
				return
			}
		}
		s.mu.Lock()
		if len(s.manual) < manualQueueCap {
			s.manual = append(s.manual, manualRequest{
				nodeID:  x.node.ID,
				reason:  fmt.Sprintf("retry %d after error", attempt+1),
				attempt: attempt,
				at:      s.clk.Now(),
			})
		}
		s.mu.Unlock()
		s.Kick()
	}()
}

func (s *Scheduler) writeSessionStart(node types.CognitiveNode, execID string) error {
	_, err := s.bus.WriteDelta(&types.StateDelta{
		Source: "scheduler",
		Reason: fmt.Sprintf("session start %s", node.ID),
		Set: map[string]string{
			"current_activity":  string(activityFor(node.Category)),
			"active_session_id": execID,
		},
		Event:     types.EventSessionStarted,
		EventData: map[string]any{"node_id": node.ID, "session_id": execID},
	})
	return err
}

func (s *Scheduler) writeSessionEnd(node types.CognitiveNode, execID string) {
	state := s.bus.Read()
	if state.ActiveSessionID != execID {
		// A chat preemption already displaced this session.
		return
	}
	_, err := s.bus.WriteDelta(&types.StateDelta{
		Source: "scheduler",
		Reason: fmt.Sprintf("session end %s", node.ID),
		Set: map[string]string{
			"current_activity":  string(types.ActivityIdle),
			"active_session_id": "",
		},
		Event: types.EventSessionEnded,
		EventData: map[string]any{
			"node_id": node.ID, "session_id": execID,
			"activity": string(activityFor(node.Category)),
		},
	})
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("%s: session end delta: %v", node.ID, err)
	}
}

func (s *Scheduler) checkDayRollover(now time.Time) {
	epoch := clock.DayEpoch(now)
	s.mu.Lock()
	stale := epoch > s.dayEpoch
	if stale {
		s.dayEpoch = epoch
	}
	s.mu.Unlock()
	if !stale {
		return
	}

	logging.Scheduler("day rolled to epoch %d", epoch)
	if err := s.budget.Rollover(epoch); err != nil {
		s.reportFatal(err)
		return
	}
	if _, err := s.bus.WriteDelta(&types.StateDelta{
		Source:    "clock",
		Reason:    "local midnight",
		DayEpoch:  &epoch,
		Event:     types.EventDayRolled,
		EventData: map[string]any{"day_epoch": epoch},
	}); err != nil {
		logging.Get(logging.CategoryScheduler).Error("day rollover delta: %v", err)
	}

	if s.pruner != nil {
		if n, err := s.pruner.PruneRecords(now.AddDate(0, 0, -s.cfg.RetentionDays), s.cfg.RetentionCount); err == nil && n > 0 {
			logging.Scheduler("pruned %d old records", n)
		}
	}
}

func (s *Scheduler) remove(x *execution) {
	x.cancel()
	s.mu.Lock()
	if cur, ok := s.inflight[x.node.ID]; ok && cur.id == x.id {
		delete(s.inflight, x.node.ID)
	}
	s.mu.Unlock()
}

func (s *Scheduler) cancelAll() {
	s.mu.Lock()
	for _, x := range s.inflight {
		x.cancel()
	}
	s.mu.Unlock()
}

func (s *Scheduler) timeoutFor(class types.CostClass) time.Duration {
	if d, ok := s.cfg.Timeouts[class]; ok && d > 0 {
		return d
	}
	return class.DefaultTimeout()
}

func (s *Scheduler) reportFatal(err error) {
	logging.Get(logging.CategoryScheduler).Error("fatal: %v", err)
	select {
	case s.fatal <- err:
	default:
	}
}

func activityFor(cat types.Category) types.Activity {
	switch cat {
	case types.CategoryChat:
		return types.ActivityChat
	case types.CategoryResearch, types.CategoryCuriosity:
		return types.ActivityResearch
	case types.CategoryReflection, types.CategoryGrowth:
		return types.ActivityReflection
	case types.CategoryDream:
		return types.ActivityDreaming
	case types.CategoryJournal, types.CategoryMemory:
		return types.ActivityJournal
	}
	return types.ActivityOther
}
