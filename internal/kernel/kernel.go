// Package kernel is the composition root: it wires persistence, the state
// bus, budget, registry, triggers, the scheduler, and the admin API into one
// runnable process, and owns startup/shutdown ordering.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"reverie/internal/budget"
	"reverie/internal/clock"
	"reverie/internal/config"
	"reverie/internal/executor"
	"reverie/internal/logging"
	"reverie/internal/registry"
	"reverie/internal/scheduler"
	"reverie/internal/server"
	"reverie/internal/statebus"
	"reverie/internal/store"
	"reverie/internal/trigger"
	"reverie/internal/types"
)

// Exit codes for the run command.
const (
	ExitOK          = 0
	ExitRuntime     = 1
	ExitPersistence = 2
	ExitStartup     = 3
)

// Kernel is the assembled process.
type Kernel struct {
	cfg     *config.Config
	cfgPath string

	clk    clock.Clock
	store  Store
	bus    *statebus.Bus
	budget *budget.Manager
	reg    *registry.Registry
	eval   *trigger.Evaluator
	sched  *scheduler.Scheduler
	decay  *statebus.DecayLoop
	srv    *server.Server // nil when the admin API is disabled
	phases *clock.Phases

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// Store is the concrete persistence contract the kernel opens: full
// Persistence plus retention pruning.
type Store interface {
	types.Persistence
	PruneRecords(cutoff time.Time, keepCount int) (int64, error)
}

// OpenStore is swapped in tests; the default opens the SQLite store.
var OpenStore = defaultOpenStore

// New assembles a kernel from configuration. cfgPath enables hot-reload of
// budget caps; pass "" to disable watching.
func New(cfg *config.Config, cfgPath string) (*Kernel, error) {
	if err := logging.Initialize(cfg.Workspace, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return nil, startupErr("init logging: %v", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, startupErr("resolve timezone %q: %v", cfg.Rhythm.Timezone, err)
	}
	clk := clock.NewSystem(loc)

	st, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	k := &Kernel{
		cfg:     cfg,
		cfgPath: cfgPath,
		clk:     clk,
		store:   st,
	}

	if err := k.assemble(); err != nil {
		st.Close()
		return nil, err
	}
	return k, nil
}

func defaultOpenStore(cfg *config.Config) (Store, error) {
	path := cfg.Store.DatabasePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Workspace, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return store.Open(path)
}

func (k *Kernel) assemble() error {
	cfg := k.cfg

	bus, err := statebus.New(k.store, k.clk, nil)
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	k.bus = bus

	// Crash recovery before anything can dispatch.
	if err := scheduler.Reconcile(k.store, bus); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	params, err := server.BudgetParams(cfg.Budget.DailyBudgetUSD, cfg.Budget.CategoryAllocations,
		cfg.Budget.ReserveFraction, cfg.Budget.MinimumChargeUSD)
	if err != nil {
		return err
	}
	bm, err := budget.New(params, k.store, k.clk, bus)
	if err != nil {
		return fmt.Errorf("restore budget: %w", err)
	}
	k.budget = bm

	reg, err := registry.New(k.store)
	if err != nil {
		return fmt.Errorf("restore registry overlays: %w", err)
	}
	k.reg = reg

	boundaries := make(map[string]int, len(cfg.Rhythm.PhaseSchedule))
	for phase, hhmm := range cfg.Rhythm.PhaseSchedule {
		mins, err := config.ParseHHMM(hhmm)
		if err != nil {
			return startupErr("phase %s: %v", phase, err)
		}
		boundaries[phase] = mins
	}
	k.phases = clock.NewPhases(boundaries)

	k.eval = trigger.New(reg, k.store, k.clk, k.phases, trigger.Options{
		QuietWindow: cfg.Scheduler.QuietWindow,
	})

	timeouts := make(map[types.CostClass]time.Duration, len(cfg.Scheduler.Timeouts))
	for class, d := range cfg.Scheduler.Timeouts {
		timeouts[types.CostClass(class)] = d
	}
	k.sched = scheduler.New(scheduler.Config{
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		TickInterval:   cfg.Scheduler.TickInterval,
		Timeouts:       timeouts,
		RetentionDays:  cfg.Scheduler.RetentionDays,
		RetentionCount: cfg.Scheduler.RetentionCount,
	}, bus, bm, reg, k.eval, k.store, k.clk, k.store)

	k.decay = statebus.NewDecayLoop(bus, k.clk, statebus.DecayParams{
		Interval:      cfg.Decay.TickInterval,
		Baseline:      cfg.Decay.Baseline,
		Rates:         cfg.Decay.Rates,
		DefaultRate:   cfg.Decay.DefaultRate,
		MaxDailyDrift: cfg.Decay.MaxDailyDrift,
	})

	if cfg.Server.Enabled {
		k.srv = server.New(cfg.Server.ListenAddr, bus, bm, reg, k.sched, k.store, k.Stop)
	}

	if err := k.registerSystemNodes(); err != nil {
		return err
	}

	// Startup retention pass; rollover repeats it daily.
	cutoff := k.clk.Now().AddDate(0, 0, -cfg.Scheduler.RetentionDays)
	if n, err := k.store.PruneRecords(cutoff, cfg.Scheduler.RetentionCount); err == nil && n > 0 {
		logging.Boot("pruned %d old execution records", n)
	}
	return nil
}

// registerSystemNodes installs the built-in nodes every kernel carries.
func (k *Kernel) registerSystemNodes() error {
	triggers := make([]types.Trigger, 0, len(k.cfg.Rhythm.PhaseSchedule)+1)
	for phase := range k.cfg.Rhythm.PhaseSchedule {
		triggers = append(triggers, types.Trigger{Kind: types.TriggerSchedule, Spec: "@" + phase})
	}
	triggers = append(triggers, types.Trigger{Kind: types.TriggerManual})

	err := k.reg.Register(types.CognitiveNode{
		ID:        "rhythm.phase_check",
		Category:  types.CategorySystem,
		CostClass: types.CostFree,
		Priority:  types.PriorityHigh,
		Enabled:   true,
		Triggers:  triggers,
		Executor:  executor.PhaseCheck(k.clk, k.phases),
	})
	if err != nil {
		return startupErr("register rhythm.phase_check: %v", err)
	}
	return nil
}

// Register installs an application node. Call before Run.
func (k *Kernel) Register(node types.CognitiveNode) error {
	return k.reg.Register(node)
}

// Registry exposes the node table for embedding callers.
func (k *Kernel) Registry() *registry.Registry { return k.reg }

// Scheduler exposes the dispatch loop for embedding callers.
func (k *Kernel) Scheduler() *scheduler.Scheduler { return k.sched }

// Bus exposes the state bus for embedding callers.
func (k *Kernel) Bus() *statebus.Bus { return k.bus }

// Stop requests a graceful shutdown. Safe to call from any goroutine and
// more than once.
func (k *Kernel) Stop() {
	k.stopOnce.Do(func() {
		if k.cancel != nil {
			k.cancel()
		}
	})
}

// Run drives the kernel until the context is cancelled or a fatal error
// occurs, then shuts down in dependency order. Map the returned error to an
// exit code with ExitCode.
func (k *Kernel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	defer cancel()

	logging.Boot("reverie starting (workspace %s, %d nodes)", k.cfg.Workspace, len(k.reg.List()))

	// Feed bus events into trigger evaluation; wake the loop when a write
	// touches a watched threshold field.
	unsubscribe := k.bus.Subscribe(nil, func(ev types.Event) {
		k.eval.OnEvent(ev)
		if ev.Name != types.EventStateChanged {
			return
		}
		fields, _ := ev.Data["fields"].([]string)
		for _, field := range fields {
			if k.eval.WatchesField(field) {
				k.sched.Kick()
				return
			}
		}
	})
	defer unsubscribe()

	var watcher *config.Watcher
	if k.cfgPath != "" {
		w, err := config.NewWatcher(k.cfgPath, k.onConfigReload)
		if err != nil {
			logging.Get(logging.CategoryBoot).Warn("config watch disabled: %v", err)
		} else {
			watcher = w
			defer watcher.Close()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		k.sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		k.decay.Run(ctx)
		return nil
	})
	if k.srv != nil {
		g.Go(func() error { return k.srv.Run(ctx) })
	}
	g.Go(func() error {
		select {
		case err := <-k.sched.Fatal():
			return fmt.Errorf("scheduler: %w", err)
		case <-ctx.Done():
			return nil
		}
	})

	runErr := g.Wait()

	// Shutdown order: loop drained above, then flush state, then close the
	// store under it.
	if err := k.bus.Flush(); err != nil {
		logging.Get(logging.CategoryBoot).Error("flush state: %v", err)
		if runErr == nil {
			runErr = fmt.Errorf("flush state: %w", err)
		}
	}
	if err := k.store.Close(); err != nil {
		logging.Get(logging.CategoryBoot).Error("close store: %v", err)
	}
	logging.Boot("reverie stopped")
	logging.CloseAll()
	return runErr
}

// onConfigReload applies the subset of config that is safe to change live.
func (k *Kernel) onConfigReload(cfg *config.Config) {
	params, err := server.BudgetParams(cfg.Budget.DailyBudgetUSD, cfg.Budget.CategoryAllocations,
		cfg.Budget.ReserveFraction, cfg.Budget.MinimumChargeUSD)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("config reload rejected: %v", err)
		return
	}
	if err := k.budget.UpdateParams(params); err != nil {
		logging.Get(logging.CategoryBoot).Error("apply budget config: %v", err)
		return
	}
	logging.Boot("budget config reloaded: $%.2f/day", cfg.Budget.DailyBudgetUSD)
}

func startupErr(format string, args ...interface{}) error {
	return types.NewKernelError(types.KindInvariantViolation, format, args...)
}

// ExitCode maps a Run or New error onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ke *types.KernelError
	if errors.As(err, &ke) {
		switch ke.Kind {
		case types.KindPersistenceError:
			return ExitPersistence
		case types.KindConfigError, types.KindInvariantViolation:
			return ExitStartup
		}
	}
	return ExitRuntime
}
