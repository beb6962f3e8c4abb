// Package config loads and validates the reverie kernel configuration.
// Configuration comes from a YAML file layered over DefaultConfig, with a
// small set of environment overrides on top.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"reverie/internal/types"
)

// Config holds all reverie configuration.
type Config struct {
	// Workspace is the root directory for logs, the database, and state.
	Workspace string `yaml:"workspace"`

	Budget    BudgetConfig    `yaml:"budget"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Rhythm    RhythmConfig    `yaml:"rhythm"`
	Decay     DecayConfig     `yaml:"decay"`
	Store     StoreConfig     `yaml:"store"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BudgetConfig configures daily spend caps.
type BudgetConfig struct {
	DailyBudgetUSD float64 `yaml:"daily_budget_usd"`

	// CategoryAllocations maps category -> fraction of the daily budget.
	// Fractions must sum to <= 1; the remainder joins the reserve pool.
	CategoryAllocations map[string]float64 `yaml:"category_allocations"`

	// ReserveFraction is the slice of the daily budget held back for
	// priority overrides.
	ReserveFraction float64 `yaml:"reserve_fraction"`

	// MinimumChargeUSD is charged when a released reservation already made
	// an LLM call.
	MinimumChargeUSD float64 `yaml:"minimum_charge_usd"`
}

// SchedulerConfig configures the dispatch loop.
type SchedulerConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	QuietWindow    time.Duration `yaml:"quiet_window"` // NodeRequest suppression window
	RetentionDays  int           `yaml:"retention_days"`
	RetentionCount int           `yaml:"retention_count"`

	// Timeouts override the per-cost-class execution timeouts.
	Timeouts map[string]time.Duration `yaml:"timeouts"`
}

// RhythmConfig configures the daily phase schedule.
type RhythmConfig struct {
	// PhaseSchedule maps phase name -> HH:MM boundary.
	PhaseSchedule map[string]string `yaml:"phase_schedule"`
	Timezone      string            `yaml:"timezone"`
}

// DecayConfig configures the emotional baseline pull.
type DecayConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`

	// Baseline maps emotional field -> resting value.
	Baseline map[string]float64 `yaml:"baseline"`

	// Rates maps emotional field -> per-tick pull fraction toward baseline.
	Rates map[string]float64 `yaml:"rates"`

	// DefaultRate applies to fields without an explicit rate.
	DefaultRate float64 `yaml:"default_rate"`

	// MaxDailyDrift bounds the total baseline pull applied to one field in
	// one local day.
	MaxDailyDrift float64 `yaml:"max_daily_drift"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ServerConfig configures the admin API.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Enabled    bool   `yaml:"enabled"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace: ".",
		Budget: BudgetConfig{
			DailyBudgetUSD: 5.00,
			CategoryAllocations: map[string]float64{
				string(types.CategoryChat):       0.25,
				string(types.CategoryResearch):   0.20,
				string(types.CategoryReflection): 0.10,
				string(types.CategoryDream):      0.10,
				string(types.CategoryJournal):    0.05,
				string(types.CategoryMemory):     0.10,
				string(types.CategoryCuriosity):  0.05,
				string(types.CategoryCreative):   0.05,
			},
			ReserveFraction:  0.10,
			MinimumChargeUSD: 0.01,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:  4,
			TickInterval:   5 * time.Second,
			QuietWindow:    10 * time.Minute,
			RetentionDays:  14,
			RetentionCount: 10000,
		},
		Rhythm: RhythmConfig{
			PhaseSchedule: map[string]string{
				"morning":   "06:00",
				"midday":    "12:00",
				"afternoon": "17:00",
				"evening":   "21:00",
				"night":     "00:00",
			},
			Timezone: "Local",
		},
		Decay: DecayConfig{
			TickInterval: 60 * time.Second,
			Baseline: map[string]float64{
				"engagement":            0.3,
				"cognitive_load":        0.1,
				"relational_warmth":     0.5,
				"uncertainty_tolerance": 0.5,
				"curiosity":             0.4,
				"contentment":           0.5,
				"anticipation":          0.3,
				"concern":               0.1,
			},
			DefaultRate:   0.02,
			MaxDailyDrift: 0.5,
		},
		Store: StoreConfig{
			DatabasePath: ".reverie/reverie.db",
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:7433",
			Enabled:    true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path over the defaults. A missing file is not
// an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := unmarshalOver(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// unmarshalOver decodes YAML onto a config pre-filled with defaults. A map
// the file provides replaces the default map wholesale; yaml.Unmarshal on its
// own would merge the file's keys into the defaults, and a partial allocation
// table layered over the default one can push the fraction sum past 1.
func unmarshalOver(data []byte, cfg *Config) error {
	var provided struct {
		Budget struct {
			CategoryAllocations map[string]float64 `yaml:"category_allocations"`
		} `yaml:"budget"`
		Rhythm struct {
			PhaseSchedule map[string]string `yaml:"phase_schedule"`
		} `yaml:"rhythm"`
		Decay struct {
			Baseline map[string]float64 `yaml:"baseline"`
			Rates    map[string]float64 `yaml:"rates"`
		} `yaml:"decay"`
	}
	if err := yaml.Unmarshal(data, &provided); err != nil {
		return err
	}
	if provided.Budget.CategoryAllocations != nil {
		cfg.Budget.CategoryAllocations = nil
	}
	if provided.Rhythm.PhaseSchedule != nil {
		cfg.Rhythm.PhaseSchedule = nil
	}
	if provided.Decay.Baseline != nil {
		cfg.Decay.Baseline = nil
	}
	if provided.Decay.Rates != nil {
		cfg.Decay.Rates = nil
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides layers REVERIE_* environment variables over the loaded
// config. Only operational knobs are overridable.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("REVERIE_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("REVERIE_DAILY_BUDGET_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.DailyBudgetUSD = f
		}
	}
	if v := os.Getenv("REVERIE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxConcurrent = n
		}
	}
	if v := os.Getenv("REVERIE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("REVERIE_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// Validate checks the configuration. Violations are fatal at startup.
func (c *Config) Validate() error {
	if c.Budget.DailyBudgetUSD < 0 {
		return types.NewKernelError(types.KindConfigError, "daily_budget_usd must be >= 0, got %v", c.Budget.DailyBudgetUSD)
	}
	var sum float64
	for cat, frac := range c.Budget.CategoryAllocations {
		if !types.Category(cat).Valid() {
			return types.NewKernelError(types.KindConfigError, "unknown budget category %q", cat)
		}
		if frac < 0 || frac > 1 {
			return types.NewKernelError(types.KindConfigError, "allocation for %s out of range: %v", cat, frac)
		}
		sum += frac
	}
	if sum > 1.0+1e-9 {
		return types.NewKernelError(types.KindConfigError, "category allocations sum to %.3f, must be <= 1", sum)
	}
	if c.Budget.ReserveFraction < 0 || c.Budget.ReserveFraction > 1 {
		return types.NewKernelError(types.KindConfigError, "reserve_fraction out of range: %v", c.Budget.ReserveFraction)
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return types.NewKernelError(types.KindConfigError, "max_concurrent must be > 0")
	}
	if c.Scheduler.TickInterval <= 0 {
		return types.NewKernelError(types.KindConfigError, "tick_interval must be > 0")
	}
	for phase, hhmm := range c.Rhythm.PhaseSchedule {
		if _, err := ParseHHMM(hhmm); err != nil {
			return types.NewKernelError(types.KindConfigError, "phase %s: %v", phase, err)
		}
	}
	for class := range c.Scheduler.Timeouts {
		if !types.CostClass(class).Valid() {
			return types.NewKernelError(types.KindConfigError, "timeout for unknown cost class %q", class)
		}
	}
	for field, v := range c.Decay.Baseline {
		if v < 0 || v > 1 {
			return types.NewKernelError(types.KindConfigError, "baseline for %s out of range: %v", field, v)
		}
	}
	return nil
}

// TimeoutFor returns the execution timeout for a cost class, honoring
// overrides.
func (c *Config) TimeoutFor(class types.CostClass) time.Duration {
	if d, ok := c.Scheduler.Timeouts[string(class)]; ok && d > 0 {
		return d
	}
	return class.DefaultTimeout()
}

// DecayRateFor returns the per-tick pull rate for an emotional field.
func (c *Config) DecayRateFor(field string) float64 {
	if r, ok := c.Decay.Rates[field]; ok {
		return r
	}
	return c.Decay.DefaultRate
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Rhythm.Timezone
	if tz == "" || tz == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// ParseHHMM parses an "HH:MM" boundary into minutes since midnight.
func ParseHHMM(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	h, err := strconv.Atoi(s[:2])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(s[3:])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// SortedAllocations returns allocations in stable category order, for
// display.
func (c *Config) SortedAllocations() []string {
	out := make([]string, 0, len(c.Budget.CategoryAllocations))
	for cat := range c.Budget.CategoryAllocations {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}
