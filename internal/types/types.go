// Package types provides shared type definitions used across reverie packages.
// This package exists to break import cycles between the scheduler, state bus,
// and budget manager. Types in this package should be foundational data
// structures with no complex dependencies.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// ENUMS
// =============================================================================

// Activity is the entity's single current activity.
type Activity string

const (
	ActivityIdle       Activity = "idle"
	ActivityChat       Activity = "chat"
	ActivityResearch   Activity = "research"
	ActivityReflection Activity = "reflection"
	ActivityDreaming   Activity = "dreaming"
	ActivityJournal    Activity = "journal"
	ActivityOther      Activity = "other"
)

// Valid reports whether a is a known activity.
func (a Activity) Valid() bool {
	switch a {
	case ActivityIdle, ActivityChat, ActivityResearch, ActivityReflection,
		ActivityDreaming, ActivityJournal, ActivityOther:
		return true
	}
	return false
}

// Category groups cognitive nodes for budget allocation and listing.
type Category string

const (
	CategorySystem     Category = "system"
	CategoryJournal    Category = "journal"
	CategoryMemory     Category = "memory"
	CategoryResearch   Category = "research"
	CategoryReflection Category = "reflection"
	CategoryGrowth     Category = "growth"
	CategoryCuriosity  Category = "curiosity"
	CategoryCreative   Category = "creative"
	CategoryDream      Category = "dream"
	CategoryChat       Category = "chat"
)

// AllCategories lists every node category in listing order.
func AllCategories() []Category {
	return []Category{
		CategorySystem, CategoryJournal, CategoryMemory, CategoryResearch,
		CategoryReflection, CategoryGrowth, CategoryCuriosity,
		CategoryCreative, CategoryDream, CategoryChat,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// CostClass is the coarse budget class of a node. Its default estimated cost
// gates admission; actuals override the estimate on completion.
type CostClass string

const (
	CostFree     CostClass = "free"
	CostLight    CostClass = "light"
	CostSession  CostClass = "session"
	CostResearch CostClass = "research"
	CostDream    CostClass = "dream"
)

// DefaultEstimateUSD returns the heuristic dollar cost for the class.
func (c CostClass) DefaultEstimateUSD() float64 {
	switch c {
	case CostLight:
		return 0.03
	case CostSession:
		return 0.15
	case CostResearch:
		return 0.30
	case CostDream:
		return 0.20
	default:
		return 0
	}
}

// DefaultTimeout returns the execution timeout for the class.
func (c CostClass) DefaultTimeout() time.Duration {
	switch c {
	case CostFree:
		return 5 * time.Second
	case CostLight:
		return 30 * time.Second
	case CostSession:
		return 10 * time.Minute
	case CostResearch:
		return 20 * time.Minute
	case CostDream:
		return 15 * time.Minute
	default:
		return 30 * time.Second
	}
}

// Valid reports whether c is a known cost class.
func (c CostClass) Valid() bool {
	switch c {
	case CostFree, CostLight, CostSession, CostResearch, CostDream:
		return true
	}
	return false
}

// Priority orders ready nodes; higher runs first.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name to its value.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "idle":
		return PriorityIdle, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler so priorities serialize as names.
func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Outcome is the terminal status of a node execution.
type Outcome string

const (
	OutcomeRunning        Outcome = "running"
	OutcomeOK             Outcome = "ok"
	OutcomeError          Outcome = "error"
	OutcomeSkippedBudget  Outcome = "skipped_budget"
	OutcomeSkippedTrigger Outcome = "skipped_trigger"
	OutcomeCancelled      Outcome = "cancelled"
)

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool { return o != OutcomeRunning }

// =============================================================================
// GLOBAL STATE
// =============================================================================

// NarrativeCap bounds the active_threads and active_questions sets.
const NarrativeCap = 32

// EmotionalState holds the bounded emotional fields. Every field stays in
// [0,1]; merges clamp rather than reject.
type EmotionalState struct {
	Engagement           float64 `json:"engagement"`
	CognitiveLoad        float64 `json:"cognitive_load"`
	RelationalWarmth     float64 `json:"relational_warmth"`
	UncertaintyTolerance float64 `json:"uncertainty_tolerance"`
	Curiosity            float64 `json:"curiosity"`
	Contentment          float64 `json:"contentment"`
	Anticipation         float64 `json:"anticipation"`
	Concern              float64 `json:"concern"`
}

// EmotionalFieldNames lists the emotional fields in canonical order.
func EmotionalFieldNames() []string {
	return []string{
		"engagement", "cognitive_load", "relational_warmth",
		"uncertainty_tolerance", "curiosity", "contentment",
		"anticipation", "concern",
	}
}

// GlobalState is the single process-wide cognitive state record. It is owned
// by the state bus; everything else reads snapshots.
type GlobalState struct {
	Emotional EmotionalState `json:"emotional"`

	// Meta
	CoherenceConfidence float64 `json:"coherence_confidence"`
	EnergyAvailable     float64 `json:"energy_available"`

	// Auxiliary bounded signals written by nodes (e.g. unresolved_tension).
	// Same clamp rules as emotional fields.
	Signals map[string]float64 `json:"signals,omitempty"`

	// Activity
	CurrentActivity Activity `json:"current_activity"`
	ActiveSessionID string   `json:"active_session_id,omitempty"`
	ActiveUserID    string   `json:"active_user_id,omitempty"`

	// Rhythm
	RhythmPhase      string `json:"rhythm_phase"`
	RhythmDaySummary string `json:"rhythm_day_summary,omitempty"`
	DayEpoch         int    `json:"day_epoch"`

	// Narrative
	ActiveThreads   []string `json:"active_threads,omitempty"`
	ActiveQuestions []string `json:"active_questions,omitempty"`

	// Audit
	LastUpdated   time.Time `json:"last_updated"`
	LastUpdatedBy string    `json:"last_updated_by"`
	Revision      uint64    `json:"revision"`
}

// DefaultState returns the state used when no snapshot exists.
func DefaultState() GlobalState {
	return GlobalState{
		Emotional: EmotionalState{
			Engagement:           0.3,
			CognitiveLoad:        0.1,
			RelationalWarmth:     0.5,
			UncertaintyTolerance: 0.5,
			Curiosity:            0.4,
			Contentment:          0.5,
			Anticipation:         0.3,
			Concern:              0.1,
		},
		CoherenceConfidence: 0.5,
		EnergyAvailable:     1.0,
		CurrentActivity:     ActivityIdle,
		RhythmPhase:         "night",
	}
}

// Clone returns a deep copy of the state.
func (s GlobalState) Clone() GlobalState {
	out := s
	if s.Signals != nil {
		out.Signals = make(map[string]float64, len(s.Signals))
		for k, v := range s.Signals {
			out.Signals[k] = v
		}
	}
	out.ActiveThreads = append([]string(nil), s.ActiveThreads...)
	out.ActiveQuestions = append([]string(nil), s.ActiveQuestions...)
	return out
}

// Numeric returns the named bounded numeric field. Emotional fields, the meta
// fields, and auxiliary signals are addressable; unknown names return false.
func (s *GlobalState) Numeric(name string) (float64, bool) {
	switch name {
	case "engagement":
		return s.Emotional.Engagement, true
	case "cognitive_load":
		return s.Emotional.CognitiveLoad, true
	case "relational_warmth":
		return s.Emotional.RelationalWarmth, true
	case "uncertainty_tolerance":
		return s.Emotional.UncertaintyTolerance, true
	case "curiosity":
		return s.Emotional.Curiosity, true
	case "contentment":
		return s.Emotional.Contentment, true
	case "anticipation":
		return s.Emotional.Anticipation, true
	case "concern":
		return s.Emotional.Concern, true
	case "coherence_confidence":
		return s.CoherenceConfidence, true
	case "energy_available":
		return s.EnergyAvailable, true
	}
	if s.Signals != nil {
		if v, ok := s.Signals[name]; ok {
			return v, true
		}
	}
	return 0, false
}

// SetNumeric writes the named bounded field, clamping to [0,1]. Unknown names
// land in the Signals map. Only the state bus writer should call this.
func (s *GlobalState) SetNumeric(name string, v float64) {
	v = Clamp01(v)
	switch name {
	case "engagement":
		s.Emotional.Engagement = v
	case "cognitive_load":
		s.Emotional.CognitiveLoad = v
	case "relational_warmth":
		s.Emotional.RelationalWarmth = v
	case "uncertainty_tolerance":
		s.Emotional.UncertaintyTolerance = v
	case "curiosity":
		s.Emotional.Curiosity = v
	case "contentment":
		s.Emotional.Contentment = v
	case "anticipation":
		s.Emotional.Anticipation = v
	case "concern":
		s.Emotional.Concern = v
	case "coherence_confidence":
		s.CoherenceConfidence = v
	case "energy_available":
		s.EnergyAvailable = v
	default:
		if s.Signals == nil {
			s.Signals = make(map[string]float64)
		}
		s.Signals[name] = v
	}
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// =============================================================================
// STATE DELTA
// =============================================================================

// StateDelta is a partial, auditable update to GlobalState. Deltas are merged
// by the bus, never raw-overwritten: numeric fields add (clamped), set fields
// union or remove, scalar replacements may carry an old-value expectation.
type StateDelta struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`

	// Numeric adds keyed by field name (emotional, meta, or signal).
	Numeric map[string]float64 `json:"numeric,omitempty"`

	// Scalar replacements keyed by field name. Recognized keys:
	// current_activity, active_session_id, active_user_id, rhythm_phase,
	// rhythm_day_summary.
	Set map[string]string `json:"set,omitempty"`

	// Optional compare-and-swap expectations for keys in Set. A mismatch
	// rejects the delta with ErrInvalidDelta.
	Expect map[string]string `json:"expect,omitempty"`

	// DayEpoch advances the local-day index. Never moves backwards.
	DayEpoch *int `json:"day_epoch,omitempty"`

	AddThreads      []string `json:"add_threads,omitempty"`
	RemoveThreads   []string `json:"remove_threads,omitempty"`
	AddQuestions    []string `json:"add_questions,omitempty"`
	RemoveQuestions []string `json:"remove_questions,omitempty"`

	// Event, if set, is published alongside state.changed after the merge.
	Event     string         `json:"event,omitempty"`
	EventData map[string]any `json:"event_data,omitempty"`
}

// Empty reports whether the delta carries no changes (events excluded).
func (d *StateDelta) Empty() bool {
	return len(d.Numeric) == 0 && len(d.Set) == 0 && d.DayEpoch == nil &&
		len(d.AddThreads) == 0 && len(d.RemoveThreads) == 0 &&
		len(d.AddQuestions) == 0 && len(d.RemoveQuestions) == 0
}

// =============================================================================
// COGNITIVE NODES
// =============================================================================

// TriggerKind tags the trigger variants.
type TriggerKind string

const (
	TriggerSchedule       TriggerKind = "schedule"
	TriggerStateThreshold TriggerKind = "state_threshold"
	TriggerEvent          TriggerKind = "event"
	TriggerChain          TriggerKind = "chain"
	TriggerNodeRequest    TriggerKind = "node_request"
	TriggerManual         TriggerKind = "manual"
)

// Trigger is a tagged union of the trigger variants. Only the fields for the
// declared Kind are meaningful.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// Schedule
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// StateThreshold
	Expression string        `json:"expression,omitempty"`
	Debounce   time.Duration `json:"debounce,omitempty"`

	// Event
	EventName   string            `json:"event_name,omitempty"`
	EventFilter map[string]string `json:"event_filter,omitempty"`

	// Chain
	AfterNodes []string `json:"after_nodes,omitempty"`

	// NodeRequest
	FromAllowlist []string `json:"from_allowlist,omitempty"`
}

// RetryPolicy is the opt-in retry declaration for a node. Each attempt
// re-reserves budget independently.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

// CognitiveNode is the static declaration of a schedulable unit of work.
// Registered once at startup; enabled/disabled but never redefined.
type CognitiveNode struct {
	ID        string       `json:"id"`
	Category  Category     `json:"category"`
	CostClass CostClass    `json:"cost_class"`
	Priority  Priority     `json:"priority"`
	Enabled   bool         `json:"enabled"`
	IsSession bool         `json:"is_session"`
	Triggers  []Trigger    `json:"triggers"`
	Retry     *RetryPolicy `json:"retry,omitempty"`

	// Executor is the capability invoked on dispatch. Never introspected.
	Executor Executor `json:"-"`
}

// Validate checks the declaration is complete.
func (n *CognitiveNode) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node id required")
	}
	if !n.Category.Valid() {
		return fmt.Errorf("node %s: unknown category %q", n.ID, n.Category)
	}
	if !n.CostClass.Valid() {
		return fmt.Errorf("node %s: unknown cost class %q", n.ID, n.CostClass)
	}
	if n.Executor == nil {
		return fmt.Errorf("node %s: executor required", n.ID)
	}
	if len(n.Triggers) == 0 {
		return fmt.Errorf("node %s: at least one trigger required", n.ID)
	}
	for i, tr := range n.Triggers {
		switch tr.Kind {
		case TriggerSchedule:
			if tr.Spec == "" {
				return fmt.Errorf("node %s: trigger %d: schedule spec required", n.ID, i)
			}
		case TriggerStateThreshold:
			if tr.Expression == "" {
				return fmt.Errorf("node %s: trigger %d: threshold expression required", n.ID, i)
			}
		case TriggerEvent:
			if tr.EventName == "" {
				return fmt.Errorf("node %s: trigger %d: event name required", n.ID, i)
			}
		case TriggerChain:
			if len(tr.AfterNodes) == 0 {
				return fmt.Errorf("node %s: trigger %d: chain needs predecessor ids", n.ID, i)
			}
		case TriggerNodeRequest, TriggerManual:
			// No extra fields.
		default:
			return fmt.Errorf("node %s: trigger %d: unknown kind %q", n.ID, i, tr.Kind)
		}
	}
	return nil
}

// NodeResult is what an executor hands back to the scheduler.
type NodeResult struct {
	Output       string      `json:"output,omitempty"`
	StateDelta   *StateDelta `json:"state_delta,omitempty"`
	ChainTo      []string    `json:"chain_to,omitempty"`
	RequestNodes []string    `json:"request_nodes,omitempty"`
	TokensUsed   int         `json:"tokens_used"`
	DollarsUsed  float64     `json:"dollars_used"`
}

// =============================================================================
// EXECUTION RECORDS
// =============================================================================

// ExecutionRecord is the append-only audit row for one dispatch.
type ExecutionRecord struct {
	ID              string    `json:"id"`
	NodeID          string    `json:"node_id"`
	Started         time.Time `json:"started"`
	Ended           time.Time `json:"ended,omitempty"` // zero while in flight
	Outcome         Outcome   `json:"outcome"`
	DollarsUsed     float64   `json:"dollars_used"`
	TokensUsed      int       `json:"tokens_used"`
	TriggeringEvent string    `json:"triggering_event,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// RecordFilter selects execution records for history queries.
type RecordFilter struct {
	NodeID  string
	Since   time.Time
	Until   time.Time
	Outcome Outcome
	Limit   int
}

// =============================================================================
// BUDGET LEDGER
// =============================================================================

// CategoryLedger tracks one category's slice of the daily budget.
type CategoryLedger struct {
	Allocated float64 `json:"allocated"`
	Reserved  float64 `json:"reserved"`
	Spent     float64 `json:"spent"`
}

// Reservation is a pending budget hold identified by token.
type Reservation struct {
	Token       string    `json:"token"`
	NodeID      string    `json:"node_id"`
	ExecutionID string    `json:"execution_id"`
	Category    Category  `json:"category"`
	CostClass   CostClass `json:"cost_class"`
	Estimate    float64   `json:"estimate"`
	FromReserve float64   `json:"from_reserve"` // portion drawn from the reserve pool
	Created     time.Time `json:"created"`
}

// BudgetLedger is one local day's spend accounting. Reset at the day_epoch
// boundary; the prior day's ledger is archived.
type BudgetLedger struct {
	DayEpoch     int                          `json:"day_epoch"`
	DailyBudget  float64                      `json:"daily_budget"`
	DailySpent   float64                      `json:"daily_spent"`
	ReservePool  float64                      `json:"reserve_pool"`
	ReserveDrawn float64                      `json:"reserve_drawn"`
	Categories   map[Category]*CategoryLedger `json:"categories"`
	Reservations map[string]*Reservation      `json:"reservations"`
}

// Clone returns a deep copy of the ledger.
func (l *BudgetLedger) Clone() *BudgetLedger {
	out := *l
	out.Categories = make(map[Category]*CategoryLedger, len(l.Categories))
	for k, v := range l.Categories {
		cp := *v
		out.Categories[k] = &cp
	}
	out.Reservations = make(map[string]*Reservation, len(l.Reservations))
	for k, v := range l.Reservations {
		cp := *v
		out.Reservations[k] = &cp
	}
	return &out
}

// =============================================================================
// EVENTS
// =============================================================================

// Canonical event names.
const (
	EventStateChanged    = "state.changed"
	EventActivityChanged = "activity.changed"
	EventPhaseChanged    = "phase.changed"
	EventSessionStarted  = "session.started"
	EventSessionEnded    = "session.ended"
	EventNodeReady       = "node.ready"
	EventNodeStarted     = "node.started"
	EventNodeCompleted   = "node.completed"
	EventNodeErrored     = "node.errored"
	EventNodeTimeout     = "node.timeout"
	EventBudgetReserved  = "budget.reserved"
	EventBudgetDenied    = "budget.denied"
	EventBudgetSettled   = "budget.settled"
	EventDayRolled       = "day.rolled"
)

// Event is a kernel-internal notification fanned out to subscribers.
type Event struct {
	Name     string         `json:"name"`
	Source   string         `json:"source"`
	Time     time.Time      `json:"time"`
	Revision uint64         `json:"revision,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}
