package types

import (
	"context"
	"time"
)

// ExecContext is what a node executor receives on dispatch: a consistent
// snapshot of the global state, identifiers for budget and audit correlation,
// and a logger. Cancellation arrives through the context.Context passed to
// Execute; executors must check it at awaitable boundaries.
type ExecContext struct {
	State            GlobalState
	ExecutionID      string
	ReservationToken string
	TriggeringEvent  string

	// Log writes to the node log category for this execution.
	Log func(format string, args ...interface{})
}

// Executor is the capability behind every cognitive node. The scheduler never
// introspects executor internals; adding a new cognitive capability means
// registering a new node with its executor.
type Executor interface {
	Execute(ctx context.Context, ec ExecContext) (*NodeResult, error)
}

// NodeOverlay is the persisted admin overlay for a registered node.
type NodeOverlay struct {
	NodeID           string     `json:"node_id"`
	Enabled          bool       `json:"enabled"`
	PriorityOverride *Priority  `json:"priority_override,omitempty"`
	SuspendedUntil   *time.Time `json:"suspended_until,omitempty"`
}

// Persistence is the durable storage contract. The reference implementation
// is a single SQLite file: ordered-append durability for the record log,
// atomic replace for snapshots and ledgers.
type Persistence interface {
	SaveSnapshot(state GlobalState) error
	LoadSnapshot() (*GlobalState, error) // nil, nil when no snapshot exists

	AppendRecord(rec ExecutionRecord) error
	CloseRecord(id string, ended time.Time, outcome Outcome, tokens int, dollars float64, errMsg string) error
	LoadRecords(filter RecordFilter) ([]ExecutionRecord, error)
	OpenRecords() ([]ExecutionRecord, error)

	SaveLedger(ledger *BudgetLedger) error
	LoadLedger(dayEpoch int) (*BudgetLedger, error) // nil, nil when absent

	SaveNodeOverlay(ov NodeOverlay) error
	LoadNodeOverlays() (map[string]NodeOverlay, error)

	Close() error
}

// EventSink forwards kernel events to an external observer (admin UI,
// metrics collector). Forward must not block.
type EventSink interface {
	Forward(ev Event)
}

// LLMResponse carries the text and accounting of one model call.
type LLMResponse struct {
	Text         string  `json:"text"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// TotalTokens returns input plus output tokens.
func (r *LLMResponse) TotalTokens() int { return r.InputTokens + r.OutputTokens }

// LLMClient is the minimal interface executor adapters use to call a model.
// Implemented outside the kernel by the provider clients.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (*LLMResponse, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (*LLMResponse, error)
}
