package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced through logs, events, and the admin API. The kind
// strings are stable; clients match on them.
const (
	KindConfigError        = "config_error"
	KindInvalidDelta       = "invalid_delta"
	KindBudgetDenied       = "budget_denied"
	KindExecutorError      = "executor_error"
	KindTimeout            = "timeout"
	KindPersistenceError   = "persistence_error"
	KindInvariantViolation = "invariant_violation"
	KindNotFound           = "not_found"
)

// Sentinel errors for errors.Is checks inside the kernel.
var (
	ErrInvalidDelta     = errors.New("invalid delta")
	ErrBudgetDenied     = errors.New("budget denied")
	ErrDuplicateNode    = errors.New("duplicate node id")
	ErrNodeNotFound     = errors.New("node not found")
	ErrNodeDisabled     = errors.New("node disabled")
	ErrAlreadyInFlight  = errors.New("node already in flight")
	ErrShuttingDown     = errors.New("kernel shutting down")
	ErrReservationStale = errors.New("reservation token stale")
)

// KernelError is the structured error object returned by the admin API.
type KernelError struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	NodeID        string `json:"node_id,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
}

func (e *KernelError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (node=%s)", e.Kind, e.Message, e.NodeID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewKernelError builds a structured error with the given stable kind.
func NewKernelError(kind, format string, args ...interface{}) *KernelError {
	return &KernelError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf maps an error to its stable kind string for API responses.
func KindOf(err error) string {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidDelta):
		return KindInvalidDelta
	case errors.Is(err, ErrBudgetDenied):
		return KindBudgetDenied
	case errors.Is(err, ErrNodeNotFound):
		return KindNotFound
	default:
		return KindExecutorError
	}
}
