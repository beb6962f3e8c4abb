// Package server exposes the admin HTTP API: state inspection, node
// administration, budget control, history queries, and a websocket event
// stream. It is a thin layer over the kernel components; all policy lives
// behind it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"reverie/internal/budget"
	"reverie/internal/logging"
	"reverie/internal/registry"
	"reverie/internal/scheduler"
	"reverie/internal/statebus"
	"reverie/internal/types"
)

// Server is the admin API.
type Server struct {
	bus     *statebus.Bus
	budget  *budget.Manager
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	persist types.Persistence

	// shutdown asks the kernel to stop; wired by the composition root.
	shutdown func()

	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

// New builds the server. The shutdown callback must be safe to call more
// than once.
func New(addr string, bus *statebus.Bus, bm *budget.Manager, reg *registry.Registry, sched *scheduler.Scheduler, persist types.Persistence, shutdown func()) *Server {
	s := &Server{
		bus:      bus,
		budget:   bm,
		reg:      reg,
		sched:    sched,
		persist:  persist,
		shutdown: shutdown,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local admin API; the listener address is the access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /state/events", s.handleStateEvents)
	mux.HandleFunc("GET /nodes", s.handleNodes)
	mux.HandleFunc("PUT /nodes/{id}/enabled", s.handleNodeEnabled)
	mux.HandleFunc("POST /nodes/{id}/dispatch", s.handleNodeDispatch)
	mux.HandleFunc("GET /budget", s.handleBudget)
	mux.HandleFunc("PUT /budget/config", s.handleBudgetConfig)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.API("admin API listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin API: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.httpSrv.Close()
		}
		logging.API("admin API stopped")
		return nil
	}
}

// ===== HANDLERS =====

// stateResponse wraps the snapshot with loop diagnostics.
type stateResponse struct {
	State       types.GlobalState `json:"state"`
	Diagnostics struct {
		Revision      uint64   `json:"revision"`
		DroppedEvents uint64   `json:"dropped_events"`
		Running       []string `json:"running,omitempty"`
	} `json:"diagnostics"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var resp stateResponse
	resp.State = s.bus.Read()
	resp.Diagnostics.Revision = resp.State.Revision
	resp.Diagnostics.DroppedEvents = s.bus.DroppedEvents()
	resp.Diagnostics.Running = s.sched.Running()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStateEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	// One goroutine owns the write side; the subscriber handler feeds it.
	out := make(chan types.Event, 64)
	cancel := s.bus.Subscribe(nil, func(ev types.Event) {
		select {
		case out <- ev:
		default:
			// Slow consumer; the bus-side counter already tracks drops.
		}
	})
	defer cancel()
	logging.API("event stream opened from %s", r.RemoteAddr)

	// Reader loop only notices close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-out:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// nodeView is the listing shape for one registered node.
type nodeView struct {
	ID               string          `json:"id"`
	Category         types.Category  `json:"category"`
	CostClass        types.CostClass `json:"cost_class"`
	Priority         types.Priority  `json:"priority"`
	Enabled          bool            `json:"enabled"`
	IsSession        bool            `json:"is_session"`
	PriorityOverride *types.Priority `json:"priority_override,omitempty"`
	SuspendedUntil   *time.Time      `json:"suspended_until,omitempty"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	entries := s.reg.List()
	out := make([]nodeView, 0, len(entries))
	for _, e := range entries {
		v := nodeView{
			ID:               e.Node.ID,
			Category:         e.Node.Category,
			CostClass:        e.Node.CostClass,
			Priority:         e.EffectivePriority(),
			Enabled:          e.Enabled,
			IsSession:        e.Node.IsSession,
			PriorityOverride: e.PriorityOverride,
			SuspendedUntil:   e.SuspendedUntil,
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

func (s *Server) handleNodeEnabled(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, types.NewKernelError(types.KindConfigError, "invalid body: %v", err))
		return
	}
	if err := s.reg.SetEnabled(id, body.Enabled); err != nil {
		writeKernelError(w, err, id)
		return
	}
	logging.API("node %s enabled=%t", id, body.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": body.Enabled})
}

func (s *Server) handleNodeDispatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sched.Dispatch(id, "admin api"); err != nil {
		writeKernelError(w, err, id)
		return
	}
	logging.API("manual dispatch queued for %s", id)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "queued": true})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.budget.Snapshot())
}

// budgetConfigBody mirrors config.BudgetConfig for the wire.
type budgetConfigBody struct {
	DailyBudgetUSD      float64            `json:"daily_budget_usd"`
	CategoryAllocations map[string]float64 `json:"category_allocations"`
	ReserveFraction     float64            `json:"reserve_fraction"`
	MinimumChargeUSD    float64            `json:"minimum_charge_usd"`
}

func (s *Server) handleBudgetConfig(w http.ResponseWriter, r *http.Request) {
	var body budgetConfigBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, types.NewKernelError(types.KindConfigError, "invalid body: %v", err))
		return
	}
	params, err := BudgetParams(body.DailyBudgetUSD, body.CategoryAllocations, body.ReserveFraction, body.MinimumChargeUSD)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.budget.UpdateParams(params); err != nil {
		writeKernelError(w, err, "")
		return
	}
	logging.API("budget config updated: $%.2f/day", body.DailyBudgetUSD)
	writeJSON(w, http.StatusOK, s.budget.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.RecordFilter{
		NodeID:  q.Get("node"),
		Outcome: types.Outcome(q.Get("outcome")),
		Limit:   100,
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, types.NewKernelError(types.KindConfigError, "invalid since: %v", err))
			return
		}
		filter.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, types.NewKernelError(types.KindConfigError, "invalid limit %q", v))
			return
		}
		filter.Limit = n
	}

	recs, err := s.persist.LoadRecords(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.NewKernelError(types.KindPersistenceError, "load records: %v", err))
		return
	}
	if recs == nil {
		recs = []types.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	logging.API("shutdown requested via admin API")
	writeJSON(w, http.StatusAccepted, map[string]any{"shutting_down": true})
	go s.shutdown()
}

// ===== HELPERS =====

// BudgetParams validates and converts the wire shape into budget parameters.
// Shared with the kernel's config hot-reload path.
func BudgetParams(daily float64, allocations map[string]float64, reserveFraction, minimumCharge float64) (budget.Params, error) {
	if daily < 0 {
		return budget.Params{}, types.NewKernelError(types.KindConfigError, "daily_budget_usd must be >= 0, got %v", daily)
	}
	var sum float64
	allocs := make(map[types.Category]float64, len(allocations))
	for cat, frac := range allocations {
		if !types.Category(cat).Valid() {
			return budget.Params{}, types.NewKernelError(types.KindConfigError, "unknown budget category %q", cat)
		}
		if frac < 0 || frac > 1 {
			return budget.Params{}, types.NewKernelError(types.KindConfigError, "allocation for %s out of range: %v", cat, frac)
		}
		allocs[types.Category(cat)] = frac
		sum += frac
	}
	if sum > 1.0+1e-9 {
		return budget.Params{}, types.NewKernelError(types.KindConfigError, "category allocations sum to %.3f, must be <= 1", sum)
	}
	if reserveFraction < 0 || reserveFraction > 1 {
		return budget.Params{}, types.NewKernelError(types.KindConfigError, "reserve_fraction out of range: %v", reserveFraction)
	}
	return budget.Params{
		DailyBudgetUSD:   daily,
		Allocations:      allocs,
		ReserveFraction:  reserveFraction,
		MinimumChargeUSD: minimumCharge,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryAPI).Error("encode response: %v", err)
	}
}

// writeKernelError maps kernel errors onto HTTP statuses and the structured
// error payload.
func writeKernelError(w http.ResponseWriter, err error, nodeID string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNodeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrBudgetDenied):
		status = http.StatusConflict
	case errors.Is(err, types.ErrInvalidDelta), errors.Is(err, types.ErrDuplicateNode):
		status = http.StatusBadRequest
	}

	var ke *types.KernelError
	if !errors.As(err, &ke) {
		ke = &types.KernelError{Kind: types.KindOf(err), Message: err.Error()}
	}
	if ke.NodeID == "" {
		ke.NodeID = nodeID
	}
	writeError(w, status, ke)
}

func writeError(w http.ResponseWriter, status int, err error) {
	var ke *types.KernelError
	if !errors.As(err, &ke) {
		ke = &types.KernelError{Kind: types.KindExecutorError, Message: err.Error()}
	}
	writeJSON(w, status, ke)
}
