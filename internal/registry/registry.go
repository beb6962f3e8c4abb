// Package registry holds the set of registered cognitive nodes. Declarations
// are fixed at registration; the mutable bits (enabled, priority override,
// suspension) live in a persisted overlay so admin changes survive restarts.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"reverie/internal/logging"
	"reverie/internal/types"
)

// Entry is a registered node plus its runtime overlay.
type Entry struct {
	Node             types.CognitiveNode
	Enabled          bool
	PriorityOverride *types.Priority
	SuspendedUntil   *time.Time
}

// EffectivePriority is the declared priority unless overridden.
func (e *Entry) EffectivePriority() types.Priority {
	if e.PriorityOverride != nil {
		return *e.PriorityOverride
	}
	return e.Node.Priority
}

// Runnable reports whether the node may be dispatched at the given instant.
func (e *Entry) Runnable(now time.Time) bool {
	if !e.Enabled {
		return false
	}
	if e.SuspendedUntil != nil && now.Before(*e.SuspendedUntil) {
		return false
	}
	return true
}

func (e *Entry) clone() *Entry {
	cp := *e
	if e.PriorityOverride != nil {
		p := *e.PriorityOverride
		cp.PriorityOverride = &p
	}
	if e.SuspendedUntil != nil {
		t := *e.SuspendedUntil
		cp.SuspendedUntil = &t
	}
	return &cp
}

// Registry is the node table. Reads go through an atomic snapshot so the
// scheduler's hot path never takes the write lock.
type Registry struct {
	mu       sync.Mutex
	view     atomic.Pointer[map[string]*Entry]
	persist  types.Persistence
	overlays map[string]types.NodeOverlay // persisted state, keyed by node id
}

// New loads persisted overlays; they apply as nodes register.
func New(persist types.Persistence) (*Registry, error) {
	overlays, err := persist.LoadNodeOverlays()
	if err != nil {
		return nil, fmt.Errorf("load node overlays: %w", err)
	}
	if overlays == nil {
		overlays = make(map[string]types.NodeOverlay)
	}
	r := &Registry{persist: persist, overlays: overlays}
	empty := make(map[string]*Entry)
	r.view.Store(&empty)
	return r, nil
}

// Register adds a node. Declarations are validated and immutable; registering
// the same id twice is an error. A persisted overlay for the id is applied,
// so a node disabled by an admin stays disabled across restarts.
func (r *Registry) Register(node types.CognitiveNode) error {
	if err := node.Validate(); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.view.Load()
	if _, exists := cur[node.ID]; exists {
		return fmt.Errorf("%w: %s", types.ErrDuplicateNode, node.ID)
	}

	entry := &Entry{Node: node, Enabled: node.Enabled}
	if ov, ok := r.overlays[node.ID]; ok {
		entry.Enabled = ov.Enabled
		entry.PriorityOverride = ov.PriorityOverride
		entry.SuspendedUntil = ov.SuspendedUntil
		logging.Registry("applied persisted overlay to %s (enabled=%t)", node.ID, ov.Enabled)
	}

	r.storeLocked(node.ID, entry)
	logging.Registry("registered %s (%s/%s, priority %s)",
		node.ID, node.Category, node.CostClass, entry.EffectivePriority())
	return nil
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (*Entry, error) {
	entry, ok := (*r.view.Load())[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNodeNotFound, id)
	}
	return entry.clone(), nil
}

// List returns all entries, sorted by category then id.
func (r *Registry) List() []*Entry {
	cur := *r.view.Load()
	out := make([]*Entry, 0, len(cur))
	for _, e := range cur {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node.Category != out[j].Node.Category {
			return out[i].Node.Category < out[j].Node.Category
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	return out
}

// SetEnabled flips the enabled bit and persists it.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	return r.mutate(id, func(e *Entry) {
		e.Enabled = enabled
	})
}

// OverridePriority replaces the declared priority (nil clears the override).
func (r *Registry) OverridePriority(id string, p *types.Priority) error {
	return r.mutate(id, func(e *Entry) {
		e.PriorityOverride = p
	})
}

// Suspend blocks dispatch of the node until the given time. A zero time
// lifts the suspension.
func (r *Registry) Suspend(id string, until time.Time) error {
	return r.mutate(id, func(e *Entry) {
		if until.IsZero() {
			e.SuspendedUntil = nil
		} else {
			e.SuspendedUntil = &until
		}
	})
}

func (r *Registry) mutate(id string, fn func(*Entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.view.Load()
	old, ok := cur[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNodeNotFound, id)
	}

	entry := old.clone()
	fn(entry)

	ov := types.NodeOverlay{
		NodeID:           id,
		Enabled:          entry.Enabled,
		PriorityOverride: entry.PriorityOverride,
		SuspendedUntil:   entry.SuspendedUntil,
	}
	if err := r.persist.SaveNodeOverlay(ov); err != nil {
		return types.NewKernelError(types.KindPersistenceError, "persist overlay for %s: %v", id, err)
	}
	r.overlays[id] = ov

	r.storeLocked(id, entry)
	logging.Registry("%s updated: enabled=%t override=%v suspended=%v",
		id, entry.Enabled, entry.PriorityOverride, entry.SuspendedUntil)
	return nil
}

// storeLocked swaps in a new view map with the entry replaced.
func (r *Registry) storeLocked(id string, entry *Entry) {
	cur := *r.view.Load()
	next := make(map[string]*Entry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[id] = entry
	r.view.Store(&next)
}
