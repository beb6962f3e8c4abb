// Package statebus owns the process-wide GlobalState. All mutations arrive
// as StateDeltas through a single writer; readers get immutable snapshots via
// a copy-on-write pointer, so reads never block writes. Every applied delta
// is persisted and fanned out to subscribers as events.
package statebus

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"reverie/internal/clock"
	"reverie/internal/logging"
	"reverie/internal/types"
)

// subscriberBuffer bounds each subscriber's event queue. Overflow drops the
// oldest queued event and increments the drop counter.
const subscriberBuffer = 64

type subscriber struct {
	id      string
	names   map[string]bool // empty = all events
	ch      chan types.Event
	done    chan struct{}
	handler func(types.Event)
}

func (s *subscriber) wants(name string) bool {
	if len(s.names) == 0 {
		return true
	}
	return s.names[name]
}

// Bus is the single-writer state store.
type Bus struct {
	writeMu sync.Mutex
	snap    atomic.Pointer[types.GlobalState]

	persist types.Persistence
	clk     clock.Clock
	sink    types.EventSink // optional

	subsMu  sync.RWMutex
	subs    map[string]*subscriber
	dropped atomic.Uint64
}

// New creates a bus over the given persistence. The initial state is the
// persisted snapshot when one exists, otherwise the defaults; either way the
// day epoch is aligned to the clock.
func New(persist types.Persistence, clk clock.Clock, sink types.EventSink) (*Bus, error) {
	b := &Bus{
		persist: persist,
		clk:     clk,
		sink:    sink,
		subs:    make(map[string]*subscriber),
	}

	loaded, err := persist.LoadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	var state types.GlobalState
	if loaded != nil {
		state = *loaded
		logging.Bus("restored state at revision %d", state.Revision)
	} else {
		state = types.DefaultState()
		logging.Bus("no snapshot found, starting from defaults")
	}
	if epoch := clock.DayEpoch(clk.Now()); epoch > state.DayEpoch {
		state.DayEpoch = epoch
	}
	b.snap.Store(&state)
	return b, nil
}

// Read returns a consistent snapshot copy of the current state.
func (b *Bus) Read() types.GlobalState {
	return b.snap.Load().Clone()
}

// Revision returns the current revision without copying the state.
func (b *Bus) Revision() uint64 {
	return b.snap.Load().Revision
}

// DroppedEvents returns the count of events dropped on subscriber overflow.
func (b *Bus) DroppedEvents() uint64 {
	return b.dropped.Load()
}

// WriteDelta atomically merges a delta, persists the result, and publishes
// events. Structural problems reject the delta with ErrInvalidDelta; bound
// violations are clamped, never rejected. A structurally empty delta leaves
// the revision untouched.
func (b *Bus) WriteDelta(delta *types.StateDelta) (types.GlobalState, error) {
	if delta == nil || delta.Source == "" {
		return types.GlobalState{}, fmt.Errorf("%w: delta requires a source", types.ErrInvalidDelta)
	}

	b.writeMu.Lock()

	cur := b.snap.Load()
	if delta.Empty() {
		out := cur.Clone()
		// Event-only deltas still notify, without a state.changed.
		if delta.Event != "" {
			b.publish(types.Event{
				Name: delta.Event, Source: delta.Source,
				Time: b.clk.Now(), Revision: out.Revision, Data: delta.EventData,
			})
		}
		b.writeMu.Unlock()
		return out, nil
	}

	next := cur.Clone()
	outcome, err := applyDelta(&next, delta)
	if err != nil {
		b.writeMu.Unlock()
		logging.Get(logging.CategoryBus).Warn("delta from %s rejected: %v", delta.Source, err)
		return types.GlobalState{}, err
	}
	for _, v := range outcome.clamped {
		logging.Get(logging.CategoryBus).Warn("delta from %s clamped: %s", delta.Source, v)
	}

	now := b.clk.Now()
	next.Revision = cur.Revision + 1
	next.LastUpdated = now
	next.LastUpdatedBy = delta.Source

	if err := b.persist.SaveSnapshot(next); err != nil {
		b.writeMu.Unlock()
		// Persistence failure mid-write is fatal to the kernel; surface it.
		return types.GlobalState{}, fmt.Errorf("persist state: %w", err)
	}

	b.snap.Store(&next)

	// Events are enqueued before the write lock drops, so subscribers see
	// state.changed in revision order even under concurrent writers.
	// Delivery itself stays asynchronous on the subscriber goroutines.
	events := []types.Event{{
		Name: types.EventStateChanged, Source: delta.Source, Time: now,
		Revision: next.Revision,
		Data:     map[string]any{"reason": delta.Reason, "fields": changedFields(delta)},
	}}
	if outcome.activityChanged {
		events = append(events, types.Event{
			Name: types.EventActivityChanged, Source: delta.Source, Time: now,
			Revision: next.Revision,
			Data: map[string]any{
				"activity":   string(next.CurrentActivity),
				"session_id": next.ActiveSessionID,
			},
		})
	}
	if outcome.phaseChanged {
		events = append(events, types.Event{
			Name: types.EventPhaseChanged, Source: delta.Source, Time: now,
			Revision: next.Revision,
			Data:     map[string]any{"phase": next.RhythmPhase},
		})
	}
	if delta.Event != "" && delta.Event != types.EventStateChanged {
		events = append(events, types.Event{
			Name: delta.Event, Source: delta.Source, Time: now,
			Revision: next.Revision, Data: delta.EventData,
		})
	}
	for _, ev := range events {
		b.publish(ev)
	}

	out := next.Clone()
	b.writeMu.Unlock()
	return out, nil
}

// changedFields lists the field names a delta touches, for subscribers that
// react to specific fields (threshold trigger wakeups).
func changedFields(delta *types.StateDelta) []string {
	out := make([]string, 0, len(delta.Numeric)+len(delta.Set))
	for k := range delta.Numeric {
		out = append(out, k)
	}
	for k := range delta.Set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Publish emits an event that is not tied to a state write (scheduler and
// budget lifecycle events).
func (b *Bus) Publish(ev types.Event) {
	if ev.Time.IsZero() {
		ev.Time = b.clk.Now()
	}
	if ev.Revision == 0 {
		ev.Revision = b.Revision()
	}
	b.publish(ev)
}

func (b *Bus) publish(ev types.Event) {
	if b.sink != nil {
		b.sink.Forward(ev)
	}

	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(ev.Name) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Queue full: drop the oldest so newer events win.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Subscribe registers a handler for the named event types (nil or empty
// subscribes to everything). The handler runs on a dedicated goroutine with
// a bounded queue; it must not block for long. The returned cancel removes
// the subscription and stops the goroutine.
func (b *Bus) Subscribe(eventNames []string, handler func(types.Event)) (cancel func()) {
	sub := &subscriber{
		id:      uuid.NewString(),
		ch:      make(chan types.Event, subscriberBuffer),
		done:    make(chan struct{}),
		handler: handler,
	}
	if len(eventNames) > 0 {
		sub.names = make(map[string]bool, len(eventNames))
		for _, n := range eventNames {
			sub.names[n] = true
		}
	}

	b.subsMu.Lock()
	b.subs[sub.id] = sub
	b.subsMu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				sub.handler(ev)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subsMu.Lock()
			delete(b.subs, sub.id)
			b.subsMu.Unlock()
			close(sub.done)
		})
	}
}

// Flush persists the current snapshot; called on shutdown.
func (b *Bus) Flush() error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.persist.SaveSnapshot(*b.snap.Load())
}

// Now exposes the bus clock, for components that piggyback on it.
func (b *Bus) Now() time.Time { return b.clk.Now() }
