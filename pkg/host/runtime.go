package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/energycost/pkg/cost"
	"github.com/raterudder/energycost/pkg/log"
	"github.com/raterudder/energycost/pkg/types"
)

var _ cost.Host = (*Runtime)(nil)

type subscription struct {
	id     uint64
	ids    map[string]bool
	fn     func(ctx context.Context, change types.StateChange)
	active bool
}

// Runtime is an in-process host: an entity state store, a change-notification
// bus and a timer service. Bus and timer callbacks run one at a time on the
// goroutine executing Run. Everything else is safe for concurrent use.
type Runtime struct {
	clock cost.Clock

	mu     sync.RWMutex
	states map[string]types.EntityState

	subMu   sync.Mutex
	subs    []*subscription
	nextSub uint64

	timerMu   sync.Mutex
	timers    map[types.TimerHandle]*time.Timer
	nextTimer types.TimerHandle

	queueMu sync.Mutex
	queue   []func(ctx context.Context)
	wake    chan struct{}
}

// Configured sets up a Runtime whose clock uses the location from flags.
func Configured() *Runtime {
	timezone := lflag.String("timezone", "Local", "IANA time zone reset boundaries are computed in (e.g. Europe/Amsterdam)")

	r := NewRuntime(SystemClock{})

	lflag.Do(func() {
		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Errorf("failed to load timezone %s: %w", *timezone, err))
		}
		r.clock = SystemClock{Location: loc}
	})

	return r
}

// NewRuntime creates a Runtime using the given clock.
func NewRuntime(clock cost.Clock) *Runtime {
	return &Runtime{
		clock:  clock,
		states: make(map[string]types.EntityState),
		timers: make(map[types.TimerHandle]*time.Timer),
		wake:   make(chan struct{}, 1),
	}
}

// Now returns the runtime clock's current time.
func (r *Runtime) Now() time.Time {
	return r.clock.Now()
}

// GetState returns the latest state of the entity.
func (r *Runtime) GetState(entityID string) (types.EntityState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[entityID]
	return s, ok
}

// States returns a copy of every entity state.
func (r *Runtime) States() []types.EntityState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]types.EntityState, 0, len(r.states))
	for _, s := range r.states {
		states = append(states, s)
	}
	return states
}

// SetState stores the state and queues a StateChange for every subscriber of
// the entity. Writes that change neither the state, the unit, the availability
// nor the attributes are ignored.
func (r *Runtime) SetState(ctx context.Context, state types.EntityState) {
	now := r.clock.Now()
	state.LastChanged = now

	r.mu.Lock()
	old, existed := r.states[state.EntityID]
	if existed && sameState(old, state) {
		r.mu.Unlock()
		return
	}
	r.states[state.EntityID] = state
	r.mu.Unlock()

	change := types.StateChange{
		EntityID: state.EntityID,
		NewState: &state,
		Time:     now,
	}
	if existed {
		change.OldState = &old
	}

	r.subMu.Lock()
	var targets []*subscription
	for _, s := range r.subs {
		if s.active && s.ids[state.EntityID] {
			targets = append(targets, s)
		}
	}
	r.subMu.Unlock()

	for _, s := range targets {
		r.post(func(ctx context.Context) {
			r.subMu.Lock()
			active := s.active
			r.subMu.Unlock()
			if active {
				s.fn(ctx, change)
			}
		})
	}
}

// Subscribe registers fn for changes of the given entities. The returned func
// removes the subscription; changes already queued are dropped.
func (r *Runtime) Subscribe(entityIDs []string, fn func(ctx context.Context, change types.StateChange)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.nextSub++
	s := &subscription{
		id:     r.nextSub,
		ids:    make(map[string]bool, len(entityIDs)),
		fn:     fn,
		active: true,
	}
	for _, id := range entityIDs {
		s.ids[id] = true
	}
	r.subs = append(r.subs, s)

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		s.active = false
		for i, other := range r.subs {
			if other.id == s.id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				break
			}
		}
	}
}

// ScheduleAt runs fn on the event loop once the clock reaches at. A time in the
// past fires as soon as possible.
func (r *Runtime) ScheduleAt(at time.Time, fn func(ctx context.Context, firedAt time.Time)) types.TimerHandle {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	r.nextTimer++
	handle := r.nextTimer
	d := max(at.Sub(r.clock.Now()), 0)
	r.timers[handle] = time.AfterFunc(d, func() {
		r.post(func(ctx context.Context) {
			r.timerMu.Lock()
			_, pending := r.timers[handle]
			delete(r.timers, handle)
			r.timerMu.Unlock()
			// cancelled after the Go timer fired but before we got here
			if !pending {
				return
			}
			fn(ctx, r.clock.Now())
		})
	})
	return handle
}

// Cancel drops a pending timer.
func (r *Runtime) Cancel(handle types.TimerHandle) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if t, ok := r.timers[handle]; ok {
		t.Stop()
		delete(r.timers, handle)
	}
}

// PendingTimers returns the number of armed timers.
func (r *Runtime) PendingTimers() int {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	return len(r.timers)
}

// Do runs fn on the event loop and waits for it to return. It must not be
// called from a callback.
func (r *Runtime) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	r.post(func(ctx context.Context) {
		done <- fn(ctx)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued callbacks until ctx is canceled.
func (r *Runtime) Run(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "starting event loop")
	for {
		r.RunPending(ctx)
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "stopping event loop", slog.Int("pendingTimers", r.PendingTimers()))
			return nil
		case <-r.wake:
		}
	}
}

// RunPending executes queued callbacks, including ones queued while running,
// until the queue is empty. It returns how many callbacks ran. It must not be
// called concurrently with Run.
func (r *Runtime) RunPending(ctx context.Context) int {
	var n int
	for {
		r.queueMu.Lock()
		if len(r.queue) == 0 {
			r.queueMu.Unlock()
			return n
		}
		fn := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.queueMu.Unlock()

		fn(ctx)
		n++
	}
}

func (r *Runtime) post(fn func(ctx context.Context)) {
	r.queueMu.Lock()
	r.queue = append(r.queue, fn)
	r.queueMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func sameState(a, b types.EntityState) bool {
	if a.State != b.State || a.Unit != b.Unit || a.Unavailable != b.Unavailable || len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for k, v := range a.Attributes {
		if bv, ok := b.Attributes[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
