package cost

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/raterudder/energycost/pkg/types"
)

type fakeSub struct {
	ids    map[string]bool
	fn     func(ctx context.Context, change types.StateChange)
	active bool
}

type fakeTimer struct {
	at time.Time
	fn func(ctx context.Context, firedAt time.Time)
}

// fakeHost delivers bus callbacks synchronously from SetState and only fires
// timers when advanced.
type fakeHost struct {
	now        time.Time
	states     map[string]types.EntityState
	subs       []*fakeSub
	timers     map[types.TimerHandle]fakeTimer
	nextHandle types.TimerHandle
	published  []types.EntityState
	cancelled  []types.TimerHandle
}

func newFakeHost(now time.Time) *fakeHost {
	return &fakeHost{
		now:    now,
		states: make(map[string]types.EntityState),
		timers: make(map[types.TimerHandle]fakeTimer),
	}
}

func (h *fakeHost) Now() time.Time { return h.now }

func (h *fakeHost) GetState(id string) (types.EntityState, bool) {
	s, ok := h.states[id]
	return s, ok
}

func (h *fakeHost) SetState(ctx context.Context, state types.EntityState) {
	state.LastChanged = h.now
	change := types.StateChange{EntityID: state.EntityID, NewState: &state, Time: h.now}
	if old, ok := h.states[state.EntityID]; ok {
		change.OldState = &old
	}
	h.states[state.EntityID] = state
	h.published = append(h.published, state)
	for _, s := range h.subs {
		if s.active && s.ids[state.EntityID] {
			s.fn(ctx, change)
		}
	}
}

func (h *fakeHost) Subscribe(ids []string, fn func(ctx context.Context, change types.StateChange)) func() {
	s := &fakeSub{ids: make(map[string]bool), fn: fn, active: true}
	for _, id := range ids {
		s.ids[id] = true
	}
	h.subs = append(h.subs, s)
	return func() { s.active = false }
}

func (h *fakeHost) ScheduleAt(at time.Time, fn func(ctx context.Context, firedAt time.Time)) types.TimerHandle {
	h.nextHandle++
	h.timers[h.nextHandle] = fakeTimer{at: at, fn: fn}
	return h.nextHandle
}

func (h *fakeHost) Cancel(handle types.TimerHandle) {
	delete(h.timers, handle)
	h.cancelled = append(h.cancelled, handle)
}

// advance moves the clock to `to`, firing due timers at their scheduled instant.
func (h *fakeHost) advance(ctx context.Context, to time.Time) {
	for {
		var (
			due   types.TimerHandle
			dueAt time.Time
			found bool
		)
		for handle, t := range h.timers {
			if !t.at.After(to) && (!found || t.at.Before(dueAt)) {
				due, dueAt, found = handle, t.at, true
			}
		}
		if !found {
			break
		}
		t := h.timers[due]
		delete(h.timers, due)
		h.now = t.at
		t.fn(ctx, t.at)
	}
	h.now = to
}

func (h *fakeHost) pending() []time.Time {
	var at []time.Time
	for _, t := range h.timers {
		at = append(at, t.at)
	}
	sort.Slice(at, func(i, j int) bool { return at[i].Before(at[j]) })
	return at
}

// set writes a source entity the way an integration would.
func (h *fakeHost) set(ctx context.Context, id, state, unit string) {
	h.SetState(ctx, types.EntityState{EntityID: id, State: state, Unit: unit})
}

func (h *fakeHost) publishedFor(id string) []types.EntityState {
	var out []types.EntityState
	for _, s := range h.published {
		if s.EntityID == id {
			out = append(out, s)
		}
	}
	return out
}

type memStore struct {
	values  map[string]string
	saved   []string
	loadErr error
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]string)}
}

func (m *memStore) Save(ctx context.Context, key, value string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.values[key] = value
	m.saved = append(m.saved, key)
	return nil
}

func (m *memStore) Load(ctx context.Context, key string) (string, bool, error) {
	if m.loadErr != nil {
		return "", false, m.loadErr
	}
	v, ok := m.values[key]
	return v, ok, nil
}

var errStoreDown = errors.New("store down")
