package cost

import (
	"context"
	"time"

	"github.com/raterudder/energycost/pkg/types"
)

// Clock returns the current wall-clock time in the location reset boundaries
// are computed in.
type Clock interface {
	Now() time.Time
}

// EntityStore returns the latest state of an entity.
type EntityStore interface {
	GetState(entityID string) (types.EntityState, bool)
}

// Publisher writes the state of an entity owned by this package. Watchers of
// the entity are notified through the Bus.
type Publisher interface {
	SetState(ctx context.Context, state types.EntityState)
}

// Bus delivers state changes of the given entities to fn. Delivery for a single
// entity is in arrival order. The returned func removes the subscription.
type Bus interface {
	Subscribe(entityIDs []string, fn func(ctx context.Context, change types.StateChange)) func()
}

// Scheduler runs one-shot callbacks at a wall-clock instant.
type Scheduler interface {
	ScheduleAt(at time.Time, fn func(ctx context.Context, firedAt time.Time)) types.TimerHandle
	// Cancel drops a pending callback. Cancelling a handle that already fired
	// is a no-op.
	Cancel(h types.TimerHandle)
}

// Host is everything the cost calculators need from the runtime that hosts
// them. Callbacks must be delivered sequentially.
type Host interface {
	Clock
	EntityStore
	Publisher
	Bus
	Scheduler
}

// StateStore persists totals across restarts. Values are decimal strings.
type StateStore interface {
	Save(ctx context.Context, key, value string) error
	// Load returns false if nothing was stored for the key.
	Load(ctx context.Context, key string) (string, bool, error)
}
