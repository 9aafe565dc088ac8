package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/raterudder/energycost/pkg/types"
)

// ComputeNextReset returns the first reset boundary strictly after now, in
// now's location: the next midnight, the first of the next month or January 1st
// of the next year.
func ComputeNextReset(interval types.Interval, now time.Time) (time.Time, error) {
	y, m, d := now.Date()
	loc := now.Location()
	switch interval {
	case types.IntervalDaily:
		return time.Date(y, m, d+1, 0, 0, 0, 0, loc), nil
	case types.IntervalMonthly:
		return time.Date(y, m+1, 1, 0, 0, 0, 0, loc), nil
	case types.IntervalYearly:
		return time.Date(y+1, time.January, 1, 0, 0, 0, 0, loc), nil
	}
	return time.Time{}, fmt.Errorf("unknown interval: %q", interval)
}

// resetTimer keeps at most one pending reset callback armed with the host.
type resetTimer struct {
	host     Scheduler
	interval types.Interval

	handle types.TimerHandle
	armed  bool
	next   time.Time
}

// arm cancels any pending callback and schedules fire at the first boundary
// after from. fire receives the boundary it was scheduled for.
func (r *resetTimer) arm(from time.Time, fire func(ctx context.Context, boundary, firedAt time.Time)) (time.Time, error) {
	next, err := ComputeNextReset(r.interval, from)
	if err != nil {
		return time.Time{}, err
	}
	r.cancel()

	r.handle = r.host.ScheduleAt(next, func(ctx context.Context, firedAt time.Time) {
		r.armed = false
		fire(ctx, next, firedAt)
	})
	r.armed = true
	r.next = next
	return next, nil
}

func (r *resetTimer) cancel() {
	if r.armed {
		r.host.Cancel(r.handle)
		r.armed = false
	}
}

// latest returns whichever of a and b is later. A timer may fire marginally
// before its boundary on a skewed clock; rescheduling from the boundary keeps
// the schedule advancing.
func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
