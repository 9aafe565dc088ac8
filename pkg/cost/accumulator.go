package cost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/energycost/pkg/log"
	"github.com/raterudder/energycost/pkg/types"
	"github.com/shopspring/decimal"
)

var nanosPerHour = decimal.NewFromInt(int64(time.Hour))

// keyLastReset is appended to an entity id to persist when its totals were
// last reset.
const keyLastReset = ".last_reset"

// AccumulatorConfig identifies the entities an Accumulator reads and writes.
type AccumulatorConfig struct {
	// EntityID is the entity the total is published as. It is also the key the
	// total is persisted under.
	EntityID string
	// RateEntityID is the entity holding the cost rate in currency/hour.
	RateEntityID string
	Interval     types.Interval
}

// Accumulator integrates a cost rate over wall-clock time into a total that
// returns to zero on every interval boundary.
//
// Each rate change adds new rate × time since the previous change, rounded to
// 2 decimal places. All methods must be called from the host's callback
// goroutine.
type Accumulator struct {
	cfg   AccumulatorConfig
	host  Host
	store StateStore

	value      decimal.Decimal
	lastUpdate time.Time
	lastReset  time.Time
	currency   string
	timer      resetTimer

	unsubscribe func()
}

// NewAccumulator restores the total from store, arms the first reset and
// subscribes to the rate entity. A missing or unparsable persisted total starts
// the accumulator at zero.
func NewAccumulator(ctx context.Context, host Host, store StateStore, cfg AccumulatorConfig) (*Accumulator, error) {
	if _, err := types.ParseInterval(string(cfg.Interval)); err != nil {
		return nil, err
	}
	ctx = log.WithAttrs(ctx, slog.String("entityID", cfg.EntityID), slog.String("interval", string(cfg.Interval)))

	now := host.Now()
	a := &Accumulator{
		cfg:        cfg,
		host:       host,
		store:      store,
		lastUpdate: now,
		lastReset:  now,
		currency:   types.DefaultCurrency,
		timer: resetTimer{
			host:     host,
			interval: cfg.Interval,
		},
	}
	if lastReset, current := restorePeriod(ctx, store, cfg.EntityID, cfg.Interval, now); current {
		if v, ok := restoreDecimal(ctx, store, cfg.EntityID, false); ok {
			a.value = v
		}
		if !lastReset.IsZero() {
			a.lastReset = lastReset
		}
	}
	a.emit(ctx)

	if err := a.scheduleNextReset(ctx, now); err != nil {
		return nil, err
	}
	a.unsubscribe = host.Subscribe([]string{cfg.RateEntityID}, a.handleRateChange)
	return a, nil
}

// EntityID returns the entity the total is published as.
func (a *Accumulator) EntityID() string { return a.cfg.EntityID }

// Interval returns the reset interval.
func (a *Accumulator) Interval() types.Interval { return a.cfg.Interval }

// Value returns the current total.
func (a *Accumulator) Value() decimal.Decimal { return a.value }

// Currency returns the currency of the total.
func (a *Accumulator) Currency() string { return a.currency }

// LastUpdate returns the time of the last integration step or reset.
func (a *Accumulator) LastUpdate() time.Time { return a.lastUpdate }

// LastReset returns the time of the last reset, or the startup time.
func (a *Accumulator) LastReset() time.Time { return a.lastReset }

// NextReset returns the currently armed reset boundary.
func (a *Accumulator) NextReset() time.Time { return a.timer.next }

// OnRateUpdate adds rate × hours elapsed since the last update to the total.
// Invalid rates and timestamps before the last update are rejected without
// changing any state.
func (a *Accumulator) OnRateUpdate(ctx context.Context, rate types.EntityState, ts time.Time) error {
	r, err := rate.Decimal()
	if err != nil {
		return err
	}
	if ts.Before(a.lastUpdate) {
		return fmt.Errorf("update at %s precedes last update at %s", ts.Format(time.RFC3339Nano), a.lastUpdate.Format(time.RFC3339Nano))
	}

	hours := decimal.NewFromInt(int64(ts.Sub(a.lastUpdate))).Div(nanosPerHour)
	increment := r.Mul(hours).RoundBank(2)
	value := a.value.Add(increment)
	if value.IsNegative() {
		log.Ctx(ctx).WarnContext(
			ctx,
			"total would go negative, clamping to zero",
			slog.String("value", a.value.String()),
			slog.String("increment", increment.String()),
		)
		value = decimal.Zero
	}

	a.value = value
	a.lastUpdate = ts
	if rate.Unit != "" {
		a.currency = types.CurrencyFromUnit(rate.Unit)
	}
	a.emit(ctx)
	log.Ctx(ctx).DebugContext(
		ctx,
		"updated cumulative cost",
		slog.String("rate", r.String()),
		slog.String("hours", hours.StringFixed(6)),
		slog.String("value", a.value.StringFixed(2)),
	)
	return nil
}

// Reset sets the total to zero now, without touching the armed boundary.
func (a *Accumulator) Reset(ctx context.Context) {
	a.reset(ctx, a.host.Now())
}

// Flush persists the current total and the time of the last reset.
func (a *Accumulator) Flush(ctx context.Context) error {
	return saveAll(ctx, a.store, []persisted{
		{a.cfg.EntityID, a.value.StringFixed(2)},
		{a.cfg.EntityID + keyLastReset, a.lastReset.Format(time.RFC3339Nano)},
	})
}

// Close unsubscribes, cancels the pending reset and persists the total.
func (a *Accumulator) Close(ctx context.Context) error {
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	a.timer.cancel()
	return a.Flush(ctx)
}

func (a *Accumulator) handleRateChange(ctx context.Context, change types.StateChange) {
	ctx = log.WithAttrs(ctx, slog.String("entityID", a.cfg.EntityID), slog.String("interval", string(a.cfg.Interval)))
	if change.NewState == nil {
		log.Ctx(ctx).DebugContext(ctx, "skipping update due to removed rate entity")
		return
	}
	if err := a.OnRateUpdate(ctx, *change.NewState, change.Time); err != nil {
		log.Ctx(ctx).InfoContext(ctx, "skipping cumulative cost update", slog.Any("error", err))
	}
}

func (a *Accumulator) reset(ctx context.Context, now time.Time) {
	a.value = decimal.Zero
	a.lastUpdate = now
	a.lastReset = now
	a.emit(ctx)
	log.Ctx(ctx).InfoContext(ctx, "meter reset", slog.Time("at", now))
}

func (a *Accumulator) scheduleNextReset(ctx context.Context, from time.Time) error {
	next, err := a.timer.arm(from, func(ctx context.Context, boundary, firedAt time.Time) {
		ctx = log.WithAttrs(ctx, slog.String("entityID", a.cfg.EntityID), slog.String("interval", string(a.cfg.Interval)))
		a.reset(ctx, firedAt)
		if err := a.scheduleNextReset(ctx, latest(firedAt, boundary)); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to schedule next reset", slog.Any("error", err))
		}
	})
	if err != nil {
		return err
	}
	log.Ctx(ctx).DebugContext(ctx, "scheduled next reset", slog.Time("next", next))
	return nil
}

func (a *Accumulator) emit(ctx context.Context) {
	a.host.SetState(ctx, types.EntityState{
		EntityID: a.cfg.EntityID,
		State:    a.value.StringFixed(2),
		Unit:     a.currency,
		Attributes: map[string]string{
			"interval":   string(a.cfg.Interval),
			"last_reset": a.lastReset.Format(time.RFC3339),
		},
	})
}

type persisted struct {
	key   string
	value string
}

// saveAll saves values in order and stops at the first failure.
func saveAll(ctx context.Context, store StateStore, values []persisted) error {
	for _, v := range values {
		if err := store.Save(ctx, v.key, v.value); err != nil {
			return fmt.Errorf("failed to save %s: %w", v.key, err)
		}
	}
	return nil
}

// restorePeriod loads when the totals persisted under key were last reset. It
// returns false if that period has already ended by now, in which case the
// persisted totals must not be restored. Totals saved without a reset time are
// treated as current.
func restorePeriod(ctx context.Context, store StateStore, key string, interval types.Interval, now time.Time) (time.Time, bool) {
	raw, ok, err := store.Load(ctx, key+keyLastReset)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load persisted last reset", slog.String("key", key), slog.Any("error", err))
		return time.Time{}, true
	}
	if !ok || raw == "" {
		return time.Time{}, true
	}
	lastReset, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		log.Ctx(ctx).ErrorContext(
			ctx,
			"invalid persisted last reset",
			slog.String("key", key),
			slog.Any("error", fmt.Errorf("%w: %q", types.ErrRestoreParse, raw)),
		)
		return time.Time{}, true
	}
	lastReset = lastReset.In(now.Location())
	next, err := ComputeNextReset(interval, lastReset)
	if err != nil {
		return time.Time{}, true
	}
	if !next.After(now) {
		log.Ctx(ctx).InfoContext(
			ctx,
			"persisted totals belong to an earlier period, starting at zero",
			slog.Time("lastReset", lastReset),
			slog.Time("periodEnd", next),
		)
		return time.Time{}, false
	}
	return lastReset, true
}

// restoreDecimal loads a decimal from store. Unless signed is set, negative
// values are rejected. It logs and returns false when the value is absent,
// unreadable or unparsable.
func restoreDecimal(ctx context.Context, store StateStore, key string, signed bool) (decimal.Decimal, bool) {
	raw, ok, err := store.Load(ctx, key)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load persisted value", slog.String("key", key), slog.Any("error", err))
		return decimal.Zero, false
	}
	if !ok || !(types.EntityState{State: raw}).Available() {
		return decimal.Zero, false
	}
	v, err := parsePersisted(key, raw, signed)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid state value for restoration", slog.String("key", key), slog.Any("error", err))
		return decimal.Zero, false
	}
	return v, true
}

func parsePersisted(key, raw string, signed bool) (decimal.Decimal, error) {
	v, err := types.EntityState{EntityID: key, State: raw}.Decimal()
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", types.ErrRestoreParse, raw)
	}
	if !signed && v.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative total %q", types.ErrRestoreParse, raw)
	}
	return v, nil
}
