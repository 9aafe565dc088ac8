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

const (
	keyCumulativeCost    = ".cumulative_cost"
	keyCumulativeEnergy  = ".cumulative_energy"
	keyLastEnergyReading = ".last_energy_reading"
)

// EnergyConfig identifies the entities an EnergyAccumulator reads and writes.
type EnergyConfig struct {
	// EntityID is the entity the total is published as and the persistence key
	// prefix.
	EntityID     string
	PriceSensor  string
	EnergySensor string
	Interval     types.Interval
}

// EnergyAccumulator prices the consumption reported by a cumulative energy
// sensor in kWh.
//
// Energy used since the last committed reading is valued at the current price
// and shown on top of the committed cost. When the price changes, that energy
// is committed at the old price.
type EnergyAccumulator struct {
	cfg   EnergyConfig
	host  Host
	store StateStore

	value            decimal.Decimal
	cumulativeCost   decimal.Decimal
	cumulativeEnergy decimal.Decimal
	lastReading      decimal.Decimal
	hasReading       bool
	lastReset        time.Time
	currency         string
	timer            resetTimer

	unsubscribe []func()
}

// NewEnergyAccumulator restores persisted state, arms the first reset and
// subscribes to the energy and price entities.
func NewEnergyAccumulator(ctx context.Context, host Host, store StateStore, cfg EnergyConfig) (*EnergyAccumulator, error) {
	if _, err := types.ParseInterval(string(cfg.Interval)); err != nil {
		return nil, err
	}
	ctx = log.WithAttrs(ctx, slog.String("entityID", cfg.EntityID), slog.String("interval", string(cfg.Interval)))

	now := host.Now()
	e := &EnergyAccumulator{
		cfg:       cfg,
		host:      host,
		store:     store,
		lastReset: now,
		currency:  types.DefaultCurrency,
		timer: resetTimer{
			host:     host,
			interval: cfg.Interval,
		},
	}
	if price, ok := host.GetState(cfg.PriceSensor); ok {
		e.currency = types.CurrencyFromUnit(price.Unit)
	} else {
		log.Ctx(ctx).WarnContext(ctx, "price sensor has no unit, defaulting currency", slog.String("currency", e.currency))
	}

	lastReset, current := restorePeriod(ctx, store, cfg.EntityID, cfg.Interval, now)
	if current {
		if v, ok := restoreDecimal(ctx, store, cfg.EntityID, false); ok {
			e.value = v
		}
		// committed cost goes negative with negative prices
		if v, ok := restoreDecimal(ctx, store, cfg.EntityID+keyCumulativeCost, true); ok {
			e.cumulativeCost = v
		}
		if v, ok := restoreDecimal(ctx, store, cfg.EntityID+keyCumulativeEnergy, true); ok {
			e.cumulativeEnergy = v
		}
		if !lastReset.IsZero() {
			e.lastReset = lastReset
		}
	}
	// the reading is a baseline, not a total, so it survives a new period
	if v, ok := restoreDecimal(ctx, store, cfg.EntityID+keyLastEnergyReading, true); ok {
		e.lastReading = v
		e.hasReading = true
	}
	e.emit(ctx)

	if err := e.scheduleNextReset(ctx, now); err != nil {
		return nil, err
	}
	e.unsubscribe = []func(){
		host.Subscribe([]string{cfg.EnergySensor}, e.handleEnergyChange),
		host.Subscribe([]string{cfg.PriceSensor}, e.handlePriceChange),
	}
	return e, nil
}

// EntityID returns the entity the total is published as.
func (e *EnergyAccumulator) EntityID() string { return e.cfg.EntityID }

// Interval returns the reset interval.
func (e *EnergyAccumulator) Interval() types.Interval { return e.cfg.Interval }

// Value returns the current total, including uncommitted energy.
func (e *EnergyAccumulator) Value() decimal.Decimal { return e.value }

// Currency returns the currency of the total.
func (e *EnergyAccumulator) Currency() string { return e.currency }

// CumulativeCost returns the committed cost.
func (e *EnergyAccumulator) CumulativeCost() decimal.Decimal { return e.cumulativeCost }

// CumulativeEnergy returns the committed energy in kWh.
func (e *EnergyAccumulator) CumulativeEnergy() decimal.Decimal { return e.cumulativeEnergy }

// LastReset returns the time of the last reset, or the startup time.
func (e *EnergyAccumulator) LastReset() time.Time { return e.lastReset }

// NextReset returns the currently armed reset boundary.
func (e *EnergyAccumulator) NextReset() time.Time { return e.timer.next }

// OnEnergyUpdate values the energy used since the last committed reading at
// price and publishes it on top of the committed cost.
func (e *EnergyAccumulator) OnEnergyUpdate(ctx context.Context, energy, price types.EntityState) error {
	kwh, err := energy.Decimal()
	if err != nil {
		return err
	}
	p, err := price.Decimal()
	if err != nil {
		return err
	}

	if !e.hasReading {
		log.Ctx(ctx).DebugContext(ctx, "no previous energy reading, initializing", slog.String("reading", kwh.String()))
		e.lastReading = kwh
		e.hasReading = true
		return nil
	}

	diff := kwh.Sub(e.lastReading)
	if diff.IsNegative() {
		log.Ctx(ctx).InfoContext(
			ctx,
			"energy reading decreased, rebaselining",
			slog.String("last", e.lastReading.String()),
			slog.String("reading", kwh.String()),
		)
		e.lastReading = kwh
		e.value = nonNegative(e.cumulativeCost)
		e.emit(ctx)
		return nil
	}

	increment := diff.Mul(p)
	e.value = nonNegative(e.cumulativeCost.Add(increment))
	e.emit(ctx)
	log.Ctx(ctx).DebugContext(
		ctx,
		"energy cost incremented",
		slog.String("increment", increment.String()),
		slog.String("value", e.value.StringFixed(2)),
	)
	return nil
}

// OnPriceUpdate commits the energy used since the last committed reading at the
// price that was in effect until now.
func (e *EnergyAccumulator) OnPriceUpdate(ctx context.Context, energy, oldPrice types.EntityState) error {
	kwh, err := energy.Decimal()
	if err != nil {
		return err
	}
	p, err := oldPrice.Decimal()
	if err != nil {
		return fmt.Errorf("previous price: %w", err)
	}

	if e.hasReading {
		if diff := kwh.Sub(e.lastReading); !diff.IsNegative() {
			e.cumulativeCost = e.cumulativeCost.Add(diff.Mul(p))
			e.cumulativeEnergy = e.cumulativeEnergy.Add(diff)
		}
		e.value = nonNegative(e.cumulativeCost)
		log.Ctx(ctx).InfoContext(
			ctx,
			"energy price changed, committed cost",
			slog.String("cumulativeCost", e.cumulativeCost.String()),
			slog.String("cumulativeEnergy", e.cumulativeEnergy.String()),
		)
	} else {
		log.Ctx(ctx).DebugContext(ctx, "no previous energy reading, initializing", slog.String("reading", kwh.String()))
	}
	e.lastReading = kwh
	e.hasReading = true
	e.emit(ctx)
	return nil
}

// Reset zeroes the totals now, without touching the armed boundary. The last
// energy reading is kept so consumption after the reset is still counted.
func (e *EnergyAccumulator) Reset(ctx context.Context) {
	e.reset(ctx, e.host.Now())
}

// Flush persists the totals, the last energy reading and the time of the last
// reset.
func (e *EnergyAccumulator) Flush(ctx context.Context) error {
	values := []persisted{
		{e.cfg.EntityID, e.value.String()},
		{e.cfg.EntityID + keyCumulativeCost, e.cumulativeCost.String()},
		{e.cfg.EntityID + keyCumulativeEnergy, e.cumulativeEnergy.String()},
	}
	if e.hasReading {
		values = append(values, persisted{e.cfg.EntityID + keyLastEnergyReading, e.lastReading.String()})
	}
	values = append(values, persisted{e.cfg.EntityID + keyLastReset, e.lastReset.Format(time.RFC3339Nano)})
	return saveAll(ctx, e.store, values)
}

// Close unsubscribes, cancels the pending reset and persists the totals.
func (e *EnergyAccumulator) Close(ctx context.Context) error {
	for _, unsub := range e.unsubscribe {
		unsub()
	}
	e.unsubscribe = nil
	e.timer.cancel()
	return e.Flush(ctx)
}

func (e *EnergyAccumulator) handleEnergyChange(ctx context.Context, change types.StateChange) {
	ctx = log.WithAttrs(ctx, slog.String("entityID", e.cfg.EntityID), slog.String("interval", string(e.cfg.Interval)))
	price, ok := e.host.GetState(e.cfg.PriceSensor)
	if change.NewState == nil || !ok {
		log.Ctx(ctx).DebugContext(ctx, "one or more sensors are unavailable, skipping update")
		return
	}
	if err := e.OnEnergyUpdate(ctx, *change.NewState, price); err != nil {
		log.Ctx(ctx).InfoContext(ctx, "skipping energy cost update", slog.Any("error", err))
	}
}

func (e *EnergyAccumulator) handlePriceChange(ctx context.Context, change types.StateChange) {
	ctx = log.WithAttrs(ctx, slog.String("entityID", e.cfg.EntityID), slog.String("interval", string(e.cfg.Interval)))
	if change.NewState != nil && change.NewState.Unit != "" {
		e.currency = types.CurrencyFromUnit(change.NewState.Unit)
	}
	energy, ok := e.host.GetState(e.cfg.EnergySensor)
	if change.OldState == nil || !ok {
		log.Ctx(ctx).DebugContext(ctx, "one or more sensors are unavailable, skipping update")
		return
	}
	if err := e.OnPriceUpdate(ctx, energy, *change.OldState); err != nil {
		log.Ctx(ctx).InfoContext(ctx, "skipping energy cost commit", slog.Any("error", err))
	}
}

func (e *EnergyAccumulator) reset(ctx context.Context, now time.Time) {
	e.value = decimal.Zero
	e.cumulativeCost = decimal.Zero
	e.cumulativeEnergy = decimal.Zero
	e.lastReset = now
	e.emit(ctx)
	log.Ctx(ctx).InfoContext(ctx, "meter reset", slog.Time("at", now))
}

func (e *EnergyAccumulator) scheduleNextReset(ctx context.Context, from time.Time) error {
	next, err := e.timer.arm(from, func(ctx context.Context, boundary, firedAt time.Time) {
		ctx = log.WithAttrs(ctx, slog.String("entityID", e.cfg.EntityID), slog.String("interval", string(e.cfg.Interval)))
		e.reset(ctx, firedAt)
		if err := e.scheduleNextReset(ctx, latest(firedAt, boundary)); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to schedule next reset", slog.Any("error", err))
		}
	})
	if err != nil {
		return err
	}
	log.Ctx(ctx).DebugContext(ctx, "scheduled next reset", slog.Time("next", next))
	return nil
}

func (e *EnergyAccumulator) emit(ctx context.Context) {
	attrs := map[string]string{
		"interval":          string(e.cfg.Interval),
		"last_reset":        e.lastReset.Format(time.RFC3339),
		"cumulative_cost":   e.cumulativeCost.String(),
		"cumulative_energy": e.cumulativeEnergy.String(),
	}
	if e.hasReading {
		attrs["last_energy_reading"] = e.lastReading.String()
	}
	if e.cumulativeEnergy.IsPositive() {
		attrs["average_energy_cost"] = e.cumulativeCost.Div(e.cumulativeEnergy).StringFixed(4)
	}
	e.host.SetState(ctx, types.EntityState{
		EntityID:   e.cfg.EntityID,
		State:      e.value.StringFixed(2),
		Unit:       e.currency,
		Attributes: attrs,
	})
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
