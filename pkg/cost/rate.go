package cost

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raterudder/energycost/pkg/log"
	"github.com/raterudder/energycost/pkg/types"
	"github.com/shopspring/decimal"
)

var wattsPerKilowatt = decimal.NewFromInt(1000)

// ComputeRate returns the cost per hour of drawing power (in W) at price (in
// currency/kWh), rounded to 2 decimal places. If either state is unavailable or
// not a number it returns an error wrapping types.ErrInvalidInput.
func ComputeRate(price, power types.EntityState) (decimal.Decimal, error) {
	p, err := price.Decimal()
	if err != nil {
		return decimal.Zero, fmt.Errorf("price: %w", err)
	}
	w, err := power.Decimal()
	if err != nil {
		return decimal.Zero, fmt.Errorf("power: %w", err)
	}
	return p.Mul(w.Div(wattsPerKilowatt)).RoundBank(2), nil
}

// RateConfig identifies the entities a RateCalculator reads and writes.
type RateConfig struct {
	// EntityID is the entity the rate is published as.
	EntityID    string
	PriceSensor string
	PowerSensor string
}

// RateCalculator recomputes the cost rate whenever the price or power entity
// changes and publishes it as its own entity, but only when the rounded rate
// differs from the one last published.
type RateCalculator struct {
	cfg  RateConfig
	host Host

	rate      decimal.Decimal
	unit      string
	published bool

	unsubscribe func()
}

// NewRateCalculator subscribes to the price and power entities and publishes
// an initial rate if both already hold valid values.
func NewRateCalculator(ctx context.Context, host Host, cfg RateConfig) *RateCalculator {
	c := &RateCalculator{
		cfg:  cfg,
		host: host,
	}
	c.unsubscribe = host.Subscribe([]string{cfg.PriceSensor, cfg.PowerSensor}, c.handleStateChange)
	log.Ctx(ctx).InfoContext(
		ctx,
		"rate calculator registered",
		slog.String("priceSensor", cfg.PriceSensor),
		slog.String("powerSensor", cfg.PowerSensor),
	)

	if _, err := c.Update(ctx); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "no initial rate", slog.Any("error", err))
	}
	return c
}

// EntityID returns the entity the rate is published as.
func (c *RateCalculator) EntityID() string {
	return c.cfg.EntityID
}

// Rate returns the last published rate. The bool is false until a rate has
// been published.
func (c *RateCalculator) Rate() (decimal.Decimal, bool) {
	return c.rate, c.published
}

// Unit returns the unit of the published rate, e.g. "EUR/h".
func (c *RateCalculator) Unit() string {
	return c.unit
}

// Update reads both sources from the entity store and publishes the rate if it
// changed. It returns whether anything was published.
func (c *RateCalculator) Update(ctx context.Context) (bool, error) {
	price, ok := c.host.GetState(c.cfg.PriceSensor)
	if !ok {
		return false, fmt.Errorf("%w: %s has no state", types.ErrInvalidInput, c.cfg.PriceSensor)
	}
	power, ok := c.host.GetState(c.cfg.PowerSensor)
	if !ok {
		return false, fmt.Errorf("%w: %s has no state", types.ErrInvalidInput, c.cfg.PowerSensor)
	}

	rate, err := ComputeRate(price, power)
	if err != nil {
		return false, err
	}
	unit := types.CurrencyFromUnit(price.Unit) + "/h"
	if c.published && rate.Equal(c.rate) && unit == c.unit {
		return false, nil
	}

	c.rate = rate
	c.unit = unit
	c.published = true
	c.host.SetState(ctx, types.EntityState{
		EntityID: c.cfg.EntityID,
		State:    rate.StringFixed(2),
		Unit:     unit,
		Attributes: map[string]string{
			"price_sensor": c.cfg.PriceSensor,
			"power_sensor": c.cfg.PowerSensor,
		},
	})
	log.Ctx(ctx).DebugContext(
		ctx,
		"updated real time energy cost",
		slog.String("rate", rate.StringFixed(2)),
		slog.String("unit", unit),
	)
	return true, nil
}

func (c *RateCalculator) handleStateChange(ctx context.Context, change types.StateChange) {
	if change.NewState == nil || !change.NewState.Available() {
		log.Ctx(ctx).InfoContext(ctx, "source unavailable, skipping rate update", slog.String("entityID", change.EntityID))
		return
	}
	if _, err := c.Update(ctx); err != nil {
		log.Ctx(ctx).InfoContext(
			ctx,
			"skipping rate update",
			slog.String("entityID", change.EntityID),
			slog.Any("error", err),
		)
	}
}

// Close removes the subscriptions.
func (c *RateCalculator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}
