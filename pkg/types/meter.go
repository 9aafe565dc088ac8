package types

import (
	"fmt"
	"strings"
)

// Interval is the period after which a cumulative total returns to zero.
type Interval string

const (
	IntervalDaily   Interval = "daily"
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// Intervals lists every supported interval in the order totals are created.
var Intervals = []Interval{IntervalDaily, IntervalMonthly, IntervalYearly}

// ParseInterval validates the given string as an Interval.
func ParseInterval(s string) (Interval, error) {
	switch i := Interval(strings.ToLower(strings.TrimSpace(s))); i {
	case IntervalDaily, IntervalMonthly, IntervalYearly:
		return i, nil
	}
	return "", fmt.Errorf("unknown interval: %q", s)
}

// MeterMode says which kind of consumption sensor drives a meter.
type MeterMode string

const (
	// MeterModePower integrates a cost rate derived from a power sensor in W.
	MeterModePower MeterMode = "power"
	// MeterModeEnergy multiplies energy deltas from a kWh sensor by the price.
	MeterModeEnergy MeterMode = "energy"
)

// MeterConfig configures a single meter: one price sensor and exactly one of
// a power or an energy sensor.
type MeterConfig struct {
	Name         string `yaml:"name" json:"name"`
	PriceSensor  string `yaml:"price_sensor" json:"priceSensor"`
	PowerSensor  string `yaml:"power_sensor,omitempty" json:"powerSensor,omitempty"`
	EnergySensor string `yaml:"energy_sensor,omitempty" json:"energySensor,omitempty"`
}

// Mode returns the meter mode. It is only meaningful after Validate succeeds.
func (c MeterConfig) Mode() MeterMode {
	if c.EnergySensor != "" {
		return MeterModeEnergy
	}
	return MeterModePower
}

// Source returns the consumption sensor, whichever kind is configured.
func (c MeterConfig) Source() string {
	if c.EnergySensor != "" {
		return c.EnergySensor
	}
	return c.PowerSensor
}

// Validate rejects configurations without a price sensor and configurations
// with both or neither of the power and energy sensors.
func (c MeterConfig) Validate() error {
	if strings.TrimSpace(c.PriceSensor) == "" {
		return fmt.Errorf("%w: price sensor is required", ErrConfiguration)
	}
	if err := validateEntityID(c.PriceSensor); err != nil {
		return err
	}
	hasPower := strings.TrimSpace(c.PowerSensor) != ""
	hasEnergy := strings.TrimSpace(c.EnergySensor) != ""
	switch {
	case hasPower && hasEnergy:
		return fmt.Errorf("%w: only one of power sensor or energy sensor may be set", ErrConfiguration)
	case !hasPower && !hasEnergy:
		return fmt.Errorf("%w: either a power sensor or an energy sensor is required", ErrConfiguration)
	}
	return validateEntityID(c.Source())
}

// validateEntityID checks the "<domain>.<object_id>" shape of an entity id.
func validateEntityID(id string) error {
	domain, object, ok := strings.Cut(id, ".")
	if !ok || domain == "" || object == "" || strings.ContainsAny(id, " /") {
		return fmt.Errorf("%w: invalid entity id %q", ErrConfiguration, id)
	}
	return nil
}
