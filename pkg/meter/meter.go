package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/energycost/pkg/cost"
	"github.com/raterudder/energycost/pkg/log"
	"github.com/raterudder/energycost/pkg/types"
	"github.com/shopspring/decimal"
)

// ErrMeterNotFound is returned when no meter has the requested name.
var ErrMeterNotFound = errors.New("meter not found")

// total is the part of cost.Accumulator and cost.EnergyAccumulator the
// registry relies on.
type total interface {
	EntityID() string
	Interval() types.Interval
	Value() decimal.Decimal
	Currency() string
	LastReset() time.Time
	NextReset() time.Time
	Reset(ctx context.Context)
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

var (
	_ total = (*cost.Accumulator)(nil)
	_ total = (*cost.EnergyAccumulator)(nil)
)

// Meter is one configured price and consumption pair with its rate entity (in
// power mode) and one total per interval.
type Meter struct {
	cfg    types.MeterConfig
	rate   *cost.RateCalculator
	totals []total
}

// Config returns the normalized configuration of the meter.
func (m *Meter) Config() types.MeterConfig { return m.cfg }

// Reading is a snapshot of one published entity of a meter.
type Reading struct {
	Meter     string         `json:"meter"`
	Name      string         `json:"name"`
	EntityID  string         `json:"entityId"`
	Interval  types.Interval `json:"interval,omitempty"`
	Value     string         `json:"value"`
	Unit      string         `json:"unit"`
	LastReset *time.Time     `json:"lastReset,omitempty"`
	NextReset *time.Time     `json:"nextReset,omitempty"`
}

// Registry owns every configured meter. Except for FlushInterval, its methods
// must be called from the host's callback goroutine.
type Registry struct {
	configs       []types.MeterConfig
	flushInterval time.Duration

	host   cost.Host
	store  cost.StateStore
	meters map[string]*Meter
	names  []string
}

// Configured sets up the Registry based on flags. Meters come from the
// meters-config file or, if that is unset, from the single meter flags.
func Configured() *Registry {
	configPath := lflag.String("meters-config", "", "Path to a YAML file listing the meters to track")
	name := lflag.String("meter-name", "", "Name of the meter configured by flags (defaults to one derived from the consumption sensor)")
	priceSensor := lflag.String("price-sensor", "", "Entity holding the electricity price in currency/kWh")
	powerSensor := lflag.String("power-sensor", "", "Entity holding the power draw in W")
	energySensor := lflag.String("energy-sensor", "", "Entity holding cumulative energy in kWh")
	flushInterval := lflag.Duration("flush-interval", 5*time.Minute, "How often totals are persisted")

	r := &Registry{
		meters: make(map[string]*Meter),
	}

	lflag.Do(func() {
		r.flushInterval = *flushInterval
		if *configPath != "" {
			configs, err := LoadFile(*configPath)
			if err != nil {
				panic(fmt.Sprintf("failed to load meters config: %v", err))
			}
			r.configs = configs
			return
		}
		cfg, err := normalize(types.MeterConfig{
			Name:         *name,
			PriceSensor:  *priceSensor,
			PowerSensor:  *powerSensor,
			EnergySensor: *energySensor,
		})
		if err != nil {
			panic(fmt.Sprintf("invalid meter flags: %v", err))
		}
		r.configs = []types.MeterConfig{cfg}
	})

	return r
}

// NewRegistry returns an empty Registry publishing through host and persisting
// to store.
func NewRegistry(host cost.Host, store cost.StateStore) *Registry {
	return &Registry{
		host:   host,
		store:  store,
		meters: make(map[string]*Meter),
	}
}

// FlushInterval returns how often totals should be persisted.
func (r *Registry) FlushInterval() time.Duration {
	return r.flushInterval
}

// Start adds every configured meter.
func (r *Registry) Start(ctx context.Context, host cost.Host, store cost.StateStore) error {
	r.host = host
	r.store = store
	for _, cfg := range r.configs {
		if _, err := r.Add(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// Add validates cfg and creates its meter: a rate calculator feeding three
// accumulators in power mode, or three energy accumulators in energy mode.
func (r *Registry) Add(ctx context.Context, cfg types.MeterConfig) (*Meter, error) {
	cfg, err := normalize(cfg)
	if err != nil {
		return nil, err
	}
	if _, ok := r.meters[cfg.Name]; ok {
		return nil, fmt.Errorf("%w: duplicate meter name %q", types.ErrConfiguration, cfg.Name)
	}
	ctx = log.WithAttrs(ctx, slog.String("meter", cfg.Name))

	m := &Meter{cfg: cfg}
	if cfg.Mode() == types.MeterModePower {
		m.rate = cost.NewRateCalculator(ctx, r.host, cost.RateConfig{
			EntityID:    RateEntityID(cfg.Name),
			PriceSensor: cfg.PriceSensor,
			PowerSensor: cfg.PowerSensor,
		})
	}
	for _, interval := range types.Intervals {
		t, err := r.newTotal(ctx, m, interval)
		if err != nil {
			m.close(ctx)
			return nil, fmt.Errorf("failed to create %s total for %s: %w", interval, cfg.Name, err)
		}
		m.totals = append(m.totals, t)
	}

	r.meters[cfg.Name] = m
	r.names = append(r.names, cfg.Name)
	sort.Strings(r.names)
	log.Ctx(ctx).InfoContext(
		ctx,
		"meter added",
		slog.String("mode", string(cfg.Mode())),
		slog.String("priceSensor", cfg.PriceSensor),
		slog.String("source", cfg.Source()),
	)
	return m, nil
}

func (r *Registry) newTotal(ctx context.Context, m *Meter, interval types.Interval) (total, error) {
	entityID := TotalEntityID(m.cfg.Name, interval)
	if m.rate != nil {
		return cost.NewAccumulator(ctx, r.host, r.store, cost.AccumulatorConfig{
			EntityID:     entityID,
			RateEntityID: m.rate.EntityID(),
			Interval:     interval,
		})
	}
	return cost.NewEnergyAccumulator(ctx, r.host, r.store, cost.EnergyConfig{
		EntityID:     entityID,
		PriceSensor:  m.cfg.PriceSensor,
		EnergySensor: m.cfg.EnergySensor,
		Interval:     interval,
	})
}

// Meters returns the configuration of every meter, sorted by name.
func (r *Registry) Meters() []types.MeterConfig {
	configs := make([]types.MeterConfig, 0, len(r.names))
	for _, name := range r.names {
		configs = append(configs, r.meters[name].cfg)
	}
	return configs
}

// Readings returns the current rate and totals of the named meter, or of every
// meter if name is empty.
func (r *Registry) Readings(name string) ([]Reading, error) {
	names := r.names
	if name != "" {
		if _, ok := r.meters[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMeterNotFound, name)
		}
		names = []string{name}
	}

	var readings []Reading
	for _, n := range names {
		m := r.meters[n]
		friendly := FriendlyName(n)
		if m.rate != nil {
			reading := Reading{
				Meter:    n,
				Name:     friendly + " Real Time Energy Cost",
				EntityID: m.rate.EntityID(),
				Value:    types.StateUnknown,
			}
			if rate, ok := m.rate.Rate(); ok {
				reading.Value = rate.StringFixed(2)
				reading.Unit = m.rate.Unit()
			}
			readings = append(readings, reading)
		}
		for _, t := range m.totals {
			lastReset, nextReset := t.LastReset(), t.NextReset()
			readings = append(readings, Reading{
				Meter:     n,
				Name:      friendly + " " + FriendlyName(string(t.Interval())) + " Energy Cost",
				EntityID:  t.EntityID(),
				Interval:  t.Interval(),
				Value:     t.Value().StringFixed(2),
				Unit:      t.Currency(),
				LastReset: &lastReset,
				NextReset: &nextReset,
			})
		}
	}
	return readings, nil
}

// Reset zeroes the totals of the named meter. If interval is empty every
// total of the meter is reset.
func (r *Registry) Reset(ctx context.Context, name string, interval types.Interval) error {
	m, ok := r.meters[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMeterNotFound, name)
	}
	var found bool
	for _, t := range m.totals {
		if interval != "" && t.Interval() != interval {
			continue
		}
		t.Reset(log.WithAttrs(ctx, slog.String("meter", name), slog.String("entityID", t.EntityID())))
		found = true
	}
	if !found {
		return fmt.Errorf("%w: %s has no %s total", ErrMeterNotFound, name, interval)
	}
	return nil
}

// Flush persists every total. It keeps going after a failure and returns all
// errors joined.
func (r *Registry) Flush(ctx context.Context) error {
	var errs []error
	for _, name := range r.names {
		for _, t := range r.meters[name].totals {
			if err := t.Flush(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close detaches every meter from the host and persists its totals.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, name := range r.names {
		if err := r.meters[name].close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.meters = make(map[string]*Meter)
	r.names = nil
	return errors.Join(errs...)
}

func (m *Meter) close(ctx context.Context) error {
	if m.rate != nil {
		m.rate.Close()
	}
	var errs []error
	for _, t := range m.totals {
		if err := t.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
