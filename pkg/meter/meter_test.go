package meter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raterudder/energycost/pkg/host"
	"github.com/raterudder/energycost/pkg/storage/storagemock"
	"github.com/raterudder/energycost/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *host.Runtime, *fixedClock, *storagemock.MockDatabase) {
	clock := &fixedClock{now: time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)}
	rt := host.NewRuntime(clock)
	db := new(storagemock.MockDatabase)
	return NewRegistry(rt, db), rt, clock, db
}

func readingFor(t *testing.T, readings []Reading, entityID string) Reading {
	t.Helper()
	for _, r := range readings {
		if r.EntityID == entityID {
			return r
		}
	}
	t.Fatalf("no reading for %s", entityID)
	return Reading{}
}

func TestRegistryPowerMeter(t *testing.T) {
	ctx := context.Background()
	reg, rt, clock, db := newTestRegistry(t)
	db.On("Load", mock.Anything, "sensor.heat_pump_daily_energy_cost").Return("12.34", true, nil)
	db.On("Load", mock.Anything, mock.Anything).Return("", false, nil)

	m, err := reg.Add(ctx, types.MeterConfig{
		PriceSensor: "sensor.electricity_price",
		PowerSensor: "sensor.heat_pump_power",
	})
	require.NoError(t, err)
	assert.Equal(t, "heat_pump", m.Config().Name)
	assert.Equal(t, 3, rt.PendingTimers())

	rt.SetState(ctx, types.EntityState{EntityID: "sensor.electricity_price", State: "0.25", Unit: "EUR/kWh"})
	rt.SetState(ctx, types.EntityState{EntityID: "sensor.heat_pump_power", State: "2000", Unit: "W"})
	rt.RunPending(ctx)

	state, ok := rt.GetState("sensor.heat_pump_real_time_energy_cost")
	require.True(t, ok)
	assert.Equal(t, "0.50", state.State)
	assert.Equal(t, "EUR/h", state.Unit)

	clock.advance(time.Hour)
	rt.SetState(ctx, types.EntityState{EntityID: "sensor.heat_pump_power", State: "4000", Unit: "W"})
	rt.RunPending(ctx)

	readings, err := reg.Readings("heat_pump")
	require.NoError(t, err)
	require.Len(t, readings, 4)

	rate := readingFor(t, readings, "sensor.heat_pump_real_time_energy_cost")
	assert.Equal(t, "1.00", rate.Value)
	assert.Equal(t, "EUR/h", rate.Unit)
	assert.Equal(t, "Heat Pump Real Time Energy Cost", rate.Name)

	daily := readingFor(t, readings, "sensor.heat_pump_daily_energy_cost")
	assert.Equal(t, "13.34", daily.Value)
	assert.Equal(t, "EUR", daily.Unit)
	assert.Equal(t, "Heat Pump Daily Energy Cost", daily.Name)
	require.NotNil(t, daily.NextReset)
	assert.Equal(t, time.Date(2024, time.March, 11, 0, 0, 0, 0, time.UTC), *daily.NextReset)

	monthly := readingFor(t, readings, "sensor.heat_pump_monthly_energy_cost")
	assert.Equal(t, "1.00", monthly.Value)

	t.Run("Reset", func(t *testing.T) {
		require.NoError(t, reg.Reset(ctx, "heat_pump", types.IntervalDaily))
		readings, err := reg.Readings("heat_pump")
		require.NoError(t, err)
		assert.Equal(t, "0.00", readingFor(t, readings, "sensor.heat_pump_daily_energy_cost").Value)
		assert.Equal(t, "1.00", readingFor(t, readings, "sensor.heat_pump_monthly_energy_cost").Value)

		err = reg.Reset(ctx, "heat_pump", types.Interval("hourly"))
		assert.ErrorIs(t, err, ErrMeterNotFound)
		err = reg.Reset(ctx, "dryer", "")
		assert.ErrorIs(t, err, ErrMeterNotFound)
	})

	t.Run("Duplicate", func(t *testing.T) {
		_, err := reg.Add(ctx, types.MeterConfig{
			Name:        "Heat Pump",
			PriceSensor: "sensor.electricity_price",
			PowerSensor: "sensor.other_power",
		})
		assert.ErrorIs(t, err, types.ErrConfiguration)
	})

	t.Run("Close", func(t *testing.T) {
		db.On("Save", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		require.NoError(t, reg.Close(ctx))

		db.AssertCalled(t, "Save", mock.Anything, "sensor.heat_pump_daily_energy_cost", "0.00")
		db.AssertCalled(t, "Save", mock.Anything, "sensor.heat_pump_monthly_energy_cost", "1.00")
		db.AssertCalled(t, "Save", mock.Anything, "sensor.heat_pump_yearly_energy_cost", "1.00")
		assert.Equal(t, 0, rt.PendingTimers())
		assert.Empty(t, reg.Meters())

		// detached from the bus
		clock.advance(time.Hour)
		rt.SetState(ctx, types.EntityState{EntityID: "sensor.heat_pump_power", State: "8000", Unit: "W"})
		assert.Equal(t, 0, rt.RunPending(ctx))
	})
}

func TestRegistryEnergyMeter(t *testing.T) {
	ctx := context.Background()
	reg, rt, _, db := newTestRegistry(t)
	db.On("Load", mock.Anything, mock.Anything).Return("", false, nil)

	_, err := reg.Add(ctx, types.MeterConfig{
		Name:         "house",
		PriceSensor:  "sensor.electricity_price",
		EnergySensor: "sensor.house_energy",
	})
	require.NoError(t, err)

	rt.SetState(ctx, types.EntityState{EntityID: "sensor.electricity_price", State: "0.30", Unit: "EUR/kWh"})
	rt.SetState(ctx, types.EntityState{EntityID: "sensor.house_energy", State: "100", Unit: "kWh"})
	rt.SetState(ctx, types.EntityState{EntityID: "sensor.house_energy", State: "102", Unit: "kWh"})
	rt.RunPending(ctx)

	readings, err := reg.Readings("")
	require.NoError(t, err)
	require.Len(t, readings, 3, "energy meters have no rate entity")
	assert.Equal(t, "0.60", readingFor(t, readings, "sensor.house_daily_energy_cost").Value)

	// commits 2 kWh at the old price
	rt.SetState(ctx, types.EntityState{EntityID: "sensor.electricity_price", State: "0.40", Unit: "EUR/kWh"})
	rt.RunPending(ctx)
	rt.SetState(ctx, types.EntityState{EntityID: "sensor.house_energy", State: "103", Unit: "kWh"})
	rt.RunPending(ctx)

	state, ok := rt.GetState("sensor.house_yearly_energy_cost")
	require.True(t, ok)
	assert.Equal(t, "1.00", state.State)
	assert.Equal(t, "0.3000", state.Attributes["average_energy_cost"])

	t.Run("FlushError", func(t *testing.T) {
		db.On("Save", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("database down"))
		err := reg.Flush(ctx)
		assert.ErrorContains(t, err, "database down")
	})
}

func TestRegistryStart(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)}
	rt := host.NewRuntime(clock)
	db := new(storagemock.MockDatabase)
	db.On("Load", mock.Anything, mock.Anything).Return("", false, nil)

	reg := &Registry{
		configs: []types.MeterConfig{
			{Name: "dryer", PriceSensor: "sensor.electricity_price", PowerSensor: "sensor.dryer_power"},
			{Name: "boiler", PriceSensor: "sensor.electricity_price", EnergySensor: "sensor.boiler_energy"},
		},
		meters: make(map[string]*Meter),
	}
	require.NoError(t, reg.Start(ctx, rt, db))

	configs := reg.Meters()
	require.Len(t, configs, 2)
	assert.Equal(t, "boiler", configs[0].Name)
	assert.Equal(t, "dryer", configs[1].Name)
	assert.Equal(t, 6, rt.PendingTimers())

	_, err := reg.Readings("missing")
	assert.ErrorIs(t, err, ErrMeterNotFound)

	db.On("Save", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, reg.Close(ctx))
}
