package cost

import (
	"context"
	"testing"
	"time"

	"github.com/raterudder/energycost/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEnergySensor = "sensor.house_energy"
	testPriceSensor  = "sensor.price"
)

func newTestEnergyAccumulator(t *testing.T, h *fakeHost, store StateStore) *EnergyAccumulator {
	t.Helper()
	e, err := NewEnergyAccumulator(context.Background(), h, store, EnergyConfig{
		EntityID:     "sensor.house_daily_energy_cost",
		PriceSensor:  testPriceSensor,
		EnergySensor: testEnergySensor,
		Interval:     types.IntervalDaily,
	})
	require.NoError(t, err)
	return e
}

func TestEnergyAccumulator(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("prices energy deltas and commits on price change", func(t *testing.T) {
		h := newFakeHost(start)
		h.set(ctx, testPriceSensor, "0.20", "SEK/kWh")
		e := newTestEnergyAccumulator(t, h, newMemStore())
		assert.Equal(t, "SEK", e.Currency())

		h.set(ctx, testEnergySensor, "100", "kWh")
		assert.True(t, e.Value().IsZero(), "first reading only initializes")

		h.set(ctx, testEnergySensor, "102", "kWh")
		assert.Equal(t, "0.40", e.Value().StringFixed(2))
		assert.True(t, e.CumulativeCost().IsZero(), "not committed before a price change")

		h.set(ctx, testPriceSensor, "0.30", "SEK/kWh")
		assert.Equal(t, "0.40", e.Value().StringFixed(2))
		assert.Equal(t, "0.40", e.CumulativeCost().StringFixed(2))
		assert.Equal(t, "2", e.CumulativeEnergy().String())

		h.set(ctx, testEnergySensor, "105", "kWh")
		assert.Equal(t, "1.30", e.Value().StringFixed(2))

		published := h.publishedFor(e.EntityID())
		last := published[len(published)-1]
		assert.Equal(t, "1.30", last.State)
		assert.Equal(t, "SEK", last.Unit)
		assert.Equal(t, "102", last.Attributes["last_energy_reading"])
		assert.Equal(t, "0.2000", last.Attributes["average_energy_cost"])
	})

	t.Run("unavailable sensors are skipped", func(t *testing.T) {
		h := newFakeHost(start)
		h.set(ctx, testPriceSensor, "0.20", "EUR/kWh")
		e := newTestEnergyAccumulator(t, h, newMemStore())
		h.set(ctx, testEnergySensor, "100", "kWh")
		h.set(ctx, testEnergySensor, "101", "kWh")
		require.Equal(t, "0.20", e.Value().StringFixed(2))

		h.set(ctx, testEnergySensor, "unavailable", "kWh")
		assert.Equal(t, "0.20", e.Value().StringFixed(2))

		// committing needs a valid energy reading
		h.set(ctx, testPriceSensor, "0.50", "EUR/kWh")
		assert.True(t, e.CumulativeCost().IsZero())

		err := e.OnEnergyUpdate(ctx, types.EntityState{EntityID: testEnergySensor, State: "abc"}, types.EntityState{State: "0.2"})
		assert.ErrorIs(t, err, types.ErrInvalidInput)
	})

	t.Run("decreasing reading rebaselines", func(t *testing.T) {
		h := newFakeHost(start)
		h.set(ctx, testPriceSensor, "1.00", "EUR/kWh")
		e := newTestEnergyAccumulator(t, h, newMemStore())
		h.set(ctx, testEnergySensor, "50", "kWh")
		h.set(ctx, testEnergySensor, "51", "kWh")
		h.set(ctx, testPriceSensor, "2.00", "EUR/kWh")
		require.Equal(t, "1.00", e.Value().StringFixed(2))

		h.set(ctx, testEnergySensor, "0.5", "kWh")
		assert.Equal(t, "1.00", e.Value().StringFixed(2))

		h.set(ctx, testEnergySensor, "1.5", "kWh")
		assert.Equal(t, "3.00", e.Value().StringFixed(2))
	})

	t.Run("reset keeps the last reading", func(t *testing.T) {
		h := newFakeHost(start)
		h.set(ctx, testPriceSensor, "0.30", "EUR/kWh")
		e := newTestEnergyAccumulator(t, h, newMemStore())
		h.set(ctx, testEnergySensor, "10", "kWh")
		h.set(ctx, testEnergySensor, "20", "kWh")
		h.set(ctx, testPriceSensor, "0.10", "EUR/kWh")
		require.Equal(t, "3.00", e.Value().StringFixed(2))

		midnight := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
		h.advance(ctx, midnight.Add(time.Minute))
		assert.True(t, e.Value().IsZero())
		assert.True(t, e.CumulativeCost().IsZero())
		assert.True(t, e.CumulativeEnergy().IsZero())
		assert.Equal(t, midnight, e.LastReset())
		assert.Equal(t, midnight.AddDate(0, 0, 1), e.NextReset())

		h.set(ctx, testEnergySensor, "25", "kWh")
		assert.Equal(t, "0.50", e.Value().StringFixed(2))
	})

	t.Run("flush and restore", func(t *testing.T) {
		h := newFakeHost(start)
		h.set(ctx, testPriceSensor, "0.25", "EUR/kWh")
		store := newMemStore()
		e := newTestEnergyAccumulator(t, h, store)
		h.set(ctx, testEnergySensor, "10", "kWh")
		h.set(ctx, testEnergySensor, "14", "kWh")
		h.set(ctx, testPriceSensor, "0.50", "EUR/kWh")
		require.NoError(t, e.Close(ctx))
		assert.Empty(t, h.pending())

		assert.Equal(t, "1", store.values["sensor.house_daily_energy_cost"])
		assert.Equal(t, "14", store.values["sensor.house_daily_energy_cost.last_energy_reading"])

		h2 := newFakeHost(start.Add(time.Hour))
		h2.set(ctx, testPriceSensor, "0.50", "EUR/kWh")
		restored := newTestEnergyAccumulator(t, h2, store)
		assert.Equal(t, "1.00", restored.Value().StringFixed(2))
		assert.Equal(t, "1.00", restored.CumulativeCost().StringFixed(2))
		assert.Equal(t, "4", restored.CumulativeEnergy().String())

		// restored reading is the baseline, no re-initialization
		h2.set(ctx, testEnergySensor, "16", "kWh")
		assert.Equal(t, "2.00", restored.Value().StringFixed(2))
	})

	t.Run("negative prices survive a restart", func(t *testing.T) {
		h := newFakeHost(start)
		h.set(ctx, testPriceSensor, "-0.10", "EUR/kWh")
		store := newMemStore()
		e := newTestEnergyAccumulator(t, h, store)
		h.set(ctx, testEnergySensor, "10", "kWh")
		h.set(ctx, testEnergySensor, "20", "kWh")
		assert.True(t, e.Value().IsZero(), "published value never goes negative")
		h.set(ctx, testPriceSensor, "0.20", "EUR/kWh")
		require.Equal(t, "-1", e.CumulativeCost().String())
		require.NoError(t, e.Flush(ctx))
		assert.Equal(t, "-1", store.values["sensor.house_daily_energy_cost.cumulative_cost"])

		h2 := newFakeHost(start.Add(time.Hour))
		h2.set(ctx, testPriceSensor, "0.20", "EUR/kWh")
		restored := newTestEnergyAccumulator(t, h2, store)
		assert.Equal(t, "-1", restored.CumulativeCost().String())
		assert.Equal(t, "10", restored.CumulativeEnergy().String())

		h.set(ctx, testEnergySensor, "30", "kWh")
		h2.set(ctx, testEnergySensor, "30", "kWh")
		assert.Equal(t, "1.00", e.Value().StringFixed(2))
		assert.Equal(t, e.Value().StringFixed(2), restored.Value().StringFixed(2))
	})

	t.Run("flush saves in a fixed order", func(t *testing.T) {
		h := newFakeHost(start)
		h.set(ctx, testPriceSensor, "0.25", "EUR/kWh")
		store := newMemStore()
		e := newTestEnergyAccumulator(t, h, store)
		require.NoError(t, e.Flush(ctx))
		assert.Equal(t, []string{
			"sensor.house_daily_energy_cost",
			"sensor.house_daily_energy_cost.cumulative_cost",
			"sensor.house_daily_energy_cost.cumulative_energy",
			"sensor.house_daily_energy_cost.last_reset",
		}, store.saved)

		h.set(ctx, testEnergySensor, "10", "kWh")
		for i := 0; i < 5; i++ {
			store.saved = nil
			require.NoError(t, e.Flush(ctx))
			assert.Equal(t, []string{
				"sensor.house_daily_energy_cost",
				"sensor.house_daily_energy_cost.cumulative_cost",
				"sensor.house_daily_energy_cost.cumulative_energy",
				"sensor.house_daily_energy_cost.last_energy_reading",
				"sensor.house_daily_energy_cost.last_reset",
			}, store.saved)
		}
	})

	t.Run("totals from an earlier period are discarded", func(t *testing.T) {
		store := newMemStore()
		store.values["sensor.house_daily_energy_cost"] = "4.00"
		store.values["sensor.house_daily_energy_cost.cumulative_cost"] = "4"
		store.values["sensor.house_daily_energy_cost.cumulative_energy"] = "16"
		store.values["sensor.house_daily_energy_cost.last_energy_reading"] = "116"
		store.values["sensor.house_daily_energy_cost.last_reset"] = time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)

		h := newFakeHost(start)
		h.set(ctx, testPriceSensor, "0.50", "EUR/kWh")
		e := newTestEnergyAccumulator(t, h, store)
		assert.True(t, e.Value().IsZero())
		assert.True(t, e.CumulativeCost().IsZero())
		assert.True(t, e.CumulativeEnergy().IsZero())
		assert.Equal(t, start, e.LastReset())

		// the reading is still the baseline for the new period
		h.set(ctx, testEnergySensor, "118", "kWh")
		assert.Equal(t, "1.00", e.Value().StringFixed(2))
	})

	t.Run("corrupt persisted values start at zero", func(t *testing.T) {
		store := newMemStore()
		store.values["sensor.house_daily_energy_cost"] = "abc"
		store.values["sensor.house_daily_energy_cost.cumulative_cost"] = "1.5"
		store.values["sensor.house_daily_energy_cost.last_energy_reading"] = "xyz"
		e := newTestEnergyAccumulator(t, newFakeHost(start), store)
		assert.True(t, e.Value().IsZero())
		assert.Equal(t, "1.5", e.CumulativeCost().String())
	})
}
