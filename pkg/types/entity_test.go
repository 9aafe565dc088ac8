package types

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityStateDecimal(t *testing.T) {
	t.Run("numeric", func(t *testing.T) {
		d, err := EntityState{EntityID: "sensor.price", State: " 0.25 "}.Decimal()
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("0.25").Equal(d))
	})

	for _, state := range []string{"", "unknown", "unavailable", "abc", "1,5"} {
		t.Run("invalid "+state, func(t *testing.T) {
			_, err := EntityState{EntityID: "sensor.price", State: state}.Decimal()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))
		})
	}

	t.Run("flagged unavailable", func(t *testing.T) {
		s := EntityState{EntityID: "sensor.power", State: "100", Unavailable: true}
		assert.False(t, s.Available())
		_, err := s.Decimal()
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestCurrencyFromUnit(t *testing.T) {
	assert.Equal(t, "EUR", CurrencyFromUnit("EUR/kWh"))
	assert.Equal(t, "EUR", CurrencyFromUnit("€/kWh"))
	assert.Equal(t, "USD", CurrencyFromUnit("$/kWh"))
	assert.Equal(t, "SEK", CurrencyFromUnit(" SEK / kWh"))
	assert.Equal(t, DefaultCurrency, CurrencyFromUnit(""))
}
