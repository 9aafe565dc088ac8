package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// StateUnknown is reported by sources that have not produced a value yet.
	StateUnknown = "unknown"
	// StateUnavailable is reported by sources that are offline.
	StateUnavailable = "unavailable"

	// DefaultCurrency is used when the price entity has no usable unit.
	DefaultCurrency = "EUR"
)

// EntityState is the latest reported state of a single entity in the host.
type EntityState struct {
	EntityID    string            `json:"entityId"`
	State       string            `json:"state"`
	Unit        string            `json:"unit,omitempty"`
	Unavailable bool              `json:"unavailable,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	LastChanged time.Time         `json:"lastChanged"`
}

// StateChange is delivered to bus subscribers whenever a watched entity is written.
// OldState is nil for the first write of an entity.
type StateChange struct {
	EntityID string
	OldState *EntityState
	NewState *EntityState
	Time     time.Time
}

// Available returns false if the state is flagged unavailable or holds one of
// the placeholder values.
func (s EntityState) Available() bool {
	if s.Unavailable {
		return false
	}
	switch strings.TrimSpace(s.State) {
	case "", StateUnknown, StateUnavailable:
		return false
	}
	return true
}

// Decimal parses the state as a decimal number. Any unavailable or
// non-numeric state returns an error wrapping ErrInvalidInput.
func (s EntityState) Decimal() (decimal.Decimal, error) {
	if !s.Available() {
		return decimal.Zero, fmt.Errorf("%w: %s is %q", ErrInvalidInput, s.EntityID, s.State)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s.State))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s is not numeric (%q): %v", ErrInvalidInput, s.EntityID, s.State, err)
	}
	return d, nil
}

// CurrencyFromUnit extracts the currency part of a price or rate unit, e.g.
// "EUR/kWh" or "€/h". It falls back to DefaultCurrency.
func CurrencyFromUnit(unit string) string {
	currency, _, _ := strings.Cut(unit, "/")
	currency = strings.TrimSpace(currency)
	switch currency {
	case "":
		return DefaultCurrency
	case "€":
		return "EUR"
	case "$":
		return "USD"
	case "£":
		return "GBP"
	}
	return currency
}
