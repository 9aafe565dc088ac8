package types

import "errors"

var (
	// ErrInvalidInput is returned when a source entity is unknown, unavailable
	// or does not hold a number.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRestoreParse is returned when a persisted total cannot be parsed.
	ErrRestoreParse = errors.New("unparsable persisted value")

	// ErrConfiguration is returned when a meter configuration is rejected.
	ErrConfiguration = errors.New("invalid configuration")
)
