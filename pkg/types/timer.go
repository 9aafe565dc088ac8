package types

// TimerHandle identifies a pending scheduled callback. The zero value never
// refers to a scheduled callback.
type TimerHandle uint64
