// Package indicator provides incremental moving-average calculators.
//
// Each calculator is a pure per-series computation unit: it consumes one
// float64 sample at a time and returns the indicator value after
// incorporating it. Calculators do no I/O and know nothing about the
// protocol; invalid samples (NaN, Inf) are filtered by the caller.
package indicator

import "fmt"

// Kind identifies a calculator variant. The set is closed: ParseKind
// rejects anything else at configuration time, and New switches
// exhaustively, so adding a third indicator is a one-case change in each.
type Kind string

const (
	KindEMA Kind = "EMA"
	KindSMA Kind = "SMA"
)

// ParseKind validates a configured indicator type string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindEMA:
		return KindEMA, nil
	case KindSMA:
		return KindSMA, nil
	}
	return "", fmt.Errorf("unknown indicator type %q (want EMA or SMA)", s)
}

// Calculator is a stateful incremental indicator for a single series.
type Calculator interface {
	// Kind returns the calculator variant.
	Kind() Kind

	// Update consumes one observation and returns the indicator's current
	// value after incorporating it. O(1) per call, bounded memory.
	Update(sample float64) float64

	// Value returns the current value without consuming anything.
	// Returns 0 before the first sample.
	Value() float64

	// Snapshot serializes the calculator state for hand-off.
	Snapshot() Snapshot

	// RestoreFromSnapshot replaces the calculator state.
	RestoreFromSnapshot(snap Snapshot) error
}

// New creates a fresh calculator of the given kind. period must be >= 1;
// callers validate it at configuration time.
func New(kind Kind, period int) (Calculator, error) {
	if period < 1 {
		return nil, fmt.Errorf("period must be >= 1, got %d", period)
	}
	switch kind {
	case KindEMA:
		return NewEMA(period), nil
	case KindSMA:
		return NewSMA(period), nil
	}
	return nil, fmt.Errorf("unknown indicator kind %q", kind)
}
