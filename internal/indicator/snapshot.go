package indicator

import "fmt"

// Snapshot holds the serialized state of a single calculator instance.
// It is the unit of the registry-level state blob; the encoding is owned
// by the series package and opaque to everyone else.
type Snapshot struct {
	Kind   Kind `json:"kind"`
	Period int  `json:"period"`

	// SMA fields
	Buf []float64 `json:"buf,omitempty"`
	Idx int       `json:"idx,omitempty"`
	Sum float64   `json:"sum,omitempty"`

	// EMA fields
	Multiplier float64 `json:"multiplier,omitempty"`
	Seeded     bool    `json:"seeded,omitempty"`

	// shared
	Count   int     `json:"count"`
	Current float64 `json:"current,omitempty"`
}

// validate checks a snapshot is usable by a calculator of the given kind.
func (snap Snapshot) validate(want Kind) error {
	if snap.Kind != want {
		return fmt.Errorf("snapshot kind %q does not match calculator %q", snap.Kind, want)
	}
	if snap.Period < 1 {
		return fmt.Errorf("snapshot period must be >= 1, got %d", snap.Period)
	}
	if want == KindSMA {
		if len(snap.Buf) > snap.Period {
			return fmt.Errorf("snapshot window %d exceeds period %d", len(snap.Buf), snap.Period)
		}
		if snap.Idx < 0 || snap.Idx >= snap.Period {
			return fmt.Errorf("snapshot index %d out of range for period %d", snap.Idx, snap.Period)
		}
	}
	return nil
}

// Restore builds a fresh calculator from a snapshot.
func Restore(snap Snapshot) (Calculator, error) {
	if snap.Period < 1 {
		return nil, fmt.Errorf("snapshot period must be >= 1, got %d", snap.Period)
	}
	calc, err := New(snap.Kind, snap.Period)
	if err != nil {
		return nil, err
	}
	if err := calc.RestoreFromSnapshot(snap); err != nil {
		return nil, err
	}
	return calc, nil
}
