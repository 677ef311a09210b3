package indicator

// EMA calculates Exponential Moving Average.
// O(1) per update, no window storage needed.
//
// The first observation seeds the average and is returned exactly;
// afterwards each update applies the standard smoothing formula with
// multiplier 2/(period+1).
type EMA struct {
	period     int
	multiplier float64
	current    float64
	seeded     bool
	count      int
}

// NewEMA creates a new EMA calculator with the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Kind() Kind { return KindEMA }

func (e *EMA) Update(sample float64) float64 {
	e.count++
	if !e.seeded {
		e.current = sample
		e.seeded = true
		return e.current
	}

	// EMA = (sample * multiplier) + (EMA_prev * (1 - multiplier))
	e.current = (sample * e.multiplier) + (e.current * (1 - e.multiplier))
	return e.current
}

// Value returns the current EMA, or 0 before the first sample.
func (e *EMA) Value() float64 { return e.current }

// Ready reports whether the warm-up window has been consumed.
func (e *EMA) Ready() bool { return e.count >= e.period }

// Snapshot serializes the EMA state for hand-off.
func (e *EMA) Snapshot() Snapshot {
	return Snapshot{
		Kind:       KindEMA,
		Period:     e.period,
		Multiplier: e.multiplier,
		Current:    e.current,
		Seeded:     e.seeded,
		Count:      e.count,
	}
}

// RestoreFromSnapshot replaces the EMA state.
func (e *EMA) RestoreFromSnapshot(snap Snapshot) error {
	if err := snap.validate(KindEMA); err != nil {
		return err
	}
	e.period = snap.Period
	e.multiplier = snap.Multiplier
	if e.multiplier == 0 {
		e.multiplier = 2.0 / float64(snap.Period+1)
	}
	e.current = snap.Current
	e.seeded = snap.Seeded
	e.count = snap.Count
	return nil
}
