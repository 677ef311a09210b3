package indicator

// SMA calculates Simple Moving Average over a rolling window.
// Uses a preallocated circular buffer for zero-allocation hot path.
//
// Warm-up policy: while the window is under-filled the partial average
// sum/count is returned, so the caller always gets a value from the very
// first sample. (The alternative, withholding output until the window
// fills, is deliberately not used.)
type SMA struct {
	period int
	buf    []float64 // preallocated circular buffer
	idx    int       // current write position
	count  int       // total values received
	sum    float64
}

// NewSMA creates a new SMA calculator with the given period.
func NewSMA(period int) *SMA {
	return &SMA{
		period: period,
		buf:    make([]float64, period),
	}
}

func (s *SMA) Kind() Kind { return KindSMA }

func (s *SMA) Update(sample float64) float64 {
	if s.count >= s.period {
		// Subtract the oldest value being overwritten
		s.sum -= s.buf[s.idx]
	}

	s.buf[s.idx] = sample
	s.sum += sample
	s.idx = (s.idx + 1) % s.period
	s.count++

	return s.sum / float64(s.window())
}

// Value returns the mean of the current window, or 0 before any sample.
func (s *SMA) Value() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.window())
}

// Ready reports whether the window is full.
func (s *SMA) Ready() bool { return s.count >= s.period }

// window returns the number of samples currently held: min(count, period).
func (s *SMA) window() int {
	if s.count < s.period {
		return s.count
	}
	return s.period
}

// Snapshot serializes the SMA state for hand-off.
func (s *SMA) Snapshot() Snapshot {
	bufCopy := make([]float64, len(s.buf))
	copy(bufCopy, s.buf)
	return Snapshot{
		Kind:   KindSMA,
		Period: s.period,
		Buf:    bufCopy,
		Idx:    s.idx,
		Count:  s.count,
		Sum:    s.sum,
	}
}

// RestoreFromSnapshot replaces the SMA state.
func (s *SMA) RestoreFromSnapshot(snap Snapshot) error {
	if err := snap.validate(KindSMA); err != nil {
		return err
	}
	s.period = snap.Period
	s.idx = snap.Idx
	s.count = snap.Count
	s.sum = snap.Sum
	s.buf = make([]float64, snap.Period)
	copy(s.buf, snap.Buf)
	return nil
}
