package indicator

import (
	"math"
	"testing"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

// ────────────────────────────────────────────────────────────
// SMA Correctness
// ────────────────────────────────────────────────────────────

func TestSMA_PartialWarmup(t *testing.T) {
	// SMA(3) over 10, 20, 30, 40: partial averages during warm-up,
	// then the window slides.
	// After 10:        10/1 = 10
	// After 20:   (10+20)/2 = 15
	// After 30: (10+20+30)/3 = 20
	// After 40: (20+30+40)/3 = 30
	sma := NewSMA(3)
	samples := []float64{10, 20, 30, 40}
	expected := []float64{10, 15, 20, 30}

	for i, x := range samples {
		got := sma.Update(x)
		assertClose(t, "SMA(3) partial warmup", got, expected[i], 0.0001)
	}
}

func TestSMA_WindowSlide_Period5(t *testing.T) {
	// Samples: 10..16. Once the window is full the oldest sample drops.
	// After 14: (10+11+12+13+14)/5 = 12.0
	// After 15: (11+12+13+14+15)/5 = 13.0
	// After 16: (12+13+14+15+16)/5 = 14.0
	sma := NewSMA(5)
	samples := []float64{10, 11, 12, 13, 14, 15, 16}
	expected := []float64{10, 10.5, 11, 11.5, 12, 13, 14}
	ready := []bool{false, false, false, false, true, true, true}

	for i, x := range samples {
		got := sma.Update(x)
		assertClose(t, "SMA(5)", got, expected[i], 0.0001)
		if sma.Ready() != ready[i] {
			t.Errorf("sample %d: Ready()=%v, want %v", i, sma.Ready(), ready[i])
		}
	}
}

func TestSMA_MatchesArithmeticMean(t *testing.T) {
	// Property: for any sample sequence, SMA(p) after n updates equals
	// the mean of the last min(n, p) samples. Cross-check the running
	// sum against a naive recomputation.
	const period = 7
	sma := NewSMA(period)

	var samples []float64
	x := 42.5
	for i := 0; i < 100; i++ {
		// Deterministic pseudo-random walk
		x += math.Sin(float64(i)*1.7) * 13.1
		samples = append(samples, x)

		got := sma.Update(x)

		lo := len(samples) - period
		if lo < 0 {
			lo = 0
		}
		sum := 0.0
		for _, v := range samples[lo:] {
			sum += v
		}
		want := sum / float64(len(samples)-lo)
		assertClose(t, "SMA running vs naive", got, want, 1e-9)
	}
}

// ────────────────────────────────────────────────────────────
// EMA Correctness
// ────────────────────────────────────────────────────────────

func TestEMA_SeedsWithFirstSample(t *testing.T) {
	ema := NewEMA(9)
	got := ema.Update(123.456)
	if got != 123.456 {
		t.Errorf("first update: got %v, want exact seed 123.456", got)
	}
}

func TestEMA_Period2(t *testing.T) {
	// period=2 → multiplier = 2/3.
	// After 10: 10 (seed)
	// After 20: 10*(1/3) + 20*(2/3) = 16.666...
	ema := NewEMA(2)
	assertClose(t, "EMA(2) seed", ema.Update(10), 10, 0.0001)
	assertClose(t, "EMA(2) second", ema.Update(20), 50.0/3.0, 0.0001)
}

func TestEMA_SmoothingFormula(t *testing.T) {
	// Cross-check against a literal reimplementation of the recurrence.
	const period = 5
	m := 2.0 / float64(period+1)
	ema := NewEMA(period)

	samples := []float64{100, 101.5, 99.25, 103, 97.75, 105.125}
	want := samples[0]
	for i, x := range samples {
		got := ema.Update(x)
		if i > 0 {
			want = x*m + want*(1-m)
		}
		assertClose(t, "EMA(5) recurrence", got, want, 1e-12)
	}
}

func TestEMA_ConvergesMonotonically(t *testing.T) {
	// Feeding a constant v repeatedly must strictly shrink |current - v|
	// on every update until equality.
	const v = 50.0
	ema := NewEMA(10)
	ema.Update(100) // seed far from v

	prevDist := math.Abs(ema.Value() - v)
	for i := 0; i < 100; i++ {
		got := ema.Update(v)
		dist := math.Abs(got - v)
		if dist > prevDist {
			t.Fatalf("update %d: distance grew from %v to %v", i, prevDist, dist)
		}
		// Strict decrease is only meaningful above the ulp floor.
		if dist == prevDist && dist > 1e-9 {
			t.Fatalf("update %d: distance stalled at %v", i, dist)
		}
		prevDist = dist
	}
	if prevDist > 1e-6 {
		t.Errorf("EMA did not converge: final distance %v", prevDist)
	}
}

// ────────────────────────────────────────────────────────────
// Kind / factory
// ────────────────────────────────────────────────────────────

func TestParseKind(t *testing.T) {
	if _, err := ParseKind("EMA"); err != nil {
		t.Errorf("EMA: unexpected error %v", err)
	}
	if _, err := ParseKind("SMA"); err != nil {
		t.Errorf("SMA: unexpected error %v", err)
	}
	for _, bad := range []string{"", "ema", "WMA", "RSI"} {
		if _, err := ParseKind(bad); err == nil {
			t.Errorf("ParseKind(%q): expected error", bad)
		}
	}
}

func TestNew_RejectsBadPeriod(t *testing.T) {
	for _, p := range []int{0, -1, -100} {
		if _, err := New(KindSMA, p); err == nil {
			t.Errorf("New(SMA, %d): expected error", p)
		}
	}
	if _, err := New(KindEMA, 1); err != nil {
		t.Errorf("New(EMA, 1): unexpected error %v", err)
	}
}

// ────────────────────────────────────────────────────────────
// Snapshot / Restore
// ────────────────────────────────────────────────────────────

func TestSnapshotRestore_SMA(t *testing.T) {
	sma := NewSMA(3)
	for _, x := range []float64{10, 20, 30, 40} {
		sma.Update(x)
	}

	restored, err := Restore(sma.Snapshot())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	// Feeding the same next sample to both must give identical output.
	want := sma.Update(55)
	got := restored.Update(55)
	assertClose(t, "SMA restored continuation", got, want, 1e-12)
}

func TestSnapshotRestore_EMA(t *testing.T) {
	ema := NewEMA(4)
	for _, x := range []float64{5, 6, 7} {
		ema.Update(x)
	}

	restored, err := Restore(ema.Snapshot())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	want := ema.Update(9.5)
	got := restored.Update(9.5)
	assertClose(t, "EMA restored continuation", got, want, 1e-12)
}

func TestSnapshotRestore_UnseededEMA(t *testing.T) {
	// A snapshot taken before the first sample must restore to a
	// calculator that still seeds with its first sample.
	ema := NewEMA(3)
	restored, err := Restore(ema.Snapshot())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := restored.Update(77); got != 77 {
		t.Errorf("restored unseeded EMA: got %v, want 77", got)
	}
}

func TestRestore_RejectsInvalidSnapshots(t *testing.T) {
	cases := []struct {
		name string
		snap Snapshot
	}{
		{"zero period", Snapshot{Kind: KindEMA, Period: 0}},
		{"unknown kind", Snapshot{Kind: "WMA", Period: 3}},
		{"oversized window", Snapshot{Kind: KindSMA, Period: 2, Buf: []float64{1, 2, 3}}},
		{"index out of range", Snapshot{Kind: KindSMA, Period: 2, Buf: []float64{1, 2}, Idx: 5}},
	}
	for _, tc := range cases {
		if _, err := Restore(tc.snap); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestRestoreFromSnapshot_KindMismatch(t *testing.T) {
	sma := NewSMA(3)
	if err := sma.RestoreFromSnapshot(NewEMA(3).Snapshot()); err == nil {
		t.Error("SMA restored from EMA snapshot: expected error")
	}
}
