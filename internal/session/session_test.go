package session

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"indicator-udfv1/internal/udf"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession() *Session {
	return New("test", testLogger(), nil, Hooks{})
}

func initReq() udf.Request {
	return udf.Request{Type: udf.RequestInit, Init: &udf.InitRequest{
		Options: map[string]string{"task": "t1"},
	}}
}

func optionsReq(kind string, period int) udf.Request {
	return udf.Request{Type: udf.RequestOptions, Options: &udf.OptionsRequest{
		Type:        kind,
		Period:      period,
		Field:       "price",
		As:          "avg",
		TickerField: "sym",
	}}
}

func pointReq(sym string, price float64) udf.Request {
	return udf.Request{Type: udf.RequestPoint, Point: &udf.Point{
		Timestamp: 1700000000,
		Fields:    map[string]float64{"price": price},
		Tags:      map[string]string{"sym": sym},
	}}
}

// startStreaming drives a fresh session through the handshake.
func startStreaming(t *testing.T, kind string, period int) *Session {
	t.Helper()
	s := newTestSession()
	mustOK(t, s.Handle(initReq()), udf.ResponseInit)
	mustOK(t, s.Handle(optionsReq(kind, period)), udf.ResponseOptions)
	if s.Phase() != PhaseStreaming {
		t.Fatalf("after handshake: phase %v, want streaming", s.Phase())
	}
	return s
}

// mustOK asserts exactly one response of the given type with no error.
func mustOK(t *testing.T, responses []udf.Response, want udf.ResponseType) udf.Response {
	t.Helper()
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	r := responses[0]
	if r.Type != want {
		t.Fatalf("response type %q, want %q", r.Type, want)
	}
	if r.Error != "" {
		t.Fatalf("unexpected error in response: %s", r.Error)
	}
	return r
}

func mustPointValue(t *testing.T, responses []udf.Response, field string, want float64) {
	t.Helper()
	r := mustOK(t, responses, udf.ResponsePoint)
	got, ok := r.Point.Fields[field]
	if !ok {
		t.Fatalf("output point missing field %q", field)
	}
	if math.Abs(got-want) > 0.0001 {
		t.Errorf("output %s: got %v, want %v", field, got, want)
	}
}

// ────────────────────────────────────────────────────────────
// Handshake & configuration
// ────────────────────────────────────────────────────────────

func TestSession_HappyPath_SMA(t *testing.T) {
	// Options{type=SMA, period=3}; prices 10, 20, 30, 40 for one ticker
	// produce 10, 15, 20, 30.
	s := startStreaming(t, "SMA", 3)

	prices := []float64{10, 20, 30, 40}
	expected := []float64{10, 15, 20, 30}
	for i, p := range prices {
		mustPointValue(t, s.Handle(pointReq("X", p)), "avg", expected[i])
	}
}

func TestSession_HappyPath_EMA(t *testing.T) {
	// Options{type=EMA, period=2} → multiplier 2/3; prices 10, 20 produce
	// 10 then 16.666…
	s := startStreaming(t, "EMA", 2)
	mustPointValue(t, s.Handle(pointReq("X", 10)), "avg", 10)
	mustPointValue(t, s.Handle(pointReq("X", 20)), "avg", 50.0/3.0)
}

func TestSession_OutputPreservesInput(t *testing.T) {
	s := startStreaming(t, "SMA", 3)
	req := pointReq("X", 10)
	req.Point.Fields["volume"] = 999
	req.Point.Tags["exchange"] = "NSE"

	r := mustOK(t, s.Handle(req), udf.ResponsePoint)
	if r.Point.Fields["price"] != 10 || r.Point.Fields["volume"] != 999 {
		t.Error("output point lost input fields")
	}
	if r.Point.Tags["exchange"] != "NSE" || r.Point.Tags["sym"] != "X" {
		t.Error("output point lost input tags")
	}
	if r.Point.Timestamp != req.Point.Timestamp {
		t.Error("output point lost timestamp")
	}
	if r.Point == req.Point {
		t.Error("output point aliases the input point")
	}
}

func TestSession_ConfigErrors(t *testing.T) {
	bad := []struct {
		name string
		opts udf.OptionsRequest
	}{
		{"zero period", udf.OptionsRequest{Type: "SMA", Period: 0, Field: "p", As: "a", TickerField: "s"}},
		{"unknown type", udf.OptionsRequest{Type: "WMA", Period: 3, Field: "p", As: "a", TickerField: "s"}},
		{"missing field", udf.OptionsRequest{Type: "SMA", Period: 3, As: "a", TickerField: "s"}},
		{"missing as", udf.OptionsRequest{Type: "SMA", Period: 3, Field: "p", TickerField: "s"}},
		{"missing ticker_field", udf.OptionsRequest{Type: "SMA", Period: 3, Field: "p", As: "a"}},
	}

	for _, tc := range bad {
		s := newTestSession()
		s.Handle(initReq())

		opts := tc.opts
		responses := s.Handle(udf.Request{Type: udf.RequestOptions, Options: &opts})
		if len(responses) != 1 || responses[0].Type != udf.ResponseOptions {
			t.Fatalf("%s: expected single options response", tc.name)
		}
		if responses[0].Error == "" {
			t.Errorf("%s: expected config error in response", tc.name)
		}
		// Config errors are not fatal: session stays Configured and a
		// corrected Options succeeds.
		if s.Phase() != PhaseConfigured {
			t.Errorf("%s: phase %v, want configured", tc.name, s.Phase())
		}
		mustOK(t, s.Handle(optionsReq("SMA", 3)), udf.ResponseOptions)
	}
}

// ────────────────────────────────────────────────────────────
// Protocol errors
// ────────────────────────────────────────────────────────────

func TestSession_PointBeforeOptionsIsFatal(t *testing.T) {
	s := newTestSession()
	s.Handle(initReq())

	responses := s.Handle(pointReq("X", 10))
	if len(responses) != 1 || responses[0].Type != udf.ResponseError {
		t.Fatal("expected error response")
	}
	if s.Phase() != PhaseTerminated {
		t.Fatalf("phase %v, want terminated", s.Phase())
	}

	// Nothing is processed after termination.
	if got := s.Handle(pointReq("X", 20)); got != nil {
		t.Errorf("terminated session produced %d responses", len(got))
	}
	if got := s.Handle(optionsReq("SMA", 3)); got != nil {
		t.Errorf("terminated session accepted options")
	}
}

func TestSession_ProtocolErrorTable(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*Session)
		req   udf.Request
	}{
		{"options before init", func(s *Session) {}, optionsReq("SMA", 3)},
		{"point uninitialized", func(s *Session) {}, pointReq("X", 1)},
		{"double init", func(s *Session) { s.Handle(initReq()) }, initReq()},
		{"snapshot before streaming", func(s *Session) { s.Handle(initReq()) }, udf.Request{Type: udf.RequestSnapshot}},
		{"end_batch while streaming", func(s *Session) {
			s.Handle(initReq())
			s.Handle(optionsReq("SMA", 3))
		}, udf.Request{Type: udf.RequestEndBatch}},
		{"nested begin_batch", func(s *Session) {
			s.Handle(initReq())
			s.Handle(optionsReq("SMA", 3))
			s.Handle(udf.Request{Type: udf.RequestBeginBatch})
		}, udf.Request{Type: udf.RequestBeginBatch}},
	}

	for _, tc := range cases {
		s := newTestSession()
		tc.setup(s)
		responses := s.Handle(tc.req)
		if len(responses) != 1 || responses[0].Type != udf.ResponseError {
			t.Errorf("%s: expected error response, got %v", tc.name, responses)
			continue
		}
		if !s.Terminated() {
			t.Errorf("%s: session not terminated", tc.name)
		}
	}
}

func TestSession_StatePreservedUpToViolation(t *testing.T) {
	// Points committed before a protocol error stay applied; the error
	// only stops further processing.
	s := startStreaming(t, "SMA", 3)
	s.Handle(pointReq("X", 10))
	s.Handle(pointReq("X", 20))

	s.Handle(initReq()) // protocol error, terminates

	if !s.Terminated() {
		t.Fatal("expected termination")
	}
	if s.Registry().Len() != 1 {
		t.Errorf("registry lost committed state: %d series", s.Registry().Len())
	}
}

// ────────────────────────────────────────────────────────────
// Data errors
// ────────────────────────────────────────────────────────────

func TestSession_DataErrorsSkipPoint(t *testing.T) {
	s := startStreaming(t, "SMA", 3)
	mustPointValue(t, s.Handle(pointReq("X", 10)), "avg", 10)

	// Missing source field: no output, no termination.
	noField := udf.Request{Type: udf.RequestPoint, Point: &udf.Point{
		Fields: map[string]float64{"volume": 1},
		Tags:   map[string]string{"sym": "X"},
	}}
	if got := s.Handle(noField); got != nil {
		t.Errorf("missing field produced %d responses", len(got))
	}

	// Missing key tag.
	noKey := udf.Request{Type: udf.RequestPoint, Point: &udf.Point{
		Fields: map[string]float64{"price": 99},
		Tags:   map[string]string{"other": "X"},
	}}
	if got := s.Handle(noKey); got != nil {
		t.Errorf("missing key produced %d responses", len(got))
	}

	// Non-finite values.
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if got := s.Handle(pointReq("X", bad)); got != nil {
			t.Errorf("non-finite %v produced %d responses", bad, len(got))
		}
	}

	if s.Terminated() {
		t.Fatal("data errors must not terminate the session")
	}

	// The skipped points did not touch calculator state: the next valid
	// point continues from 10 alone → (10+20)/2 = 15.
	mustPointValue(t, s.Handle(pointReq("X", 20)), "avg", 15)
}

// ────────────────────────────────────────────────────────────
// Series isolation through the protocol
// ────────────────────────────────────────────────────────────

func TestSession_SeriesIsolation(t *testing.T) {
	s := startStreaming(t, "SMA", 2)
	mustPointValue(t, s.Handle(pointReq("A", 10)), "avg", 10)
	mustPointValue(t, s.Handle(pointReq("B", 1000)), "avg", 1000)
	mustPointValue(t, s.Handle(pointReq("A", 20)), "avg", 15)
	mustPointValue(t, s.Handle(pointReq("B", 2000)), "avg", 1500)
	mustPointValue(t, s.Handle(pointReq("A", 30)), "avg", 25)
}

// ────────────────────────────────────────────────────────────
// Batches
// ────────────────────────────────────────────────────────────

func TestSession_BatchPassThrough(t *testing.T) {
	s := startStreaming(t, "SMA", 3)
	mustPointValue(t, s.Handle(pointReq("X", 10)), "avg", 10)

	if got := s.Handle(udf.Request{Type: udf.RequestBeginBatch}); got != nil {
		t.Errorf("begin_batch produced %d responses", len(got))
	}
	if s.Phase() != PhaseBatchOpen {
		t.Fatalf("phase %v, want batch_open", s.Phase())
	}

	// Points inside a batch flow through the same calculators.
	mustPointValue(t, s.Handle(pointReq("X", 20)), "avg", 15)

	mustOK(t, s.Handle(udf.Request{Type: udf.RequestEndBatch}), udf.ResponseEndBatch)
	if s.Phase() != PhaseStreaming {
		t.Fatalf("phase %v, want streaming", s.Phase())
	}

	mustPointValue(t, s.Handle(pointReq("X", 30)), "avg", 20)
}

// ────────────────────────────────────────────────────────────
// Snapshot / Restore
// ────────────────────────────────────────────────────────────

func TestSession_SnapshotRestoreIdempotence(t *testing.T) {
	s := startStreaming(t, "EMA", 4)
	s.Handle(pointReq("X", 10))
	s.Handle(pointReq("X", 14))

	snap := mustOK(t, s.Handle(udf.Request{Type: udf.RequestSnapshot}), udf.ResponseSnapshot)
	if len(snap.State) == 0 {
		t.Fatal("empty snapshot state")
	}

	// Diverge, then restore and verify the next sample replays identically.
	want := mustOK(t, s.Handle(pointReq("X", 20)), udf.ResponsePoint).Point.Fields["avg"]
	s.Handle(pointReq("X", 999))
	s.Handle(pointReq("X", -5))

	mustOK(t, s.Handle(udf.Request{Type: udf.RequestRestore, Restore: &udf.RestoreRequest{State: snap.State}}), udf.ResponseRestore)
	got := mustOK(t, s.Handle(pointReq("X", 20)), udf.ResponsePoint).Point.Fields["avg"]

	if math.Abs(got-want) > 1e-12 {
		t.Errorf("restored continuation: got %v, want %v", got, want)
	}
}

func TestSession_RestoreMalformedBlob(t *testing.T) {
	s := startStreaming(t, "SMA", 3)
	mustPointValue(t, s.Handle(pointReq("X", 10)), "avg", 10)

	responses := s.Handle(udf.Request{Type: udf.RequestRestore, Restore: &udf.RestoreRequest{State: []byte("garbage")}})
	if len(responses) != 1 || responses[0].Type != udf.ResponseRestore || responses[0].Error == "" {
		t.Fatalf("expected restore response with error, got %v", responses)
	}
	if s.Terminated() {
		t.Fatal("malformed restore must not terminate the session")
	}

	// Registry untouched: (10+20)/2 = 15.
	mustPointValue(t, s.Handle(pointReq("X", 20)), "avg", 15)
}

func TestSession_RestoreBeforeOptionsIsStaged(t *testing.T) {
	// Build a snapshot in one session…
	src := startStreaming(t, "SMA", 3)
	src.Handle(pointReq("X", 10))
	src.Handle(pointReq("X", 20))
	snap := mustOK(t, src.Handle(udf.Request{Type: udf.RequestSnapshot}), udf.ResponseSnapshot)

	// …and hand it to a new session before Options.
	s := newTestSession()
	mustOK(t, s.Handle(initReq()), udf.ResponseInit)
	mustOK(t, s.Handle(udf.Request{Type: udf.RequestRestore, Restore: &udf.RestoreRequest{State: snap.State}}), udf.ResponseRestore)
	mustOK(t, s.Handle(optionsReq("SMA", 3)), udf.ResponseOptions)

	// The staged state is live: (10+20+30)/3 = 20.
	mustPointValue(t, s.Handle(pointReq("X", 30)), "avg", 20)
}

func TestSession_SnapshotHook(t *testing.T) {
	var tapped [][]byte
	s := New("test", testLogger(), nil, Hooks{
		OnSnapshot: func(state []byte) { tapped = append(tapped, state) },
	})
	s.Handle(initReq())
	s.Handle(optionsReq("SMA", 2))
	s.Handle(pointReq("X", 10))

	snap := mustOK(t, s.Handle(udf.Request{Type: udf.RequestSnapshot}), udf.ResponseSnapshot)
	if len(tapped) != 1 || string(tapped[0]) != string(snap.State) {
		t.Error("snapshot hook did not receive the served blob")
	}
}

func TestSession_EmitHook(t *testing.T) {
	var keys []string
	s := New("test", testLogger(), nil, Hooks{
		OnEmit: func(key string, p *udf.Point) { keys = append(keys, key) },
	})
	s.Handle(initReq())
	s.Handle(optionsReq("SMA", 2))
	s.Handle(pointReq("A", 1))
	s.Handle(pointReq("B", 2))
	s.Handle(pointReq("A", 3))

	want := []string{"A", "B", "A"}
	if len(keys) != len(want) {
		t.Fatalf("emit hook fired %d times, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("emit %d: key %q, want %q", i, keys[i], want[i])
		}
	}
}

// ────────────────────────────────────────────────────────────
// Terminate
// ────────────────────────────────────────────────────────────

func TestSession_TerminateFromAnyPhase(t *testing.T) {
	setups := []func() *Session{
		func() *Session { return newTestSession() },
		func() *Session { s := newTestSession(); s.Handle(initReq()); return s },
		func() *Session { return startStreaming(t, "SMA", 2) },
		func() *Session {
			s := startStreaming(t, "SMA", 2)
			s.Handle(udf.Request{Type: udf.RequestBeginBatch})
			return s
		},
	}
	for i, setup := range setups {
		s := setup()
		if got := s.Handle(udf.Request{Type: udf.RequestTerminate}); got != nil {
			t.Errorf("setup %d: terminate produced %d responses", i, len(got))
		}
		if !s.Terminated() {
			t.Errorf("setup %d: not terminated", i)
		}
	}
}
