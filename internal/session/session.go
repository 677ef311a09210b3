// Package session implements the protocol state machine that brackets one
// processing run (Init → Options → streaming → Terminate) and the
// dispatcher loop that drives it from the inbound message channel.
//
// One session is owned by exactly one goroutine; everything here is
// single-threaded by construction, so the registry and calculators need
// no locks.
package session

import (
	"log/slog"
	"math"
	"time"

	"indicator-udfv1/internal/indicator"
	"indicator-udfv1/internal/metrics"
	"indicator-udfv1/internal/series"
	"indicator-udfv1/internal/udf"
)

// Phase is the session lifecycle state. Terminated is terminal: no
// transitions are permitted after it.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseConfigured
	PhaseStreaming
	PhaseBatchOpen
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseConfigured:
		return "configured"
	case PhaseStreaming:
		return "streaming"
	case PhaseBatchOpen:
		return "batch_open"
	case PhaseTerminated:
		return "terminated"
	}
	return "unknown"
}

// Hooks are optional taps the orchestrator attaches to a session. Both
// run synchronously inside the session goroutine and must not block.
type Hooks struct {
	// OnSnapshot receives every state blob served to the host.
	OnSnapshot func(state []byte)

	// OnEmit receives every augmented point after it is queued for the
	// host, with the series key it belongs to.
	OnEmit func(key string, p *udf.Point)
}

// Session validates and sequences the control messages of one processing
// run and routes points through the series registry.
type Session struct {
	id    string
	log   *slog.Logger
	met   *metrics.Metrics
	hooks Hooks

	phase     Phase
	handshake map[string]string
	registry  *series.Registry

	// Restore that arrived before Options; applied when the registry is
	// built. Already validated.
	pendingRestore []byte
}

// New creates a session in the Uninitialized phase. log must be non-nil;
// met may be nil (tests).
func New(id string, log *slog.Logger, met *metrics.Metrics, hooks Hooks) *Session {
	return &Session{
		id:    id,
		log:   log.With(slog.String("session", id)),
		met:   met,
		hooks: hooks,
	}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase { return s.phase }

// Terminated reports whether the session has reached its terminal phase.
func (s *Session) Terminated() bool { return s.phase == PhaseTerminated }

// Registry exposes the series registry once built (nil before Options).
func (s *Session) Registry() *series.Registry { return s.registry }

// Handle applies one inbound message and returns the outbound messages it
// produced, in emission order. After a fatal error the session is
// Terminated and Handle returns nil for everything further.
func (s *Session) Handle(req udf.Request) []udf.Response {
	if s.phase == PhaseTerminated {
		return nil
	}

	switch req.Type {
	case udf.RequestTerminate:
		s.terminate("terminate requested")
		return nil

	case udf.RequestInit:
		if s.phase != PhaseUninitialized {
			return s.protocolError("init received in phase " + s.phase.String())
		}
		s.handshake = req.Init.Options
		s.phase = PhaseConfigured
		s.log.Debug("session initialized", "handshake", s.handshake)
		return []udf.Response{{Type: udf.ResponseInit}}

	case udf.RequestOptions:
		if s.phase != PhaseConfigured {
			return s.protocolError("options received in phase " + s.phase.String())
		}
		return s.handleOptions(req.Options)

	case udf.RequestPoint:
		if s.phase != PhaseStreaming && s.phase != PhaseBatchOpen {
			return s.protocolError("point received in phase " + s.phase.String())
		}
		return s.handlePoint(req.Point)

	case udf.RequestBeginBatch:
		if s.phase != PhaseStreaming {
			return s.protocolError("begin_batch received in phase " + s.phase.String())
		}
		s.phase = PhaseBatchOpen
		return nil

	case udf.RequestEndBatch:
		if s.phase != PhaseBatchOpen {
			return s.protocolError("end_batch received in phase " + s.phase.String())
		}
		s.phase = PhaseStreaming
		return []udf.Response{{Type: udf.ResponseEndBatch}}

	case udf.RequestSnapshot:
		if s.phase != PhaseStreaming && s.phase != PhaseBatchOpen {
			return s.protocolError("snapshot received in phase " + s.phase.String())
		}
		return s.handleSnapshot()

	case udf.RequestRestore:
		return s.handleRestore(req.Restore)
	}

	return s.protocolError("unknown request type " + string(req.Type))
}

// handleOptions validates the indicator configuration and builds the
// registry. Config errors are reported in the response and leave the
// session in Configured; no points have been processed.
func (s *Session) handleOptions(opts *udf.OptionsRequest) []udf.Response {
	cfg := series.Config{
		Kind:        indicator.Kind(opts.Type),
		Period:      opts.Period,
		SourceField: opts.Field,
		OutputField: opts.As,
		KeyField:    opts.TickerField,
	}

	reg, err := series.NewRegistry(cfg)
	if err != nil {
		s.countConfigError()
		s.log.Warn("options rejected", "err", err)
		return []udf.Response{{Type: udf.ResponseOptions, Error: err.Error()}}
	}

	if s.pendingRestore != nil {
		if err := reg.Restore(s.pendingRestore); err != nil {
			// The blob was validated when it arrived; failure here means
			// it was corrupted in the meantime. Start cold.
			s.log.Error("pre-options restore lost", "err", err)
		}
		s.pendingRestore = nil
	}

	s.registry = reg
	s.phase = PhaseStreaming
	s.log.Info("session configured",
		"type", string(cfg.Kind), "period", cfg.Period,
		"field", cfg.SourceField, "as", cfg.OutputField, "ticker_field", cfg.KeyField)
	return []udf.Response{{Type: udf.ResponseOptions}}
}

// handlePoint routes one observation through its series calculator and
// emits the augmented point. Data errors skip the point without output,
// without touching calculator state, and without terminating the session.
func (s *Session) handlePoint(p *udf.Point) []udf.Response {
	start := time.Now()
	cfg := s.registry.Config()

	key, ok := p.Tags[cfg.KeyField]
	if !ok || key == "" {
		s.skipPoint("missing_key", "point missing ticker tag", cfg.KeyField)
		return nil
	}

	value, ok := p.Fields[cfg.SourceField]
	if !ok {
		s.skipPoint("missing_field", "point missing source field", cfg.SourceField)
		return nil
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		s.skipPoint("non_finite", "point value not finite", cfg.SourceField)
		return nil
	}

	calc := s.registry.Resolve(key)
	result := calc.Update(value)

	out := p.Clone()
	out.Fields[cfg.OutputField] = result

	if s.met != nil {
		s.met.PointsTotal.Inc()
		s.met.ProcessDur.Observe(time.Since(start).Seconds())
	}
	if s.hooks.OnEmit != nil {
		s.hooks.OnEmit(key, out)
	}
	return []udf.Response{udf.NewPointResponse(out)}
}

// handleSnapshot serializes the registry into an opaque blob.
func (s *Session) handleSnapshot() []udf.Response {
	state, err := s.registry.Snapshot()
	if err != nil {
		return s.protocolError("snapshot failed: " + err.Error())
	}
	if s.met != nil {
		s.met.SnapshotsTotal.Inc()
	}
	if s.hooks.OnSnapshot != nil {
		s.hooks.OnSnapshot(state)
	}
	s.log.Debug("snapshot served", "series", s.registry.Len(), "bytes", len(state))
	return []udf.Response{{Type: udf.ResponseSnapshot, State: state}}
}

// handleRestore replaces the registry state from a blob. Restore either
// fully succeeds or has no effect. Before Options the blob is held and
// applied once the registry exists.
func (s *Session) handleRestore(req *udf.RestoreRequest) []udf.Response {
	if s.registry == nil {
		if err := series.ValidateBlob(req.State); err != nil {
			s.countRestoreError()
			s.log.Warn("restore rejected", "err", err)
			return []udf.Response{{Type: udf.ResponseRestore, Error: err.Error()}}
		}
		s.pendingRestore = req.State
		if s.met != nil {
			s.met.RestoresTotal.Inc()
		}
		s.log.Info("restore staged until options", "bytes", len(req.State))
		return []udf.Response{{Type: udf.ResponseRestore}}
	}

	if err := s.registry.Restore(req.State); err != nil {
		s.countRestoreError()
		s.log.Warn("restore rejected", "err", err)
		return []udf.Response{{Type: udf.ResponseRestore, Error: err.Error()}}
	}
	if s.met != nil {
		s.met.RestoresTotal.Inc()
	}
	s.log.Info("state restored", "series", s.registry.Len())
	return []udf.Response{{Type: udf.ResponseRestore}}
}

// protocolError reports a fatal sequencing violation and terminates the
// session. Per-series state committed before the violation stays intact
// up to the last successfully applied point.
func (s *Session) protocolError(msg string) []udf.Response {
	if s.met != nil {
		s.met.ProtocolErrors.Inc()
	}
	s.log.Error("protocol error", "msg", msg, "phase", s.phase.String())
	s.phase = PhaseTerminated
	return []udf.Response{udf.NewErrorResponse(msg)}
}

func (s *Session) terminate(reason string) {
	s.phase = PhaseTerminated
	s.log.Info("session terminated", "reason", reason)
}

func (s *Session) skipPoint(reason, msg, field string) {
	if s.met != nil {
		s.met.PointsSkipped.WithLabelValues(reason).Inc()
	}
	s.log.Warn(msg, "field", field, "reason", reason)
}

func (s *Session) countConfigError() {
	if s.met != nil {
		s.met.ConfigErrors.Inc()
	}
}

func (s *Session) countRestoreError() {
	if s.met != nil {
		s.met.RestoreErrors.Inc()
	}
}
