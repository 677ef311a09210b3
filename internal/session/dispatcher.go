package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"indicator-udfv1/internal/udf"
)

// DefaultHandshakeTimeout bounds the window in which a session must reach
// the streaming phase after connecting.
const DefaultHandshakeTimeout = 30 * time.Second

// Inbound is one unit from the transport: either a decoded request or the
// decode error it died with. Malformed input is rejected as a protocol
// error, never ignored.
type Inbound struct {
	Req udf.Request
	Err error
}

// Dispatcher pulls inbound messages, hands them to the state machine, and
// pushes the produced outbound messages in generation order. Processing
// is strictly sequential: one inbound message is fully handled, including
// all its emissions, before the next is read. Per-series FIFO ordering
// falls out of that.
type Dispatcher struct {
	sess             *Session
	log              *slog.Logger
	handshakeTimeout time.Duration
}

// NewDispatcher wires a dispatcher to a session. timeout <= 0 selects
// DefaultHandshakeTimeout.
func NewDispatcher(sess *Session, log *slog.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return &Dispatcher{
		sess:             sess,
		log:              log.With(slog.String("session", sess.id)),
		handshakeTimeout: timeout,
	}
}

// Run drives the session until the inbound channel closes, the session
// terminates, or ctx is cancelled. out is closed on return so the writer
// side can drain and exit.
//
// Cancellation is cooperative: it is observed only between messages, so a
// message currently being processed completes and its emissions are
// flushed; nothing is emitted afterwards.
func (d *Dispatcher) Run(ctx context.Context, in <-chan Inbound, out chan<- udf.Response) error {
	defer close(out)

	handshake := time.NewTimer(d.handshakeTimeout)
	defer handshake.Stop()
	handshakeDone := false

	for {
		// Disarm the handshake timer once streaming is reached.
		if !handshakeDone && d.sess.Phase() >= PhaseStreaming {
			handshake.Stop()
			handshakeDone = true
		}

		select {
		case <-ctx.Done():
			d.sess.Handle(udf.Request{Type: udf.RequestTerminate})
			d.log.Info("dispatcher stopped", "reason", "shutdown")
			return nil

		case <-timerC(handshake, handshakeDone):
			for _, resp := range d.sess.protocolError("handshake not completed within " + d.handshakeTimeout.String()) {
				d.emit(ctx, out, resp)
			}
			return ErrHandshakeTimeout

		case msg, ok := <-in:
			if !ok {
				// EOF from the transport is equivalent to Terminate.
				d.sess.Handle(udf.Request{Type: udf.RequestTerminate})
				return nil
			}
			var responses []udf.Response
			if msg.Err != nil {
				responses = d.sess.protocolError("malformed request: " + msg.Err.Error())
			} else {
				responses = d.sess.Handle(msg.Req)
			}
			for _, resp := range responses {
				if !d.emit(ctx, out, resp) {
					return nil
				}
			}
			if d.sess.Terminated() {
				return nil
			}
		}
	}
}

// emit pushes one outbound message, giving up only if shutdown lands
// while the writer side is wedged. The fast path never consults ctx, so
// a message already being processed always gets its emissions out even
// if shutdown raced in. Reports whether the send happened.
func (d *Dispatcher) emit(ctx context.Context, out chan<- udf.Response, resp udf.Response) bool {
	select {
	case out <- resp:
		return true
	default:
	}
	select {
	case out <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}

// timerC returns the timer channel, or nil (blocks forever) once the
// handshake has completed.
func timerC(t *time.Timer, done bool) <-chan time.Time {
	if done {
		return nil
	}
	return t.C
}

// ErrHandshakeTimeout is returned by Run when the host never completed
// the Init/Options handshake.
var ErrHandshakeTimeout = errors.New("handshake timeout")
