// Package publish mirrors emitted points onto NATS subjects so that
// downstream consumers outside the pipeline host can follow the computed
// stream. Fire and forget: a publish failure is logged and counted, never
// surfaced to the session.
package publish

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"indicator-udfv1/internal/metrics"
)

// Publisher mirrors point payloads to <prefix>.<serieskey>.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
	met    *metrics.Metrics
}

// Connect dials NATS with automatic reconnects. met may be nil.
func Connect(url, prefix string, log *slog.Logger, met *metrics.Metrics) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}

	return &Publisher{
		conn:   conn,
		prefix: prefix,
		log:    log,
		met:    met,
	}, nil
}

// Publish mirrors one emitted point payload for a series key.
func (p *Publisher) Publish(key string, data []byte) {
	subject := p.prefix + "." + key
	if err := p.conn.Publish(subject, data); err != nil {
		if p.met != nil {
			p.met.PublishErrors.Inc()
		}
		p.log.Warn("nats publish failed", "subject", subject, "err", err)
	}
}

// Close flushes and closes the connection.
func (p *Publisher) Close() {
	p.conn.Flush()
	p.conn.Close()
}
