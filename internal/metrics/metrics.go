// Package metrics exposes Prometheus metrics and a health endpoint for
// the UDF agent.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the UDF agent.
type Metrics struct {
	PointsTotal    prometheus.Counter
	PointsSkipped  *prometheus.CounterVec // labels: reason
	ProtocolErrors prometheus.Counter
	ConfigErrors   prometheus.Counter
	SnapshotsTotal prometheus.Counter
	RestoresTotal  prometheus.Counter
	RestoreErrors  prometheus.Counter

	SessionsTotal  prometheus.Counter
	SessionsActive prometheus.Gauge

	ProcessDur prometheus.Histogram

	MonitorClients prometheus.Gauge
	PublishErrors  prometheus.Counter
	JournalErrors  prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		PointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udfagent_points_total",
			Help: "Total points processed across all sessions",
		}),
		PointsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udfagent_points_skipped_total",
			Help: "Points skipped without output (by reason)",
		}, []string{"reason"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udfagent_protocol_errors_total",
			Help: "Fatal protocol errors that terminated a session",
		}),
		ConfigErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udfagent_config_errors_total",
			Help: "Rejected Options requests",
		}),
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udfagent_snapshots_total",
			Help: "Snapshot requests served",
		}),
		RestoresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udfagent_restores_total",
			Help: "Restore requests applied",
		}),
		RestoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udfagent_restore_errors_total",
			Help: "Restore requests rejected with a malformed state blob",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udfagent_sessions_total",
			Help: "Sessions accepted since start",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udfagent_sessions_active",
			Help: "Currently connected sessions",
		}),
		ProcessDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "udfagent_point_process_duration_seconds",
			Help:    "Per-point processing latency (decode excluded)",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		MonitorClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udfagent_monitor_clients",
			Help: "Connected WebSocket observer clients",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udfagent_publish_errors_total",
			Help: "NATS mirror publish failures",
		}),
		JournalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udfagent_journal_errors_total",
			Help: "Snapshot journal write failures",
		}),
	}

	prometheus.MustRegister(
		m.PointsTotal,
		m.PointsSkipped,
		m.ProtocolErrors,
		m.ConfigErrors,
		m.SnapshotsTotal,
		m.RestoresTotal,
		m.RestoreErrors,
		m.SessionsTotal,
		m.SessionsActive,
		m.ProcessDur,
		m.MonitorClients,
		m.PublishErrors,
		m.JournalErrors,
	)

	return m
}

// HealthStatus represents the agent health.
type HealthStatus struct {
	mu sync.RWMutex

	ListenerOK     bool      `json:"listener_ok"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	ActiveSessions int       `json:"active_sessions"`
	LastPointTime  time.Time `json:"last_point_time"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetListenerOK(v bool) {
	h.mu.Lock()
	h.ListenerOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveSessions(n int) {
	h.mu.Lock()
	h.ActiveSessions = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastPointTime(t time.Time) {
	h.mu.Lock()
	h.LastPointTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.ListenerOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	lastPoint := ""
	if !h.LastPointTime.IsZero() {
		lastPoint = h.LastPointTime.Format(time.RFC3339)
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		ListenerOK      bool    `json:"listener_ok"`
		ActiveSessions  int     `json:"active_sessions"`
		LastPointTime   string  `json:"last_point_time"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		ListenerOK:      h.ListenerOK,
		ActiveSessions:  h.ActiveSessions,
		LastPointTime:   lastPoint,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. Extra handlers (e.g. the
// monitor WebSocket endpoint) can be attached to mux before Start.
func NewServer(addr string, health *HealthStatus, mux *http.ServeMux) *Server {
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "err", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
