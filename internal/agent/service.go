// Package agent is the top-level orchestrator for the UDF agent process.
// It wires all dependencies, manages lifecycle, and coordinates shutdown.
package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"indicator-udfv1/config"
	"indicator-udfv1/internal/metrics"
	"indicator-udfv1/internal/monitor"
	"indicator-udfv1/internal/publish"
	"indicator-udfv1/internal/session"
	redisstore "indicator-udfv1/internal/store/redis"
	sqlitestore "indicator-udfv1/internal/store/sqlite"
	"indicator-udfv1/internal/transport"
	"indicator-udfv1/internal/udf"
)

// Service wires config, metrics, stores, monitor hub and the socket
// server, and owns the process lifecycle.
type Service struct {
	cfg *config.Config
	log *slog.Logger
	met *metrics.Metrics

	health    *metrics.HealthStatus
	metricsHS *metrics.Server
	hub       *monitor.Hub
	pub       *publish.Publisher

	sqlJournal   *sqlitestore.Journal
	redisJournal *redisstore.Journal

	server *transport.Server
}

// New creates a Service from the given config. Journal stores and the
// NATS mirror are optional; failure to reach one is logged and that
// component is disabled rather than aborting startup.
func New(cfg *config.Config, log *slog.Logger) (*Service, error) {
	svc := &Service{
		cfg:    cfg,
		log:    log,
		met:    metrics.NewMetrics(),
		health: metrics.NewHealthStatus(),
	}

	svc.hub = monitor.NewHub(log, svc.met)

	if cfg.SQLitePath != "" {
		j, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			log.Warn("sqlite journal disabled", "err", err)
		} else {
			svc.sqlJournal = j
		}
	}

	if cfg.RedisAddr != "" {
		j, err := redisstore.Open(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Warn("redis journal disabled", "err", err)
		} else {
			svc.redisJournal = j
		}
	}

	if cfg.NATSURL != "" {
		p, err := publish.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, log, svc.met)
		if err != nil {
			log.Warn("nats mirror disabled", "err", err)
		} else {
			svc.pub = p
		}
	}

	svc.server = transport.NewServer(transport.Config{
		SocketPath:       cfg.SocketPath,
		MaxFrameBytes:    cfg.MaxFrameBytes,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutS) * time.Second,
	}, log, svc.met, svc.health, svc.newSession)

	return svc, nil
}

// Run starts all subsystems and blocks until ctx is cancelled and all
// sessions have drained.
func (svc *Service) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", svc.hub.HandleWS)
	mux.HandleFunc("/snapshot", svc.handleSnapshotRead)
	svc.metricsHS = metrics.NewServer(svc.cfg.MetricsAddr, svc.health, mux)
	svc.metricsHS.Start()

	if svc.redisJournal != nil || svc.sqlJournal != nil {
		var redisClient *goredis.Client
		if svc.redisJournal != nil {
			redisClient = svc.redisJournal.Client()
		}
		var db *sql.DB
		if svc.sqlJournal != nil {
			db = svc.sqlJournal.DB()
		}
		svc.health.StartLivenessChecker(ctx, redisClient, db, 15*time.Second)
	}

	if err := svc.server.Listen(); err != nil {
		return err
	}
	svc.health.SetListenerOK(true)

	svc.log.Info("udf agent running",
		"socket", svc.cfg.SocketPath,
		"metrics", svc.cfg.MetricsAddr,
		"sqlite_journal", svc.sqlJournal != nil,
		"redis_journal", svc.redisJournal != nil,
		"nats_mirror", svc.pub != nil)

	err := svc.server.Serve(ctx)

	svc.shutdown()
	return err
}

// shutdown stops the auxiliary subsystems after the socket server has
// drained its sessions.
func (svc *Service) shutdown() {
	svc.log.Info("shutting down")
	svc.health.SetListenerOK(false)

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if svc.metricsHS != nil {
		svc.metricsHS.Stop(stopCtx)
	}
	if svc.pub != nil {
		svc.pub.Close()
	}
	if svc.redisJournal != nil {
		svc.redisJournal.Close()
	}
	if svc.sqlJournal != nil {
		svc.sqlJournal.Close()
	}
	svc.log.Info("shutdown complete")
}

// newSession builds one isolated session with journal and mirror taps.
func (svc *Service) newSession(id string) *session.Session {
	hooks := session.Hooks{
		OnSnapshot: func(state []byte) {
			svc.journalSnapshot(id, state)
		},
		OnEmit: func(key string, p *udf.Point) {
			svc.mirrorPoint(key, p)
		},
	}
	return session.New(id, svc.log, svc.met, hooks)
}

// journalSnapshot writes a served snapshot blob to the enabled stores.
func (svc *Service) journalSnapshot(sessionID string, state []byte) {
	if svc.sqlJournal != nil {
		if err := svc.sqlJournal.Save(sessionID, state); err != nil {
			svc.met.JournalErrors.Inc()
			svc.log.Warn("sqlite journal write failed", "session", sessionID, "err", err)
		}
	}
	if svc.redisJournal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := svc.redisJournal.Save(ctx, sessionID, state); err != nil {
			svc.met.JournalErrors.Inc()
			svc.log.Warn("redis journal write failed", "session", sessionID, "err", err)
		}
	}
}

// handleSnapshotRead serves the latest journaled snapshot blob for a
// session, for operator inspection. SQLite is the durable copy and wins;
// Redis answers when SQLite is disabled or has nothing.
func (svc *Service) handleSnapshotRead(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "missing session parameter", http.StatusBadRequest)
		return
	}

	if svc.sqlJournal != nil {
		blob, err := svc.sqlJournal.ReadLatest(sessionID)
		if err != nil {
			svc.log.Warn("sqlite journal read failed", "session", sessionID, "err", err)
		} else if blob != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Write(blob)
			return
		}
	}
	if svc.redisJournal != nil {
		blob, err := svc.redisJournal.ReadLatest(r.Context(), sessionID)
		if err != nil {
			svc.log.Warn("redis journal read failed", "session", sessionID, "err", err)
		} else if blob != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Write(blob)
			return
		}
	}
	http.Error(w, "no snapshot for session", http.StatusNotFound)
}

// mirrorPoint fans an emitted point out to observers and the NATS mirror.
func (svc *Service) mirrorPoint(key string, p *udf.Point) {
	svc.health.SetLastPointTime(time.Now())
	if svc.hub.ClientCount() == 0 && svc.pub == nil {
		return
	}

	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if svc.hub.ClientCount() > 0 {
		svc.hub.Broadcast("points:"+key, data)
	}
	if svc.pub != nil {
		svc.pub.Publish(key, data)
	}
}
