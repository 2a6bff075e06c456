// Package app wires the Tether server runtime: config, logging, HTTP routes,
// the session gateway, and the sequenced event log.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tether/internal/eventlog"
	"tether/internal/gateway"
	"tether/internal/store"
)

// App is the Tether server runtime: it owns HTTP server wiring and gateway dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	convStore store.ConversationStore
	events    *eventlog.Log
	gw        *gateway.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	convStore, dbPool, dbEnabled, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	events := eventlog.New(
		eventlog.WithMaxEvents(cfg.ReplayMaxEvents),
		eventlog.WithMaxAge(cfg.ReplayMaxAge),
	)

	var verifier gateway.CredentialVerifier
	if cfg.AuthTokenHash != "" {
		verifier = gateway.ArgonVerifier{Hash: cfg.AuthTokenHash}
	} else {
		log.Warn("auth.insecure", "reason", "TETHER_AUTH_TOKEN_HASH not set, accepting any credential")
		verifier = gateway.InsecureVerifier{}
	}

	gw := gateway.New(log, gateway.NewRegistry(log), convStore, events, verifier)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		convStore: convStore,
		events:    events,
		gw:        gw,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && !a.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if a.dbEnabled && a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", a.gw.HandleWS)
	mux.Handle("/v1/", http.StripPrefix("/v1", a.gw.Router()))

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"server_epoch", a.events.Epoch(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.convStore.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres, SQLite, and in-memory persistence.
func newStore(ctx context.Context, cfg Config, log Logger) (store.ConversationStore, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, err
		}

		st, err := store.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, false, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, false, err
		}

		log.Info("db.enabled.postgres_store")
		return st, pool, true, nil
	}

	if cfg.SQLitePath != "" {
		st, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, false, err
		}
		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
		return st, nil, true, nil
	}

	log.Info("db.disabled.inmemory_store")
	return store.NewMemoryStore(), nil, false, nil
}
