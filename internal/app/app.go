// Package app wires the friendmap server runtime: config, logging, metrics,
// the plan/chat/notification services, HTTP routes, and the chat gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"friendmap/internal/chat"
	"friendmap/internal/httpapi"
	"friendmap/internal/notify"
	"friendmap/internal/plan"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the friendmap server runtime: it owns HTTP server wiring and the
// service graph.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	metrics *Metrics

	plans   *plan.Service
	chats   *chat.Service
	notices *notify.Service

	api *httpapi.Handler
	ws  *chat.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, dbPool, dbEnabled, stores, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()

	notifySvc, err := notify.NewService(log, stores.notifications, notify.WithCounters(metrics))
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	planSvc := plan.NewService(log, stores.plans,
		plan.WithNotifier(notifySvc),
		plan.WithCounters(metrics),
		plan.WithPushTimeout(cfg.RSVPPushTimeout),
	)

	hub := chat.NewHub(log)
	chatSvc, err := chat.NewService(log, stores.chats, planSvc, hub, chat.WithCounters(metrics))
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	api, err := httpapi.NewHandler(log, planSvc, chatSvc, notifySvc)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	ws := chat.NewWSGateway(log, chatSvc)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		metrics:   metrics,
		plans:     planSvc,
		chats:     chatSvc,
		notices:   notifySvc,
		api:       api,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.api, a.ws, a.metrics)

	handler := WithHTTPMetrics(mux, a.metrics)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

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

	// Let in-flight background writes settle before closing the stores.
	a.plans.WaitForPushes()
	a.chats.WaitForSends()

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
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

// serviceStores groups the per-domain persistence backends.
type serviceStores struct {
	plans         plan.RemoteStore
	chats         chat.Store
	notifications notify.Store
}

// newStore decides between Postgres-backed persistence and in-memory dev stores.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, serviceStores, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, serviceStores{
			plans:         plan.NewInMemoryStore(),
			chats:         chat.NewInMemoryStore(),
			notifications: notify.NewInMemoryStore(),
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, serviceStores{}, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - the per-domain PostgresStore.Close() are no-ops
	planStore, err := plan.NewPostgresStore(pool, plan.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, serviceStores{}, err
	}
	chatStore, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, serviceStores{}, err
	}
	notifyStore, err := notify.NewPostgresStore(pool, notify.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, serviceStores{}, err
	}

	stores := serviceStores{
		plans:         planStore,
		chats:         chatStore,
		notifications: notifyStore,
	}
	return dbStore{pool: pool, stores: stores}, pool, true, stores, nil
}

type dbStore struct {
	pool   *pgxpool.Pool
	stores serviceStores
}

func (s dbStore) Close(_ context.Context) error {
	// The per-domain Close() calls are no-ops today (pool is owned here),
	// kept for symmetry with future store backends.
	if s.stores.plans != nil {
		_ = s.stores.plans.Close()
	}
	if s.stores.chats != nil {
		_ = s.stores.chats.Close()
	}
	if s.stores.notifications != nil {
		_ = s.stores.notifications.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
