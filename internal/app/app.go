// Package app wires the HA Proxy Manager's components into a running
// process: registry store, shared state, prober, pool manager, selector,
// leader elector + scheduler, forwarder, and admin surface (spec §2).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrelhq/ollamux/internal/admin"
	"github.com/kestrelhq/ollamux/internal/config"
	"github.com/kestrelhq/ollamux/internal/forwarder"
	"github.com/kestrelhq/ollamux/internal/httpserver"
	"github.com/kestrelhq/ollamux/internal/leader"
	"github.com/kestrelhq/ollamux/internal/platform"
	"github.com/kestrelhq/ollamux/internal/pool"
	"github.com/kestrelhq/ollamux/internal/prober"
	"github.com/kestrelhq/ollamux/internal/registry"
	"github.com/kestrelhq/ollamux/internal/selector"
	"github.com/kestrelhq/ollamux/internal/state"
	"github.com/kestrelhq/ollamux/internal/telemetry"
)

// Run is the main application entry point: it reads config, connects to
// infrastructure, and starts every worker's full stack (there is no
// separate "api" vs "worker" split — every process forwards requests and
// competes for leadership, per spec §4.6).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting ollamux",
		"listen", cfg.ListenAddr(),
	)

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := prometheus.NewRegistry()
	for _, c := range telemetry.All() {
		metricsReg.MustRegister(c)
	}

	store := registry.NewPostgresStore(db, logger, cfg.RegistryChannel)
	st := state.NewRedisState(rdb)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	ownerID := leader.NewOwnerID(hostname)
	elector := leader.NewElector(st, logger, ownerID, cfg.LeaderLockTTL())

	pm := pool.New(store, st, logger, elector.IsLeader)
	prb := prober.New(cfg.HealthPath)
	sched := leader.NewScheduler(elector, pm, store, prb, st, logger,
		cfg.HealthCheckInterval(), cfg.ModelRefreshInterval(), cfg.RefreshPollInterval())

	sel := selector.New(pm, st)

	strategyDefault := func(ctx context.Context) string {
		proxyCfg, err := store.GetConfig(ctx)
		if err != nil {
			logger.Warn("forwarder: reading proxy config for default strategy", "error", err)
			return registry.StrategyLeastActive
		}
		return proxyCfg.Strategy
	}
	fwd := forwarder.New(sel, pm, store, logger, strategyDefault, cfg.UpstreamTimeout(), cfg.PullMaxParallel, cfg.PullTimeout())
	adm := admin.New(store, st, pm, prb, logger, cfg.LeaderLockTTL())

	// Registry-change notifications feed a refresh_request into shared
	// state so the leader reloads promptly regardless of which worker
	// observed the change (spec §4.4, §9 "single mechanism").
	changes, err := store.Changes(ctx, time.Duration(cfg.RegistryPollSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("subscribing to registry changes: %w", err)
	}
	go watchRegistryChanges(ctx, changes, st, cfg.LeaderLockTTL(), logger)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)
	fwd.Mount(srv.ProxyRouter)
	adm.Mount(srv.AdminRouter)

	go sched.Run(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming responses have no fixed write deadline (spec §4.7)
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}
}

// watchRegistryChanges turns registry change notifications into a
// refresh_request key so the leader picks them up on its next poll tick.
func watchRegistryChanges(ctx context.Context, changes <-chan registry.Change, st state.State, ttl time.Duration, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			logger.Debug("registry change observed", "id", change.NodeID, "kind", change.Kind)
			if err := leader.RequestRefresh(ctx, st, ttl); err != nil {
				logger.Error("publishing refresh_request", "error", err)
			}
		}
	}
}
