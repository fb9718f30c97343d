package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/switchyardio/switchyard/internal/app"
	"github.com/switchyardio/switchyard/internal/classifier"
	"github.com/switchyardio/switchyard/internal/config"
	"github.com/switchyardio/switchyard/internal/keypool"
	"github.com/switchyardio/switchyard/internal/server"
	"github.com/switchyardio/switchyard/internal/storage/sqlite"
	"github.com/switchyardio/switchyard/internal/stream"
	"github.com/switchyardio/switchyard/internal/telemetry"
	"github.com/switchyardio/switchyard/internal/tokencount"
	"github.com/switchyardio/switchyard/internal/toolloop"
	"github.com/switchyardio/switchyard/internal/upstream"
	"github.com/switchyardio/switchyard/internal/worker"
)

// errStrictReload marks a reload failure under --strict-reload; main exits 2
// to distinguish it from a fatal init error.
var errStrictReload = errors.New("strict reload failed")

// swappableHandler lets a SIGHUP reload replace the whole routing chain
// without restarting the listener.
type swappableHandler struct {
	v atomic.Value // http.Handler
}

func (s *swappableHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.v.Load().(http.Handler).ServeHTTP(w, r)
}

func run(configPath string, strictReload bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting switchyard", "version", version, "addr", cfg.Server.Addr())

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	// Metrics
	var metrics *telemetry.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}

	// Credential pool, hydrated from the state directory.
	pool := keypool.New(keypool.DefaultConfig())
	if metrics != nil {
		pool.SetObserver(func(providerID, state string) {
			metrics.KeyTransitions.WithLabelValues(providerID, state).Inc()
		})
	}
	pool.Bind(bindSpec(cfg))
	fileStore, err := keypool.NewFileStore(cfg.StateDir)
	if err != nil {
		return err
	}
	defer fileStore.Close()
	if states, err := fileStore.LoadLatest(); err != nil {
		slog.Warn("key state hydration skipped", "error", err.Error())
	} else if states != nil {
		pool.Hydrate(states)
	}
	pool.SetPersister(fileStore)

	// Background workers
	workers := []worker.Worker{worker.NewSnapshotWorker(pool, fileStore)}

	// Usage store
	var db *sqlite.Store
	var usage *worker.UsageRecorder
	if cfg.Database.DSN != "" {
		db, err = sqlite.New(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		usage = worker.NewUsageRecorder(db, metrics)
		workers = append(workers, usage)
	}

	// Tool-loop sessions survive config reloads; the controller is built once.
	loops, err := toolloop.New(cfg.ToolLoop)
	if err != nil {
		return err
	}

	streams := stream.NewManager()
	if cfg.Pipeline.StreamIdleTimeout > 0 {
		streams.IdleTimeout = cfg.Pipeline.StreamIdleTimeout
	}

	buildHandler := func(cfg *config.Config) (http.Handler, error) {
		pipeline, err := upstream.New(ctx, cfg, pool, metrics)
		if err != nil {
			return nil, err
		}
		cls := classifier.New(cfg.Classification, tokencount.NewCounter())
		router := app.NewVirtualRouter(cfg, pool)
		dispatcher := app.NewDispatcher(cfg, cls, router, pipeline, metrics)

		deps := server.Deps{
			Cfg:        cfg,
			Dispatcher: dispatcher,
			Streams:    streams,
			Loops:      loops,
			Keys:       pool,
			Metrics:    metrics,
			Gatherer:   gatherer,
		}
		if usage != nil {
			deps.Usage = usage
		}
		if db != nil {
			deps.Store = db
			deps.ReadyCheck = db.Ping
		}
		return server.New(deps), nil
	}

	handler, err := buildHandler(cfg)
	if err != nil {
		return err
	}
	swap := &swappableHandler{}
	swap.v.Store(handler)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      swap,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Workers
	runner := worker.NewRunner(workers...)
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(ctx) }()

	// HTTP server
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("switchyard ready", "addr", cfg.Server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := reload(configPath, pool, swap, buildHandler); err != nil {
					if strictReload {
						return fmt.Errorf("%w: %w", errStrictReload, err)
					}
					slog.Error("config reload failed, keeping previous config", "error", err.Error())
				}
				continue
			}
			slog.Info("shutting down", "signal", sig)
		case err := <-errCh:
			return err
		case err := <-workerDone:
			if err != nil {
				return err
			}
			continue
		}
		break
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Stop workers after in-flight requests drain so their final usage
	// records still reach the recorder.
	stop()
	<-workerDone

	slog.Info("switchyard stopped")
	return nil
}

// reload parses the config file again and, when valid, swaps in a freshly
// built routing chain. Keys that survive the rebind keep their runtime
// health state.
func reload(configPath string, pool *keypool.Registry, swap *swappableHandler,
	build func(*config.Config) (http.Handler, error)) error {

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	handler, err := build(cfg)
	if err != nil {
		return err
	}
	pool.Bind(bindSpec(cfg))
	swap.v.Store(handler)
	slog.Info("config reloaded", "providers", len(cfg.Providers), "routes", len(cfg.Routing))
	return nil
}

// bindSpec flattens the provider key config into the pool's bind shape.
func bindSpec(cfg *config.Config) map[string][]keypool.AliasTier {
	spec := make(map[string][]keypool.AliasTier, len(cfg.Providers))
	for id, p := range cfg.Providers {
		for _, alias := range p.KeyAliases() {
			spec[id] = append(spec[id], keypool.AliasTier{
				Alias: alias,
				Tier:  p.Auth.Keys[alias].PriorityTier,
			})
		}
	}
	return spec
}
