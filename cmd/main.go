package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/cacheflow/internal/config"
	"github.com/l0p7/cacheflow/internal/logging"
	"github.com/l0p7/cacheflow/internal/metrics"
	"github.com/l0p7/cacheflow/internal/proxy"
	"github.com/l0p7/cacheflow/internal/refresh"
	"github.com/l0p7/cacheflow/internal/server"
	"github.com/l0p7/cacheflow/store"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "CACHEFLOW", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	storeLogger := logger.With(slog.String("component", "store_factory"))
	responseStore := proxy.InstrumentStore(buildStore(storeLogger, cfg.Server.Cache), recorder)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := responseStore.Close(shutdownCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	// Redirects relay to the client untouched instead of being chased on
	// their behalf.
	httpClient := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	p, err := proxy.New(logger, proxy.Options{
		Store:             responseStore,
		Client:            httpClient,
		Recorder:          recorder,
		DefaultUpstream:   cfg.Server.Upstream.BaseURL,
		UpstreamTimeout:   time.Duration(cfg.Server.Upstream.TimeoutSeconds) * time.Second,
		DefaultTTL:        time.Duration(cfg.Server.Cache.TTLSeconds) * time.Second,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	if err != nil {
		logger.Error("unable to construct proxy", slog.Any("error", err))
		os.Exit(1)
	}

	scheduler := refresh.New(logger, p, responseStore)
	applyBundle := func(bundle config.RouteBundle) {
		p.Reload(bundle)
		scheduler.Configure(refreshTargets(p))
	}
	applyBundle(config.RouteBundle{
		Routes:  cfg.Routes,
		Sources: cfg.RouteSources,
		Skipped: cfg.SkippedDefinitions,
	})

	var routesWatcher *config.RoutesWatcher
	if cfg.Server.Routes.RoutesFile != "" || cfg.Server.Routes.RoutesFolder != "" {
		watcher, err := loader.WatchRoutes(ctx, cfg, applyBundle, func(err error) {
			if err != nil {
				logger.Error("routes watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("routes watcher setup failed", slog.Any("error", err))
		} else {
			routesWatcher = watcher
			defer routesWatcher.Stop()
		}
	}

	scheduler.Start()
	defer scheduler.Stop()

	handler := server.NewHandler(p, recorder.Handler())
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func refreshTargets(p *proxy.Proxy) []refresh.Target {
	compiled := p.RefreshTargets()
	targets := make([]refresh.Target, 0, len(compiled))
	for _, t := range compiled {
		targets = append(targets, refresh.Target{Route: t.Route, Schedule: t.Schedule, Paths: t.Paths})
	}
	return targets
}

func buildStore(logger *slog.Logger, cfg config.ServerCacheConfig) store.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory response store")
		}
		return store.NewMemory()
	case "valkey":
		valkeyStore, err := store.NewValkey(store.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: store.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("valkey store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory store")
			}
			return store.NewMemory()
		}
		if logger != nil {
			logger.Info("using valkey response store", slog.String("address", cfg.Valkey.Address))
		}
		return valkeyStore
	case "sqlite":
		sqliteStore, err := store.NewSQLite(cfg.SQLite.Path)
		if err != nil {
			if logger != nil {
				logger.Error("sqlite store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory store")
			}
			return store.NewMemory()
		}
		if logger != nil {
			logger.Info("using sqlite response store", slog.String("path", cfg.SQLite.Path))
		}
		return sqliteStore
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return store.NewMemory()
	}
}
