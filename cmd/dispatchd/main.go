// Command dispatchd is the dispatch server daemon. It wires the task store,
// router, coordination engine, and HTTP API from a YAML config file.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/config"
	"github.com/GoCodeAlone/dispatch/coord"
	"github.com/GoCodeAlone/dispatch/internal/telemetry"
	"github.com/GoCodeAlone/dispatch/internal/version"
	"github.com/GoCodeAlone/dispatch/provider"
	"github.com/GoCodeAlone/dispatch/provider/mock"
	"github.com/GoCodeAlone/dispatch/quota"
	"github.com/GoCodeAlone/dispatch/router"
	"github.com/GoCodeAlone/dispatch/server"
	"github.com/GoCodeAlone/dispatch/task"
)

var configPath = flag.String("config", "dispatch.yaml", "path to config file")

func main() {
	flag.Parse()

	// Local .env files carry provider keys in development; absence is fine.
	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting dispatchd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    "dispatchd",
			ServiceVersion: version.Version,
			OTLPEndpoint:   ep,
		})
		if err != nil {
			logger.Warn("tracing disabled", slog.Any("err", err))
		} else {
			defer func() {
				shutCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				_ = shutdown(shutCtx)
			}()
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir %s: %v", cfg.DataDir, err)
	}
	store, err := task.NewSQLiteStore(filepath.Join(cfg.DataDir, "tasks.db"))
	if err != nil {
		log.Fatalf("open task store: %v", err)
	}
	counters, err := quota.NewSQLiteCounterStore(filepath.Join(cfg.DataDir, "quota.db"))
	if err != nil {
		log.Fatalf("open quota store: %v", err)
	}

	registry := cfg.Registry()
	ledger := quota.New(cfg.QuotaSettings(), counters)
	bus := comms.NewInMemoryBus()
	providers := buildProviders(cfg, logger)

	rt := router.New(router.Options{
		Registry:  registry,
		Store:     store,
		Ledger:    ledger,
		Bus:       bus,
		Providers: providers,
		Logger:    logger,
		Intervals: cfg.Intervals(),
	})
	engine := coord.New(coord.Options{
		Registry:  registry,
		Providers: providers,
		Admitter:  rt,
		Bus:       bus,
		Logger:    logger,
	})

	if err := rt.Start(ctx); err != nil {
		log.Fatalf("start router: %v", err)
	}
	engine.StartReaper(ctx, 10*time.Minute)

	srv := server.New(cfg, version.Version, logger)
	srv.SetRouter(rt)
	srv.SetEngine(engine)
	srv.SetTaskStore(store)
	srv.SetRegistry(registry)
	srv.SetLedger(ledger)
	srv.SetBus(bus)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server exited", slog.Any("err", err))
	}

	cancel()
	rt.Stop()
	engine.Stop()
	shutCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Stop(shutCtx); err != nil {
		logger.Error("server stop", slog.Any("err", err))
	}
	logger.Info("shutdown complete")
}

// buildProviders maps each configured agent to its reasoning backend.
func buildProviders(cfg *config.Config, logger *slog.Logger) map[string]provider.Provider {
	providers := make(map[string]provider.Provider, len(cfg.Agents))
	for _, a := range cfg.Agents {
		switch a.Provider {
		case "anthropic":
			key := os.Getenv("ANTHROPIC_API_KEY")
			if key == "" {
				logger.Warn("no ANTHROPIC_API_KEY set, agent falls back to mock",
					slog.String("agent", a.Name))
				providers[a.Name] = mock.New()
				continue
			}
			providers[a.Name] = provider.NewAnthropicProvider(provider.AnthropicConfig{
				APIKey: key,
				Model:  a.Model,
			})
		default:
			providers[a.Name] = mock.New()
		}
	}
	return providers
}

// parseLevel maps a config log level string onto slog.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
