// Kestrel - Real-time fraud risk scoring and case management.
// Copyright (c) 2026 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/action"
	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/casework"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feature"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/network"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/threshold"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// GlobalTenantID scopes the shared model set loaded at startup. Tenants can
// install their own models via POST /models.
const GlobalTenantID = "*"

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Scoring Engine and load models
	engine, err := scoring.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize scoring engine", "error", err)
		os.Exit(1)
	}
	if err := loadModels(ctx, repo, engine); err != nil {
		slog.Error("failed to load scoring models", "error", err)
		os.Exit(1)
	}
	slog.Info("scoring engine initialized", "active_models", engine.ActiveCount())

	// Supporting components
	profiles := profile.NewStore(repo, cacheImpl, logger)
	extractor := feature.NewExtractor(cacheImpl, cfg.Pipeline.VelocityWindow)
	analyzer := network.NewAnalyzer(cfg.Network, logger)
	router := threshold.NewRouter()
	executor := action.NewExecutor(repo, cacheImpl, busImpl, cfg.Actions, logger)
	alerts := alert.NewManager(repo, cacheImpl, busImpl, cfg.Alerts, logger)
	cases := casework.NewManager(repo, busImpl, logger)
	mon := monitor.NewMonitor(repo, engine, cfg.Monitor, logger)

	// Wire bus handlers: failed actions raise critical alerts, closed
	// cases label model outcomes.
	if _, err := busImpl.Subscribe(ctx, GlobalTenantID, domain.TopicActionFailed, alerts.HandleActionFailure); err != nil {
		slog.Warn("failed to subscribe to action failures", "error", err)
	}
	if _, err := busImpl.Subscribe(ctx, GlobalTenantID, domain.TopicCaseClosed, mon.HandleCaseClosed); err != nil {
		slog.Warn("failed to subscribe to case closures", "error", err)
	}

	// Initialize Pipeline
	pipe := pipeline.New(pipeline.Deps{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Profiles:  profiles,
		Extractor: extractor,
		Engine:    engine,
		Analyzer:  analyzer,
		Router:    router,
		Actions:   executor,
		Alerts:    alerts,
	}, cfg.Pipeline, logger)
	pipe.Start(ctx)
	slog.Info("pipeline started", "shards", cfg.Pipeline.ShardCount)

	// Start alert escalation sweep
	alerts.Start(ctx)
	slog.Info("alert escalation sweep started", "interval", cfg.Alerts.EscalationInterval)

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Pipeline: pipe,
		Engine:   engine,
		Analyzer: analyzer,
		Router:   router,
		Actions:  executor,
		Alerts:   alerts,
		Cases:    cases,
		Monitor:  mon,
	}, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	alerts.Stop()
	pipe.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadModels loads the model set from the database, seeding the default
// ensemble on first start.
func loadModels(ctx context.Context, repo domain.Repository, engine *scoring.Engine) error {
	models, err := repo.ListModels(ctx, GlobalTenantID, "")
	if err != nil {
		return err
	}

	if len(models) == 0 {
		slog.Info("no models in database, installing default ensemble")
		for _, m := range scoring.DefaultModels(GlobalTenantID) {
			if err := repo.SaveModel(ctx, GlobalTenantID, m); err != nil {
				return err
			}
			models = append(models, m)
		}
	}

	return engine.ReloadModels(models)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - Fraud Risk Scoring & Case Management")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /events               - Score an event")
	fmt.Println("    GET  /decisions/{id}       - Get decision by ID")
	fmt.Println("    GET  /profiles/{entityID}  - Get behavior profile")
	fmt.Println("    GET  /alerts               - List alerts")
	fmt.Println("    GET  /cases                - List cases")
	fmt.Println("    POST /cases/{id}/claim     - Claim a case")
	fmt.Println("    POST /cases/{id}/close     - Close a case with resolution")
	fmt.Println("    GET  /models               - List scoring models")
	fmt.Println("    GET  /dashboard/stats      - Dashboard aggregates")
	fmt.Println("    GET  /health               - Health check")
	fmt.Println()
}
