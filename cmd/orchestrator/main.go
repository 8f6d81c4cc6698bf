package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-orchestrator/internal/api"
	"github.com/nidhogg/nuka-orchestrator/internal/config"
	"github.com/nidhogg/nuka-orchestrator/internal/lineage"
	"github.com/nidhogg/nuka-orchestrator/internal/metrics"
	"github.com/nidhogg/nuka-orchestrator/internal/notify"
	"github.com/nidhogg/nuka-orchestrator/internal/orchestrator"
	"github.com/nidhogg/nuka-orchestrator/internal/provider"
	"github.com/nidhogg/nuka-orchestrator/internal/registry"
	pgstore "github.com/nidhogg/nuka-orchestrator/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/orchestrator.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting orchestrator...", zap.String("config", cfgPath))

	ctx := context.Background()

	// Provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
			continue
		}
		if pc.Default {
			router.SetDefault(pc.ID)
		}
		if len(pc.Fallbacks) > 0 {
			router.SetFallbacks(pc.ID, pc.Fallbacks)
		}
	}

	// Catalog: builtins, then file, then skills dir, then anything registered over the API
	reg := registry.New(logger)
	registry.RegisterBuiltins(reg)
	if cfg.CatalogPath != "" {
		cat, err := registry.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			logger.Fatal("failed to load catalog", zap.String("path", cfg.CatalogPath), zap.Error(err))
		}
		cat.Apply(reg)
		logger.Info("Catalog loaded", zap.Int("agents", len(cat.Agents)), zap.Int("teams", len(cat.Teams)), zap.Int("skills", len(cat.Skills)))
	}
	if cfg.SkillsDir != "" {
		skills, err := registry.LoadSkillsDir(cfg.SkillsDir)
		if err != nil {
			logger.Warn("failed to load skills dir", zap.String("dir", cfg.SkillsDir), zap.Error(err))
		}
		for _, s := range skills {
			reg.RegisterSkill(s)
		}
	}

	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Orchestrator.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			if cat, lErr := ps.LoadCatalog(ctx); lErr != nil {
				logger.Warn("failed to load persisted catalog", zap.Error(lErr))
			} else {
				cat.Apply(reg)
			}
		}
	}

	// Orchestrator
	orch := orchestrator.New(reg, router, logger)
	orch.SetDefaultTimeout(cfg.Orchestrator.DefaultTimeout.Std())
	orch.SetRetryEnabled(!cfg.Orchestrator.DisableRetry)
	orch.SetLogLimit(cfg.Orchestrator.LogLimit)

	prom := metrics.NewPrometheusRecorder()
	orch.SetRecorder(prom)

	var bus orchestrator.Bus
	if cfg.Database.Redis.URL != "" {
		rb, busErr := orchestrator.NewRedisBus(ctx, cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, using in-process bus", zap.Error(busErr))
		} else {
			bus = rb
		}
	}
	if bus == nil {
		bus = orchestrator.NewLocalBus(logger)
	}
	orch.SetBus(bus)

	if pgStore != nil {
		orch.AddArchiver(pgStore)
	}

	var graph *lineage.Recorder
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := lineage.NewRecorder(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr == nil {
			gErr = g.EnsureSchema(ctx)
		}
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(gErr))
		} else {
			graph = g
			orch.AddArchiver(graph)
		}
	}

	// Notifications
	broadcaster := notify.NewBroadcaster(logger)
	broadcaster.SetFailuresOnly(cfg.Notify.FailuresOnly)
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		broadcaster.Register(notify.NewSlackChannel(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.ChannelID, logger))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		dc, dErr := notify.NewDiscordChannel(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID, logger)
		if dErr != nil {
			logger.Warn("Discord notifications disabled", zap.Error(dErr))
		} else {
			broadcaster.Register(dc)
		}
	}
	if len(broadcaster.Platforms()) > 0 {
		orch.SetNotifier(broadcaster)
		logger.Info("Notifications enabled", zap.Strings("platforms", broadcaster.Platforms()))
	}

	// HTTP handler
	handler := api.NewHandler(orch, router, logger)
	handler.SetMetricsHandler(prom.Handler())
	handler.SetAnnouncer(broadcaster)
	if pgStore != nil {
		handler.SetCatalogStore(pgStore)
		handler.SetExecutionStore(pgStore)
	}
	if graph != nil {
		handler.SetAgentHistory(graph)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Orchestrator listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down orchestrator...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := orch.Drain(shutdownCtx); err != nil {
		logger.Warn("pending archives dropped", zap.Error(err))
	}
	bus.Close()
	if graph != nil {
		graph.Close(shutdownCtx)
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if level != "" {
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
