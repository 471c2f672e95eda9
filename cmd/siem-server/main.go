package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/agents"
	"github.com/invisible-tech/sentinel-siem/internal/alerts"
	"github.com/invisible-tech/sentinel-siem/internal/auth"
	"github.com/invisible-tech/sentinel-siem/internal/config"
	"github.com/invisible-tech/sentinel-siem/internal/dedup"
	"github.com/invisible-tech/sentinel-siem/internal/detection"
	"github.com/invisible-tech/sentinel-siem/internal/insights"
	"github.com/invisible-tech/sentinel-siem/internal/live"
	"github.com/invisible-tech/sentinel-siem/internal/logging"
	"github.com/invisible-tech/sentinel-siem/internal/security"
	"github.com/invisible-tech/sentinel-siem/internal/server"
	"github.com/invisible-tech/sentinel-siem/internal/settings"
	"github.com/invisible-tech/sentinel-siem/internal/store"
	"github.com/invisible-tech/sentinel-siem/internal/store/memstore"
	"github.com/invisible-tech/sentinel-siem/internal/store/mongostore"
	"github.com/invisible-tech/sentinel-siem/internal/version"
	"github.com/invisible-tech/sentinel-siem/pkg/aiprovider"
)

func main() {
	dotenvErr := config.LoadDotEnv()
	cfg := config.DefaultServerConfig()
	log := logging.New(cfg.Log)
	if dotenvErr != nil {
		log.WithError(dotenvErr).Warn("Failed to load .env file")
	}
	log.WithField("version", version.Version).Info("Starting SIEM server")
	if cfg.JWTSecret == "change-me" {
		log.Warn("JWT_SECRET is the default value; set it before exposing the server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	dd, closeDedup := openDedup(ctx, cfg, log)
	defer closeDedup()

	engine := detection.NewEngine(log)
	watcher, err := detection.NewWatcher(engine, log, cfg.RulesFile, cfg.SigmaRulesPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load detection rules")
	}
	go watcher.Run(ctx)

	authn := auth.New(cfg.JWTSecret, cfg.AgentTokenTTL)
	agentSvc := agents.New(st, engine, dd, authn, log)
	hub := live.NewHub(agentSvc, live.Config{
		SubscriptionInterval: cfg.SubscriptionInterval,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		AllowedOrigins:       cfg.CORSAllowedOrigins,
	}, log)
	ai := aiprovider.NewClient(aiprovider.Config{
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		OpenAIModel:      cfg.OpenAIModel,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		AnthropicModel:   cfg.AnthropicModel,
		Timeout:          cfg.AITimeout,
	}, log)

	srv := server.New(cfg, authn, server.Services{
		Agents:   agentSvc,
		Alerts:   alerts.New(st, log),
		Security: security.New(st, hub, log),
		Insights: insights.New(st, ai, cfg.InsightTTL, log),
		Settings: settings.New(st, log),
		Hub:      hub,
	}, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("SIEM server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down SIEM server")
	cancel()
	hub.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Graceful shutdown incomplete")
	}
}

func openStore(ctx context.Context, cfg config.ServerConfig, log *logrus.Logger) (store.Store, func()) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Warn("Using in-memory store; data is lost on restart")
		return memstore.New(), func() {}
	case config.StoreMongo:
		ms, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to MongoDB")
		}
		log.WithField("database", cfg.MongoDatabase).Info("Connected to MongoDB")
		return ms, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := ms.Close(closeCtx); err != nil {
				log.WithError(err).Warn("Failed to close MongoDB client")
			}
		}
	default:
		log.WithField("backend", cfg.StoreBackend).Fatal("Unknown STORE_BACKEND")
		return nil, nil
	}
}

func openDedup(ctx context.Context, cfg config.ServerConfig, log *logrus.Logger) (dedup.Deduper, func()) {
	switch cfg.DedupBackend {
	case config.DedupOff, "":
		return dedup.Noop{}, func() {}
	case config.DedupMemory:
		return dedup.NewMemory(cfg.DedupTTL), func() {}
	case config.DedupRedis:
		rd, err := dedup.NewRedis(ctx, dedup.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.DedupTTL,
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis for telemetry dedup")
		}
		return rd, func() { rd.Close() }
	default:
		log.WithField("backend", cfg.DedupBackend).Fatal("Unknown TELEMETRY_DEDUP")
		return nil, nil
	}
}
