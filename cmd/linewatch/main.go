package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/linewatch/internal/api"
	"github.com/rewired-gh/linewatch/internal/config"
	"github.com/rewired-gh/linewatch/internal/dashboard"
	"github.com/rewired-gh/linewatch/internal/engine"
	"github.com/rewired-gh/linewatch/internal/hub"
	"github.com/rewired-gh/linewatch/internal/logger"
	"github.com/rewired-gh/linewatch/internal/models"
	"github.com/rewired-gh/linewatch/internal/movement"
	"github.com/rewired-gh/linewatch/internal/publisher"
	"github.com/rewired-gh/linewatch/internal/stats"
	"github.com/rewired-gh/linewatch/internal/storage"
	"github.com/rewired-gh/linewatch/internal/streams"
	"github.com/rewired-gh/linewatch/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file (empty for defaults and environment only)")

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Setup logging with level support
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	logger.Info("Configuration loaded from %s", *configPath)

	// Initialize storage
	if cfg.Storage.Driver == storage.DriverSQLite && cfg.Storage.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DSN), 0o755); err != nil {
			logger.Fatal("Failed to create data directory: %v", err)
		}
	}
	store, err := storage.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()
	logger.Info("Storage ready (driver: %s)", cfg.Storage.Driver)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	// Core services
	thresholds := cfg.Thresholds()
	cache := dashboard.NewCache(cfg.Dashboard.CacheTTL, time.Now)
	dashboards := dashboard.NewService(store, cache, cfg.Windows(), time.Now)
	movements := movement.NewService(store, cfg.Movement.SweepLookback, time.Now)
	analysis := stats.NewService(store, time.Now)

	// Push delivery
	wsHub := hub.New()
	go wsHub.Run(ctx)
	sinks := []publisher.Sink{wsHub}

	var onCreated []func(m models.Movement)

	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("Failed to parse Redis URL: %v", err)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		streamPub := streams.NewPublisher(redisClient, cfg.Redis.Stream, cfg.Redis.MaxLen)
		if err := streamPub.Ping(ctx); err != nil {
			logger.Warn("Redis not reachable yet, stream publishing will retry per message: %v", err)
		} else {
			logger.Info("Connected to Redis")
		}
		sinks = append(sinks, streamPub)
		onCreated = append(onCreated, func(m models.Movement) {
			go func() {
				pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
				defer pcancel()
				if err := streamPub.PublishMovement(pctx, &m); err != nil {
					logger.Warn("Failed to publish movement %s: %v", m.ID, err)
				}
			}()
		})
	} else {
		logger.Debug("Redis stream publishing disabled")
	}

	if cfg.Telegram.Enabled {
		telegramClient, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		alerter := telegram.NewAlerter(telegramClient, 256, 10, 5*time.Second)
		go alerter.Run(ctx)
		onCreated = append(onCreated, alerter.Enqueue)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	movements.OnCreated = func(m models.Movement) {
		for _, f := range onCreated {
			f(m)
		}
	}

	// Change publication
	var notifier engine.Notifier
	if cfg.Publisher.Enabled {
		pub := publisher.New(dashboards, cfg.PublisherScope(), cfg.Publisher.Timeout, sinks...)
		go func() {
			if err := pub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Publisher stopped: %v", err)
			}
		}()
		notifier = pub
		logger.Info("Publishing dashboard %s to %d sink(s)", pub.Scope(), len(sinks))
	}

	// Ingestion and event-driven detection
	eng := engine.New(store, dashboards, movements, notifier, thresholds, cfg.Movement.QueueSize)
	go func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Engine stopped: %v", err)
		}
	}()

	// Periodic detection sweep
	go runSweeps(ctx, movements, thresholds, cfg.Movement.SweepInterval)

	// HTTP server
	srv := api.New(api.Deps{
		Store:      store,
		Ingester:   eng,
		Dashboards: dashboards,
		Movements:  movements,
		Analysis:   analysis,
		WebSocket:  wsHub,
	}, api.Options{
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.WriteTimeout,
		Thresholds:     thresholds,
		Scope:          dashboard.Scope{PropType: models.PropTypeAll, HoursBack: cfg.Dashboard.LookbackHours},
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("HTTP server listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown: %v", err)
	}
	if n := eng.Dropped(); n > 0 {
		logger.Info("Detection queue dropped %d event(s) during this run", n)
	}
	logger.Info("Service stopped")
}

// runSweeps runs the detection sweep immediately and then on every tick,
// logging failures once per failure streak.
func runSweeps(ctx context.Context, movements *movement.Service, th movement.Thresholds, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	sweep := func() {
		start := time.Now()
		found, err := movements.RunDetection(ctx, th)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
			if consecutiveFailures == 1 {
				logger.Error("Detection sweep failed: %v", err)
			} else {
				logger.Debug("Detection sweep failed (%d in a row): %v", consecutiveFailures, err)
			}
			return
		}
		if consecutiveFailures > 0 {
			logger.Info("Detection sweep recovered after %d failure(s)", consecutiveFailures)
			consecutiveFailures = 0
		}
		logger.Info("Detection sweep completed in %v: %d qualifying movement(s)", time.Since(start).Round(time.Millisecond), found)
	}

	logger.Debug("Running initial detection sweep (interval: %v)", interval)
	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
