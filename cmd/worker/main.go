package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"fightsync/ingestion/internal/cache"
	"fightsync/ingestion/internal/client"
	"fightsync/ingestion/internal/config"
	"fightsync/ingestion/internal/metrics"
	"fightsync/ingestion/internal/repository"
	"fightsync/ingestion/internal/scheduler"
	"fightsync/ingestion/internal/syncer"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg := config.MustLoad()

	// Setup logger
	setupLogger(cfg)

	log.Info().Msg("Starting fightsync ingestion worker")
	log.Info().
		Str("env", cfg.AppEnv).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	// Create context that listens for cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal, gracefully shutting down...")
		cancel()
	}()

	// Initialize provider client
	providerClient, err := client.NewClient(client.Config{
		BaseURL:            cfg.ProviderBaseURL,
		APIKey:             cfg.ProviderAPIKey,
		AuthHeader:         cfg.ProviderAuthHeader,
		CursorParam:        cfg.ProviderCursorParam,
		PageSize:           cfg.ProviderPageSize,
		RequestTimeout:     cfg.ProviderRequestTimeout,
		MaxInFlight:        cfg.ProviderMaxInFlight,
		MinRequestInterval: cfg.ProviderMinRequestInterval,
		MaxAttempts:        cfg.ProviderMaxAttempts,
		BackoffInitial:     cfg.ProviderBackoffInitial,
		BackoffMax:         cfg.ProviderBackoffMax,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create provider client")
	}
	log.Info().Str("base_url", cfg.ProviderBaseURL).Msg("Provider client initialized")

	// Initialize database connection
	db, err := repository.NewDatabase(ctx, repository.Config{
		Host:     cfg.DatabaseHost,
		Port:     strconv.Itoa(cfg.DatabasePort),
		User:     cfg.DatabaseUser,
		Password: cfg.DatabasePassword,
		Database: cfg.DatabaseName,
		SSLMode:  cfg.DatabaseSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	var opts []syncer.Option

	// Initialize Redis client
	redisCache, err := cache.NewRedisCache(cache.Config{
		Host:     cfg.RedisHost,
		Port:     strconv.Itoa(cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to Redis - continuing without run lock")
		redisCache = nil
	} else {
		defer redisCache.Close()
		opts = append(opts, syncer.WithRunLock(redisCache), syncer.WithPublisher(redisCache))
		log.Info().Msg("Redis cache connected")
	}

	orchestrator, err := syncer.New(providerClient, db, syncer.Config{
		Workers:   cfg.SyncWorkers,
		BatchSize: cfg.SyncBatchSize,
		LockTTL:   cfg.SyncLockTTL,
		Lookback:  syncer.DefaultConfig().Lookback,
	}, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sync orchestrator")
	}

	// Start metrics HTTP server
	if cfg.EnableMetrics {
		go startMetricsServer(cfg.MetricsPort, db, redisCache)
	}

	// Update system uptime metric
	startTime := time.Now()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.SystemUptime.Set(time.Since(startTime).Seconds())
				db.PoolStats()
				if counts, err := db.Failures.Count(ctx); err == nil {
					for et, n := range counts {
						metrics.PendingFailures.WithLabelValues(string(et)).Set(float64(n))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Create and start scheduler
	sched := scheduler.NewScheduler(cfg, orchestrator)

	if cfg.EnableScheduler {
		log.Info().Msg("Starting scheduler...")
		if err := sched.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start scheduler")
		}
	}

	// Run initial sync if enabled
	if cfg.InitialSyncEnabled {
		log.Info().Msg("Running initial full sync...")
		if _, err := sched.RunNow(ctx, syncer.ModeFull); err != nil {
			log.Error().Err(err).Msg("Initial sync failed, continuing anyway...")
		}
	}

	// Keep running until context is cancelled
	<-ctx.Done()

	// Graceful shutdown
	log.Info().Msg("Shutting down scheduler...")
	sched.Stop()

	log.Info().Msg("Worker shutdown complete")
}

// setupLogger configures the zerolog logger
func setupLogger(cfg *config.Config) {
	// Pretty console logging in development
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	// Set log level
	level := zerolog.InfoLevel
	if cfg.LogLevel != "" {
		parsedLevel, err := zerolog.ParseLevel(cfg.LogLevel)
		if err == nil {
			level = parsedLevel
		}
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("level", level.String()).
		Msg("Logger initialized")
}

// startMetricsServer serves Prometheus metrics, health and the last run
// summaries
func startMetricsServer(port int, db *repository.Database, redisCache *cache.RedisCache) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "healthy", "database": "up"}
		code := http.StatusOK
		if err := db.Health(r.Context()); err != nil {
			status["status"] = "unhealthy"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if redisCache != nil {
			status["redis"] = "up"
			if err := redisCache.Health(r.Context()); err != nil {
				status["redis"] = err.Error()
			}
		}
		writeJSON(w, code, status)
	})

	mux.HandleFunc("/runs/last", func(w http.ResponseWriter, r *http.Request) {
		if redisCache == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run history unavailable"})
			return
		}
		mode, err := syncer.ParseMode(r.URL.Query().Get("mode"))
		if err != nil {
			mode = syncer.ModeFull
		}
		var result syncer.RunResult
		found, err := redisCache.LastRunResult(r.Context(), string(mode), &result)
		switch {
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		case !found:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run recorded"})
		default:
			writeJSON(w, http.StatusOK, &result)
		}
	})

	addr := fmt.Sprintf(":%d", port)
	log.Info().Int("port", port).Msg("Starting metrics server")

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
