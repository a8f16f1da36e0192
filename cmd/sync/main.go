// Command sync runs one synchronization pass against the provider and
// exits. Exit status is 0 when every stage completed, 1 when a stage ended
// partially failed or the run was stopped early, and 2 on a fatal error.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fightsync/ingestion/internal/cache"
	"fightsync/ingestion/internal/client"
	"fightsync/ingestion/internal/config"
	"fightsync/ingestion/internal/models"
	"fightsync/ingestion/internal/repository"
	"fightsync/ingestion/internal/syncer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const (
	exitOK      = 0
	exitPartial = 1
	exitFatal   = 2
)

type runArgs struct {
	mode     syncer.Mode
	since    *time.Time
	skip     map[models.EntityType]bool
	deadline time.Duration
	noLock   bool
}

func parseArgs(args []string) (*runArgs, error) {
	fs := pflag.NewFlagSet("sync", pflag.ContinueOnError)
	mode := fs.String("mode", "full", "sync mode: full or incremental")
	since := fs.String("since", "", "watermark override, YYYY-MM-DD or RFC3339")
	skip := fs.StringSlice("skip", nil, "stages to skip, e.g. odds,statistic")
	deadline := fs.Duration("deadline", 0, "stop submitting stage work after this long (0 = none)")
	noLock := fs.Bool("no-lock", false, "do not take the Redis run lock")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	ra := &runArgs{deadline: *deadline, noLock: *noLock, skip: map[models.EntityType]bool{}}

	m, err := syncer.ParseMode(*mode)
	if err != nil {
		return nil, err
	}
	ra.mode = m

	if *since != "" {
		ts, err := parseSince(*since)
		if err != nil {
			return nil, err
		}
		ra.since = &ts
	}

	for _, name := range *skip {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		et, err := models.ParseEntityType(name)
		if err != nil {
			return nil, fmt.Errorf("--skip: %w", err)
		}
		ra.skip[et] = true
	}
	return ra, nil
}

func parseSince(v string) (time.Time, error) {
	if ts, err := time.Parse("2006-01-02", v); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since %q: want YYYY-MM-DD or RFC3339", v)
	}
	return ts.UTC(), nil
}

// exitCode maps a run outcome to the process exit status
func exitCode(result *syncer.RunResult, err error) int {
	switch {
	case err != nil:
		return exitFatal
	case result == nil:
		return exitFatal
	case result.Err() != nil:
		return exitPartial
	}
	return exitOK
}

func main() {
	ra, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(exitOK)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFatal)
	}

	cfg := config.MustLoad()
	setupLogger(cfg)
	for et := range mustSkipStages(cfg) {
		ra.skip[et] = true
	}

	os.Exit(run(ra, cfg))
}

func run(ra *runArgs, cfg *config.Config) int {
	// SIGINT stops the run: in-flight work finishes, queued work is dropped
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
		log.Error().Err(err).Msg("Failed to create provider client")
		return exitFatal
	}

	db, err := repository.NewDatabase(ctx, repository.Config{
		Host:     cfg.DatabaseHost,
		Port:     strconv.Itoa(cfg.DatabasePort),
		User:     cfg.DatabaseUser,
		Password: cfg.DatabasePassword,
		Database: cfg.DatabaseName,
		SSLMode:  cfg.DatabaseSSLMode,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to database")
		return exitFatal
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to migrate database")
		return exitFatal
	}

	var opts []syncer.Option
	if !ra.noLock {
		redisCache, err := cache.NewRedisCache(cache.Config{
			Host:     cfg.RedisHost,
			Port:     strconv.Itoa(cfg.RedisPort),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to Redis - running without run lock")
		} else {
			defer redisCache.Close()
			opts = append(opts, syncer.WithRunLock(redisCache), syncer.WithPublisher(redisCache))
		}
	}

	orchestrator, err := syncer.New(providerClient, db, syncer.Config{
		Workers:   cfg.SyncWorkers,
		BatchSize: cfg.SyncBatchSize,
		LockTTL:   cfg.SyncLockTTL,
		Lookback:  syncer.DefaultConfig().Lookback,
	}, opts...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create sync orchestrator")
		return exitFatal
	}

	runOpts := syncer.Options{Mode: ra.mode, Since: ra.since, Skip: ra.skip}
	if ra.deadline > 0 {
		runOpts.Deadline = time.Now().Add(ra.deadline)
	}

	result, err := orchestrator.Run(ctx, runOpts)
	code := exitCode(result, err)
	switch code {
	case exitFatal:
		log.Error().Err(err).Msg("Sync aborted")
	case exitPartial:
		log.Warn().Err(result.Err()).Msg("Sync finished with failures")
	}
	if result != nil {
		printSummary(result)
	}
	return code
}

func printSummary(result *syncer.RunResult) {
	fmt.Printf("run %s mode=%s elapsed=%s\n", result.RunID, result.Mode, result.Elapsed.Round(time.Millisecond))
	for _, s := range result.Stages {
		fmt.Printf("  %-10s %-16s inserted=%d updated=%d unchanged=%d failed=%d\n",
			s.Stage, s.State, s.Inserted, s.Updated, s.Unchanged, len(s.Failed))
	}
	fmt.Printf("failed records: %d\n", result.FailedCount())
}

func mustSkipStages(cfg *config.Config) map[models.EntityType]bool {
	skip, err := cfg.SkipStages()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFatal)
	}
	return skip
}

// setupLogger configures the zerolog logger
func setupLogger(cfg *config.Config) {
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}

	level := zerolog.InfoLevel
	if cfg.LogLevel != "" {
		if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
}
