// Command jobcored is a minimal demo binary wiring the CORE together:
// config load, Mongo dial, a sample definitions registry, and the
// Processor, with signal-driven graceful shutdown.
//
// Grounded on bobmcallan-vire/cmd/vire-server/main.go's structure
// (config path from env, background service start, HTTP health/version
// endpoints, signal handling, graceful shutdown) with the MCP/HTTP
// business endpoints removed — the CORE has no wire protocol of its
// own per spec §6.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/bobmcallan/jobcore/internal/common"
	"github.com/bobmcallan/jobcore/internal/definitions"
	"github.com/bobmcallan/jobcore/internal/events"
	"github.com/bobmcallan/jobcore/internal/model"
	"github.com/bobmcallan/jobcore/internal/processor"
	"github.com/bobmcallan/jobcore/internal/repository"
	"github.com/bobmcallan/jobcore/internal/retry"
)

func main() {
	configPath := os.Getenv("JOBCORE_CONFIG")

	var cfg *common.Config
	var err error
	if configPath != "" {
		cfg, err = common.LoadConfig(configPath)
	} else {
		cfg, err = common.LoadConfig()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(cfg.Logging.Level)
	common.PrintBanner(cfg, logger)

	ctx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		dialCancel()
		logger.Error().Err(err).Msg("jobcored: failed to connect to mongo")
		os.Exit(1)
	}
	if err := client.Ping(ctx, nil); err != nil {
		dialCancel()
		logger.Error().Err(err).Msg("jobcored: mongo ping failed")
		os.Exit(1)
	}
	dialCancel()

	coll := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)

	executor := retry.New(retry.Options{
		MaxRetries: cfg.Scheduler.RetryMaxAttempts,
		BaseDelay:  cfg.Scheduler.GetRetryBaseDelay(),
		MaxDelay:   cfg.Scheduler.GetRetryMaxDelay(),
	})
	repo := repository.NewMongoRepository(coll, logger, executor)

	registry := definitions.NewStaticRegistry()
	// Demo registration so the process has something to discover; real
	// job authoring is an external collaborator per spec §1.
	_ = registry.Define(definitions.Definition{
		Name:         "noop",
		Concurrency:  1,
		LockLimit:    1,
		LockLifetime: cfg.Scheduler.GetDefaultLockLifetime(),
		Handler: func(ctx context.Context, data any) error {
			logger.Debug().Msg("jobcored: noop handler invoked")
			return nil
		},
	})

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, _, err := repo.UpsertSingle(seedCtx, model.NewJob("noop", nil)); err != nil {
		logger.Warn().Err(err).Msg("jobcored: failed to seed demo job")
	}
	seedCancel()

	hub := events.NewHub(logger)
	go hub.Run()

	proc := processor.New(processor.Options{
		Repository:     repo,
		Registry:       registry,
		Hub:            hub,
		Logger:         logger,
		QueueName:      cfg.Mongo.Collection,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		TotalLockLimit: cfg.Scheduler.TotalLockLimit,
		ProcessEvery:   cfg.Scheduler.GetProcessEvery(),
		BatchSize:      cfg.Scheduler.DefaultBatchSize,
		EnableBatching: true,
	})
	proc.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/status", statusHandler(proc))
	mux.HandleFunc("/events", hub.ServeWS)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("jobcored: starting status server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("jobcored: status server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	common.PrintShutdownBanner(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("jobcored: status server shutdown failed")
	}

	claimed := proc.Stop()
	if len(claimed) > 0 {
		ids := make([]string, 0, len(claimed))
		for _, j := range claimed {
			ids = append(ids, j.ID)
		}
		if err := repo.ReleaseMany(context.Background(), ids); err != nil {
			logger.Warn().Err(err).Msg("jobcored: failed to release residual claims")
		}
	}
	hub.Stop()

	disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer disconnectCancel()
	_ = client.Disconnect(disconnectCtx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func statusHandler(proc *processor.Processor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fullDetails := r.URL.Query().Get("full") == "true"
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(proc.Status(fullDetails))
	}
}
