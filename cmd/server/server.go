package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/assessment"
	"jan-server/services/tutor-api/internal/infrastructure/crontab"
	"jan-server/services/tutor-api/internal/infrastructure/observability"
	"jan-server/services/tutor-api/internal/infrastructure/realtime"
	"jan-server/services/tutor-api/internal/interfaces/httpserver"
)

// Application bundles the long-running parts of tutor-api.
type Application struct {
	httpServer *httpserver.HttpServer
	sweeper    *crontab.Crontab
	relay      *realtime.RedisPublisher
	assessor   *assessment.Trigger
	log        zerolog.Logger
}

func NewApplication(
	httpServer *httpserver.HttpServer,
	sweeper *crontab.Crontab,
	relay *realtime.RedisPublisher,
	assessor *assessment.Trigger,
	log zerolog.Logger,
) *Application {
	return &Application{
		httpServer: httpServer,
		sweeper:    sweeper,
		relay:      relay,
		assessor:   assessor,
		log:        log,
	}
}

// Start runs the HTTP server, the stale stream sweeper and the realtime relay until ctx ends.
func (a *Application) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.httpServer.Run(gctx) })
	g.Go(func() error { return a.sweeper.Run(gctx) })
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx) })
	}
	err := g.Wait()

	// Grading dispatches run detached from requests; let them finish their attempts.
	a.log.Info().Msg("waiting for in-flight grading dispatches")
	a.assessor.Wait()
	return err
}

func main() {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	db, err := newGormDB(ctx, cfg, newDatabaseConfig(cfg), log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}

	redisClient, err := newRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	vectorPool, err := newVectorPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect vector database")
	}
	if vectorPool != nil {
		defer vectorPool.Close()
	}

	authValidator, err := newAuthValidator(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize auth validator")
	}

	hub := realtime.NewHub(log)
	relay := newRelay(cfg, hub, redisClient, log)
	publisher := newPublisher(hub, relay)

	retrievalService, err := newRetrievalService(cfg, vectorPool, redisClient, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize retrieval")
	}

	llmClient := newLLMProvider(cfg, log)
	memoryClient := newMemoryClient(cfg, log)
	messages := newMessageRepository(db)
	assessor := newAssessmentTrigger(cfg, messages, publisher, newLocker(cfg, redisClient, log), log)

	orch, err := newOrchestrator(cfg, db, orchestratorDeps{
		Moderation: newModerationService(cfg, log),
		Retrieval:  retrievalService,
		Memory:     memoryClient,
		Streamer:   newStreamingAdapter(cfg, llmClient, messages, publisher, log),
		LLM:        llmClient,
		Assessor:   assessor,
		Publisher:  publisher,
		Sanitizer:  newSanitizer(cfg),
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize orchestrator")
	}

	handlerProvider := newHandlerProvider(cfg, db, orch, hub, memoryClient, log)
	httpServer := httpserver.New(cfg, log, handlerProvider, authValidator, newReadinessChecks(db, redisClient, vectorPool))
	app := NewApplication(httpServer, newSweeper(cfg, db, publisher, log), relay, assessor, log)

	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("application stopped with error")
	}

	log.Info().Msg("application exited cleanly")
}

func loadEnvFiles() {
	paths := []string{".env", "../.env"}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
