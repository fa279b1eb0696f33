package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/assessment"
	"jan-server/services/tutor-api/internal/domain/contentfilter"
	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/moderation"
	"jan-server/services/tutor-api/internal/domain/orchestrator"
	"jan-server/services/tutor-api/internal/domain/prompt"
	"jan-server/services/tutor-api/internal/domain/reconcile"
	"jan-server/services/tutor-api/internal/domain/retrieval"
	"jan-server/services/tutor-api/internal/domain/retry"
	"jan-server/services/tutor-api/internal/domain/safety"
	"jan-server/services/tutor-api/internal/domain/streaming"
	"jan-server/services/tutor-api/internal/infrastructure/auth"
	"jan-server/services/tutor-api/internal/infrastructure/cache"
	"jan-server/services/tutor-api/internal/infrastructure/crontab"
	"jan-server/services/tutor-api/internal/infrastructure/database"
	"jan-server/services/tutor-api/internal/infrastructure/embedding"
	"jan-server/services/tutor-api/internal/infrastructure/grading"
	"jan-server/services/tutor-api/internal/infrastructure/llmprovider"
	"jan-server/services/tutor-api/internal/infrastructure/logger"
	"jan-server/services/tutor-api/internal/infrastructure/memory"
	moderationclient "jan-server/services/tutor-api/internal/infrastructure/moderation"
	"jan-server/services/tutor-api/internal/infrastructure/realtime"
	"jan-server/services/tutor-api/internal/infrastructure/repository"
	"jan-server/services/tutor-api/internal/infrastructure/vectorstore"
	"jan-server/services/tutor-api/internal/interfaces/httpserver"
	"jan-server/services/tutor-api/internal/interfaces/httpserver/handlers"
	"jan-server/services/tutor-api/pkg/telemetry"
)

const embeddingCachePrefix = "tutor:embedding"

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	return logger.New(cfg.ServiceName, cfg.Environment, cfg.LogLevel, cfg.LogFormat)
}

func newDatabaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		DSN:             cfg.DatabaseURL,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
		LogLevel:        gormlogger.Warn,
	}
}

func newGormDB(ctx context.Context, cfg *config.Config, dbCfg database.Config, log zerolog.Logger) (*gorm.DB, error) {
	db, err := database.Connect(dbCfg)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := database.AutoMigrate(ctx, db, log); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// newRedisClient returns nil when REDIS_URL is unset; callers fall back to in-process variants.
func newRedisClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (redis.UniversalClient, error) {
	if cfg.RedisURL == "" {
		log.Info().Msg("REDIS_URL not set, using in-process realtime, locks and caches")
		return nil, nil
	}
	return cache.NewRedisClient(ctx, cfg.RedisURL, log)
}

// newVectorPool returns nil when no vector database is configured.
func newVectorPool(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*pgxpool.Pool, error) {
	if cfg.VectorDBURL == "" {
		log.Info().Msg("VECTOR_DATABASE_URL not set, knowledge base grounding disabled")
		return nil, nil
	}
	return vectorstore.Connect(ctx, cfg.VectorDBURL)
}

func newAuthValidator(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*auth.Validator, error) {
	return auth.NewValidator(ctx, cfg, log)
}

func newLLMProvider(cfg *config.Config, log zerolog.Logger) *llmprovider.Client {
	return llmprovider.NewClient(cfg.LLMAPIURL, cfg.LLMAPIKey, cfg.CompletionTimeout, log)
}

func newModerationService(cfg *config.Config, log zerolog.Logger) *moderation.Service {
	var moderator moderation.Moderator
	if cfg.ModerationEnabled {
		moderator = moderationclient.NewClient(moderationclient.Config{
			BaseURL: cfg.ModerationURL,
			APIKey:  cfg.ModerationAPIKey,
			Model:   cfg.ModerationModel,
			Timeout: cfg.ModerationTimeout,
		}, log)
	}
	return moderation.NewService(moderator, cfg.Policy.Moderation, cfg.ModerationFailMode, log)
}

func newRetrievalService(cfg *config.Config, pool *pgxpool.Pool, redisClient redis.UniversalClient, log zerolog.Logger) (*retrieval.Service, error) {
	if pool == nil {
		return nil, nil
	}
	embeddingCache, err := embedding.NewCache(embedding.CacheConfig{
		Type:      cfg.EmbeddingCacheType,
		KeyPrefix: embeddingCachePrefix,
		MaxSize:   cfg.EmbeddingCacheSize,
		TTL:       cfg.EmbeddingCacheTTL,
	}, redisClient)
	if err != nil {
		return nil, err
	}
	embedder := embedding.NewClient(cfg.EmbeddingURL, cfg.EmbeddingTimeout, embeddingCache, log)
	return retrieval.NewService(embedder, vectorstore.NewStore(pool), cfg.RetrievalTopK, cfg.RetrievalMinScore, log), nil
}

func newMessageRepository(db *gorm.DB) message.Repository {
	return repository.NewMessageRepository(db)
}

func newMemoryClient(cfg *config.Config, log zerolog.Logger) *memory.Client {
	return memory.NewClient(cfg.MemoryServiceURL, cfg.MemoryTimeout, log)
}

func newLocker(cfg *config.Config, redisClient redis.UniversalClient, log zerolog.Logger) assessment.Locker {
	if redisClient == nil {
		return cache.NewLocalLocker()
	}
	return cache.NewLocker(redisClient, cfg.AssessmentLockTTL, log)
}

// newRelay returns nil without redis; events then stay on this replica's hub.
func newRelay(cfg *config.Config, hub *realtime.Hub, redisClient redis.UniversalClient, log zerolog.Logger) *realtime.RedisPublisher {
	if redisClient == nil {
		return nil
	}
	return realtime.NewRedisPublisher(redisClient, hub, cfg.RealtimeChannelPrefix, log)
}

// newPublisher fans events out through redis when available so every replica's hub sees them.
func newPublisher(hub *realtime.Hub, relay *realtime.RedisPublisher) message.Publisher {
	if relay == nil {
		return realtime.NewLocalPublisher(hub)
	}
	return relay
}

func newAssessmentTrigger(
	cfg *config.Config,
	messages message.Repository,
	publisher message.Publisher,
	locker assessment.Locker,
	log zerolog.Logger,
) *assessment.Trigger {
	grader := grading.NewClient(cfg.GradingServiceURL, cfg.GradingServiceKey, log)
	policy := retry.DispatchPolicy()
	policy.MaxRetries = cfg.AssessmentMaxRetries
	policy.InitialDelay = cfg.AssessmentInitialBackoff
	policy.AttemptTimeout = cfg.AssessmentAttemptTimeout
	return assessment.NewTrigger(assessment.Config{
		Token:        cfg.AssessmentTriggerToken,
		HistoryTurns: cfg.AssessmentHistoryTurns,
		Policy:       policy,
	}, messages, publisher, grader, locker, log)
}

func newStreamingAdapter(cfg *config.Config, llm *llmprovider.Client, messages message.Repository, publisher message.Publisher, log zerolog.Logger) *streaming.Adapter {
	return streaming.NewAdapter(llm, messages, publisher, streaming.Config{
		FlushInterval:   cfg.StreamFlushInterval,
		FlushChars:      cfg.StreamFlushChars,
		IsSlowReasoning: cfg.IsSlowReasoningModel,
	}, log)
}

func newSanitizer(cfg *config.Config) *telemetry.Sanitizer {
	return telemetry.NewSanitizer(telemetry.Level(cfg.LogPIILevel), cfg.LogPIISalt)
}

// orchestratorDeps collects the collaborators that are not plain repositories.
type orchestratorDeps struct {
	Moderation *moderation.Service
	Retrieval  *retrieval.Service
	Memory     *memory.Client
	Streamer   *streaming.Adapter
	LLM        *llmprovider.Client
	Assessor   *assessment.Trigger
	Publisher  message.Publisher
	Sanitizer  *telemetry.Sanitizer
}

func newOrchestrator(
	cfg *config.Config,
	db *gorm.DB,
	deps orchestratorDeps,
	log zerolog.Logger,
) (*orchestrator.Orchestrator, error) {
	filter, err := contentfilter.New(cfg.Policy.ContentFilter)
	if err != nil {
		return nil, err
	}

	od := orchestrator.Dependencies{
		Classifier: safety.NewClassifier(cfg.Policy.Safety),
		Filter:     filter,
		Moderator:  deps.Moderation,
		Composer:   prompt.NewComposer(cfg.Policy, cfg.MaxPromptTokens, log),
		Streamer:   deps.Streamer,
		Completer:  deps.LLM,
		Assessor:   deps.Assessor,
		Messages:   repository.NewMessageRepository(db),
		Instances:  repository.NewInstanceRepository(db),
		Directory:  repository.NewDirectoryRepository(db),
		Audit:      repository.NewAuditRepository(db),
		Publisher:  deps.Publisher,
		Sanitizer:  deps.Sanitizer,
		Policy:     cfg.Policy,
	}
	// Optional collaborators stay nil interfaces when not configured.
	if deps.Retrieval != nil {
		od.Retriever = deps.Retrieval
	}
	if deps.Memory.IsEnabled() {
		od.Memory = deps.Memory
	}

	return orchestrator.New(od, orchestrator.Config{
		DefaultModel:       cfg.DefaultModel,
		Temperature:        float32(cfg.CompletionTemperature),
		MaxTokens:          cfg.CompletionMaxTokens,
		HistoryWindow:      cfg.HistoryWindow,
		IsShortPromptModel: cfg.IsShortPromptModel,
	}, log), nil
}

func newReconcileOptions(cfg *config.Config) reconcile.Options {
	opts := reconcile.DefaultOptions()
	opts.SafetyDedupWindow = cfg.SafetyDedupWindow
	opts.SafetyStaleWindow = cfg.SafetyStaleWindow
	return opts
}

func newHandlerProvider(
	cfg *config.Config,
	db *gorm.DB,
	service handlers.MessageService,
	hub *realtime.Hub,
	memoryClient *memory.Client,
	log zerolog.Logger,
) *handlers.Provider {
	messages := repository.NewMessageRepository(db)
	instances := repository.NewInstanceRepository(db)
	directory := repository.NewDirectoryRepository(db)
	return handlers.NewProvider(
		handlers.NewMessageHandler(service, log),
		handlers.NewTranscriptHandler(messages, instances, directory, newReconcileOptions(cfg), log),
		handlers.NewFeedHandler(hub, &realtime.Upgrader, instances, directory, log),
		handlers.NewSessionHandler(memoryClient, log),
	)
}

func newSweeper(cfg *config.Config, db *gorm.DB, publisher message.Publisher, log zerolog.Logger) *crontab.Crontab {
	return crontab.NewCrontab(repository.NewMessageRepository(db), publisher, cfg.StreamStaleAfter, cfg.SweepIntervalMinutes, log)
}

func newReadinessChecks(db *gorm.DB, redisClient redis.UniversalClient, pool *pgxpool.Pool) []httpserver.ReadinessCheck {
	checks := []httpserver.ReadinessCheck{
		{Name: "postgres", Check: func(ctx context.Context) error { return database.Ping(db) }},
	}
	if redisClient != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}
	if pool != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name:  "vector",
			Check: func(ctx context.Context) error { return pool.Ping(ctx) },
		})
	}
	return checks
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return cfg.ShutdownTimeout
}
