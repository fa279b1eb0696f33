//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/orchestrator"
	"jan-server/services/tutor-api/internal/infrastructure/realtime"
	"jan-server/services/tutor-api/internal/interfaces/httpserver"
	"jan-server/services/tutor-api/internal/interfaces/httpserver/handlers"
)

var infrastructureSet = wire.NewSet(
	newLogger,
	newDatabaseConfig,
	newGormDB,
	newRedisClient,
	newVectorPool,
	newAuthValidator,
	newLLMProvider,
	newMessageRepository,
	newLocker,
	realtime.NewHub,
	newRelay,
	newPublisher,
	newMemoryClient,
	newSweeper,
	newReadinessChecks,
)

var domainSet = wire.NewSet(
	newModerationService,
	newRetrievalService,
	newStreamingAdapter,
	newAssessmentTrigger,
	newSanitizer,
	wire.Struct(new(orchestratorDeps), "*"),
	newOrchestrator,
	wire.Bind(new(handlers.MessageService), new(*orchestrator.Orchestrator)),
)

// BuildApplication assembles tutor-api with Wire. main wires the same providers by hand.
func BuildApplication(ctx context.Context) (*Application, error) {
	wire.Build(
		config.Load,
		infrastructureSet,
		domainSet,
		newHandlerProvider,
		httpserver.New,
		NewApplication,
	)
	return nil, nil
}
