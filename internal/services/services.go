package services

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/config"
	"github.com/temcen/bookrex/internal/database"
	"github.com/temcen/bookrex/internal/dataset"
	"github.com/temcen/bookrex/internal/graph"
	"github.com/temcen/bookrex/internal/messaging"
	"github.com/temcen/bookrex/internal/validation"
)

type Services struct {
	Auth                       *AuthService
	Health                     *HealthService
	Metrics                    *MetricsCollector
	Validator                  *validation.SchemaValidator
	MessageBus                 *messaging.MessageBus
	Cache                      RecommendationCache
	PairCache                  *PairCache
	RecommendationOrchestrator *RecommendationOrchestrator
	PrecomputeWorker           *PrecomputeWorker
	RatingEvents               *RatingEventService
}

func New(cfg *config.Config, logger *logrus.Logger, db *database.Database, store *dataset.Store) (*Services, error) {
	metrics := NewMetricsCollector(logger)
	metrics.RegisterSnapshotGauges(store, logger)

	validator, err := validation.NewSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to load JSON schemas: %w", err)
	}

	pairCache, err := NewPairCache(cfg.Algorithms.ItemCF.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create similarity memo: %w", err)
	}

	cache, err := NewRecommendationCache(&cfg.Algorithms.Caching, db.Redis, logger)
	if err != nil {
		pairCache.Close()
		return nil, fmt.Errorf("failed to create recommendation cache: %w", err)
	}

	orchestrator := NewRecommendationOrchestrator(
		store,
		NewUserSimilarityEngine(&cfg.Algorithms.UserCF, logger),
		NewItemSimilarityEngine(&cfg.Algorithms.ItemCF, pairCache, logger),
		NewContentScorer(&cfg.Algorithms.Content, logger),
		cache, metrics, &cfg.Algorithms, logger,
	)

	var refresher Refresher
	if cfg.Algorithms.Precompute.RefreshBefore {
		refresher = store
	}
	worker := NewPrecomputeWorker(orchestrator, refresher, cfg.Algorithms.Precompute, metrics, logger)
	metrics.RegisterQueueGauge(worker.QueueDepth, logger)

	var mirror RatingMirror
	if db.Neo4j != nil {
		mirror = graph.NewRatingGraph(db.Neo4j, cfg.Neo4j.BatchSize, logger)
	}

	var messageBus *messaging.MessageBus
	if cfg.Kafka.Enabled {
		messageBus = messaging.NewMessageBus(cfg.Kafka, validator, logger)
	}

	return &Services{
		Auth:                       NewAuthService(cfg.Auth, logger),
		Health:                     NewHealthService(logger, db, store),
		Metrics:                    metrics,
		Validator:                  validator,
		MessageBus:                 messageBus,
		Cache:                      cache,
		PairCache:                  pairCache,
		RecommendationOrchestrator: orchestrator,
		PrecomputeWorker:           worker,
		RatingEvents:               NewRatingEventService(store, orchestrator, worker, mirror, metrics, logger),
	}, nil
}

// Close releases the caches and the message bus. Callers stop the
// precompute worker first.
func (s *Services) Close() error {
	var errs []error
	if s.MessageBus != nil {
		if err := s.MessageBus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close recommendation cache: %w", err))
	}
	s.PairCache.Close()

	if len(errs) > 0 {
		return fmt.Errorf("errors closing services: %v", errs)
	}
	return nil
}
