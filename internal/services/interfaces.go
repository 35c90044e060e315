package services

import (
	"context"

	"github.com/temcen/bookrex/internal/dataset"
	"github.com/temcen/bookrex/pkg/models"
)

// SnapshotProvider hands out the live dataset snapshot
type SnapshotProvider interface {
	Current() *dataset.Snapshot
}

// DatasetStore is the part of dataset.Store the services mutate through
type DatasetStore interface {
	SnapshotProvider
	Apply(ratings []models.Rating) (*dataset.Snapshot, error)
	Refresh(ctx context.Context) (*dataset.Snapshot, error)
	BreakerState() string
}

// RecommendationOrchestratorInterface defines the interface for recommendation orchestration
type RecommendationOrchestratorInterface interface {
	Recommend(ctx context.Context, userID int64, topN int, minRating float64) (*models.RecommendationResult, error)
	UserBasedRecommendations(ctx context.Context, userID int64, topN int, minRating float64) (*models.RecommendationResult, error)
	ItemBasedRecommendations(ctx context.Context, userID int64, topN int, minRating float64) (*models.RecommendationResult, error)
	SimilarBooks(ctx context.Context, bookID string, topK int) (*models.SimilarBooksResult, error)
	SimilarUsers(ctx context.Context, userID int64, topK int) (*models.SimilarUsersResult, error)
	Invalidate(ctx context.Context, userID int64) error
	ClearCache(ctx context.Context) error
	Precompute(ctx context.Context, userID int64) (*models.RecommendationResult, error)
	AlgorithmInfo() models.AlgorithmCatalog
}

// PrecomputeQueue defines the interface for background recomputation
type PrecomputeQueue interface {
	Enqueue(userID int64, reason string) bool
	Status(userID int64) (models.PrecomputeStatus, bool)
	Stats() models.PrecomputeStats
}

// RatingEventHandler defines the interface for applying rating events
type RatingEventHandler interface {
	Handle(ctx context.Context, source string, event models.RatingEvent) error
}
