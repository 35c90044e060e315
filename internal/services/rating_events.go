package services

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/pkg/models"
)

const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

// RatingMirror receives applied ratings for an external store.
type RatingMirror interface {
	MergeRatings(ctx context.Context, ratings []models.Rating) error
}

// CacheInvalidator drops a user's cached recommendations.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, userID int64) error
}

// RatingEventService applies rating change notices: the rating is merged
// into the live snapshot, the user's cache entry is dropped and a
// background recompute is queued.
type RatingEventService struct {
	store       DatasetStore
	invalidator CacheInvalidator
	queue       PrecomputeQueue
	mirror      RatingMirror
	validate    *validator.Validate
	metrics     *MetricsCollector
	logger      *logrus.Logger
}

func NewRatingEventService(
	store DatasetStore,
	invalidator CacheInvalidator,
	queue PrecomputeQueue,
	mirror RatingMirror,
	metrics *MetricsCollector,
	logger *logrus.Logger,
) *RatingEventService {
	return &RatingEventService{
		store:       store,
		invalidator: invalidator,
		queue:       queue,
		mirror:      mirror,
		validate:    validator.New(),
		metrics:     metrics,
		logger:      logger,
	}
}

// Handle applies one rating event. Only validation and snapshot errors are
// returned; cache, mirror and queue failures are logged.
func (s *RatingEventService) Handle(ctx context.Context, source string, event models.RatingEvent) error {
	if err := s.validate.Struct(event); err != nil {
		s.metrics.RecordRatingEvent(source, "invalid")
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	rating := event.ToRating()
	if _, err := s.store.Apply([]models.Rating{rating}); err != nil {
		s.metrics.RecordRatingEvent(source, "failed")
		return fmt.Errorf("failed to apply rating event: %w", err)
	}

	fields := logrus.Fields{
		"event_id": event.EventID,
		"user_id":  event.UserID,
		"book_id":  event.BookID,
		"source":   source,
	}

	if s.invalidator != nil {
		if err := s.invalidator.Invalidate(ctx, event.UserID); err != nil {
			s.logger.WithError(err).WithFields(fields).Warn("Failed to invalidate cache for rating event")
		}
	}

	if s.mirror != nil {
		if err := s.mirror.MergeRatings(ctx, []models.Rating{rating}); err != nil {
			s.logger.WithError(err).WithFields(fields).Warn("Failed to mirror rating into graph")
		}
	}

	queued := true
	if s.queue != nil {
		queued = s.queue.Enqueue(event.UserID, "rating_event")
	}

	s.metrics.RecordRatingEvent(source, "applied")
	s.logger.WithFields(fields).WithField("precompute_queued", queued).Info("Rating event applied")
	return nil
}
