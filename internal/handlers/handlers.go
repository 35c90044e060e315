package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/dataset"
	"github.com/temcen/bookrex/internal/services"
)

type Handlers struct {
	Health         *HealthHandler
	Recommendation *RecommendationHandler
	Rating         *RatingHandler
	Admin          *AdminHandler
}

func New(logger *logrus.Logger, svc *services.Services, store services.DatasetStore) *Handlers {
	validate := validator.New()

	return &Handlers{
		Health:         NewHealthHandler(logger, svc.Health),
		Recommendation: NewRecommendationHandler(svc.RecommendationOrchestrator, validate, logger),
		Rating:         NewRatingHandler(svc.RatingEvents, logger),
		Admin:          NewAdminHandler(svc.RecommendationOrchestrator, svc.PrecomputeWorker, store, logger),
	}
}

func errorResponse(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *gin.Context, logger *logrus.Logger, err error, fields logrus.Fields) {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		errorResponse(c, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, dataset.ErrSnapshotNotLoaded):
		errorResponse(c, http.StatusServiceUnavailable, "DATASET_UNAVAILABLE", "Dataset is not loaded yet")
	case errors.Is(err, context.DeadlineExceeded):
		errorResponse(c, http.StatusGatewayTimeout, "TIMEOUT", "Request timed out")
	case errors.Is(err, context.Canceled):
		// client went away
		c.Status(499)
	default:
		logger.WithError(err).WithFields(fields).Error("Request failed")
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
