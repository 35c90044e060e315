package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/dataset"
	"github.com/temcen/bookrex/internal/services"
)

// AdminHandler serves cache, precompute and dataset maintenance routes.
type AdminHandler struct {
	orchestrator services.RecommendationOrchestratorInterface
	queue        services.PrecomputeQueue
	store        services.DatasetStore
	logger       *logrus.Logger
}

func NewAdminHandler(
	orchestrator services.RecommendationOrchestratorInterface,
	queue services.PrecomputeQueue,
	store services.DatasetStore,
	logger *logrus.Logger,
) *AdminHandler {
	return &AdminHandler{
		orchestrator: orchestrator,
		queue:        queue,
		store:        store,
		logger:       logger,
	}
}

func (h *AdminHandler) InvalidateCache(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	if err := h.orchestrator.Invalidate(c.Request.Context(), userID); err != nil {
		respondError(c, h.logger, err, logrus.Fields{"user_id": userID, "operation": "invalidate"})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"subject": c.GetString("subject"),
	}).Info("Recommendation cache invalidated")
	c.JSON(http.StatusOK, gin.H{"status": "invalidated", "user_id": userID})
}

func (h *AdminHandler) ClearCache(c *gin.Context) {
	if err := h.orchestrator.ClearCache(c.Request.Context()); err != nil {
		respondError(c, h.logger, err, logrus.Fields{"operation": "clear_cache"})
		return
	}

	h.logger.WithField("subject", c.GetString("subject")).Info("Recommendation cache cleared")
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (h *AdminHandler) EnqueuePrecompute(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	if !h.queue.Enqueue(userID, "admin") {
		errorResponse(c, http.StatusServiceUnavailable, "QUEUE_FULL", "Precompute queue is full")
		return
	}

	status, _ := h.queue.Status(userID)
	c.JSON(http.StatusAccepted, status)
}

func (h *AdminHandler) PrecomputeStatus(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	status, found := h.queue.Status(userID)
	if !found {
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", "No precompute task recorded for user")
		return
	}

	c.JSON(http.StatusOK, status)
}

func (h *AdminHandler) PrecomputeStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Stats())
}

// RefreshDataset pulls rows added since the last load into the snapshot.
func (h *AdminHandler) RefreshDataset(c *gin.Context) {
	started := time.Now()
	snap, err := h.store.Refresh(c.Request.Context())
	if errors.Is(err, dataset.ErrSnapshotNotLoaded) {
		respondError(c, h.logger, err, logrus.Fields{"operation": "refresh"})
		return
	}
	if err != nil {
		h.logger.WithError(err).Warn("Manual dataset refresh failed")
		errorResponse(c, http.StatusBadGateway, "REFRESH_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "refreshed",
		"dataset":  snap.Stats(),
		"duration": time.Since(started).String(),
	})
}
