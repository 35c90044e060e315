package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/services"
	"github.com/temcen/bookrex/pkg/models"
)

type RatingHandler struct {
	events services.RatingEventHandler
	logger *logrus.Logger
}

func NewRatingHandler(events services.RatingEventHandler, logger *logrus.Logger) *RatingHandler {
	return &RatingHandler{
		events: events,
		logger: logger,
	}
}

// Record applies a rating change notice pushed over HTTP.
func (h *RatingHandler) Record(c *gin.Context) {
	var event models.RatingEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body format")
		return
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	if err := h.events.Handle(c.Request.Context(), services.SourceHTTP, event); err != nil {
		respondError(c, h.logger, err, logrus.Fields{"user_id": event.UserID, "book_id": event.BookID})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":   "applied",
		"event_id": event.EventID,
	})
}
