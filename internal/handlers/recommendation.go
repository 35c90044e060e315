package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/services"
	"github.com/temcen/bookrex/pkg/models"
)

type recommendationQuery struct {
	TopN      int     `form:"top_n,default=10" validate:"min=1,max=100"`
	MinRating float64 `form:"min_rating,default=3" validate:"gte=1,lte=5"`
}

type similarUsersQuery struct {
	TopK int `form:"top_k,default=10" validate:"min=1,max=50"`
}

type similarBooksQuery struct {
	TopK int `form:"top_k,default=6" validate:"min=1,max=50"`
}

type recommendFunc func(ctx context.Context, userID int64, topN int, minRating float64) (*models.RecommendationResult, error)

type RecommendationHandler struct {
	orchestrator services.RecommendationOrchestratorInterface
	validate     *validator.Validate
	logger       *logrus.Logger
}

func NewRecommendationHandler(
	orchestrator services.RecommendationOrchestratorInterface,
	validate *validator.Validate,
	logger *logrus.Logger,
) *RecommendationHandler {
	return &RecommendationHandler{
		orchestrator: orchestrator,
		validate:     validate,
		logger:       logger,
	}
}

// Get serves the hybrid recommendation list.
func (h *RecommendationHandler) Get(c *gin.Context) {
	h.recommend(c, "hybrid", h.orchestrator.Recommend)
}

func (h *RecommendationHandler) GetUserBased(c *gin.Context) {
	h.recommend(c, "user_based", h.orchestrator.UserBasedRecommendations)
}

func (h *RecommendationHandler) GetItemBased(c *gin.Context) {
	h.recommend(c, "item_based", h.orchestrator.ItemBasedRecommendations)
}

func (h *RecommendationHandler) recommend(c *gin.Context, operation string, fn recommendFunc) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var q recommendationQuery
	if !h.bindQuery(c, &q) {
		return
	}

	result, err := fn(c.Request.Context(), userID, q.TopN, q.MinRating)
	if err != nil {
		respondError(c, h.logger, err, logrus.Fields{"user_id": userID, "operation": operation})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *RecommendationHandler) SimilarUsers(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var q similarUsersQuery
	if !h.bindQuery(c, &q) {
		return
	}

	result, err := h.orchestrator.SimilarUsers(c.Request.Context(), userID, q.TopK)
	if err != nil {
		respondError(c, h.logger, err, logrus.Fields{"user_id": userID, "operation": "similar_users"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *RecommendationHandler) SimilarBooks(c *gin.Context) {
	bookID := strings.TrimSpace(c.Param("bookId"))
	if bookID == "" {
		errorResponse(c, http.StatusBadRequest, "INVALID_BOOK_ID", "Book ID is required")
		return
	}

	var q similarBooksQuery
	if !h.bindQuery(c, &q) {
		return
	}

	result, err := h.orchestrator.SimilarBooks(c.Request.Context(), bookID, q.TopK)
	if err != nil {
		respondError(c, h.logger, err, logrus.Fields{"book_id": bookID, "operation": "similar_books"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Algorithms describes the scoring strategies and their parameters.
func (h *RecommendationHandler) Algorithms(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.AlgorithmInfo())
}

func (h *RecommendationHandler) bindQuery(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindQuery(dst); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_QUERY_PARAM", "Query parameters must be numeric")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_QUERY_PARAM", queryErrorMessage(err))
		return false
	}
	return true
}

func queryErrorMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Field() {
	case "TopN":
		return "top_n must be between 1 and 100"
	case "TopK":
		return "top_k must be between 1 and 50"
	case "MinRating":
		return "min_rating must be between 1 and 5"
	default:
		return fe.Error()
	}
}

func parseUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || userID <= 0 {
		errorResponse(c, http.StatusBadRequest, "INVALID_USER_ID", "User ID must be a positive integer")
		return 0, false
	}
	return userID, true
}
