package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/temcen/bookrex/internal/dataset"
	"github.com/temcen/bookrex/internal/services"
	"github.com/temcen/bookrex/pkg/models"
)

type MockOrchestrator struct {
	mock.Mock
}

func (m *MockOrchestrator) Recommend(ctx context.Context, userID int64, topN int, minRating float64) (*models.RecommendationResult, error) {
	args := m.Called(ctx, userID, topN, minRating)
	result, _ := args.Get(0).(*models.RecommendationResult)
	return result, args.Error(1)
}

func (m *MockOrchestrator) UserBasedRecommendations(ctx context.Context, userID int64, topN int, minRating float64) (*models.RecommendationResult, error) {
	args := m.Called(ctx, userID, topN, minRating)
	result, _ := args.Get(0).(*models.RecommendationResult)
	return result, args.Error(1)
}

func (m *MockOrchestrator) ItemBasedRecommendations(ctx context.Context, userID int64, topN int, minRating float64) (*models.RecommendationResult, error) {
	args := m.Called(ctx, userID, topN, minRating)
	result, _ := args.Get(0).(*models.RecommendationResult)
	return result, args.Error(1)
}

func (m *MockOrchestrator) SimilarBooks(ctx context.Context, bookID string, topK int) (*models.SimilarBooksResult, error) {
	args := m.Called(ctx, bookID, topK)
	result, _ := args.Get(0).(*models.SimilarBooksResult)
	return result, args.Error(1)
}

func (m *MockOrchestrator) SimilarUsers(ctx context.Context, userID int64, topK int) (*models.SimilarUsersResult, error) {
	args := m.Called(ctx, userID, topK)
	result, _ := args.Get(0).(*models.SimilarUsersResult)
	return result, args.Error(1)
}

func (m *MockOrchestrator) Invalidate(ctx context.Context, userID int64) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *MockOrchestrator) ClearCache(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockOrchestrator) Precompute(ctx context.Context, userID int64) (*models.RecommendationResult, error) {
	args := m.Called(ctx, userID)
	result, _ := args.Get(0).(*models.RecommendationResult)
	return result, args.Error(1)
}

func (m *MockOrchestrator) AlgorithmInfo() models.AlgorithmCatalog {
	return m.Called().Get(0).(models.AlgorithmCatalog)
}

type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Enqueue(userID int64, reason string) bool {
	return m.Called(userID, reason).Bool(0)
}

func (m *MockQueue) Status(userID int64) (models.PrecomputeStatus, bool) {
	args := m.Called(userID)
	return args.Get(0).(models.PrecomputeStatus), args.Bool(1)
}

func (m *MockQueue) Stats() models.PrecomputeStats {
	return m.Called().Get(0).(models.PrecomputeStats)
}

type MockEvents struct {
	mock.Mock
}

func (m *MockEvents) Handle(ctx context.Context, source string, event models.RatingEvent) error {
	return m.Called(ctx, source, event).Error(0)
}

type stubStore struct {
	snap       *dataset.Snapshot
	refreshErr error
}

func (s *stubStore) Current() *dataset.Snapshot { return s.snap }

func (s *stubStore) Apply(ratings []models.Rating) (*dataset.Snapshot, error) {
	return s.snap, nil
}

func (s *stubStore) Refresh(context.Context) (*dataset.Snapshot, error) {
	return s.snap, s.refreshErr
}

func (s *stubStore) BreakerState() string { return "closed" }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return logger
}

func perform(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func recommendationRouter(orchestrator *MockOrchestrator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewRecommendationHandler(orchestrator, validator.New(), testLogger())

	router := gin.New()
	router.GET("/recommendations/:userId", handler.Get)
	router.GET("/recommendations/:userId/user-based", handler.GetUserBased)
	router.GET("/recommendations/:userId/item-based", handler.GetItemBased)
	router.GET("/users/:userId/similar", handler.SimilarUsers)
	router.GET("/books/:bookId/similar", handler.SimilarBooks)
	router.GET("/algorithms", handler.Algorithms)
	return router
}

func TestRecommendationHandler_Get(t *testing.T) {
	predicted := 4.5
	result := &models.RecommendationResult{
		UserID:    42,
		Algorithm: models.AlgorithmCollaborative,
		Items: []models.Recommendation{{
			BookID:          "0439136350",
			Title:           "Harry Potter and the Prisoner of Azkaban",
			Author:          "J. K. Rowling",
			PredictedRating: &predicted,
			Algorithm:       models.AlgorithmCollaborative,
			Reason:          "Liked by 3 readers with similar taste",
		}},
		GeneratedAt: time.Now(),
	}

	tests := []struct {
		name       string
		path       string
		setup      func(m *MockOrchestrator)
		wantStatus int
		wantCode   string
	}{
		{
			name: "defaults",
			path: "/recommendations/42",
			setup: func(m *MockOrchestrator) {
				m.On("Recommend", mock.Anything, int64(42), 10, 3.0).Return(result, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "explicit params",
			path: "/recommendations/42?top_n=5&min_rating=4",
			setup: func(m *MockOrchestrator) {
				m.On("Recommend", mock.Anything, int64(42), 5, 4.0).Return(result, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "non-numeric user",
			path:       "/recommendations/abc",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_USER_ID",
		},
		{
			name:       "top_n out of range",
			path:       "/recommendations/42?top_n=101",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_QUERY_PARAM",
		},
		{
			name:       "min_rating out of range",
			path:       "/recommendations/42?min_rating=0.5",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_QUERY_PARAM",
		},
		{
			name:       "non-numeric top_n",
			path:       "/recommendations/42?top_n=ten",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_QUERY_PARAM",
		},
		{
			name: "snapshot not loaded",
			path: "/recommendations/42",
			setup: func(m *MockOrchestrator) {
				m.On("Recommend", mock.Anything, int64(42), 10, 3.0).Return(nil, dataset.ErrSnapshotNotLoaded)
			},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "DATASET_UNAVAILABLE",
		},
		{
			name: "unexpected error",
			path: "/recommendations/42",
			setup: func(m *MockOrchestrator) {
				m.On("Recommend", mock.Anything, int64(42), 10, 3.0).Return(nil, errors.New("boom"))
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orchestrator := new(MockOrchestrator)
			if tt.setup != nil {
				tt.setup(orchestrator)
			}

			w := perform(recommendationRouter(orchestrator), http.MethodGet, tt.path, "")

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(t, w))
			} else {
				var got models.RecommendationResult
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
				require.Len(t, got.Items, 1)
				assert.Equal(t, "0439136350", got.Items[0].BookID)
				assert.Equal(t, 4.5, *got.Items[0].PredictedRating)
			}
			orchestrator.AssertExpectations(t)
		})
	}
}

func TestRecommendationHandler_SingleEngineRoutes(t *testing.T) {
	orchestrator := new(MockOrchestrator)
	orchestrator.On("UserBasedRecommendations", mock.Anything, int64(7), 10, 3.0).
		Return(&models.RecommendationResult{UserID: 7, Algorithm: models.AlgorithmFallback}, nil)
	orchestrator.On("ItemBasedRecommendations", mock.Anything, int64(7), 3, 3.0).
		Return(&models.RecommendationResult{UserID: 7, Algorithm: models.AlgorithmItemCollaborative}, nil)
	router := recommendationRouter(orchestrator)

	w := perform(router, http.MethodGet, "/recommendations/7/user-based", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"algorithm":"fallback"`)

	w = perform(router, http.MethodGet, "/recommendations/7/item-based?top_n=3", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"algorithm":"item_collaborative"`)

	orchestrator.AssertExpectations(t)
}

func TestRecommendationHandler_Similar(t *testing.T) {
	orchestrator := new(MockOrchestrator)
	orchestrator.On("SimilarUsers", mock.Anything, int64(9), 10).
		Return(&models.SimilarUsersResult{UserID: 9, Users: []models.SimilarUser{{UserID: 3, Similarity: 0.9, SupportCount: 4}}}, nil)
	orchestrator.On("SimilarBooks", mock.Anything, "b1", 6).
		Return(&models.SimilarBooksResult{BookID: "b1", Items: []models.Recommendation{}}, nil)
	router := recommendationRouter(orchestrator)

	w := perform(router, http.MethodGet, "/users/9/similar", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"similar_users"`)

	w = perform(router, http.MethodGet, "/books/b1/similar", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"similar_books":[]`)

	w = perform(router, http.MethodGet, "/books/b1/similar?top_k=51", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(router, http.MethodGet, "/users/0/similar", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	orchestrator.AssertExpectations(t)
}

func TestRecommendationHandler_InvalidInputFromService(t *testing.T) {
	orchestrator := new(MockOrchestrator)
	orchestrator.On("SimilarBooks", mock.Anything, "b1", 6).
		Return(nil, fmt.Errorf("%w: book_id is too long", services.ErrInvalidInput))

	w := perform(recommendationRouter(orchestrator), http.MethodGet, "/books/b1/similar", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, w))
}

func TestRecommendationHandler_Algorithms(t *testing.T) {
	orchestrator := new(MockOrchestrator)
	orchestrator.On("AlgorithmInfo").Return(models.AlgorithmCatalog{
		Algorithms: []models.AlgorithmInfo{{Name: "hybrid", Type: models.AlgorithmHybrid}},
		Service:    models.ServiceInfo{Name: "bookrex", Version: "1.0.0"},
	})

	w := perform(recommendationRouter(orchestrator), http.MethodGet, "/algorithms", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available_algorithms"`)
}

func TestRatingHandler_Record(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		body       string
		handleErr  error
		wantStatus int
	}{
		{"applied", `{"user_id": 5, "book_id": "b1", "rating": 4}`, nil, http.StatusAccepted},
		{"malformed", `{"user_id":`, nil, http.StatusBadRequest},
		{"rejected by service", `{"user_id": 5, "book_id": "b1", "rating": 9}`, fmt.Errorf("%w: rating", services.ErrInvalidInput), http.StatusBadRequest},
		{"dataset not loaded", `{"user_id": 5, "book_id": "b1", "rating": 4}`, fmt.Errorf("failed to apply rating event: %w", dataset.ErrSnapshotNotLoaded), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := new(MockEvents)
			events.On("Handle", mock.Anything, services.SourceHTTP, mock.MatchedBy(func(e models.RatingEvent) bool {
				return e.UserID == 5 && e.BookID == "b1"
			})).Return(tt.handleErr).Maybe()

			router := gin.New()
			router.POST("/ratings/events", NewRatingHandler(events, testLogger()).Record)

			w := perform(router, http.MethodPost, "/ratings/events", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusAccepted {
				assert.Contains(t, w.Body.String(), `"event_id"`)
			}
		})
	}
}

func adminRouter(orchestrator *MockOrchestrator, queue *MockQueue, store *stubStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewAdminHandler(orchestrator, queue, store, testLogger())

	router := gin.New()
	router.DELETE("/admin/cache/:userId", handler.InvalidateCache)
	router.DELETE("/admin/cache", handler.ClearCache)
	router.POST("/admin/precompute/:userId", handler.EnqueuePrecompute)
	router.GET("/admin/precompute/:userId", handler.PrecomputeStatus)
	router.GET("/admin/precompute", handler.PrecomputeStats)
	router.POST("/admin/dataset/refresh", handler.RefreshDataset)
	return router
}

func TestAdminHandler_Cache(t *testing.T) {
	orchestrator := new(MockOrchestrator)
	orchestrator.On("Invalidate", mock.Anything, int64(3)).Return(nil)
	orchestrator.On("ClearCache", mock.Anything).Return(nil)
	router := adminRouter(orchestrator, new(MockQueue), &stubStore{})

	w := perform(router, http.MethodDelete, "/admin/cache/3", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = perform(router, http.MethodDelete, "/admin/cache", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = perform(router, http.MethodDelete, "/admin/cache/x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	orchestrator.AssertExpectations(t)
}

func TestAdminHandler_Precompute(t *testing.T) {
	queued := models.PrecomputeStatus{UserID: 8, Status: models.PrecomputeQueued}

	queue := new(MockQueue)
	queue.On("Enqueue", int64(8), "admin").Return(true)
	queue.On("Enqueue", int64(9), "admin").Return(false)
	queue.On("Status", int64(8)).Return(queued, true)
	queue.On("Status", int64(10)).Return(models.PrecomputeStatus{}, false)
	queue.On("Stats").Return(models.PrecomputeStats{Enqueued: 1, Workers: 2})
	router := adminRouter(new(MockOrchestrator), queue, &stubStore{})

	w := perform(router, http.MethodPost, "/admin/precompute/8", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"queued"`)

	w = perform(router, http.MethodPost, "/admin/precompute/9", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "QUEUE_FULL", errorCode(t, w))

	w = perform(router, http.MethodGet, "/admin/precompute/8", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = perform(router, http.MethodGet, "/admin/precompute/10", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = perform(router, http.MethodGet, "/admin/precompute", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"workers":2`)

	queue.AssertExpectations(t)
}

func TestAdminHandler_RefreshDataset(t *testing.T) {
	snap := dataset.NewSnapshot(1, []models.Book{{BookID: "b1", Title: "Dune"}}, nil, nil)

	w := perform(adminRouter(new(MockOrchestrator), new(MockQueue), &stubStore{snap: snap}), http.MethodPost, "/admin/dataset/refresh", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"books":1`)

	w = perform(adminRouter(new(MockOrchestrator), new(MockQueue), &stubStore{snap: snap, refreshErr: errors.New("breaker open")}), http.MethodPost, "/admin/dataset/refresh", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = perform(adminRouter(new(MockOrchestrator), new(MockQueue), &stubStore{refreshErr: dataset.ErrSnapshotNotLoaded}), http.MethodPost, "/admin/dataset/refresh", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type stubHealth struct {
	status string
}

func (s stubHealth) CheckHealth(context.Context) *services.HealthStatus {
	return &services.HealthStatus{Status: s.status, Timestamp: time.Now()}
}

func TestHealthHandler_Check(t *testing.T) {
	gin.SetMode(gin.TestMode)

	for status, want := range map[string]int{
		"healthy":   http.StatusOK,
		"degraded":  http.StatusOK,
		"unhealthy": http.StatusServiceUnavailable,
	} {
		t.Run(status, func(t *testing.T) {
			router := gin.New()
			router.GET("/health", NewHealthHandler(testLogger(), stubHealth{status: status}).Check)

			w := perform(router, http.MethodGet, "/health", "")
			assert.Equal(t, want, w.Code)
		})
	}
}
