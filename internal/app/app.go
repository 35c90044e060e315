package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/config"
	"github.com/temcen/bookrex/internal/database"
	"github.com/temcen/bookrex/internal/dataset"
	"github.com/temcen/bookrex/internal/handlers"
	"github.com/temcen/bookrex/internal/middleware"
	"github.com/temcen/bookrex/internal/services"
	"github.com/temcen/bookrex/internal/validation"
	"github.com/temcen/bookrex/pkg/models"
)

type App struct {
	config      *config.Config
	logger      *logrus.Logger
	db          *database.Database
	store       *dataset.Store
	services    *services.Services
	handlers    *handlers.Handlers
	rateLimiter *middleware.ClientRateLimiter
	router      *gin.Engine

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects the backends and loads the dataset. It fails when the
// initial snapshot cannot be built.
func New(cfg *config.Config) (*App, error) {
	app := &App{
		config: cfg,
		logger: setupLogger(cfg),
	}

	// Initialize database connections
	db, err := database.New(cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	app.store = dataset.NewStore(dataset.NewPostgresSource(db.PG), cfg.Dataset, app.logger)
	if err := app.store.Load(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}

	svc, err := services.New(cfg, app.logger, db, app.store)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	app.services = svc

	app.handlers = handlers.New(app.logger, svc, app.store)
	app.rateLimiter = middleware.NewClientRateLimiter(cfg.RateLimit)

	app.setupRouter()

	return app, nil
}

func (a *App) Router() *gin.Engine {
	return a.router
}

// Start launches the background loops: dataset refresh, precompute
// workers, the rating event consumer and metric sampling.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.services.PrecomputeWorker.Start(ctx)

	a.goBackground(func() { a.store.Run(ctx) })
	a.goBackground(func() { a.services.Health.CollectDatabaseMetrics(ctx) })
	a.goBackground(func() { a.rateLimiter.RunCleanup(ctx, 5*time.Minute) })

	if bus := a.services.MessageBus; bus != nil {
		handle := func(ctx context.Context, event models.RatingEvent) error {
			return a.services.RatingEvents.Handle(ctx, services.SourceKafka, event)
		}
		a.goBackground(func() {
			if err := bus.ConsumeRatingEvents(ctx, handle); err != nil && ctx.Err() == nil {
				a.logger.WithError(err).Error("Rating event consumer stopped")
			}
		})
		a.logger.WithField("topic", a.config.Kafka.Topics.RatingEvents).Info("Rating event consumer started")
	}
}

func (a *App) goBackground(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Shutdown stops background work before releasing caches and connections.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down application...")

	if a.cancel != nil {
		a.cancel()
	}
	a.services.PrecomputeWorker.Stop()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("Background tasks did not stop before shutdown deadline")
	}

	if err := a.services.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing services")
	}

	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing database connections")
		return err
	}

	return nil
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

func (a *App) setupRouter() {
	if a.config.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(a.logger))
	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.CORS(a.config.Security.CORS))

	// Health and metrics (no auth, no rate limit)
	router.GET("/health", a.handlers.Health.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	if a.config.RateLimit.Enabled {
		api.Use(middleware.RateLimit(a.rateLimiter, a.logger))
	}
	{
		recommendations := api.Group("/recommendations")
		{
			recommendations.GET("/:userId", a.handlers.Recommendation.Get)
			recommendations.GET("/:userId/user-based", a.handlers.Recommendation.GetUserBased)
			recommendations.GET("/:userId/item-based", a.handlers.Recommendation.GetItemBased)
		}

		api.GET("/users/:userId/similar", a.handlers.Recommendation.SimilarUsers)
		api.GET("/books/:bookId/similar", a.handlers.Recommendation.SimilarBooks)
		api.GET("/algorithms", a.handlers.Recommendation.Algorithms)

		api.POST("/ratings/events",
			middleware.ValidateBody(a.services.Validator, validation.SchemaRatingEvent),
			a.handlers.Rating.Record,
		)

		admin := api.Group("/admin")
		if a.config.Auth.Enabled {
			admin.Use(middleware.AdminAuth(a.services.Auth, a.logger))
		} else {
			a.logger.Warn("Admin authentication is disabled")
		}
		{
			admin.DELETE("/cache/:userId", a.handlers.Admin.InvalidateCache)
			admin.DELETE("/cache", a.handlers.Admin.ClearCache)
			admin.POST("/precompute/:userId", a.handlers.Admin.EnqueuePrecompute)
			admin.GET("/precompute/:userId", a.handlers.Admin.PrecomputeStatus)
			admin.GET("/precompute", a.handlers.Admin.PrecomputeStats)
			admin.POST("/dataset/refresh", a.handlers.Admin.RefreshDataset)
		}
	}

	a.router = router
}
