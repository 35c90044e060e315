package services

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/database"
	"github.com/temcen/bookrex/internal/dataset"
)

type healthCheck func(ctx context.Context) error

type HealthService struct {
	logger *logrus.Logger
	db     *database.Database
	store  DatasetStore

	critical    map[string]healthCheck
	nonCritical map[string]healthCheck

	// Prometheus metrics
	healthCheckStatus   *prometheus.GaugeVec
	lastHealthCheck     *prometheus.GaugeVec
	dbConnectionMetrics *prometheus.GaugeVec
}

type HealthStatus struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Services    map[string]string      `json:"services"`
	Critical    []string               `json:"critical_failures,omitempty"`
	NonCritical []string               `json:"non_critical_failures,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

func NewHealthService(logger *logrus.Logger, db *database.Database, store DatasetStore) *HealthService {
	hs := &HealthService{
		logger: logger,
		db:     db,
		store:  store,
	}

	hs.healthCheckStatus = register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "health_check_status",
		Help: "Health check status (1 = healthy, 0 = unhealthy)",
	}, []string{"service"}), logger)

	hs.lastHealthCheck = register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "health_check_timestamp",
		Help: "Timestamp of last health check",
	}, []string{"service"}), logger)

	hs.dbConnectionMetrics = register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "database_connection_pool_usage",
		Help: "Database connection pool usage",
	}, []string{"database", "state"}), logger)

	hs.critical = map[string]healthCheck{
		"dataset":    hs.checkDataset,
		"postgresql": hs.checkPostgreSQL,
	}
	hs.nonCritical = map[string]healthCheck{
		"dataset_source": hs.checkDatasetSource,
	}
	if db != nil && db.Redis != nil {
		hs.nonCritical["redis"] = hs.checkRedis
	}
	if db != nil && db.Neo4j != nil {
		hs.nonCritical["neo4j"] = hs.checkNeo4j
	}

	return hs
}

func (s *HealthService) CheckHealth(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Timestamp: time.Now(),
		Services:  make(map[string]string),
		Details:   make(map[string]interface{}),
	}

	allCriticalHealthy := true
	for name, check := range s.critical {
		if err := s.run(ctx, check); err != nil {
			status.Services[name] = "unhealthy"
			status.Critical = append(status.Critical, name)
			allCriticalHealthy = false
			s.logger.WithError(err).Errorf("Critical service %s is unhealthy", name)
			s.UpdateHealthMetrics(name, false)
		} else {
			status.Services[name] = "healthy"
			s.UpdateHealthMetrics(name, true)
		}
	}

	for name, check := range s.nonCritical {
		if err := s.run(ctx, check); err != nil {
			status.Services[name] = "unhealthy"
			status.NonCritical = append(status.NonCritical, name)
			s.logger.WithError(err).Warnf("Non-critical service %s is unhealthy", name)
			s.UpdateHealthMetrics(name, false)
		} else {
			status.Services[name] = "healthy"
			s.UpdateHealthMetrics(name, true)
		}
	}

	if s.store != nil {
		if snap := s.store.Current(); snap != nil {
			status.Details["dataset"] = snap.Stats()
		}
		status.Details["dataset_breaker"] = s.store.BreakerState()
	}

	if allCriticalHealthy {
		if len(status.NonCritical) == 0 {
			status.Status = "healthy"
		} else {
			status.Status = "degraded"
		}
	} else {
		status.Status = "unhealthy"
	}

	return status
}

func (s *HealthService) run(ctx context.Context, check healthCheck) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return check(ctx)
}

func (s *HealthService) checkDataset(_ context.Context) error {
	if s.store == nil || s.store.Current() == nil {
		return dataset.ErrSnapshotNotLoaded
	}
	return nil
}

func (s *HealthService) checkDatasetSource(_ context.Context) error {
	if s.store != nil && s.store.BreakerState() == "open" {
		return errors.New("dataset source circuit breaker is open")
	}
	return nil
}

func (s *HealthService) checkPostgreSQL(ctx context.Context) error {
	if s.db == nil || s.db.PG == nil {
		return errors.New("postgresql not connected")
	}
	return s.db.PG.Ping(ctx)
}

func (s *HealthService) checkNeo4j(ctx context.Context) error {
	return s.db.Neo4j.VerifyConnectivity(ctx)
}

func (s *HealthService) checkRedis(ctx context.Context) error {
	return s.db.Redis.Ping(ctx).Err()
}

// CollectDatabaseMetrics samples pool statistics until ctx is done.
func (s *HealthService) CollectDatabaseMetrics(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.db == nil || s.db.PG == nil {
			continue
		}

		stats := s.db.PG.Stat()
		s.dbConnectionMetrics.WithLabelValues("postgresql", "acquired_conns").Set(float64(stats.AcquiredConns()))
		s.dbConnectionMetrics.WithLabelValues("postgresql", "idle_conns").Set(float64(stats.IdleConns()))
		s.dbConnectionMetrics.WithLabelValues("postgresql", "max_conns").Set(float64(stats.MaxConns()))
		s.dbConnectionMetrics.WithLabelValues("postgresql", "total_conns").Set(float64(stats.TotalConns()))
	}
}

// UpdateHealthMetrics updates health check metrics
func (s *HealthService) UpdateHealthMetrics(serviceName string, healthy bool) {
	if healthy {
		s.healthCheckStatus.WithLabelValues(serviceName).Set(1)
	} else {
		s.healthCheckStatus.WithLabelValues(serviceName).Set(0)
	}
	s.lastHealthCheck.WithLabelValues(serviceName).Set(float64(time.Now().Unix()))
}
