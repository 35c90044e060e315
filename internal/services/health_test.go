package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthService_CheckHealth(t *testing.T) {
	ctx := context.Background()

	t.Run("no database is unhealthy", func(t *testing.T) {
		hs := NewHealthService(testLogger(), nil, newFixtureStore(testSnapshot()))

		status := hs.CheckHealth(ctx)
		assert.Equal(t, "unhealthy", status.Status)
		assert.Equal(t, "unhealthy", status.Services["postgresql"])
		assert.Equal(t, "healthy", status.Services["dataset"])
		assert.Contains(t, status.Critical, "postgresql")
		assert.Equal(t, "closed", status.Details["dataset_breaker"])
		assert.Contains(t, status.Details, "dataset")
	})

	t.Run("missing snapshot and open breaker", func(t *testing.T) {
		store := newFixtureStore(nil)
		store.breaker = "open"
		hs := NewHealthService(testLogger(), nil, store)

		status := hs.CheckHealth(ctx)
		assert.Equal(t, "unhealthy", status.Status)
		assert.Equal(t, "unhealthy", status.Services["dataset"])
		assert.Equal(t, "unhealthy", status.Services["dataset_source"])
		assert.Contains(t, status.NonCritical, "dataset_source")
		assert.NotContains(t, status.Details, "dataset")
	})
}

func TestMetricsCollector(t *testing.T) {
	first := NewMetricsCollector(testLogger())
	second := NewMetricsCollector(testLogger())

	// Re-registration hands back the collectors already registered.
	assert.Same(t, first.recommendationRequests, second.recommendationRequests)

	var nilCollector *MetricsCollector
	assert.NotPanics(t, func() {
		nilCollector.RecordCacheLookup(true)
		nilCollector.RecordPrecompute("completed")
		nilCollector.RecordRatingEvent(SourceHTTP, "applied")
	})
}
