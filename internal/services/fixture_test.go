package services

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/temcen/bookrex/internal/config"
	"github.com/temcen/bookrex/internal/dataset"
	"github.com/temcen/bookrex/pkg/models"
)

// Fixture users.
const (
	readerAlice   int64 = 1 // ratings only
	readerBen     int64 = 2
	readerCara    int64 = 3
	readerSingle  int64 = 4 // one rating
	readerProfile int64 = 5 // features only
	readerNone    int64 = 6 // neither
	readerBoth    int64 = 7 // ratings and features
)

func intPtr(v int) *int { return &v }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testAlgorithmConfig() *config.AlgorithmConfig {
	cfg := config.Default().Algorithms
	cfg.Caching.Backend = "badger"
	cfg.Caching.BadgerPath = ""
	cfg.Caching.RecommendationsTTL = time.Hour
	return &cfg
}

func testBooks() []models.Book {
	return []models.Book{
		{BookID: "b1", Title: "The Long Road", Author: "John Smith", Publisher: "Penguin", Year: intPtr(1995), AvgRating: 4.5, RatingCount: 120},
		{BookID: "b2", Title: "Night Harbor", Author: "John Smith", Publisher: "Penguin", Year: intPtr(1998), AvgRating: 4.2, RatingCount: 80},
		{BookID: "b3", Title: "Paris Letters", Author: "Anne Leclerc", Publisher: "Gallimard", Year: intPtr(2005), AvgRating: 4.0, RatingCount: 40},
		{BookID: "b4", Title: "Winter Atlas", Author: "David Green", Publisher: "Vintage", Year: intPtr(2010), AvgRating: 4.6, RatingCount: 200},
		{BookID: "b5", Title: "Quiet Rivers", Author: "Laura Hill", Publisher: "Vintage", Year: intPtr(2012), AvgRating: 3.8, RatingCount: 30},
		{BookID: "b6", Title: "Berlin Nights", Author: "Karl Weber", Publisher: "Fischer", Year: intPtr(2001), AvgRating: 4.1, RatingCount: 25},
		{BookID: "b7", Title: "Small Hours", Author: "Nora Blake", Publisher: "Orbit", Year: intPtr(2018), AvgRating: 3.2, RatingCount: 6},
		{BookID: "b8", Title: "Obscure Notes", Author: "Pat Doe", Publisher: "Tiny Press", Year: intPtr(1970), AvgRating: 2.5, RatingCount: 2},
		{BookID: "b9", Title: "Orphan Pages", Author: "Solo Writer"},
	}
}

func testUsers() []models.User {
	return []models.User{
		{UserID: readerAlice},
		{UserID: readerBen},
		{UserID: readerCara},
		{UserID: readerSingle},
		{UserID: readerProfile, Age: intPtr(30), Country: "usa"},
		{UserID: readerNone},
		{UserID: readerBoth, Age: intPtr(22), Country: "germany"},
	}
}

func testRatings() []models.Rating {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []struct {
		user  int64
		book  string
		score float64
	}{
		{readerAlice, "b1", 5}, {readerAlice, "b2", 4}, {readerAlice, "b3", 5},
		{readerBen, "b1", 5}, {readerBen, "b2", 4}, {readerBen, "b3", 5}, {readerBen, "b4", 5}, {readerBen, "b5", 4},
		{readerCara, "b1", 4}, {readerCara, "b2", 5}, {readerCara, "b3", 4}, {readerCara, "b4", 4}, {readerCara, "b5", 5},
		{readerSingle, "b1", 5},
		{readerBoth, "b1", 5}, {readerBoth, "b2", 4}, {readerBoth, "b3", 5},
	}

	ratings := make([]models.Rating, len(rows))
	for i, r := range rows {
		ratings[i] = models.Rating{UserID: r.user, BookID: r.book, Score: r.score, Timestamp: base.Add(time.Duration(i) * time.Minute)}
	}
	return ratings
}

func testSnapshot() *dataset.Snapshot {
	return dataset.NewSnapshot(1, testBooks(), testUsers(), testRatings())
}

// fixtureStore is an in-memory DatasetStore.
type fixtureStore struct {
	mu         sync.Mutex
	snap       *dataset.Snapshot
	applied    []models.Rating
	applyErr   error
	refreshErr error
	refreshes  int
	breaker    string
}

func newFixtureStore(snap *dataset.Snapshot) *fixtureStore {
	return &fixtureStore{snap: snap, breaker: "closed"}
}

func (s *fixtureStore) Current() *dataset.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *fixtureStore) Apply(ratings []models.Rating) (*dataset.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	if s.snap == nil {
		return nil, dataset.ErrSnapshotNotLoaded
	}
	s.applied = append(s.applied, ratings...)
	s.snap = s.snap.Merge(ratings, nil, nil)
	return s.snap, nil
}

func (s *fixtureStore) Refresh(ctx context.Context) (*dataset.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return s.snap, s.refreshErr
}

func (s *fixtureStore) BreakerState() string { return s.breaker }

type orchestratorFixture struct {
	orchestrator *RecommendationOrchestrator
	store        *fixtureStore
	cache        *BadgerRecommendationCache
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	logger := testLogger()
	cfg := testAlgorithmConfig()

	memo, err := NewPairCache(10_000)
	require.NoError(t, err)
	t.Cleanup(memo.Close)

	cache, err := NewBadgerRecommendationCache(&cfg.Caching, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	store := newFixtureStore(testSnapshot())
	orchestrator := NewRecommendationOrchestrator(
		store,
		NewUserSimilarityEngine(&cfg.UserCF, logger),
		NewItemSimilarityEngine(&cfg.ItemCF, memo, logger),
		NewContentScorer(&cfg.Content, logger),
		cache,
		nil,
		cfg,
		logger,
	)

	return &orchestratorFixture{orchestrator: orchestrator, store: store, cache: cache}
}

func bookIDs(items []models.Recommendation) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.BookID
	}
	return ids
}
