package dataset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/temcen/bookrex/internal/config"
	"github.com/temcen/bookrex/pkg/models"
)

var ErrSnapshotNotLoaded = errors.New("dataset snapshot not loaded")

// delta is one incremental batch read from the source.
type delta struct {
	books   []models.Book
	users   []models.User
	ratings []models.Rating
}

// Store holds the current snapshot behind an atomic pointer. Readers call
// Current once per request; writers build a new snapshot and swap it in
// under writeMu.
type Store struct {
	source  Source
	config  config.DatasetConfig
	logger  *logrus.Logger
	breaker *gobreaker.CircuitBreaker[*delta]

	current   atomic.Pointer[Snapshot]
	writeMu   sync.Mutex
	refreshMu sync.Mutex

	// Source watermarks, guarded by refreshMu. Only rows read from the
	// source move them; ratings pushed through Apply never do.
	ratingsSince time.Time
	booksSince   time.Time
}

func NewStore(source Source, cfg config.DatasetConfig, logger *logrus.Logger) *Store {
	s := &Store{
		source: source,
		config: cfg,
		logger: logger,
	}

	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	s.breaker = gobreaker.NewCircuitBreaker[*delta](gobreaker.Settings{
		Name:        "dataset-source",
		MaxRequests: 1,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Dataset source circuit breaker changed state")
		},
	})

	return s
}

// Current returns the live snapshot, or nil before Load succeeds.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Load performs the initial full load. The service must not serve
// requests if this fails.
func (s *Store) Load(ctx context.Context) error {
	if s.config.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.LoadTimeout)
		defer cancel()
	}

	start := time.Now()

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	books, err := s.source.LoadBooks(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to load books: %w", err)
	}
	users, err := s.source.LoadUsers(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	ratings, err := s.source.LoadRatings(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to load ratings: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var version uint64 = 1
	if prev := s.current.Load(); prev != nil {
		version = prev.Version() + 1
	}
	snap := NewSnapshot(version, books, users, ratings)
	s.current.Store(snap)
	s.ratingsSince, s.booksSince = time.Time{}, time.Time{}
	s.advanceWatermarks(&delta{books: books, ratings: ratings})

	stats := snap.Stats()
	s.logger.WithFields(logrus.Fields{
		"version":  stats.Version,
		"books":    stats.Books,
		"users":    stats.Users,
		"ratings":  stats.Ratings,
		"skipped":  stats.SkippedRatings,
		"duration": time.Since(start),
	}).Info("Dataset snapshot loaded")

	return nil
}

// Refresh pulls rows newer than the current watermarks and merges them.
// A refresh already in flight makes this call a no-op. On failure the
// previous snapshot stays live.
func (s *Store) Refresh(ctx context.Context) (*Snapshot, error) {
	cur := s.current.Load()
	if cur == nil {
		return nil, ErrSnapshotNotLoaded
	}

	if !s.refreshMu.TryLock() {
		return cur, nil
	}
	defer s.refreshMu.Unlock()

	d, err := s.breaker.Execute(func() (*delta, error) {
		return s.fetchDelta(ctx, cur, s.ratingsSince, s.booksSince)
	})
	if err != nil {
		s.logger.WithError(err).Warn("Dataset refresh failed, keeping current snapshot")
		return cur, fmt.Errorf("dataset refresh failed: %w", err)
	}

	next := s.merge(d.ratings, d.books, d.users)
	s.advanceWatermarks(d)
	if next.Version() != cur.Version() {
		s.logger.WithFields(logrus.Fields{
			"version": next.Version(),
			"books":   len(d.books),
			"users":   len(d.users),
			"ratings": len(d.ratings),
		}).Info("Dataset snapshot refreshed")
	}
	return next, nil
}

// Apply merges ratings pushed by a rating event.
func (s *Store) Apply(ratings []models.Rating) (*Snapshot, error) {
	if s.current.Load() == nil {
		return nil, ErrSnapshotNotLoaded
	}
	return s.merge(ratings, nil, nil), nil
}

func (s *Store) merge(ratings []models.Rating, books []models.Book, users []models.User) *Snapshot {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.current.Load().Merge(ratings, books, users)
	s.current.Store(next)
	return next
}

// advanceWatermarks moves the source watermarks past the rows in d.
// Callers hold refreshMu.
func (s *Store) advanceWatermarks(d *delta) {
	for _, r := range d.ratings {
		if r.Timestamp.After(s.ratingsSince) {
			s.ratingsSince = r.Timestamp
		}
	}
	for _, b := range d.books {
		if b.UpdatedAt.After(s.booksSince) {
			s.booksSince = b.UpdatedAt
		}
	}
}

func (s *Store) fetchDelta(ctx context.Context, cur *Snapshot, ratingsSince, booksSince time.Time) (*delta, error) {
	books, err := s.source.LoadBooks(ctx, booksSince)
	if err != nil {
		return nil, err
	}
	ratings, err := s.source.LoadRatings(ctx, ratingsSince)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{})
	var missing []int64
	for _, r := range ratings {
		if _, ok := seen[r.UserID]; ok {
			continue
		}
		seen[r.UserID] = struct{}{}
		if cur.User(r.UserID) == nil {
			missing = append(missing, r.UserID)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	var users []models.User
	if len(missing) > 0 {
		users, err = s.source.LoadUsers(ctx, missing)
		if err != nil {
			return nil, err
		}
	}

	return &delta{books: books, users: users, ratings: ratings}, nil
}

// Run refreshes the snapshot on the configured interval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	if s.config.RefreshInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil && !errors.Is(err, gobreaker.ErrOpenState) {
				s.logger.WithError(err).Debug("Periodic dataset refresh failed")
			}
		}
	}
}

// BreakerState reports the circuit breaker state for health checks.
func (s *Store) BreakerState() string {
	return s.breaker.State().String()
}
