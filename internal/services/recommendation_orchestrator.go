package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/temcen/bookrex/internal/config"
	"github.com/temcen/bookrex/internal/dataset"
	"github.com/temcen/bookrex/pkg/models"
)

const (
	MaxTopN      = 100
	MaxTopK      = 50
	serviceName  = "bookrex"
	serviceBuild = "1.0.0"
)

// UserState says which signals a user carries.
type UserState int

const (
	HasNeither UserState = iota
	HasFeaturesOnly
	HasRatingsOnly
	HasBoth
)

func (s UserState) String() string {
	switch s {
	case HasBoth:
		return "has_both"
	case HasRatingsOnly:
		return "has_ratings_only"
	case HasFeaturesOnly:
		return "has_features_only"
	default:
		return "has_neither"
	}
}

// ClassifyUser derives the user's state from the snapshot.
func ClassifyUser(snap *dataset.Snapshot, userID int64) UserState {
	hasRatings := len(snap.RatingsForUser(userID)) > 0
	hasFeatures := snap.User(userID).HasFeatures()

	switch {
	case hasRatings && hasFeatures:
		return HasBoth
	case hasRatings:
		return HasRatingsOnly
	case hasFeatures:
		return HasFeaturesOnly
	default:
		return HasNeither
	}
}

type recommendRequest struct {
	userID    int64
	topN      int
	minRating float64
}

// strategy produces a ranked candidate list and the algorithm tag for it.
type strategy func(ctx context.Context, snap *dataset.Snapshot, req recommendRequest) ([]models.Recommendation, string)

// RecommendationOrchestrator chooses and blends scoring strategies per
// user state and caches the result.
type RecommendationOrchestrator struct {
	store   SnapshotProvider
	userCF  *UserSimilarityEngine
	itemCF  *ItemSimilarityEngine
	content *ContentScorer
	cache   RecommendationCache
	metrics *MetricsCollector
	config  *config.AlgorithmConfig
	logger  *logrus.Logger

	group      singleflight.Group
	strategies map[UserState]strategy
}

func NewRecommendationOrchestrator(
	store SnapshotProvider,
	userCF *UserSimilarityEngine,
	itemCF *ItemSimilarityEngine,
	content *ContentScorer,
	cache RecommendationCache,
	metrics *MetricsCollector,
	cfg *config.AlgorithmConfig,
	logger *logrus.Logger,
) *RecommendationOrchestrator {
	o := &RecommendationOrchestrator{
		store:   store,
		userCF:  userCF,
		itemCF:  itemCF,
		content: content,
		cache:   cache,
		metrics: metrics,
		config:  cfg,
		logger:  logger,
	}

	o.strategies = map[UserState]strategy{
		HasBoth:         o.blendCollaborativeAndProfile,
		HasRatingsOnly:  o.collaborativeCascade,
		HasFeaturesOnly: o.profileOnly,
		HasNeither:      o.fallbackOnly,
	}

	return o
}

func validateUserRequest(userID int64, topN int, minRating float64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: user_id must be positive", ErrInvalidInput)
	}
	if topN < 1 || topN > MaxTopN {
		return fmt.Errorf("%w: top_n must be between 1 and %d", ErrInvalidInput, MaxTopN)
	}
	if minRating < dataset.MinRatingScore || minRating > dataset.MaxRatingScore {
		return fmt.Errorf("%w: min_rating must be between 1 and 5", ErrInvalidInput)
	}
	return nil
}

func (o *RecommendationOrchestrator) snapshot() (*dataset.Snapshot, error) {
	snap := o.store.Current()
	if snap == nil {
		return nil, dataset.ErrSnapshotNotLoaded
	}
	return snap, nil
}

// Recommend returns hybrid recommendations for a user, served from cache
// when a fresh entry covers the request.
func (o *RecommendationOrchestrator) Recommend(ctx context.Context, userID int64, topN int, minRating float64) (*models.RecommendationResult, error) {
	started := time.Now()

	if err := validateUserRequest(userID, topN, minRating); err != nil {
		return nil, err
	}
	snap, err := o.snapshot()
	if err != nil {
		return nil, err
	}

	if entry := o.cachedEntry(ctx, userID, topN, minRating); entry != nil {
		o.metrics.RecordRecommendation("hybrid", entry.Algorithm, started)
		return &models.RecommendationResult{
			UserID:      userID,
			Algorithm:   entry.Algorithm,
			Items:       entry.Items,
			CacheHit:    true,
			GeneratedAt: entry.CreatedAt,
		}, nil
	}

	req := recommendRequest{userID: userID, topN: topN, minRating: minRating}
	// Waiters share one computation, so it must outlive any single caller.
	key := flightKey(snap.Version(), userID, topN, minRating)
	computeCtx := context.WithoutCancel(ctx)
	ch := o.group.DoChan(key, func() (interface{}, error) {
		return o.compute(computeCtx, snap, req)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	shared := res.Shared

	result := *res.Val.(*models.RecommendationResult)
	o.metrics.RecordRecommendation("hybrid", result.Algorithm, started)
	o.logger.WithFields(logrus.Fields{
		"user_id":   userID,
		"algorithm": result.Algorithm,
		"count":     len(result.Items),
		"shared":    shared,
		"latency":   time.Since(started),
	}).Info("Recommendations generated")

	return &result, nil
}

// flightKey scopes request coalescing to one snapshot version.
func flightKey(version uint64, userID int64, topN int, minRating float64) string {
	return fmt.Sprintf("%d:%d:%d:%g", version, userID, topN, minRating)
}

func (o *RecommendationOrchestrator) cachedEntry(ctx context.Context, userID int64, topN int, minRating float64) *models.CacheEntry {
	if o.cache == nil {
		return nil
	}
	entry, err := o.cache.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			o.logger.WithError(err).WithField("user_id", userID).Warn("Cache read failed, recomputing")
		}
		o.metrics.RecordCacheLookup(false)
		return nil
	}
	// A longer list blends a different primary/secondary split, so only
	// an entry built for the same request is reusable.
	if entry.RequestedCount != topN || entry.MinRating != minRating {
		o.metrics.RecordCacheLookup(false)
		return nil
	}
	o.metrics.RecordCacheLookup(true)
	return entry
}

func (o *RecommendationOrchestrator) compute(ctx context.Context, snap *dataset.Snapshot, req recommendRequest) (*models.RecommendationResult, error) {
	state := ClassifyUser(snap, req.userID)
	items, algorithm := o.strategies[state](ctx, snap, req)

	items = finalize(items, snap.RatingsForUser(req.userID), req.topN)
	if len(items) == 0 {
		items = o.qualityFallback(snap, req.userID, req.topN)
		algorithm = models.AlgorithmFallback
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	if o.cache != nil {
		entry := &models.CacheEntry{
			UserID:         req.userID,
			Algorithm:      algorithm,
			Items:          items,
			RequestedCount: req.topN,
			MinRating:      req.minRating,
			CreatedAt:      now,
		}
		if err := o.cache.Put(ctx, entry); err != nil {
			o.logger.WithError(err).WithField("user_id", req.userID).Warn("Failed to cache recommendations")
		}
	}

	o.logger.WithFields(logrus.Fields{
		"user_id":    req.userID,
		"user_state": state.String(),
		"algorithm":  algorithm,
	}).Debug("Recommendation strategy applied")

	return &models.RecommendationResult{
		UserID:      req.userID,
		Algorithm:   algorithm,
		Items:       items,
		GeneratedAt: now,
	}, nil
}

func (o *RecommendationOrchestrator) fetchSize(topN int) int {
	if o.config.Hybrid.FetchMultiplier > 1 {
		return topN * o.config.Hybrid.FetchMultiplier
	}
	return topN
}

func (o *RecommendationOrchestrator) blendCollaborativeAndProfile(ctx context.Context, snap *dataset.Snapshot, req recommendRequest) ([]models.Recommendation, string) {
	fetch := o.fetchSize(req.topN)

	var collab, profile []models.Recommendation
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		collab = o.collaborative(gctx, snap, req.userID, fetch, req.minRating)
		return nil
	})
	g.Go(func() error {
		profile = o.contentProfile(gctx, snap, req.userID, fetch)
		return nil
	})
	_ = g.Wait()

	switch {
	case len(collab) > 0 && len(profile) > 0:
		return Mix(collab, profile, o.config.Hybrid.CFRatio, req.topN), models.AlgorithmHybrid
	case len(collab) > 0:
		return collab, models.AlgorithmCollaborative
	default:
		return profile, models.AlgorithmContentProfile
	}
}

func (o *RecommendationOrchestrator) collaborativeCascade(ctx context.Context, snap *dataset.Snapshot, req recommendRequest) ([]models.Recommendation, string) {
	if items := o.collaborative(ctx, snap, req.userID, req.topN, req.minRating); len(items) > 0 {
		return items, models.AlgorithmCollaborative
	}
	if items := o.contentHistory(ctx, snap, req.userID, req.topN); len(items) > 0 {
		return items, models.AlgorithmContentHistory
	}
	return o.fallbackOnly(ctx, snap, req)
}

func (o *RecommendationOrchestrator) profileOnly(ctx context.Context, snap *dataset.Snapshot, req recommendRequest) ([]models.Recommendation, string) {
	if items := o.contentProfile(ctx, snap, req.userID, req.topN); len(items) > 0 {
		return items, models.AlgorithmContentProfile
	}
	return o.fallbackOnly(ctx, snap, req)
}

func (o *RecommendationOrchestrator) fallbackOnly(_ context.Context, snap *dataset.Snapshot, req recommendRequest) ([]models.Recommendation, string) {
	return o.qualityFallback(snap, req.userID, req.topN), models.AlgorithmFallback
}

func (o *RecommendationOrchestrator) collaborative(ctx context.Context, snap *dataset.Snapshot, userID int64, n int, minRating float64) []models.Recommendation {
	started := time.Now()
	preds := o.userCF.Predict(ctx, snap, userID, n, minRating)
	o.metrics.RecordEngine(models.AlgorithmCollaborative, started)

	return predictionsToRecommendations(snap, preds, func(p models.Prediction) string {
		return fmt.Sprintf("Liked by %d readers with similar taste", p.SupportCount)
	})
}

func (o *RecommendationOrchestrator) itemCollaborative(ctx context.Context, snap *dataset.Snapshot, userID int64, n int, minRating float64) []models.Recommendation {
	started := time.Now()
	preds := o.itemCF.Predict(ctx, snap, userID, n, minRating)
	o.metrics.RecordEngine(models.AlgorithmItemCollaborative, started)

	return predictionsToRecommendations(snap, preds, func(p models.Prediction) string {
		return fmt.Sprintf("Similar to %d books you rated", p.SupportCount)
	})
}

func (o *RecommendationOrchestrator) contentHistory(ctx context.Context, snap *dataset.Snapshot, userID int64, n int) []models.Recommendation {
	started := time.Now()
	matches := o.content.RecommendByHistory(ctx, snap, userID, n)
	o.metrics.RecordEngine(models.AlgorithmContentHistory, started)

	return matchesToRecommendations(snap, matches, models.AlgorithmContentHistory, false)
}

func (o *RecommendationOrchestrator) contentProfile(ctx context.Context, snap *dataset.Snapshot, userID int64, n int) []models.Recommendation {
	started := time.Now()
	matches := o.content.RecommendByDemographics(ctx, snap, userID, n)
	o.metrics.RecordEngine(models.AlgorithmContentProfile, started)

	return matchesToRecommendations(snap, matches, models.AlgorithmContentProfile, false)
}

// qualityFallback ranks the quality pool, then the rest of the catalog,
// skipping books the user rated.
func (o *RecommendationOrchestrator) qualityFallback(snap *dataset.Snapshot, userID int64, topN int) []models.Recommendation {
	cfg := o.config.Fallback
	rated := snap.RatingsForUser(userID)

	inPool := func(b *models.Book) bool {
		return b.RatingCount >= cfg.MinRatingCount && b.AvgRating >= cfg.MinAvgRating
	}

	out := make([]models.Recommendation, 0, topN)
	add := func(pool bool) {
		for _, id := range snap.QualityOrdered() {
			if len(out) >= topN {
				return
			}
			if _, ok := rated[id]; ok {
				continue
			}
			b := snap.Book(id)
			if inPool(b) != pool {
				continue
			}
			rec := newRecommendation(b, models.AlgorithmFallback,
				fmt.Sprintf("Highly rated: %.1f from %d readers", b.AvgRating, b.RatingCount))
			score := b.AvgRating / dataset.MaxRatingScore
			rec.ContentScore = &score
			out = append(out, rec)
		}
	}
	add(true)
	add(false)

	return out
}

// SimilarBooks blends rating-pattern and content similarity for a book.
// Unknown books yield an empty result.
func (o *RecommendationOrchestrator) SimilarBooks(ctx context.Context, bookID string, topK int) (*models.SimilarBooksResult, error) {
	started := time.Now()

	if bookID == "" {
		return nil, fmt.Errorf("%w: book_id is required", ErrInvalidInput)
	}
	if topK < 1 || topK > MaxTopK {
		return nil, fmt.Errorf("%w: top_k must be between 1 and %d", ErrInvalidInput, MaxTopK)
	}
	snap, err := o.snapshot()
	if err != nil {
		return nil, err
	}

	result := &models.SimilarBooksResult{
		BookID:      bookID,
		Items:       []models.Recommendation{},
		GeneratedAt: time.Now(),
	}
	target := snap.Book(bookID)
	if target == nil {
		return result, nil
	}

	fetch := o.fetchSize(topK)
	var collab, content []models.Recommendation
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		items := o.itemCF.SimilarItems(gctx, snap, bookID, fetch)
		o.metrics.RecordEngine(models.AlgorithmItemCollaborative, start)
		collab = similarItemsToRecommendations(snap, items)
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		matches := o.content.SimilarByContent(gctx, snap, bookID, fetch)
		o.metrics.RecordEngine(models.AlgorithmContentSimilarity, start)
		content = matchesToRecommendations(snap, matches, models.AlgorithmContentSimilarity, true)
		return nil
	})
	_ = g.Wait()

	switch {
	case len(collab) > 0 && len(content) > 0:
		result.Items = Mix(collab, content, o.config.Hybrid.CFRatio, topK)
		result.Algorithm = models.AlgorithmHybrid
	case len(collab) > 0:
		result.Items = truncate(collab, topK)
		result.Algorithm = models.AlgorithmItemCollaborative
	case len(content) > 0:
		result.Items = truncate(content, topK)
		result.Algorithm = models.AlgorithmContentSimilarity
	default:
		result.Items = o.sameAuthor(snap, target, topK)
		result.Algorithm = models.AlgorithmSameAuthor
	}

	o.metrics.RecordRecommendation("similar_books", result.Algorithm, started)
	return result, nil
}

func (o *RecommendationOrchestrator) sameAuthor(snap *dataset.Snapshot, target *models.Book, topK int) []models.Recommendation {
	out := []models.Recommendation{}
	if target.Author == "" {
		return out
	}
	for _, id := range snap.BooksByAuthor(target.Author) {
		if len(out) >= topK {
			break
		}
		if id == target.BookID {
			continue
		}
		out = append(out, newRecommendation(snap.Book(id), models.AlgorithmSameAuthor, "More by "+target.Author))
	}
	return out
}

// SimilarUsers lists the user's nearest neighbours by rating pattern.
func (o *RecommendationOrchestrator) SimilarUsers(ctx context.Context, userID int64, topK int) (*models.SimilarUsersResult, error) {
	started := time.Now()

	if userID <= 0 {
		return nil, fmt.Errorf("%w: user_id must be positive", ErrInvalidInput)
	}
	if topK < 1 || topK > MaxTopK {
		return nil, fmt.Errorf("%w: top_k must be between 1 and %d", ErrInvalidInput, MaxTopK)
	}
	snap, err := o.snapshot()
	if err != nil {
		return nil, err
	}

	users := o.userCF.FindSimilarUsers(ctx, snap, userID, o.config.UserCF.MinCommonItems, topK)
	if users == nil {
		users = []models.SimilarUser{}
	}
	o.metrics.RecordRecommendation("similar_users", models.AlgorithmCollaborative, started)

	return &models.SimilarUsersResult{
		UserID:      userID,
		Users:       users,
		GeneratedAt: time.Now(),
	}, nil
}

// UserBasedRecommendations serves user-based collaborative filtering
// alone, falling back to the quality pool. Results are not cached.
func (o *RecommendationOrchestrator) UserBasedRecommendations(ctx context.Context, userID int64, topN int, minRating float64) (*models.RecommendationResult, error) {
	return o.singleEngine(ctx, "user_based", userID, topN, minRating, o.collaborative, models.AlgorithmCollaborative)
}

// ItemBasedRecommendations serves item-based collaborative filtering
// alone, falling back to the quality pool. Results are not cached.
func (o *RecommendationOrchestrator) ItemBasedRecommendations(ctx context.Context, userID int64, topN int, minRating float64) (*models.RecommendationResult, error) {
	return o.singleEngine(ctx, "item_based", userID, topN, minRating, o.itemCollaborative, models.AlgorithmItemCollaborative)
}

type engineFunc func(ctx context.Context, snap *dataset.Snapshot, userID int64, n int, minRating float64) []models.Recommendation

func (o *RecommendationOrchestrator) singleEngine(ctx context.Context, operation string, userID int64, topN int, minRating float64, engine engineFunc, algorithm string) (*models.RecommendationResult, error) {
	started := time.Now()

	if err := validateUserRequest(userID, topN, minRating); err != nil {
		return nil, err
	}
	snap, err := o.snapshot()
	if err != nil {
		return nil, err
	}

	items := finalize(engine(ctx, snap, userID, topN, minRating), snap.RatingsForUser(userID), topN)
	if len(items) == 0 {
		items = o.qualityFallback(snap, userID, topN)
		algorithm = models.AlgorithmFallback
	}

	o.metrics.RecordRecommendation(operation, algorithm, started)
	return &models.RecommendationResult{
		UserID:      userID,
		Algorithm:   algorithm,
		Items:       items,
		GeneratedAt: time.Now(),
	}, nil
}

// Invalidate drops the user's cached recommendations.
func (o *RecommendationOrchestrator) Invalidate(ctx context.Context, userID int64) error {
	if o.cache == nil {
		return nil
	}
	return o.cache.Invalidate(ctx, userID)
}

func (o *RecommendationOrchestrator) ClearCache(ctx context.Context) error {
	if o.cache == nil {
		return nil
	}
	return o.cache.Clear(ctx)
}

// Precompute recomputes and caches the user's default recommendations.
func (o *RecommendationOrchestrator) Precompute(ctx context.Context, userID int64) (*models.RecommendationResult, error) {
	if err := o.Invalidate(ctx, userID); err != nil {
		o.logger.WithError(err).WithField("user_id", userID).Warn("Failed to invalidate before precompute")
	}
	return o.Recommend(ctx, userID, o.config.Hybrid.DefaultTopN, o.config.Hybrid.DefaultMinRating)
}

// AlgorithmInfo describes the active strategies and their parameters.
func (o *RecommendationOrchestrator) AlgorithmInfo() models.AlgorithmCatalog {
	cfg := o.config
	return models.AlgorithmCatalog{
		Algorithms: []models.AlgorithmInfo{
			{
				Name:        "User-based collaborative filtering",
				Type:        models.AlgorithmCollaborative,
				Description: "Cosine similarity between readers over co-rated books; predictions are similarity-weighted neighbour ratings",
				Parameters: map[string]interface{}{
					"min_common_items":     cfg.UserCF.MinCommonItems,
					"similarity_threshold": cfg.UserCF.SimilarityThreshold,
					"top_k":                cfg.UserCF.TopK,
					"neighbor_count":       cfg.UserCF.NeighborCount,
					"min_support":          cfg.UserCF.MinSupport,
				},
			},
			{
				Name:        "Item-based collaborative filtering",
				Type:        models.AlgorithmItemCollaborative,
				Description: "Cosine similarity between books over common raters, anchored on the reader's own ratings",
				Parameters: map[string]interface{}{
					"min_common_raters": cfg.ItemCF.MinCommonRaters,
					"similarity_floor":  cfg.ItemCF.SimilarityFloor,
					"max_candidates":    cfg.ItemCF.MaxCandidates,
					"max_anchors":       cfg.ItemCF.MaxAnchors,
				},
			},
			{
				Name:        "Content-based scoring",
				Type:        "content",
				Description: "Author, era, quality and popularity match against rating history or reader profile",
				Parameters: map[string]interface{}{
					"history":     cfg.Content.History,
					"demographic": cfg.Content.Demographic,
					"similarity":  cfg.Content.Similarity,
				},
			},
			{
				Name:        "Hybrid recommendation",
				Type:        models.AlgorithmHybrid,
				Description: "Blends collaborative and content results by user state, with a quality-pool fallback",
				Parameters: map[string]interface{}{
					"cf_ratio":                  cfg.Hybrid.CFRatio,
					"fallback_min_rating_count": cfg.Fallback.MinRatingCount,
					"fallback_min_avg_rating":   cfg.Fallback.MinAvgRating,
					"cache_ttl_seconds":         cfg.Caching.RecommendationsTTL.Seconds(),
				},
			},
		},
		Service: models.ServiceInfo{
			Name:        serviceName,
			Version:     serviceBuild,
			Description: "Hybrid book recommendation service",
		},
	}
}

func newRecommendation(b *models.Book, algorithm, reason string) models.Recommendation {
	return models.Recommendation{
		BookID:        b.BookID,
		Title:         b.Title,
		Author:        b.DisplayAuthor(),
		Publisher:     b.Publisher,
		Year:          b.Year,
		ImageURLSmall: b.ImageURLSmall,
		ImageURLMed:   b.ImageURLMed,
		ImageURLLarge: b.ImageURLLarge,
		AvgRating:     b.AvgRating,
		RatingCount:   b.RatingCount,
		Algorithm:     algorithm,
		Reason:        reason,
	}
}

func predictionsToRecommendations(snap *dataset.Snapshot, preds []models.Prediction, reason func(models.Prediction) string) []models.Recommendation {
	out := make([]models.Recommendation, 0, len(preds))
	for _, p := range preds {
		b := snap.Book(p.BookID)
		if b == nil {
			continue
		}
		rec := newRecommendation(b, p.Algorithm, reason(p))
		score := p.PredictedScore
		rec.PredictedRating = &score
		out = append(out, rec)
	}
	return out
}

func matchesToRecommendations(snap *dataset.Snapshot, matches []models.ContentMatch, algorithm string, asSimilarity bool) []models.Recommendation {
	out := make([]models.Recommendation, 0, len(matches))
	for _, m := range matches {
		b := snap.Book(m.BookID)
		if b == nil {
			continue
		}
		rec := newRecommendation(b, algorithm, m.Reason)
		score := m.Score
		if asSimilarity {
			rec.Similarity = &score
		} else {
			rec.ContentScore = &score
		}
		out = append(out, rec)
	}
	return out
}

func similarItemsToRecommendations(snap *dataset.Snapshot, items []models.SimilarItem) []models.Recommendation {
	out := make([]models.Recommendation, 0, len(items))
	for _, it := range items {
		b := snap.Book(it.BookID)
		if b == nil {
			continue
		}
		rec := newRecommendation(b, models.AlgorithmItemCollaborative,
			fmt.Sprintf("Rated alike by %d common readers, similarity %.2f", it.SupportCount, it.Similarity))
		sim := it.Similarity
		rec.Similarity = &sim
		out = append(out, rec)
	}
	return out
}
