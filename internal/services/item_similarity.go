package services

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/config"
	"github.com/temcen/bookrex/internal/dataset"
	"github.com/temcen/bookrex/pkg/models"
)

// ItemSimilarityEngine implements item-based collaborative filtering with a
// memoized pair similarity.
type ItemSimilarityEngine struct {
	config *config.ItemCFConfig
	memo   *PairCache
	logger *logrus.Logger
}

func NewItemSimilarityEngine(cfg *config.ItemCFConfig, memo *PairCache, logger *logrus.Logger) *ItemSimilarityEngine {
	return &ItemSimilarityEngine{
		config: cfg,
		memo:   memo,
		logger: logger,
	}
}

// Similarity returns the cosine similarity of two books over their common
// raters, or 0 when fewer than min_common_raters users rated both.
func (e *ItemSimilarityEngine) Similarity(snap *dataset.Snapshot, a, b string) float64 {
	return e.pair(snap, a, b).Similarity
}

func (e *ItemSimilarityEngine) pair(snap *dataset.Snapshot, a, b string) pairScore {
	if snap == nil || a == b {
		return pairScore{}
	}
	if e.memo != nil {
		if cached, ok := e.memo.Get(snap.Version(), a, b); ok {
			return cached
		}
	}

	sim, support := cosineOnCommon(snap.RatingsForBook(a), snap.RatingsForBook(b))
	if support < e.config.MinCommonRaters {
		sim = 0
	}
	score := pairScore{Similarity: sim, Support: support}

	if e.memo != nil {
		e.memo.Set(snap.Version(), a, b, score)
	}
	return score
}

type coOccurrence struct {
	bookID string
	count  int
}

// coRated counts, for every book sharing a rater with any of the sources,
// how many (rater, source) pairs it co-occurs in. Sources and excluded
// books are left out.
func coRated(snap *dataset.Snapshot, sources []string, exclude map[string]float64) map[string]int {
	skip := make(map[string]struct{}, len(sources))
	for _, id := range sources {
		skip[id] = struct{}{}
	}

	counts := make(map[string]int)
	for _, src := range sources {
		for raterID := range snap.RatingsForBook(src) {
			for other := range snap.RatingsForUser(raterID) {
				if _, ok := skip[other]; ok {
					continue
				}
				if _, ok := exclude[other]; ok {
					continue
				}
				counts[other]++
			}
		}
	}
	return counts
}

// topCoOccurring keeps books co-occurring at least minCount times, ordered
// by count desc then id asc, capped at limit.
func topCoOccurring(counts map[string]int, minCount, limit int) []coOccurrence {
	out := make([]coOccurrence, 0, len(counts))
	for id, n := range counts {
		if n >= minCount {
			out = append(out, coOccurrence{bookID: id, count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].bookID < out[j].bookID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SimilarItems returns the books most similar to bookID by rating pattern.
func (e *ItemSimilarityEngine) SimilarItems(ctx context.Context, snap *dataset.Snapshot, bookID string, topK int) (result []models.SimilarItem) {
	defer recoverEmpty(e.logger, "item_cf.similar_items", &result)

	if snap == nil || len(snap.RatingsForBook(bookID)) == 0 {
		return nil
	}

	counts := coRated(snap, []string{bookID}, nil)
	candidates := topCoOccurring(counts, e.config.MinCommonRaters, e.config.MaxCandidates)

	similar := make([]models.SimilarItem, 0, len(candidates))
	for _, c := range candidates {
		if ctx.Err() != nil {
			return nil
		}
		if snap.Book(c.bookID) == nil {
			continue
		}
		score := e.pair(snap, bookID, c.bookID)
		if score.Similarity <= e.config.SimilarityFloor {
			continue
		}
		similar = append(similar, models.SimilarItem{
			BookID:       c.bookID,
			Similarity:   score.Similarity,
			SupportCount: score.Support,
		})
	}

	sort.Slice(similar, func(i, j int) bool {
		if similar[i].Similarity != similar[j].Similarity {
			return similar[i].Similarity > similar[j].Similarity
		}
		if similar[i].SupportCount != similar[j].SupportCount {
			return similar[i].SupportCount > similar[j].SupportCount
		}
		return similar[i].BookID < similar[j].BookID
	})
	if topK > 0 && len(similar) > topK {
		similar = similar[:topK]
	}

	return similar
}

// anchors returns the user's rated books, best rated and most recent first.
func (e *ItemSimilarityEngine) anchors(snap *dataset.Snapshot, userID int64) []string {
	rated := snap.RatingsForUser(userID)
	ids := make([]string, 0, len(rated))
	for id := range rated {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if rated[ids[i]] != rated[ids[j]] {
			return rated[ids[i]] > rated[ids[j]]
		}
		ti, tj := snap.RatedAt(userID, ids[i]), snap.RatedAt(userID, ids[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return ids[i] < ids[j]
	})
	if e.config.MaxAnchors > 0 && len(ids) > e.config.MaxAnchors {
		ids = ids[:e.config.MaxAnchors]
	}
	return ids
}

// Predict scores books co-rated with the user's anchors by the
// similarity-weighted average of the user's own anchor ratings.
func (e *ItemSimilarityEngine) Predict(ctx context.Context, snap *dataset.Snapshot, userID int64, topN int, minRating float64) (result []models.Prediction) {
	defer recoverEmpty(e.logger, "item_cf.predict", &result)

	if snap == nil {
		return nil
	}
	rated := snap.RatingsForUser(userID)
	if len(rated) == 0 {
		return nil
	}

	anchors := e.anchors(snap, userID)
	counts := coRated(snap, anchors, rated)
	candidates := topCoOccurring(counts, 1, e.config.MaxCandidates)

	minSupport := e.config.MinSupport
	if minSupport <= 0 {
		minSupport = 2
	}

	predictions := make([]models.Prediction, 0, len(candidates))
	for _, c := range candidates {
		if ctx.Err() != nil {
			return nil
		}
		if snap.Book(c.bookID) == nil {
			continue
		}

		var weighted, weights float64
		support := 0
		for _, anchor := range anchors {
			sim := e.pair(snap, anchor, c.bookID).Similarity
			if sim <= e.config.SimilarityFloor {
				continue
			}
			weighted += sim * rated[anchor]
			weights += sim
			support++
		}
		if support < minSupport || weights <= 0 {
			continue
		}

		predicted := clampRating(weighted / weights)
		if predicted < minRating {
			continue
		}
		predictions = append(predictions, models.Prediction{
			BookID:         c.bookID,
			PredictedScore: predicted,
			SupportCount:   support,
			Algorithm:      models.AlgorithmItemCollaborative,
		})
	}

	sortPredictions(predictions)
	if topN > 0 && len(predictions) > topN {
		predictions = predictions[:topN]
	}

	e.logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"anchors":     len(anchors),
		"candidates":  len(candidates),
		"predictions": len(predictions),
	}).Debug("Item-based predictions computed")

	return predictions
}
