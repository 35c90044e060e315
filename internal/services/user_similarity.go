package services

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/config"
	"github.com/temcen/bookrex/internal/dataset"
	"github.com/temcen/bookrex/pkg/models"
)

// UserSimilarityEngine implements user-based collaborative filtering.
type UserSimilarityEngine struct {
	config *config.UserCFConfig
	logger *logrus.Logger
}

func NewUserSimilarityEngine(cfg *config.UserCFConfig, logger *logrus.Logger) *UserSimilarityEngine {
	return &UserSimilarityEngine{
		config: cfg,
		logger: logger,
	}
}

type coRater struct {
	userID int64
	common int
}

// FindSimilarUsers returns the users most similar to userID by cosine
// similarity over co-rated books. Only users sharing at least minCommon
// books are scored; scanning stops once scan_multiplier*topK users pass
// the similarity threshold.
func (e *UserSimilarityEngine) FindSimilarUsers(ctx context.Context, snap *dataset.Snapshot, userID int64, minCommon, topK int) (result []models.SimilarUser) {
	defer recoverEmpty(e.logger, "user_cf.find_similar_users", &result)

	if snap == nil {
		return nil
	}
	target := snap.RatingsForUser(userID)
	if len(target) == 0 {
		return nil
	}
	if minCommon <= 0 {
		minCommon = e.config.MinCommonItems
	}
	if topK <= 0 {
		topK = e.config.TopK
	}

	// Co-rating join through the per-book rater index.
	common := make(map[int64]int)
	for bookID := range target {
		for other := range snap.RatingsForBook(bookID) {
			if other != userID {
				common[other]++
			}
		}
	}

	candidates := make([]coRater, 0, len(common))
	for id, n := range common {
		if n >= minCommon {
			candidates = append(candidates, coRater{userID: id, common: n})
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].common != candidates[j].common {
			return candidates[i].common > candidates[j].common
		}
		return candidates[i].userID < candidates[j].userID
	})

	scanLimit := 0
	if e.config.ScanMultiplier > 0 {
		scanLimit = topK * e.config.ScanMultiplier
	}

	similar := make([]models.SimilarUser, 0, topK)
	for _, c := range candidates {
		if ctx.Err() != nil {
			return nil
		}

		sim, support := cosineOnCommon(target, snap.RatingsForUser(c.userID))
		if support < minCommon || sim < e.config.SimilarityThreshold {
			continue
		}
		similar = append(similar, models.SimilarUser{
			UserID:       c.userID,
			Similarity:   sim,
			SupportCount: support,
		})
		if scanLimit > 0 && len(similar) >= scanLimit {
			break
		}
	}

	sort.Slice(similar, func(i, j int) bool {
		if similar[i].Similarity != similar[j].Similarity {
			return similar[i].Similarity > similar[j].Similarity
		}
		if similar[i].SupportCount != similar[j].SupportCount {
			return similar[i].SupportCount > similar[j].SupportCount
		}
		return similar[i].UserID < similar[j].UserID
	})
	if len(similar) > topK {
		similar = similar[:topK]
	}

	return similar
}

// Similarity returns the cosine similarity between two users over the
// books both have rated.
func (e *UserSimilarityEngine) Similarity(snap *dataset.Snapshot, a, b int64) float64 {
	if snap == nil {
		return 0
	}
	sim, support := cosineOnCommon(snap.RatingsForUser(a), snap.RatingsForUser(b))
	if support < e.config.MinCommonItems {
		return 0
	}
	return sim
}

type predictionAccumulator struct {
	weighted float64
	weights  float64
	support  int
}

// Predict scores unrated books by the similarity-weighted average rating of
// the user's nearest neighbours.
func (e *UserSimilarityEngine) Predict(ctx context.Context, snap *dataset.Snapshot, userID int64, topN int, minRating float64) (result []models.Prediction) {
	defer recoverEmpty(e.logger, "user_cf.predict", &result)

	neighbors := e.FindSimilarUsers(ctx, snap, userID, e.config.MinCommonItems, e.config.TopK)
	if len(neighbors) == 0 {
		return nil
	}
	if e.config.NeighborCount > 0 && len(neighbors) > e.config.NeighborCount {
		neighbors = neighbors[:e.config.NeighborCount]
	}

	target := snap.RatingsForUser(userID)
	accs := make(map[string]*predictionAccumulator)
	for _, n := range neighbors {
		for bookID, score := range snap.RatingsForUser(n.UserID) {
			if score < minRating {
				continue
			}
			if _, rated := target[bookID]; rated {
				continue
			}
			if snap.Book(bookID) == nil {
				continue
			}
			acc, ok := accs[bookID]
			if !ok {
				acc = &predictionAccumulator{}
				accs[bookID] = acc
			}
			acc.weighted += n.Similarity * score
			acc.weights += n.Similarity
			acc.support++
		}
	}

	minSupport := e.config.MinSupport
	if minSupport <= 0 {
		minSupport = 2
	}

	predictions := make([]models.Prediction, 0, len(accs))
	for bookID, acc := range accs {
		if acc.support < minSupport || acc.weights <= 0 {
			continue
		}
		predicted := clampRating(acc.weighted / acc.weights)
		if predicted < minRating {
			continue
		}
		predictions = append(predictions, models.Prediction{
			BookID:         bookID,
			PredictedScore: predicted,
			SupportCount:   acc.support,
			Algorithm:      models.AlgorithmCollaborative,
		})
	}

	sortPredictions(predictions)
	if topN > 0 && len(predictions) > topN {
		predictions = predictions[:topN]
	}

	e.logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"neighbors":   len(neighbors),
		"predictions": len(predictions),
	}).Debug("User-based predictions computed")

	return predictions
}
