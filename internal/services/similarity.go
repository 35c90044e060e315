package services

import (
	"cmp"
	"errors"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/temcen/bookrex/internal/dataset"
	"github.com/temcen/bookrex/pkg/models"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrCacheMiss    = errors.New("cache miss")
)

// cosineOnCommon computes cosine similarity of two sparse rating vectors
// over their shared keys only. Shared keys are visited in sorted order so
// the result is bit-identical whichever vector is passed first.
func cosineOnCommon[K cmp.Ordered](a, b map[K]float64) (float64, int) {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}

	keys := make([]K, 0, len(small))
	for k := range small {
		if _, ok := large[k]; ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return 0, 0
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	va := make([]float64, len(keys))
	vb := make([]float64, len(keys))
	for i, k := range keys {
		va[i] = a[k]
		vb[i] = b[k]
	}

	na := floats.Norm(va, 2)
	nb := floats.Norm(vb, 2)
	if na == 0 || nb == 0 {
		return 0, len(keys)
	}

	return clampUnit(floats.Dot(va, vb) / (na * nb)), len(keys)
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// clampRating keeps a prediction on the rating scale.
func clampRating(v float64) float64 {
	return math.Max(dataset.MinRatingScore, math.Min(dataset.MaxRatingScore, v))
}

// recoverEmpty turns a panic inside an engine into an empty result.
func recoverEmpty[T any](logger *logrus.Logger, op string, out *[]T) {
	if r := recover(); r != nil {
		logger.WithFields(logrus.Fields{
			"operation": op,
			"panic":     r,
		}).Error("Recommendation engine failed, returning empty result")
		*out = nil
	}
}

// sortPredictions orders by predicted score, then support, then book id.
func sortPredictions(preds []models.Prediction) {
	sort.Slice(preds, func(i, j int) bool {
		if preds[i].PredictedScore != preds[j].PredictedScore {
			return preds[i].PredictedScore > preds[j].PredictedScore
		}
		if preds[i].SupportCount != preds[j].SupportCount {
			return preds[i].SupportCount > preds[j].SupportCount
		}
		return preds[i].BookID < preds[j].BookID
	})
}
