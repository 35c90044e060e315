package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/bookrex/pkg/models"
)

func TestCosineOnCommon(t *testing.T) {
	tests := []struct {
		name        string
		a, b        map[string]float64
		wantSim     float64
		wantSupport int
	}{
		{
			name:        "identical vectors",
			a:           map[string]float64{"x": 5, "y": 4},
			b:           map[string]float64{"x": 5, "y": 4, "z": 1},
			wantSim:     1,
			wantSupport: 2,
		},
		{
			name:        "no overlap",
			a:           map[string]float64{"x": 5},
			b:           map[string]float64{"y": 5},
			wantSim:     0,
			wantSupport: 0,
		},
		{
			name:        "proportional vectors",
			a:           map[string]float64{"x": 1, "y": 2},
			b:           map[string]float64{"x": 2, "y": 4},
			wantSim:     1,
			wantSupport: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim, support := cosineOnCommon(tt.a, tt.b)
			assert.InDelta(t, tt.wantSim, sim, 1e-9)
			assert.Equal(t, tt.wantSupport, support)

			rev, revSupport := cosineOnCommon(tt.b, tt.a)
			assert.Equal(t, sim, rev)
			assert.Equal(t, support, revSupport)
		})
	}
}

func TestUserSimilarityEngine(t *testing.T) {
	cfg := testAlgorithmConfig()
	engine := NewUserSimilarityEngine(&cfg.UserCF, testLogger())
	snap := testSnapshot()
	ctx := context.Background()

	t.Run("similarity is symmetric", func(t *testing.T) {
		pairs := [][2]int64{{readerAlice, readerCara}, {readerBen, readerCara}, {readerAlice, readerSingle}}
		for _, p := range pairs {
			assert.Equal(t, engine.Similarity(snap, p[0], p[1]), engine.Similarity(snap, p[1], p[0]))
		}
	})

	t.Run("similarity needs enough common books", func(t *testing.T) {
		assert.Zero(t, engine.Similarity(snap, readerAlice, readerSingle))
	})

	t.Run("find similar users orders by similarity", func(t *testing.T) {
		users := engine.FindSimilarUsers(ctx, snap, readerAlice, 2, 10)
		require.Len(t, users, 3)
		assert.Equal(t, readerBen, users[0].UserID)
		assert.Equal(t, readerBoth, users[1].UserID)
		assert.Equal(t, readerCara, users[2].UserID)
		assert.Equal(t, 3, users[0].SupportCount)
		for _, u := range users {
			assert.NotEqual(t, readerAlice, u.UserID)
			assert.GreaterOrEqual(t, u.Similarity, cfg.UserCF.SimilarityThreshold)
			assert.LessOrEqual(t, u.Similarity, 1.0)
		}
	})

	t.Run("single rating user has no neighbours", func(t *testing.T) {
		assert.Empty(t, engine.FindSimilarUsers(ctx, snap, readerSingle, 2, 10))
	})

	t.Run("unknown user has no neighbours", func(t *testing.T) {
		assert.Empty(t, engine.FindSimilarUsers(ctx, snap, 999, 2, 10))
	})

	t.Run("predictions stay on the rating scale", func(t *testing.T) {
		preds := engine.Predict(ctx, snap, readerAlice, 10, 3)
		require.NotEmpty(t, preds)

		ids := make([]string, 0, len(preds))
		for _, p := range preds {
			ids = append(ids, p.BookID)
			assert.GreaterOrEqual(t, p.PredictedScore, 1.0)
			assert.LessOrEqual(t, p.PredictedScore, 5.0)
			assert.GreaterOrEqual(t, p.SupportCount, cfg.UserCF.MinSupport)
			assert.Equal(t, models.AlgorithmCollaborative, p.Algorithm)
		}
		assert.ElementsMatch(t, []string{"b4", "b5"}, ids)
	})

	t.Run("cancelled context yields nothing", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		assert.Empty(t, engine.FindSimilarUsers(cancelled, snap, readerAlice, 2, 10))
	})
}

func TestItemSimilarityEngine(t *testing.T) {
	cfg := testAlgorithmConfig()
	memo, err := NewPairCache(1000)
	require.NoError(t, err)
	defer memo.Close()

	engine := NewItemSimilarityEngine(&cfg.ItemCF, memo, testLogger())
	snap := testSnapshot()
	ctx := context.Background()

	t.Run("similarity is symmetric", func(t *testing.T) {
		pairs := [][2]string{{"b1", "b2"}, {"b2", "b4"}, {"b3", "b5"}}
		for _, p := range pairs {
			forward := engine.Similarity(snap, p[0], p[1])
			memo.Wait()
			assert.Equal(t, forward, engine.Similarity(snap, p[1], p[0]))
		}
	})

	t.Run("memoized pair matches a fresh computation", func(t *testing.T) {
		fresh := NewItemSimilarityEngine(&cfg.ItemCF, nil, testLogger())
		want := fresh.Similarity(snap, "b1", "b4")
		engine.Similarity(snap, "b1", "b4")
		memo.Wait()
		assert.Equal(t, want, engine.Similarity(snap, "b4", "b1"))
	})

	t.Run("self similarity is zero", func(t *testing.T) {
		assert.Zero(t, engine.Similarity(snap, "b1", "b1"))
	})

	t.Run("similar items exclude the target", func(t *testing.T) {
		items := engine.SimilarItems(ctx, snap, "b1", 10)
		require.NotEmpty(t, items)
		for _, it := range items {
			assert.NotEqual(t, "b1", it.BookID)
			assert.Greater(t, it.Similarity, cfg.ItemCF.SimilarityFloor)
			assert.GreaterOrEqual(t, it.SupportCount, cfg.ItemCF.MinCommonRaters)
		}
	})

	t.Run("book without ratings has no similar items", func(t *testing.T) {
		assert.Empty(t, engine.SimilarItems(ctx, snap, "b9", 10))
		assert.Empty(t, engine.SimilarItems(ctx, snap, "missing", 10))
	})

	t.Run("predictions skip rated books", func(t *testing.T) {
		preds := engine.Predict(ctx, snap, readerAlice, 10, 1)
		require.NotEmpty(t, preds)
		rated := snap.RatingsForUser(readerAlice)
		for _, p := range preds {
			assert.NotContains(t, rated, p.BookID)
			assert.GreaterOrEqual(t, p.PredictedScore, 1.0)
			assert.LessOrEqual(t, p.PredictedScore, 5.0)
			assert.Equal(t, models.AlgorithmItemCollaborative, p.Algorithm)
		}
	})

	t.Run("user without ratings gets nothing", func(t *testing.T) {
		assert.Empty(t, engine.Predict(ctx, snap, readerNone, 10, 1))
	})
}

func TestContentScorer(t *testing.T) {
	cfg := testAlgorithmConfig()
	scorer := NewContentScorer(&cfg.Content, testLogger())
	snap := testSnapshot()
	ctx := context.Background()

	t.Run("item similarity is symmetric", func(t *testing.T) {
		ids := []string{"b1", "b2", "b4", "b7", "b9"}
		for _, a := range ids {
			for _, b := range ids {
				assert.Equal(t, scorer.ItemSimilarity(snap.Book(a), snap.Book(b)), scorer.ItemSimilarity(snap.Book(b), snap.Book(a)), "%s/%s", a, b)
			}
		}
	})

	t.Run("same author scores above different author", func(t *testing.T) {
		sameAuthor := scorer.ItemSimilarity(snap.Book("b1"), snap.Book("b2"))
		other := scorer.ItemSimilarity(snap.Book("b1"), snap.Book("b4"))
		assert.Greater(t, sameAuthor, other)
	})

	t.Run("history favours rated authors", func(t *testing.T) {
		matches := scorer.RecommendByHistory(ctx, snap, readerSingle, 5)
		require.NotEmpty(t, matches)
		assert.Equal(t, "b2", matches[0].BookID)
		assert.Contains(t, matches[0].Reason, "John Smith")
		for _, m := range matches {
			assert.NotEqual(t, "b1", m.BookID)
			assert.Greater(t, m.Score, cfg.Content.History.MinScore)
		}
	})

	t.Run("history needs ratings", func(t *testing.T) {
		assert.Empty(t, scorer.RecommendByHistory(ctx, snap, readerProfile, 5))
	})

	t.Run("demographics use the quality pool", func(t *testing.T) {
		matches := scorer.RecommendByDemographics(ctx, snap, readerProfile, 10)
		require.NotEmpty(t, matches)
		for _, m := range matches {
			b := snap.Book(m.BookID)
			assert.GreaterOrEqual(t, b.RatingCount, cfg.Content.Demographic.MinRatingCount)
			assert.GreaterOrEqual(t, b.AvgRating, cfg.Content.Demographic.MinAvgRating)
		}
		for i := 1; i < len(matches); i++ {
			assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
		}
	})

	t.Run("demographics skip rated books", func(t *testing.T) {
		rated := snap.RatingsForUser(readerBoth)
		for _, m := range scorer.RecommendByDemographics(ctx, snap, readerBoth, 10) {
			assert.NotContains(t, rated, m.BookID)
		}
	})

	t.Run("demographics need features", func(t *testing.T) {
		assert.Empty(t, scorer.RecommendByDemographics(ctx, snap, readerNone, 10))
	})

	t.Run("profile falls back to demographics", func(t *testing.T) {
		assert.Equal(t,
			scorer.RecommendByDemographics(ctx, snap, readerProfile, 5),
			scorer.RecommendByProfile(ctx, snap, readerProfile, 5))
	})

	t.Run("similar by content excludes the target", func(t *testing.T) {
		matches := scorer.SimilarByContent(ctx, snap, "b1", 5)
		require.NotEmpty(t, matches)
		assert.Equal(t, "b2", matches[0].BookID)
		for _, m := range matches {
			assert.NotEqual(t, "b1", m.BookID)
		}
	})

	t.Run("unrelated book has no content matches", func(t *testing.T) {
		assert.Empty(t, scorer.SimilarByContent(ctx, snap, "b9", 5))
	})
}

func TestLocaleScore(t *testing.T) {
	john := &models.Book{Author: "John Smith", Title: "Tales"}
	paris := &models.Book{Author: "Anne Leclerc", Title: "Paris Letters"}

	tests := []struct {
		name    string
		country string
		book    *models.Book
		want    float64
	}{
		{"english country and given name", "usa", john, 0.8},
		{"english country without match", "usa", paris, 0},
		{"european country and place", "france", paris, 0.8},
		{"european country without match", "germany", john, 0},
		{"other country", "japan", john, 0.5},
		{"no country", "", john, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, localeScore(tt.country, tt.book))
		})
	}
}
