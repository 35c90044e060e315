package dataset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/bookrex/pkg/models"
)

func intPtr(v int) *int { return &v }

func testBooks() []models.Book {
	return []models.Book{
		{BookID: "b1", Title: "Dune", Author: "Frank Herbert", Publisher: "Ace", Year: intPtr(1965), AvgRating: 4.5, RatingCount: 120},
		{BookID: "b2", Title: "Dune Messiah", Author: "FRANK  HERBERT", Publisher: "Ace", Year: intPtr(1969), AvgRating: 4.0, RatingCount: 80},
		{BookID: "b3", Title: "Neuromancer", Author: "William Gibson", Publisher: "Ace", Year: intPtr(1984), AvgRating: 4.5, RatingCount: 200},
		{BookID: "b4", Title: "Untitled", Author: "", Publisher: "", AvgRating: 3.0, RatingCount: 1},
	}
}

func TestNewSnapshot(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ratings := []models.Rating{
		{UserID: 1, BookID: "b1", Score: 5, Timestamp: t0},
		{UserID: 1, BookID: "b2", Score: 3, Timestamp: t0},
		{UserID: 1, BookID: "b1", Score: 2, Timestamp: t0.Add(-time.Hour)},
		{UserID: 2, BookID: "b1", Score: 4, Timestamp: t0},
		{UserID: 2, BookID: "b3", Score: 0, Timestamp: t0},
		{UserID: 3, BookID: "b3", Score: 9, Timestamp: t0},
	}
	snap := NewSnapshot(1, testBooks(), []models.User{{UserID: 1, Country: "usa"}}, ratings)

	t.Run("older duplicate does not overwrite", func(t *testing.T) {
		assert.Equal(t, 5.0, snap.RatingsForUser(1)["b1"])
		assert.Len(t, snap.RatingsForUser(1), 2)
	})

	t.Run("out of scale ratings are skipped", func(t *testing.T) {
		assert.Empty(t, snap.RatingsForUser(3))
		assert.False(t, snap.HasRated(2, "b3"))
		assert.Equal(t, 2, snap.Stats().SkippedRatings)
	})

	t.Run("item index mirrors user index", func(t *testing.T) {
		raters := snap.RatingsForBook("b1")
		assert.Equal(t, map[int64]float64{1: 5, 2: 4}, raters)
	})

	t.Run("user mean", func(t *testing.T) {
		mean, ok := snap.UserMean(1)
		require.True(t, ok)
		assert.InDelta(t, 4.0, mean, 1e-9)
		_, ok = snap.UserMean(99)
		assert.False(t, ok)
	})

	t.Run("quality order breaks ties by count then id", func(t *testing.T) {
		assert.Equal(t, []string{"b3", "b1", "b2", "b4"}, snap.QualityOrdered())
		assert.Equal(t, 0, snap.QualityRank("b3"))
		assert.Equal(t, 4, snap.QualityRank("missing"))
	})

	t.Run("normalized author and publisher indexes", func(t *testing.T) {
		assert.Equal(t, []string{"b1", "b2"}, snap.BooksByAuthor("frank herbert"))
		assert.Equal(t, []string{"b3", "b1", "b2"}, snap.BooksByPublisher(" ACE "))
		assert.Empty(t, snap.BooksByAuthor(""))
	})

	t.Run("year range ordered by quality", func(t *testing.T) {
		assert.Equal(t, []string{"b1", "b2"}, snap.BooksInYearRange(1960, 1970))
		assert.Empty(t, snap.BooksInYearRange(2000, 2010))
	})

	t.Run("watermark tracks newest rating", func(t *testing.T) {
		assert.Equal(t, t0, snap.Stats().RatingsWatermark)
	})
}

func TestSnapshot_Merge(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	base := NewSnapshot(1, testBooks(), nil, []models.Rating{
		{UserID: 1, BookID: "b1", Score: 5, Timestamp: t0},
		{UserID: 2, BookID: "b1", Score: 4, Timestamp: t0},
	})

	t.Run("empty merge returns same snapshot", func(t *testing.T) {
		assert.Same(t, base, base.Merge(nil, nil, nil))
	})

	t.Run("newer rating wins and original is untouched", func(t *testing.T) {
		next := base.Merge([]models.Rating{
			{UserID: 1, BookID: "b1", Score: 2, Timestamp: t0.Add(time.Minute)},
			{UserID: 1, BookID: "b3", Score: 4, Timestamp: t0.Add(time.Minute)},
		}, nil, nil)

		assert.Equal(t, uint64(2), next.Version())
		assert.Equal(t, 2.0, next.RatingsForUser(1)["b1"])
		assert.Equal(t, 4.0, next.RatingsForUser(1)["b3"])
		assert.Equal(t, 2.0, next.RatingsForBook("b1")[1])

		assert.Equal(t, 5.0, base.RatingsForUser(1)["b1"])
		assert.False(t, base.HasRated(1, "b3"))
		assert.Equal(t, 5.0, base.RatingsForBook("b1")[1])

		mean, _ := next.UserMean(1)
		assert.InDelta(t, 3.0, mean, 1e-9)
		assert.Equal(t, 3, next.Stats().Ratings)
		assert.Equal(t, 2, base.Stats().Ratings)
	})

	t.Run("stale rating is ignored", func(t *testing.T) {
		next := base.Merge([]models.Rating{
			{UserID: 2, BookID: "b1", Score: 1, Timestamp: t0.Add(-time.Minute)},
		}, nil, nil)
		assert.Equal(t, 4.0, next.RatingsForUser(2)["b1"])
	})

	t.Run("books and users are upserted", func(t *testing.T) {
		next := base.Merge(nil, []models.Book{
			{BookID: "b5", Title: "Count Zero", Author: "William Gibson", AvgRating: 4.8, RatingCount: 30},
		}, []models.User{{UserID: 7, Age: intPtr(30)}})

		require.NotNil(t, next.Book("b5"))
		assert.Nil(t, base.Book("b5"))
		assert.Equal(t, "b5", next.QualityOrdered()[0])
		assert.Equal(t, []string{"b5", "b3"}, next.BooksByAuthor("william gibson"))
		assert.True(t, next.User(7).HasFeatures())
	})
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "j. r. r. tolkien", NormalizeKey("  J. R. R.   Tolkien "))
	assert.Equal(t, NormalizeKey("STRASSE"), NormalizeKey("straße"))
	assert.Equal(t, "", NormalizeKey("   "))
}
