package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/config"
	"github.com/temcen/bookrex/internal/dataset"
	"github.com/temcen/bookrex/pkg/models"
)

var (
	englishSpeakingCountries = map[string]struct{}{
		"usa": {}, "us": {}, "united states": {}, "canada": {},
		"uk": {}, "united kingdom": {}, "england": {}, "australia": {},
	}
	europeanCountries = map[string]struct{}{
		"germany": {}, "france": {}, "spain": {}, "italy": {},
	}
	englishGivenNames = []string{"john", "david", "michael", "james", "robert"}
	europeanPlaces    = []string{"europe", "paris", "london", "berlin"}
)

// HistoryProfile summarizes what a user has rated.
type HistoryProfile struct {
	UserID      int64
	AuthorMeans map[string]float64
	MeanYear    float64
	HasYear     bool
	MeanRating  float64
	Rated       map[string]float64
}

// DemographicProfile carries the user's stored features, normalized.
type DemographicProfile struct {
	UserID  int64
	Age     int
	Country string
	Display string
}

// ContentScorer scores books against a rating-history profile or a
// demographic profile, and scores book pairs by metadata.
type ContentScorer struct {
	config *config.ContentConfig
	logger *logrus.Logger
}

func NewContentScorer(cfg *config.ContentConfig, logger *logrus.Logger) *ContentScorer {
	return &ContentScorer{
		config: cfg,
		logger: logger,
	}
}

// BuildHistoryProfile returns nil when the user has no ratings.
func (s *ContentScorer) BuildHistoryProfile(snap *dataset.Snapshot, userID int64) *HistoryProfile {
	rated := snap.RatingsForUser(userID)
	if len(rated) == 0 {
		return nil
	}

	authorSums := make(map[string]float64)
	authorCounts := make(map[string]int)
	var yearSum, ratingSum float64
	years := 0
	for bookID, score := range rated {
		ratingSum += score

		book := snap.Book(bookID)
		if book == nil {
			continue
		}
		author := dataset.NormalizeKey(book.DisplayAuthor())
		authorSums[author] += score
		authorCounts[author]++
		if book.HasYear() {
			yearSum += float64(*book.Year)
			years++
		}
	}

	profile := &HistoryProfile{
		UserID:      userID,
		AuthorMeans: make(map[string]float64, len(authorSums)),
		MeanRating:  ratingSum / float64(len(rated)),
		Rated:       rated,
	}
	for author, sum := range authorSums {
		profile.AuthorMeans[author] = sum / float64(authorCounts[author])
	}
	if years > 0 {
		profile.MeanYear = yearSum / float64(years)
		profile.HasYear = true
	}
	return profile
}

// BuildDemographicProfile returns nil when the user carries no features.
func (s *ContentScorer) BuildDemographicProfile(user *models.User) *DemographicProfile {
	if !user.HasFeatures() {
		return nil
	}
	profile := &DemographicProfile{
		UserID:  user.UserID,
		Display: user.CountryName(),
	}
	profile.Country = dataset.NormalizeKey(profile.Display)
	if user.Age != nil && *user.Age > 0 {
		profile.Age = *user.Age
	}
	return profile
}

// ScoreHistory returns the match score of a book against a rating history
// and the author it matched on, if any.
func (s *ContentScorer) ScoreHistory(profile *HistoryProfile, book *models.Book) (float64, string) {
	cfg := s.config.History
	score := 0.0

	matched := ""
	if mean, ok := profile.AuthorMeans[dataset.NormalizeKey(book.DisplayAuthor())]; ok {
		score += cfg.AuthorWeight * (mean / dataset.MaxRatingScore)
		matched = book.DisplayAuthor()
	}

	if book.HasYear() && profile.HasYear && cfg.EraWindow > 0 {
		diff := math.Abs(float64(*book.Year) - profile.MeanYear)
		score += cfg.EraWeight * math.Max(0, 1-diff/cfg.EraWindow)
	}

	diff := math.Abs(book.AvgRating - profile.MeanRating)
	score += cfg.QualityWeight * math.Max(0, 1-diff/dataset.MaxRatingScore)

	if cfg.PopularityCap > 0 {
		score += cfg.PopularityWeight * math.Min(1, float64(book.RatingCount)/cfg.PopularityCap)
	}

	return score, matched
}

func ageBandScore(age int, year int) float64 {
	switch {
	case age < 25:
		if year >= 2000 {
			return 1.0
		}
		return 0.5
	case age < 40:
		if year >= 1990 {
			return 1.0
		}
		return 0.7
	default:
		if year <= 2000 {
			return 1.0
		}
		return 0.8
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func localeScore(country string, book *models.Book) float64 {
	if country == "" {
		return 0
	}
	if _, ok := englishSpeakingCountries[country]; ok {
		if containsAny(dataset.NormalizeKey(book.Author), englishGivenNames) {
			return 0.8
		}
		return 0
	}
	if _, ok := europeanCountries[country]; ok {
		if containsAny(dataset.NormalizeKey(book.Title), europeanPlaces) {
			return 0.8
		}
		return 0
	}
	return 0.5
}

// ScoreDemographic returns the match score of a book against a
// demographic profile.
func (s *ContentScorer) ScoreDemographic(profile *DemographicProfile, book *models.Book) float64 {
	cfg := s.config.Demographic
	score := 0.0

	if profile.Age > 0 && book.HasYear() {
		score += cfg.AgeWeight * ageBandScore(profile.Age, *book.Year)
	}

	score += cfg.LocaleWeight * localeScore(profile.Country, book)

	quality := book.AvgRating / dataset.MaxRatingScore
	popularity := math.Min(1, float64(book.RatingCount)/100)
	score += cfg.QualityWeight * (quality + popularity) / 2

	return score
}

func demographicReason(profile *DemographicProfile, book *models.Book, score float64) string {
	var reasons []string
	switch {
	case profile.Age > 0 && profile.Age < 25:
		reasons = append(reasons, "suited to young readers")
	case profile.Age > 40:
		reasons = append(reasons, "suited to mature readers")
	}
	if profile.Display != "" {
		reasons = append(reasons, "recommended for readers in "+profile.Display)
	}
	if book.AvgRating >= 4.0 {
		reasons = append(reasons, "highly rated")
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("Profile match %.2f", score)
	}
	return strings.Join(reasons, ", ")
}

// ItemSimilarity scores two books by shared author and publisher and by
// closeness of year and average rating.
func (s *ContentScorer) ItemSimilarity(a, b *models.Book) float64 {
	cfg := s.config.Similarity
	score := 0.0

	if author := dataset.NormalizeKey(a.Author); author != "" && author == dataset.NormalizeKey(b.Author) {
		score += cfg.AuthorWeight
	}
	if publisher := dataset.NormalizeKey(a.Publisher); publisher != "" && publisher == dataset.NormalizeKey(b.Publisher) {
		score += cfg.PublisherWeight
	}
	if a.HasYear() && b.HasYear() && cfg.YearDecay > 0 {
		diff := math.Abs(float64(*a.Year - *b.Year))
		score += cfg.YearWeight * math.Max(0, 1-diff/cfg.YearDecay)
	}
	if cfg.RatingDecay > 0 {
		diff := math.Abs(a.AvgRating - b.AvgRating)
		score += cfg.RatingWeight * math.Max(0, 1-diff/cfg.RatingDecay)
	}

	return score
}

type scoredMatch struct {
	match models.ContentMatch
	rank  int
}

// rankMatches orders by score desc, then catalog quality, and truncates.
func rankMatches(snap *dataset.Snapshot, matches []models.ContentMatch, limit int) []models.ContentMatch {
	scored := make([]scoredMatch, len(matches))
	for i, m := range matches {
		scored[i] = scoredMatch{match: m, rank: snap.QualityRank(m.BookID)}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].match.Score != scored[j].match.Score {
			return scored[i].match.Score > scored[j].match.Score
		}
		return scored[i].rank < scored[j].rank
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]models.ContentMatch, len(scored))
	for i := range scored {
		out[i] = scored[i].match
	}
	return out
}

// RecommendByHistory scores every unrated book against the user's rating
// history.
func (s *ContentScorer) RecommendByHistory(ctx context.Context, snap *dataset.Snapshot, userID int64, topN int) (result []models.ContentMatch) {
	defer recoverEmpty(s.logger, "content.recommend_by_history", &result)

	if snap == nil {
		return nil
	}
	profile := s.BuildHistoryProfile(snap, userID)
	if profile == nil {
		return nil
	}

	var matches []models.ContentMatch
	for _, bookID := range snap.QualityOrdered() {
		if ctx.Err() != nil {
			return nil
		}
		if _, rated := profile.Rated[bookID]; rated {
			continue
		}
		book := snap.Book(bookID)
		score, author := s.ScoreHistory(profile, book)
		if score <= s.config.History.MinScore {
			continue
		}
		reason := "Matches your reading history"
		if author != "" {
			reason = "Because you rated books by " + author
		}
		matches = append(matches, models.ContentMatch{BookID: bookID, Score: score, Reason: reason})
	}

	return rankMatches(snap, matches, topN)
}

// RecommendByDemographics scores the quality pool against the user's
// stored features.
func (s *ContentScorer) RecommendByDemographics(ctx context.Context, snap *dataset.Snapshot, userID int64, topN int) (result []models.ContentMatch) {
	defer recoverEmpty(s.logger, "content.recommend_by_demographics", &result)

	if snap == nil {
		return nil
	}
	profile := s.BuildDemographicProfile(snap.User(userID))
	if profile == nil {
		return nil
	}

	cfg := s.config.Demographic
	rated := snap.RatingsForUser(userID)

	var matches []models.ContentMatch
	for _, bookID := range snap.QualityOrdered() {
		if ctx.Err() != nil {
			return nil
		}
		book := snap.Book(bookID)
		if book.RatingCount < cfg.MinRatingCount || book.AvgRating < cfg.MinAvgRating {
			continue
		}
		if _, ok := rated[bookID]; ok {
			continue
		}
		score := s.ScoreDemographic(profile, book)
		if score <= cfg.MinScore {
			continue
		}
		matches = append(matches, models.ContentMatch{
			BookID: bookID,
			Score:  score,
			Reason: demographicReason(profile, book, score),
		})
	}

	return rankMatches(snap, matches, topN)
}

// RecommendByProfile uses the rating history when the user has one and
// falls back to demographic features otherwise.
func (s *ContentScorer) RecommendByProfile(ctx context.Context, snap *dataset.Snapshot, userID int64, topN int) []models.ContentMatch {
	if snap != nil && len(snap.RatingsForUser(userID)) > 0 {
		if matches := s.RecommendByHistory(ctx, snap, userID, topN); len(matches) > 0 {
			return matches
		}
	}
	return s.RecommendByDemographics(ctx, snap, userID, topN)
}

// contentCandidates prefilters books that could resemble target.
func (s *ContentScorer) contentCandidates(snap *dataset.Snapshot, target *models.Book) []string {
	cfg := s.config.Similarity

	seen := map[string]struct{}{target.BookID: {}}
	var out []string
	add := func(ids []string, limit int) {
		added := 0
		for _, id := range ids {
			if limit > 0 && added >= limit {
				return
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
			added++
		}
	}

	if target.Author != "" {
		add(snap.BooksByAuthor(target.Author), 0)
	}
	if target.Publisher != "" {
		add(snap.BooksByPublisher(target.Publisher), 0)
	}
	if target.HasYear() {
		add(snap.BooksInYearRange(*target.Year-cfg.YearWindow, *target.Year+cfg.YearWindow), cfg.YearCap)
	}
	if len(out) < cfg.BackfillBelow {
		var quality []string
		for _, id := range snap.QualityOrdered() {
			b := snap.Book(id)
			if b.AvgRating < 4.0 {
				break
			}
			if b.RatingCount >= 20 {
				quality = append(quality, id)
			}
		}
		add(quality, cfg.BackfillCap)
	}

	if cfg.MaxCandidates > 0 && len(out) > cfg.MaxCandidates {
		out = out[:cfg.MaxCandidates]
	}
	return out
}

// SimilarByContent returns books whose metadata resembles bookID.
func (s *ContentScorer) SimilarByContent(ctx context.Context, snap *dataset.Snapshot, bookID string, topK int) (result []models.ContentMatch) {
	defer recoverEmpty(s.logger, "content.similar_by_content", &result)

	if snap == nil {
		return nil
	}
	target := snap.Book(bookID)
	if target == nil {
		return nil
	}

	candidates := s.contentCandidates(snap, target)
	var matches []models.ContentMatch
	for _, id := range candidates {
		if ctx.Err() != nil {
			return nil
		}
		sim := s.ItemSimilarity(target, snap.Book(id))
		if sim <= s.config.Similarity.MinScore {
			continue
		}
		matches = append(matches, models.ContentMatch{
			BookID: id,
			Score:  sim,
			Reason: fmt.Sprintf("Content similarity %.2f", sim),
		})
	}

	s.logger.WithFields(logrus.Fields{
		"book_id":    bookID,
		"candidates": len(candidates),
		"matches":    len(matches),
	}).Debug("Content similarity computed")

	return rankMatches(snap, matches, topK)
}
