package dataset

import (
	"sort"
	"time"

	"github.com/temcen/bookrex/pkg/models"
)

const (
	MinRatingScore = 1.0
	MaxRatingScore = 5.0
)

// Snapshot is an immutable view of books, users and ratings. All maps
// returned by accessors are shared with the snapshot and must not be
// modified by callers.
type Snapshot struct {
	version uint64
	builtAt time.Time

	books   map[string]*models.Book
	users   map[int64]*models.User
	bookIDs []string

	userRatings map[int64]map[string]float64
	ratedAt     map[int64]map[string]time.Time
	itemRatings map[string]map[int64]float64
	userMeans   map[int64]float64
	ratingCount int
	skipped     int

	qualityOrder []string
	qualityRank  map[string]int
	byAuthor     map[string][]string
	byPublisher  map[string][]string
	byYear       map[int][]string

	// Newest merged timestamps, including pushed ratings. Reported in
	// Stats; refresh queries use the store's source watermarks instead.
	ratingsWatermark time.Time
	booksWatermark   time.Time
}

type Stats struct {
	Version          uint64    `json:"version"`
	Books            int       `json:"books"`
	Users            int       `json:"users"`
	Raters           int       `json:"raters"`
	Ratings          int       `json:"ratings"`
	SkippedRatings   int       `json:"skipped_ratings"`
	BuiltAt          time.Time `json:"built_at"`
	RatingsWatermark time.Time `json:"ratings_watermark"`
	BooksWatermark   time.Time `json:"books_watermark"`
}

// NewSnapshot builds a snapshot from raw rows. Ratings outside the
// [1,5] scale are skipped; duplicate (user, book) pairs keep the newest.
func NewSnapshot(version uint64, books []models.Book, users []models.User, ratings []models.Rating) *Snapshot {
	s := &Snapshot{
		version:     version,
		builtAt:     time.Now(),
		books:       make(map[string]*models.Book, len(books)),
		users:       make(map[int64]*models.User, len(users)),
		userRatings: make(map[int64]map[string]float64),
		ratedAt:     make(map[int64]map[string]time.Time),
		itemRatings: make(map[string]map[int64]float64),
		userMeans:   make(map[int64]float64),
	}

	for i := range books {
		b := books[i]
		s.books[b.BookID] = &b
	}
	for i := range users {
		u := users[i]
		s.users[u.UserID] = &u
	}

	touched := make(map[int64]struct{})
	for _, r := range ratings {
		if s.applyRating(r, nil, nil) {
			touched[r.UserID] = struct{}{}
		}
	}
	for userID := range touched {
		s.recomputeMean(userID)
	}

	s.rebuildBookIndexes()
	s.recountRatings()
	return s
}

// Merge returns a new snapshot with the given rows appended. Existing
// ratings are overwritten only by strictly newer or equally new rows.
// Inner maps of untouched users and books are shared with s.
func (s *Snapshot) Merge(ratings []models.Rating, books []models.Book, users []models.User) *Snapshot {
	if len(ratings) == 0 && len(books) == 0 && len(users) == 0 {
		return s
	}

	next := &Snapshot{
		version:          s.version + 1,
		builtAt:          time.Now(),
		books:            s.books,
		users:            s.users,
		bookIDs:          s.bookIDs,
		userRatings:      make(map[int64]map[string]float64, len(s.userRatings)),
		ratedAt:          make(map[int64]map[string]time.Time, len(s.ratedAt)),
		itemRatings:      make(map[string]map[int64]float64, len(s.itemRatings)),
		userMeans:        make(map[int64]float64, len(s.userMeans)),
		skipped:          s.skipped,
		qualityOrder:     s.qualityOrder,
		qualityRank:      s.qualityRank,
		byAuthor:         s.byAuthor,
		byPublisher:      s.byPublisher,
		byYear:           s.byYear,
		ratingsWatermark: s.ratingsWatermark,
		booksWatermark:   s.booksWatermark,
	}
	for k, v := range s.userRatings {
		next.userRatings[k] = v
	}
	for k, v := range s.ratedAt {
		next.ratedAt[k] = v
	}
	for k, v := range s.itemRatings {
		next.itemRatings[k] = v
	}
	for k, v := range s.userMeans {
		next.userMeans[k] = v
	}

	if len(books) > 0 {
		next.books = make(map[string]*models.Book, len(s.books)+len(books))
		for k, v := range s.books {
			next.books[k] = v
		}
		for i := range books {
			b := books[i]
			next.books[b.BookID] = &b
		}
	}
	if len(users) > 0 {
		next.users = make(map[int64]*models.User, len(s.users)+len(users))
		for k, v := range s.users {
			next.users[k] = v
		}
		for i := range users {
			u := users[i]
			next.users[u.UserID] = &u
		}
	}

	clonedUsers := make(map[int64]bool)
	clonedItems := make(map[string]bool)
	for _, r := range ratings {
		if next.applyRating(r, clonedUsers, clonedItems) {
			clonedUsers[r.UserID] = true
		}
	}
	for userID := range clonedUsers {
		next.recomputeMean(userID)
	}

	if len(books) > 0 {
		next.rebuildBookIndexes()
	}
	next.recountRatings()
	return next
}

// applyRating upserts a rating. When cloned sets are given, inner maps not
// yet in them are copied before the first write so shared maps stay intact.
func (s *Snapshot) applyRating(r models.Rating, clonedUsers map[int64]bool, clonedItems map[string]bool) bool {
	if r.BookID == "" || r.Score < MinRatingScore || r.Score > MaxRatingScore {
		s.skipped++
		return false
	}

	if prev, ok := s.ratedAt[r.UserID][r.BookID]; ok && prev.After(r.Timestamp) {
		return false
	}

	if clonedUsers != nil && !clonedUsers[r.UserID] {
		s.userRatings[r.UserID] = cloneMap(s.userRatings[r.UserID])
		s.ratedAt[r.UserID] = cloneMap(s.ratedAt[r.UserID])
		clonedUsers[r.UserID] = true
	}
	if clonedItems != nil && !clonedItems[r.BookID] {
		s.itemRatings[r.BookID] = cloneMap(s.itemRatings[r.BookID])
		clonedItems[r.BookID] = true
	}

	if s.userRatings[r.UserID] == nil {
		s.userRatings[r.UserID] = make(map[string]float64)
		s.ratedAt[r.UserID] = make(map[string]time.Time)
	}
	if s.itemRatings[r.BookID] == nil {
		s.itemRatings[r.BookID] = make(map[int64]float64)
	}

	s.userRatings[r.UserID][r.BookID] = r.Score
	s.ratedAt[r.UserID][r.BookID] = r.Timestamp
	s.itemRatings[r.BookID][r.UserID] = r.Score

	if r.Timestamp.After(s.ratingsWatermark) {
		s.ratingsWatermark = r.Timestamp
	}
	return true
}

func (s *Snapshot) recomputeMean(userID int64) {
	ratings := s.userRatings[userID]
	if len(ratings) == 0 {
		delete(s.userMeans, userID)
		return
	}
	var sum float64
	for _, score := range ratings {
		sum += score
	}
	s.userMeans[userID] = sum / float64(len(ratings))
}

func (s *Snapshot) recountRatings() {
	n := 0
	for _, ratings := range s.userRatings {
		n += len(ratings)
	}
	s.ratingCount = n
}

func (s *Snapshot) rebuildBookIndexes() {
	s.bookIDs = make([]string, 0, len(s.books))
	for id, b := range s.books {
		s.bookIDs = append(s.bookIDs, id)
		if b.UpdatedAt.After(s.booksWatermark) {
			s.booksWatermark = b.UpdatedAt
		}
	}
	sort.Strings(s.bookIDs)

	s.qualityOrder = make([]string, len(s.bookIDs))
	copy(s.qualityOrder, s.bookIDs)
	sort.SliceStable(s.qualityOrder, func(i, j int) bool {
		return QualityLess(s.books[s.qualityOrder[i]], s.books[s.qualityOrder[j]])
	})

	s.qualityRank = make(map[string]int, len(s.qualityOrder))
	s.byAuthor = make(map[string][]string)
	s.byPublisher = make(map[string][]string)
	s.byYear = make(map[int][]string)
	for rank, id := range s.qualityOrder {
		b := s.books[id]
		s.qualityRank[id] = rank
		if key := NormalizeKey(b.Author); key != "" {
			s.byAuthor[key] = append(s.byAuthor[key], id)
		}
		if key := NormalizeKey(b.Publisher); key != "" {
			s.byPublisher[key] = append(s.byPublisher[key], id)
		}
		if b.HasYear() {
			s.byYear[*b.Year] = append(s.byYear[*b.Year], id)
		}
	}
}

// QualityLess orders books by average rating, then rating count, then id.
func QualityLess(a, b *models.Book) bool {
	if a.AvgRating != b.AvgRating {
		return a.AvgRating > b.AvgRating
	}
	if a.RatingCount != b.RatingCount {
		return a.RatingCount > b.RatingCount
	}
	return a.BookID < b.BookID
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) RatingsForUser(userID int64) map[string]float64 {
	return s.userRatings[userID]
}

func (s *Snapshot) RatingsForBook(bookID string) map[int64]float64 {
	return s.itemRatings[bookID]
}

// RatedAt returns when the user rated the book.
func (s *Snapshot) RatedAt(userID int64, bookID string) time.Time {
	return s.ratedAt[userID][bookID]
}

func (s *Snapshot) HasRated(userID int64, bookID string) bool {
	_, ok := s.userRatings[userID][bookID]
	return ok
}

// UserMean returns the user's mean given rating.
func (s *Snapshot) UserMean(userID int64) (float64, bool) {
	mean, ok := s.userMeans[userID]
	return mean, ok
}

func (s *Snapshot) Book(bookID string) *models.Book {
	return s.books[bookID]
}

func (s *Snapshot) User(userID int64) *models.User {
	return s.users[userID]
}

// Books returns all book ids sorted ascending.
func (s *Snapshot) Books() []string {
	return s.bookIDs
}

func (s *Snapshot) BookCount() int { return len(s.books) }

// QualityOrdered returns every book id ordered by QualityLess.
func (s *Snapshot) QualityOrdered() []string {
	return s.qualityOrder
}

// QualityRank returns the position of the book in QualityOrdered.
func (s *Snapshot) QualityRank(bookID string) int {
	if rank, ok := s.qualityRank[bookID]; ok {
		return rank
	}
	return len(s.qualityOrder)
}

// BooksByAuthor returns books by the author, best quality first.
func (s *Snapshot) BooksByAuthor(author string) []string {
	return s.byAuthor[NormalizeKey(author)]
}

// BooksByPublisher returns books from the publisher, best quality first.
func (s *Snapshot) BooksByPublisher(publisher string) []string {
	return s.byPublisher[NormalizeKey(publisher)]
}

// BooksInYearRange returns books published in [from, to], best quality first.
func (s *Snapshot) BooksInYearRange(from, to int) []string {
	var ids []string
	for year := from; year <= to; year++ {
		ids = append(ids, s.byYear[year]...)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.qualityRank[ids[i]] < s.qualityRank[ids[j]]
	})
	return ids
}

func (s *Snapshot) Stats() Stats {
	return Stats{
		Version:          s.version,
		Books:            len(s.books),
		Users:            len(s.users),
		Raters:           len(s.userRatings),
		Ratings:          s.ratingCount,
		SkippedRatings:   s.skipped,
		BuiltAt:          s.builtAt,
		RatingsWatermark: s.ratingsWatermark,
		BooksWatermark:   s.booksWatermark,
	}
}
