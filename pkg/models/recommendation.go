package models

import "time"

// Algorithm tags attached to recommended items and results.
const (
	AlgorithmCollaborative     = "collaborative"
	AlgorithmItemCollaborative = "item_collaborative"
	AlgorithmContentHistory    = "content_history"
	AlgorithmContentProfile    = "content_profile"
	AlgorithmContentSimilarity = "content_similarity"
	AlgorithmSameAuthor        = "same_author"
	AlgorithmFallback          = "fallback"
	AlgorithmHybrid            = "hybrid"
)

type SimilarUser struct {
	UserID       int64   `json:"user_id"`
	Similarity   float64 `json:"similarity"`
	SupportCount int     `json:"support_count"`
}

type SimilarItem struct {
	BookID       string  `json:"book_id"`
	Similarity   float64 `json:"similarity"`
	SupportCount int     `json:"support_count"`
}

type Prediction struct {
	BookID         string  `json:"book_id"`
	PredictedScore float64 `json:"predicted_score"`
	SupportCount   int     `json:"support_count"`
	Algorithm      string  `json:"algorithm"`
}

// ContentMatch is a content scorer hit for a single book.
type ContentMatch struct {
	BookID string  `json:"book_id"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Recommendation is the enriched record returned to callers. Exactly one
// of PredictedRating, ContentScore and Similarity is set.
type Recommendation struct {
	BookID          string   `json:"book_id"`
	Title           string   `json:"title"`
	Author          string   `json:"author"`
	Publisher       string   `json:"publisher"`
	Year            *int     `json:"year"`
	ImageURLSmall   *string  `json:"image_url_s"`
	ImageURLMed     *string  `json:"image_url_m"`
	ImageURLLarge   *string  `json:"image_url_l"`
	AvgRating       float64  `json:"avg_rating"`
	RatingCount     int      `json:"rating_count"`
	PredictedRating *float64 `json:"predicted_rating,omitempty"`
	ContentScore    *float64 `json:"content_score,omitempty"`
	Similarity      *float64 `json:"similarity,omitempty"`
	Algorithm       string   `json:"algorithm"`
	Reason          string   `json:"reason"`
}

type RecommendationResult struct {
	UserID      int64            `json:"user_id"`
	Algorithm   string           `json:"algorithm"`
	Items       []Recommendation `json:"recommendations"`
	CacheHit    bool             `json:"cache_hit"`
	GeneratedAt time.Time        `json:"generated_at"`
}

type SimilarBooksResult struct {
	BookID      string           `json:"book_id"`
	Algorithm   string           `json:"algorithm"`
	Items       []Recommendation `json:"similar_books"`
	GeneratedAt time.Time        `json:"generated_at"`
}

type SimilarUsersResult struct {
	UserID      int64         `json:"user_id"`
	Users       []SimilarUser `json:"similar_users"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// CacheEntry is the persisted per-user cache record.
type CacheEntry struct {
	UserID         int64            `json:"user_id"`
	Algorithm      string           `json:"algorithm"`
	Items          []Recommendation `json:"recommendations"`
	RequestedCount int              `json:"requested_count"`
	MinRating      float64          `json:"min_rating"`
	CreatedAt      time.Time        `json:"created_at"`
}

// AlgorithmInfo describes one scoring strategy and its active parameters.
type AlgorithmInfo struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type AlgorithmCatalog struct {
	Algorithms []AlgorithmInfo `json:"available_algorithms"`
	Service    ServiceInfo     `json:"service_info"`
}

type ServiceInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}
