package models

import "time"

// DefaultAuthor is reported for books whose author is missing.
const DefaultAuthor = "Unknown"

type Book struct {
	BookID        string    `json:"book_id"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	Publisher     string    `json:"publisher"`
	Year          *int      `json:"year"`
	ImageURLSmall *string   `json:"image_url_s"`
	ImageURLMed   *string   `json:"image_url_m"`
	ImageURLLarge *string   `json:"image_url_l"`
	AvgRating     float64   `json:"avg_rating"`
	RatingCount   int       `json:"rating_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasYear reports whether the publication year is known and plausible.
func (b *Book) HasYear() bool {
	return b.Year != nil && *b.Year > 0
}

// DisplayAuthor returns the author or DefaultAuthor when it is empty.
func (b *Book) DisplayAuthor() string {
	if b.Author == "" {
		return DefaultAuthor
	}
	return b.Author
}
