package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type User struct {
	UserID   int64  `json:"user_id"`
	Age      *int   `json:"age,omitempty"`
	Country  string `json:"country,omitempty"`
	Location string `json:"location,omitempty"`
}

// HasFeatures reports whether the user carries any demographic signal.
func (u *User) HasFeatures() bool {
	if u == nil {
		return false
	}
	return (u.Age != nil && *u.Age > 0) || strings.TrimSpace(u.Country) != "" || strings.TrimSpace(u.Location) != ""
}

// CountryName returns the stored country, or the last component of a
// "city, region, country" location string.
func (u *User) CountryName() string {
	if u == nil {
		return ""
	}
	if c := strings.TrimSpace(u.Country); c != "" {
		return c
	}
	parts := strings.Split(u.Location, ",")
	return strings.TrimSpace(parts[len(parts)-1])
}

type Rating struct {
	UserID    int64     `json:"user_id"`
	BookID    string    `json:"book_id"`
	Score     float64   `json:"rating"`
	Timestamp time.Time `json:"timestamp"`
}

// RatingEvent announces a change to a user's rating set.
type RatingEvent struct {
	EventID   uuid.UUID `json:"event_id"`
	UserID    int64     `json:"user_id" validate:"required,gt=0"`
	BookID    string    `json:"book_id" validate:"required,max=32"`
	Rating    float64   `json:"rating" validate:"gte=1,lte=5"`
	Timestamp time.Time `json:"timestamp"`
}

func (e RatingEvent) ToRating() Rating {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Rating{
		UserID:    e.UserID,
		BookID:    e.BookID,
		Score:     e.Rating,
		Timestamp: ts,
	}
}
