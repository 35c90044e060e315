package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/temcen/bookrex/pkg/models"
)

// Source loads catalog, user and rating rows from the system of record.
// A zero since loads everything.
type Source interface {
	LoadBooks(ctx context.Context, since time.Time) ([]models.Book, error)
	LoadUsers(ctx context.Context, userIDs []int64) ([]models.User, error)
	LoadRatings(ctx context.Context, since time.Time) ([]models.Rating, error)
}

// DatabaseQuerier interface for database operations (allows mocking)
type DatabaseQuerier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

type PostgresSource struct {
	db DatabaseQuerier
}

func NewPostgresSource(db DatabaseQuerier) *PostgresSource {
	return &PostgresSource{db: db}
}

const booksQuery = `
	SELECT book_id, COALESCE(title, ''), COALESCE(author, ''), COALESCE(publisher, ''),
	       year, image_url_s, image_url_m, image_url_l,
	       COALESCE(avg_rating, 0), COALESCE(rating_count, 0), updated_at
	FROM books
	WHERE rating_count > 0`

func (s *PostgresSource) LoadBooks(ctx context.Context, since time.Time) ([]models.Book, error) {
	query := booksQuery
	var args []interface{}
	if !since.IsZero() {
		query += " AND updated_at > $1"
		args = append(args, since)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query books: %w", err)
	}
	defer rows.Close()

	var books []models.Book
	for rows.Next() {
		var b models.Book
		if err := rows.Scan(
			&b.BookID, &b.Title, &b.Author, &b.Publisher,
			&b.Year, &b.ImageURLSmall, &b.ImageURLMed, &b.ImageURLLarge,
			&b.AvgRating, &b.RatingCount, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan book: %w", err)
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate books: %w", err)
	}

	return books, nil
}

const usersQuery = `
	SELECT user_id, age, COALESCE(country, ''), COALESCE(location, '')
	FROM users`

func (s *PostgresSource) LoadUsers(ctx context.Context, userIDs []int64) ([]models.User, error) {
	query := usersQuery
	var args []interface{}
	if userIDs != nil {
		if len(userIDs) == 0 {
			return nil, nil
		}
		query += " WHERE user_id = ANY($1)"
		args = append(args, userIDs)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.UserID, &u.Age, &u.Country, &u.Location); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}

	return users, nil
}

const ratingsQuery = `
	SELECT user_id, book_id, rating, created_at
	FROM ratings
	WHERE rating > 0`

func (s *PostgresSource) LoadRatings(ctx context.Context, since time.Time) ([]models.Rating, error) {
	query := ratingsQuery
	var args []interface{}
	if !since.IsZero() {
		query += " AND created_at > $1"
		args = append(args, since)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ratings: %w", err)
	}
	defer rows.Close()

	var ratings []models.Rating
	for rows.Next() {
		var r models.Rating
		if err := rows.Scan(&r.UserID, &r.BookID, &r.Score, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan rating: %w", err)
		}
		ratings = append(ratings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ratings: %w", err)
	}

	return ratings, nil
}
