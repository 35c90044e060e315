package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/pkg/models"
)

const mergeRatingsCypher = `
	UNWIND $ratings AS r
	MERGE (u:User {user_id: r.user_id})
	MERGE (b:Book {book_id: r.book_id})
	MERGE (u)-[rated:RATED]->(b)
	SET rated.rating = r.rating, rated.timestamp = r.timestamp`

// RatingGraph mirrors applied ratings into Neo4j as
// (:User)-[:RATED]->(:Book) relationships.
type RatingGraph struct {
	driver    neo4j.DriverWithContext
	batchSize int
	logger    *logrus.Logger
}

func NewRatingGraph(driver neo4j.DriverWithContext, batchSize int, logger *logrus.Logger) *RatingGraph {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RatingGraph{
		driver:    driver,
		batchSize: batchSize,
		logger:    logger,
	}
}

// ratingRows converts ratings into Cypher parameter rows.
func ratingRows(ratings []models.Rating) []map[string]interface{} {
	rows := make([]map[string]interface{}, len(ratings))
	for i, r := range ratings {
		rows[i] = map[string]interface{}{
			"user_id":   r.UserID,
			"book_id":   r.BookID,
			"rating":    r.Score,
			"timestamp": r.Timestamp.UTC().UnixMilli(),
		}
	}
	return rows
}

// batches splits ratings into chunks of at most size.
func batches(ratings []models.Rating, size int) [][]models.Rating {
	var out [][]models.Rating
	for start := 0; start < len(ratings); start += size {
		end := min(start+size, len(ratings))
		out = append(out, ratings[start:end])
	}
	return out
}

// MergeRatings upserts the ratings in batches, one write transaction each.
func (g *RatingGraph) MergeRatings(ctx context.Context, ratings []models.Rating) error {
	if len(ratings) == 0 {
		return nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, batch := range batches(ratings, g.batchSize) {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
			result, err := tx.Run(ctx, mergeRatingsCypher, map[string]interface{}{
				"ratings": ratingRows(batch),
			})
			if err != nil {
				return nil, err
			}

			summary, err := result.Consume(ctx)
			if err != nil {
				return nil, err
			}

			return summary.Counters(), nil
		})
		if err != nil {
			return fmt.Errorf("failed to merge rating batch: %w", err)
		}
	}

	g.logger.WithField("ratings", len(ratings)).Debug("Mirrored ratings into Neo4j")
	return nil
}

// Ping verifies connectivity for health checks.
func (g *RatingGraph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}
