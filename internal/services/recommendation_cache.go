package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/config"
	"github.com/temcen/bookrex/pkg/models"
)

// RecommendationCache stores one recommendation list per user. Get returns
// ErrCacheMiss for absent, expired or unreadable entries.
type RecommendationCache interface {
	Get(ctx context.Context, userID int64) (*models.CacheEntry, error)
	Put(ctx context.Context, entry *models.CacheEntry) error
	Invalidate(ctx context.Context, userID int64) error
	Clear(ctx context.Context) error
	Close() error
}

// NewRecommendationCache builds the backend named by caching.backend.
func NewRecommendationCache(cfg *config.CachingConfig, redisClient *redis.Client, logger *logrus.Logger) (RecommendationCache, error) {
	switch cfg.Backend {
	case "", "redis":
		if redisClient == nil {
			return nil, errors.New("redis cache backend requires a redis client")
		}
		return NewRedisRecommendationCache(redisClient, cfg, logger), nil
	case "badger":
		return NewBadgerRecommendationCache(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func cacheKey(prefix string, userID int64) string {
	if prefix == "" {
		prefix = "recommendations"
	}
	return prefix + ":" + strconv.FormatInt(userID, 10)
}

// decodeEntry unmarshals a stored entry and checks its age against ttl.
func decodeEntry(data []byte, ttl time.Duration, now time.Time) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}
	if ttl > 0 && now.Sub(entry.CreatedAt) >= ttl {
		return nil, ErrCacheMiss
	}
	return &entry, nil
}

type RedisRecommendationCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *logrus.Logger
	now    func() time.Time
}

func NewRedisRecommendationCache(client *redis.Client, cfg *config.CachingConfig, logger *logrus.Logger) *RedisRecommendationCache {
	return &RedisRecommendationCache{
		client: client,
		ttl:    cfg.RecommendationsTTL,
		prefix: cfg.KeyPrefix,
		logger: logger,
		now:    time.Now,
	}
}

func (c *RedisRecommendationCache) Get(ctx context.Context, userID int64) (*models.CacheEntry, error) {
	data, err := c.client.Get(ctx, cacheKey(c.prefix, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}

	entry, err := decodeEntry(data, c.ttl, c.now())
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.WithError(err).WithField("user_id", userID).Warn("Discarding unreadable cache entry")
		}
		return nil, ErrCacheMiss
	}
	return entry, nil
}

func (c *RedisRecommendationCache) Put(ctx context.Context, entry *models.CacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(c.prefix, entry.UserID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

func (c *RedisRecommendationCache) Invalidate(ctx context.Context, userID int64) error {
	if err := c.client.Del(ctx, cacheKey(c.prefix, userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

// Clear deletes every key under the cache prefix.
func (c *RedisRecommendationCache) Clear(ctx context.Context) error {
	pattern := cacheKey(c.prefix, 0)
	pattern = pattern[:len(pattern)-1] + "*"

	iter := c.client.Scan(ctx, 0, pattern, 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the redis client is owned by database.Database.
func (c *RedisRecommendationCache) Close() error {
	return nil
}
