package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/config"
	"github.com/temcen/bookrex/pkg/models"
)

// BadgerRecommendationCache keeps cache entries in an embedded badger
// database. An empty badger_path runs it in memory.
type BadgerRecommendationCache struct {
	db     *badger.DB
	ttl    time.Duration
	prefix string
	logger *logrus.Logger
	now    func() time.Time
}

func NewBadgerRecommendationCache(cfg *config.CachingConfig, logger *logrus.Logger) (*BadgerRecommendationCache, error) {
	opts := badger.DefaultOptions(cfg.BadgerPath).WithLogger(nil)
	if cfg.BadgerPath == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache: %w", err)
	}

	return &BadgerRecommendationCache{
		db:     db,
		ttl:    cfg.RecommendationsTTL,
		prefix: cfg.KeyPrefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (c *BadgerRecommendationCache) Get(ctx context.Context, userID int64) (*models.CacheEntry, error) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cacheKey(c.prefix, userID)))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
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

func (c *BadgerRecommendationCache) Put(ctx context.Context, entry *models.CacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(cacheKey(c.prefix, entry.UserID)), data)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		if err := txn.SetEntry(e); err != nil {
			return fmt.Errorf("failed to write cache: %w", err)
		}
		return nil
	})
}

func (c *BadgerRecommendationCache) Invalidate(ctx context.Context, userID int64) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(cacheKey(c.prefix, userID)))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

func (c *BadgerRecommendationCache) Clear(ctx context.Context) error {
	prefix := cacheKey(c.prefix, 0)
	prefix = prefix[:len(prefix)-1]
	if err := c.db.DropPrefix([]byte(prefix)); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func (c *BadgerRecommendationCache) Close() error {
	return c.db.Close()
}
