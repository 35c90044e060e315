package services

import (
	"fmt"
	"strconv"

	"github.com/dgraph-io/ristretto/v2"
)

type pairScore struct {
	Similarity float64
	Support    int
}

// PairCache memoizes item-item similarity. Keys are unordered pairs scoped
// to a snapshot version, so both orderings share one entry and refreshed
// data is never answered from an older version.
type PairCache struct {
	cache *ristretto.Cache[string, pairScore]
}

func NewPairCache(maxEntries int64) (*PairCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1_000_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, pairScore]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pair cache: %w", err)
	}
	return &PairCache{cache: cache}, nil
}

func pairKey(version uint64, a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strconv.FormatUint(version, 10) + "\x00" + a + "\x00" + b
}

func (p *PairCache) Get(version uint64, a, b string) (pairScore, bool) {
	return p.cache.Get(pairKey(version, a, b))
}

func (p *PairCache) Set(version uint64, a, b string, score pairScore) {
	p.cache.Set(pairKey(version, a, b), score, 1)
}

// Wait blocks until buffered writes are applied.
func (p *PairCache) Wait() {
	p.cache.Wait()
}

func (p *PairCache) Close() {
	p.cache.Close()
}
