package lsm

import (
	"strconv"

	"github.com/dgraph-io/ristretto"
	"github.com/pingcap/errors"
	"golang.org/x/sync/singleflight"
)

// BlockCache is shared by every table of an engine. Entries are keyed by
// (table id, block index); table ids are never reused, so entries of a
// deleted table simply age out.
type BlockCache struct {
	cache *ristretto.Cache
	group singleflight.Group
}

// NewBlockCache creates a cache bounded to roughly maxBytes of decoded blocks.
// A zero size disables caching.
func NewBlockCache(maxBytes int64) (*BlockCache, error) {
	if maxBytes <= 0 {
		return &BlockCache{}, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		// About ten counters per 4KB block that fits.
		NumCounters: max(maxBytes/4096*10, 1024),
		MaxCost:     int64(float64(maxBytes) * 0.95),
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create block cache")
	}
	return &BlockCache{cache: cache}, nil
}

func blockCacheKey(tableID uint64, idx int) uint64 {
	return tableID<<32 | uint64(uint32(idx))
}

// GetOrLoad returns the cached block or calls load. Concurrent misses on the
// same block share a single load.
func (c *BlockCache) GetOrLoad(tableID uint64, idx int, load func() (*Block, error)) (*Block, error) {
	if c == nil || c.cache == nil {
		return load()
	}
	key := blockCacheKey(tableID, idx)
	if v, ok := c.cache.Get(key); ok {
		return v.(*Block), nil
	}
	v, err, _ := c.group.Do(strconv.FormatUint(key, 16), func() (interface{}, error) {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
		blk, err := load()
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, blk, int64(blk.Size()))
		return blk, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Block), nil
}

// Close releases the cache's background goroutines.
func (c *BlockCache) Close() {
	if c != nil && c.cache != nil {
		c.cache.Close()
	}
}
