// Package cache provides caching for serialized result tables and small
// query responses served by the job daemon.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ResultCacheSizeMB int
	ResultTTL         time.Duration
	QueryCacheSize    int
}

// Manager manages the result and query caches. Results are immutable once a
// run completes, so TTL is a memory bound, not a consistency mechanism.
type Manager struct {
	resultCache *bigcache.BigCache
	queryCache  *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	resultCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.ResultTTL,
		CleanWindow:        cfg.ResultTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       4 * 1024 * 1024, // 4MB per serialized table
		HardMaxCacheSize:   cfg.ResultCacheSizeMB,
		Verbose:            false,
	}

	resultCache, err := bigcache.New(context.Background(), resultCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		resultCache: resultCache,
		queryCache:  queryCache,
	}, nil
}

// GetResult retrieves a serialized result table from cache.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	data, err := m.resultCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetResult stores a serialized result table in cache.
func (m *Manager) SetResult(key string, data []byte) error {
	return m.resultCache.Set(key, data)
}

// GetQuery retrieves a query response from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query response in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// ResultKey generates a cache key for one result table of a run.
func ResultKey(runID, kind string, parts ...string) string {
	key := fmt.Sprintf("result:%s:%s", runID, kind)
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"result_cache_len": m.resultCache.Len(),
		"result_cache_cap": m.resultCache.Capacity(),
		"query_cache_len":  m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.resultCache.Close()
}
