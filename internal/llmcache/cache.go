// Package llmcache is a content-addressed cache for model completions.
// Keys are computed by the caller (a hash of model, messages, and
// generation options); values are full chat results so cache hits keep
// their token counts for cost accounting.
package llmcache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/corpusqa/corpusqa/internal/providers"
)

// Config configures a completion cache.
type Config struct {
	// MaxEntries bounds the in-memory LRU (default: 4096).
	MaxEntries int

	// Dir, when set, enables disk write-through: one JSON file per key.
	// Entries evicted from memory are still served from disk.
	Dir string

	Logger *slog.Logger
}

// Cache is an in-memory LRU with optional disk write-through.
type Cache struct {
	lru    *lru.Cache[string, *providers.ChatResult]
	dir    string
	logger *slog.Logger
}

// New creates a completion cache.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 4096
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l, err := lru.New[string, *providers.ChatResult](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU: %w", err)
	}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
	}

	return &Cache{
		lru:    l,
		dir:    cfg.Dir,
		logger: logger.With("component", "llmcache"),
	}, nil
}

// Get returns a cached result by key.
func (c *Cache) Get(key string) (*providers.ChatResult, bool) {
	if result, ok := c.lru.Get(key); ok {
		return result, true
	}
	if c.dir == "" {
		return nil, false
	}

	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}
	var result providers.ChatResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Warn("discarding unreadable cache file", "key", key, "error", err)
		_ = os.Remove(c.path(key))
		return nil, false
	}
	c.lru.Add(key, &result)
	return &result, true
}

// Put stores a result under key. Disk write failures are logged, never
// surfaced; the cache is best-effort.
func (c *Cache) Put(key string, result *providers.ChatResult) {
	c.lru.Add(key, result)
	if c.dir == "" {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("failed to serialize cache entry", "key", key, "error", err)
		return
	}
	tmp := c.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Warn("failed to write cache entry", "key", key, "error", err)
		return
	}
	if err := os.Rename(tmp, c.path(key)); err != nil {
		c.logger.Warn("failed to finalize cache entry", "key", key, "error", err)
	}
}

// Len returns the number of in-memory entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// Verify interface
var _ providers.CompletionCache = (*Cache)(nil)
