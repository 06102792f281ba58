package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Entry is the on-disk shape of one cached model result.
type Entry struct {
	Result      string `json:"result"`
	CreatedAt   string `json:"created_at"`
	TokensSaved int64  `json:"tokens_saved"`
	Model       string `json:"model"`
	PromptHash  string `json:"prompt_hash"`
}

// Stats summarizes cache effectiveness for one run.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	TokensSaved int64   `json:"tokens_saved"`
}

// QueryCache stores model results keyed by the exact prompt, context, and
// model. Entries live as one JSON file per key with a hot in-memory layer in
// front; expired and corrupt files are removed on read.
type QueryCache struct {
	dir string
	ttl time.Duration

	memory *gocache.Cache

	mu          sync.Mutex
	hits        int64
	misses      int64
	tokensSaved int64
}

// NewQueryCache creates the cache directory if needed.
func NewQueryCache(dir string, ttl time.Duration) (*QueryCache, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &QueryCache{
		dir:    dir,
		ttl:    ttl,
		memory: gocache.New(ttl, 10*time.Minute),
	}, nil
}

// Key derives the content-addressed cache key for a query.
func Key(prompt, context, model string) string {
	sum := sha256.Sum256([]byte(prompt + "|" + context + "|" + model))
	return hex.EncodeToString(sum[:])
}

func (c *QueryCache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// Get returns the cached result for a key along with the token count the
// hit avoided spending. Expired and unreadable entries are deleted and
// reported as misses.
func (c *QueryCache) Get(key string) (string, int64, bool) {
	if v, found := c.memory.Get(key); found {
		if entry, ok := v.(Entry); ok {
			c.recordHit(entry.TokensSaved)
			return entry.Result, entry.TokensSaved, true
		}
	}

	path := c.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		c.recordMiss()
		return "", 0, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Debug("removing corrupt cache entry", "path", path, "error", err)
		os.Remove(path)
		c.recordMiss()
		return "", 0, false
	}

	created, err := time.Parse(time.RFC3339, entry.CreatedAt)
	if err != nil || time.Since(created) > c.ttl {
		os.Remove(path)
		c.recordMiss()
		return "", 0, false
	}

	c.memory.Set(key, entry, gocache.DefaultExpiration)
	c.recordHit(entry.TokensSaved)
	return entry.Result, entry.TokensSaved, true
}

// Set stores a result. tokens is the total token count of the original call,
// credited as savings on every later hit.
func (c *QueryCache) Set(key, result string, tokens int64, model string) error {
	entry := Entry{
		Result:      result,
		CreatedAt:   time.Now().Format(time.RFC3339),
		TokensSaved: tokens,
		Model:       model,
		PromptHash:  key[:16],
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := os.WriteFile(c.path(key), data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	c.memory.Set(key, entry, gocache.DefaultExpiration)
	return nil
}

// Stats reports hit/miss counts for this process.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		HitRate:     rate,
		TokensSaved: c.tokensSaved,
	}
}

// Clear removes every entry and returns the count removed.
func (c *QueryCache) Clear() (int, error) {
	c.memory.Flush()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache dir: %w", err)
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err == nil {
			count++
		}
	}
	return count, nil
}

// CleanupExpired removes entries past their TTL and returns the count.
func (c *QueryCache) CleanupExpired() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache dir: %w", err)
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			os.Remove(path)
			count++
			continue
		}
		created, err := time.Parse(time.RFC3339, entry.CreatedAt)
		if err != nil || time.Since(created) > c.ttl {
			os.Remove(path)
			count++
		}
	}
	return count, nil
}

func (c *QueryCache) recordHit(tokens int64) {
	c.mu.Lock()
	c.hits++
	c.tokensSaved += tokens
	c.mu.Unlock()
}

func (c *QueryCache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}
