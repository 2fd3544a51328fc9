package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"metabench/core"
)

// Key identifies a logical invocation for caching and deduplication.
type Key string

// KeyFor derives a cache key from the request parameters that determine the
// response. Any parameter change produces a different key.
func KeyFor(parts ...string) Key {
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// ResponseCache memoizes successful gateway responses within a process and
// collapses concurrent identical invocations into one upstream call.
type ResponseCache struct {
	lru    *lru.Cache[Key, core.Response]
	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a response cache holding up to size entries.
func New(size int) (*ResponseCache, error) {
	l, err := lru.New[Key, core.Response](size)
	if err != nil {
		return nil, err
	}
	return &ResponseCache{lru: l}, nil
}

// Get returns a cached response for key, if any.
func (c *ResponseCache) Get(key Key) (core.Response, bool) {
	resp, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return resp, ok
}

// Do returns the cached response for key or executes fn once, sharing the
// result with concurrent callers of the same key. Only successful responses
// are stored; failures must stay retryable.
func (c *ResponseCache) Do(key Key, fn func() core.Response) (core.Response, bool) {
	if resp, ok := c.Get(key); ok {
		return resp, true
	}

	result, _, shared := c.group.Do(string(key), func() (any, error) {
		resp := fn()
		if resp.Success {
			c.lru.Add(key, resp)
		}
		return resp, nil
	})

	return result.(core.Response), shared
}

// Stats returns hit and miss counts.
func (c *ResponseCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
