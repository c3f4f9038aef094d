package tokens

import (
	"sync"
	"time"

	"github.com/PipeOpsHQ/trusted-trading/types"
)

const DefaultFreshness = 30 * time.Second

// Cache keeps at most one token per scope. Entries are never evicted; a stale
// entry is simply ignored until it is overwritten.
type Cache struct {
	mu        sync.Mutex
	freshness time.Duration
	entries   map[string]types.AccessToken
}

func NewCache(freshness time.Duration) *Cache {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Cache{freshness: freshness, entries: map[string]types.AccessToken{}}
}

// Get returns the cached token for scope if it was issued less than the
// freshness window before now.
func (c *Cache) Get(scope string, now time.Time) (types.AccessToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.entries[scope]
	if !ok || now.Sub(tok.IssuedAt) >= c.freshness {
		return types.AccessToken{}, false
	}
	return tok, true
}

// Put overwrites the entry for tok.Scope.
func (c *Cache) Put(tok types.AccessToken) {
	c.mu.Lock()
	c.entries[tok.Scope] = tok
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
