package scanner

import (
	"sync"
	"time"
)

// Cooldown suppresses repeats of the same key within a TTL window. It is
// safe for concurrent use.
type Cooldown struct {
	seen map[string]time.Time // key -> last seen time
	ttl  time.Duration
	mu   sync.Mutex
	now  func() time.Time
}

// NewCooldown creates a Cooldown that treats a key as cooling down for ttl
// after it was last recorded.
func NewCooldown(ttl time.Duration) *Cooldown {
	return &Cooldown{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Active reports whether key is still cooling down. A key that is not is
// recorded now and false is returned.
func (c *Cooldown) Active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.seen[key]; ok && now.Sub(last) < c.ttl {
		return true
	}
	c.seen[key] = now
	return false
}

// Forget clears key so the next Active call passes.
func (c *Cooldown) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, key)
}

// Cleanup removes expired keys. Call it periodically to bound memory.
func (c *Cooldown) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, ts := range c.seen {
		if now.Sub(ts) >= c.ttl {
			delete(c.seen, k)
		}
	}
}
