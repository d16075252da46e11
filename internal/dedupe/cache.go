// ABOUTME: Thread-safe TTL window of recently seen push-channel envelope ids.
// ABOUTME: Ingest consults it so a redelivered event is applied and published once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxSize bounds the window when New is given a non-positive size.
const DefaultMaxSize = 4096

type entry struct {
	key  string
	seen time.Time
}

// Cache remembers keys for a TTL, bounded to maxSize entries.
// The list is kept in last-seen order (oldest at front), so expired entries
// are pruned from the front on every write without a background sweeper.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether key was already seen within the TTL, and marks it
// as seen now. Check and mark happen under one lock.
// An empty key is never considered a duplicate and is not stored.
func (c *Cache) Seen(key string) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	if el, ok := c.index[key]; ok {
		el.Value.(*entry).seen = now
		c.order.MoveToBack(el)
		return true
	}

	if c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Len returns the number of unexpired keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return c.order.Len()
}

// Reset forgets every key. Ingest calls it on reconnect since the backend
// may restart its id sequence.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[string]*list.Element)
	c.order.Init()
}

// pruneLocked drops expired entries from the front. Must be called with mu held.
func (c *Cache) pruneLocked(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seen) < c.ttl {
			return
		}
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}
