package writer

import (
	"sync"

	"positionwatch/models"
)

type signature struct {
	kind       models.ChangeKind
	first      string
	last       string
	lastEntry  string
	firstEntry string
}

func signatureOf(s models.SummaryEvent) signature {
	return signature{
		kind:       s.NetKind,
		first:      s.First.Amount.String(),
		last:       s.Last.Amount.String(),
		lastEntry:  s.Last.EntryPrice.String(),
		firstEntry: s.First.EntryPrice.String(),
	}
}

// dedupeCache remembers the last delivered summary signature per key. Only
// the most recently used keys are kept.
type dedupeCache struct {
	mu      sync.Mutex
	size    int
	entries map[models.PositionKey]signature
	order   []models.PositionKey
}

func newDedupeCache(size int) *dedupeCache {
	if size <= 0 {
		size = 100
	}
	return &dedupeCache{size: size, entries: make(map[models.PositionKey]signature, size)}
}

// duplicate reports whether s matches the last summary delivered for its key.
func (c *dedupeCache) duplicate(s models.SummaryEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.entries[s.Key]
	return ok && prev == signatureOf(s)
}

func (c *dedupeCache) remember(s models.SummaryEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[s.Key]; ok {
		c.touch(s.Key)
	} else {
		if len(c.order) >= c.size {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, s.Key)
	}
	c.entries[s.Key] = signatureOf(s)
}

func (c *dedupeCache) touch(key models.PositionKey) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, key)
}

func (c *dedupeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
