package storage

import (
	"sync"
	"time"

	"github.com/mpataki/conflictscan/internal/models"
)

const persistInterval = 2 * time.Second

type progressEntry struct {
	progress    models.Progress
	expires     time.Time
	persistedAt time.Time
	persisted   string
}

// progressCache holds the freshest progress of running sessions.
type progressCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[int64]*progressEntry
}

func newProgressCache(ttl time.Duration) *progressCache {
	return &progressCache{ttl: ttl, entries: map[int64]*progressEntry{}}
}

// put stores p and reports whether the durable copy is due.
func (c *progressCache) put(id int64, p models.Progress, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		e = &progressEntry{}
		c.entries[id] = e
	}
	e.progress = p
	e.expires = now.Add(c.ttl)

	if ok && e.persisted == p.Step && now.Sub(e.persistedAt) < persistInterval {
		return false
	}
	e.persisted = p.Step
	e.persistedAt = now
	return true
}

func (c *progressCache) get(id int64) (models.Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return models.Progress{}, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, id)
		return models.Progress{}, false
	}
	return e.progress, true
}

func (c *progressCache) clear(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
