package audio

import (
	"sync"

	"github.com/google/uuid"
)

// Clips holds playable audio by opaque identifier until it is revoked.
type Clips struct {
	mu    sync.RWMutex
	items map[string]Blob
}

// NewClips creates an empty clip registry.
func NewClips() *Clips {
	return &Clips{items: make(map[string]Blob)}
}

// Put registers b and returns its clip identifier.
func (c *Clips) Put(b Blob) string {
	id := uuid.NewString()
	b.ClipID = id
	c.mu.Lock()
	c.items[id] = b
	c.mu.Unlock()
	return id
}

// Get returns the clip registered under id.
func (c *Clips) Get(id string) (Blob, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.items[id]
	return b, ok
}

// Revoke forgets a clip. Revoking an unknown id is a no-op.
func (c *Clips) Revoke(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

// Len reports how many clips are registered.
func (c *Clips) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
