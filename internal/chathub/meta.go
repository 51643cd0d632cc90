package chathub

import (
	"context"
	"sync"

	"mapmo/backend/internal/models"
)

// metaCache holds participant ids and keep flags of conversations with
// attached members, so hot-path checks skip the store.
type metaCache struct {
	mu    sync.Mutex
	convs map[string]models.Conversation
	load  func(ctx context.Context, id string) (*models.Conversation, error)
}

func newMetaCache(load func(ctx context.Context, id string) (*models.Conversation, error)) *metaCache {
	return &metaCache{
		convs: make(map[string]models.Conversation),
		load:  load,
	}
}

// get returns the cached conversation, loading it on a miss. Terminal
// conversations are returned but not cached.
func (c *metaCache) get(ctx context.Context, id string) (*models.Conversation, error) {
	c.mu.Lock()
	conv, ok := c.convs[id]
	c.mu.Unlock()
	if ok {
		return &conv, nil
	}

	loaded, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	c.put(loaded)
	return loaded, nil
}

func (c *metaCache) put(conv *models.Conversation) {
	if conv == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !conv.IsActive {
		delete(c.convs, conv.ID)
		return
	}
	c.convs[conv.ID] = *conv
}

func (c *metaCache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.convs, id)
}

func (c *metaCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.convs)
}
