package store

import (
	"fmt"

	"github.com/maypok86/otter"
)

// TopicContent is the slice of a topic the delivery path needs. Cached
// per-process so a batch of deliveries for one topic hits the database once.
type TopicContent struct {
	TopicID        string
	URL            string
	Content        []byte
	ContentType    string
	ContentHash    string
	ContentUpdated int64
}

// contentCache is a bounded per-process cache keyed by topic id, backed by an
// otter cache. Strictly optional: correctness never depends on it.
type contentCache struct {
	cache otter.Cache[string, TopicContent]
}

func newContentCache(maxEntries int) (*contentCache, error) {
	if maxEntries <= 0 {
		maxEntries = 128
	}
	cache, err := otter.MustBuilder[string, TopicContent](maxEntries).
		Cost(func(_ string, _ TopicContent) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("content cache: %w", err)
	}
	return &contentCache{cache: cache}, nil
}

func (c *contentCache) get(topicID string) (TopicContent, bool) {
	return c.cache.Get(topicID)
}

func (c *contentCache) set(tc TopicContent) {
	c.cache.Set(tc.TopicID, tc)
}

func (c *contentCache) invalidate(topicID string) {
	c.cache.Delete(topicID)
}
