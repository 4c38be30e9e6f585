package gossipnode

import lru "github.com/hashicorp/golang-lru/v2"

// dedupCache is an optional LRU optimization: the core already relies on
// store idempotency (save-by-id is a no-op on an existing id) for
// correctness, so this cache is purely an optimization to skip a store
// round-trip for events we've clearly already seen. It is never
// load-bearing for correctness.
type dedupCache struct {
	cache *lru.Cache[string, struct{}]
}

func newDedupCache(size int) (*dedupCache, error) {
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &dedupCache{cache: c}, nil
}

func (d *dedupCache) seen(id string) bool {
	if d == nil {
		return false
	}
	_, ok := d.cache.Get(id)
	return ok
}

func (d *dedupCache) mark(id string) {
	if d == nil {
		return
	}
	d.cache.Add(id, struct{}{})
}
