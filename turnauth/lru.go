package turnauth

import (
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// cacheKey identifies a (username, realm) pair by two 64-bit hashes;
// collisions would require simultaneous collisions in both halves.
type cacheKey struct {
	user  uint64
	realm uint64
}

func computeCacheKey(username, realm string) cacheKey {
	return cacheKey{
		user:  xxhash.Sum64String(username),
		realm: xxhash.Sum64String(realm),
	}
}

// authKeyCache is a mutex-guarded LRU of derived integrity keys. The
// hard capacity bounds memory regardless of request rate; each
// operation is O(1) and holds the lock for microseconds.
type authKeyCache struct {
	capacity int
	items    map[cacheKey]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   cacheKey
	value []byte
}

func newAuthKeyCache(capacity int) *authKeyCache {
	return &authKeyCache{
		capacity: capacity,
		items:    make(map[cacheKey]*list.Element),
		order:    list.New(),
	}
}

// get retrieves a derived key, marking it most recently used.
func (c *authKeyCache) get(key cacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}
	return nil, false
}

// put adds or refreshes a derived key, evicting the least recently
// used entry at capacity.
func (c *authKeyCache) put(key cacheKey, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			delete(c.items, oldest.Value.(*cacheEntry).key)
			c.order.Remove(oldest)
		}
	}

	elem := c.order.PushFront(&cacheEntry{key: key, value: value})
	c.items[key] = elem
}

func (c *authKeyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *authKeyCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[cacheKey]*list.Element)
	c.order.Init()
}
