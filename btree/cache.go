package btree

import (
	"github.com/bluele/gcache"
	"github.com/mstenber/cowfs/mlog"
	"golang.org/x/sync/singleflight"
)

// nodeCache is the cache of in-memory node buffers (gcache ARC,
// sized at Init time). singleflight dedupes concurrent loads of the
// same pointer: rather than serializing all reclaim behind one mutex,
// only in-flight loads of the *same* node collapse to a single I/O.
type nodeCache struct {
	cache gcache.Cache
	group singleflight.Group
}

func newNodeCache(size int) *nodeCache {
	if size <= 0 {
		size = 1024
	}
	return &nodeCache{cache: gcache.New(size).ARC().Build()}
}

func cacheKey(p Pointer) string {
	return string(encodePointer(p))
}

func (self *nodeCache) get(p Pointer) (*NodeData, bool) {
	v, err := self.cache.GetIFPresent(cacheKey(p))
	if err != nil {
		return nil, false
	}
	return v.(*NodeData), true
}

func (self *nodeCache) set(p Pointer, nd *NodeData) {
	self.cache.Set(cacheKey(p), nd)
}

// loadOnce runs load for p at most once among concurrent callers,
// caching the result on success.
func (self *nodeCache) loadOnce(p Pointer, load func() (*NodeData, error)) (*NodeData, error) {
	if nd, ok := self.get(p); ok {
		mlog.Printf2("btree/cache", "cache hit %v", p)
		return nd, nil
	}
	v, err, _ := self.group.Do(cacheKey(p), func() (interface{}, error) {
		nd, err := load()
		if err != nil {
			return nil, err
		}
		self.set(p, nd)
		return nd, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*NodeData), nil
}

func (self *nodeCache) invalidate(p Pointer) {
	self.cache.Remove(cacheKey(p))
}
