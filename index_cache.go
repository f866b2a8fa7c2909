package shapefile

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/tingold/orb-shapefile/internal/sidx"
)

// Index is a spatial index built for one version of a dataset. It is
// immutable and safe for concurrent use.
type Index struct {
	tree *sidx.Tree
	meta sidx.Meta
}

// Len returns the number of indexed records. Records with a Null geometry
// are not indexed.
func (ix *Index) Len() int { return ix.tree.Len() }

// Depth returns the depth of the deepest tree node.
func (ix *Index) Depth() int { return ix.tree.Depth() }

// Bound returns the union of all indexed bounding boxes.
func (ix *Index) Bound() (orb.Bound, bool) { return ix.tree.Bound() }

func (ix *Index) matches(m sidx.Meta) bool { return ix.meta == m }

// IndexCache shares built indexes between stores opened on the same
// dataset. Entries are keyed by the absolute .shp path and evicted least
// recently used first. Builds for one path are serialized, so concurrent
// first queries build once and never interleave writes to a .sidx file.
//
// The cache is owned by the host application and injected through
// Options.IndexCache:
//
//	cache, _ := shapefile.NewIndexCache(64)
//	a := shapefile.New("roads.shp", &shapefile.Options{IndexCache: cache})
//	b := shapefile.New("roads.shp", &shapefile.Options{IndexCache: cache})
//	// a and b build the roads index once between them
type IndexCache struct {
	entries *lru.Cache[string, *Index]
	locks   *xsync.MapOf[string, *sync.Mutex]
}

// NewIndexCache creates a cache holding at most size indexes.
func NewIndexCache(size int) (*IndexCache, error) {
	entries, err := lru.New[string, *Index](size)
	if err != nil {
		return nil, fmt.Errorf("shapefile: index cache: %w", err)
	}
	return &IndexCache{
		entries: entries,
		locks:   xsync.NewMapOf[string, *sync.Mutex](),
	}, nil
}

func (c *IndexCache) lock(key string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu
}

// Get returns the index cached for the dataset at path without building
// one or changing its eviction order.
func (c *IndexCache) Get(path string) (*Index, bool) {
	return c.entries.Peek(datasetKey(path))
}

// getOrBuild returns the cached index for key if accept approves it and
// calls build otherwise. Concurrent callers for the same key wait for a
// single build. hit reports whether the cached entry was used.
func (c *IndexCache) getOrBuild(key string, accept func(*Index) bool, build func() (*Index, error)) (ix *Index, hit bool, err error) {
	mu := c.lock(key)
	defer mu.Unlock()

	if ix, ok := c.entries.Get(key); ok && accept(ix) {
		return ix, true, nil
	}
	ix, err = build()
	if err != nil {
		return nil, false, err
	}
	c.entries.Add(key, ix)
	return ix, false, nil
}

// set stores ix for key, replacing any cached entry.
func (c *IndexCache) set(key string, ix *Index) {
	mu := c.lock(key)
	defer mu.Unlock()
	c.entries.Add(key, ix)
}

// Invalidate drops the index cached for path. The next query against the
// dataset rebuilds or reloads it.
func (c *IndexCache) Invalidate(path string) {
	key := datasetKey(path)
	mu := c.lock(key)
	defer mu.Unlock()
	c.entries.Remove(key)
}

// Purge drops every cached index.
func (c *IndexCache) Purge() { c.entries.Purge() }

// Len returns the number of cached indexes.
func (c *IndexCache) Len() int { return c.entries.Len() }
