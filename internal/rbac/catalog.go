package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/labdesk/labdesk/internal/platform/httpx"
)

const catalogCacheKey = "catalog"

// CatalogLoader reads the permission catalog from its backing store.
type CatalogLoader interface {
	ListCatalog(ctx context.Context) ([]CatalogEntry, error)
}

// Catalog is the shared, read-only permission catalog accessor.
type Catalog struct {
	loader CatalogLoader
	cache  *expirable.LRU[string, []CatalogEntry]
	group  singleflight.Group
}

// NewCatalog wraps loader with a TTL cache. A non-positive ttl disables caching.
func NewCatalog(loader CatalogLoader, ttl time.Duration) *Catalog {
	c := &Catalog{loader: loader}
	if ttl > 0 {
		c.cache = expirable.NewLRU[string, []CatalogEntry](1, nil, ttl)
	}
	return c
}

// Load returns the catalog. Store failures surface as httpx.ErrUpstream and
// are never replaced by a fallback list.
func (c *Catalog) Load(ctx context.Context) ([]CatalogEntry, error) {
	if c.cache != nil {
		if entries, ok := c.cache.Get(catalogCacheKey); ok {
			return copyEntries(entries), nil
		}
	}
	// The load is shared by every waiter, so one caller's cancellation must not fail the rest.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(catalogCacheKey, func() (interface{}, error) {
		entries, err := c.loader.ListCatalog(loadCtx)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			c.cache.Add(catalogCacheKey, entries)
		}
		return entries, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: load permission catalog: %w", httpx.ErrUpstream, res.Err)
		}
		return copyEntries(res.Val.([]CatalogEntry)), nil
	}
}

// Invalidate drops the cached catalog.
func (c *Catalog) Invalidate() {
	if c.cache != nil {
		c.cache.Purge()
	}
}

func copyEntries(entries []CatalogEntry) []CatalogEntry {
	out := make([]CatalogEntry, len(entries))
	copy(out, entries)
	return out
}
