package legacydb

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Source is the read contract shared by Gateway and CachedDirectory.
type Source interface {
	ByID(ctx context.Context, id string) (Record, bool)
	ByEmail(ctx context.Context, email string) (Record, bool)
	SearchByField(ctx context.Context, field, term string, limit int) []Record
	All(ctx context.Context, offset, limit int) []Record
	Count(ctx context.Context) int
	PasswordDigest(ctx context.Context, email string) (string, bool)
}

// CachedDirectory memoizes single-row lookups for a bounded TTL.
// Searches, counts and password digests always reach the store.
type CachedDirectory struct {
	source Source
	cache  *gocache.Cache
}

// NewCachedDirectory wraps source with a TTL cache. A non-positive ttl returns source unchanged.
func NewCachedDirectory(source Source, ttl time.Duration) Source {
	if ttl <= 0 {
		return source
	}
	return &CachedDirectory{
		source: source,
		cache:  gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedDirectory) ByID(ctx context.Context, id string) (Record, bool) {
	return c.lookup("id:"+id, func() (Record, bool) { return c.source.ByID(ctx, id) })
}

func (c *CachedDirectory) ByEmail(ctx context.Context, email string) (Record, bool) {
	return c.lookup("email:"+email, func() (Record, bool) { return c.source.ByEmail(ctx, email) })
}

func (c *CachedDirectory) SearchByField(ctx context.Context, field, term string, limit int) []Record {
	return c.source.SearchByField(ctx, field, term, limit)
}

func (c *CachedDirectory) All(ctx context.Context, offset, limit int) []Record {
	return c.source.All(ctx, offset, limit)
}

func (c *CachedDirectory) Count(ctx context.Context) int {
	return c.source.Count(ctx)
}

func (c *CachedDirectory) PasswordDigest(ctx context.Context, email string) (string, bool) {
	return c.source.PasswordDigest(ctx, email)
}

// lookup caches hits only so a row created externally becomes visible on the next call.
func (c *CachedDirectory) lookup(key string, fetch func() (Record, bool)) (Record, bool) {
	if cached, ok := c.cache.Get(key); ok {
		if record, ok := cached.(Record); ok {
			return record, true
		}
	}
	record, found := fetch()
	if !found {
		return Record{}, false
	}
	c.cache.SetDefault("id:"+record.ID(), record)
	c.cache.SetDefault("email:"+record.Email(), record)
	return record, true
}
