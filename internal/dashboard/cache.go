package dashboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rewired-gh/linewatch/internal/models"
)

// ComputeFunc materializes a dashboard for one scope.
type ComputeFunc func(ctx context.Context) (*Dashboard, error)

type entry struct {
	value   *Dashboard
	gen     uint64
	expires time.Time
}

// Cache memoizes dashboards per scope with a TTL and eager invalidation.
//
// Each prop type filter has a generation counter. Invalidating prop type p
// bumps the counters of p and of the "all" filter, which drops every entry
// computed under an older generation. In-flight computations are keyed by
// scope and generation, so a result computed before an invalidation is never
// stored after it, and at most one computation per key runs at a time.
type Cache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[Scope]entry
	gens    map[models.PropType]uint64
}

// NewCache creates a cache. A nil now uses time.Now.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:     ttl,
		now:     now,
		entries: make(map[Scope]entry),
		gens:    make(map[models.PropType]uint64),
	}
}

// Get returns the cached dashboard for scope, computing it on a miss. A
// cancelled ctx abandons the wait but not the computation, whose result is
// still stored for other callers. Failed computations are never cached.
func (c *Cache) Get(ctx context.Context, scope Scope, compute ComputeFunc) (*Dashboard, error) {
	c.mu.RLock()
	gen := c.gens[scope.PropType]
	e, ok := c.entries[scope]
	c.mu.RUnlock()

	if ok && e.gen == gen && c.now().Before(e.expires) {
		return e.value, nil
	}

	key := fmt.Sprintf("%s|%d|%d", scope.PropType.Label(), scope.HoursBack, gen)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		d, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.put(scope, gen, d)
		return d, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Dashboard), nil
	}
}

func (c *Cache) put(scope Scope, gen uint64, d *Dashboard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[scope.PropType] != gen {
		// invalidated while computing
		return
	}
	c.entries[scope] = entry{value: d, gen: gen, expires: c.now().Add(c.ttl)}
}

// Invalidate drops every entry whose filter matches propType, which always
// includes the "all" filter. PropTypeAll invalidates everything.
func (c *Cache) Invalidate(propType models.PropType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if propType == models.PropTypeAll {
		for _, p := range models.PropTypes() {
			c.gens[p]++
		}
	} else {
		c.gens[propType]++
	}
	c.gens[models.PropTypeAll]++

	for scope, e := range c.entries {
		if c.gens[scope.PropType] != e.gen {
			delete(c.entries, scope)
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
