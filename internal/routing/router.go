// Package routing fetches road geometry between two points.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/route"
)

var ErrNoRoute = errors.New("no route")

// Router is what session controllers use to fetch a path. The returned slice is owned by
// the caller.
type Router interface {
	FetchRoute(ctx context.Context, from, to models.Point) ([]models.Point, error)
}

// StraightRouter interpolates Points evenly spaced points on the straight line between
// the endpoints. Used when no routing engine is configured.
type StraightRouter struct {
	Points int
}

func (r StraightRouter) FetchRoute(_ context.Context, from, to models.Point) ([]models.Point, error) {
	if route.SamePoint(from, to) {
		return []models.Point{to}, nil
	}
	n := r.Points
	if n < 2 {
		n = 2
	}
	out := make([]models.Point, n)
	for i := range out {
		f := float64(i) / float64(n-1)
		out[i] = models.Point{Lat: from.Lat + (to.Lat-from.Lat)*f, Lng: from.Lng + (to.Lng-from.Lng)*f}
	}
	out[n-1] = to
	return out, nil
}

// CachedRouter memoises lookups keyed by rounded endpoints.
type CachedRouter struct {
	next Router
	ttl  time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	points []models.Point
	ts     time.Time
}

func NewCachedRouter(next Router, ttl time.Duration) *CachedRouter {
	return &CachedRouter{next: next, ttl: ttl, now: time.Now, store: make(map[string]cacheEntry)}
}

func keyFor(a, b models.Point) string {
	return fmt.Sprintf("%.5f,%.5f->%.5f,%.5f", a.Lat, a.Lng, b.Lat, b.Lng)
}

func (c *CachedRouter) FetchRoute(ctx context.Context, from, to models.Point) ([]models.Point, error) {
	k := keyFor(from, to)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.ts) <= c.ttl {
		return append([]models.Point(nil), e.points...), nil
	}
	points, err := c.next.FetchRoute(ctx, from, to)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{points: append([]models.Point(nil), points...), ts: c.now()}
	c.mu.Unlock()
	return points, nil
}

// Purge drops expired entries.
func (c *CachedRouter) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.store {
		if c.now().Sub(e.ts) > c.ttl {
			delete(c.store, k)
		}
	}
}

func (c *CachedRouter) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
