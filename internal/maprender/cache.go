package maprender

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const geocodeCacheTTL = 24 * time.Hour

// CachedGeocoder wraps a Geocoder with an in-memory cache and an
// optional shared Redis cache. A nil redis client disables the shared
// layer, same as everywhere else in this codebase.
type CachedGeocoder struct {
	inner Geocoder
	redis *redis.Client

	mu    sync.Mutex
	local map[string]Point
}

func NewCachedGeocoder(inner Geocoder, redisClient *redis.Client) *CachedGeocoder {
	return &CachedGeocoder{
		inner: inner,
		redis: redisClient,
		local: map[string]Point{},
	}
}

func (c *CachedGeocoder) Geocode(ctx context.Context, address string) (Point, error) {
	c.mu.Lock()
	if p, ok := c.local[address]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	if c.redis != nil {
		val, err := c.redis.Get(ctx, cacheKey(address)).Result()
		if err == nil {
			var p Point
			if _, serr := fmt.Sscanf(val, "%f,%f", &p.Lat, &p.Lng); serr == nil {
				c.store(address, p)
				return p, nil
			}
		}
	}

	p, err := c.inner.Geocode(ctx, address)
	if err != nil {
		return Point{}, err
	}
	c.store(address, p)

	if c.redis != nil {
		val := fmt.Sprintf("%f,%f", p.Lat, p.Lng)
		if err := c.redis.Set(ctx, cacheKey(address), val, geocodeCacheTTL).Err(); err != nil {
			log.Printf("geocode cache write error: %v", err)
		}
	}
	return p, nil
}

func (c *CachedGeocoder) store(address string, p Point) {
	c.mu.Lock()
	c.local[address] = p
	c.mu.Unlock()
}

func cacheKey(address string) string {
	return "geocode:" + address
}
