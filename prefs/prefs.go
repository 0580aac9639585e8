// Package prefs remembers the last protocol that worked for each
// camera.  Entries are time-boxed: a preference older than the TTL is
// treated as absent, so a camera that changed behavior does not keep
// steering the cascade forever.
package prefs

import (
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/avakiosk/camview/stream"
)

const DefaultTTL = 10 * time.Minute

type Cache struct {
	c *cache.Cache
}

func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		c: cache.New(ttl, time.Minute),
	}
}

// Record overwrites the camera's preference with the protocol that
// just connected.
func (p *Cache) Record(camera string, proto stream.Protocol) {
	p.c.SetDefault(camera, proto)
}

// Get returns the live preference for a camera, if any.  Expiry is
// evaluated lazily at lookup time.
func (p *Cache) Get(camera string) (stream.Protocol, bool) {
	v, ok := p.c.Get(camera)
	if !ok {
		return 0, false
	}
	proto, ok := v.(stream.Protocol)
	return proto, ok
}

func (p *Cache) Forget(camera string) {
	p.c.Delete(camera)
}
