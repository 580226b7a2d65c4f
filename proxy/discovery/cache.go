package discovery

import (
	"sync"
	"time"

	"github.com/linkerd/multipass/proxy/route"
	gocache "github.com/patrickmn/go-cache"
	logging "github.com/sirupsen/logrus"
)

// DefaultCacheTTL is how long an unused subscription is kept.
const DefaultCacheTTL = 60 * time.Second

type (
	// Resolver looks up the watch for a configured backend.
	Resolver interface {
		Watch(name route.Name) (*Watch, error)
	}

	// Subscription is a handle on a backend's resolution. It stays valid for
	// as long as the caller holds it, even after the cache forgets it.
	Subscription struct {
		*Watch
	}

	// Cache hands out shared subscriptions for backends and forgets the ones
	// that have not been asked for within the TTL.
	Cache struct {
		resolver Resolver
		entries  *gocache.Cache

		// mu serializes the lookup-or-create sequence. The resolver is an
		// in-memory lookup, so nothing slow runs under it.
		mu sync.Mutex

		log *logging.Entry
	}
)

// NewCache creates a cache whose entries expire after ttl of disuse.
func NewCache(resolver Resolver, ttl time.Duration, log *logging.Entry) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cleanup := ttl / 2
	if cleanup < time.Second {
		cleanup = time.Second
	}

	c := &Cache{
		resolver: resolver,
		entries:  gocache.New(ttl, cleanup),
		log:      log.WithField("component", "discovery-cache"),
	}
	c.entries.OnEvicted(func(key string, _ interface{}) {
		c.log.Debugf("evicted idle subscription for %s", key)
		cacheSubscriptions.Dec()
	})
	return c
}

// Discover returns the subscription for name, creating it on first use.
// Every call refreshes the entry's idle deadline.
func (c *Cache) Discover(name route.Name) (*Subscription, error) {
	key := name.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.entries.Get(key); ok {
		// Replace fails if the janitor removed the entry since Get.
		if err := c.entries.Replace(key, v, gocache.DefaultExpiration); err == nil {
			cacheLookups.WithLabelValues("hit").Inc()
			return v.(*Subscription), nil
		}
	}

	w, err := c.resolver.Watch(name)
	if err != nil {
		cacheLookups.WithLabelValues("not_configured").Inc()
		return nil, err
	}

	// Drop any expired entry the janitor has not collected yet so that its
	// eviction is accounted for.
	c.entries.Delete(key)

	sub := &Subscription{Watch: w}
	c.entries.Set(key, sub, gocache.DefaultExpiration)
	cacheSubscriptions.Inc()
	cacheLookups.WithLabelValues("miss").Inc()
	c.log.Debugf("created subscription for %s", key)
	return sub, nil
}

// Len returns the number of cached subscriptions, including expired ones
// that have not been collected yet.
func (c *Cache) Len() int {
	return c.entries.ItemCount()
}

// Flush forgets every subscription.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries.Items() {
		c.entries.Delete(key)
	}
}
