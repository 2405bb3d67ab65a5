package bus

import (
	"sync"

	"github.com/genesis-fabric/genesis/internal/registry"
)

// DiscoverCallback fires when an Advertisement becomes ALIVE (first seen, or
// re-published). DepartCallback fires when it leaves the live set.
type DiscoverCallback func(Advertisement)
type DepartCallback func(Advertisement)

// Cache is the per-role in-memory discovery cache described in spec.md §4.2:
// it mirrors the Bus's live set for one Kind and dispatches discover/depart
// callbacks on its own dedicated goroutine rather than the Bus's fanout
// call stack, so a slow callback can never stall publication to other
// subscribers. A panicking callback is not recovered: it ends the process
// like any other unrecovered goroutine panic. This is the "actor" design of spec.md §9:
// transport delivery enqueues a typed message, the owning goroutine drains
// it exclusively.
type Cache struct {
	sub    *Subscription
	items  *registry.BaseRegistry[Advertisement]
	selfID string

	mu        sync.RWMutex
	discovers []DiscoverCallback
	departs   []DepartCallback

	stop chan struct{}
	done chan struct{}
}

// NewCache subscribes to b for kind and starts the dispatch loop. selfID, if
// non-empty, excludes advertisements owned by that provider — used by an
// agent populating its peer-agent cache, which must exclude itself.
func NewCache(b *Bus, kind Kind, selfID string) *Cache {
	c := &Cache{
		sub:    b.Subscribe(kind),
		items:  registry.NewBaseRegistry[Advertisement](),
		selfID: selfID,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Cache) run() {
	defer close(c.done)
	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				return
			}
			c.handle(ev)
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) handle(ev Event) {
	if c.selfID != "" && ev.Advertisement.ProviderID == c.selfID {
		return
	}

	switch ev.State {
	case StateAlive:
		c.items.Upsert(ev.Advertisement.AdvertisementID, ev.Advertisement)
		c.notifyDiscover(ev.Advertisement)
	case StateNotAliveDisposed, StateNotAliveNoWriters:
		_ = c.items.Remove(ev.Advertisement.AdvertisementID)
		c.notifyDepart(ev.Advertisement)
	}
}

func (c *Cache) notifyDiscover(adv Advertisement) {
	c.mu.RLock()
	cbs := append([]DiscoverCallback(nil), c.discovers...)
	c.mu.RUnlock()
	for _, cb := range cbs {
		cb(adv)
	}
}

func (c *Cache) notifyDepart(adv Advertisement) {
	c.mu.RLock()
	cbs := append([]DepartCallback(nil), c.departs...)
	c.mu.RUnlock()
	for _, cb := range cbs {
		cb(adv)
	}
}

// OnDiscover registers a callback invoked for every ALIVE transition,
// including ones already present in the cache's live set.
func (c *Cache) OnDiscover(cb DiscoverCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovers = append(c.discovers, cb)
}

// OnDepart registers a callback invoked for every departure.
func (c *Cache) OnDepart(cb DepartCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.departs = append(c.departs, cb)
}

// Snapshot returns every currently-ALIVE advertisement this cache knows
// about. Callers (tool-set assembly, peer-agent derivation) must treat the
// result as a point-in-time copy, per spec.md §4.2's invariant that stale
// entries are never served.
func (c *Cache) Snapshot() []Advertisement {
	return c.items.List()
}

// Get looks up a single advertisement by id.
func (c *Cache) Get(advertisementID string) (Advertisement, bool) {
	return c.items.Get(advertisementID)
}

// Close stops the dispatch loop and the underlying subscription.
func (c *Cache) Close() {
	close(c.stop)
	<-c.done
	c.sub.Close()
}
