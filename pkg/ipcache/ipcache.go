// Package ipcache implements the proxy's shared hostname -> IPv4 cache.
//
// The cache is a fixed-size circular buffer. Entries are inserted in slot
// order (counter % capacity) and, once the buffer is full, the entry inserted
// longest ago is overwritten regardless of how recently it was used.
//
// Every read and write of the buffer happens under a single mutex and entries
// are copied out by value, so callers never observe a hostname paired with a
// stale IP. Name resolution itself runs outside the lock; concurrent misses
// for the same host share one resolution.
package ipcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultCapacity is the number of slots used when New is given a capacity <= 0.
const DefaultCapacity = 10

// ErrNotFound is returned when a hostname cannot be resolved.
var ErrNotFound = errors.New("host not found")

// Entry pairs a hostname with the IPv4 address it resolved to.
type Entry struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
}

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Failures   uint64 `json:"failures"`
	Insertions uint64 `json:"insertions"`
}

// Cache is safe for concurrent use.
type Cache struct {
	resolver Resolver
	group    singleflight.Group

	mu      sync.Mutex
	entries []Entry
	count   uint64 // total insertions, never decremented
	stats   Stats
}

// New returns an empty cache with capacity slots that resolves misses with r.
func New(capacity int, r Resolver) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if r == nil {
		r = NewSystemResolver()
	}
	return &Cache{
		resolver: r,
		entries:  make([]Entry, capacity),
	}
}

// Capacity returns the number of slots.
func (c *Cache) Capacity() int { return len(c.entries) }

// Len returns the number of occupied slots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used()
}

// used must be called with c.mu held.
func (c *Cache) used() int {
	if c.count < uint64(len(c.entries)) {
		return int(c.count)
	}
	return len(c.entries)
}

// scan must be called with c.mu held.
func (c *Cache) scan(hostname string) (Entry, int, bool) {
	n := c.used()
	for i := 0; i < n; i++ {
		if c.entries[i].Hostname == hostname {
			return c.entries[i], i, true
		}
	}
	return Entry{}, -1, false
}

// Lookup returns the cached entry for hostname and its slot without resolving.
func (c *Cache) Lookup(hostname string) (Entry, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scan(hostname)
}

// Insert stores hostname -> ip in the next circular slot and returns the slot.
// If hostname is already cached its slot is returned unchanged.
func (c *Cache) Insert(hostname, ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, i, ok := c.scan(hostname); ok {
		return i
	}
	return c.insert(hostname, ip)
}

// insert must be called with c.mu held.
func (c *Cache) insert(hostname, ip string) int {
	slot := int(c.count % uint64(len(c.entries)))
	c.count++
	c.entries[slot] = Entry{Hostname: hostname, IP: ip}
	c.stats.Insertions++
	return slot
}

// Resolve returns the entry for hostname, resolving and caching it on a miss.
// The int result is the slot holding the entry.
func (c *Cache) Resolve(ctx context.Context, hostname string) (Entry, int, error) {
	if hostname == "" {
		return Entry{}, -1, fmt.Errorf("%w: empty hostname", ErrNotFound)
	}

	c.mu.Lock()
	if e, i, ok := c.scan(hostname); ok {
		c.stats.Hits++
		c.mu.Unlock()
		log.Ctx(ctx).Debug().Str("host", hostname).Str("ip", e.IP).Int("slot", i).Msg("ip cache hit")
		return e, i, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	// The shared lookup must not inherit one caller's cancellation; each
	// caller stops waiting on its own ctx instead.
	lookupCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(hostname, func() (interface{}, error) {
		return c.resolver.LookupIPv4(lookupCtx, hostname)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.Err = ctx.Err()
	}
	if res.Err != nil {
		c.mu.Lock()
		c.stats.Failures++
		c.mu.Unlock()
		return Entry{}, -1, fmt.Errorf("%w: %s: %w", ErrNotFound, hostname, res.Err)
	}
	ip := res.Val.(string)

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another session may have inserted the host while we were resolving.
	if e, i, ok := c.scan(hostname); ok {
		return e, i, nil
	}
	i := c.insert(hostname, ip)
	log.Ctx(ctx).Debug().Str("host", hostname).Str("ip", ip).Int("slot", i).Msg("ip cache insert")
	return c.entries[i], i, nil
}

// Entries returns a copy of the occupied slots in slot order.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, c.used())
	copy(out, c.entries)
	return out
}

// Stats returns a copy of the hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
