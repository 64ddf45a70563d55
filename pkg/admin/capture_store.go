package admin

import (
	"strings"
	"sync"

	"github.com/jnovack/cache-proxy/pkg/cacheproxy"
)

// CaptureStore keeps the most recent session records in a fixed ring.
type CaptureStore struct {
	mu   sync.Mutex
	ring []cacheproxy.RequestRecord
	next int // slot the next record is written to
	full bool

	outcomes map[string]int // per outcome, over everything ever added
}

// NewCaptureStore creates a CaptureStore holding up to maxEntries records.
func NewCaptureStore(maxEntries int) *CaptureStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &CaptureStore{
		ring:     make([]cacheproxy.RequestRecord, maxEntries),
		outcomes: make(map[string]int),
	}
}

// Add stores r, overwriting the oldest record when the ring is full.
func (c *CaptureStore) Add(r cacheproxy.RequestRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring[c.next] = r
	c.next = (c.next + 1) % len(c.ring)
	if c.next == 0 {
		c.full = true
	}
	c.outcomes[r.Outcome]++
}

// Filter selects records for Query. Zero values match everything.
type Filter struct {
	Outcome string // exact, case-insensitive
	Host    string // prefix of Request.Host
	Limit   int    // keep only the newest Limit matches
}

func (f Filter) match(r cacheproxy.RequestRecord) bool {
	if f.Outcome != "" && !strings.EqualFold(f.Outcome, r.Outcome) {
		return false
	}
	return f.Host == "" || strings.HasPrefix(r.Host, f.Host)
}

// Query returns matching records, oldest first.
func (c *CaptureStore) Query(f Filter) []cacheproxy.RequestRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []cacheproxy.RequestRecord{}
	c.each(func(r cacheproxy.RequestRecord) {
		if f.match(r) {
			out = append(out, r)
		}
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// List returns every stored record, oldest first.
func (c *CaptureStore) List() []cacheproxy.RequestRecord {
	return c.Query(Filter{})
}

// Outcomes returns how many records of each outcome were ever added,
// including ones since overwritten.
func (c *CaptureStore) Outcomes() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.outcomes))
	for k, v := range c.outcomes {
		out[k] = v
	}
	return out
}

// Clear empties the store and its outcome counts.
func (c *CaptureStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring = make([]cacheproxy.RequestRecord, len(c.ring))
	c.next, c.full = 0, false
	c.outcomes = make(map[string]int)
}

// each visits stored records oldest first. c.mu must be held.
func (c *CaptureStore) each(fn func(cacheproxy.RequestRecord)) {
	if c.full {
		for _, r := range c.ring[c.next:] {
			fn(r)
		}
	}
	for _, r := range c.ring[:c.next] {
		fn(r)
	}
}

// Attach installs the store as cfg's RequestObserver, chaining any observer
// that was already set.
func (c *CaptureStore) Attach(cfg *cacheproxy.Config) {
	prev := cfg.RequestObserver
	cfg.RequestObserver = func(r cacheproxy.RequestRecord) {
		if prev != nil {
			prev(r)
		}
		c.Add(r)
	}
}
