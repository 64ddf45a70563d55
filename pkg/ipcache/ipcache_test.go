package ipcache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver maps hostname -> "10.0.x.y" deterministically and counts calls.
type fakeResolver struct {
	calls atomic.Int64
	fail  map[string]bool
}

func (f *fakeResolver) LookupIPv4(_ context.Context, host string) (string, error) {
	f.calls.Add(1)
	if f.fail[host] {
		return "", errors.New("nxdomain")
	}
	var sum int
	for _, b := range []byte(host) {
		sum += int(b)
	}
	return fmt.Sprintf("10.0.%d.%d", (sum/256)%256, sum%256), nil
}

func host(i int) string { return fmt.Sprintf("host%02d.test", i) }

func TestResolveCachesAfterFirstLookup(t *testing.T) {
	r := &fakeResolver{}
	c := New(10, r)
	ctx := context.Background()

	e1, i1, err := c.Resolve(ctx, "a.test")
	require.NoError(t, err)
	e2, i2, err := c.Resolve(ctx, "a.test")
	require.NoError(t, err)

	assert.Equal(t, e1, e2)
	assert.Equal(t, i1, i2)
	assert.Equal(t, int64(1), r.calls.Load(), "second resolve must be served from cache")
	assert.Equal(t, Stats{Hits: 1, Misses: 1, Insertions: 1}, c.Stats())
}

func TestResolveFailureIsNotCached(t *testing.T) {
	r := &fakeResolver{fail: map[string]bool{"bad.test": true}}
	c := New(10, r)

	_, _, err := c.Resolve(context.Background(), "bad.test")
	require.ErrorIs(t, err, ErrNotFound)
	_, _, err = c.Resolve(context.Background(), "bad.test")
	require.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(2), r.calls.Load())
	assert.Equal(t, uint64(2), c.Stats().Failures)
}

func TestResolveEmptyHostname(t *testing.T) {
	c := New(10, &fakeResolver{})
	_, _, err := c.Resolve(context.Background(), "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFillToCapacityNeverEvicts(t *testing.T) {
	c := New(10, &fakeResolver{})
	for i := 0; i < 10; i++ {
		_, slot, err := c.Resolve(context.Background(), host(i))
		require.NoError(t, err)
		assert.Equal(t, i, slot)
	}
	require.Equal(t, 10, c.Len())
	for i := 0; i < 10; i++ {
		_, _, ok := c.Lookup(host(i))
		assert.True(t, ok, "host %d should still be cached", i)
	}
}

func TestWrapOverwritesOldestInsertedNotLeastRecentlyUsed(t *testing.T) {
	r := &fakeResolver{}
	c := New(10, r)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _, err := c.Resolve(ctx, host(i))
		require.NoError(t, err)
	}
	// Touch the first host so an LRU would keep it.
	_, _, err := c.Resolve(ctx, host(0))
	require.NoError(t, err)

	_, slot, err := c.Resolve(ctx, host(10))
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	_, _, ok := c.Lookup(host(0))
	assert.False(t, ok, "first inserted host must be evicted")
	_, _, ok = c.Lookup(host(1))
	assert.True(t, ok)
	assert.Equal(t, 10, c.Len())

	_, slot, err = c.Resolve(ctx, host(11))
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
}

func TestInsertReturnsExistingSlot(t *testing.T) {
	c := New(3, &fakeResolver{})
	assert.Equal(t, 0, c.Insert("a", "1.1.1.1"))
	assert.Equal(t, 1, c.Insert("b", "2.2.2.2"))
	assert.Equal(t, 0, c.Insert("a", "9.9.9.9"))

	e, _, ok := c.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "1.1.1.1", e.IP)
	assert.Equal(t, []Entry{{"a", "1.1.1.1"}, {"b", "2.2.2.2"}}, c.Entries())
}

func TestDefaultCapacity(t *testing.T) {
	c := New(0, &fakeResolver{})
	assert.Equal(t, DefaultCapacity, c.Capacity())
}

func TestConcurrentDistinctHostsNoCorruption(t *testing.T) {
	const n = 10
	r := &fakeResolver{}
	c := New(n, r)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := c.Resolve(context.Background(), host(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries := c.Entries()
	require.Len(t, entries, n)
	seen := map[string]bool{}
	for _, e := range entries {
		assert.False(t, seen[e.Hostname], "duplicate slot for %s", e.Hostname)
		seen[e.Hostname] = true
		want, _ := (&fakeResolver{}).LookupIPv4(context.Background(), e.Hostname)
		assert.Equal(t, want, e.IP, "hostname/ip pair mismatch for %s", e.Hostname)
	}
}

func TestConcurrentSameHostResolvesOnce(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	r := ResolverFunc(func(ctx context.Context, host string) (string, error) {
		calls.Add(1)
		<-release
		return "192.0.2.1", nil
	})
	c := New(10, r)

	const workers = 8
	var wg sync.WaitGroup
	slots := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, slot, err := c.Resolve(context.Background(), "same.test")
			assert.NoError(t, err)
			slots <- slot
		}()
	}
	// Let the workers pile up on the in-flight lookup before releasing it.
	for c.Stats().Misses < workers {
		runtime.Gosched()
	}
	close(release)
	wg.Wait()
	close(slots)

	for s := range slots {
		assert.Equal(t, 0, s)
	}
	assert.Equal(t, 1, c.Len())
	assert.LessOrEqual(t, calls.Load(), int64(workers))
	assert.Equal(t, uint64(1), c.Stats().Insertions)
}

// gatedResolver blocks every lookup until release is closed.
type gatedResolver struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func (g *gatedResolver) LookupIPv4(ctx context.Context, host string) (string, error) {
	if g.calls.Add(1) == 1 {
		close(g.started)
	}
	select {
	case <-g.release:
		return "10.9.9.9", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestCancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	g := &gatedResolver{started: make(chan struct{}), release: make(chan struct{})}
	c := New(4, g)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.Resolve(leaderCtx, "slow.test")
		leaderErr <- err
	}()
	<-g.started

	type result struct {
		e   Entry
		err error
	}
	follower := make(chan result, 1)
	go func() {
		e, _, err := c.Resolve(context.Background(), "slow.test")
		follower <- result{e, err}
	}()
	// Let the follower join the in-flight lookup before the leader leaves.
	require.Eventually(t, func() bool { return c.Stats().Misses == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-leaderErr:
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(g.release)
	select {
	case r := <-follower:
		require.NoError(t, r.err)
		assert.Equal(t, "10.9.9.9", r.e.IP)
	case <-time.After(2 * time.Second):
		t.Fatal("follower never got the shared result")
	}
	assert.Equal(t, int64(1), g.calls.Load(), "the lookup is shared, not restarted")

	_, _, ok := c.Lookup("slow.test")
	assert.True(t, ok, "the shared result is cached")
}

func TestSystemResolverLiterals(t *testing.T) {
	r := NewSystemResolver()
	ip, err := r.LookupIPv4(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)

	_, err = r.LookupIPv4(context.Background(), "::1")
	require.Error(t, err)
}

func TestDNSResolverQueriesUpstream(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			q := req.Question[0]
			if q.Name == "known.test." && q.Qtype == dns.TypeA {
				rr, _ := dns.NewRR("known.test. 60 IN A 192.0.2.7")
				m.Answer = append(m.Answer, rr)
			} else {
				m.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(m)
		}),
	}
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	<-started

	r := NewDNSResolver(pc.LocalAddr().String())
	ip, err := r.LookupIPv4(context.Background(), "known.test")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", ip)

	_, err = r.LookupIPv4(context.Background(), "unknown.test")
	require.Error(t, err)

	ip, err = r.LookupIPv4(context.Background(), "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", ip)
}

func TestNewDNSResolverAddsPort(t *testing.T) {
	assert.Equal(t, "192.0.2.53:53", NewDNSResolver("192.0.2.53").Server)
	assert.Equal(t, "192.0.2.53:5353", NewDNSResolver("192.0.2.53:5353").Server)
}
