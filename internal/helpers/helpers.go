// Package helpers holds test fixtures shared across packages: fake origins,
// raw TCP exchanges and a recording Metrics implementation.
package helpers

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ReservePort returns a local TCP port that was free a moment ago and is now
// closed, so dialing it is refused.
func ReservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "reserve a local port")
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// Origin is a raw TCP origin server: it reads one request header block per
// connection, writes Body, and closes the connection.
type Origin struct {
	Body []byte
	ln   net.Listener

	mu       sync.Mutex
	requests []string
}

// NewOrigin starts an Origin on a loopback port. It is closed on test cleanup.
func NewOrigin(t *testing.T, body []byte) *Origin {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err, "listen origin")
	o := &Origin{Body: body, ln: ln}
	t.Cleanup(func() { _ = ln.Close() })
	go o.serve()
	return o
}

func (o *Origin) serve() {
	for {
		c, err := o.ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(10 * time.Second))
			var req bytes.Buffer
			buf := make([]byte, 1024)
			for !bytes.Contains(req.Bytes(), []byte("\r\n\r\n")) {
				n, err := c.Read(buf)
				req.Write(buf[:n])
				if err != nil {
					break
				}
			}
			o.mu.Lock()
			o.requests = append(o.requests, req.String())
			o.mu.Unlock()
			_, _ = c.Write(o.Body)
		}(c)
	}
}

// Port returns the origin's port as a string.
func (o *Origin) Port() string {
	return strconv.Itoa(o.ln.Addr().(*net.TCPAddr).Port)
}

// Requests returns the raw request blocks received so far.
func (o *Origin) Requests() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.requests...)
}

// Exchange dials addr, writes payload, half-closes, and returns everything
// read until the peer closes.
func Exchange(t *testing.T, addr, payload string) []byte {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err, "dial %s", addr)
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	_, err = io.WriteString(c, payload)
	require.NoError(t, err, "write payload")
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	out, err := io.ReadAll(c)
	require.NoError(t, err, "read response")
	return out
}

// Serve runs handle on every accepted loopback connection, closing each one
// when handle returns. It returns the listen address and a channel of the
// handler's results.
func Serve(t *testing.T, handle func(net.Conn) error) (string, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen")
	t.Cleanup(func() { _ = ln.Close() })
	errs := make(chan error, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				errs <- handle(c)
			}()
		}
	}()
	return ln.Addr().String(), errs
}

// Metrics records counter increments by name; safe for concurrent use.
type Metrics struct {
	mu     sync.Mutex
	counts map[string]int
	obs    map[string]int
}

func (m *Metrics) inc(k string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[k]++
}

// Count returns how often counter k was incremented.
func (m *Metrics) Count(k string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[k]
}

// Observed returns how many durations were observed for outcome.
func (m *Metrics) Observed(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.obs[outcome]
}

func (m *Metrics) IncTotalRequests() { m.inc("total") }
func (m *Metrics) IncHit()           { m.inc("hit") }
func (m *Metrics) IncMiss()          { m.inc("miss") }
func (m *Metrics) IncBlocked()       { m.inc("blocked") }
func (m *Metrics) IncBadRequest()    { m.inc("bad_request") }
func (m *Metrics) IncDNSFailures()   { m.inc("dns_failure") }
func (m *Metrics) IncOriginErrors()  { m.inc("origin_error") }
func (m *Metrics) IncCacheErrors()   { m.inc("cache_error") }
func (m *Metrics) IncDropped()       { m.inc("dropped") }

func (m *Metrics) ObserveDuration(outcome string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.obs == nil {
		m.obs = map[string]int{}
	}
	m.obs[outcome]++
}
