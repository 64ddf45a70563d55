// Package cacheproxy runs one caching proxy session per client connection.
package cacheproxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/cache-proxy/pkg/ipcache"
	"github.com/jnovack/cache-proxy/pkg/pagecache"
)

// Session outcomes, used for metrics, observer records and logs.
const (
	OutcomeHit         = "HIT"
	OutcomeMiss        = "MISS"
	OutcomeBlocked     = "BLOCKED"
	OutcomeBadRequest  = "BAD_REQUEST"
	OutcomeDNSFailure  = "DNS_FAILURE"
	OutcomeOriginError = "ORIGIN_ERROR"
	OutcomeDropped     = "DROPPED"
)

// RequestRecord describes one finished session for in-memory inspection.
type RequestRecord struct {
	Time        time.Time `json:"time"`
	ConnID      string    `json:"connection_id,omitempty"`
	Method      string    `json:"method"`
	Host        string    `json:"host"`
	Path        string    `json:"path"`
	Port        string    `json:"port"`
	IP          string    `json:"ip,omitempty"`
	Outcome     string    `json:"outcome"`
	State       string    `json:"state"` // last state reached
	Error       string    `json:"error,omitempty"`
	LatencySecs float64   `json:"latency_secs"`
	Size        int64     `json:"size_bytes"` // bytes delivered to the client
	Cached      int64     `json:"cached_bytes"`
}

// ConnectionIDKey carries the acceptor's connection id on the context.
type ConnectionIDKey struct{}

// ConnectionID returns the id stored under ConnectionIDKey, or "".
func ConnectionID(ctx context.Context) string {
	if v, ok := ctx.Value(ConnectionIDKey{}).(fmt.Stringer); ok {
		return v.String()
	}
	if v, ok := ctx.Value(ConnectionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// RequestObserver receives RequestRecords. NotifyObserver invokes them
// asynchronously, so they may be slow but must be safe for concurrent use.
type RequestObserver func(RequestRecord)

// Metrics is the set of counters and histograms a session reports to.
type Metrics interface {
	IncTotalRequests()
	IncHit()
	IncMiss()
	IncBlocked()
	IncBadRequest()
	IncDNSFailures()
	IncOriginErrors()
	IncCacheErrors()
	IncDropped()
	ObserveDuration(string, float64)
}

// Blocklist decides whether a host may be proxied.
type Blocklist interface {
	Blocked(host string) bool
}

// HostResolver maps a hostname to a cached IPv4 entry. *ipcache.Cache
// implements it.
type HostResolver interface {
	Resolve(ctx context.Context, hostname string) (ipcache.Entry, int, error)
}

// Dialer opens origin connections. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnectPolicy says what a session does when the origin refuses the connection.
type ConnectPolicy int

const (
	// ConnectProceed logs the failure and still attempts to forward; the
	// forward then fails and the session ends without answering the client.
	ConnectProceed ConnectPolicy = iota
	// ConnectFailFast answers the client with 400 immediately.
	ConnectFailFast
)

func (p ConnectPolicy) String() string {
	switch p {
	case ConnectProceed:
		return "proceed"
	case ConnectFailFast:
		return "fail-fast"
	}
	return fmt.Sprintf("ConnectPolicy(%d)", int(p))
}

// ParseConnectPolicy accepts "proceed" or "fail-fast".
func ParseConnectPolicy(s string) (ConnectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "proceed":
		return ConnectProceed, nil
	case "fail-fast", "failfast":
		return ConnectFailFast, nil
	}
	return ConnectProceed, fmt.Errorf("unknown connect policy %q", s)
}

// Config holds the collaborators and knobs shared by all sessions.
type Config struct {
	Blacklist     Blocklist
	Resolver      HostResolver
	Pages         *pagecache.Store // nil disables caching
	Dialer        Dialer
	ConnectPolicy ConnectPolicy

	// ClientReadTimeout bounds reading the request; OriginIdleTimeout bounds
	// each read from the origin. Zero waits forever.
	ClientReadTimeout time.Duration
	OriginIdleTimeout time.Duration

	Metrics         Metrics
	RequestObserver RequestObserver
}

// NotifyObserver invokes obs on its own goroutine; a panicking observer is logged.
func NotifyObserver(obs RequestObserver, rec RequestRecord) {
	if obs == nil {
		return
	}
	go func(r RequestRecord) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("panic", err).
					Str("record_path", r.Path).
					Str("record_outcome", r.Outcome).
					Msg("observer panicked")
			}
		}()
		obs(r)
	}(rec)
}
