// Package config parses the cache-proxy command line.
package config

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jnovack/flag"

	"github.com/jnovack/cache-proxy/pkg/blacklist"
	"github.com/jnovack/cache-proxy/pkg/cacheproxy"
	"github.com/jnovack/cache-proxy/pkg/ipcache"
)

// ErrUsage is returned when the positional arguments are missing or invalid.
var ErrUsage = errors.New("usage: cache-proxy [flags] <port> <ttl_seconds>")

// Config is the parsed command line.
type Config struct {
	Port int           `json:"port"`
	TTL  time.Duration `json:"ttl"`

	LogLevel          string                   `json:"logLevel"`
	LogFormat         string                   `json:"logFormat"`
	CacheDir          string                   `json:"cacheDir"`
	Blacklist         string                   `json:"blacklist"`
	IPCacheSize       int                      `json:"ipCacheSize"`
	DNSServer         string                   `json:"dnsServer,omitempty"`
	AdminAddr         string                   `json:"adminAddr,omitempty"`
	ConnectPolicy     cacheproxy.ConnectPolicy `json:"-"`
	ClientReadTimeout time.Duration            `json:"clientReadTimeout"`
	OriginIdleTimeout time.Duration            `json:"originIdleTimeout"`
	MaxConns          int                      `json:"maxConns"`
	CaptureSize       int                      `json:"captureSize"`
}

// Addr is the proxy listen address.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Parse reads flags and the two positional arguments from args (without the
// program name). Usage text goes to out on error.
func Parse(args []string, out io.Writer) (Config, error) {
	var (
		c      Config
		policy string
	)
	fs := flag.NewFlagSet("cache-proxy", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&c.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", "console", "log format (console, json)")
	fs.StringVar(&c.CacheDir, "cache-dir", ".", "directory holding cached pages")
	fs.StringVar(&c.Blacklist, "blacklist", blacklist.DefaultPath, "file with one blocked host prefix per line")
	fs.IntVar(&c.IPCacheSize, "ip-cache-size", ipcache.DefaultCapacity, "number of hostname to IPv4 slots")
	fs.StringVar(&c.DNSServer, "dns-server", "", "resolve through this DNS server (host[:port]) instead of the system resolver")
	fs.StringVar(&c.AdminAddr, "admin-addr", "", "admin HTTP listen address; empty disables")
	fs.StringVar(&policy, "connect-policy", "proceed", "on origin connect failure: proceed or fail-fast")
	fs.DurationVar(&c.ClientReadTimeout, "client-read-timeout", 60*time.Second, "limit for reading the client request; 0 waits forever")
	fs.DurationVar(&c.OriginIdleTimeout, "origin-idle-timeout", 60*time.Second, "limit between origin reads; 0 waits forever")
	fs.IntVar(&c.MaxConns, "max-conns", 0, "maximum concurrent client connections; 0 is unlimited")
	fs.IntVar(&c.CaptureSize, "capture-size", 1000, "recent requests kept for /requestz")
	fs.Usage = func() {
		fmt.Fprintln(out, ErrUsage.Error())
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return c, ErrUsage
	}

	port, err := strconv.Atoi(fs.Arg(0))
	if err != nil || port < 0 || port > 65535 {
		return c, fmt.Errorf("%w: invalid port %q", ErrUsage, fs.Arg(0))
	}
	ttl, err := strconv.Atoi(fs.Arg(1))
	if err != nil || ttl < 0 {
		return c, fmt.Errorf("%w: invalid ttl %q", ErrUsage, fs.Arg(1))
	}
	c.Port = port
	c.TTL = time.Duration(ttl) * time.Second

	if c.ConnectPolicy, err = cacheproxy.ParseConnectPolicy(policy); err != nil {
		return c, err
	}
	if c.IPCacheSize <= 0 {
		return c, fmt.Errorf("ip-cache-size must be positive, got %d", c.IPCacheSize)
	}
	return c, nil
}

// Varz is the document served on /varz.
func (c Config) Varz() map[string]any {
	return map[string]any{
		"port":                c.Port,
		"ttl":                 c.TTL.String(),
		"log-level":           c.LogLevel,
		"log-format":          c.LogFormat,
		"cache-dir":           c.CacheDir,
		"blacklist":           c.Blacklist,
		"ip-cache-size":       c.IPCacheSize,
		"dns-server":          c.DNSServer,
		"connect-policy":      c.ConnectPolicy.String(),
		"client-read-timeout": c.ClientReadTimeout.String(),
		"origin-idle-timeout": c.OriginIdleTimeout.String(),
		"max-conns":           c.MaxConns,
	}
}
