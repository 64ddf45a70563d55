package ipcache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// Resolver turns a hostname into a single dotted-quad IPv4 address.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, host string) (string, error)

func (f ResolverFunc) LookupIPv4(ctx context.Context, host string) (string, error) {
	return f(ctx, host)
}

var errNoIPv4 = errors.New("no IPv4 address")

// normalize returns an IPv4 literal unchanged (ok=true) or the ASCII form of host.
func normalize(host string) (string, bool, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), true, nil
		}
		return "", false, errNoIPv4
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", false, err
	}
	return ascii, false, nil
}

// SystemResolver resolves through the Go resolver (and so /etc/hosts and the
// system's configured nameservers).
type SystemResolver struct {
	Resolver *net.Resolver
}

// NewSystemResolver returns a SystemResolver using net.DefaultResolver.
func NewSystemResolver() *SystemResolver {
	return &SystemResolver{Resolver: net.DefaultResolver}
}

func (r *SystemResolver) LookupIPv4(ctx context.Context, host string) (string, error) {
	name, literal, err := normalize(host)
	if err != nil || literal {
		return name, err
	}
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	ips, err := res.LookupIP(ctx, "ip4", name)
	if err != nil {
		return "", err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", errNoIPv4
}

// DNSResolver sends A queries straight to an upstream nameserver.
type DNSResolver struct {
	Server string // host:port
	Client *dns.Client
}

// NewDNSResolver returns a resolver querying server over UDP. A server
// without a port gets ":53".
func NewDNSResolver(server string) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{
		Server: server,
		Client: &dns.Client{Net: "udp", Timeout: 5 * time.Second},
	}
}

func (r *DNSResolver) LookupIPv4(ctx context.Context, host string) (string, error) {
	name, literal, err := normalize(host)
	if err != nil || literal {
		return name, err
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.RecursionDesired = true

	in, _, err := r.Client.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return "", err
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("%s: rcode %s", name, dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", errNoIPv4
}
