// Package request parses the single HTTP request a proxy client sends on a
// fresh connection into the fields the proxy needs to forward it.
package request

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

const (
	// MaxSize bounds how many bytes of a client request are read. Anything
	// past it is ignored.
	MaxSize = 8192

	// MaxHostLen is the longest hostname accepted (RFC 1035 presentation form).
	MaxHostLen = 253

	// DefaultPort is used when the target carries no explicit port.
	DefaultPort = "80"

	// DefaultVersion is used when the request line has no version token.
	DefaultVersion = "HTTP/1.0"

	methodGet = "GET"
)

var (
	ErrMalformedRequest  = errors.New("malformed request")
	ErrUnsupportedMethod = errors.New("unsupported method")
)

// Request is the parsed form of a proxy request.
//
// Path keeps the scheme-stripped target, e.g. "//example.com/index.html" for
// "GET http://example.com/index.html HTTP/1.1", with any explicit port removed.
type Request struct {
	Method  string
	Host    string
	Path    string
	Port    string
	Version string
}

// RequestURI returns the target to put on the forwarded request line.
func (r Request) RequestURI() string {
	if strings.HasPrefix(r.Path, "//") {
		return "http:" + r.Path
	}
	return r.Path
}

// Hostname returns Host without a trailing ":port".
func (r Request) Hostname() string {
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		return h
	}
	return r.Host
}

// Read reads from rd until the end of the header block, EOF, or MaxSize bytes,
// whichever comes first. It returns what was read; a read error is only
// reported when nothing was read at all.
func Read(rd io.Reader) ([]byte, error) {
	buf := make([]byte, MaxSize)
	n := 0
	for n < len(buf) {
		m, err := rd.Read(buf[n:])
		n += m
		if bytes.Contains(buf[:n], []byte("\r\n\r\n")) {
			break
		}
		if err != nil {
			if n == 0 {
				return nil, err
			}
			break
		}
	}
	return buf[:n], nil
}

// Parse extracts a Request from raw. Input beyond MaxSize is ignored and raw
// is never modified.
func Parse(raw []byte) (Request, error) {
	if len(raw) > MaxSize {
		raw = raw[:MaxSize]
	}
	lines := strings.FieldsFunc(string(raw), func(r rune) bool { return r == '\r' || r == '\n' })
	if len(lines) == 0 {
		return Request{}, fmt.Errorf("%w: empty request line", ErrMalformedRequest)
	}

	fields := splitSpaces(lines[0])
	if len(fields) == 0 {
		return Request{}, fmt.Errorf("%w: empty request line", ErrMalformedRequest)
	}
	req := Request{Method: fields[0], Version: DefaultVersion}
	if !strings.HasPrefix(req.Method, methodGet) {
		return req, fmt.Errorf("%w: %q", ErrUnsupportedMethod, req.Method)
	}
	if len(fields) < 2 {
		return req, fmt.Errorf("%w: missing target", ErrMalformedRequest)
	}
	if len(fields) >= 3 {
		req.Version = fields[2]
	}

	req.Path, req.Port = splitTarget(fields[1])
	req.Host = headerHost(lines[1:])
	if req.Host == "" {
		req.Host = targetHost(req.Path)
	}
	switch {
	case req.Host == "":
		return req, fmt.Errorf("%w: no host", ErrMalformedRequest)
	case len(req.Host) > MaxHostLen:
		return req, fmt.Errorf("%w: host longer than %d bytes", ErrMalformedRequest, MaxHostLen)
	}
	return req, nil
}

func splitSpaces(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ' ' })
}

// splitTarget strips the scheme from target and separates an explicit port.
// "http://h:8080/p" yields ("//h/p", "8080"); "http://h/p" yields ("//h/p", "80").
// Only the authority, between "//" and the next "/", "?" or "#", can carry a
// port; colons later in the target belong to the path.
func splitTarget(target string) (path, port string) {
	rest := target
	if i := strings.Index(rest, "://"); i >= 0 && !strings.ContainsAny(rest[:i], "/?#") {
		rest = rest[i+1:]
	}
	if !strings.HasPrefix(rest, "//") {
		return rest, DefaultPort
	}
	end := len(rest)
	if k := strings.IndexAny(rest[2:], "/?#"); k >= 0 {
		end = 2 + k
	}
	authority, tail := rest[2:end], rest[end:]
	c := strings.LastIndexByte(authority, ':')
	if c < 0 {
		return rest, DefaultPort
	}
	host, seg := authority[:c], authority[c+1:]
	j := 0
	for j < len(seg) && seg[j] >= '0' && seg[j] <= '9' {
		j++
	}
	port = seg[:j]
	if port == "" {
		port = DefaultPort
	}
	return "//" + host + tail, port
}

// headerHost returns the second space separated field of the first line
// starting with "Host".
func headerHost(lines []string) string {
	for _, l := range lines {
		if !strings.HasPrefix(l, "Host") {
			continue
		}
		f := splitSpaces(l)
		if len(f) < 2 {
			return ""
		}
		return f[1]
	}
	return ""
}

func targetHost(path string) string {
	if !strings.HasPrefix(path, "//") {
		return ""
	}
	h := path[2:]
	if i := strings.IndexByte(h, '/'); i >= 0 {
		h = h[:i]
	}
	return h
}
