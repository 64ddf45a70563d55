package request

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAbsoluteForm(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Request
	}{
		{
			name: "default port",
			raw:  "GET http://example.com/index.html HTTP/1.1\r\nHost: example.com\r\n\r\n",
			want: Request{Method: "GET", Host: "example.com", Path: "//example.com/index.html", Port: "80", Version: "HTTP/1.1"},
		},
		{
			name: "explicit port",
			raw:  "GET http://example.com:8080/a/b HTTP/1.1\r\nHost: example.com:8080\r\n\r\n",
			want: Request{Method: "GET", Host: "example.com:8080", Path: "//example.com/a/b", Port: "8080", Version: "HTTP/1.1"},
		},
		{
			name: "port without path",
			raw:  "GET http://example.com:81 HTTP/1.0\r\nHost: example.com\r\n\r\n",
			want: Request{Method: "GET", Host: "example.com", Path: "//example.com", Port: "81", Version: "HTTP/1.0"},
		},
		{
			name: "host header not second line",
			raw:  "GET http://example.com/ HTTP/1.1\r\nAccept: */*\r\nHost: example.com\r\n\r\n",
			want: Request{Method: "GET", Host: "example.com", Path: "//example.com/", Port: "80", Version: "HTTP/1.1"},
		},
		{
			name: "no host header uses target",
			raw:  "GET http://example.org/x HTTP/1.1\r\n\r\n",
			want: Request{Method: "GET", Host: "example.org", Path: "//example.org/x", Port: "80", Version: "HTTP/1.1"},
		},
		{
			name: "missing version",
			raw:  "GET http://example.org/x\r\n\r\n",
			want: Request{Method: "GET", Host: "example.org", Path: "//example.org/x", Port: "80", Version: "HTTP/1.0"},
		},
		{
			name: "colon in path",
			raw:  "GET http://example.com/wiki/Talk:Main HTTP/1.1\r\nHost: example.com\r\n\r\n",
			want: Request{Method: "GET", Host: "example.com", Path: "//example.com/wiki/Talk:Main", Port: "80", Version: "HTTP/1.1"},
		},
		{
			name: "colon in query",
			raw:  "GET http://example.com/t?time=12:30 HTTP/1.1\r\nHost: example.com\r\n\r\n",
			want: Request{Method: "GET", Host: "example.com", Path: "//example.com/t?time=12:30", Port: "80", Version: "HTTP/1.1"},
		},
		{
			name: "explicit port and colon in path",
			raw:  "GET http://example.com:8080/a:b?x=1:2 HTTP/1.1\r\nHost: example.com:8080\r\n\r\n",
			want: Request{Method: "GET", Host: "example.com:8080", Path: "//example.com/a:b?x=1:2", Port: "8080", Version: "HTTP/1.1"},
		},
		{
			name: "port before query",
			raw:  "GET http://example.com:81?q=1 HTTP/1.1\r\nHost: example.com\r\n\r\n",
			want: Request{Method: "GET", Host: "example.com", Path: "//example.com?q=1", Port: "81", Version: "HTTP/1.1"},
		},
		{
			name: "origin form with colon",
			raw:  "GET /wiki/Talk:Main HTTP/1.1\r\nHost: example.net\r\n\r\n",
			want: Request{Method: "GET", Host: "example.net", Path: "/wiki/Talk:Main", Port: "80", Version: "HTTP/1.1"},
		},
		{
			name: "origin form with host header",
			raw:  "GET /plain HTTP/1.1\r\nHost: example.net\r\n\r\n",
			want: Request{Method: "GET", Host: "example.net", Path: "/plain", Port: "80", Version: "HTTP/1.1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "", ErrMalformedRequest},
		{"only newlines", "\r\n\r\n", ErrMalformedRequest},
		{"only spaces", "   \r\n", ErrMalformedRequest},
		{"post", "POST http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n", ErrUnsupportedMethod},
		{"lowercase get", "get http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n", ErrUnsupportedMethod},
		{"connect", "CONNECT example.com:443 HTTP/1.1\r\n\r\n", ErrUnsupportedMethod},
		{"missing target", "GET\r\nHost: example.com\r\n\r\n", ErrMalformedRequest},
		{"no host anywhere", "GET /x HTTP/1.1\r\n\r\n", ErrMalformedRequest},
		{"host too long", "GET http://a/ HTTP/1.1\r\nHost: " + strings.Repeat("a", MaxHostLen+1) + "\r\n\r\n", ErrMalformedRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseDoesNotModifyInput(t *testing.T) {
	raw := []byte("GET http://example.com:8080/a HTTP/1.1\r\nHost: example.com\r\n\r\n")
	orig := bytes.Clone(raw)
	_, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, orig, raw)
}

func TestParseTruncatesOversizedInput(t *testing.T) {
	raw := "GET http://example.com/a HTTP/1.1\r\nX-Pad: " + strings.Repeat("p", MaxSize) + "\r\nHost: late.example\r\n\r\n"
	got, err := Parse([]byte(raw))
	require.NoError(t, err)
	// The Host line lies past MaxSize, so the host comes from the target.
	assert.Equal(t, "example.com", got.Host)
}

func TestHostnameAndRequestURI(t *testing.T) {
	r := Request{Host: "example.com:8080", Path: "//example.com/a"}
	assert.Equal(t, "example.com", r.Hostname())
	assert.Equal(t, "http://example.com/a", r.RequestURI())

	r = Request{Host: "example.com", Path: "/a"}
	assert.Equal(t, "example.com", r.Hostname())
	assert.Equal(t, "/a", r.RequestURI())
}

func TestReadStopsAtHeaderEnd(t *testing.T) {
	payload := "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"
	rd := iotest.OneByteReader(strings.NewReader(payload + "trailing body"))
	got, err := Read(rd)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestReadTruncatesAtMaxSize(t *testing.T) {
	got, err := Read(strings.NewReader(strings.Repeat("x", MaxSize*2)))
	require.NoError(t, err)
	assert.Len(t, got, MaxSize)
}

func TestReadReturnsPartialOnEOF(t *testing.T) {
	got, err := Read(strings.NewReader("GET http://example.com/ HTTP/1.1\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "GET http://example.com/ HTTP/1.1\r\n", string(got))

	_, err = Read(strings.NewReader(""))
	require.ErrorIs(t, err, io.EOF)
}
