package cacheproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/cache-proxy/pkg/pagecache"
	"github.com/jnovack/cache-proxy/pkg/request"
)

// BadRequest is the only response the proxy generates itself.
const BadRequest = "400 Bad Request\r\n\r\n"

// relayBufSize is the size of each read from the origin.
const relayBufSize = 8192

var (
	ErrBlacklistedHost = errors.New("blacklisted host")
	ErrDNSResolution   = errors.New("dns resolution failed")
	ErrOriginConnect   = errors.New("origin connect failed")
	ErrOriginSend      = errors.New("origin send failed")
	ErrSocketCreation  = errors.New("socket creation failed")

	errNotConnected = errors.New("origin not connected")
)

// State is a step of the per-connection state machine.
type State int

const (
	StateStart State = iota
	StateParsed
	StateBlacklistChecked
	StateResolving
	StateConnecting
	StateForwarding
	StateRelaying
	StateDone
	StateError
	StateDropped
)

var stateNames = [...]string{
	StateStart:            "start",
	StateParsed:           "parsed",
	StateBlacklistChecked: "blacklist_checked",
	StateResolving:        "resolving",
	StateConnecting:       "connecting",
	StateForwarding:       "forwarding",
	StateRelaying:         "relaying",
	StateDone:             "done",
	StateError:            "error",
	StateDropped:          "dropped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// originHeaders is appended to every forwarded request line and Host header.
const originHeaders = "User-Agent: Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:69.0) Gecko/20100101 Firefox/69.0\r\n" +
	"Accept: text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8\r\n" +
	"Accept-Language: en-US,en;q=0.5\r\n" +
	"Accept-Encoding: gzip, deflate\r\n" +
	"Connection: keep-alive\r\n"

// ForwardRequest renders the request sent to the origin for req.
func ForwardRequest(req request.Request) string {
	return req.Method + " " + req.RequestURI() + " " + req.Version + "\r\n" +
		"Host: " + req.Host + "\r\n" +
		originHeaders + "\r\n"
}

type session struct {
	cfg   Config
	conn  net.Conn
	start time.Time
	state State

	req      request.Request
	ip       string
	outcome  string
	sent     int64
	cached   int64
	answered bool
}

// HandleConn runs one proxy session on conn and returns why it ended; nil
// means the client got a cached or relayed response. The caller owns conn
// and closes it afterwards.
//
// Parse, blacklist and resolution failures are answered with BadRequest.
// Socket exhaustion drops the connection silently. Origin send failures end
// the session without a response.
func HandleConn(ctx context.Context, conn net.Conn, cfg Config) error {
	if cfg.Metrics != nil {
		cfg.Metrics.IncTotalRequests()
	}
	s := &session{cfg: cfg, conn: conn, start: time.Now()}
	err := s.run(ctx)
	s.finish(ctx, err)
	return err
}

func (s *session) run(ctx context.Context) error {
	logger := log.Ctx(ctx)

	if d := s.cfg.ClientReadTimeout; d > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(d))
	}
	raw, err := request.Read(s.conn)
	_ = s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.reject()
		return fmt.Errorf("%w: read: %v", request.ErrMalformedRequest, err)
	}

	s.req, err = request.Parse(raw)
	if err != nil {
		s.reject()
		return err
	}
	s.state = StateParsed
	host := s.req.Hostname()
	logger.Debug().Str("method", s.req.Method).Str("host", s.req.Host).Str("path", s.req.Path).
		Str("port", s.req.Port).Str("version", s.req.Version).Msg("parsed request")

	if s.cfg.Blacklist != nil && s.cfg.Blacklist.Blocked(host) {
		s.reject()
		return fmt.Errorf("%w: %s", ErrBlacklistedHost, host)
	}
	s.state = StateBlacklistChecked

	if s.cfg.Pages != nil {
		hit, werr := s.cfg.Pages.Serve(s.req.Path, s.conn)
		if hit {
			s.answered = true
			if werr != nil {
				logger.Debug().Err(werr).Msg("client went away while serving cached page")
			}
			s.outcome = OutcomeHit
			s.state = StateDone
			return nil
		}
	}

	s.state = StateResolving
	entry, slot, err := s.cfg.Resolver.Resolve(ctx, host)
	if err != nil {
		s.reject()
		return fmt.Errorf("%w: %w", ErrDNSResolution, err)
	}
	s.ip = entry.IP
	logger.Debug().Str("host", entry.Hostname).Str("ip", entry.IP).Int("slot", slot).Msg("resolved")

	s.state = StateConnecting
	addr := net.JoinHostPort(entry.IP, s.req.Port)
	var out io.Writer = notConnected{}
	origin, err := s.dialer().DialContext(ctx, "tcp4", addr)
	switch {
	case err == nil:
		defer origin.Close()
		out = origin
	case socketExhausted(err):
		s.state = StateDropped
		return fmt.Errorf("%w: %v", ErrSocketCreation, err)
	default:
		cerr := fmt.Errorf("%w: %s: %v", ErrOriginConnect, addr, err)
		if s.cfg.ConnectPolicy == ConnectFailFast {
			s.reject()
			return cerr
		}
		logger.Warn().Err(cerr).Msg("connect failed, forwarding anyway")
	}

	s.state = StateForwarding
	if _, err := io.WriteString(out, ForwardRequest(s.req)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOriginSend, addr, err)
	}

	var page *pagecache.Writer
	if s.cfg.Pages != nil {
		if page, err = s.cfg.Pages.Create(s.req.Path); err != nil {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.IncCacheErrors()
			}
			logger.Warn().Err(err).Str("path", s.req.Path).Msg("caching disabled for this response")
		}
	}

	s.state = StateRelaying
	s.answered = true
	s.relay(ctx, origin, page)
	s.outcome = OutcomeMiss
	s.state = StateDone
	return nil
}

func (s *session) dialer() Dialer {
	if s.cfg.Dialer != nil {
		return s.cfg.Dialer
	}
	return &net.Dialer{}
}

// relay copies the origin's bytes to the client and the page writer until the
// origin closes or a read fails. A broken client stops client writes only; a
// broken cache file is discarded without affecting the client.
func (s *session) relay(ctx context.Context, origin net.Conn, page *pagecache.Writer) {
	logger := log.Ctx(ctx)
	buf := make([]byte, relayBufSize)
	clientOK := true
	for {
		if d := s.cfg.OriginIdleTimeout; d > 0 {
			_ = origin.SetReadDeadline(time.Now().Add(d))
		}
		n, rerr := origin.Read(buf)
		if n > 0 {
			if clientOK {
				w, err := s.conn.Write(buf[:n])
				s.sent += int64(w)
				if err != nil {
					clientOK = false
					logger.Debug().Err(err).Msg("client write failed, still caching")
				}
			}
			if page != nil {
				if _, err := page.Write(buf[:n]); err != nil {
					logger.Warn().Err(err).Str("file", page.Name()).Msg("cache write failed")
					_ = page.Abort()
					page = nil
					if s.cfg.Metrics != nil {
						s.cfg.Metrics.IncCacheErrors()
					}
				}
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				logger.Debug().Err(rerr).Msg("origin read ended")
			}
			break
		}
	}
	if page == nil {
		return
	}
	if err := page.Close(); err != nil {
		logger.Warn().Err(err).Msg("commit cache page failed")
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncCacheErrors()
		}
		return
	}
	s.cached = page.Len()
	logger.Debug().Str("file", page.Name()).Int64("size", s.cached).Msg("cached page")
}

// reject answers the client with BadRequest.
func (s *session) reject() {
	s.state = StateError
	s.answered = true
	_, _ = io.WriteString(s.conn, BadRequest)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrBlacklistedHost):
		return OutcomeBlocked
	case errors.Is(err, ErrDNSResolution):
		return OutcomeDNSFailure
	case errors.Is(err, ErrSocketCreation):
		return OutcomeDropped
	case errors.Is(err, ErrOriginConnect), errors.Is(err, ErrOriginSend):
		return OutcomeOriginError
	}
	return OutcomeBadRequest
}

func (s *session) finish(ctx context.Context, err error) {
	if err != nil {
		s.outcome = outcomeOf(err)
	}
	latency := time.Since(s.start)

	if m := s.cfg.Metrics; m != nil {
		switch s.outcome {
		case OutcomeHit:
			m.IncHit()
		case OutcomeMiss:
			m.IncMiss()
		case OutcomeBlocked:
			m.IncBlocked()
		case OutcomeDNSFailure:
			m.IncDNSFailures()
		case OutcomeOriginError:
			m.IncOriginErrors()
		case OutcomeDropped:
			m.IncDropped()
		default:
			m.IncBadRequest()
		}
		m.ObserveDuration(s.outcome, latency.Seconds())
	}

	rec := RequestRecord{
		Time:        time.Now(),
		ConnID:      ConnectionID(ctx),
		Method:      s.req.Method,
		Host:        s.req.Host,
		Path:        s.req.Path,
		Port:        s.req.Port,
		IP:          s.ip,
		Outcome:     s.outcome,
		State:       s.state.String(),
		LatencySecs: latency.Seconds(),
		Size:        s.sent,
		Cached:      s.cached,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	NotifyObserver(s.cfg.RequestObserver, rec)

	var ev *zerolog.Event
	switch s.outcome {
	case OutcomeHit, OutcomeMiss:
		ev = log.Ctx(ctx).Info()
	case OutcomeOriginError, OutcomeDropped:
		ev = log.Ctx(ctx).Error().Err(err)
	default:
		ev = log.Ctx(ctx).Warn().Err(err)
	}
	ev.Str("host", s.req.Host).
		Str("path", s.req.Path).
		Str("outcome", s.outcome).
		Str("state", s.state.String()).
		Bool("answered", s.answered).
		Int64("bytes", s.sent).
		Dur("latency", latency).
		Msg("served")
}

// socketExhausted reports whether a dial failed before any connection attempt
// because the process or system ran out of sockets or buffers.
func socketExhausted(err error) bool {
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}

// notConnected stands in for an origin whose connect failed.
type notConnected struct{}

func (notConnected) Write([]byte) (int, error) { return 0, errNotConnected }
