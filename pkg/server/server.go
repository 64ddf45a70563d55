// Package server accepts proxy client connections and runs one session per
// connection on its own goroutine.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"github.com/jnovack/cache-proxy/pkg/cacheproxy"
)

// Inflight is implemented by metrics that track open connections.
type Inflight interface {
	InflightAdd(id string)
	InflightRemove(id string)
}

// Server is the proxy's TCP front end.
type Server struct {
	Addr    string
	Session cacheproxy.Config

	// MaxConns caps concurrently served connections; 0 means unlimited.
	MaxConns int
	Inflight Inflight

	ln           net.Listener
	done         chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// Start begins listening and serving until Close is called or listener fails.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	if s.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.MaxConns)
	}
	s.ln = ln
	s.done = make(chan struct{})

	go s.acceptLoop()
	log.Info().Str("addr", ln.Addr().String()).Int("max_conns", s.MaxConns).Msg("proxy listening")
	return nil
}

// ListenAddr returns the bound address, useful when Addr used port 0.
func (s *Server) ListenAddr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the listener and signals the accept loop to stop. Sessions
// already running are left to finish; Wait blocks until they have.
func (s *Server) Close() error {
	s.shutdownOnce.Do(func() {
		if s.done != nil {
			close(s.done)
		}
		if s.ln != nil {
			_ = s.ln.Close()
		}
	})
	return nil
}

// Wait blocks until all running sessions have returned or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				log.Debug().Err(err).Msg("listener closed, exiting accept loop")
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("listener closed, exiting accept loop")
				return
			}
			log.Warn().Err(err).Msg("accept error, retrying")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	id := uuid.Must(uuid.NewV7())
	logger := log.With().
		Str("connection_id", id.String()).
		Str("client", conn.RemoteAddr().String()).
		Logger()
	ctx := logger.WithContext(context.Background())
	ctx = context.WithValue(ctx, cacheproxy.ConnectionIDKey{}, id)

	if s.Inflight != nil {
		s.Inflight.InflightAdd(id.String())
		defer s.Inflight.InflightRemove(id.String())
	}

	_ = cacheproxy.HandleConn(ctx, conn, s.Session)
}
