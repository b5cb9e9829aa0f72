package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pixperk/distlockd/pkg/registry"
)

// DefaultPollInterval is the cadence at which a waiting LOCK request
// re-attempts acquisition.
const DefaultPollInterval = 50 * time.Millisecond

type Config struct {
	Addr         string        // TCP listen address, e.g. "0.0.0.0:8888"
	PollInterval time.Duration // delay between LOCK re-attempts while waiting
	Verbose      bool          // per-request debug logging
}

// Server accepts client connections and runs one protocol handler per
// connection. The registry is the only shared state; everything else is
// per-connection.
type Server struct {
	cfg Config
	reg *registry.Registry

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func New(cfg Config, reg *registry.Registry) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		reg:    reg,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections in the
// background. It returns once the address is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address (useful with a ":0" config).
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[WARNING] accept failed: %v", err)
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

// Stop closes the listener and every open connection, then waits for all
// handlers to drain. In-flight LOCK waits are cut short and answered as
// the connection closes; held locks are left to the sweeper.
func (s *Server) Stop() {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}

	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
}
