package server

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pixperk/distlockd/pkg/metrics"
	"github.com/pixperk/distlockd/pkg/protocol"
	"github.com/pixperk/distlockd/pkg/registry"
)

const writeTimeout = 10 * time.Second

// handleConn runs the request/response loop for one connection. There is no
// per-connection state beyond the socket itself; a transport error ends this
// handler only and never touches the registry or other connections.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	metrics.ConnectionsOpen.Inc()
	defer metrics.ConnectionsOpen.Dec()

	remote := conn.RemoteAddr()
	if s.cfg.Verbose {
		log.Printf("[DEBUG] %s connected", remote)
		defer log.Printf("[DEBUG] %s disconnected", remote)
	}

	r := bufio.NewReaderSize(conn, protocol.MaxLineLen)

	for {
		// clear any probe deadline left over from a LOCK wait
		conn.SetReadDeadline(time.Time{})

		line, err := r.ReadSlice('\n')
		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			if !drainLine(r) {
				return
			}
			metrics.ProtocolErrorsTotal.WithLabelValues(protocol.CodeLineTooLong).Inc()
			if !s.reply(conn, protocol.FormatErrorReply(protocol.CodeLineTooLong)) {
				return
			}
			continue
		default:
			if s.cfg.Verbose && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("[DEBUG] %s read failed: %v", remote, err)
			}
			return
		}

		req, perr := protocol.Parse(strings.TrimSuffix(string(line), "\n"))
		if perr != nil {
			metrics.ProtocolErrorsTotal.WithLabelValues(perr.Code).Inc()
			if s.cfg.Verbose {
				log.Printf("[DEBUG] %s rejected request: %v", remote, perr)
			}
			// protocol errors are answered, never fatal to the connection
			if !s.reply(conn, protocol.FormatErrorReply(perr.Code)) {
				return
			}
			continue
		}

		metrics.RequestsTotal.WithLabelValues(req.Verb).Inc()

		var resp string
		alive := true
		switch req.Verb {
		case protocol.VerbLock:
			resp, alive = s.handleLock(conn, r, req)
		case protocol.VerbRelease:
			resp = s.handleRelease(req)
		case protocol.VerbHealth:
			resp = protocol.FormatHealthReply(s.reg.Stats().Held)
		}
		if !alive {
			return
		}
		if !s.reply(conn, resp) {
			return
		}
	}
}

// handleLock answers a LOCK request. The first attempt is immediate; if
// denied and the request carries a timeout, the handler keeps re-attempting
// on a fixed cadence until the deadline. The registry mutex is held only for
// the instant of each attempt, never across a pause, so a waiter cannot
// starve releases, other handlers or the sweeper.
func (s *Server) handleLock(conn net.Conn, r *bufio.Reader, req protocol.Request) (string, bool) {
	start := time.Now()
	granted, alive := s.acquireWithin(conn, r, req)
	metrics.LockAcquireDuration.WithLabelValues(req.Name).Observe(time.Since(start).Seconds())

	if !alive {
		// peer went away mid-wait; anything it already held stays held
		// until the sweeper reclaims it
		return "", false
	}
	if granted {
		metrics.LockAcquireTotal.WithLabelValues(req.Name, "granted").Inc()
		metrics.LocksHeld.Set(float64(s.reg.Stats().Held))
		if s.cfg.Verbose {
			log.Printf("[DEBUG] lock %q granted to %s", req.Name, req.Holder)
		}
		return protocol.RespOK + "\n", true
	}
	metrics.LockAcquireTotal.WithLabelValues(req.Name, "denied").Inc()
	return protocol.RespDenied + "\n", true
}

// acquireWithin polls TryAcquire until granted, the request deadline passes,
// the server shuts down, or the peer disconnects. alive=false means the
// response must not be written.
func (s *Server) acquireWithin(conn net.Conn, r *bufio.Reader, req protocol.Request) (granted, alive bool) {
	res := s.reg.TryAcquire(req.Name, req.Holder)
	if res.Granted {
		return true, true
	}
	if s.cfg.Verbose {
		log.Printf("[DEBUG] lock %q busy for %s (holder age %s), waiting up to %s",
			req.Name, req.Holder, res.HolderAge, req.Timeout)
	}

	deadline := time.Now().Add(req.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, true
		}
		pause := s.cfg.PollInterval
		if pause > remaining {
			pause = remaining
		}

		select {
		case <-s.ctx.Done():
			return false, true
		case <-time.After(pause):
		}

		if !connAlive(conn, r) {
			return false, false
		}
		if s.reg.TryAcquire(req.Name, req.Holder).Granted {
			return true, true
		}
	}
}

func (s *Server) handleRelease(req protocol.Request) string {
	switch s.reg.Release(req.Name, req.Holder) {
	case registry.Released:
		metrics.LockReleaseTotal.WithLabelValues(req.Name, "released").Inc()
		metrics.LocksHeld.Set(float64(s.reg.Stats().Held))
		if s.cfg.Verbose {
			log.Printf("[DEBUG] lock %q released by %s", req.Name, req.Holder)
		}
		return protocol.RespOK + "\n"
	case registry.NotHeld:
		metrics.LockReleaseTotal.WithLabelValues(req.Name, "not_held").Inc()
		return protocol.RespNotHeld + "\n"
	default:
		metrics.LockReleaseTotal.WithLabelValues(req.Name, "forbidden").Inc()
		return protocol.RespForbidden + "\n"
	}
}

// reply writes one response line; false means the connection is done for.
func (s *Server) reply(conn net.Conn, resp string) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := io.WriteString(conn, resp)
	return err == nil
}

// drainLine discards the remainder of an over-long request line so the
// connection can resynchronize on the next newline.
func drainLine(r *bufio.Reader) bool {
	for {
		_, err := r.ReadSlice('\n')
		switch {
		case err == nil:
			return true
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return false
		}
	}
}

// connAlive reports whether the peer is still reachable without consuming
// input. A read deadline in the past turns Peek into a non-blocking probe:
// a deadline error means quiet but open, anything else means the peer went
// away. Bytes that did arrive stay buffered for the next read.
func connAlive(conn net.Conn, r *bufio.Reader) bool {
	if r.Buffered() > 0 {
		return true
	}
	conn.SetReadDeadline(time.Now())
	_, err := r.Peek(1)
	conn.SetReadDeadline(time.Time{})
	return err == nil || errors.Is(err, os.ErrDeadlineExceeded)
}
