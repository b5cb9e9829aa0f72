package client

import (
	"net"
	"sync"
	"time"
)

// pool is a small free-list of TCP connections to one server. get hands out
// an idle connection or dials a fresh one; callers return healthy
// connections with put and simply close broken ones.
type pool struct {
	addr        string
	dialTimeout time.Duration
	maxIdle     int

	mu   sync.Mutex
	idle []net.Conn
}

func newPool(addr string, dialTimeout time.Duration, maxIdle int) *pool {
	return &pool{
		addr:        addr,
		dialTimeout: dialTimeout,
		maxIdle:     maxIdle,
	}
}

func (p *pool) get() (net.Conn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	return net.DialTimeout("tcp", p.addr, p.dialTimeout)
}

func (p *pool) put(conn net.Conn) {
	p.mu.Lock()
	if len(p.idle) >= p.maxIdle {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

func (p *pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conn := range p.idle {
		conn.Close()
	}
	p.idle = nil
}
