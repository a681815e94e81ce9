// Package pool implements the process-wide keep-alive connection pool: a
// single mutex-guarded mapping from an upstream authority to one idle
// socket, so successive requests to the same origin can skip a fresh
// TCP/TLS handshake.
package pool

import (
	"context"
	"net"
	"sync"

	"github.com/mstausch/openrelay/internal/logger"
	"github.com/mstausch/openrelay/internal/stats"
)

// Pool holds at most one idle connection per "host:port" key. All three
// operations take the mutex only for the duration of a single map
// operation plus at most one Close, so holding time is bounded and never
// blocks on I/O.
type Pool struct {
	mu    sync.Mutex
	conns map[string]net.Conn
	stats stats.Collector
}

// New returns an empty Pool. A nil collector is replaced with a
// stats.DummyCollector so callers never need a nil check.
func New(collector stats.Collector) *Pool {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	return &Pool{conns: make(map[string]net.Conn), stats: collector}
}

func key(host, port string) string {
	return net.JoinHostPort(host, port)
}

// Get returns and removes the pooled connection for (host, port), if any.
// The caller must verify liveness (a peer may have closed silently while
// idle) before reuse — that is the Dialer's job, not the Pool's.
func (p *Pool) Get(host, port string) (net.Conn, bool) {
	k := key(host, port)
	p.mu.Lock()
	conn, ok := p.conns[k]
	if ok {
		delete(p.conns, k)
	}
	p.mu.Unlock()

	if ok {
		p.stats.RecordPoolHit(context.Background(), k)
	} else {
		p.stats.RecordPoolMiss(context.Background(), k)
	}
	return conn, ok
}

// Put stores conn under (host, port). If a connection already occupies
// that slot it is closed before being displaced — put never leaks the
// connection it replaces.
func (p *Pool) Put(host, port string, conn net.Conn) {
	k := key(host, port)
	p.mu.Lock()
	old, existed := p.conns[k]
	p.conns[k] = conn
	p.mu.Unlock()

	if existed {
		if err := old.Close(); err != nil {
			logger.Debug("pool: error closing displaced connection for %s: %v", k, err)
		}
	}
}

// Remove erases the entry for (host, port) without closing it — used when
// the caller has already closed the connection itself.
func (p *Pool) Remove(host, port string) {
	k := key(host, port)
	p.mu.Lock()
	delete(p.conns, k)
	p.mu.Unlock()
}

// Len returns the number of idle connections currently pooled, for the
// dashboard's status page.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes and removes every pooled connection. Call once on shutdown,
// after the Acceptor has stopped accepting new clients.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]net.Conn)
	p.mu.Unlock()

	for k, c := range conns {
		if err := c.Close(); err != nil {
			logger.Debug("pool: error closing connection for %s during shutdown: %v", k, err)
		}
	}
}
