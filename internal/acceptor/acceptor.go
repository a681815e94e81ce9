// Package acceptor implements the TCP listener loop that hands the Engine
// one parsed request at a time: accept a client, assign it a monotonic id,
// read and parse a request, dispatch it, and loop on the same connection
// for as long as keep-alive holds. Generalized from the raw-syscall
// accept/read loop in _examples/jacmacmod-csprimer's proxy-keepalive
// sample to net.Listener/net.Conn.
package acceptor

import (
	"net"
	"strings"
	"sync/atomic"

	"github.com/mstausch/openrelay/internal/httpproto"
	"github.com/mstausch/openrelay/internal/logger"
)

// Handler is the interface the Engine satisfies: handle one parsed request
// on conn, on behalf of the given client id and client IP.
type Handler interface {
	Handle(conn net.Conn, clientID uint64, req *httpproto.Request, clientIP string) error
}

// Acceptor runs a single listener, feeding parsed requests to a Handler.
type Acceptor struct {
	listener  net.Listener
	handler   Handler
	nextID    atomic.Uint64
	active    atomic.Int64
	maxConns  int
	activeSem chan struct{}
}

// ActiveConnections reports the number of client connections currently
// being served, for the dashboard's status page.
func (a *Acceptor) ActiveConnections() int64 {
	return a.active.Load()
}

// New wraps an already-bound listener. maxConns of 0 means unbounded.
func New(ln net.Listener, handler Handler, maxConns int) *Acceptor {
	a := &Acceptor{listener: ln, handler: handler, maxConns: maxConns}
	if maxConns > 0 {
		a.activeSem = make(chan struct{}, maxConns)
	}
	return a
}

// Serve accepts connections until the listener is closed, dispatching each
// to its own goroutine.
func (a *Acceptor) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return err
		}
		clientID := a.nextID.Add(1)
		if a.activeSem != nil {
			select {
			case a.activeSem <- struct{}{}:
			default:
				logger.Errorf(clientID, "acceptor: connection limit reached, rejecting %s", conn.RemoteAddr())
				conn.Close()
				continue
			}
		}
		go a.serveConn(conn, clientID)
	}
}

func (a *Acceptor) serveConn(conn net.Conn, clientID uint64) {
	a.active.Add(1)
	defer func() {
		conn.Close()
		a.active.Add(-1)
		if a.activeSem != nil {
			<-a.activeSem
		}
	}()

	clientIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		clientIP = conn.RemoteAddr().String()
	}

	logger.Debugf(clientID, "acceptor: accepted connection from %s", conn.RemoteAddr())

	for {
		req, err := readRequest(conn)
		if err != nil {
			logger.Debugf(clientID, "acceptor: connection ended: %v", err)
			return
		}

		if err := a.handler.Handle(conn, clientID, req, clientIP); err != nil {
			logger.Errorf(clientID, "acceptor: handler error for %s %s: %v", req.Method, req.Target, err)
			return
		}

		if req.Method == "CONNECT" {
			// Ownership of conn now belongs to whatever the tunnel left
			// behind; there is no next request to read on this socket in
			// the core's scope.
			return
		}
		if !keepAlive(req) {
			return
		}
	}
}

// readRequest feeds conn's bytes to a fresh httpproto.Parser until the
// request's header block (and any body bytes the parser buffers alongside
// it) is complete.
func readRequest(conn net.Conn) (*httpproto.Request, error) {
	parser := httpproto.NewParser()
	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			done, perr := parser.Feed(buf[:n])
			if perr != nil {
				return nil, perr
			}
			if done {
				return parser.Request(), nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// keepAlive decides whether to read another request off the same
// connection, per HTTP/1.1's default-persistent / HTTP/1.0's
// default-close semantics and an explicit Connection header override.
func keepAlive(req *httpproto.Request) bool {
	conn := strings.ToLower(req.Headers.Get("Connection"))
	switch conn {
	case "close":
		return false
	case "keep-alive":
		return true
	}
	return req.Version == "HTTP/1.1"
}
