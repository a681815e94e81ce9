// Package dialer implements the upstream connection dialer: it first tries
// to reuse a pooled connection to the target authority, verifying liveness
// with a non-blocking MSG_PEEK the way a C proxy would probe a socket for a
// peer-initiated close before reusing it, then falls back to a fresh dial —
// either straight to the target, or chained through a configured SOCKS5 or
// HTTP CONNECT forward proxy.
package dialer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mstausch/openrelay/internal/classifier"
	"github.com/mstausch/openrelay/internal/config"
	"github.com/mstausch/openrelay/internal/logger"
	"github.com/mstausch/openrelay/internal/pool"
	"github.com/mstausch/openrelay/internal/resolver"
	"github.com/mstausch/openrelay/internal/socks5client"
)

const defaultDialTimeout = 5 * time.Second

// compiledForward is a config.Forward with its classifier already compiled
// into an executable form, so Dial doesn't re-parse rules per call.
type compiledForward struct {
	kind       config.ForwardType
	classifier classifier.Classifier
	address    string
	username   string
	password   string
}

// Dialer resolves and opens connections to upstream targets, consulting the
// connection pool before every dial and the configured forward rules for
// every miss.
type Dialer struct {
	pool        *pool.Pool
	forwards    []compiledForward
	dialTimeout time.Duration
	resolver    *net.Resolver
}

// New builds a Dialer from cfg, compiling every configured forward rule's
// classifier once up front.
func New(cfg *config.Config, p *pool.Pool) (*Dialer, error) {
	forwards := make([]compiledForward, 0, len(cfg.Forwards))
	for i, fwd := range cfg.Forwards {
		compiled, err := classifier.CompileClassifier(fwd.Classifier())
		if err != nil {
			return nil, fmt.Errorf("forward rule %d: failed to compile classifier: %w", i, err)
		}
		cf := compiledForward{kind: fwd.Type(), classifier: compiled}
		switch f := fwd.(type) {
		case *config.ForwardSocks5:
			cf.address = f.Address
			if f.Username != nil {
				cf.username = *f.Username
			}
			if f.Password != nil {
				cf.password = *f.Password
			}
		case *config.ForwardProxy:
			cf.address = f.Address
			if f.Username != nil {
				cf.username = *f.Username
			}
			if f.Password != nil {
				cf.password = *f.Password
			}
		}
		forwards = append(forwards, cf)
	}

	timeout := defaultDialTimeout
	if cfg.DialTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.DialTimeoutSeconds) * time.Second
	}

	return &Dialer{
		pool:        p,
		forwards:    forwards,
		dialTimeout: timeout,
		resolver:    resolver.GetResolver(cfg.DNS),
	}, nil
}

// Dial returns a connection to host:port, reusing a pooled connection when
// one is idle and still alive, otherwise dialing a fresh one per the
// configured forward rules. clientIP is the connecting client's address,
// used to evaluate forward-rule classifiers that key on it.
func (d *Dialer) Dial(ctx context.Context, host, port, clientIP string) (net.Conn, error) {
	if conn, ok := d.pool.Get(host, port); ok {
		if isConnAlive(conn) {
			return conn, nil
		}
		logger.Debug("dialer: discarding dead pooled connection to %s", net.JoinHostPort(host, port))
		conn.Close()
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}

	fwd, err := d.matchForward(host, clientIP, portNum)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate forward rules: %w", err)
	}

	if fwd == nil {
		return d.dialDirect(ctx, host, port)
	}

	switch fwd.kind {
	case config.ForwardTypeSocks5:
		return d.dialViaSocks5(ctx, fwd, host, portNum)
	case config.ForwardTypeProxy:
		return d.dialViaHTTPProxy(ctx, fwd, host, port)
	default:
		return d.dialDirect(ctx, host, port)
	}
}

// matchForward returns the first configured forward rule whose classifier
// matches the target, in configuration order. No match means dial directly.
func (d *Dialer) matchForward(host, clientIP string, port int) (*compiledForward, error) {
	input := classifier.NewClassifierInput(host, clientIP, uint16(port))
	for i := range d.forwards {
		fwd := &d.forwards[i]
		matched, err := fwd.classifier.Classify(input)
		if err != nil {
			return nil, err
		}
		if matched {
			return fwd, nil
		}
	}
	return nil, nil
}

func (d *Dialer) dialDirect(ctx context.Context, host, port string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()
	netDialer := &net.Dialer{Resolver: d.resolver}
	conn, err := netDialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("direct dial to %s failed: %w", net.JoinHostPort(host, port), err)
	}
	return conn, nil
}

func (d *Dialer) dialViaSocks5(ctx context.Context, fwd *compiledForward, host string, port int) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()
	netDialer := &net.Dialer{}
	conn, err := netDialer.DialContext(dialCtx, "tcp", fwd.address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SOCKS5 proxy %s: %w", fwd.address, err)
	}
	if err := socks5client.Connect(conn, host, port, fwd.username, fwd.password); err != nil {
		conn.Close()
		return nil, fmt.Errorf("SOCKS5 CONNECT via %s to %s:%d failed: %w", fwd.address, host, port, err)
	}
	return conn, nil
}

func (d *Dialer) dialViaHTTPProxy(ctx context.Context, fwd *compiledForward, host, port string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()
	netDialer := &net.Dialer{}
	conn, err := netDialer.DialContext(dialCtx, "tcp", fwd.address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial HTTP proxy %s: %w", fwd.address, err)
	}

	authority := net.JoinHostPort(host, port)
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", authority, authority)
	if fwd.username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(fwd.username + ":" + fwd.password))
		req += "Proxy-Authorization: Basic " + creds + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT to %s: %w", fwd.address, err)
	}

	status, err := readCONNECTStatusLine(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response from %s: %w", fwd.address, err)
	}
	if status != 200 {
		conn.Close()
		return nil, fmt.Errorf("upstream HTTP proxy %s refused CONNECT to %s with status %d", fwd.address, authority, status)
	}
	return conn, nil
}

// readCONNECTStatusLine reads the status line and drains headers up to the
// blank line terminator, returning the status code.
func readCONNECTStatusLine(conn net.Conn) (int, error) {
	buf := make([]byte, 0, 512)
	one := make([]byte, 1)
	for {
		n, err := conn.Read(one)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			continue
		}
		buf = append(buf, one[0])
		if len(buf) >= 4 && string(buf[len(buf)-4:]) == "\r\n\r\n" {
			break
		}
	}

	var proto string
	var status int
	var reason string
	if _, err := fmt.Sscanf(string(buf), "%s %d %s", &proto, &status, &reason); err != nil {
		return 0, fmt.Errorf("malformed CONNECT response status line: %w", err)
	}
	return status, nil
}

// isConnAlive probes conn with a non-blocking MSG_PEEK to detect a
// peer-initiated close on an otherwise idle pooled connection, the
// userspace equivalent of the original select()+EAGAIN liveness check.
func isConnAlive(conn net.Conn) bool {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return true
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return true
	}

	alive := true
	controlErr := rawConn.Read(func(fd uintptr) bool {
		buf := make([]byte, 1)
		n, _, recvErr := unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case recvErr == nil && n == 0:
			alive = false
		case errors.Is(recvErr, unix.EAGAIN) || errors.Is(recvErr, unix.EWOULDBLOCK):
			alive = true
		case recvErr != nil:
			alive = false
		default:
			alive = true
		}
		return true
	})
	if controlErr != nil {
		return true
	}
	return alive
}
