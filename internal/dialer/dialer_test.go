package dialer

import (
	"context"
	"net"
	"testing"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstausch/openrelay/internal/config"
	"github.com/mstausch/openrelay/internal/pool"
)

func splitHostPort(t *testing.T, addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return host, port
}

func TestDial_Direct(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, aerr := ln.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("ok"))
	}()

	p := pool.New(nil)
	d, err := New(&config.Config{DialTimeoutSeconds: 2}, p)
	require.NoError(t, err)

	host, port := splitHostPort(t, ln.Addr().String())
	conn, err := d.Dial(context.Background(), host, port, "127.0.0.1")
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 2)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
}

func TestDial_ReusesPooledConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		serverCh <- conn
	}()

	p := pool.New(nil)
	d, err := New(&config.Config{DialTimeoutSeconds: 2}, p)
	require.NoError(t, err)

	host, port := splitHostPort(t, ln.Addr().String())
	pooled, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-serverCh
	p.Put(host, port, pooled)

	conn, err := d.Dial(context.Background(), host, port, "127.0.0.1")
	require.NoError(t, err)
	defer conn.Close()
	assert.Same(t, pooled, conn)
}

// A pooled connection whose peer has silently closed must be detected as
// dead by the liveness probe and discarded, not handed back to the caller.
func TestDial_DiscardsDeadPooledConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// Second listener: where the fresh fallback dial must land once the
	// dead pooled connection is discarded.
	fresh, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer fresh.Close()
	go func() {
		conn, aerr := fresh.Accept()
		if aerr != nil {
			return
		}
		conn.Close()
	}()

	serverCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		serverCh <- conn
	}()

	pooled, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-serverCh
	server.Close() // peer closes; pooled is now a dead socket

	time.Sleep(20 * time.Millisecond)

	p := pool.New(nil)
	d, err := New(&config.Config{DialTimeoutSeconds: 2}, p)
	require.NoError(t, err)

	host, port := splitHostPort(t, fresh.Addr().String())
	p.Put(host, port, pooled)

	conn, err := d.Dial(context.Background(), host, port, "127.0.0.1")
	require.NoError(t, err)
	defer conn.Close()
	assert.NotSame(t, pooled, conn)
}

// A forward rule matching the target address chains the dial through a real
// SOCKS5 proxy instead of dialing direct.
func TestDial_ForwardsViaSocks5(t *testing.T) {
	socksServer, err := socks5.New(&socks5.Config{})
	require.NoError(t, err)
	socksLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer socksLn.Close()
	go func() { _ = socksServer.Serve(socksLn) }()

	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()
	go func() {
		conn, aerr := target.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("via-socks5"))
	}()

	cfg := &config.Config{
		DialTimeoutSeconds: 2,
		Forwards: []config.Forward{
			&config.ForwardSocks5{Address: socksLn.Addr().String()},
		},
	}
	p := pool.New(nil)
	d, err := New(cfg, p)
	require.NoError(t, err)

	host, port := splitHostPort(t, target.Addr().String())
	conn, err := d.Dial(context.Background(), host, port, "127.0.0.1")
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 10)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "via-socks5", string(buf))
}
