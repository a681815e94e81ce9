package engine

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstausch/openrelay/internal/config"
	"github.com/mstausch/openrelay/internal/dialer"
	"github.com/mstausch/openrelay/internal/httpproto"
	"github.com/mstausch/openrelay/internal/pool"
)

func newTestEngine(t *testing.T) *Engine {
	p := pool.New(nil)
	d, err := dialer.New(&config.Config{DialTimeoutSeconds: 2}, p)
	require.NoError(t, err)
	return New(p, d, nil)
}

func hostPort(t *testing.T, ln net.Listener) (string, string) {
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return host, port
}

func parseRequest(t *testing.T, raw string) *httpproto.Request {
	p := httpproto.NewParser()
	done, err := p.Feed([]byte(raw))
	require.NoError(t, err)
	require.True(t, done)
	return p.Request()
}

// S1: GET happy path, upstream responds keep-alive, response bytes are
// forwarded byte-identical, and the connection ends up pooled.
func TestHandleGET_HappyPath(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer origin.Close()

	go func() {
		conn, aerr := origin.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		_, _ = bufio.NewReader(conn).ReadString('\n') // drain request line, good enough for this fixture
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: keep-alive\r\n\r\nhello"))
	}()

	host, port := hostPort(t, origin)
	e := newTestEngine(t)

	clientLn, client, server := loopbackPair(t)
	defer clientLn.Close()
	defer client.Close()

	req := parseRequest(t, "GET http://example.com/x HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive\r\n\r\n")
	req.Host = host
	req.Port = port

	err = e.HandleGET(server, 1, req, "127.0.0.1")
	require.NoError(t, err)
	server.Close()

	buf := make([]byte, 512)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "hello")
	assert.Equal(t, 1, e.pool.Len())
}

// S2: dial to a closed port fails, client receives a 502.
func TestHandleGET_UpstreamDown(t *testing.T) {
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := hostPort(t, deadLn)
	deadLn.Close() // nobody is listening anymore

	e := newTestEngine(t)
	clientLn, client, server := loopbackPair(t)
	defer clientLn.Close()
	defer client.Close()

	req := parseRequest(t, "GET http://example.com/x HTTP/1.1\r\nHost: example.com\r\n\r\n")
	req.Host = host
	req.Port = port

	err = e.HandleGET(server, 1, req, "127.0.0.1")
	assert.Error(t, err)
	server.Close()

	buf := make([]byte, 512)
	n, rerr := client.Read(buf)
	require.NoError(t, rerr)
	assert.Contains(t, string(buf[:n]), "502")
}

// S3: chunked response terminator ends the loop and all payload bytes reach
// the client.
func TestHandleGET_ChunkedResponse(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer origin.Close()

	go func() {
		conn, aerr := origin.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		_, _ = bufio.NewReader(conn).ReadString('\n')
		conn.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"))
	}()

	host, port := hostPort(t, origin)
	e := newTestEngine(t)
	clientLn, client, server := loopbackPair(t)
	defer clientLn.Close()
	defer client.Close()

	req := parseRequest(t, "GET http://example.com/x HTTP/1.1\r\nHost: example.com\r\n\r\n")
	req.Host = host
	req.Port = port

	err = e.HandleGET(server, 1, req, "127.0.0.1")
	require.NoError(t, err)
	server.Close()

	buf := make([]byte, 512)
	n, rerr := client.Read(buf)
	require.NoError(t, rerr)
	assert.Contains(t, string(buf[:n]), "0\r\n\r\n")
}

// S4: a POST with an unparsable Content-Length is rejected with 400 before
// any dial is attempted.
func TestHandlePOST_BadContentLength(t *testing.T) {
	e := newTestEngine(t)
	clientLn, client, server := loopbackPair(t)
	defer clientLn.Close()
	defer client.Close()

	req := parseRequest(t, "POST http://example.com/x HTTP/1.1\r\nHost: example.com\r\nContent-Length: not-a-number\r\n\r\nabc")
	req.Host = "example.com"
	req.Port = "80"

	err := e.HandlePOST(server, 1, req, "127.0.0.1")
	assert.Error(t, err)
	server.Close()

	buf := make([]byte, 512)
	n, rerr := client.Read(buf)
	require.NoError(t, rerr)
	assert.Contains(t, string(buf[:n]), "400")
}

// S6: CONNECT tunnels bytes in both directions and never closes the
// client socket.
func TestHandleCONNECT_Tunnel(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer origin.Close()

	go func() {
		conn, aerr := origin.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	host, port := hostPort(t, origin)
	e := newTestEngine(t)
	clientLn, client, server := loopbackPair(t)
	defer clientLn.Close()

	req := &httpproto.Request{Method: "CONNECT", Target: net.JoinHostPort(host, port), Version: "HTTP/1.1", Host: host, Port: port, Headers: httpproto.NewHeader()}

	done := make(chan error, 1)
	go func() {
		done <- e.HandleCONNECT(server, 1, req, "127.0.0.1")
	}()

	banner := make([]byte, 128)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(banner)
	require.NoError(t, err)
	assert.Contains(t, string(banner[:n]), "200 Connection Established")

	client.Write([]byte("ping"))
	reply := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = client.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply[:n]))

	client.Close() // drives the tunnel loop to completion
	require.NoError(t, <-done)
}

// loopbackPair returns a connected (client, server) net.Conn pair over
// real loopback sockets, plus the listener so the caller can close it.
func loopbackPair(t *testing.T) (net.Listener, net.Conn, net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serverCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		serverCh <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-serverCh
	return ln, client, server
}

var _ = strconv.Itoa // keep strconv import if unused helpers are trimmed later
