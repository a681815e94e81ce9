package acceptor

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstausch/openrelay/internal/httpproto"
)

// recordingHandler counts how many requests it was asked to handle and
// writes a trivial response for each, so the keep-alive loop under test has
// something to read between requests.
type recordingHandler struct {
	calls atomic.Int64
}

func (h *recordingHandler) Handle(conn net.Conn, clientID uint64, req *httpproto.Request, clientIP string) error {
	h.calls.Add(1)
	_, err := conn.Write([]byte("handled\n"))
	return err
}

func dialPair(t *testing.T) (net.Listener, net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	return ln, client
}

func TestAcceptor_KeepAliveLoopsAcrossRequests(t *testing.T) {
	ln, client := dialPair(t)
	defer ln.Close()
	defer client.Close()

	h := &recordingHandler{}
	a := New(ln, h, 0)
	go a.Serve()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 2; i++ {
		client.Write([]byte("GET /x HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive\r\n\r\n"))
		buf := make([]byte, 16)
		n, err := client.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "handled\n", string(buf[:n]))
	}
	assert.Equal(t, int64(2), h.calls.Load())
}

func TestAcceptor_ConnectionCloseEndsLoop(t *testing.T) {
	ln, client := dialPair(t)
	defer ln.Close()
	defer client.Close()

	h := &recordingHandler{}
	a := New(ln, h, 0)
	go a.Serve()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	client.Write([]byte("GET /x HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "handled\n", string(buf[:n]))

	// The acceptor must have stopped reading this connection, so a second
	// read sees EOF (the server side closed it) rather than a response.
	_, err = client.Read(buf)
	assert.Error(t, err)
}

func TestAcceptor_ConnectEndsLoop(t *testing.T) {
	ln, client := dialPair(t)
	defer ln.Close()
	defer client.Close()

	h := &recordingHandler{}
	a := New(ln, h, 0)
	go a.Serve()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "handled\n", string(buf[:n]))
	assert.Equal(t, int64(1), h.calls.Load())

	_, err = client.Read(buf)
	assert.Error(t, err)
}

func TestAcceptor_ActiveConnections(t *testing.T) {
	ln, client := dialPair(t)
	defer ln.Close()

	h := &recordingHandler{}
	a := New(ln, h, 0)
	go a.Serve()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), a.ActiveConnections())

	client.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), a.ActiveConnections())
}
