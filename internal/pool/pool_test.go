package pool

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeConnPair(t *testing.T) (net.Conn, net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var server net.Conn
	accepted := make(chan struct{})
	go func() {
		server, _ = ln.Accept()
		close(accepted)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-accepted
	return client, server
}

func TestPool_GetMissOnEmpty(t *testing.T) {
	p := New(nil)
	_, ok := p.Get("example.com", "80")
	assert.False(t, ok)
}

func TestPool_PutThenGet(t *testing.T) {
	p := New(nil)
	client, server := fakeConnPair(t)
	defer server.Close()
	defer client.Close()

	p.Put("example.com", "80", client)
	conn, ok := p.Get("example.com", "80")
	require.True(t, ok)
	assert.Same(t, client, conn)

	_, ok = p.Get("example.com", "80")
	assert.False(t, ok, "Get must remove the entry it returns")
}

func TestPool_PutDisplacesAndClosesPrevious(t *testing.T) {
	p := New(nil)
	first, firstServer := fakeConnPair(t)
	defer firstServer.Close()
	second, secondServer := fakeConnPair(t)
	defer secondServer.Close()
	defer second.Close()

	p.Put("example.com", "80", first)
	p.Put("example.com", "80", second)

	buf := make([]byte, 1)
	_, err := first.Read(buf)
	assert.Error(t, err, "displaced connection should have been closed")

	conn, ok := p.Get("example.com", "80")
	require.True(t, ok)
	assert.Same(t, second, conn)
}

func TestPool_Remove(t *testing.T) {
	p := New(nil)
	client, server := fakeConnPair(t)
	defer server.Close()
	defer client.Close()

	p.Put("example.com", "80", client)
	p.Remove("example.com", "80")
	_, ok := p.Get("example.com", "80")
	assert.False(t, ok)
}

func TestPool_CloseClosesEverything(t *testing.T) {
	p := New(nil)
	client, server := fakeConnPair(t)
	defer server.Close()

	p.Put("example.com", "80", client)
	p.Close()

	buf := make([]byte, 1)
	_, err := client.Read(buf)
	assert.Error(t, err)
	assert.Equal(t, 0, p.Len())
}
