package socks5client

import (
	"net"
	"testing"

	socks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/require"
)

func startSocks5Server(t *testing.T) string {
	server, err := socks5.New(&socks5.Config{})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() { ln.Close() })

	return ln.Addr().String()
}

func TestConnect_NoAuth(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()

	accepted := make(chan struct{})
	go func() {
		conn, aerr := target.Accept()
		require.NoError(t, aerr)
		defer conn.Close()
		_, _ = conn.Write([]byte("hello"))
		close(accepted)
	}()

	socksAddr := startSocks5Server(t)
	conn, err := net.Dial("tcp", socksAddr)
	require.NoError(t, err)
	defer conn.Close()

	host, portStr, err := net.SplitHostPort(target.Addr().String())
	require.NoError(t, err)
	port := mustAtoi(t, portStr)

	err = Connect(conn, host, port, "", "")
	require.NoError(t, err)

	<-accepted
	buf := make([]byte, 5)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func mustAtoi(t *testing.T, s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("not a port number: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n
}
