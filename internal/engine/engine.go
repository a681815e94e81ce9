package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mstausch/openrelay/internal/dialer"
	"github.com/mstausch/openrelay/internal/httpproto"
	"github.com/mstausch/openrelay/internal/logger"
	"github.com/mstausch/openrelay/internal/pool"
	"github.com/mstausch/openrelay/internal/stats"
)

const (
	readBufSize         = 16 * 1024
	tunnelIdleTimeout   = 30 * time.Second
	tunnelWriteTimeout  = 5 * time.Second
	connectSuccessLine  = "HTTP/1.1 200 Connection Established\r\nProxy-Agent: MyProxy/1.0\r\n\r\n"
)

// hopByHop is the fixed set of headers stripped before forwarding a request
// upstream. Per the header map's case-insensitive canonicalization, this
// list is matched regardless of the casing the client sent.
var hopByHop = map[string]bool{
	textproto.CanonicalMIMEHeaderKey("Connection"):        true,
	textproto.CanonicalMIMEHeaderKey("Keep-Alive"):        true,
	textproto.CanonicalMIMEHeaderKey("Proxy-Connection"):  true,
	textproto.CanonicalMIMEHeaderKey("Proxy-Authorization"): true,
	textproto.CanonicalMIMEHeaderKey("TE"):                true,
	textproto.CanonicalMIMEHeaderKey("Trailer"):           true,
	textproto.CanonicalMIMEHeaderKey("Transfer-Encoding"): true,
	textproto.CanonicalMIMEHeaderKey("Upgrade"):           true,
}

// Engine drives the client<->origin byte flow for GET/POST and tunnels
// CONNECT traffic. It shares a Dialer and Pool across every request it
// handles.
type Engine struct {
	pool   *pool.Pool
	dialer *dialer.Dialer
	stats  stats.Collector
}

// New returns an Engine backed by p and d. A nil collector is replaced with
// a stats.DummyCollector.
func New(p *pool.Pool, d *dialer.Dialer, collector stats.Collector) *Engine {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	return &Engine{pool: p, dialer: d, stats: collector}
}

// Handle dispatches req to the method-specific handler. It is the entry
// point the Acceptor calls for every parsed request.
func (e *Engine) Handle(conn net.Conn, clientID uint64, req *httpproto.Request, clientIP string) error {
	switch req.Method {
	case "GET":
		return e.HandleGET(conn, clientID, req, clientIP)
	case "POST":
		return e.HandlePOST(conn, clientID, req, clientIP)
	case "CONNECT":
		return e.HandleCONNECT(conn, clientID, req, clientIP)
	default:
		logger.Errorf(clientID, "engine: unsupported method %q", req.Method)
		SendErrorResponse(conn, http.StatusBadRequest, "Bad Request")
		return fmt.Errorf("unsupported method %q", req.Method)
	}
}

// BuildForwardRequest reconstructs the request line and headers to send
// upstream: the hop-by-hop strip list removed, a single injected
// "Connection: keep-alive", terminated by the header/body separator. The
// body is not appended; callers with a body append it themselves.
func BuildForwardRequest(req *httpproto.Request) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, req.Target, req.Version)
	for name, values := range req.Headers {
		if hopByHop[name] {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	b.WriteString("Connection: keep-alive\r\n")
	b.WriteString("\r\n")
	return b.Bytes()
}

// SendErrorResponse writes a literal HTML error response to conn. The write
// is best-effort: a failure here means the client is already lost, so it is
// logged and not propagated.
func SendErrorResponse(conn net.Conn, code int, text string) {
	body := fmt.Sprintf("<html><body><h1>%d %s</h1></body></html>", code, text)
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/html\r\nConnection: close\r\nContent-Length: %d\r\n\r\n%s",
		code, text, len(body), body)
	if _, err := conn.Write([]byte(resp)); err != nil {
		logger.Debug("engine: best-effort error response write failed: %v", err)
	}
}

// HandleGET forwards a GET request: no request-framing validation, and
// whatever body bytes the parser already buffered are forwarded verbatim.
// Handle routes only GET here; methods other than GET, POST and CONNECT
// are answered with 400 by Handle.
func (e *Engine) HandleGET(conn net.Conn, clientID uint64, req *httpproto.Request, clientIP string) error {
	return e.forward(conn, clientID, req, clientIP, req.Body)
}

// HandlePOST validates request body framing before dialing, then forwards
// identically to HandleGET.
func (e *Engine) HandlePOST(conn net.Conn, clientID uint64, req *httpproto.Request, clientIP string) error {
	clHeader := req.Headers.Get("Content-Length")
	teHeader := req.Headers.Get("Transfer-Encoding")
	chunked := strings.Contains(strings.ToLower(teHeader), "chunked")

	if clHeader == "" && !chunked && len(req.Body) > 0 {
		logger.Errorf(clientID, "engine: POST body present with no Content-Length or Transfer-Encoding")
		SendErrorResponse(conn, http.StatusBadRequest, "Bad Request")
		return fmt.Errorf("POST body with no framing")
	}
	if clHeader != "" {
		if _, err := strconv.ParseInt(clHeader, 10, 64); err != nil {
			logger.Errorf(clientID, "engine: POST invalid Content-Length %q: %v", clHeader, err)
			SendErrorResponse(conn, http.StatusBadRequest, "Bad Request")
			return fmt.Errorf("invalid Content-Length %q: %w", clHeader, err)
		}
	}

	body := req.Body
	if chunked && !bytes.Contains(body, []byte("0\r\n\r\n")) {
		more, err := readClientUntilChunkedTerminator(conn, body)
		if err != nil {
			logger.Errorf(clientID, "engine: failed reading remainder of chunked POST body: %v", err)
			return err
		}
		body = more
	}

	return e.forward(conn, clientID, req, clientIP, body)
}

// readClientUntilChunkedTerminator keeps reading from the client and
// appending to body until the chunked terminator is seen or the client
// disconnects, for requests whose parser only delivered a body prefix.
func readClientUntilChunkedTerminator(conn net.Conn, body []byte) ([]byte, error) {
	buf := make([]byte, readBufSize)
	for !bytes.Contains(body, []byte("0\r\n\r\n")) {
		n, err := conn.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return body, nil
			}
			return body, fmt.Errorf("failed to read chunked body from client: %w", err)
		}
	}
	return body, nil
}

// forward dials upstream, writes the reconstructed request plus body, and
// streams the response back to the client, returning the upstream
// connection to the pool or closing it per the upstream's own keep-alive
// signal.
func (e *Engine) forward(conn net.Conn, clientID uint64, req *httpproto.Request, clientIP string, body []byte) error {
	ctx := context.Background()

	upstream, err := e.dialer.Dial(ctx, req.Host, req.Port, clientIP)
	if err != nil {
		logger.Errorf(clientID, "engine: dial to %s failed: %v", net.JoinHostPort(req.Host, req.Port), err)
		SendErrorResponse(conn, http.StatusBadGateway, "Bad Gateway")
		return fmt.Errorf("dial failed: %w", err)
	}

	connID, _ := e.stats.StartConnection(ctx, clientIP, req.Host, portOrZero(req.Port), req.Method)
	started := time.Now()

	out := BuildForwardRequest(req)
	if len(body) > 0 {
		out = append(out, body...)
	}

	if _, err := upstream.Write(out); err != nil {
		logger.Errorf(clientID, "engine: write to upstream failed: %v", err)
		SendErrorResponse(conn, http.StatusInternalServerError, "Internal Server Error")
		upstream.Close()
		_ = e.stats.EndConnection(ctx, connID, 0, 0, time.Since(started), "upstream-write-failed")
		return fmt.Errorf("upstream write failed: %w", err)
	}

	keepAlive, received, ferr := e.forwardUpstreamResponse(upstream, conn)
	_ = e.stats.EndConnection(ctx, connID, int64(len(out)), received, time.Since(started), closeReason(ferr))
	if ferr != nil {
		logger.Errorf(clientID, "engine: response forwarding failed: %v", ferr)
		upstream.Close()
		return ferr
	}

	if keepAlive {
		e.pool.Put(req.Host, req.Port, upstream)
	} else {
		upstream.Close()
	}
	return nil
}

// forwardUpstreamResponse reads from upstream in fixed-size chunks,
// buffering until the header block completes (forwarding everything
// accumulated so far in one write), then streams directly until
// Content-Length is satisfied, the chunked terminator is seen, or upstream
// reaches EOF.
func (e *Engine) forwardUpstreamResponse(upstream, client net.Conn) (keepAlive bool, received int64, err error) {
	buf := make([]byte, readBufSize)
	var header []byte
	headersDone := false
	contentLength := int64(-1)
	chunked := false
	var bodySoFar int64
	var rerr error

	for {
		var n int
		n, rerr = upstream.Read(buf)
		if n > 0 {
			received += int64(n)
			chunk := buf[:n]

			if !headersDone {
				header = append(header, chunk...)
				idx := bytes.Index(header, []byte("\r\n\r\n"))
				if idx < 0 {
					if rerr != nil {
						break
					}
					continue
				}
				headerEnd := idx + 4
				headersDone = true
				block := header[:headerEnd]
				lower := bytes.ToLower(block)
				keepAlive = bytes.Contains(lower, []byte("connection: keep-alive"))
				chunked = bytes.Contains(lower, []byte("transfer-encoding: chunked"))
				if !chunked {
					contentLength = extractContentLength(block)
				}

				if _, werr := client.Write(header); werr != nil {
					return false, received, fmt.Errorf("failed to write response headers to client: %w", werr)
				}

				bodySoFar = int64(len(header) - headerEnd)
				bodyPortion := header[headerEnd:]
				if chunked && bytes.Contains(bodyPortion, []byte("0\r\n\r\n")) {
					return keepAlive, received, nil
				}
				if contentLength >= 0 && bodySoFar >= contentLength {
					return keepAlive, received, nil
				}
				header = nil
			} else {
				if _, werr := client.Write(chunk); werr != nil {
					return false, received, fmt.Errorf("failed to write response body to client: %w", werr)
				}
				bodySoFar += int64(n)
				if chunked {
					if bytes.Contains(chunk, []byte("0\r\n\r\n")) {
						return keepAlive, received, nil
					}
				} else if contentLength >= 0 && bodySoFar >= contentLength {
					return keepAlive, received, nil
				}
			}
		}

		if rerr != nil {
			if rerr == io.EOF {
				if !headersDone {
					return false, received, fmt.Errorf("upstream closed before headers completed")
				}
				return keepAlive, received, nil
			}
			return false, received, fmt.Errorf("upstream read failed: %w", rerr)
		}
	}

	if rerr == io.EOF {
		return false, received, fmt.Errorf("upstream closed before headers completed")
	}
	return false, received, fmt.Errorf("upstream read failed: %w", rerr)
}

// extractContentLength does a literal, case-insensitive substring search
// for "content-length:" in headerBlock, matching spec's header-matching
// rule for this scanner. Returns -1 if absent or unparsable.
func extractContentLength(headerBlock []byte) int64 {
	lower := bytes.ToLower(headerBlock)
	idx := bytes.Index(lower, []byte("content-length:"))
	if idx < 0 {
		return -1
	}
	rest := headerBlock[idx+len("content-length:"):]
	end := bytes.IndexByte(rest, '\r')
	if end < 0 {
		end = bytes.IndexByte(rest, '\n')
	}
	if end < 0 {
		end = len(rest)
	}
	n, err := strconv.ParseInt(string(bytes.TrimSpace(rest[:end])), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// HandleCONNECT establishes a bidirectional opaque tunnel between the
// client and the dialed upstream. It never closes the client connection;
// the caller retains ownership of it on return.
func (e *Engine) HandleCONNECT(conn net.Conn, clientID uint64, req *httpproto.Request, clientIP string) error {
	ctx := context.Background()

	upstream, err := e.dialer.Dial(ctx, req.Host, req.Port, clientIP)
	if err != nil {
		logger.Errorf(clientID, "engine: CONNECT dial to %s failed: %v", net.JoinHostPort(req.Host, req.Port), err)
		SendErrorResponse(conn, http.StatusBadGateway, "Bad Gateway")
		return fmt.Errorf("CONNECT dial failed: %w", err)
	}

	if _, err := conn.Write([]byte(connectSuccessLine)); err != nil {
		logger.Errorf(clientID, "engine: failed to write CONNECT success line: %v", err)
		upstream.Close()
		return fmt.Errorf("failed to write CONNECT success line: %w", err)
	}

	connID, _ := e.stats.StartConnection(ctx, clientIP, req.Host, portOrZero(req.Port), "CONNECT")
	started := time.Now()

	sent, recvd := e.tunnel(conn, upstream)

	_ = e.stats.EndConnection(ctx, connID, sent, recvd, time.Since(started), "tunnel-closed")
	upstream.Close()
	return nil
}

// tunnel relays bytes between client and upstream in both directions until
// either side closes or errors, then returns once both copy loops have
// observed the end.
func (e *Engine) tunnel(client, upstream net.Conn) (clientToUpstream, upstreamToClient int64) {
	stop := newStopper()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		clientToUpstream = copyWithDeadlines(upstream, client, stop)
		stop.Stop()
	}()
	go func() {
		defer wg.Done()
		upstreamToClient = copyWithDeadlines(client, upstream, stop)
		stop.Stop()
	}()

	wg.Wait()
	return
}

type stopper struct {
	once sync.Once
	ch   chan struct{}
}

func newStopper() *stopper { return &stopper{ch: make(chan struct{})} }

func (s *stopper) Stop() { s.once.Do(func() { close(s.ch) }) }

// copyWithDeadlines relays src to dst until stop fires (checked before each
// read), src returns EOF or another non-timeout error, or a write to dst
// fails or times out. A read deadline expiry is treated as "no
// readiness within the idle window" and the loop continues; a write
// deadline expiry terminates the copy, matching the tunnel's 30s idle /
// 5s write timeout split.
func copyWithDeadlines(dst, src net.Conn, stop *stopper) int64 {
	buf := make([]byte, readBufSize)
	var total int64
	for {
		select {
		case <-stop.ch:
			return total
		default:
		}

		if err := src.SetReadDeadline(time.Now().Add(tunnelIdleTimeout)); err != nil {
			return total
		}
		n, err := src.Read(buf)
		if n > 0 {
			if werr := dst.SetWriteDeadline(time.Now().Add(tunnelWriteTimeout)); werr != nil {
				return total
			}
			written, werr := writeFull(dst, buf[:n])
			total += int64(written)
			if werr != nil {
				return total
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return total
		}
	}
}

func writeFull(w net.Conn, data []byte) (int, error) {
	written := 0
	for written < len(data) {
		n, err := w.Write(data[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func portOrZero(port string) int {
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

func closeReason(err error) string {
	if err == nil {
		return "completed"
	}
	return "error"
}
