// Package httpproto turns a byte stream read by the Acceptor into a
// structured request, one request line and header block at a time. It is
// fed repeatedly as more bytes arrive, carrying unconsumed bytes across
// calls the way a hand-rolled state machine over a socket read loop would.
package httpproto

import (
	"bytes"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
)

// State is a parser state, mirroring the request-line/headers/body/done
// progression of a single HTTP/1.1 transaction.
type State int

const (
	StateRequestLine State = iota
	StateHeaders
	StateBody
	StateDone
)

// Header is a case-insensitive, multi-value header map. Lookups canonicalize
// the name the way net/textproto does, so "content-length" and
// "Content-Length" resolve to the same slot; Get returns the last value
// added for a name, matching "last-wins on duplicates".
type Header map[string][]string

// NewHeader returns an empty Header.
func NewHeader() Header { return Header{} }

// Add appends value under name, keeping any existing values.
func (h Header) Add(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	h[key] = append(h[key], value)
}

// Set replaces any existing values for name with a single value.
func (h Header) Set(name, value string) {
	h[textproto.CanonicalMIMEHeaderKey(name)] = []string{value}
}

// Get returns the last value added for name, or "" if absent.
func (h Header) Get(name string) string {
	vals := h[textproto.CanonicalMIMEHeaderKey(name)]
	if len(vals) == 0 {
		return ""
	}
	return vals[len(vals)-1]
}

// Values returns all values added for name, in insertion order.
func (h Header) Values(name string) []string {
	return h[textproto.CanonicalMIMEHeaderKey(name)]
}

// Del removes all values for name.
func (h Header) Del(name string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(name))
}

// Has reports whether name has at least one value.
func (h Header) Has(name string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// Request is a parsed HTTP/1.1 request: method, request-target, version,
// resolved origin authority, headers, and whatever body bytes the Parser
// had already buffered by the time headers completed.
type Request struct {
	Method  string
	Target  string
	Version string
	Host    string
	Port    string
	Headers Header
	Body    []byte
	URL     string
}

// Parser incrementally parses one HTTP/1.1 request. Create one per request
// (the Acceptor's keep-alive loop creates a fresh Parser for each request
// read off a persistent connection).
type Parser struct {
	state State
	buf   []byte
	req   *Request
}

// NewParser returns a Parser ready to consume the start of a new request.
func NewParser() *Parser {
	return &Parser{state: StateRequestLine, req: &Request{Headers: NewHeader()}}
}

// Request returns the request parsed so far. Method/Target/Version/Host/
// Port/Headers are only meaningful once Feed has reported headersComplete.
func (p *Parser) Request() *Request {
	return p.req
}

// Feed appends newly read bytes and advances the parser. It returns
// headersComplete == true once the request line and header block are fully
// parsed; any bytes left over in this read after the blank line are treated
// as the start of the body and appended to Request.Body. A non-nil error
// means the request is malformed (bad request line, unparsable header line,
// or a CONNECT target that isn't a host:port authority).
func (p *Parser) Feed(data []byte) (headersComplete bool, err error) {
	p.buf = append(p.buf, data...)

	if p.state == StateRequestLine {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			return false, nil
		}
		line := p.buf[:idx+1]
		p.buf = p.buf[idx+1:]
		if err := p.parseRequestLine(line); err != nil {
			return false, err
		}
		p.state = StateHeaders
	}

	if p.state == StateHeaders {
		for {
			idx := bytes.IndexByte(p.buf, '\n')
			if idx < 0 {
				return false, nil
			}
			line := p.buf[:idx+1]
			p.buf = p.buf[idx+1:]
			trimmed := bytes.TrimRight(line, "\r\n")
			if len(trimmed) == 0 {
				p.finalizeHost()
				p.state = StateBody
				break
			}
			if err := p.parseHeaderLine(trimmed); err != nil {
				return false, err
			}
		}
	}

	if p.state == StateBody {
		if len(p.buf) > 0 {
			p.req.Body = append(p.req.Body, p.buf...)
			p.buf = nil
		}
		p.state = StateDone
		return true, nil
	}

	return p.state == StateDone, nil
}

func (p *Parser) parseRequestLine(line []byte) error {
	line = bytes.TrimRight(line, "\r\n")
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed request line: %q", line)
	}
	p.req.Method = string(parts[0])
	p.req.Target = string(parts[1])
	p.req.Version = string(parts[2])
	p.req.URL = p.req.Target

	if p.req.Method == "CONNECT" {
		host, port, err := net.SplitHostPort(p.req.Target)
		if err != nil {
			return fmt.Errorf("malformed CONNECT authority %q: %w", p.req.Target, err)
		}
		p.req.Host = host
		p.req.Port = port
		return nil
	}

	if u, err := url.Parse(p.req.Target); err == nil && u.Host != "" {
		p.req.Host = u.Hostname()
		p.req.Port = u.Port()
		p.req.URL = u.String()
	}
	return nil
}

func (p *Parser) parseHeaderLine(line []byte) error {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return fmt.Errorf("malformed header line: %q", line)
	}
	name := string(bytes.TrimSpace(line[:idx]))
	value := string(bytes.TrimSpace(line[idx+1:]))
	p.req.Headers.Add(name, value)
	return nil
}

// finalizeHost fills Host/Port from the Host header when the request line
// carried no absolute-URI (origin-form requests), and defaults Port to "80"
// per the data model's "GET/POST default to port 80 when empty" invariant.
func (p *Parser) finalizeHost() {
	if p.req.Host == "" {
		hostHeader := p.req.Headers.Get("Host")
		if h, port, err := net.SplitHostPort(hostHeader); err == nil {
			p.req.Host = h
			p.req.Port = port
		} else {
			p.req.Host = hostHeader
		}
	}
	if p.req.Port == "" {
		p.req.Port = "80"
	}
}
