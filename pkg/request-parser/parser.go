// Package requestparser tokenizes the request line of a proxy request and
// extracts the origin host, port and path from its absolute URI.
package requestparser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultPort = 80
	// the only accepted method and protocol
	Method   = "GET"
	Protocol = "HTTP/1.1"
)

var (
	ErrParse      = errors.New("malformed request")
	ErrTokenCount = fmt.Errorf("%w: request line must have exactly three tokens", ErrParse)
	ErrMethod     = fmt.Errorf("%w: only GET is supported", ErrParse)
	ErrProto      = fmt.Errorf("%w: only HTTP/1.1 is supported", ErrParse)
	ErrURI        = fmt.Errorf("%w: absolute URI required", ErrParse)
	ErrPort       = fmt.Errorf("%w: invalid port", ErrParse)
	ErrTooLarge   = fmt.Errorf("%w: request head too large", ErrParse)
	ErrEmpty      = errors.New("client closed connection before sending a request")
)

// Request is a parsed client request head.
type Request struct {
	Method string
	URI    string
	Proto  string
	// Header lines after the request line, without line terminators.
	// The blank line ending the head is not included.
	HeaderLines []string
}

// Parse parses the request head in raw.
// The request line may be terminated by CRLF or a bare LF.
func Parse(raw []byte) (Request, error) {
	var req Request
	line, rest, _ := bytes.Cut(raw, []byte("\n"))
	tokens := strings.Fields(string(line))
	if len(tokens) != 3 {
		return req, ErrTokenCount
	}
	req.Method, req.URI, req.Proto = tokens[0], tokens[1], tokens[2]
	if req.Method != Method {
		return req, ErrMethod
	}
	if req.Proto != Protocol {
		return req, ErrProto
	}
	req.HeaderLines = headerLines(rest)
	return req, nil
}

func headerLines(head []byte) []string {
	lines := make([]string, 0)
	for len(head) > 0 {
		var line []byte
		line, head, _ = bytes.Cut(head, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			break
		}
		lines = append(lines, string(line))
	}
	return lines
}

// ReadRequest reads a request head from r into a growing buffer.
// It stops after the blank line ending the head or at EOF.
// Heads longer than max bytes are rejected with ErrTooLarge.
func ReadRequest(r io.Reader, max int) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for {
		if len(buf) >= max {
			return buf, ErrTooLarge
		}
		limit := len(chunk)
		if remaining := max - len(buf); remaining < limit {
			limit = remaining
		}
		n, err := r.Read(chunk[:limit])
		buf = append(buf, chunk[:n]...)
		if end := headEnd(buf); end >= 0 {
			return buf[:end], nil
		}
		if err == io.EOF {
			if len(buf) == 0 {
				return buf, ErrEmpty
			}
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}

// headEnd returns the length of the head including its terminating blank line, or -1.
func headEnd(b []byte) int {
	if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(b, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return -1
}

// Target is the origin a request is forwarded to.
type Target struct {
	Host string
	Port int
	// Path including query, always starting with a slash.
	Path string
	// Whether the URI named the port.
	ExplicitPort bool
}

// SplitURI extracts host, port and path from an absolute URI like `http://host[:port]/path`.
//
// Colons are counted: the first one separates the scheme, and if there is a second one,
// the digits after it are the port. This assumes the URI has at most two colons;
// a colon in the path or query results in a wrong host, port or path.
func SplitURI(uri string) (Target, error) {
	t := Target{Port: DefaultPort}
	colons := strings.Count(uri, ":")
	scheme, rest, found := strings.Cut(uri, ":")
	if !found || scheme == "" {
		return t, ErrURI
	}

	hostPart := rest
	portPart := ""
	if colons >= 2 {
		hostPart, portPart, _ = strings.Cut(rest, ":")
	}

	host, afterHost, hasPath := strings.Cut(strings.TrimLeft(hostPart, "/"), "/")
	if host == "" {
		return t, ErrURI
	}
	t.Host = host

	if colons >= 2 {
		digits := leadingDigits(portPart)
		port, err := strconv.Atoi(digits)
		if err != nil || port < 1 || port > 65535 {
			return t, ErrPort
		}
		t.Port = port
		t.ExplicitPort = true
		t.Path = portPart[len(digits):]
	} else if hasPath {
		t.Path = "/" + afterHost
	}

	if !strings.HasPrefix(t.Path, "/") {
		t.Path = "/" + t.Path
	}
	return t, nil
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

// Addr is the dial address of the origin.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// HostHeader is the value sent in the Host header to the origin.
func (t Target) HostHeader() string {
	if t.ExplicitPort {
		return t.Addr()
	}
	return t.Host
}

// CacheURI is the request URI without scheme, which identifies the cache entry.
func (t Target) CacheURI() string {
	return "//" + t.HostHeader() + t.Path
}

// skipped when forwarding, the proxy writes its own
var hopHeaders = map[string]bool{
	"host":             true,
	"connection":       true,
	"proxy-connection": true,
}

// OriginRequest builds the request sent to the origin.
// The request line is rewritten to use the path only, a Host header is added, the client's
// header lines are forwarded verbatim, and the connection is marked to be closed
// after the response so that the end of the response is the end of the stream.
func OriginRequest(req Request, t Target) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\nHost: %s\r\n", Method, t.Path, Protocol, t.HostHeader())
	for _, line := range req.HeaderLines {
		name, _, _ := strings.Cut(line, ":")
		if hopHeaders[strings.ToLower(strings.TrimSpace(name))] {
			continue
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("Connection: close\r\n\r\n")
	return b.Bytes()
}
