// Package origin opens connections to origin servers and sends them the forwarded request.
package origin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Stage identifies where a fetch failed.
type Stage string

const (
	StageResolve Stage = "resolve"
	StageConnect Stage = "connect"
	StageSend    Stage = "send"
)

var errNoAddresses = errors.New("no addresses found")

// FetchError is returned by Fetch.
type FetchError struct {
	Stage Stage
	Host  string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("origin %s %s: %v", e.Stage, e.Host, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage of a FetchError wrapped in err, or "".
func StageOf(err error) Stage {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Stage
	}
	return ""
}

// Resolver looks up the addresses of a host.
// *net.Resolver implements it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type Client struct {
	// Resolver to use, net.DefaultResolver if nil.
	Resolver Resolver
	// Dialer to use, a zero dialer if nil.
	Dialer *net.Dialer
	// Timeout for each read and write on the connection. Zero means no timeout.
	Timeout time.Duration
}

// Fetch resolves the host, connects to it and sends the request.
// The returned connection yields the origin's response; the caller must close it.
func (c *Client) Fetch(ctx context.Context, host string, port int, request []byte) (net.Conn, error) {
	resolver := c.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	addrs, err := resolver.LookupHost(ctx, host)
	if err == nil && len(addrs) == 0 {
		err = errNoAddresses
	}
	if err != nil {
		return nil, &FetchError{Stage: StageResolve, Host: host, Err: err}
	}

	// addresses are tried in order, the first one accepting the connection is used
	var conn net.Conn
	for _, addr := range addrs {
		conn, err = dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, &FetchError{Stage: StageConnect, Host: host, Err: err}
	}
	conn = WithTimeout(conn, c.Timeout)

	if _, err := conn.Write(request); err != nil {
		conn.Close()
		return nil, &FetchError{Stage: StageSend, Host: host, Err: err}
	}
	return conn, nil
}

// timeoutConn refreshes the deadline before every read and write.
type timeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *timeoutConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

// WithTimeout wraps conn so that every read and write must complete within d.
// A zero d returns conn unchanged.
func WithTimeout(conn net.Conn, d time.Duration) net.Conn {
	if d <= 0 {
		return conn
	}
	return &timeoutConn{Conn: conn, timeout: d}
}
