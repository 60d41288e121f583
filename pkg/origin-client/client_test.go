package origin

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	addrs []string
	err   error
}

func (r staticResolver) LookupHost(context.Context, string) ([]string, error) {
	return r.addrs, r.err
}

// startOrigin accepts one connection, reads the request line and answers with response.
func startOrigin(t *testing.T, response string) (int, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	lines := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		lines <- line
		io.WriteString(conn, response)
	}()
	return ln.Addr().(*net.TCPAddr).Port, lines
}

func TestFetch(t *testing.T) {
	port, lines := startOrigin(t, "HTTP/1.1 200 OK\r\n\r\nhello")
	c := &Client{Timeout: time.Second}

	conn, err := c.Fetch(context.Background(), "127.0.0.1", port, []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	defer conn.Close()

	body, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\nhello", string(body))
	assert.Equal(t, "GET / HTTP/1.1\r\n", <-lines)
}

func TestFetchResolveError(t *testing.T) {
	c := &Client{Resolver: staticResolver{err: errors.New("no such host")}}
	_, err := c.Fetch(context.Background(), "nowhere.invalid", 80, []byte("GET / HTTP/1.1\r\n\r\n"))
	require.Error(t, err)
	assert.Equal(t, StageResolve, StageOf(err))

	c = &Client{Resolver: staticResolver{}}
	_, err = c.Fetch(context.Background(), "nowhere.invalid", 80, nil)
	assert.Equal(t, StageResolve, StageOf(err))
}

func TestFetchConnectError(t *testing.T) {
	// grab a free port and close it again so nothing is listening
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := &Client{Resolver: staticResolver{addrs: []string{"127.0.0.1"}}}
	_, err = c.Fetch(context.Background(), "localhost", port, []byte("GET / HTTP/1.1\r\n\r\n"))
	require.Error(t, err)
	assert.Equal(t, StageConnect, StageOf(err))

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "localhost", fe.Host)
	assert.Contains(t, fe.Error(), "connect")
}

func TestStageOfOtherError(t *testing.T) {
	assert.Equal(t, Stage(""), StageOf(errors.New("other")))
}
