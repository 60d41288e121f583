package filterproxy

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/always-cache/filterproxy/cache"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRelayProxy(t *testing.T) *Proxy {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	logger := zerolog.Nop()
	return CreateProxy(Config{Store: store, Logger: &logger})
}

func cached(t *testing.T, p *Proxy, uri string) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := p.store.Read(uri, &buf)
	require.NoError(t, err)
	return buf.String()
}

// failingClient accepts limit bytes and fails every write after that.
type failingClient struct {
	limit  int
	got    bytes.Buffer
	writes int
}

func (c *failingClient) Write(b []byte) (int, error) {
	c.writes++
	if c.got.Len()+len(b) > c.limit {
		return 0, errors.New("connection reset by peer")
	}
	return c.got.Write(b)
}

const okResponse = "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"

func TestRelaySuccess(t *testing.T) {
	p := testRelayProxy(t)
	var client bytes.Buffer

	res := p.relay(&client, strings.NewReader(okResponse), "//example.com/", p.log)
	assert.Equal(t, stateDone, res.state)
	assert.NoError(t, res.err)
	assert.Equal(t, "200", res.status)
	assert.True(t, res.accepted)
	assert.True(t, res.published)
	assert.False(t, res.chunked)
	assert.EqualValues(t, len(okResponse), res.written)
	assert.Equal(t, okResponse, client.String())
	assert.Equal(t, okResponse, cached(t, p, "//example.com/"))
}

func TestRelayLargeBody(t *testing.T) {
	p := testRelayProxy(t)
	response := "HTTP/1.1 200 OK\r\n\r\n" + strings.Repeat("0123456789", 5000)
	var client bytes.Buffer

	res := p.relay(&client, iotest.HalfReader(strings.NewReader(response)), "//example.com/big", p.log)
	require.True(t, res.published)
	assert.Equal(t, response, client.String())
	assert.Equal(t, response, cached(t, p, "//example.com/big"))
}

func TestRelayStatusLineAcrossReads(t *testing.T) {
	p := testRelayProxy(t)
	var client bytes.Buffer

	res := p.relay(&client, iotest.OneByteReader(strings.NewReader(okResponse)), "//example.com/", p.log)
	assert.Equal(t, "200", res.status)
	assert.True(t, res.published)
	assert.Equal(t, okResponse, client.String())
}

func TestRelayNonSuccessStatus(t *testing.T) {
	for _, response := range []string{
		"HTTP/1.1 404 Not Found\r\nContent-Length: 3\r\n\r\nnope",
		"HTTP/1.1 301 Moved Permanently\r\nLocation: /x\r\n\r\n",
		"HTTP/1.1 500 Internal Server Error\r\n\r\n",
		"garbage\r\n\r\n",
	} {
		p := testRelayProxy(t)
		var client bytes.Buffer

		res := p.relay(&client, strings.NewReader(response), "//example.com/", p.log)
		line, _, _ := strings.Cut(response, "\r\n")
		assert.Equal(t, line+"\n", client.String())
		assert.False(t, res.accepted, response)
		assert.False(t, res.published, response)
		assert.False(t, p.store.Lookup("//example.com/"), response)
	}
}

func TestRelayEmptyResponse(t *testing.T) {
	p := testRelayProxy(t)
	var client bytes.Buffer

	res := p.relay(&client, strings.NewReader(""), "//example.com/", p.log)
	assert.Equal(t, stateError, res.state)
	assert.ErrorIs(t, res.err, errOriginRecv)
	assert.Equal(t, bodyInternalError, client.String())
	assert.False(t, p.store.Lookup("//example.com/"))
}

func TestRelayOriginFailsBeforeResponse(t *testing.T) {
	p := testRelayProxy(t)
	var client bytes.Buffer

	res := p.relay(&client, iotest.ErrReader(errors.New("connection reset")), "//example.com/", p.log)
	assert.ErrorIs(t, res.err, errOriginRecv)
	assert.Equal(t, bodyInternalError, client.String())
}

func TestRelayOriginFailsMidResponse(t *testing.T) {
	p := testRelayProxy(t)
	var client bytes.Buffer
	upstream := io.MultiReader(
		strings.NewReader("HTTP/1.1 200 OK\r\n\r\npartial"),
		iotest.ErrReader(errors.New("connection reset")),
	)

	res := p.relay(&client, upstream, "//example.com/", p.log)
	assert.Equal(t, stateDone, res.state)
	assert.ErrorIs(t, res.err, errOriginBroken)
	assert.True(t, res.published)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\npartial", client.String())
	// the entry holds exactly what the client received
	assert.Equal(t, client.String(), cached(t, p, "//example.com/"))
	assertNoTempFiles(t, p.store)
}

func TestRelayCacheWriteFailure(t *testing.T) {
	p := testRelayProxy(t)
	// temp files cannot be created without the cache directory
	require.NoError(t, os.RemoveAll(p.store.Dir()))
	var client bytes.Buffer

	res := p.relay(&client, strings.NewReader(okResponse), "//example.com/", p.log)
	assert.Equal(t, stateDone, res.state)
	assert.NoError(t, res.err)
	assert.False(t, res.published)
	assert.Equal(t, okResponse, client.String())
	assert.False(t, p.store.Lookup("//example.com/"))
}

func TestRelayClientFailure(t *testing.T) {
	p := testRelayProxy(t)
	response := "HTTP/1.1 200 OK\r\n\r\n" + strings.Repeat("x", 3*cache.ChunkSize)
	client := &failingClient{limit: cache.ChunkSize}

	res := p.relay(client, iotest.HalfReader(strings.NewReader(response)), "//example.com/", p.log)
	assert.Equal(t, stateError, res.state)
	assert.ErrorIs(t, res.err, errClientSend)
	assert.False(t, res.published)
	assert.False(t, p.store.Lookup("//example.com/"))
	assertNoTempFiles(t, p.store)
	// the failed chunk and the 503 notice
	assert.Greater(t, client.writes, 2)
}

func TestRelayDetectsChunkedEncoding(t *testing.T) {
	p := testRelayProxy(t)
	response := "HTTP/1.1 200 OK\r\ntransfer-encoding: Chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	var client bytes.Buffer

	res := p.relay(&client, strings.NewReader(response), "//example.com/", p.log)
	assert.True(t, res.chunked)
	assert.True(t, res.published)
	// bodies are relayed undecoded
	assert.Equal(t, response, cached(t, p, "//example.com/"))
}

func TestUsesChunkedEncoding(t *testing.T) {
	tests := []struct {
		response string
		chunked  bool
	}{
		{"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n", true},
		{"HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", false},
		{"HTTP/1.1 200 OK\r\n\r\nTransfer-Encoding: chunked", false},
	}
	for _, test := range tests {
		assert.Equal(t, test.chunked, usesChunkedEncoding([]byte(test.response)), test.response)
	}
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "200", statusCode("HTTP/1.1 200 OK"))
	assert.Equal(t, "404", statusCode("HTTP/1.0  404  Not Found"))
	assert.Equal(t, "", statusCode("garbage"))
	assert.Equal(t, "HTTP/1.1 200 OK", firstLine([]byte("HTTP/1.1 200 OK\r\nX: y")))
}

func TestCacheStatusString(t *testing.T) {
	var cs CacheStatus
	cs.Forward(CacheStatusFwdUriMiss)
	cs.Stored = true
	assert.Equal(t, "filterproxy; fwd=uri-miss; stored", cs.String())

	cs = CacheStatus{}
	cs.Forward(CacheStatusFwdReadFailure)
	cs.Detail("status-404")
	assert.Equal(t, "filterproxy; fwd=read-failure; detail=status-404", cs.String())

	cs = CacheStatus{}
	cs.Hit()
	assert.Equal(t, "filterproxy; hit", cs.String())
}

func TestFetchFailureBodies(t *testing.T) {
	outcome, body := fetchFailure(errors.New("unknown"))
	assert.Equal(t, outcomeInternalError, outcome)
	assert.Equal(t, bodyInternalError, body)
}

func assertNoTempFiles(t *testing.T, store *cache.Store) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(store.Dir(), cache.TempPrefix+"*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
