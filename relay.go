package filterproxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/always-cache/filterproxy/cache"
	"github.com/always-cache/filterproxy/metrics"
	tee "github.com/always-cache/filterproxy/pkg/response-writer-tee"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

type relayState int

const (
	stateInit relayState = iota
	stateFirstChunk
	stateStreaming
	stateDone
	stateError
)

func (s relayState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateFirstChunk:
		return "first-chunk"
	case stateStreaming:
		return "streaming"
	case stateDone:
		return "done"
	case stateError:
		return "error"
	}
	return fmt.Sprintf("relayState(%d)", int(s))
}

type relayResult struct {
	state relayState
	// status code token of the origin's status line
	status string
	// whether the origin response passed status validation
	accepted bool
	// whether the header block announced chunked transfer encoding
	chunked   bool
	written   int64
	published bool
	err       error
}

var chunkedHeader = []byte("transfer-encoding: chunked")

// relay streams the origin response to the client and, for successful responses, into the
// cache entry for uri. The response ends when a read from the origin returns EOF or fails;
// the entry is then published unless a cache write failed or the client went away.
func (p *Proxy) relay(client io.Writer, upstream io.Reader, uri string, log zerolog.Logger) relayResult {
	res := relayResult{state: stateInit}
	writer := p.store.NewWriter(uri)
	// no-op once published
	defer writer.Abandon()

	buf := make([]byte, cache.ChunkSize)

	res.state = stateFirstChunk
	n, err := readFirstChunk(upstream, buf)
	if n == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		res.state = stateError
		res.err = fmt.Errorf("%w: %v", errOriginRecv, err)
		log.Error().Err(err).Msg("Failed to receive response from origin")
		io.WriteString(client, bodyInternalError)
		return res
	}
	first := buf[:n]

	line := firstLine(first)
	res.status = statusCode(line)
	log.Trace().Str("statusLine", line).Msg("Received first chunk from origin")
	if !strings.HasPrefix(res.status, "2") {
		m, _ := io.WriteString(client, line+"\n")
		res.written = int64(m)
		res.state = stateDone
		metrics.RecordCacheWrite("skipped")
		return res
	}
	res.accepted = true

	res.chunked = usesChunkedEncoding(first)
	log.Trace().Bool("chunked", res.chunked).Msg("Checked transfer encoding")

	rs := tee.NewResponseSaver(client, writer)
	res.state = stateStreaming
	chunk := first
	for {
		if len(chunk) > 0 {
			if _, werr := rs.Write(chunk); werr != nil {
				res.state = stateError
				res.written = rs.Written()
				res.err = fmt.Errorf("%w: %v", errClientSend, werr)
				log.Error().Err(werr).Msg("Failed to send response to client")
				// best effort, the client is likely gone
				io.WriteString(client, bodyServiceUnavailable)
				metrics.RecordCacheWrite("aborted")
				return res
			}
			log.Trace().Int("bytes", len(chunk)).Msg("Relayed chunk")
		}
		if err != nil {
			break
		}
		n, err = upstream.Read(buf)
		chunk = buf[:n]
	}
	res.written = rs.Written()
	res.state = stateDone

	if !rs.Saving() {
		log.Warn().Err(rs.CacheErr()).Msg("Response not cached")
		metrics.RecordCacheWrite("aborted")
		return res
	}
	// a failed read ends the response like EOF does, what was received is published
	if !errors.Is(err, io.EOF) {
		res.err = fmt.Errorf("%w: %v", errOriginBroken, err)
		log.Warn().Err(err).Msg("Origin connection failed mid-response")
	}
	if perr := writer.Append(nil, true); perr != nil {
		log.Warn().Err(perr).Msg("Response not cached")
		metrics.RecordCacheWrite("aborted")
		return res
	}
	res.published = true
	log.Trace().Str("size", humanize.Bytes(uint64(writer.Size()))).Msg("Published response to cache")
	metrics.RecordCacheWrite("published")
	return res
}

// readFirstChunk reads until buf holds a complete line, is full, or the reader fails.
func readFirstChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if bytes.IndexByte(buf[:n], '\n') >= 0 {
			return n, nil
		}
	}
	return n, nil
}

// firstLine returns the first line of b without line terminator.
func firstLine(b []byte) string {
	line, _, _ := bytes.Cut(b, []byte("\n"))
	return string(bytes.TrimSuffix(line, []byte("\r")))
}

// statusCode returns the second whitespace-delimited token of a status line.
func statusCode(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// usesChunkedEncoding looks for a chunked Transfer-Encoding header in the header block contained in b.
func usesChunkedEncoding(b []byte) bool {
	head, _, _ := bytes.Cut(b, []byte("\r\n\r\n"))
	return bytes.Contains(bytes.ToLower(head), chunkedHeader)
}
