package tee

import (
	"io"
)

// CacheWriter receives a copy of everything sent to the client.
// Once it reports Failed, it is no longer written to.
type CacheWriter interface {
	io.Writer
	Failed() bool
}

// ResponseSaver is a wrapper around the client connection that saves the response to a cache writer.
// Writes to the client decide the outcome of Write; cache write errors only stop the saving.
type ResponseSaver struct {
	w        io.Writer
	cache    CacheWriter
	written  int64
	cacheErr error
}

// Write writes b to the client first and then to the cache writer, unless saving was aborted.
func (t *ResponseSaver) Write(b []byte) (int, error) {
	n, err := t.w.Write(b)
	t.written += int64(n)
	if err != nil {
		return n, err
	}
	if t.cache != nil && !t.cache.Failed() {
		if _, err := t.cache.Write(b); err != nil && t.cacheErr == nil {
			t.cacheErr = err
		}
	}
	return n, nil
}

// Written returns the number of bytes sent to the client.
func (t *ResponseSaver) Written() int64 {
	return t.written
}

// CacheErr returns the error that stopped saving, if any.
func (t *ResponseSaver) CacheErr() error {
	return t.cacheErr
}

// Saving reports whether the response is still being saved.
func (t *ResponseSaver) Saving() bool {
	return t.cache != nil && !t.cache.Failed()
}

// NewResponseSaver returns a new ResponseSaver.
// If cache is nil, the response is only written to w.
func NewResponseSaver(w io.Writer, cache CacheWriter) *ResponseSaver {
	return &ResponseSaver{
		w:     w,
		cache: cache,
	}
}
