package cache

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
)

// number of attempts to find an unused temp file name
const tempAttempts = 10

// Writer streams one origin response into a temp file and publishes it as the
// cache entry for its URI once complete.
// A Writer belongs to a single fetch and is not safe for concurrent use.
//
// The first failed write aborts caching for the writer: the temp file is removed and
// every later call returns an error wrapping ErrWriteAborted.
type Writer struct {
	store    *Store
	uri      string
	log      zerolog.Logger
	file     *os.File
	tempPath string
	size     int64
	err      error
	closed   bool
}

// NewWriter returns a writer for the given URI.
// The temp file is only created when the first chunk is written.
func (s *Store) NewWriter(uri string) *Writer {
	return &Writer{
		store: s,
		uri:   uri,
		log:   s.log.With().Str("uri", uri).Logger(),
	}
}

// Write appends p to the temp file.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, fmt.Errorf("%w: writer closed", ErrWriteAborted)
	}
	if w.file == nil {
		if err := w.create(); err != nil {
			w.fail(err)
			return 0, w.err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	if err != nil {
		w.fail(err)
		return n, w.err
	}
	return n, nil
}

// Append writes the chunk and, if final is set, publishes the entry.
func (w *Writer) Append(chunk []byte, final bool) error {
	if len(chunk) > 0 {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	if final {
		return w.Publish()
	}
	return nil
}

// Publish renames the temp file to the entry for the URI.
// Nothing is published if any write failed or nothing was written.
func (w *Writer) Publish() error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return fmt.Errorf("%w: writer closed", ErrWriteAborted)
	}
	w.closed = true
	if w.file == nil {
		return ErrNothingToPublish
	}
	if err := w.file.Close(); err != nil {
		w.discard()
		w.err = fmt.Errorf("%w: %v", ErrWriteAborted, err)
		return w.err
	}
	if err := w.store.publish(w.tempPath, w.uri, w.size); err != nil {
		w.discard()
		w.err = fmt.Errorf("%w: %v", ErrWriteAborted, err)
		w.log.Warn().Err(err).Msg("Could not publish cache entry")
		return w.err
	}
	return nil
}

// Abandon drops the temp file without publishing.
// It is a no-op after Publish.
func (w *Writer) Abandon() {
	if w.closed {
		return
	}
	w.closed = true
	if w.file != nil {
		w.file.Close()
		w.discard()
	}
}

// Failed reports whether caching was aborted for this writer.
func (w *Writer) Failed() bool {
	return w.err != nil
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.size
}

// TempPath returns the path of the temp file, empty before the first write.
func (w *Writer) TempPath() string {
	return w.tempPath
}

func (w *Writer) create() error {
	for i := 0; i < tempAttempts; i++ {
		path := filepath.Join(w.store.dir, TempPrefix+strconv.FormatUint(uint64(rand.Uint32()), 10))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return err
		}
		w.file = f
		w.tempPath = path
		w.log.Trace().Str("temp", path).Msg("Created temp cache file")
		return nil
	}
	return fmt.Errorf("no free temp file name after %d attempts", tempAttempts)
}

func (w *Writer) fail(err error) {
	w.err = fmt.Errorf("%w: %v", ErrWriteAborted, err)
	w.log.Warn().Err(err).Msg("Caching aborted")
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	w.discard()
}

func (w *Writer) discard() {
	if w.tempPath == "" {
		return
	}
	if err := os.Remove(w.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.log.Warn().Err(err).Str("temp", w.tempPath).Msg("Could not remove temp cache file")
	}
}
