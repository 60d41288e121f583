// Package cache implements the on-disk response cache.
//
// Every cached response lives in its own file directly under the cache directory,
// named by the decimal cache key of the request URI. Files only appear by renaming
// a fully written temp file, so readers never see partial content.
package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	cachekey "github.com/always-cache/filterproxy/pkg/cache-key"

	"github.com/rs/zerolog"
)

const (
	// ChunkSize is the size of reads from cache files.
	ChunkSize = 8192
	// TempPrefix is the file name prefix of in-flight cache files.
	TempPrefix = "temp_"
)

var (
	ErrNotFound         = errors.New("cache entry not found")
	ErrReadFailure      = errors.New("cache read failed")
	ErrWriteAborted     = errors.New("cache write aborted")
	ErrNothingToPublish = errors.New("nothing written to cache")
	ErrInvalidKey       = errors.New("invalid cache key")
)

type Store struct {
	dir     string
	catalog Catalog
	log     zerolog.Logger
}

type Option func(*Store)

// WithCatalog records every publish in the given catalog.
func WithCatalog(c Catalog) Option {
	return func(s *Store) {
		s.catalog = c
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// Open creates the cache directory (owner-only permissions) if needed and returns a store using it.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	s := &Store{
		dir: dir,
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("cacheDir", dir).Logger()
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Catalog returns the configured catalog, or nil.
func (s *Store) Catalog() Catalog {
	return s.catalog
}

// Path returns the file path of the cache entry for the given URI.
func (s *Store) Path(uri string) string {
	return filepath.Join(s.dir, cachekey.Filename(uri))
}

// Lookup reports whether an entry exists for the URI.
// The content of the entry is not validated.
func (s *Store) Lookup(uri string) bool {
	_, err := os.Stat(s.Path(uri))
	return err == nil
}

// Read streams the entry for the URI to w.
// If the entry cannot be read, it is deleted and an error wrapping ErrReadFailure is returned.
// Errors from w are returned as is.
func (s *Store) Read(uri string, w io.Writer) (int64, error) {
	path := s.Path(uri)
	f, err := os.Open(path)
	if err != nil {
		s.log.Warn().Err(err).Str("uri", uri).Msg("Could not open cache entry, deleting it")
		s.heal(uri)
		return 0, fmt.Errorf("%w: %v", ErrReadFailure, err)
	}
	defer f.Close()

	var written int64
	buf := make([]byte, ChunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			s.log.Warn().Err(rerr).Str("uri", uri).Msg("Could not read cache entry, deleting it")
			s.heal(uri)
			return written, fmt.Errorf("%w: %v", ErrReadFailure, rerr)
		}
	}
}

// OpenEntry opens the entry stored under the given key for reading.
func (s *Store) OpenEntry(key string) (*os.File, error) {
	if _, ok := cachekey.Parse(key); !ok {
		return nil, ErrInvalidKey
	}
	f, err := os.Open(filepath.Join(s.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// heal removes a broken entry; anything found is cleaned up, a missing entry is fine.
func (s *Store) heal(uri string) {
	if err := s.Delete(uri); err != nil && !errors.Is(err, ErrNotFound) {
		s.log.Error().Err(err).Str("uri", uri).Msg("Could not delete broken cache entry")
	}
}

// Delete removes the entry for the URI.
func (s *Store) Delete(uri string) error {
	key := cachekey.Filename(uri)
	err := os.Remove(filepath.Join(s.dir, key))
	if s.catalog != nil {
		if cerr := s.catalog.Forget(key); cerr != nil {
			s.log.Warn().Err(cerr).Str("key", key).Msg("Could not remove entry from catalog")
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// SweepTemp removes temp files left behind by fetches that never completed.
// It must not run while fetches are in flight, since their temp files would be removed too.
func (s *Store) SweepTemp() (int, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasPrefix(de.Name(), TempPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, de.Name())); err != nil {
			s.log.Warn().Err(err).Str("file", de.Name()).Msg("Could not remove stale temp file")
			continue
		}
		removed++
	}
	return removed, nil
}

// publish atomically moves a completed temp file into place.
func (s *Store) publish(tempPath, uri string, size int64) error {
	key := cachekey.Filename(uri)
	if err := os.Rename(tempPath, filepath.Join(s.dir, key)); err != nil {
		return err
	}
	s.log.Trace().Str("key", key).Str("uri", uri).Msg("Published cache entry")
	if s.catalog != nil {
		s.record(key, uri, size)
	}
	return nil
}

func (s *Store) record(key, uri string, size int64) {
	if prev, ok, err := s.catalog.Get(key); err == nil && ok && prev.URI != uri {
		s.log.Warn().Str("key", key).Str("uri", uri).Str("previous", prev.URI).
			Msg("Cache key collision, previous entry overwritten")
	}
	err := s.catalog.Record(Entry{
		Key:         key,
		URI:         uri,
		Size:        size,
		PublishedAt: time.Now(),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Could not record entry in catalog")
	}
}
