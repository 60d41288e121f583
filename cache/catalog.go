package cache

import (
	"database/sql"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Catalog keeps track of published cache entries.
// The files on disk are the source of truth; the catalog only remembers which URI
// was last published under each key, how large it was and when it was published.
//
// Implementations must be thread-safe!
type Catalog interface {
	// Record stores the entry, replacing any previous entry with the same key.
	Record(e Entry) error
	// Get returns the entry for the given key, if it exists.
	Get(key string) (Entry, bool, error)
	// Forget removes the entry for the given key.
	// Forgetting an unknown key is not an error.
	Forget(key string) error
	// All returns all entries ordered by key.
	All() ([]Entry, error)
}

type Entry struct {
	Key         string    `json:"key"`
	URI         string    `json:"uri"`
	Size        int64     `json:"size"`
	PublishedAt time.Time `json:"publishedAt"`
}

type MemCatalog struct {
	mutex *sync.RWMutex
	db    map[string]Entry
}

func NewMemCatalog() MemCatalog {
	return MemCatalog{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
}

func (m MemCatalog) Record(e Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[e.Key] = e
	return nil
}

func (m MemCatalog) Get(key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	e, ok := m.db[key]
	return e, ok, nil
}

func (m MemCatalog) Forget(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemCatalog) All() ([]Entry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]Entry, 0, len(m.db))
	for _, e := range m.db {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

type SQLiteCatalog struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCatalog opens (or creates) the catalog database with the given filename.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCatalog(filename string) (SQLiteCatalog, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCatalog{}, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		uri TEXT,
		size INTEGER,
		published_at INTEGER
	)`)
	if err != nil {
		db.Close()
		return SQLiteCatalog{}, err
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		db.Close()
		return SQLiteCatalog{}, err
	}
	return SQLiteCatalog{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCatalog) Record(e Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO entries
		(key, uri, size, published_at) VALUES (?, ?, ?, ?)`,
		e.Key, e.URI, e.Size, e.PublishedAt.UnixNano())
	return err
}

func (s SQLiteCatalog) Get(key string) (Entry, bool, error) {
	var e Entry
	var published int64
	err := s.db.QueryRow("SELECT key, uri, size, published_at FROM entries WHERE key = ?", key).
		Scan(&e.Key, &e.URI, &e.Size, &published)
	if err == sql.ErrNoRows {
		return e, false, nil
	}
	if err != nil {
		return e, false, err
	}
	e.PublishedAt = time.Unix(0, published)
	return e, true, nil
}

func (s SQLiteCatalog) Forget(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE key = ?", key)
	return err
}

func (s SQLiteCatalog) All() ([]Entry, error) {
	entries := make([]Entry, 0)
	rows, err := s.db.Query("SELECT key, uri, size, published_at FROM entries ORDER BY key")
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		var published int64
		if err := rows.Scan(&e.Key, &e.URI, &e.Size, &published); err != nil {
			return entries, err
		}
		e.PublishedAt = time.Unix(0, published)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s SQLiteCatalog) Close() error {
	return s.db.Close()
}
