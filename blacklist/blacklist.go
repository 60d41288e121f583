// Package blacklist decides whether a host may be proxied.
package blacklist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Filter holds lowercase host fragments. It is immutable once built
// and safe for concurrent use.
type Filter struct {
	entries []string
}

// New builds a filter from the given entries.
// Entries are trimmed and lowercased, empty entries are skipped.
func New(entries ...string) *Filter {
	f := &Filter{entries: make([]string, 0, len(entries))}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimRight(e, "\r\n"))
		// an empty fragment would match every host
		if strings.TrimSpace(e) == "" {
			continue
		}
		f.entries = append(f.entries, e)
	}
	return f
}

// Load reads a blacklist file with one host fragment per line.
func Load(filename string) (*Filter, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open blacklist: %w", err)
	}
	defer file.Close()
	return Read(file)
}

// Read reads blacklist entries, one per line.
func Read(r io.Reader) (*Filter, error) {
	lines := make([]string, 0)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blacklist: %w", err)
	}
	return New(lines...), nil
}

// IsBlacklisted reports whether any entry is contained in the host.
// The host is compared case-insensitively. A nil filter blacklists nothing.
func (f *Filter) IsBlacklisted(host string) bool {
	if f == nil {
		return false
	}
	host = strings.ToLower(host)
	for _, e := range f.entries {
		if strings.Contains(host, e) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.entries)
}
