package cachekey

import (
	"strconv"
)

const (
	// initial value of the key accumulator
	seed uint32 = 7
	// multiplier applied per byte
	multiplier uint32 = 31
)

// Key is the cache key of a request URI.
// Distinct URIs may share a key; stored entries for colliding URIs overwrite each other.
type Key uint32

// Of returns the cache key for the given URI.
// The URI is expected without scheme, e.g. `//example.com/index.html`.
func Of(uri string) Key {
	h := seed
	for i := 0; i < len(uri); i++ {
		h = h*multiplier + uint32(uri[i])
	}
	return Key(h)
}

// String renders the key in decimal, which is also the file name of the cache entry.
func (k Key) String() string {
	return strconv.FormatUint(uint64(k), 10)
}

// Parse converts a file name back to a key.
// It returns false if the name is not a decimal key.
func Parse(name string) (Key, bool) {
	n, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return 0, false
	}
	return Key(n), true
}

// Filename is shorthand for Of(uri).String().
func Filename(uri string) string {
	return Of(uri).String()
}
