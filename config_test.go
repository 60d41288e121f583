package filterproxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "filterproxy.yml")
	require.NoError(t, os.WriteFile(filename, []byte(`
port: 8080
blacklist: blacklist.txt
cacheDir: /var/cache/filterproxy
workers: 8
catalog: catalog.db
admin: ":9090"
clientTimeout: 30s
originTimeout: 1m
maxRequestBytes: 16384
`), 0600))

	config, err := ReadConfigFile(filename)
	require.NoError(t, err)
	assert.Equal(t, FileConfig{
		Port:            8080,
		Blacklist:       "blacklist.txt",
		CacheDir:        "/var/cache/filterproxy",
		Workers:         8,
		Catalog:         "catalog.db",
		Admin:           ":9090",
		ClientTimeout:   30 * time.Second,
		OriginTimeout:   time.Minute,
		MaxRequestBytes: 16384,
	}, config)
}

func TestReadConfigFileErrors(t *testing.T) {
	_, err := ReadConfigFile(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	filename := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(filename, []byte("workers: many\n"), 0600))
	_, err = ReadConfigFile(filename)
	assert.Error(t, err)
}
