package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T, c Catalog) {
	_, ok, err := c.Get("1")
	require.NoError(t, err)
	assert.False(t, ok)

	published := time.Unix(1700000000, 0)
	require.NoError(t, c.Record(Entry{Key: "2", URI: "//b/", Size: 20, PublishedAt: published}))
	require.NoError(t, c.Record(Entry{Key: "1", URI: "//a/", Size: 10, PublishedAt: published}))
	require.NoError(t, c.Record(Entry{Key: "1", URI: "//c/", Size: 30, PublishedAt: published}))

	e, ok, err := c.Get("1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "//c/", e.URI)
	assert.EqualValues(t, 30, e.Size)
	assert.True(t, published.Equal(e.PublishedAt))

	all, err := c.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "1", all[0].Key)
	assert.Equal(t, "2", all[1].Key)

	require.NoError(t, c.Forget("1"))
	require.NoError(t, c.Forget("does-not-exist"))
	all, err = c.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemCatalog(t *testing.T) {
	testCatalog(t, NewMemCatalog())
}

func TestSQLiteCatalog(t *testing.T) {
	c, err := NewSQLiteCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer c.Close()
	testCatalog(t, c)
}

func TestSQLiteCatalogBacksStore(t *testing.T) {
	c, err := NewSQLiteCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer c.Close()
	s := openTestStore(t, WithCatalog(c))

	require.NoError(t, s.NewWriter("//example.com/").Append([]byte("body"), true))
	all, err := c.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "//example.com/", all[0].URI)
}
