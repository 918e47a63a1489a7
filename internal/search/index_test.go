package search

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAndSearch(t *testing.T) {
	dir := t.TempDir()
	idxPath := filepath.Join(dir, "index.bleve")

	ix, err := Open(idxPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	require.NoError(t, ix.Index("enwiki:Cat", "Cat", "The cat is a small domesticated carnivorous mammal."))
	require.NoError(t, ix.Index("enwiki:Go_(programming_language)", "Go (programming language)",
		"Go is a statically typed compiled language with goroutines and channels."))

	res, err := ix.Search("goroutines", 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "enwiki:Go_(programming_language)", res[0].EntryKey)
	assert.Equal(t, "Go (programming language)", res[0].Title)
	assert.Contains(t, res[0].Snippet, "goroutines")

	// prefix match on title
	res, err = ix.Search("ca", 10)
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Equal(t, "enwiki:Cat", res[0].EntryKey)

	n, err := ix.DocCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	fi, err := os.Stat(idxPath)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestIndexReplacesAndDeletes(t *testing.T) {
	ix, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	require.NoError(t, ix.Index("enwiki:Cat", "Cat", "old text about felines"))
	require.NoError(t, ix.Index("enwiki:Cat", "Cat", "new text about whiskers"))

	n, err := ix.DocCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := ix.Search("felines", 10)
	require.NoError(t, err)
	assert.Empty(t, res)

	require.NoError(t, ix.Delete("enwiki:Cat"))
	require.NoError(t, ix.Delete("enwiki:Unknown"))
	res, err = ix.Search("whiskers", 10)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestIndexReopens(t *testing.T) {
	idxPath := filepath.Join(t.TempDir(), "index.bleve")

	ix, err := Open(idxPath)
	require.NoError(t, err)
	require.NoError(t, ix.Index("enwiki:Cat", "Cat", "felines"))
	require.NoError(t, ix.Close())

	ix, err = Open(idxPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	res, err := ix.Search("felines", 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
}

func TestSearchShortQuery(t *testing.T) {
	ix, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	res, err := ix.Search(" a ", 10)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "wörld", "42"}, tokenize("Hello, Wörld! a 42"))
	assert.Empty(t, tokenize("a b c"))
}

func TestBestSnippet(t *testing.T) {
	text := strings.Repeat("filler ", 100) + "the needle is here " + strings.Repeat("filler ", 100)
	s := bestSnippet(text, []string{"needle"}, 200)
	assert.Contains(t, s, "needle")
	assert.LessOrEqual(t, len(s), 200)

	assert.Equal(t, "", bestSnippet("", []string{"x"}, 200))
	assert.Equal(t, "short text", bestSnippet("short text", []string{"x"}, 200))
}
