package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/stow/internal/plugins"
)

func TestWikiPlugin_Name(t *testing.T) {
	plugin := NewWikiPlugin()
	assert.Equal(t, "wiki", plugin.Name())
	assert.Equal(t, 50, plugin.Priority())
}

func TestWikiPlugin_CanHandle(t *testing.T) {
	plugin := NewWikiPlugin()

	tests := []struct {
		name     string
		key      string
		expected bool
	}{
		{name: "english article", key: "enwiki:Cat", expected: true},
		{name: "plain wiki prefix", key: "wiki:Cat", expected: true},
		{name: "regional variant", key: "zh-yue-wiki:貓", expected: true},
		{name: "url key", key: "example.org/page", expected: false},
		{name: "other prefix", key: "book:Dune", expected: false},
		{name: "missing title", key: "enwiki:", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, plugin.CanHandle(tt.key))
		})
	}
}

func TestWikiPlugin_Resolve(t *testing.T) {
	plugin := NewWikiPlugin()

	doc, err := plugin.Resolve("dewiki:Schwarze_Katze", "https")
	require.NoError(t, err)
	assert.Equal(t, "https://de.wikipedia.org/api/rest_v1/page/mobile-html/Schwarze_Katze", doc.URL)
	assert.Equal(t, "Schwarze Katze", doc.Title)

	doc, err = plugin.Resolve("wiki:Cat", "https")
	require.NoError(t, err)
	assert.Equal(t, "https://en.wikipedia.org/api/rest_v1/page/mobile-html/Cat", doc.URL)

	fixed := &WikiPlugin{HostFormat: "127.0.0.1:8080"}
	doc, err = fixed.Resolve("enwiki:Cat", "http")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080/api/rest_v1/page/mobile-html/Cat", doc.URL)

	_, err = plugin.Resolve("example.org/x", "https")
	assert.Error(t, err)
}

func TestWebPlugin(t *testing.T) {
	plugin := NewWebPlugin()

	assert.True(t, plugin.CanHandle("example.org/articles/go"))
	assert.True(t, plugin.CanHandle("127.0.0.1:8080/page"))
	assert.False(t, plugin.CanHandle("enwiki:Cat"))
	assert.False(t, plugin.CanHandle("Cat"))

	doc, err := plugin.Resolve("example.org/articles/go", "https")
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/articles/go", doc.URL)
	assert.Equal(t, "go", doc.Title)
}

func TestRegister(t *testing.T) {
	registry := plugins.NewRegistry("https")
	Register(registry)

	doc, err := registry.Resolve("enwiki:Cat")
	require.NoError(t, err)
	assert.Equal(t, "wiki", doc.Plugin)

	doc, err = registry.Resolve("example.org/page")
	require.NoError(t, err)
	assert.Equal(t, "web", doc.Plugin)

	_, err = registry.Resolve("Cat")
	assert.ErrorIs(t, err, plugins.ErrNoPlugin)
}
