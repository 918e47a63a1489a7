package plugins

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPlugin answers for the keys matched by handles.
type stubPlugin struct {
	name     string
	priority int
	handles  func(string) bool
	resolve  func(string, string) (*Document, error)
}

func (p *stubPlugin) Name() string  { return p.name }
func (p *stubPlugin) Priority() int { return p.priority }

func (p *stubPlugin) CanHandle(key string) bool {
	return p.handles != nil && p.handles(key)
}

func (p *stubPlugin) Resolve(key, scheme string) (*Document, error) {
	if p.resolve != nil {
		return p.resolve(key, scheme)
	}
	return &Document{EntryKey: key, URL: scheme + "://mock.example/" + key}, nil
}

func hasPrefix(prefix string) func(string) bool {
	return func(key string) bool { return strings.HasPrefix(key, prefix) }
}

func TestNewRegistry_DefaultsToHTTPS(t *testing.T) {
	assert.Equal(t, "https", NewRegistry("").scheme)
	assert.Equal(t, "http", NewRegistry("http").scheme)
}

func TestRegistry_FindPlugin(t *testing.T) {
	wiki := &stubPlugin{name: "wiki", priority: 100, handles: hasPrefix("enwiki:")}
	anyKey := &stubPlugin{name: "catch-all", priority: 10, handles: func(string) bool { return true }}
	dewiki := &stubPlugin{name: "dewiki", priority: 200, handles: hasPrefix("dewiki:")}

	registry := NewRegistry("https")
	registry.Register(anyKey)
	registry.Register(wiki)
	registry.Register(dewiki)

	tests := []struct {
		key  string
		want Plugin
	}{
		{"enwiki:Cat", wiki},
		{"dewiki:Katze", dewiki},
		{"example.org/page", anyKey},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, registry.FindPlugin(tt.key), tt.key)
	}

	assert.Nil(t, NewRegistry("https").FindPlugin("enwiki:Cat"))
}

func TestRegistry_Resolve(t *testing.T) {
	t.Run("with matching plugin", func(t *testing.T) {
		registry := NewRegistry("http")
		registry.Register(&stubPlugin{
			name:     "test",
			priority: 50,
			handles:  func(string) bool { return true },
		})

		doc, err := registry.Resolve("thing")
		require.NoError(t, err)
		assert.Equal(t, "http://mock.example/thing", doc.URL)
		assert.Equal(t, "thing", doc.EntryKey)
		assert.Equal(t, "test", doc.Plugin)
	})

	t.Run("without matching plugin", func(t *testing.T) {
		registry := NewRegistry("https")

		_, err := registry.Resolve("thing")
		assert.ErrorIs(t, err, ErrNoPlugin)
	})

	t.Run("plugin error is wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		registry := NewRegistry("https")
		registry.Register(&stubPlugin{
			name:    "broken",
			handles: func(string) bool { return true },
			resolve: func(string, string) (*Document, error) { return nil, boom },
		})

		_, err := registry.Resolve("thing")
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "broken")
	})
}

func TestRegistry_ListPluginsReturnsCopy(t *testing.T) {
	registry := NewRegistry("https")
	registry.Register(&stubPlugin{name: "wiki"})
	registry.Register(&stubPlugin{name: "web"})

	listed := registry.ListPlugins()
	require.Len(t, listed, 2)
	assert.Equal(t, "wiki", listed[0].Name())

	listed[0] = nil
	assert.NotNil(t, registry.ListPlugins()[0])
}
